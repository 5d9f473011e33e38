package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/studysync/bus/memory"
	"github.com/zlnvch/studysync/media/mocks"
	"github.com/zlnvch/studysync/models"
	"github.com/zlnvch/studysync/notes"
	"github.com/zlnvch/studysync/presence"
	"github.com/zlnvch/studysync/signaling"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) RecordSession(ctx context.Context, sessionId string, creatorId string) error {
	args := m.Called(ctx, sessionId, creatorId)
	return args.Error(0)
}

func (m *mockDirectory) RequestTeardown(ctx context.Context, sessionId string, claim *models.Claim) error {
	args := m.Called(ctx, sessionId, claim)
	return args.Error(0)
}

func heldBy(owner string) any {
	return mock.MatchedBy(func(c *models.Claim) bool {
		return c != nil && c.Owner == owner && c.Token != ""
	})
}

func (m *mockDirectory) RecordActivity(sessionId string, activity models.Activity) {
	m.Called(sessionId, activity)
}

func newClient(store *memory.Store, id string, name string, dir Directory) *Client {
	return NewClient(
		store.Connect(id),
		"R1",
		id,
		name,
		&mocks.FakePeerFactory{Name: id},
		&mocks.FakeCapturer{},
		dir,
		Config{Signaling: signaling.Config{Timeout: time.Second, Retries: 1}, CursorInterval: 10 * time.Millisecond},
	)
}

func TestScenarioA_FullSession(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	ctx := context.Background()

	dir := new(mockDirectory)
	dir.On("RecordSession", mock.Anything, "R1", "A").Return(nil).Once()
	dir.On("RecordActivity", "R1", mock.Anything).Return()
	dir.On("RequestTeardown", mock.Anything, "R1", heldBy("A")).Return(nil).Once()

	a := newClient(store, "A", "Alice", dir)
	b := newClient(store, "B", "Bob", dir)

	resA, err := a.Join(ctx)
	require.NoError(t, err)
	assert.True(t, resA.IsCreator)

	resB, err := b.Join(ctx)
	require.NoError(t, err)
	assert.False(t, resB.IsCreator)
	assert.Equal(t, "A", resB.PeerId)
	store.Settle()

	assert.Equal(t, "B", a.State().PeerId)
	assert.Equal(t, "A", a.State().ControlOwner)
	assert.Equal(t, "A", b.State().ControlOwner)

	// Screen share reaches the peer
	require.NoError(t, a.StartShare(ctx))
	assert.Eventually(t, func() bool {
		s := b.State()
		return s.Sharing && len(s.RemoteTracks) == 2 && s.Negotiation == signaling.Connected.String()
	}, waitFor, tick)
	assert.True(t, a.State().Sharing)

	// Cursor
	a.SetViewport(1000, 500)
	require.NoError(t, a.UpdateCursor(250, 250))
	store.Settle()
	cur, ok := b.State().PeerCursors["A"]
	require.True(t, ok)
	assert.Equal(t, 0.25, *cur.X)
	assert.Equal(t, 0.5, *cur.Y)

	// Annotations
	_, err = b.AddStroke(ctx, models.Stroke{Tool: models.ToolPen, Color: "#ff0000", Width: 3, Points: []models.Point{{X: 1, Y: 1}, {X: 20, Y: 20}}})
	require.NoError(t, err)
	store.Settle()
	require.Len(t, a.State().Strokes, 1)
	assert.Equal(t, "B", a.State().Strokes[0].AuthorId)

	require.NoError(t, a.UndoLast(ctx))
	store.Settle()
	assert.Empty(t, b.State().Strokes)

	// Notes
	noteId, err := b.SaveNote(ctx, "chapter 3 recap", "")
	require.NoError(t, err)
	store.Settle()
	require.Len(t, a.State().Notes, 1)
	_, err = a.SaveNote(ctx, "edited", noteId)
	assert.ErrorIs(t, err, notes.ErrNotAuthor)

	// Scroll follows the owner
	var mu sync.Mutex
	var followed []float64
	b.OnScrollTo(func(y float64) {
		mu.Lock()
		followed = append(followed, y)
		mu.Unlock()
	})
	require.NoError(t, a.Scroll(ctx, 420))
	store.Settle()
	mu.Lock()
	assert.Equal(t, []float64{420}, followed)
	mu.Unlock()

	// Handing control over
	require.NoError(t, a.SetControlOwner(ctx, "B"))
	store.Settle()
	assert.Equal(t, "B", a.State().ControlOwner)

	// The creator leaving ends the session for everybody
	require.NoError(t, a.Leave(ctx))
	store.Settle()
	assert.True(t, b.State().Ended)
	assert.Eventually(t, func() bool { return !b.State().Sharing }, waitFor, tick)

	snap, err := store.Connect("observer").Get(ctx, "sessions/R1")
	require.NoError(t, err)
	assert.False(t, snap.Exists())

	dir.AssertExpectations(t)
	dir.AssertCalled(t, "RecordActivity", "R1", models.ActivityShare)
	dir.AssertCalled(t, "RecordActivity", "R1", models.ActivityStroke)
	dir.AssertCalled(t, "RecordActivity", "R1", models.ActivityNote)
}

func TestStopShare_CreatorTearsDown(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	ctx := context.Background()

	dir := new(mockDirectory)
	dir.On("RecordSession", mock.Anything, "R1", "A").Return(nil)
	dir.On("RecordActivity", "R1", models.ActivityShare).Return()
	dir.On("RequestTeardown", mock.Anything, "R1", heldBy("A")).Return(nil).Once()

	a := newClient(store, "A", "Alice", dir)
	b := newClient(store, "B", "Bob", nil)
	_, err := a.Join(ctx)
	require.NoError(t, err)
	_, err = b.Join(ctx)
	require.NoError(t, err)

	require.NoError(t, a.StartShare(ctx))
	require.NoError(t, a.StopShare(ctx))
	store.Settle()

	assert.True(t, b.State().Ended)
	assert.False(t, a.State().Joined)
	assert.ErrorIs(t, a.Leave(ctx), presence.ErrNotJoined)
	dir.AssertExpectations(t)
}

func TestLeave_NonCreatorKeepsSession(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	ctx := context.Background()

	a := newClient(store, "A", "Alice", nil)
	b := newClient(store, "B", "Bob", nil)
	_, err := a.Join(ctx)
	require.NoError(t, err)
	_, err = b.Join(ctx)
	require.NoError(t, err)
	_, err = a.AddStroke(ctx, models.Stroke{Tool: models.ToolPen, Color: "#000000", Width: 2, Points: []models.Point{{X: 0, Y: 0}, {X: 5, Y: 5}}})
	require.NoError(t, err)

	require.NoError(t, b.Leave(ctx))
	store.Settle()

	s := a.State()
	assert.False(t, s.Ended)
	assert.Empty(t, s.PeerId)
	assert.Len(t, s.Strokes, 1)
	assert.Len(t, s.Participants, 1)
}

func TestJoin_SessionFull(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	ctx := context.Background()

	for _, id := range []string{"A", "B"} {
		_, err := newClient(store, id, id, nil).Join(ctx)
		require.NoError(t, err)
	}
	_, err := newClient(store, "C", "C", nil).Join(ctx)
	assert.ErrorIs(t, err, presence.ErrSessionFull)
}

func TestOwnerDisconnect_PeerTakesControl(t *testing.T) {
	now := time.Unix(1700000000, 0)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	store := memory.NewStore(15*time.Second, memory.WithClock(clock))
	ctx := context.Background()

	a := newClient(store, "A", "Alice", nil)
	connB := store.Connect("B")
	b := NewClient(connB, "R1", "B", "Bob", &mocks.FakePeerFactory{Name: "B"}, &mocks.FakeCapturer{}, nil, Config{})
	_, err := a.Join(ctx)
	require.NoError(t, err)
	_, err = b.Join(ctx)
	require.NoError(t, err)

	require.NoError(t, b.SetControlOwner(ctx, "B"))
	store.Settle()
	assert.Equal(t, "B", a.State().ControlOwner)

	connB.Drop()
	clockMu.Lock()
	now = now.Add(time.Minute)
	clockMu.Unlock()
	_, err = store.ReapExpired(ctx, clock())
	require.NoError(t, err)
	store.Settle()

	assert.Equal(t, "A", a.State().ControlOwner)
}

func TestChangeNotifications(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	ctx := context.Background()

	a := newClient(store, "A", "Alice", nil)
	var mu sync.Mutex
	var last State
	a.OnChange(func(s State) {
		mu.Lock()
		last = s
		mu.Unlock()
	})

	_, err := a.Join(ctx)
	require.NoError(t, err)
	_, err = a.SaveNote(ctx, "hello", "")
	require.NoError(t, err)
	store.Settle()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, last.Joined)
	assert.True(t, last.IsCreator)
	require.Len(t, last.Notes, 1)
	assert.Equal(t, "hello", last.Notes[0].Text)
}
