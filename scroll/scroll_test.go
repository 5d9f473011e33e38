package scroll

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/bus/memory"
	"github.com/zlnvch/studysync/models"
)

type follower struct {
	mu sync.Mutex
	ys []float64
}

func (f *follower) record(y float64) {
	f.mu.Lock()
	f.ys = append(f.ys, y)
	f.mu.Unlock()
}

func (f *follower) last() (float64, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ys) == 0 {
		return 0, 0
	}
	return f.ys[len(f.ys)-1], len(f.ys)
}

func startPair(t *testing.T, store *memory.Store) (*Arbiter, *Arbiter, *follower, *follower) {
	ctx := context.Background()
	a := NewArbiter(store.Connect("A"), "R1", "A")
	b := NewArbiter(store.Connect("B"), "R1", "B")
	fa, fb := &follower{}, &follower{}
	a.OnScrollTo(fa.record)
	b.OnScrollTo(fb.record)
	require.NoError(t, a.Start(ctx, true))
	require.NoError(t, b.Start(ctx, false))
	store.Settle()
	return a, b, fa, fb
}

func TestStart_CreatorOwnsControl(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	a, b, _, _ := startPair(t, store)

	assert.True(t, a.IsOwner())
	assert.False(t, b.IsOwner())
	assert.Equal(t, "A", b.State().Owner)
}

func TestScroll_OwnerPublishesFollowerMoves(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	a, b, fa, fb := startPair(t, store)
	ctx := context.Background()

	published, err := a.Scroll(ctx, 640)
	require.NoError(t, err)
	assert.True(t, published)
	store.Settle()

	y, n := fb.last()
	assert.Equal(t, 1, n)
	assert.Equal(t, 640.0, y)
	assert.Equal(t, 640.0, b.State().Y)
	_, n = fa.last()
	assert.Zero(t, n, "owner never follows its own scroll")
}

func TestScroll_NonOwnerDoesNotWrite(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	a, b, fa, _ := startPair(t, store)
	ctx := context.Background()

	published, err := b.Scroll(ctx, 300)
	require.NoError(t, err)
	assert.False(t, published)
	store.Settle()

	_, n := fa.last()
	assert.Zero(t, n)
	snap, err := store.Connect("observer").Get(ctx, a.ScrollPath())
	require.NoError(t, err)
	assert.Nil(t, snap.Value)
}

func TestSetControlOwner_Handover(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	a, b, fa, fb := startPair(t, store)
	ctx := context.Background()

	// Any participant may hand control over, including to itself
	require.NoError(t, b.SetControlOwner(ctx, "B"))
	store.Settle()
	assert.False(t, a.IsOwner())
	assert.True(t, b.IsOwner())

	published, err := a.Scroll(ctx, 10)
	require.NoError(t, err)
	assert.False(t, published)

	published, err = b.Scroll(ctx, 900)
	require.NoError(t, err)
	assert.True(t, published)
	store.Settle()

	y, n := fa.last()
	assert.Equal(t, 1, n)
	assert.Equal(t, 900.0, y)
	_, n = fb.last()
	assert.Zero(t, n)
}

func TestScroll_Convergence(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	a, b, _, fb := startPair(t, store)
	ctx := context.Background()

	for i := 1; i <= 50; i++ {
		_, err := a.Scroll(ctx, float64(i*10))
		require.NoError(t, err)
	}
	store.Settle()

	y, _ := fb.last()
	assert.Equal(t, 500.0, y)
	assert.Equal(t, a.State().Y, b.State().Y)
}

func TestUpdatePresence_PromotesWhenOwnerLeaves(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	_, b, _, _ := startPair(t, store)
	ctx := context.Background()

	// The owner is still present, nothing changes
	b.UpdatePresence(ctx, []models.Participant{{Id: "A", JoinedAt: 1}, {Id: "B", JoinedAt: 2}})
	store.Settle()
	assert.False(t, b.IsOwner())

	b.UpdatePresence(ctx, []models.Participant{{Id: "B", JoinedAt: 2}})
	store.Settle()
	assert.True(t, b.IsOwner())
}

func TestUpdatePresence_OnlyEarliestPromotes(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	ctx := context.Background()
	observer := store.Connect("observer")

	value, err := models.Encode(models.ControlState{Owner: "gone"})
	require.NoError(t, err)
	require.NoError(t, observer.Set(ctx, bus.Join(bus.SessionRoot("R1"), "control"), value))

	b := NewArbiter(store.Connect("B"), "R1", "B")
	require.NoError(t, b.Start(ctx, false))
	store.Settle()

	present := []models.Participant{{Id: "A", JoinedAt: 1}, {Id: "B", JoinedAt: 2}}
	b.UpdatePresence(ctx, present)
	store.Settle()
	assert.Equal(t, "gone", b.State().Owner, "B is not the earliest present participant")

	a := NewArbiter(store.Connect("A"), "R1", "A")
	require.NoError(t, a.Start(ctx, false))
	a.UpdatePresence(ctx, present)
	store.Settle()
	assert.True(t, a.IsOwner())
	assert.Equal(t, "A", b.State().Owner)
}

func TestOnChange_ReportsOwner(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	a, _, _, _ := startPair(t, store)
	ctx := context.Background()

	var mu sync.Mutex
	var owners []string
	a.OnChange(func(s State) {
		mu.Lock()
		owners = append(owners, s.Owner)
		mu.Unlock()
	})

	require.NoError(t, a.SetControlOwner(ctx, "B"))
	store.Settle()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"B"}, owners)
}

func TestClose_StopsFollowing(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	a, b, _, fb := startPair(t, store)
	ctx := context.Background()

	b.Close()
	_, err := a.Scroll(ctx, 100)
	require.NoError(t, err)
	store.Settle()

	_, n := fb.last()
	assert.Zero(t, n)
}
