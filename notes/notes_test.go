package notes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/bus/memory"
	"github.com/zlnvch/studysync/bus/mocks"
	"github.com/zlnvch/studysync/models"
)

func texts(notes []models.Note) []string {
	out := make([]string, 0, len(notes))
	for _, n := range notes {
		out = append(out, n.Text)
	}
	return out
}

func fixedClock(start int64) func() time.Time {
	t := start
	return func() time.Time {
		t++
		return time.UnixMilli(t)
	}
}

func TestSave_AppendAndList(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	ctx := context.Background()

	a := NewLog(store.Connect("A"), "R1", "A", "Alice")
	a.now = fixedClock(1000)
	b := NewLog(store.Connect("B"), "R1", "B", "Bob")
	b.now = fixedClock(2000)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	_, err := b.Save(ctx, "second", "")
	require.NoError(t, err)
	id, err := a.Save(ctx, "first", "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	store.Settle()

	// Ordered by creation time, not insertion order
	assert.Equal(t, []string{"first", "second"}, texts(a.List()))
	assert.Equal(t, []string{"first", "second"}, texts(b.List()))
	assert.Equal(t, id, b.List()[0].Id)
	assert.Equal(t, "Alice", b.List()[0].AuthorName)
}

func TestSave_EditOverwritesTextAndTimestamp(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	ctx := context.Background()

	a := NewLog(store.Connect("A"), "R1", "A", "Alice")
	a.now = fixedClock(1000)
	require.NoError(t, a.Start(ctx))

	id, err := a.Save(ctx, "draft", "")
	require.NoError(t, err)
	edited, err := a.Save(ctx, "final", id)
	require.NoError(t, err)
	assert.Equal(t, id, edited)
	store.Settle()

	notes := a.List()
	require.Len(t, notes, 1)
	assert.Equal(t, "final", notes[0].Text)
	assert.Equal(t, int64(1001), notes[0].CreatedAt)
	assert.Equal(t, int64(1002), notes[0].UpdatedAt)
}

func TestSave_Rejections(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	ctx := context.Background()

	a := NewLog(store.Connect("A"), "R1", "A", "Alice")
	b := NewLog(store.Connect("B"), "R1", "B", "Bob")

	id, err := a.Save(ctx, "mine", "")
	require.NoError(t, err)

	_, err = b.Save(ctx, "hijack", id)
	assert.ErrorIs(t, err, ErrNotAuthor)
	assert.ErrorIs(t, b.Remove(ctx, id), ErrNotAuthor)

	_, err = a.Save(ctx, "   ", "")
	assert.ErrorIs(t, err, models.ErrInvalidMessage)

	_, err = a.Save(ctx, "text", "missing")
	assert.ErrorIs(t, err, ErrNoteNotFound)

	_, err = a.Save(ctx, "text", "../escape")
	assert.ErrorIs(t, err, models.ErrInvalidMessage)
}

func TestRemove(t *testing.T) {
	store := memory.NewStore(15 * time.Second)
	ctx := context.Background()

	a := NewLog(store.Connect("A"), "R1", "A", "Alice")
	b := NewLog(store.Connect("B"), "R1", "B", "Bob")
	require.NoError(t, b.Start(ctx))

	var changes [][]models.Note
	b.OnChange(func(n []models.Note) { changes = append(changes, n) })

	id, err := a.Save(ctx, "temp", "")
	require.NoError(t, err)
	store.Settle()
	require.Len(t, b.List(), 1)

	require.NoError(t, a.Remove(ctx, id))
	store.Settle()
	assert.Empty(t, b.List())
	require.NotEmpty(t, changes)
	assert.Empty(t, changes[len(changes)-1])
}

func TestDecodeNotes_SkipsMalformed(t *testing.T) {
	good, err := models.Encode(models.Note{AuthorId: "A", Text: "ok", CreatedAt: 1})
	require.NoError(t, err)
	snap := bus.Snapshot{Children: []bus.Child{
		{Key: "x", Value: []byte(`{"kind":"stroke"}`)},
		{Key: "y", Value: good},
		{Key: "z", Value: []byte(`not json`)},
	}}

	notes := DecodeNotes(snap)
	require.Len(t, notes, 1)
	assert.Equal(t, "y", notes[0].Id)
}

func TestSave_BusFailure(t *testing.T) {
	m := new(mocks.MockBus)
	m.On("AppendChild", mock.Anything, "sessions/R1/notes", mock.Anything).Return("", errors.New("unreachable"))

	_, err := NewLog(m, "R1", "A", "Alice").Save(context.Background(), "hello", "")
	assert.Error(t, err)
	m.AssertExpectations(t)
}
