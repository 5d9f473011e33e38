package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplit(t *testing.T) {
	parent, leaf := Split("sessions/R1/strokes/abc")
	assert.Equal(t, "sessions/R1/strokes", parent)
	assert.Equal(t, "abc", leaf)

	parent, leaf = Split("sessions")
	assert.Equal(t, "", parent)
	assert.Equal(t, "sessions", leaf)
}

func TestRoot(t *testing.T) {
	assert.Equal(t, "sessions/R1", Root("sessions/R1/signal/offer"))
	assert.Equal(t, "sessions/R1", Root("sessions/R1"))
	assert.Equal(t, "sessions", Root("sessions"))
}

func TestRelated(t *testing.T) {
	assert.True(t, Related("sessions/R1/strokes", "sessions/R1/strokes/x"))
	assert.True(t, Related("sessions/R1/strokes", "sessions/R1"))
	assert.True(t, Related("sessions/R1/strokes", "sessions/R1/strokes"))
	assert.False(t, Related("sessions/R1/strokes", "sessions/R1/notes/x"))
	assert.False(t, Related("sessions/R1/strokes", "sessions/R1/strokesX"))
}

func TestMergeFields(t *testing.T) {
	merged, err := MergeFields(nil, map[string]any{"a": 1})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(merged))

	merged, err = MergeFields([]byte(`{"a":1,"b":"x"}`), map[string]any{"a": 2})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"a":2,"b":"x"}`, string(merged))

	_, err = MergeFields([]byte(`not json`), map[string]any{"a": 2})
	assert.Error(t, err)
}
