package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var ErrClosed = errors.New("bus connection closed")

type Child struct {
	Key   string
	Value []byte
}

// Snapshot is the state of a path at delivery time: the value stored at the
// path itself (nil if none) and its direct children in insertion order.
type Snapshot struct {
	Path     string
	Value    []byte
	Children []Child
}

func (s Snapshot) Exists() bool {
	return s.Value != nil || len(s.Children) > 0
}

// Bus is one client's connection to the realtime key-value transport. Writes
// are last-write-wins per path and there is no atomicity across paths.
type Bus interface {
	// ClientId identifies the connection that owns the leases registered through it.
	ClientId() string

	Set(ctx context.Context, path string, value []byte) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Get(ctx context.Context, path string) (Snapshot, error)
	// Subscribe delivers the current snapshot before returning, then one
	// snapshot per change at or below the path until unsubscribed.
	Subscribe(ctx context.Context, path string, onSnapshot func(Snapshot)) (unsubscribe func(), err error)
	AppendChild(ctx context.Context, path string, value []byte) (string, error)
	// Claim stores value only if nothing is stored at path yet. It reports
	// whether the write happened and returns the stored value either way.
	Claim(ctx context.Context, path string, value []byte) (bool, []byte, error)
	// RemoveOnDisconnect clears path once this connection closes or its lease lapses.
	RemoveOnDisconnect(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
	Close() error
}

type Expiry struct {
	ClientId string
	Paths    []string
}

// Reaper clears the paths held by connections whose lease lapsed.
type Reaper interface {
	ReapExpired(ctx context.Context, now time.Time) ([]Expiry, error)
}

func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split returns the parent path and the last segment.
func Split(path string) (string, string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// Root is the first two segments of a path, e.g. "sessions/R1". Change
// notifications are fanned out per root.
func Root(path string) string {
	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 2 {
		return path
	}
	return parts[0] + "/" + parts[1]
}

// Related reports whether a write at written can change a snapshot of subscribed.
func Related(subscribed string, written string) bool {
	return IsWithin(subscribed, written) || IsWithin(written, subscribed)
}

// IsWithin reports whether path equals ancestor or lies below it.
func IsWithin(path string, ancestor string) bool {
	return path == ancestor || strings.HasPrefix(path, ancestor+"/")
}

// MergeFields overlays fields onto the JSON object in current.
func MergeFields(current []byte, fields map[string]any) ([]byte, error) {
	obj := make(map[string]json.RawMessage)
	if current != nil {
		if err := json.Unmarshal(current, &obj); err != nil {
			return nil, err
		}
	}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		obj[k] = raw
	}
	return json.Marshal(obj)
}

// SessionRoot is the path holding all shared state of one session.
func SessionRoot(sessionId string) string {
	return Join("sessions", sessionId)
}
