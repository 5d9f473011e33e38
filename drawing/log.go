package drawing

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/models"
)

// Log is the session's shared, append-only stroke log. Any participant may
// undo or clear any stroke.
type Log struct {
	bus       bus.Bus
	sessionId string
	path      string

	mu       sync.Mutex
	strokes  []models.Stroke
	unsub    func()
	onChange func([]models.Stroke)
}

func NewLog(b bus.Bus, sessionId string) *Log {
	return &Log{
		bus:       b,
		sessionId: sessionId,
		path:      bus.Join(bus.SessionRoot(sessionId), "strokes"),
	}
}

func (l *Log) Path() string {
	return l.path
}

func (l *Log) OnChange(fn func([]models.Stroke)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

func (l *Log) Start(ctx context.Context) error {
	unsub, err := l.bus.Subscribe(ctx, l.path, l.handleSnapshot)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.unsub = unsub
	l.mu.Unlock()
	return nil
}

func (l *Log) Close() {
	l.mu.Lock()
	unsub := l.unsub
	l.unsub = nil
	l.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (l *Log) handleSnapshot(snap bus.Snapshot) {
	strokes := DecodeStrokes(snap)

	l.mu.Lock()
	l.strokes = strokes
	fn := l.onChange
	l.mu.Unlock()

	if fn != nil {
		fn(strokes)
	}
}

// DecodeStrokes returns the valid strokes of a log snapshot in log order.
func DecodeStrokes(snap bus.Snapshot) []models.Stroke {
	strokes := make([]models.Stroke, 0, len(snap.Children))
	for _, child := range snap.Children {
		stroke, err := models.Decode[models.Stroke](child.Value)
		if err != nil {
			logrus.WithError(err).WithField("path", bus.Join(snap.Path, child.Key)).Warn("Skipping malformed stroke")
			continue
		}
		stroke.Id = child.Key
		strokes = append(strokes, stroke)
	}
	return strokes
}

// Strokes returns the last observed log.
func (l *Log) Strokes() []models.Stroke {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Stroke(nil), l.strokes...)
}

func (l *Log) Append(ctx context.Context, stroke models.Stroke) (string, error) {
	stroke.Id = ""
	value, err := models.Encode(stroke)
	if err != nil {
		return "", err
	}
	return l.bus.AppendChild(ctx, l.path, value)
}

// UndoLast removes the most recent entry, whoever drew it.
func (l *Log) UndoLast(ctx context.Context) error {
	snap, err := l.bus.Get(ctx, l.path)
	if err != nil {
		return err
	}
	if len(snap.Children) == 0 {
		return nil
	}
	last := snap.Children[len(snap.Children)-1]
	return l.bus.Remove(ctx, bus.Join(l.path, last.Key))
}

func (l *Log) ClearAll(ctx context.Context) error {
	return l.bus.Remove(ctx, l.path)
}
