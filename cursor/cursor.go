package cursor

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/models"
	"golang.org/x/time/rate"
)

const DefaultInterval = 50 * time.Millisecond

var ErrNoViewport = errors.New("viewport size not set")

// Broadcaster publishes the local pointer as viewport fractions and keeps the
// latest cursor of every other participant.
type Broadcaster struct {
	bus           bus.Bus
	sessionId     string
	participantId string
	name          string
	path          string
	limiter       *rate.Limiter

	mu       sync.Mutex
	width    float64
	height   float64
	scrollY  float64
	pending  *models.Cursor
	flush    *time.Timer
	closed   bool
	peers    map[string]models.Cursor
	unsub    func()
	onChange func(map[string]models.Cursor)
}

func NewBroadcaster(b bus.Bus, sessionId string, participantId string, name string, interval time.Duration) *Broadcaster {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Broadcaster{
		bus:           b,
		sessionId:     sessionId,
		participantId: participantId,
		name:          name,
		path:          bus.Join(bus.SessionRoot(sessionId), "cursors", participantId),
		limiter:       rate.NewLimiter(rate.Every(interval), 1),
		peers:         make(map[string]models.Cursor),
	}
}

func (c *Broadcaster) CursorsPath() string {
	return bus.Join(bus.SessionRoot(c.sessionId), "cursors")
}

func (c *Broadcaster) OnChange(fn func(map[string]models.Cursor)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *Broadcaster) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"session": c.sessionId, "participant": c.participantId})
}

// Start leases the own cursor slot and follows everybody else's.
func (c *Broadcaster) Start(ctx context.Context) error {
	if err := c.bus.RemoveOnDisconnect(ctx, c.path); err != nil {
		c.log().WithError(err).Warn("Failed to register cursor lease")
	}
	unsub, err := c.bus.Subscribe(ctx, c.CursorsPath(), c.handleCursors)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.unsub = unsub
	c.mu.Unlock()
	return nil
}

func (c *Broadcaster) SetViewport(width float64, height float64) {
	c.mu.Lock()
	c.width = width
	c.height = height
	c.mu.Unlock()
}

// UpdateCursor publishes a pointer position given in viewport pixels.
func (c *Broadcaster) UpdateCursor(x float64, y float64) error {
	c.mu.Lock()
	if c.width <= 0 || c.height <= 0 {
		c.mu.Unlock()
		return ErrNoViewport
	}
	nx := clamp01(x / c.width)
	ny := clamp01(y / c.height)
	cur := models.Cursor{X: &nx, Y: &ny, ScrollY: c.scrollY, Name: c.name}
	c.mu.Unlock()

	c.submit(cur)
	return nil
}

// UpdateScroll publishes the scroll offset alone; peers keep the last known
// pointer position.
func (c *Broadcaster) UpdateScroll(scrollY float64) {
	if math.IsNaN(scrollY) || scrollY < 0 {
		scrollY = 0
	}
	c.mu.Lock()
	c.scrollY = scrollY
	c.mu.Unlock()

	c.submit(models.Cursor{ScrollY: scrollY, Name: c.name})
}

func (c *Broadcaster) submit(cur models.Cursor) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if cur.X == nil && c.pending != nil && c.pending.X != nil {
		// Keep the pointer move that is still waiting to go out
		cur.X, cur.Y = c.pending.X, c.pending.Y
	}
	c.pending = &cur
	if c.flush != nil {
		c.mu.Unlock()
		return
	}
	delay := c.limiter.Reserve().Delay()
	if delay == 0 {
		c.pending = nil
		c.mu.Unlock()
		c.publish(cur)
		return
	}
	c.flush = time.AfterFunc(delay, c.flushPending)
	c.mu.Unlock()
}

func (c *Broadcaster) flushPending() {
	c.mu.Lock()
	cur := c.pending
	c.pending = nil
	c.flush = nil
	closed := c.closed
	c.mu.Unlock()

	if cur != nil && !closed {
		c.publish(*cur)
	}
}

func (c *Broadcaster) publish(cur models.Cursor) {
	cur.UpdatedAt = time.Now().UnixMilli()
	value, err := models.Encode(cur)
	if err != nil {
		c.log().WithError(err).Warn("Dropping invalid cursor update")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.bus.Set(ctx, c.path, value); err != nil {
		c.log().WithError(err).Warn("Failed to publish cursor")
	}
}

func (c *Broadcaster) handleCursors(snap bus.Snapshot) {
	c.mu.Lock()
	peers := make(map[string]models.Cursor, len(snap.Children))
	for _, child := range snap.Children {
		if child.Key == c.participantId {
			continue
		}
		cur, err := models.Decode[models.Cursor](child.Value)
		if err != nil {
			c.log().WithError(err).Warn("Ignoring malformed cursor")
			continue
		}
		if cur.X == nil {
			if prev, ok := c.peers[child.Key]; ok {
				cur.X, cur.Y = prev.X, prev.Y
			}
		}
		peers[child.Key] = cur
	}
	c.peers = peers
	fn := c.onChange
	c.mu.Unlock()

	if fn != nil {
		fn(copyPeers(peers))
	}
}

// Peers returns the cursors of everybody but this participant.
func (c *Broadcaster) Peers() map[string]models.Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyPeers(c.peers)
}

func (c *Broadcaster) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.flush != nil {
		c.flush.Stop()
		c.flush = nil
	}
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	return c.bus.Remove(ctx, c.path)
}

func copyPeers(peers map[string]models.Cursor) map[string]models.Cursor {
	out := make(map[string]models.Cursor, len(peers))
	for k, v := range peers {
		out[k] = v
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
