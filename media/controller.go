package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/signaling"
)

type State struct {
	Sharing bool
	// Unavailable is set when capture was refused; the session carries on without media.
	Unavailable  bool
	Negotiation  signaling.State
	RemoteTracks []RemoteTrack
}

// Controller starts and stops screen sharing for one participant. The
// creator is always the caller; the other participant only receives.
type Controller struct {
	bus       bus.Bus
	sessionId string
	factory   PeerFactory
	capturer  Capturer
	cfg       signaling.Config
	sink      *RemoteSink

	mu          sync.Mutex
	joined      bool
	isCreator   bool
	peer        Peer
	coord       *signaling.Coordinator
	capture     Capture
	sharing     bool
	unavailable bool
	negotiation signaling.State
	onChange    func()
	teardown    func(ctx context.Context) error
}

func NewController(b bus.Bus, sessionId string, factory PeerFactory, capturer Capturer, cfg signaling.Config) *Controller {
	return &Controller{
		bus:       b,
		sessionId: sessionId,
		factory:   factory,
		capturer:  capturer,
		cfg:       cfg,
		sink:      &RemoteSink{},
	}
}

func (c *Controller) OnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// OnTeardown sets what runs when the creator stops sharing.
func (c *Controller) OnTeardown(fn func(ctx context.Context) error) {
	c.mu.Lock()
	c.teardown = fn
	c.mu.Unlock()
}

func (c *Controller) Sink() *RemoteSink {
	return c.sink
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Sharing:      c.sharing,
		Unavailable:  c.unavailable,
		Negotiation:  c.negotiation,
		RemoteTracks: c.sink.Tracks(),
	}
}

func (c *Controller) log() *logrus.Entry {
	return logrus.WithField("session", c.sessionId)
}

func (c *Controller) changed() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Attach fixes the participant's role. A non-creator starts listening for
// the creator's offer right away so a share started later is picked up.
func (c *Controller) Attach(ctx context.Context, isCreator bool) error {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return nil
	}
	c.joined = true
	c.isCreator = isCreator
	c.mu.Unlock()

	if isCreator {
		return nil
	}
	_, _, err := c.connect(ctx, signaling.Callee)
	return err
}

func (c *Controller) connect(ctx context.Context, role signaling.Role) (Peer, *signaling.Coordinator, error) {
	peer, err := c.factory.NewPeer()
	if err != nil {
		return nil, nil, fmt.Errorf("create peer: %w", err)
	}
	peer.OnRemoteTrack(func(track RemoteTrack) {
		c.sink.Add(track)
		c.mu.Lock()
		if !c.isCreator {
			c.sharing = true
		}
		c.mu.Unlock()
		c.changed()
	})
	peer.OnRemotePacket(c.sink.deliver)

	coord := signaling.NewCoordinator(c.bus, c.sessionId, role, peer, c.cfg)
	coord.OnStateChange(func(state signaling.State) {
		c.mu.Lock()
		if c.coord == coord {
			c.negotiation = state
		}
		c.mu.Unlock()
		c.changed()
	})

	c.mu.Lock()
	c.peer = peer
	c.coord = coord
	c.mu.Unlock()

	if err := coord.Start(ctx); err != nil {
		coord.Close()
		return nil, nil, err
	}
	return peer, coord, nil
}

// StartShare acquires capture, attaches the tracks and only then publishes
// the offer, so the offer already describes the media.
func (c *Controller) StartShare(ctx context.Context) error {
	c.mu.Lock()
	if !c.joined || !c.isCreator {
		c.mu.Unlock()
		return ErrNotCreator
	}
	if c.sharing {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	capture, err := c.capturer.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrCaptureDenied) {
			c.mu.Lock()
			c.unavailable = true
			c.mu.Unlock()
			c.changed()
			c.log().Warn("Capture denied, sharing unavailable")
		}
		return err
	}

	peer, coord, err := c.connect(ctx, signaling.Caller)
	if err != nil {
		capture.Release()
		return err
	}
	for _, track := range capture.Tracks() {
		if err := peer.AddLocalTrack(track); err != nil {
			capture.Release()
			coord.Close()
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
	}

	c.mu.Lock()
	c.capture = capture
	c.sharing = true
	c.unavailable = false
	c.mu.Unlock()
	c.changed()

	if err := coord.PublishOffer(ctx); err != nil {
		if coord.State() != signaling.OfferPublished {
			// No offer exists and no timer is armed to retry it
			c.release()
			c.changed()
			return err
		}
		// The negotiation timer re-publishes the offer; sharing stays up
		c.log().WithError(err).Warn("Offer publish failed")
	}
	c.log().Info("Started sharing")
	return nil
}

// WriteSample feeds an encoded capture sample to the local track of the given kind.
func (c *Controller) WriteSample(kind TrackKind, data []byte, duration time.Duration) error {
	c.mu.Lock()
	capture := c.capture
	c.mu.Unlock()
	if capture == nil {
		return ErrNotSharing
	}
	for _, track := range capture.Tracks() {
		if track.Kind() == kind {
			return track.WriteSample(data, duration)
		}
	}
	return fmt.Errorf("no %s track", kind)
}

// Stop releases capture and closes the connection. When the creator stops,
// the whole session is torn down; any other participant goes back to
// listening for the next offer.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	joined := c.joined
	isCreator := c.isCreator
	teardown := c.teardown
	c.mu.Unlock()

	c.release()
	c.changed()

	if isCreator {
		if teardown != nil {
			return teardown(ctx)
		}
		return nil
	}
	if joined {
		if _, _, err := c.connect(ctx, signaling.Callee); err != nil {
			c.log().WithError(err).Warn("Failed to listen for the next share")
			return err
		}
	}
	return nil
}

// Close releases media without tearing anything down.
func (c *Controller) Close() {
	c.release()
}

func (c *Controller) release() {
	c.mu.Lock()
	capture := c.capture
	coord := c.coord
	c.capture = nil
	c.coord = nil
	c.peer = nil
	c.sharing = false
	c.negotiation = signaling.Idle
	c.mu.Unlock()

	if capture != nil {
		capture.Release()
	}
	if coord != nil {
		if err := coord.Close(); err != nil {
			c.log().WithError(err).Warn("Failed to close peer connection")
		}
	}
	c.sink.Clear()
}
