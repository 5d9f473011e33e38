package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/models"
)

var ErrNegotiationTimeout = errors.New("negotiation timed out")
var ErrWrongRole = errors.New("operation not allowed for this role")

type Role int

const (
	Caller Role = iota
	Callee
)

func (r Role) String() string {
	if r == Caller {
		return "caller"
	}
	return "callee"
}

type State int

const (
	Idle State = iota
	OfferPublished
	OfferObserved
	AnswerPublished
	AnswerObserved
	Connected
	Stalled
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OfferPublished:
		return "offer_published"
	case OfferObserved:
		return "offer_observed"
	case AnswerPublished:
		return "answer_published"
	case AnswerObserved:
		return "answer_observed"
	case Connected:
		return "connected"
	case Stalled:
		return "stalled"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Waiting reports whether negotiation has started but not yet settled.
func (s State) Waiting() bool {
	switch s {
	case OfferPublished, OfferObserved, AnswerPublished, AnswerObserved:
		return true
	}
	return false
}

type Config struct {
	// Timeout bounds each negotiation attempt. Zero disables it.
	Timeout time.Duration
	// Retries is how many times the last published description is re-published
	// before giving up.
	Retries int
}

// Coordinator runs one side of the offer/answer/candidate exchange over the
// session bus. The role is fixed at construction.
type Coordinator struct {
	bus       bus.Bus
	sessionId string
	root      string
	role      Role
	peer      Peer
	cfg       Config

	// negotiate serializes description handling on the peer
	negotiate sync.Mutex

	mu         sync.Mutex
	state      State
	started    bool
	published  []byte
	attempts   int
	timer      *time.Timer
	applied    map[string]struct{}
	candidates []bus.Child
	unsubs     []func()
	onState    func(State)
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewCoordinator(b bus.Bus, sessionId string, role Role, peer Peer, cfg Config) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		bus:       b,
		sessionId: sessionId,
		root:      bus.SessionRoot(sessionId),
		role:      role,
		peer:      peer,
		cfg:       cfg,
		applied:   make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *Coordinator) Role() Role {
	return c.role
}

func (c *Coordinator) OfferPath() string {
	return bus.Join(c.root, "signal", "offer")
}

func (c *Coordinator) AnswerPath() string {
	return bus.Join(c.root, "signal", "answer")
}

func (c *Coordinator) CandidatesPath(role Role) string {
	if role == Caller {
		return bus.Join(c.root, "signal", "callerCandidates")
	}
	return bus.Join(c.root, "signal", "calleeCandidates")
}

func (c *Coordinator) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"session": c.sessionId, "role": c.role.String()})
}

func (c *Coordinator) counterpart() Role {
	if c.role == Caller {
		return Callee
	}
	return Caller
}

// Start streams local candidates and subscribes to the counterpart's
// description and candidates. The caller still has to PublishOffer.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.peer.OnLocalCandidate(c.publishCandidate)
	c.peer.OnConnectionState(c.handleConnectionState)

	descriptionPath, onDescription := c.AnswerPath(), c.handleAnswer
	if c.role == Callee {
		descriptionPath, onDescription = c.OfferPath(), c.handleOffer
	}

	unsubCandidates, err := c.bus.Subscribe(ctx, c.CandidatesPath(c.counterpart()), c.handleCandidates)
	if err != nil {
		return fmt.Errorf("subscribe to candidates: %w", err)
	}
	c.addUnsub(unsubCandidates)

	unsubDescription, err := c.bus.Subscribe(ctx, descriptionPath, onDescription)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", descriptionPath, err)
	}
	c.addUnsub(unsubDescription)
	return nil
}

func (c *Coordinator) addUnsub(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		fn()
		return
	}
	c.unsubs = append(c.unsubs, fn)
}

// PublishOffer creates the offer, applies it locally and publishes it. Local
// tracks must already be attached to the peer so the offer describes them.
func (c *Coordinator) PublishOffer(ctx context.Context) error {
	if c.role != Caller {
		return ErrWrongRole
	}

	c.negotiate.Lock()
	offer, err := c.peer.CreateOffer(ctx)
	if err == nil {
		err = c.peer.SetLocalDescription(ctx, offer)
	}
	c.negotiate.Unlock()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	value, err := models.Encode(models.Offer{SDP: offer.SDP})
	if err != nil {
		return err
	}
	// The state moves first so an answer racing the write is not dropped
	c.mu.Lock()
	c.published = value
	c.mu.Unlock()
	c.setState(OfferPublished)
	c.arm()
	if err := c.bus.Set(ctx, c.OfferPath(), value); err != nil {
		return fmt.Errorf("publish offer: %w", err)
	}
	return nil
}

func (c *Coordinator) handleOffer(snap bus.Snapshot) {
	if snap.Value == nil {
		return
	}
	offer, err := models.Decode[models.Offer](snap.Value)
	if err != nil {
		c.log().WithError(err).Warn("Ignoring malformed offer")
		return
	}

	ctx := c.ctx
	c.negotiate.Lock()
	// Only the first observed offer is applied; re-publishes and stale copies are no-ops
	if c.peer.HasRemoteDescription() || c.State() == Closed {
		c.negotiate.Unlock()
		return
	}
	if err := c.peer.SetRemoteDescription(ctx, Description{Type: DescriptionOffer, SDP: offer.SDP}); err != nil {
		c.negotiate.Unlock()
		c.log().WithError(err).Warn("Failed to apply offer")
		return
	}

	answer, err := c.peer.CreateAnswer(ctx)
	if err == nil {
		err = c.peer.SetLocalDescription(ctx, answer)
	}
	c.negotiate.Unlock()
	c.setState(OfferObserved)
	c.applyPendingCandidates()
	if err != nil {
		c.log().WithError(err).Warn("Failed to create answer")
		c.setState(Stalled)
		return
	}

	value, err := models.Encode(models.Answer{SDP: answer.SDP})
	if err != nil {
		c.log().WithError(err).Warn("Failed to encode answer")
		return
	}
	c.mu.Lock()
	c.published = value
	c.mu.Unlock()
	if err := c.bus.Set(ctx, c.AnswerPath(), value); err != nil {
		c.log().WithError(err).Warn("Failed to publish answer")
	}
	c.setState(AnswerPublished)
	c.arm()
}

func (c *Coordinator) handleAnswer(snap bus.Snapshot) {
	if snap.Value == nil {
		return
	}
	answer, err := models.Decode[models.Answer](snap.Value)
	if err != nil {
		c.log().WithError(err).Warn("Ignoring malformed answer")
		return
	}

	c.negotiate.Lock()
	// An answer only makes sense once our offer is out, and only the first one counts
	if c.peer.HasRemoteDescription() || c.State() != OfferPublished {
		c.negotiate.Unlock()
		return
	}
	err = c.peer.SetRemoteDescription(c.ctx, Description{Type: DescriptionAnswer, SDP: answer.SDP})
	c.negotiate.Unlock()
	if err != nil {
		c.log().WithError(err).Warn("Failed to apply answer")
		return
	}
	c.setState(AnswerObserved)
	c.applyPendingCandidates()
}

func (c *Coordinator) handleCandidates(snap bus.Snapshot) {
	c.mu.Lock()
	c.candidates = snap.Children
	c.mu.Unlock()
	c.applyPendingCandidates()
}

// applyPendingCandidates applies every observed candidate not applied yet.
// Candidates seen before the remote description stay pending.
func (c *Coordinator) applyPendingCandidates() {
	c.negotiate.Lock()
	defer c.negotiate.Unlock()
	if !c.peer.HasRemoteDescription() {
		return
	}

	c.mu.Lock()
	var fresh []bus.Child
	for _, child := range c.candidates {
		if _, ok := c.applied[child.Key]; ok {
			continue
		}
		c.applied[child.Key] = struct{}{}
		fresh = append(fresh, child)
	}
	c.mu.Unlock()

	for _, child := range fresh {
		candidate, err := models.Decode[models.Candidate](child.Value)
		if err != nil {
			c.log().WithError(err).Warn("Ignoring malformed candidate")
			continue
		}
		if err := c.peer.AddRemoteCandidate(candidate); err != nil {
			c.log().WithError(err).Warn("Failed to add remote candidate")
		}
	}
}

func (c *Coordinator) publishCandidate(candidate models.Candidate) {
	if c.State() == Closed {
		return
	}
	value, err := models.Encode(candidate)
	if err != nil {
		c.log().WithError(err).Warn("Dropping invalid local candidate")
		return
	}
	if _, err := c.bus.AppendChild(c.ctx, c.CandidatesPath(c.role), value); err != nil {
		c.log().WithError(err).Warn("Failed to publish candidate")
	}
}

func (c *Coordinator) handleConnectionState(state ConnectionState) {
	switch state {
	case ConnectionConnected:
		c.disarm()
		c.setState(Connected)
	case ConnectionFailed:
		c.disarm()
		c.setState(Stalled)
	}
}

func (c *Coordinator) setState(state State) {
	c.mu.Lock()
	if c.state == state || c.state == Closed {
		c.mu.Unlock()
		return
	}
	// Connected is only left by failure or close
	if c.state == Connected && state != Stalled && state != Closed {
		c.mu.Unlock()
		return
	}
	c.state = state
	fn := c.onState
	c.mu.Unlock()

	c.log().WithField("state", state.String()).Debug("Negotiation state changed")
	if fn != nil {
		fn(state)
	}
}

func (c *Coordinator) arm() {
	if c.cfg.Timeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed || c.state == Connected || c.timer != nil {
		return
	}
	c.timer = time.AfterFunc(c.cfg.Timeout, c.onTimeout)
}

func (c *Coordinator) disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// onTimeout re-publishes our last description, then gives up after the
// configured number of retries.
func (c *Coordinator) onTimeout() {
	c.mu.Lock()
	c.timer = nil
	if !c.state.Waiting() {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.Retries || c.published == nil {
		c.mu.Unlock()
		c.log().WithError(ErrNegotiationTimeout).Warn("Peer unreachable")
		c.setState(Stalled)
		return
	}
	c.attempts++
	attempt := c.attempts
	value := c.published
	path := c.OfferPath()
	if c.role == Callee {
		path = c.AnswerPath()
	}
	c.timer = time.AfterFunc(c.cfg.Timeout, c.onTimeout)
	c.mu.Unlock()

	c.log().WithField("attempt", attempt).Info("Negotiation timed out, re-publishing")
	if err := c.bus.Set(c.ctx, path, value); err != nil {
		c.log().WithError(err).Warn("Failed to re-publish description")
	}
}

// Close stops listening and closes the peer. It does not clear the
// negotiation slot on the bus.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	fn := c.onState
	c.state = Closed
	unsubs := c.unsubs
	c.unsubs = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	c.cancel()
	err := c.peer.Close()
	if fn != nil {
		fn(Closed)
	}
	return err
}
