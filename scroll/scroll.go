package scroll

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/models"
)

type State struct {
	Owner string
	Y     float64
}

// Arbiter lets only the control owner publish the shared scroll offset and
// moves every follower's viewport to the published value.
type Arbiter struct {
	bus           bus.Bus
	sessionId     string
	participantId string
	root          string

	mu         sync.Mutex
	owner      string
	y          float64
	present    []models.Participant
	promoting  bool
	unsubs     []func()
	onScrollTo func(y float64)
	onChange   func(State)
}

func NewArbiter(b bus.Bus, sessionId string, participantId string) *Arbiter {
	return &Arbiter{
		bus:           b,
		sessionId:     sessionId,
		participantId: participantId,
		root:          bus.SessionRoot(sessionId),
	}
}

func (a *Arbiter) ControlPath() string {
	return bus.Join(a.root, "control")
}

func (a *Arbiter) ScrollPath() string {
	return bus.Join(a.root, "scroll")
}

// OnScrollTo is called with the owner's offset whenever this participant follows.
func (a *Arbiter) OnScrollTo(fn func(y float64)) {
	a.mu.Lock()
	a.onScrollTo = fn
	a.mu.Unlock()
}

func (a *Arbiter) OnChange(fn func(State)) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

func (a *Arbiter) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"session": a.sessionId, "participant": a.participantId})
}

// Start follows the control and scroll slots. The creator takes control when
// the session starts.
func (a *Arbiter) Start(ctx context.Context, isCreator bool) error {
	if isCreator {
		value, err := models.Encode(models.ControlState{Owner: a.participantId})
		if err != nil {
			return err
		}
		if _, _, err := a.bus.Claim(ctx, a.ControlPath(), value); err != nil {
			a.log().WithError(err).Warn("Failed to take initial control")
		}
	}

	unsubControl, err := a.bus.Subscribe(ctx, a.ControlPath(), a.handleControl)
	if err != nil {
		return err
	}
	unsubScroll, err := a.bus.Subscribe(ctx, a.ScrollPath(), a.handleScroll)
	if err != nil {
		unsubControl()
		return err
	}

	a.mu.Lock()
	a.unsubs = append(a.unsubs, unsubControl, unsubScroll)
	a.mu.Unlock()
	return nil
}

func (a *Arbiter) Close() {
	a.mu.Lock()
	unsubs := a.unsubs
	a.unsubs = nil
	a.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{Owner: a.owner, Y: a.y}
}

func (a *Arbiter) IsOwner() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner == a.participantId
}

// Scroll publishes the local offset if this participant owns control and
// reports whether anything was written.
func (a *Arbiter) Scroll(ctx context.Context, y float64) (bool, error) {
	a.mu.Lock()
	if a.owner != a.participantId {
		a.mu.Unlock()
		return false, nil
	}
	a.y = y
	a.mu.Unlock()

	value, err := models.Encode(models.ScrollState{Y: y, By: a.participantId})
	if err != nil {
		return false, err
	}
	if err := a.bus.Set(ctx, a.ScrollPath(), value); err != nil {
		return false, err
	}
	return true, nil
}

// SetControlOwner hands control to any participant. Anybody may call it.
func (a *Arbiter) SetControlOwner(ctx context.Context, participantId string) error {
	value, err := models.Encode(models.ControlState{Owner: participantId})
	if err != nil {
		return err
	}
	return a.bus.Set(ctx, a.ControlPath(), value)
}

// UpdatePresence feeds the current participant set. When the recorded owner
// is gone, the earliest-joined present participant takes control.
func (a *Arbiter) UpdatePresence(ctx context.Context, participants []models.Participant) {
	a.mu.Lock()
	a.present = append([]models.Participant(nil), participants...)
	a.mu.Unlock()
	a.maybePromote(ctx)
}

func (a *Arbiter) maybePromote(ctx context.Context) {
	a.mu.Lock()
	if a.promoting || len(a.present) == 0 || a.present[0].Id != a.participantId {
		a.mu.Unlock()
		return
	}
	for _, p := range a.present {
		if p.Id == a.owner {
			a.mu.Unlock()
			return
		}
	}
	a.promoting = true
	previous := a.owner
	a.mu.Unlock()

	a.log().WithField("previousOwner", previous).Info("Control owner absent, taking control")
	if err := a.SetControlOwner(ctx, a.participantId); err != nil {
		a.log().WithError(err).Warn("Failed to take control")
	}

	a.mu.Lock()
	a.promoting = false
	a.mu.Unlock()
}

func (a *Arbiter) handleControl(snap bus.Snapshot) {
	owner := ""
	if snap.Value != nil {
		control, err := models.Decode[models.ControlState](snap.Value)
		if err != nil {
			a.log().WithError(err).Warn("Ignoring malformed control state")
			return
		}
		owner = control.Owner
	}

	a.mu.Lock()
	changed := owner != a.owner
	a.owner = owner
	state := State{Owner: a.owner, Y: a.y}
	fn := a.onChange
	a.mu.Unlock()

	if changed && fn != nil {
		fn(state)
	}
}

func (a *Arbiter) handleScroll(snap bus.Snapshot) {
	if snap.Value == nil {
		return
	}
	s, err := models.Decode[models.ScrollState](snap.Value)
	if err != nil {
		a.log().WithError(err).Warn("Ignoring malformed scroll state")
		return
	}

	a.mu.Lock()
	if a.owner == a.participantId || s.By == a.participantId {
		a.mu.Unlock()
		return
	}
	a.y = s.Y
	fn := a.onScrollTo
	a.mu.Unlock()

	if fn != nil {
		fn(s.Y)
	}
}
