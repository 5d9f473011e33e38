package presence

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sirupsen/logrus"
	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/models"
)

// MaxParticipants is the number of peers a session supports.
const MaxParticipants = 2

var ErrSessionFull = errors.New("session is full")
var ErrNotJoined = errors.New("not joined")

type Result struct {
	IsCreator bool
	PeerId    string
}

type State struct {
	Joined       bool
	IsCreator    bool
	PeerId       string
	Participants []models.Participant
	// Ended is set once the creator's claim disappears, i.e. the session was torn down.
	Ended bool
}

// Registry tracks who is present in one session on behalf of one participant.
type Registry struct {
	bus       bus.Bus
	sessionId string
	root      string
	now       func() time.Time

	mu       sync.Mutex
	self     models.Participant
	seat     string
	claim    *models.Claim
	state    State
	unsubs   []func()
	onChange func(State)
}

func NewRegistry(b bus.Bus, sessionId string) *Registry {
	return &Registry{
		bus:       b,
		sessionId: sessionId,
		root:      bus.SessionRoot(sessionId),
		now:       time.Now,
	}
}

func (r *Registry) ParticipantsPath() string {
	return bus.Join(r.root, "participants")
}

// SeatsPath holds one claim per seat; a participant needs a seat to join.
func (r *Registry) SeatsPath() string {
	return bus.Join(r.root, "seats")
}

func (r *Registry) CreatorPath() string {
	return bus.Join(r.root, "creator")
}

func (r *Registry) OnChange(fn func(State)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Registry) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state
	s.Participants = append([]models.Participant(nil), r.state.Participants...)
	return s
}

// Claim returns the creator claim held by this participant, if any.
func (r *Registry) Claim() (models.Claim, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claim == nil {
		return models.Claim{}, false
	}
	return *r.claim, true
}

func (r *Registry) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"session": r.sessionId, "participant": r.self.Id})
}

// Join registers the participant under a disconnect lease and elects the
// creator through an atomic claim. The role is fixed for the lifetime of the
// registration; only the peer identity follows later presence changes.
func (r *Registry) Join(ctx context.Context, participantId string, displayName string) (Result, error) {
	if err := models.ValidateId(r.sessionId); err != nil {
		return Result{}, err
	}
	self := models.Participant{Id: participantId, Name: displayName, JoinedAt: r.now().UnixMilli()}
	if err := self.Validate(); err != nil {
		return Result{}, err
	}

	r.mu.Lock()
	if r.state.Joined {
		r.mu.Unlock()
		return Result{IsCreator: r.state.IsCreator, PeerId: r.state.PeerId}, nil
	}
	r.self = self
	r.mu.Unlock()

	reachable := true
	snap, err := r.bus.Get(ctx, r.ParticipantsPath())
	if err != nil {
		// Presence is best effort: continue solo and possibly invisible to peers
		r.log().WithError(err).Warn("Presence unavailable, continuing without it")
		reachable = false
	}
	others := otherParticipants(decodeParticipants(snap), participantId)
	if len(others) >= MaxParticipants {
		return Result{}, ErrSessionFull
	}

	isCreator := len(others) == 0
	var claim *models.Claim
	var seat string
	if reachable {
		seat, err = r.claimSeat(ctx, participantId)
		if err != nil {
			return Result{}, err
		}
		isCreator, claim = r.claimCreator(ctx, participantId, isCreator)
		r.register(ctx, self, seat, isCreator)
	}

	result := Result{IsCreator: isCreator}
	if len(others) > 0 {
		result.PeerId = others[0].Id
	}

	r.mu.Lock()
	r.claim = claim
	r.seat = seat
	r.state = State{
		Joined:       true,
		IsCreator:    isCreator,
		PeerId:       result.PeerId,
		Participants: append([]models.Participant{self}, others...),
	}
	sortParticipants(r.state.Participants)
	r.mu.Unlock()

	if reachable {
		r.watch(ctx)
	}
	r.log().WithField("isCreator", isCreator).Info("Joined session")
	return result, nil
}

// claimSeat takes one of the MaxParticipants seats, or keeps the one the
// participant already holds. Concurrent joins cannot overfill the session.
func (r *Registry) claimSeat(ctx context.Context, participantId string) (string, error) {
	snap, err := r.bus.Get(ctx, r.SeatsPath())
	if err != nil {
		r.log().WithError(err).Warn("Seats unavailable, joining without one")
		return "", nil
	}
	for _, child := range snap.Children {
		if held, err := models.Decode[models.Claim](child.Value); err == nil && held.Owner == participantId {
			return bus.Join(r.SeatsPath(), child.Key), nil
		}
	}

	value, err := models.Encode(models.Claim{Owner: participantId, ClaimedAt: r.now().UnixMilli()})
	if err != nil {
		return "", err
	}
	for i := 0; i < MaxParticipants; i++ {
		path := bus.Join(r.SeatsPath(), strconv.Itoa(i))
		claimed, stored, err := r.bus.Claim(ctx, path, value)
		if err != nil {
			r.log().WithError(err).Warn("Seat claim failed")
			return "", nil
		}
		if claimed {
			return path, nil
		}
		if held, err := models.Decode[models.Claim](stored); err == nil && held.Owner == participantId {
			return path, nil
		}
	}
	return "", ErrSessionFull
}

// claimCreator returns whether the participant is the creator and, if so,
// the claim stored for it.
func (r *Registry) claimCreator(ctx context.Context, participantId string, fallback bool) (bool, *models.Claim) {
	claim := models.Claim{Owner: participantId, ClaimedAt: r.now().UnixMilli(), Token: uuid.Must(uuid.NewV4()).String()}
	value, err := models.Encode(claim)
	if err != nil {
		return fallback, nil
	}
	claimed, stored, err := r.bus.Claim(ctx, r.CreatorPath(), value)
	if err != nil {
		r.log().WithError(err).Warn("Creator claim failed")
		return fallback, nil
	}
	if claimed {
		return true, &claim
	}
	existing, err := models.Decode[models.Claim](stored)
	if err != nil {
		r.log().WithError(err).Warn("Ignoring malformed creator claim")
		return false, nil
	}
	if existing.Owner != participantId {
		return false, nil
	}
	return true, &existing
}

func (r *Registry) register(ctx context.Context, self models.Participant, seat string, isCreator bool) {
	path := bus.Join(r.ParticipantsPath(), self.Id)
	if err := r.bus.RemoveOnDisconnect(ctx, path); err != nil {
		r.log().WithError(err).Warn("Failed to register presence lease")
	}
	if seat != "" {
		if err := r.bus.RemoveOnDisconnect(ctx, seat); err != nil {
			r.log().WithError(err).Warn("Failed to register seat lease")
		}
	}
	if isCreator {
		// An abruptly vanished creator ends the session, same as an explicit leave
		if err := r.bus.RemoveOnDisconnect(ctx, r.CreatorPath()); err != nil {
			r.log().WithError(err).Warn("Failed to register creator lease")
		}
	}
	value, err := models.Encode(self)
	if err != nil {
		return
	}
	if err := r.bus.Set(ctx, path, value); err != nil {
		r.log().WithError(err).Warn("Failed to publish presence")
	}
}

func (r *Registry) watch(ctx context.Context) {
	unsubParticipants, err := r.bus.Subscribe(ctx, r.ParticipantsPath(), r.handleParticipants)
	if err != nil {
		r.log().WithError(err).Warn("Failed to subscribe to participants")
	}
	unsubCreator, err := r.bus.Subscribe(ctx, r.CreatorPath(), r.handleCreator)
	if err != nil {
		r.log().WithError(err).Warn("Failed to subscribe to creator")
	}

	r.mu.Lock()
	for _, u := range []func(){unsubParticipants, unsubCreator} {
		if u != nil {
			r.unsubs = append(r.unsubs, u)
		}
	}
	r.mu.Unlock()
}

func (r *Registry) handleParticipants(snap bus.Snapshot) {
	participants := decodeParticipants(snap)

	r.mu.Lock()
	if !r.state.Joined {
		r.mu.Unlock()
		return
	}
	present := participants
	if !containsParticipant(participants, r.self.Id) {
		// Our own entry may not have round-tripped yet
		present = append(present, r.self)
	}
	sortParticipants(present)
	r.state.Participants = present
	r.state.PeerId = ""
	if others := otherParticipants(present, r.self.Id); len(others) > 0 {
		r.state.PeerId = others[0].Id
	}
	r.notifyLocked()
}

func (r *Registry) handleCreator(snap bus.Snapshot) {
	r.mu.Lock()
	if !r.state.Joined || r.state.Ended || snap.Value != nil {
		r.mu.Unlock()
		return
	}
	r.state.Ended = true
	r.notifyLocked()
	r.log().Info("Session ended")
}

// notifyLocked releases r.mu before running the change callback.
func (r *Registry) notifyLocked() {
	fn := r.onChange
	s := r.state
	s.Participants = append([]models.Participant(nil), r.state.Participants...)
	r.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Leave removes the participant's entry. When the creator leaves, the whole
// session is torn down, even if the other participant is still present.
func (r *Registry) Leave(ctx context.Context) error {
	r.mu.Lock()
	if !r.state.Joined {
		r.mu.Unlock()
		return ErrNotJoined
	}
	unsubs := r.unsubs
	r.unsubs = nil
	isCreator := r.state.IsCreator
	self := r.self
	seat := r.seat
	r.state = State{}
	r.claim = nil
	r.seat = ""
	r.mu.Unlock()

	for _, u := range unsubs {
		u()
	}

	if isCreator {
		r.log().Info("Creator left, tearing down session")
		return r.bus.Remove(ctx, r.root)
	}
	if err := r.bus.Remove(ctx, bus.Join(r.ParticipantsPath(), self.Id)); err != nil {
		return err
	}
	if seat != "" {
		return r.bus.Remove(ctx, seat)
	}
	return nil
}

func decodeParticipants(snap bus.Snapshot) []models.Participant {
	participants := make([]models.Participant, 0, len(snap.Children))
	for _, child := range snap.Children {
		p, err := models.Decode[models.Participant](child.Value)
		if err != nil || p.Id != child.Key {
			logrus.WithField("path", bus.Join(snap.Path, child.Key)).Warn("Dropping malformed participant entry")
			continue
		}
		participants = append(participants, p)
	}
	return participants
}

func otherParticipants(participants []models.Participant, selfId string) []models.Participant {
	others := make([]models.Participant, 0, len(participants))
	for _, p := range participants {
		if p.Id != selfId {
			others = append(others, p)
		}
	}
	sortParticipants(others)
	return others
}

func containsParticipant(participants []models.Participant, id string) bool {
	for _, p := range participants {
		if p.Id == id {
			return true
		}
	}
	return false
}

func sortParticipants(participants []models.Participant) {
	sort.SliceStable(participants, func(i, j int) bool {
		if participants[i].JoinedAt != participants[j].JoinedAt {
			return participants[i].JoinedAt < participants[j].JoinedAt
		}
		return participants[i].Id < participants[j].Id
	})
}
