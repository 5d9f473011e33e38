package session

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/cursor"
	"github.com/zlnvch/studysync/drawing"
	"github.com/zlnvch/studysync/media"
	"github.com/zlnvch/studysync/models"
	"github.com/zlnvch/studysync/notes"
	"github.com/zlnvch/studysync/presence"
	"github.com/zlnvch/studysync/scroll"
	"github.com/zlnvch/studysync/signaling"
)

// Directory is told about session lifecycle and activity. The service
// layer implements it on top of the session directory and the job queue.
type Directory interface {
	RecordSession(ctx context.Context, sessionId string, creatorId string) error
	RequestTeardown(ctx context.Context, sessionId string, claim *models.Claim) error
	RecordActivity(sessionId string, activity models.Activity)
}

type Config struct {
	Signaling      signaling.Config
	CursorInterval time.Duration
}

// State is everything the hosting UI observes about a session.
type State struct {
	SessionId          string                   `json:"sessionId"`
	ParticipantId      string                   `json:"participantId"`
	Joined             bool                     `json:"joined"`
	IsCreator          bool                     `json:"isCreator"`
	PeerId             string                   `json:"peerId"`
	Participants       []models.Participant     `json:"participants"`
	Sharing            bool                     `json:"sharing"`
	SharingUnavailable bool                     `json:"sharingUnavailable"`
	Negotiation        string                   `json:"negotiation"`
	Waiting            bool                     `json:"waiting"`
	RemoteTracks       []media.RemoteTrack      `json:"remoteTracks"`
	PeerCursors        map[string]models.Cursor `json:"peerCursors"`
	ControlOwner       string                   `json:"controlOwner"`
	Strokes            []models.Stroke          `json:"strokes"`
	Notes              []models.Note            `json:"notes"`
	Ended              bool                     `json:"ended"`
}

// Client is one participant's handle on a study session.
type Client struct {
	bus       bus.Bus
	sessionId string
	self      models.Participant
	directory Directory

	presence *presence.Registry
	media    *media.Controller
	cursor   *cursor.Broadcaster
	drawing  *drawing.Engine
	scroll   *scroll.Arbiter
	notes    *notes.Log

	// ctx carries bus writes made from change callbacks
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	joined     bool
	isCreator  bool
	onChange   func(State)
	onScrollTo func(y float64)
}

// NewClient builds the components of one participant. directory may be nil.
func NewClient(
	b bus.Bus,
	sessionId string,
	participantId string,
	name string,
	factory media.PeerFactory,
	capturer media.Capturer,
	directory Directory,
	cfg Config,
) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		bus:       b,
		sessionId: sessionId,
		self:      models.Participant{Id: participantId, Name: name},
		directory: directory,
		presence:  presence.NewRegistry(b, sessionId),
		media:     media.NewController(b, sessionId, factory, capturer, cfg.Signaling),
		cursor:    cursor.NewBroadcaster(b, sessionId, participantId, name, cfg.CursorInterval),
		drawing:   drawing.NewEngine(b, sessionId, participantId),
		scroll:    scroll.NewArbiter(b, sessionId, participantId),
		notes:     notes.NewLog(b, sessionId, participantId, name),
		ctx:       ctx,
		cancel:    cancel,
	}

	c.presence.OnChange(c.handlePresence)
	c.media.OnChange(c.changed)
	c.media.OnTeardown(c.Leave)
	c.cursor.OnChange(func(map[string]models.Cursor) { c.changed() })
	c.drawing.OnChange(func([]models.Stroke) { c.changed() })
	c.notes.OnChange(func([]models.Note) { c.changed() })
	c.scroll.OnChange(func(scroll.State) { c.changed() })
	c.scroll.OnScrollTo(func(y float64) {
		c.mu.Lock()
		fn := c.onScrollTo
		c.mu.Unlock()
		if fn != nil {
			fn(y)
		}
	})
	return c
}

func (c *Client) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"session": c.sessionId, "participant": c.self.Id})
}

func (c *Client) OnChange(fn func(State)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// OnScrollTo is called when the control owner scrolled and this participant follows.
func (c *Client) OnScrollTo(fn func(y float64)) {
	c.mu.Lock()
	c.onScrollTo = fn
	c.mu.Unlock()
}

// OnRedraw is called after every annotation surface redraw.
func (c *Client) OnRedraw(fn func()) {
	c.drawing.OnRedraw(fn)
}

func (c *Client) SessionId() string {
	return c.sessionId
}

func (c *Client) ParticipantId() string {
	return c.self.Id
}

func (c *Client) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *Client) changed() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn(c.State())
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()

	p := c.presence.State()
	m := c.media.State()
	return State{
		SessionId:          c.sessionId,
		ParticipantId:      c.self.Id,
		Joined:             joined,
		IsCreator:          p.IsCreator,
		PeerId:             p.PeerId,
		Participants:       p.Participants,
		Sharing:            m.Sharing,
		SharingUnavailable: m.Unavailable,
		Negotiation:        m.Negotiation.String(),
		Waiting:            m.Negotiation.Waiting(),
		RemoteTracks:       m.RemoteTracks,
		PeerCursors:        c.cursor.Peers(),
		ControlOwner:       c.scroll.State().Owner,
		Strokes:            c.drawing.Strokes(),
		Notes:              c.notes.List(),
		Ended:              p.Ended,
	}
}

// Join enters the session and starts every component. The first participant
// becomes the creator and is recorded in the directory.
func (c *Client) Join(ctx context.Context) (presence.Result, error) {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		p := c.presence.State()
		return presence.Result{IsCreator: p.IsCreator, PeerId: p.PeerId}, nil
	}
	c.mu.Unlock()

	result, err := c.presence.Join(ctx, c.self.Id, c.self.Name)
	if err != nil {
		return presence.Result{}, err
	}

	c.mu.Lock()
	c.joined = true
	c.isCreator = result.IsCreator
	c.mu.Unlock()

	if result.IsCreator && c.directory != nil {
		if err := c.directory.RecordSession(ctx, c.sessionId, c.self.Id); err != nil {
			c.log().WithError(err).Warn("Failed to record session")
		}
	}

	if err := c.start(ctx, result.IsCreator); err != nil {
		c.stop(ctx)
		c.mu.Lock()
		c.joined = false
		c.mu.Unlock()
		if leaveErr := c.presence.Leave(ctx); leaveErr != nil {
			c.log().WithError(leaveErr).Warn("Failed to leave after a failed join")
		}
		return presence.Result{}, err
	}

	c.scroll.UpdatePresence(c.ctx, c.presence.State().Participants)
	c.changed()
	return result, nil
}

func (c *Client) start(ctx context.Context, isCreator bool) error {
	if err := c.media.Attach(ctx, isCreator); err != nil {
		return err
	}
	if err := c.cursor.Start(ctx); err != nil {
		return err
	}
	if err := c.drawing.Start(ctx); err != nil {
		return err
	}
	if err := c.notes.Start(ctx); err != nil {
		return err
	}
	return c.scroll.Start(ctx, isCreator)
}

func (c *Client) stop(ctx context.Context) {
	c.media.Close()
	if err := c.cursor.Close(ctx); err != nil {
		c.log().WithError(err).Warn("Failed to remove cursor")
	}
	c.drawing.Close()
	c.notes.Close()
	c.scroll.Close()
}

// Leave exits the session. When the creator leaves, the whole session is
// removed from the bus and the directory is asked to drop its record.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return presence.ErrNotJoined
	}
	c.joined = false
	isCreator := c.isCreator
	c.mu.Unlock()

	c.stop(ctx)
	var claim *models.Claim
	if held, ok := c.presence.Claim(); ok {
		claim = &held
	}
	err := c.presence.Leave(ctx)
	if isCreator && c.directory != nil {
		if reqErr := c.directory.RequestTeardown(ctx, c.sessionId, claim); reqErr != nil {
			c.log().WithError(reqErr).Warn("Failed to request session teardown")
		}
	}
	c.cancel()
	c.changed()
	return err
}

func (c *Client) handlePresence(s presence.State) {
	if s.Joined && !s.Ended && c.alive() {
		c.scroll.UpdatePresence(c.ctx, s.Participants)
	}
	if s.Ended {
		// Nothing left to receive once the creator is gone
		c.media.Close()
	}
	c.changed()
}

// alive reports whether the creator claim still exists. A torn down session
// must not be recreated by writes reacting to its removal.
func (c *Client) alive() bool {
	snap, err := c.bus.Get(c.ctx, c.presence.CreatorPath())
	if err != nil {
		return false
	}
	return snap.Value != nil
}

func (c *Client) activity(a models.Activity) {
	if c.directory != nil {
		c.directory.RecordActivity(c.sessionId, a)
	}
}

func (c *Client) StartShare(ctx context.Context) error {
	if err := c.media.StartShare(ctx); err != nil {
		return err
	}
	c.activity(models.ActivityShare)
	return nil
}

// StopShare stops sharing. For the creator this ends the session.
func (c *Client) StopShare(ctx context.Context) error {
	return c.media.Stop(ctx)
}

func (c *Client) WriteSample(kind media.TrackKind, data []byte, duration time.Duration) error {
	return c.media.WriteSample(kind, data, duration)
}

func (c *Client) RemoteMedia() *media.RemoteSink {
	return c.media.Sink()
}

func (c *Client) SetViewport(width float64, height float64) {
	c.cursor.SetViewport(width, height)
}

func (c *Client) UpdateCursor(x float64, y float64) error {
	return c.cursor.UpdateCursor(x, y)
}

// Scroll reports the local scroll offset. It reaches the cursor of the peer
// in every case and the shared scroll slot only while this participant owns control.
func (c *Client) Scroll(ctx context.Context, y float64) error {
	c.cursor.UpdateScroll(y)
	_, err := c.scroll.Scroll(ctx, y)
	return err
}

func (c *Client) SetControlOwner(ctx context.Context, participantId string) error {
	if err := models.ValidateId(participantId); err != nil {
		return err
	}
	return c.scroll.SetControlOwner(ctx, participantId)
}

func (c *Client) SetCanvasViewport(zoom float64, originX float64, originY float64) {
	c.drawing.SetViewport(zoom, originX, originY)
}

func (c *Client) ResizeCanvas(contentWidth float64, contentHeight float64) {
	c.drawing.Resize(contentWidth, contentHeight)
}

func (c *Client) SetTool(tool drawing.Tool) error {
	return c.drawing.SetTool(tool)
}

func (c *Client) PointerDown(x float64, y float64) {
	c.drawing.PointerDown(x, y)
}

func (c *Client) PointerMove(x float64, y float64) {
	c.drawing.PointerMove(x, y)
}

// PointerUp commits the gesture in progress and returns its id, or "" when
// the gesture was too short to keep.
func (c *Client) PointerUp(ctx context.Context) (string, error) {
	id, err := c.drawing.PointerUp(ctx)
	if err == nil && id != "" {
		c.activity(models.ActivityStroke)
	}
	return id, err
}

func (c *Client) AddStroke(ctx context.Context, stroke models.Stroke) (string, error) {
	id, err := c.drawing.AddStroke(ctx, stroke)
	if err != nil {
		return "", err
	}
	c.activity(models.ActivityStroke)
	return id, nil
}

func (c *Client) UndoLast(ctx context.Context) error {
	return c.drawing.UndoLast(ctx)
}

func (c *Client) ClearAll(ctx context.Context) error {
	return c.drawing.ClearAll(ctx)
}

// Canvas returns a copy of the locally rendered annotation surface.
func (c *Client) Canvas() *image.RGBA {
	return c.drawing.Snapshot()
}

func (c *Client) SaveNote(ctx context.Context, text string, editingId string) (string, error) {
	id, err := c.notes.Save(ctx, text, editingId)
	if err != nil {
		return "", err
	}
	if editingId == "" {
		c.activity(models.ActivityNote)
	}
	return id, nil
}

func (c *Client) DeleteNote(ctx context.Context, id string) error {
	return c.notes.Remove(ctx, id)
}
