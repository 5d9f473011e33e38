package ws

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/drawing"
	"github.com/zlnvch/studysync/media"
	"github.com/zlnvch/studysync/models"
	"github.com/zlnvch/studysync/presence"
	"github.com/zlnvch/studysync/service"
	"github.com/zlnvch/studysync/session"
)

const (
	subprotocol    = "studysync-v1"
	requestTimeout = 10 * time.Second
	leaveTimeout   = 5 * time.Second
)

var (
	errConnectionClosed = errors.New("connection closed")
	errUnknownType      = errors.New("unknown message type")
	errInvalidFrame     = errors.New("invalid sample frame")
)

// BusConnector opens one participant's connection to the session bus.
type BusConnector func(ctx context.Context, clientId string) (bus.Bus, error)

// Capturer is a capture source whose permission is reported by the UI.
type Capturer interface {
	media.Capturer
	SetPermission(granted bool)
}

type CapturerFactory func(streamId string) Capturer

type Handler struct {
	Service     *service.Service
	Hub         *Hub
	connect     BusConnector
	peers       media.PeerFactory
	newCapturer CapturerFactory
	cfg         session.Config
}

func NewHandler(
	svc *service.Service,
	hub *Hub,
	connect BusConnector,
	peers media.PeerFactory,
	newCapturer CapturerFactory,
	cfg session.Config,
) *Handler {
	return &Handler{
		Service:     svc,
		Hub:         hub,
		connect:     connect,
		peers:       peers,
		newCapturer: newCapturer,
		cfg:         cfg,
	}
}

// NewWsUpgrader only accepts requiredOrigin; an empty origin accepts any (dev mode).
func (h *Handler) NewWsUpgrader(requiredOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if requiredOrigin == "" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == requiredOrigin
		},
		Subprotocols: []string{subprotocol},
	}
}

// ServeWS handles websocket requests from the peer. The token travels as
// the second entry of Sec-WebSocket-Protocol, since browsers cannot set
// headers on websocket requests.
func (h *Handler) ServeWS(wsUpgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request, shutdownCtx context.Context) {
	protocols := r.Header.Get("Sec-WebSocket-Protocol")
	protocolsSplit := strings.Split(protocols, ",")

	if len(protocolsSplit) != 2 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sessionId := r.URL.Query().Get("session")
	if err := models.ValidateId(sessionId); err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	token := strings.TrimSpace(protocolsSplit[1])

	user, authErr := h.Service.AuthenticateToken(token)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("Failed to upgrade ws connection")
		return
	}

	// Must upgrade the connection in order to be able to send custom close message
	if authErr != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Unauthenticated"),
		)
		conn.Close()
		return
	}

	clientId, err := uuid.NewV4()
	if err != nil {
		conn.Close()
		return
	}
	busConn, err := h.connect(r.Context(), clientId.String())
	if err != nil {
		logrus.WithField("session", sessionId).WithError(err).Error("Failed to connect to session bus")
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "Session bus unavailable"),
		)
		conn.Close()
		return
	}

	client := NewClient(h.Hub, conn, user, sessionId, busConn, h.HandleWsMessage)
	client.capturer = h.newCapturer(user.Id)

	sc := session.NewClient(busConn, sessionId, user.Id, user.Name, h.peers, client.capturer, h.Service, h.cfg)
	sc.OnChange(func(session.State) { client.notifyState() })
	sc.OnScrollTo(func(y float64) { client.sendJSON("scroll_to", scrollToData{Y: y}) })
	sc.RemoteMedia().OnPacket(func(trackId string, packet []byte) {
		// Media is lossy anyway; a slow UI just misses packets
		client.send(frame{messageType: websocket.BinaryMessage, data: encodeMediaFrame(trackId, packet)})
	})
	client.setSession(sc)

	h.Hub.OpenCh <- client

	// Start pumps
	go client.ReadPump()
	go client.WritePump(shutdownCtx)
	go client.StatePump()
	go h.releaseOnClose(client)
}

// releaseOnClose leaves the session once the connection is gone. A dropped
// connection is an explicit leave; only a crashed gateway relies on lease expiry.
func (h *Handler) releaseOnClose(client *Client) {
	<-client.ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if sc := client.Session(); sc != nil && sc.Joined() {
		if err := sc.Leave(ctx); err != nil && !errors.Is(err, presence.ErrNotJoined) {
			client.log().WithError(err).Warn("Leave on disconnect failed")
		}
	}
	if err := client.busConn.Close(); err != nil {
		client.log().WithError(err).Warn("Failed to close bus connection")
	}
}

// Websocket message structs
type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type responseMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type errorData struct {
	Request string `json:"request"`
	Error   string `json:"error"`
}

type scrollToData struct {
	Y float64 `json:"y"`
}

type pointData struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type sizeData struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type scrollData struct {
	Y float64 `json:"y"`
}

type canvasViewportData struct {
	Zoom    float64 `json:"zoom"`
	OriginX float64 `json:"originX"`
	OriginY float64 `json:"originY"`
}

type shareData struct {
	Granted bool `json:"granted"`
}

type toolData struct {
	Tool  string  `json:"tool"`
	Color string  `json:"color"`
	Width float64 `json:"width"`
}

type strokeData struct {
	Stroke models.Stroke `json:"stroke"`
}

type controlData struct {
	ParticipantId string `json:"participantId"`
}

type noteData struct {
	Text      string `json:"text"`
	EditingId string `json:"editingId"`
}

type noteIdData struct {
	Id string `json:"id"`
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", models.ErrInvalidMessage, err)
	}
	return v, nil
}

func (h *Handler) HandleWsMessage(client *Client, messageType int, messageBytes []byte) {
	if messageType == websocket.BinaryMessage {
		if err := h.handleSample(client, messageBytes); err != nil {
			client.log().WithError(err).Debug("Dropping capture sample")
		}
		return
	}

	var msg message
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		client.log().WithError(err).Warn("Invalid JSON")
		return
	}

	ctx, cancel := context.WithTimeout(client.ctx, requestTimeout)
	defer cancel()

	if err := h.dispatch(ctx, client, msg); err != nil {
		client.log().WithField("type", msg.Type).WithError(err).Warn("Request rejected")
		client.sendJSON("error", errorData{Request: msg.Type, Error: err.Error()})
	}
}

func (h *Handler) dispatch(ctx context.Context, client *Client, msg message) error {
	sc := client.Session()
	if sc == nil || client.isClosed() {
		return errConnectionClosed
	}
	if msg.Type == "join" {
		return h.handleJoin(ctx, client, sc)
	}
	if !sc.Joined() {
		return presence.ErrNotJoined
	}

	switch msg.Type {
	case "leave":
		err := sc.Leave(ctx)
		h.finish(client, sc)
		return err

	case "start_share":
		data, err := decode[shareData](msg.Data)
		if err != nil {
			return err
		}
		client.capturer.SetPermission(data.Granted)
		return sc.StartShare(ctx)

	case "stop_share":
		err := sc.StopShare(ctx)
		if !sc.Joined() {
			// The creator stopping ends the session
			h.finish(client, sc)
		}
		return err

	case "viewport":
		data, err := decode[sizeData](msg.Data)
		if err != nil {
			return err
		}
		sc.SetViewport(data.Width, data.Height)
		return nil

	case "cursor":
		data, err := decode[pointData](msg.Data)
		if err != nil {
			return err
		}
		return sc.UpdateCursor(data.X, data.Y)

	case "scroll":
		data, err := decode[scrollData](msg.Data)
		if err != nil {
			return err
		}
		return sc.Scroll(ctx, data.Y)

	case "canvas_viewport":
		data, err := decode[canvasViewportData](msg.Data)
		if err != nil {
			return err
		}
		sc.SetCanvasViewport(data.Zoom, data.OriginX, data.OriginY)
		return nil

	case "canvas_size":
		data, err := decode[sizeData](msg.Data)
		if err != nil {
			return err
		}
		sc.ResizeCanvas(data.Width, data.Height)
		return nil

	case "set_tool":
		data, err := decode[toolData](msg.Data)
		if err != nil {
			return err
		}
		kind, err := parseTool(data.Tool)
		if err != nil {
			return err
		}
		return sc.SetTool(drawing.Tool{Kind: kind, Color: data.Color, Width: data.Width})

	case "pointer_down":
		data, err := decode[pointData](msg.Data)
		if err != nil {
			return err
		}
		sc.PointerDown(data.X, data.Y)
		return nil

	case "pointer_move":
		data, err := decode[pointData](msg.Data)
		if err != nil {
			return err
		}
		sc.PointerMove(data.X, data.Y)
		return nil

	case "pointer_up":
		_, err := sc.PointerUp(ctx)
		return err

	case "add_stroke":
		data, err := decode[strokeData](msg.Data)
		if err != nil {
			return err
		}
		// Strokes are always attributed to the connection's user
		data.Stroke.AuthorId = ""
		data.Stroke.Id = ""
		_, err = sc.AddStroke(ctx, data.Stroke)
		return err

	case "undo":
		return sc.UndoLast(ctx)

	case "clear":
		return sc.ClearAll(ctx)

	case "set_control_owner":
		data, err := decode[controlData](msg.Data)
		if err != nil {
			return err
		}
		return sc.SetControlOwner(ctx, data.ParticipantId)

	case "save_note":
		data, err := decode[noteData](msg.Data)
		if err != nil {
			return err
		}
		_, err = sc.SaveNote(ctx, data.Text, data.EditingId)
		return err

	case "delete_note":
		data, err := decode[noteIdData](msg.Data)
		if err != nil {
			return err
		}
		return sc.DeleteNote(ctx, data.Id)
	}
	return fmt.Errorf("%w: %s", errUnknownType, msg.Type)
}

func (h *Handler) handleJoin(ctx context.Context, client *Client, sc *session.Client) error {
	if err := h.Service.AdmitCreator(ctx, client.user, client.sessionId); err != nil {
		return err
	}
	result, err := sc.Join(ctx)
	if err != nil {
		return err
	}
	client.log().WithField("isCreator", result.IsCreator).Info("Participant joined over websocket")
	return nil
}

// finish sends the final state and closes the connection after leaving.
func (h *Handler) finish(client *Client, sc *session.Client) {
	client.sendJSON("state", sc.State())
	client.close()
}

func parseTool(name string) (models.Tool, error) {
	for t := models.Tool(0); t < models.ToolCount; t++ {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown tool %q", models.ErrInvalidMessage, name)
}

// Sample frames: 1 byte track kind (0 video, 1 audio), 4 bytes sample
// duration in microseconds (big endian), then the encoded sample.
const sampleHeaderSize = 5

func (h *Handler) handleSample(client *Client, frameBytes []byte) error {
	sc := client.Session()
	if sc == nil || !sc.Joined() {
		return presence.ErrNotJoined
	}
	kind, duration, payload, err := decodeSampleFrame(frameBytes)
	if err != nil {
		return err
	}
	return sc.WriteSample(kind, payload, duration)
}

func decodeSampleFrame(frameBytes []byte) (media.TrackKind, time.Duration, []byte, error) {
	if len(frameBytes) <= sampleHeaderSize {
		return "", 0, nil, errInvalidFrame
	}
	var kind media.TrackKind
	switch frameBytes[0] {
	case 0:
		kind = media.TrackVideo
	case 1:
		kind = media.TrackAudio
	default:
		return "", 0, nil, errInvalidFrame
	}
	micros := binary.BigEndian.Uint32(frameBytes[1:sampleHeaderSize])
	return kind, time.Duration(micros) * time.Microsecond, frameBytes[sampleHeaderSize:], nil
}

// Media frames to the UI: 1 byte track id length, the track id, then the RTP packet.
func encodeMediaFrame(trackId string, packet []byte) []byte {
	if len(trackId) > 255 {
		trackId = trackId[:255]
	}
	out := make([]byte, 0, 1+len(trackId)+len(packet))
	out = append(out, byte(len(trackId)))
	out = append(out, trackId...)
	return append(out, packet...)
}
