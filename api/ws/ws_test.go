package ws

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/bus/memory"
	"github.com/zlnvch/studysync/media"
	"github.com/zlnvch/studysync/media/mocks"
	"github.com/zlnvch/studysync/models"
	mqmocks "github.com/zlnvch/studysync/mq/mocks"
	"github.com/zlnvch/studysync/service"
	"github.com/zlnvch/studysync/session"
	"github.com/zlnvch/studysync/store"
	storemocks "github.com/zlnvch/studysync/store/mocks"
	"github.com/zlnvch/studysync/worker"
)

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type gateway struct {
	server *httptest.Server
	svc    *service.Service
	hub    *Hub
}

func setupGateway(t *testing.T) *gateway {
	t.Helper()
	mockStore := new(storemocks.MockStore)
	mockStore.On("GetSession", mock.Anything, mock.Anything).Return(models.SessionRecord{}, store.ErrItemNotFound)
	mockStore.On("CountCreatorSessions", mock.Anything, mock.Anything).Return(0, nil)
	mockStore.On("CreateSession", mock.Anything, mock.Anything).Return(models.SessionRecord{}, true, nil)
	mockMQ := new(mqmocks.MockMQ)
	mockMQ.On("Send", mock.Anything, mock.Anything).Return(nil)

	busStore := memory.NewStore(15 * time.Second)
	svc := service.NewService(mockStore, mockMQ, busStore.Connect("gateway"),
		worker.NewCounterBatcher(mockStore, time.Hour), []byte("secret"), time.Hour)

	hub := NewHub()
	go hub.Run()

	connect := func(ctx context.Context, clientId string) (bus.Bus, error) {
		return busStore.Connect(clientId), nil
	}
	newCapturer := func(string) Capturer { return &mocks.FakeCapturer{} }
	handler := NewHandler(svc, hub, connect, &mocks.FakePeerFactory{Name: "peer"}, newCapturer, session.Config{})

	upgrader := handler.NewWsUpgrader("")
	shutdownCtx, cancel := context.WithCancel(context.Background())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeWS(upgrader, w, r, shutdownCtx)
	}))
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return &gateway{server: server, svc: svc, hub: hub}
}

func (g *gateway) dial(t *testing.T, sessionId string, userId string, name string) *websocket.Conn {
	t.Helper()
	token, err := g.svc.CreateJWT(userId, name)
	require.NoError(t, err)
	dialer := websocket.Dialer{Subprotocols: []string{subprotocol, token}}
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "?session=" + sessionId
	conn, resp, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	assert.Equal(t, subprotocol, resp.Header.Get("Sec-WebSocket-Protocol"))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(inbound{Type: msgType, Data: raw}))
}

// readUntil reads text messages until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(inbound) bool) inbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		messageType, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		if messageType != websocket.TextMessage {
			continue
		}
		var msg inbound
		require.NoError(t, json.Unmarshal(raw, &msg))
		if match(msg) {
			return msg
		}
	}
}

func stateMatching(t *testing.T, pred func(session.State) bool) func(inbound) bool {
	return func(msg inbound) bool {
		if msg.Type != "state" {
			return false
		}
		var s session.State
		require.NoError(t, json.Unmarshal(msg.Data, &s))
		return pred(s)
	}
}

func TestGateway_SessionOverWebsocket(t *testing.T) {
	g := setupGateway(t)

	a := g.dial(t, "R1", "A", "Ada")
	write(t, a, "join", nil)
	readUntil(t, a, stateMatching(t, func(s session.State) bool { return s.Joined && s.IsCreator }))

	b := g.dial(t, "R1", "B", "Bob")
	write(t, b, "join", nil)
	readUntil(t, b, stateMatching(t, func(s session.State) bool { return s.Joined && s.PeerId == "A" }))
	readUntil(t, a, stateMatching(t, func(s session.State) bool { return s.PeerId == "B" }))

	assert.Equal(t, Stats{Connections: 2, Sessions: 1}, g.hub.Stats())

	stroke := models.Stroke{
		Tool:   models.ToolPen,
		Color:  "#112233",
		Width:  3,
		Points: []models.Point{{X: 1, Y: 1}, {X: 5, Y: 5}},
	}
	write(t, a, "add_stroke", strokeData{Stroke: stroke})
	readUntil(t, b, stateMatching(t, func(s session.State) bool { return len(s.Strokes) == 1 }))

	write(t, b, "save_note", noteData{Text: "remember the quiz"})
	readUntil(t, a, stateMatching(t, func(s session.State) bool {
		return len(s.Notes) == 1 && s.Notes[0].AuthorId == "B"
	}))

	// A owns scroll control; B follows
	write(t, a, "scroll", scrollData{Y: 320})
	msg := readUntil(t, b, func(m inbound) bool { return m.Type == "scroll_to" })
	var to scrollToData
	require.NoError(t, json.Unmarshal(msg.Data, &to))
	assert.Equal(t, 320.0, to.Y)

	write(t, b, "bogus", nil)
	msg = readUntil(t, b, func(m inbound) bool { return m.Type == "error" })
	var e errorData
	require.NoError(t, json.Unmarshal(msg.Data, &e))
	assert.Equal(t, "bogus", e.Request)

	// The creator leaving ends the session for everybody
	write(t, a, "leave", nil)
	readUntil(t, b, stateMatching(t, func(s session.State) bool { return s.Ended }))

	b.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := b.ReadMessage(); err != nil {
			break
		}
	}
}

func TestGateway_RequiresJoin(t *testing.T) {
	g := setupGateway(t)

	a := g.dial(t, "R2", "A", "Ada")
	write(t, a, "cursor", pointData{X: 1, Y: 1})
	msg := readUntil(t, a, func(m inbound) bool { return m.Type == "error" })
	var e errorData
	require.NoError(t, json.Unmarshal(msg.Data, &e))
	assert.Equal(t, "cursor", e.Request)
	assert.Contains(t, e.Error, "not joined")
}

func TestGateway_RejectsBadRequests(t *testing.T) {
	g := setupGateway(t)
	url := "ws" + strings.TrimPrefix(g.server.URL, "http")

	// No token
	_, resp, err := websocket.DefaultDialer.Dial(url+"?session=R1", nil)
	assert.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Invalid session id
	token, _ := g.svc.CreateJWT("A", "Ada")
	dialer := websocket.Dialer{Subprotocols: []string{subprotocol, token}}
	_, resp, err = dialer.Dial(url+"?session=a/b", nil)
	assert.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Bad token: upgraded, then closed with a policy violation
	dialer = websocket.Dialer{Subprotocols: []string{subprotocol, "garbage"}}
	conn, _, err := dialer.Dial(url+"?session=R1", nil)
	require.NoError(t, err)
	defer conn.Close()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestDecodeSampleFrame(t *testing.T) {
	raw := make([]byte, sampleHeaderSize, sampleHeaderSize+3)
	raw[0] = 1
	binary.BigEndian.PutUint32(raw[1:], 20000)
	raw = append(raw, 0xA, 0xB, 0xC)

	kind, duration, payload, err := decodeSampleFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, media.TrackAudio, kind)
	assert.Equal(t, 20*time.Millisecond, duration)
	assert.Equal(t, []byte{0xA, 0xB, 0xC}, payload)

	_, _, _, err = decodeSampleFrame(raw[:sampleHeaderSize])
	assert.ErrorIs(t, err, errInvalidFrame)

	raw[0] = 7
	_, _, _, err = decodeSampleFrame(raw)
	assert.ErrorIs(t, err, errInvalidFrame)
}

func TestEncodeMediaFrame(t *testing.T) {
	out := encodeMediaFrame("screen", []byte{1, 2})
	assert.Equal(t, byte(6), out[0])
	assert.Equal(t, "screen", string(out[1:7]))
	assert.Equal(t, []byte{1, 2}, out[7:])
}

func TestParseTool(t *testing.T) {
	tool, err := parseTool("highlighter")
	require.NoError(t, err)
	assert.Equal(t, models.ToolHighlighter, tool)

	_, err = parseTool("crayon")
	assert.ErrorIs(t, err, models.ErrInvalidMessage)
}
