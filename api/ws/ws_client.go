package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/models"
	"github.com/zlnvch/studysync/session"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Binary capture samples are
	// the largest frames.
	maxMessageSize = 1 << 20

	// Rate limiting for control messages: 40 per second with a burst of 60
	messagesPerSecond = 40
	burstLimit        = 60

	// Capture samples arrive at frame rate for video plus packet rate for audio
	samplesPerSecond = 200
	sampleBurst      = 100
)

type MessageHandler func(client *Client, messageType int, messageBytes []byte)

// frame is one outbound websocket message.
type frame struct {
	messageType int
	data        []byte
}

func NewClient(hub *Hub, conn *websocket.Conn, user models.User, sessionId string, busConn bus.Bus, handler MessageHandler) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:           hub,
		conn:          conn,
		user:          user,
		sessionId:     sessionId,
		busConn:       busConn,
		handler:       handler,
		Send:          make(chan frame, 128),
		stateCh:       make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		limiter:       rate.NewLimiter(rate.Limit(messagesPerSecond), burstLimit),
		sampleLimiter: rate.NewLimiter(rate.Limit(samplesPerSecond), sampleBurst),
	}
}

// Client is a middleman between the websocket connection and one
// participant's session client.
type Client struct {
	hub           *Hub
	conn          *websocket.Conn
	user          models.User
	sessionId     string
	busConn       bus.Bus
	capturer      Capturer
	handler       MessageHandler
	Send          chan frame // Buffered channel of outbound messages.
	stateCh       chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
	limiter       *rate.Limiter
	sampleLimiter *rate.Limiter

	mu       sync.Mutex
	session  *session.Client
	sendDone bool
}

func (c *Client) setSession(s *session.Client) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *Client) Session() *session.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"session": c.sessionId, "user": c.user.Id})
}

// send queues a frame without blocking; a client that cannot keep up loses it.
func (c *Client) send(f frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendDone {
		return false
	}
	select {
	case c.Send <- f:
		return true
	default:
		return false
	}
}

func (c *Client) sendJSON(msgType string, data any) {
	msgBytes, err := json.Marshal(responseMessage{Type: msgType, Data: data})
	if err != nil {
		c.log().WithError(err).Warn("Error marshaling response JSON")
		return
	}
	if !c.send(frame{messageType: websocket.TextMessage, data: msgBytes}) {
		c.log().WithField("type", msgType).Warn("Outbound buffer full, dropping message")
	}
}

// close stops the write pump after it flushed what is queued.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendDone {
		return
	}
	c.sendDone = true
	close(c.Send)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendDone
}

// notifyState marks the state dirty; StatePump coalesces bursts into one message.
func (c *Client) notifyState() {
	select {
	case c.stateCh <- struct{}{}:
	default:
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.CloseCh <- c
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		messageType, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log().WithError(err).Warn("WS close error")
			}
			break
		}

		limiter := c.limiter
		if messageType == websocket.BinaryMessage {
			limiter = c.sampleLimiter
		}
		if !limiter.Allow() {
			c.log().Warn("Closing connection: message rate limit exceeded")
			break
		}

		c.handler(c, messageType, messageBytes)
	}
}

func (c *Client) WritePump(shutdownCtx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.cancel()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.messageType, message.data); err != nil {
				c.log().WithError(err).Warn("WS send error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-shutdownCtx.Done():
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "Websocket service shutting down"),
			)
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// StatePump pushes the session state to the UI whenever it changed.
func (c *Client) StatePump() {
	for {
		select {
		case <-c.stateCh:
			s := c.Session()
			if s == nil {
				continue
			}
			state := s.State()
			c.sendJSON("state", state)
			if state.Ended {
				c.log().Info("Session ended, closing connection")
				c.close()
			}

		case <-c.ctx.Done():
			return
		}
	}
}
