package chathub

import (
	"encoding/json"
	"sync"
	"time"

	"teamchat/backend/internal/apperrors"
	"teamchat/backend/internal/config"
	"teamchat/backend/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketClient implements chathub.Client over a gorilla connection.
type WebSocketClient struct {
	ID   string
	Conn *websocket.Conn
	Hub  *ManagerService

	send   chan models.Envelope
	mu     sync.RWMutex
	closed bool
}

// NewWebSocketClient wraps conn with a send buffer of the given size.
func NewWebSocketClient(conn *websocket.Conn, hub *ManagerService, buffer int) *WebSocketClient {
	if buffer <= 0 {
		buffer = 256
	}
	return &WebSocketClient{
		ID:   uuid.NewString(),
		Conn: conn,
		Hub:  hub,
		send: make(chan models.Envelope, buffer),
	}
}

func (c *WebSocketClient) ConnID() string { return c.ID }

// Deliver queues env without blocking.
func (c *WebSocketClient) Deliver(env models.Envelope) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// Run starts the pumps.
func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

// Close closes the send channel, which stops writePump; readPump stops once
// the socket is closed.
func (c *WebSocketClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.Hub.Disconnect(c.ID)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(config.MaxFrameSize)
	c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("conn_id", c.ID).Msg("websocket read failed")
			}
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			log.Debug().Err(err).Str("conn_id", c.ID).Msg("discarding malformed frame")
			c.Deliver(models.Envelope{Event: models.EventError, Payload: models.ErrorPayload{
				Code:    apperrors.Code(apperrors.Validation("frame", "malformed json")),
				Message: "malformed frame",
			}})
			continue
		}

		// Frames from one connection are handled in order.
		c.Hub.Receive(c.ID, frame)
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(config.PingPeriod)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if !ok {
				// Closed by the hub.
				c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.Conn.WriteJSON(env); err != nil {
				log.Debug().Err(err).Str("conn_id", c.ID).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
