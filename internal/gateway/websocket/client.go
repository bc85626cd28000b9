package websocket

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cloudcodex/cloudcodex/internal/common/logger"
	"github.com/cloudcodex/cloudcodex/pkg/frames"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client is a single WebSocket connection bound to a user and that user's
// session.
type Client struct {
	ID        string
	UserID    string
	SessionID string

	conn     *websocket.Conn
	hub      *Hub
	send     chan []byte
	dispatch func(ctx context.Context, client *Client, frame *frames.Frame) *frames.Frame
	closed   atomic.Bool
	logger   *logger.Logger
}

// NewClient creates a client for an upgraded connection.
func NewClient(id, userID, sessionID string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:        id,
		UserID:    userID,
		SessionID: sessionID,
		conn:      conn,
		hub:       hub,
		send:      make(chan []byte, 256),
		logger: log.WithFields(
			zap.String("client_id", id),
			zap.String("user_id", userID)),
	}
}

// ReadPump pumps frames from the connection into the dispatcher.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var frame frames.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Error("failed to parse frame", zap.Error(err))
			c.SendFrame(frames.NewError("invalid frame", err.Error(), ""))
			continue
		}

		if c.dispatch == nil {
			continue
		}
		if response := c.dispatch(ctx, c, &frame); response != nil {
			c.SendFrame(response)
		}
	}
}

// SendFrame queues a frame for delivery.
func (c *Client) SendFrame(frame *frames.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	if c.closed.Load() {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping frame")
	}
}

// WritePump pumps queued frames to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.closed.Store(true)
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued frames, newline-delimited
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
