package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type connection struct {
	hub    *Hub
	socket *websocket.Conn
	id     string
	once   sync.Once

	// sendMu guards send against close: the hub looks a connection up and
	// enqueues without holding the hub lock, so the channel may be closed
	// between those two steps.
	sendMu sync.Mutex
	send   chan Message
	closed bool
}

// trySend enqueues a message unless the connection is closed or its buffer
// is full. It reports whether the message was delivered and whether the
// connection is still open.
func (c *connection) trySend(message Message) (delivered, open bool) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return false, false
	}

	select {
	case c.send <- message:
		return true, true
	default:
		return false, true
	}
}

func (c *connection) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("unexpected close", zap.String("conn", c.id), zap.Error(err))
			}
			break
		}

		if len(payload) == 0 {
			continue
		}

		var envelope struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			c.hub.log.Warn("invalid envelope", zap.String("conn", c.id), zap.Error(err))
			continue
		}
		if envelope.Event == "" {
			continue
		}

		if c.hub.handler != nil {
			c.hub.handler.HandleEvent(c.id, envelope.Event, envelope.Data)
		}
	}
}

func (c *connection) writeLoop() {
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		c.sendMu.Lock()
		c.closed = true
		close(c.send)
		c.sendMu.Unlock()

		c.hub.unregister(c)
		_ = c.socket.Close()
	})
}
