package main

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nordeim/sparkle-gateway/pkg/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	protocolPing   = 30 * time.Second
	maxMessageSize = 1 << 20 // 1MB
	sendBuffer     = 256
)

// conn is one live client connection. Owned exclusively by this process;
// destroyed on transport close. Never persisted.
type conn struct {
	id              string
	identity        events.Identity
	authenticatedAt time.Time

	ws   *websocket.Conn
	send chan []byte
	gw   *Gateway
}

func newConn(id string, identity events.Identity, ws *websocket.Conn, gw *Gateway) *conn {
	return &conn{
		id:              id,
		identity:        identity,
		authenticatedAt: time.Now(),
		ws:              ws,
		send:            make(chan []byte, sendBuffer),
		gw:              gw,
	}
}

// enqueue hands a frame to the write pump without blocking. A full buffer
// means a consumer too slow to keep up; the transport is closed and the
// disconnect path cleans the connection up.
func (c *conn) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		slog.Warn("Dropping slow consumer", "conn", c.id, "user", c.identity.UserID)
		c.ws.Close()
	}
}

func (c *conn) sendEvent(event string, payload any) {
	frame, err := events.NewFrame(event, payload)
	if err != nil {
		slog.Error("Failed to marshal event", "event", event, "error", err)
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *conn) sendError(code, message string) {
	c.sendEvent(events.Error, events.ErrorPayload{Message: message, Code: code})
}

// readPump reads frames and dispatches them sequentially: handlers for one
// connection never interleave with each other.
func (c *conn) readPump() {
	defer func() {
		c.gw.onDisconnect(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame events.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			c.sendError(events.CodeActionFailed, "malformed frame")
			continue
		}
		c.gw.dispatch(c, frame)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(protocolPing)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
