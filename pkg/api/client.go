package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client represents one connected browser terminal.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// clientRequest is the frame a browser sends to manage its subscriptions.
type clientRequest struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.cfg.ReadBufferSize,
		WriteBufferSize: s.cfg.WriteBufferSize,
		// The terminal is served from arbitrary dev origins.
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump consumes subscribe/unsubscribe frames until the browser goes
// away.
func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Debug("WebSocket read error", "id", c.id, "error", err)
			}
			return
		}

		var req clientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendError("invalid message")
			continue
		}

		switch req.Action {
		case "subscribe":
			c.server.subscribeClient(c, req.Channel)
			c.sendAck("subscribed", req.Channel)
		case "unsubscribe":
			c.server.unsubscribeClient(c, req.Channel)
			c.sendAck("unsubscribed", req.Channel)
		case "ping":
			c.sendAck("pong", "")
		default:
			c.sendError("unknown action: " + req.Action)
		}
	}
}

// writePump flushes queued frames and keeps the connection alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.server.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendAck(typ, channel string) {
	c.enqueue(Message{Type: typ, Channel: channel, Timestamp: time.Now().UnixMilli()})
}

func (c *Client) sendError(msg string) {
	c.enqueue(Message{Type: "error", Data: msg, Timestamp: time.Now().UnixMilli()})
}

func (c *Client) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
