package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type (
	// Client represents a WebSocket connection receiving flow notifications
	Client struct {
		hub    *Hub
		conn   *websocket.Conn
		sub    *subscriber
		logger *slog.Logger
	}

	// SubscribeRequest narrows a client's stream to one flow. An empty
	// FlowID subscribes to every flow.
	SubscribeRequest struct {
		Type   string `json:"type"`
		FlowID string `json:"flowId"`
	}
)

const (
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingPeriod         = (pongWait * 9) / 10
	maxMessageSize     = 512
	wsBufferSize       = 1024
	incomingBufferSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsBufferSize,
	WriteBufferSize: wsBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) handleWebSocket(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:  "notification stream disabled",
			Status: http.StatusNotFound,
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket_upgrade_failed", slog.Any("error", err))
		return
	}

	client := &Client{
		hub:    s.hub,
		conn:   conn,
		sub:    s.hub.subscribe(c.Query("flow_id")),
		logger: s.logger,
	}
	go client.run()
}

func (c *Client) run() {
	defer func() {
		c.hub.unsubscribe(c.sub)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	incoming := make(chan []byte, incomingBufferSize)
	go c.readMessages(incoming)

	for {
		select {
		case message, ok := <-incoming:
			if !ok {
				return
			}
			c.handleSubscribe(message)

		case data, ok := <-c.sub.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readMessages(incoming chan []byte) {
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			close(incoming)
			return
		}
		incoming <- message
	}
}

func (c *Client) handleSubscribe(message []byte) {
	var req SubscribeRequest
	if err := json.Unmarshal(message, &req); err != nil {
		c.logger.Error("websocket_message_invalid", slog.Any("error", err))
		return
	}
	if req.Type != "subscribe" {
		return
	}
	c.sub.setFlowID(req.FlowID)
}
