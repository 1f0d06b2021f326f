package relay

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Send buffer size per client.
	sendBufferSize = 256

	// Time a full send buffer gets to drain before the client is dropped.
	flushWait = 5 * time.Second
)

var errSendDisabled = errors.New("sending is not enabled on this relay")

var upgrader = websocket.Upgrader{
	ReadBufferSize:    1024,
	WriteBufferSize:   1024,
	EnableCompression: true,
	CheckOrigin:       func(r *http.Request) bool { return true },
}

// Client represents a WebSocket client connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	connID string
	logger *zap.Logger

	// visible is guarded by hub.mu.
	visible bool
}

// ServeWS upgrades the request and attaches the connection to the hub.
// New clients count as visible until they report otherwise.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.New().String()
	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		connID:  connID,
		logger:  h.logger.With(zap.String("connID", connID)),
		visible: r.URL.Query().Get("hidden") != "true",
	}

	// Queued before registration so it is always the first frame.
	client.send <- buildConnectedMessage(connID)

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	// Start read/write pumps
	go client.writePump()
	go client.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.drop(c)
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
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			break
		}
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *Client) writePump() {
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
				// Channel closed, send close message
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
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

// handleMessage processes an incoming upstream message.
func (c *Client) handleMessage(data []byte) {
	msg, err := parseUpstreamMessage(data)
	if err != nil {
		c.logger.Debug("failed to parse upstream message", zap.Error(err))
		c.hub.sendTo(c, buildErrorMessage(err))
		return
	}

	switch m := msg.(type) {
	case *visibilityRequest:
		c.hub.setVisible(c, !m.hidden)

	case *sendRequest:
		if c.hub.onSend == nil {
			c.hub.sendTo(c, buildErrorMessage(errSendDisabled))
			return
		}
		// The optimistic item and its outcome reach every client through the
		// feed; only failures are reported back to the sender.
		if err := c.hub.onSend(c.hub.context(), m.content); err != nil {
			c.logger.Info("relayed send failed", zap.Error(err))
			c.hub.sendTo(c, buildErrorMessage(err))
		}

	case *pingRequest:
		c.hub.sendTo(c, buildPongMessage())
	}
}
