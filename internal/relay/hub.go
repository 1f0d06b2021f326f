package relay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/chatfeed-sync/internal/feed"
)

// VisibilityFunc receives the aggregated visibility of all connected
// clients. The feed counts as hidden when no client is looking at it.
type VisibilityFunc func(hidden bool)

// SendFunc publishes content typed by a client.
type SendFunc func(ctx context.Context, content string) error

// Hub fans feed output out to websocket clients and folds their visibility
// reports into a single hidden flag.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	events     *eventStream
	mu         sync.RWMutex
	ctx        context.Context
	logger     *zap.Logger

	onVisibility VisibilityFunc
	onSend       SendFunc

	// visMu serializes visibility callbacks so they arrive in order.
	visMu  sync.Mutex
	hidden bool
}

// NewHub creates a new Hub. Either callback may be nil.
func NewHub(onVisibility VisibilityFunc, onSend SendFunc, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:      make(map[*Client]bool),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		done:         make(chan struct{}),
		events:       newEventStream(logger),
		ctx:          context.Background(),
		logger:       logger,
		onVisibility: onVisibility,
		onSend:       onSend,
		hidden:       true,
	}
}

// Run processes hub events. Call this in a goroutine.
// Returns when context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("relay hub shutting down")
			h.shutdown()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("connID", client.connID))
			h.updateVisibility()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("connID", client.connID))
			h.updateVisibility()
		}
	}
}

// shutdown gracefully closes all client connections.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) context() context.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ctx
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Hidden reports whether no connected client is currently visible.
func (h *Hub) Hidden() bool {
	h.visMu.Lock()
	defer h.visMu.Unlock()
	return h.hidden
}

func (h *Hub) updateVisibility() {
	h.visMu.Lock()
	defer h.visMu.Unlock()

	h.mu.RLock()
	hidden := true
	for client := range h.clients {
		if client.visible {
			hidden = false
			break
		}
	}
	h.mu.RUnlock()

	if hidden == h.hidden {
		return
	}
	h.hidden = hidden
	h.logger.Debug("relay visibility changed", zap.Bool("hidden", hidden))
	if h.onVisibility != nil {
		h.onVisibility(hidden)
	}
}

func (h *Hub) setVisible(c *Client, visible bool) {
	h.mu.Lock()
	c.visible = visible
	h.mu.Unlock()
	h.updateVisibility()
}

// RenderItem broadcasts a delivered feed item to websocket and event-stream
// clients. It matches feed.RenderFunc.
func (h *Hub) RenderItem(item feed.Item) {
	msg := buildItemMessage(item)
	h.Broadcast(msg)
	h.events.publish(TypeItem, msg)
}

// RetractItem tells clients to drop a provisional item.
func (h *Hub) RetractItem(item feed.Item) {
	msg := buildRetractMessage(item.ID)
	h.Broadcast(msg)
	h.events.publish(TypeRetract, msg)
}

// SubscriberCount returns the number of event-stream subscribers.
func (h *Hub) SubscriberCount() int {
	return h.events.count()
}

// Broadcast sends a raw frame to every connected client. A client whose
// buffer stays full for flushWait is disconnected.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		h.enqueue(client, payload)
	}
}

// sendTo queues a frame for one client if it is still registered.
func (h *Hub) sendTo(c *Client, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.clients[c] {
		return
	}
	h.enqueue(c, payload)
}

// enqueue is called with h.mu held for reading. A full buffer is given
// flushWait to drain, so a backlog flush larger than the buffer reaches a
// client that keeps reading.
func (h *Hub) enqueue(c *Client, payload []byte) {
	select {
	case c.send <- payload:
		return
	default:
	}

	timer := time.NewTimer(flushWait)
	defer timer.Stop()

	select {
	case c.send <- payload:
	case <-timer.C:
		h.logger.Warn("client too slow, disconnecting", zap.String("connID", c.connID))
		go h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
