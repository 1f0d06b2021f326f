package relay

import (
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// eventStream publishes feed output to read-only server-sent-event
// subscribers. Subscribers never count towards visibility.
type eventStream struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sequence uint64
	clients  map[*sseClient]bool
}

// sseClient represents a connected SSE subscriber.
type sseClient struct {
	dataCh  chan []byte
	flusher http.Flusher
	writer  http.ResponseWriter
}

func newEventStream(logger *zap.Logger) *eventStream {
	return &eventStream{
		logger:  logger,
		clients: make(map[*sseClient]bool),
	}
}

// publish sends one event to every subscriber. Slow subscribers miss events
// and can detect the gap from the id sequence.
func (es *eventStream) publish(eventType string, data []byte) {
	es.mu.Lock()
	defer es.mu.Unlock()

	es.sequence++
	event := formatEvent(eventType, es.sequence, data)
	for client := range es.clients {
		select {
		case client.dataCh <- event:
		default:
			// Channel full, client is slow
			es.logger.Debug("sse client channel full, dropping event")
		}
	}
}

func (es *eventStream) count() int {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return len(es.clients)
}

// ServeHTTP handles the SSE endpoint for subscribers.
func (es *eventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Check if SSE is supported
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := &sseClient{
		dataCh:  make(chan []byte, sendBufferSize),
		flusher: flusher,
		writer:  w,
	}

	es.mu.Lock()
	es.clients[client] = true
	seq := es.sequence
	es.mu.Unlock()
	defer func() {
		es.mu.Lock()
		delete(es.clients, client)
		es.mu.Unlock()
	}()

	es.logger.Debug("sse client connected", zap.String("remote_addr", r.RemoteAddr))

	// The connected event carries the current sequence so clients can tell
	// where their stream starts.
	if _, err := w.Write(formatEvent(TypeConnected, seq, buildConnectedMessage(""))); err != nil {
		return
	}
	flusher.Flush()

	// Stream events
	for {
		select {
		case <-r.Context().Done():
			es.logger.Debug("sse client disconnected", zap.String("remote_addr", r.RemoteAddr))
			return
		case event := <-client.dataCh:
			if _, err := w.Write(event); err != nil {
				es.logger.Debug("failed to write to sse client", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func formatEvent(eventType string, seq uint64, data []byte) []byte {
	return []byte(fmt.Sprintf("event: %s\nid: %d\ndata: %s\n\n", eventType, seq, data))
}
