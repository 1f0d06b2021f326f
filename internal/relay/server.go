package relay

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dgnsrekt/chatfeed-sync/internal/feed"
)

// StateFunc reports the synchronizer state for health checks.
type StateFunc func() feed.State

// Health is the body returned by GET /healthz.
type Health struct {
	Status      string     `json:"status"`
	Clients     int        `json:"clients"`
	Subscribers int        `json:"subscribers"`
	Hidden      bool       `json:"hidden"`
	Feed        feed.State `json:"feed"`
}

// NewRouter builds the relay's HTTP routes: the websocket endpoint, a
// read-only event stream and a health check.
func NewRouter(hub *Hub, state StateFunc, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(zapLoggerMiddleware(logger))

	r.Get("/ws", hub.ServeWS)
	r.Method(http.MethodGet, "/events", hub.events)
	r.Get("/healthz", healthHandler(hub, state))

	return r
}

func healthHandler(hub *Hub, state StateFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := Health{
			Status:      "ok",
			Clients:     hub.ClientCount(),
			Subscribers: hub.SubscriberCount(),
			Hidden:      hub.Hidden(),
		}
		if state != nil {
			h.Feed = state()
			if !h.Feed.Active {
				h.Status = "stopped"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if h.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	}
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("requestID", middleware.GetReqID(r.Context())),
			)
			next.ServeHTTP(w, r)
		})
	}
}
