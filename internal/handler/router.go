package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aguaportal/conversation-engine/internal/engine"
	"github.com/aguaportal/conversation-engine/internal/middleware"
	"github.com/aguaportal/conversation-engine/pkg/logger"
)

// RouterConfig configures the bridge router.
type RouterConfig struct {
	Secret            string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter wires the bridge routes to the engine.
func NewRouter(e *engine.Engine, cfg RouterConfig, log *logger.Logger) http.Handler {
	log = logger.OrNop(log)

	healthHandler := NewHealthHandler(e)
	sessionHandler := NewSessionHandler(e, log)
	conversationHandler := NewConversationHandler(e, log)
	messageHandler := NewMessageHandler(e, log)
	streamHandler := NewStreamHandler(e, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log.Named("http")))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Secret))
		r.Use(middleware.RequireUser(e.Session().UserID))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Get("/session", sessionHandler.Get)
		r.Post("/session/token", sessionHandler.RefreshToken)
		r.Get("/presence", sessionHandler.Presence)
		r.Post("/moderation/refresh", sessionHandler.RefreshTerms)
		r.Get("/events", streamHandler.Events)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Delete("/", conversationHandler.Delete)
				r.Post("/open", conversationHandler.Open)
				r.Delete("/open", conversationHandler.Close)
				r.Post("/read", conversationHandler.MarkRead)
				r.Get("/typing", conversationHandler.Typing)
				r.Get("/draft", conversationHandler.GetDraft)
				r.Put("/draft", conversationHandler.PutDraft)

				r.Get("/messages", messageHandler.List)
				r.Post("/messages", messageHandler.Send)
				r.Post("/messages/older", messageHandler.Older)
			})
		})
	})

	return r
}
