package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger         *logging.Logger
	Chat           *ChatHandler
	Voice          *VoiceHandler
	Carrier        *CarrierHandler
	Admin          *AdminHandler
	MetricsHandler http.Handler

	// RateLimiter, when set, limits per client IP and is closed by the
	// caller on shutdown. The numeric fields build a process-lifetime
	// limiter instead. Zero disables limiting.
	RateLimiter        *RateLimiter
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// New creates a Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if cfg.Logger != nil {
		r.Use(RequestLogger(cfg.Logger))
	}
	if cfg.RateLimiter != nil {
		r.Use(cfg.RateLimiter.Middleware())
	} else if cfg.RateLimitPerSecond > 0 {
		r.Use(RateLimit(cfg.RateLimitPerSecond, cfg.RateLimitBurst))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.Chat != nil {
		r.Post("/api/chat/{tenantSlug}/messages", cfg.Chat.HandleMessage)
	}
	if cfg.Admin != nil {
		r.Delete("/api/admin/{tenantSlug}/customers/{customerID}", cfg.Admin.HandleEraseCustomer)
	}

	r.Route("/webhooks/carrier", func(wh chi.Router) {
		if cfg.Carrier != nil {
			wh.Post("/status", cfg.Carrier.HandleStatus)
			wh.Post("/{tenantSlug}/sms", cfg.Carrier.HandleInbound)
		}
		if cfg.Voice != nil {
			wh.Post("/{tenantSlug}/voice", cfg.Voice.HandleCall)
		}
	})

	return r
}
