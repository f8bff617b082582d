package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/clinic-booking-ai/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinic-booking-ai/internal/http/middleware"
	"github.com/wolfman30/clinic-booking-ai/internal/messaging"
	"github.com/wolfman30/clinic-booking-ai/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	MessagingHandler   *messaging.Handler
	AdminAppointments  *handlers.AdminAppointmentsHandler
	AdminCalendar      *handlers.AdminCalendarHandler
	AdminConversations *handlers.AdminConversationsHandler
	AdminPrescriptions *handlers.AdminPrescriptionsHandler
	AdminAuthSecret    string
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// Per-sender limit on the inbound webhooks; nil disables it. The caller
	// owns the limiter's janitor (RateLimiter.Run).
	WebhookLimiter *httpmiddleware.RateLimiter
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	if cfg.MessagingHandler == nil {
		panic("router: messaging handler required")
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", cfg.MessagingHandler.HealthCheck)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/webhooks", func(hooks chi.Router) {
		hooks.Use(httpmiddleware.RateLimit(cfg.WebhookLimiter, httpmiddleware.SenderKey))
		hooks.Post("/messages", cfg.MessagingHandler.InboundMessage)
		hooks.Post("/twilio", cfg.MessagingHandler.TwilioWebhook)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(middleware.Compress(5))
		admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
		if cfg.AdminAppointments != nil {
			admin.Route("/appointments", cfg.AdminAppointments.Routes)
		}
		if cfg.AdminCalendar != nil {
			cfg.AdminCalendar.Routes(admin)
		}
		if cfg.AdminConversations != nil {
			admin.Route("/conversations", cfg.AdminConversations.Routes)
		}
		if cfg.AdminPrescriptions != nil {
			admin.Route("/prescriptions", cfg.AdminPrescriptions.Routes)
		}
	})

	return r
}
