package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"blacksky.com/maurice/internal/logger"
	"blacksky.com/maurice/internal/metrics"
)

type RouterConfig struct {
	CORSOrigins []string
	Log         *logger.Logger
	Metrics     *metrics.Metrics
	// Gatherer serves /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

func NewRouter(apiHandler *APIHandler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if cfg.Log != nil {
		r.Use(cfg.Log.RequestLogger)
	}
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", apiHandler.HealthHandler)

		// Visitor routes, keyed by the widget's user id
		r.Post("/chat", apiHandler.ChatHandler)
		r.Post("/chat/stream", apiHandler.ChatStreamHandler)
		r.Post("/conversation/end", apiHandler.EndConversationHandler)
		r.Post("/user/update", apiHandler.UpdateUserHandler)
		r.Get("/user/{userID}/context", apiHandler.UserContextHandler)
		r.Post("/user/lookup", apiHandler.LookupUserHandler)
		r.Post("/track/pageview", apiHandler.PageViewHandler)

		r.Post("/auth/register", apiHandler.RegisterHandler)
		r.Post("/auth/login", apiHandler.LoginHandler)
		r.Get("/auth/verify", apiHandler.VerifyHandler)
		r.Post("/admin/login", apiHandler.AdminLoginHandler)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.AdminAuthMiddleware)

			r.Get("/admin/leads", apiHandler.LeadsHandler)
			r.Get("/admin/leads/export", apiHandler.ExportLeadsHandler)
			r.Patch("/admin/leads/{userID}", apiHandler.UpdateLeadHandler)
			r.Get("/admin/leads/{userID}/handoff", apiHandler.HandoffHandler)
			r.Get("/admin/analytics", apiHandler.AnalyticsHandler)
			r.Get("/admin/facts", apiHandler.SearchFactsHandler)
			r.Get("/admin/users", apiHandler.FindUsersHandler)
			r.Post("/admin/users/link", apiHandler.LinkUsersHandler)
			r.Get("/admin/users/{userID}/journey", apiHandler.JourneyHandler)
			r.Get("/admin/conversations/{userID}", apiHandler.ConversationsHandler)
			r.Get("/admin/documents", apiHandler.DocumentsHandler)
			r.Post("/admin/documents", apiHandler.IngestDocumentHandler)
		})
	})

	return r
}
