package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-agenda/internal/agenda"
	"github.com/hackgods/clinic-agenda/internal/metrics"
)

type RouterConfig struct {
	Booker   *agenda.Booker
	Store    *agenda.Store
	Registry *agenda.Registry
	Resolver *agenda.Resolver
	Closer   *agenda.Closer

	Postgres Pinger
	Redis    Pinger // nil without Redis

	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // served on /metrics when set

	// AllowedOrigins enables CORS for browser front desks when non-empty
	AllowedOrigins []string

	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger, cfg.Metrics))
	r.Use(RecoveryMiddleware(cfg.Logger))
	if len(cfg.AllowedOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "If-Match", ClinicHeader, RequestIDHeader},
			ExposedHeaders:   []string{"ETag", RequestIDHeader},
			AllowCredentials: true,
			MaxAge:           300,
		})
		r.Use(c.Handler)
	}

	// Health endpoints
	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	h := NewHandlers(cfg)

	// Everything below acts for the clinic named in X-Clinic-ID
	r.Group(func(r chi.Router) {
		r.Use(ClinicMiddleware)

		r.Get("/specialties", h.listSpecialties)
		r.Get("/specialties/professional-counts", h.professionalCounts)
		r.Get("/patients", h.searchPatients)

		r.Post("/slots/preview", h.previewSlots)
		r.Get("/occupancy", h.occupancy)

		r.Get("/appointments", h.listAppointments)
		r.Post("/appointments", h.createBooking)
		r.Patch("/appointments/{id}", h.updateAppointment)
		r.Post("/appointments/{id}/cancel", h.cancelAppointment)

		r.Get("/closing", h.reviewDay)
		r.Post("/closing", h.closeDay)
	})

	return r
}
