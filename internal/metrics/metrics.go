package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the scheduling metrics
type Metrics struct {
	// Booking
	Bookings       *prometheus.CounterVec
	SeriesOutcomes *prometheus.CounterVec

	// Store writes
	UpdateConflicts prometheus.Counter
	ReadFailures    *prometheus.CounterVec

	// Day closing
	NoShowsMarked prometheus.Counter
	DaysClosed    prometheus.Counter

	// HTTP
	RequestDuration *prometheus.HistogramVec
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	const namespace = "agenda"

	return &Metrics{
		Bookings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_total",
			Help:      "Appointment create attempts by result (created, failed, refused_full)",
		}, []string{"result"}),
		SeriesOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "series_total",
			Help:      "Booking series by final status",
		}, []string{"status"}),
		UpdateConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_conflicts_total",
			Help:      "Updates rejected because of a stale version",
		}),
		ReadFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_failures_total",
			Help:      "Reads degraded to an empty result",
		}, []string{"operation"}),
		NoShowsMarked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_shows_marked_total",
			Help:      "Appointments moved to no_show by day closing",
		}),
		DaysClosed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "days_closed_total",
			Help:      "Confirmed day-closing workflows",
		}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route", "status"}),
	}
}

// Discard returns metrics registered on a private registry. Tests and tools
// that do not expose /metrics use it.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
