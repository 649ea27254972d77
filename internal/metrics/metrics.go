// Package metrics provides Prometheus metrics for the Maurice service
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Conversation turn metrics
	TurnsTotal          *prometheus.CounterVec
	LeadScores          prometheus.Histogram
	FactsExtractedTotal *prometheus.CounterVec
	IdentityOutcomes    *prometheus.CounterVec
	LLMFailuresTotal    prometheus.Counter
	StreamsCancelled    prometheus.Counter
	RAGChunksIncluded   prometheus.Histogram
	LeadEventsTotal     *prometheus.CounterVec
	ConversationsClosed *prometheus.CounterVec

	// Database metrics
	DbOperationsTotal   *prometheus.CounterVec
	DbOperationDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them on reg. Passing nil uses
// the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Metrics{}

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maurice_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maurice_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	m.TurnsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maurice_turns_total",
			Help: "Chat turns by outcome",
		},
		[]string{"outcome"},
	)
	m.LeadScores = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maurice_lead_score",
			Help:    "Per-message lead scores",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)
	m.FactsExtractedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maurice_facts_extracted_total",
			Help: "Facts extracted from user messages by type",
		},
		[]string{"fact_type"},
	)
	m.IdentityOutcomes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maurice_identity_outcomes_total",
			Help: "Identity resolution outcomes by action",
		},
		[]string{"action"},
	)
	m.LLMFailuresTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "maurice_llm_failures_total",
			Help: "LLM stream failures answered with an apology",
		},
	)
	m.StreamsCancelled = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "maurice_streams_cancelled_total",
			Help: "Streams abandoned by the client before completion",
		},
	)
	m.RAGChunksIncluded = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maurice_rag_chunks_included",
			Help:    "Number of knowledge chunks injected per prompt",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		},
	)
	m.LeadEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maurice_lead_events_total",
			Help: "Lead notifications by result",
		},
		[]string{"result"},
	)
	m.ConversationsClosed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maurice_conversations_closed_total",
			Help: "Closed conversations by reason",
		},
		[]string{"reason"},
	)

	m.DbOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maurice_db_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"},
	)
	m.DbOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maurice_db_operation_duration_seconds",
			Help:    "Duration of database operations in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"operation"},
	)

	return m
}

// RecordDbOperation records a database operation
func (m *Metrics) RecordDbOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.DbOperationsTotal.WithLabelValues(operation, status).Inc()
	m.DbOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTurn records a finished chat turn.
func (m *Metrics) RecordTurn(outcome string, score int) {
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	if score > 0 {
		m.LeadScores.Observe(float64(score))
	}
}

// Middleware records request counts and latency keyed by the chi route
// pattern, so path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
