package hooks

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsHook implements Prometheus metrics collection
type MetricsHook struct {
	stmtDuration *prometheus.HistogramVec
	stmtTotal    *prometheus.CounterVec
	stmtErrors   *prometheus.CounterVec
}

// NewMetricsHook creates a new metrics hook and registers collectors
func NewMetricsHook(registry prometheus.Registerer) (*MetricsHook, error) {
	h := &MetricsHook{
		stmtDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "txkit_statement_duration_seconds",
				Help:    "Duration of database statements in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		stmtTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txkit_statements_total",
				Help: "Total number of database statements",
			},
			[]string{"operation"},
		),
		stmtErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txkit_statement_errors_total",
				Help: "Total number of database statement errors",
			},
			[]string{"operation"},
		),
	}

	// Register metrics
	collectors := []prometheus.Collector{h.stmtDuration, h.stmtTotal, h.stmtErrors}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			// Check if already registered
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}

	return h, nil
}

// BeforeStatement is called before a statement is executed
func (h *MetricsHook) BeforeStatement(ctx context.Context, event *StatementEvent) context.Context {
	return ctx
}

// AfterStatement is called after a statement is executed
func (h *MetricsHook) AfterStatement(ctx context.Context, event *StatementEvent) {
	duration := time.Since(event.StartTime).Seconds()
	op := OperationType(event.SQL)

	h.stmtDuration.WithLabelValues(op).Observe(duration)
	h.stmtTotal.WithLabelValues(op).Inc()

	if event.Err != nil {
		h.stmtErrors.WithLabelValues(op).Inc()
	}
}
