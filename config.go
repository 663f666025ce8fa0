package txkit

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// SlowFunc is invoked when a statement runs longer than the slow threshold.
// The sql argument is the statement text; for a slow commit it is the text of
// the statement that preceded the commit.
type SlowFunc func(elapsed time.Duration, sql string, args []any)

// PreSlowFunc is invoked shortly before a statement is confirmed slow, with a
// summary of blocking sessions (or "None") and the transaction's dataset.
type PreSlowFunc func(summary string, dataset map[string]any)

// Config holds transaction controller configuration
type Config struct {
	// Pool supplies connections for transactions and diagnostics (required)
	Pool Pool

	// Slow statement detection
	SlowThreshold time.Duration // Statements slower than this are reported (0 = disabled)
	OnSlowSQL     SlowFunc      // Slow statement report callback
	OnPreSlowSQL  PreSlowFunc   // Pre-slow diagnostic callback

	// Timeouts
	RollbackTimeout   time.Duration // Bound on the emergency rollback (default: 15s)
	DiagnosticTimeout time.Duration // Bound on the pre-slow diagnostic connection (default: 2s)

	// Error reporting
	FormatError    func(error) string // Formats errors for log output
	ShouldLogError func(error) bool   // Filters which errors are logged

	// Observability (all optional)
	Logger          *slog.Logger          // Structured logger
	LogStatements   bool                  // Log all statements
	MetricsRegistry prometheus.Registerer // Prometheus registry for metrics
	Tracer          trace.Tracer          // OpenTelemetry tracer
}

// DefaultConfig returns sensible defaults for the given pool
func DefaultConfig(pool Pool) Config {
	return Config{
		Pool:              pool,
		RollbackTimeout:   15 * time.Second,
		DiagnosticTimeout: 2 * time.Second,
	}
}

// applyDefaults fills in zero values with defaults
func (c *Config) applyDefaults() {
	if c.RollbackTimeout == 0 {
		c.RollbackTimeout = 15 * time.Second
	}
	if c.DiagnosticTimeout == 0 {
		c.DiagnosticTimeout = 2 * time.Second
	}
}

// WithSlowThreshold reports statements slower than the threshold
func (c Config) WithSlowThreshold(threshold time.Duration, fn SlowFunc) Config {
	c.SlowThreshold = threshold
	c.OnSlowSQL = fn
	return c
}

// WithPreSlowDiagnostic enables the pre-slow blocking-session diagnostic
func (c Config) WithPreSlowDiagnostic(fn PreSlowFunc) Config {
	c.OnPreSlowSQL = fn
	return c
}

// WithLogger enables statement logging
func (c Config) WithLogger(logger *slog.Logger) Config {
	c.Logger = logger
	c.LogStatements = true
	return c
}

// WithMetrics enables Prometheus metrics
func (c Config) WithMetrics(registry prometheus.Registerer) Config {
	c.MetricsRegistry = registry
	return c
}

// WithTracing enables OpenTelemetry tracing
func (c Config) WithTracing(tracer trace.Tracer) Config {
	c.Tracer = tracer
	return c
}
