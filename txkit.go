package txkit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fernandezvara/txkit/hooks"
)

// Client coordinates transaction lifecycles against a connection pool.
// Its configuration is fixed at construction; independent clients carry
// independent configurations.
type Client struct {
	config   Config
	hooks    []hooks.Hook
	inFlight atomic.Int64
	metrics  *clientMetrics
}

// New creates a transaction controller with the given configuration
func New(cfg Config) (*Client, error) {
	// Apply defaults for zero values
	cfg.applyDefaults()

	if cfg.Pool == nil {
		return nil, &Error{
			Code:    CodeConnectionFailed,
			Message: "connection pool is required",
			Op:      "New",
		}
	}

	c := &Client{config: cfg}

	// Add observability hooks
	if cfg.Logger != nil && (cfg.LogStatements || cfg.SlowThreshold > 0) {
		c.hooks = append(c.hooks, hooks.NewLoggerHook(cfg.Logger, cfg.LogStatements, cfg.SlowThreshold))
	}
	if cfg.MetricsRegistry != nil {
		hook, err := hooks.NewMetricsHook(cfg.MetricsRegistry)
		if err != nil {
			return nil, fmt.Errorf("txkit: failed to create metrics hook: %w", err)
		}
		c.hooks = append(c.hooks, hook)

		m, err := newClientMetrics(cfg.MetricsRegistry)
		if err != nil {
			return nil, fmt.Errorf("txkit: failed to register metrics: %w", err)
		}
		c.metrics = m
	}
	if cfg.Tracer != nil {
		c.hooks = append(c.hooks, hooks.NewTracingHook(cfg.Tracer))
	}

	return c, nil
}

// Config returns the current configuration
func (c *Client) Config() Config {
	return c.config
}

// InFlight returns the number of transactions currently open on this client.
func (c *Client) InFlight() int64 {
	return c.inFlight.Load()
}

// Health verifies that a connection can be acquired and used.
func (c *Client) Health(ctx context.Context) error {
	conn, err := c.config.Pool.Acquire(ctx)
	if err != nil {
		return wrapError(err, "Health")
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "select 1"); err != nil {
		return wrapError(err, "Health")
	}
	return nil
}

// logError reports errors from background paths (hook failures, diagnostic
// failures, emergency rollback outcomes) that have no caller to return to.
func (c *Client) logError(op string, err error) {
	if err == nil {
		return
	}
	if c.config.ShouldLogError != nil && !c.config.ShouldLogError(err) {
		return
	}
	if c.config.Logger == nil {
		return
	}

	msg := err.Error()
	if c.config.FormatError != nil {
		msg = c.config.FormatError(err)
	}
	c.config.Logger.LogAttrs(context.Background(), slog.LevelError, op,
		slog.String("error", msg),
	)
}

// clientMetrics tracks transaction-level metrics
type clientMetrics struct {
	txInFlight prometheus.Gauge
	txTotal    *prometheus.CounterVec
	slowTotal  prometheus.Counter
}

func newClientMetrics(registry prometheus.Registerer) (*clientMetrics, error) {
	m := &clientMetrics{
		txInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "txkit_transactions_in_flight",
				Help: "Number of transactions currently open",
			},
		),
		txTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txkit_transactions_total",
				Help: "Total number of completed transactions",
			},
			[]string{"outcome"},
		),
		slowTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "txkit_slow_statements_total",
				Help: "Total number of statements reported as slow",
			},
		),
	}

	collectors := []prometheus.Collector{m.txInFlight, m.txTotal, m.slowTotal}
	for _, col := range collectors {
		if err := registry.Register(col); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}

	return m, nil
}
