// Package metrics exposes pipeline metrics for Prometheus scraping.
// It keeps a private registry (never the global default) and serves it
// over a small HTTP server that runs until Close.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apivet/apivet/pkg/duration"
)

// Options configures the metrics endpoint.
type Options struct {
	// Port for the metrics server (default: 9090).
	Port int

	// Path for the metrics endpoint (default: "/metrics").
	Path string

	// ReadTimeout for the HTTP server (default: 5s).
	ReadTimeout time.Duration

	// WriteTimeout for the HTTP server (default: 10s).
	WriteTimeout time.Duration
}

// Collector registers and serves the pipeline metrics.
type Collector struct {
	server   *http.Server
	registry *prometheus.Registry
	opts     Options

	variantsTotal        *prometheus.CounterVec
	replaysTotal         *prometheus.CounterVec
	vulnerabilitiesTotal *prometheus.CounterVec
	failuresTotal        *prometheus.CounterVec
	scansClosedTotal     prometheus.Counter
	pendingVariants      prometheus.Gauge

	replaySeconds *prometheus.HistogramVec

	mu     sync.Mutex
	closed bool
}

// New creates the collector and starts the metrics server.
func New(opts Options) (*Collector, error) {
	if opts.Port == 0 {
		opts.Port = 9090
	}
	if opts.Path == "" {
		opts.Path = "/metrics"
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = duration.ShutdownGrace
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		opts:     opts,
	}
	if err := c.initMetrics(); err != nil {
		return nil, fmt.Errorf("metrics: register: %w", err)
	}
	c.startServer()
	return c, nil
}

func (c *Collector) initMetrics() error {
	c.variantsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apivet_variants_total",
			Help: "Total transformed request variants generated",
		},
		[]string{"rule"},
	)

	c.replaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apivet_replays_total",
			Help: "Total variant replays executed",
		},
		[]string{"rule", "outcome"},
	)

	c.vulnerabilitiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apivet_vulnerabilities_total",
			Help: "Total vulnerability findings recorded",
		},
		[]string{"rule", "severity"},
	)

	c.failuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apivet_failures_total",
			Help: "Total pipeline items that ended in the failed state",
		},
		[]string{"stage"},
	)

	c.scansClosedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apivet_scans_closed_total",
			Help: "Total scans closed by the reconciler",
		},
	)

	c.pendingVariants = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apivet_pending_variants",
			Help: "Transformed request variants awaiting replay",
		},
	)

	c.replaySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apivet_replay_duration_seconds",
			Help:    "Replay round-trip time distribution in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"outcome"},
	)

	collectors := []prometheus.Collector{
		c.variantsTotal,
		c.replaysTotal,
		c.vulnerabilitiesTotal,
		c.failuresTotal,
		c.scansClosedTotal,
		c.pendingVariants,
		c.replaySeconds,
	}
	for _, col := range collectors {
		if err := c.registry.Register(col); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) startServer() {
	mux := http.NewServeMux()
	mux.Handle(c.opts.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	c.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", c.opts.Port),
		Handler:      mux,
		ReadTimeout:  c.opts.ReadTimeout,
		WriteTimeout: c.opts.WriteTimeout,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()
}

// VariantsGenerated records variants produced for a rule.
func (c *Collector) VariantsGenerated(ruleID string, n int) {
	c.variantsTotal.WithLabelValues(ruleID).Add(float64(n))
	c.pendingVariants.Add(float64(n))
}

// VariantSettled records one variant reaching a terminal state.
func (c *Collector) VariantSettled() {
	c.pendingVariants.Dec()
}

// ReplayDone records a replay outcome and its round-trip time.
func (c *Collector) ReplayDone(ruleID, outcome string, elapsed time.Duration) {
	c.replaysTotal.WithLabelValues(ruleID, outcome).Inc()
	c.replaySeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// VulnerabilityFound records one finding.
func (c *Collector) VulnerabilityFound(ruleID, severity string) {
	c.vulnerabilitiesTotal.WithLabelValues(ruleID, severity).Inc()
}

// ItemFailed records a pipeline item ending in the failed state.
func (c *Collector) ItemFailed(stage string) {
	c.failuresTotal.WithLabelValues(stage).Inc()
}

// ScanClosed records one scan closed by the reconciler.
func (c *Collector) ScanClosed() {
	c.scansClosedTotal.Inc()
}

// Addr returns the address where metrics are served.
func (c *Collector) Addr() string {
	return fmt.Sprintf("http://localhost:%d%s", c.opts.Port, c.opts.Path)
}

// Close shuts down the metrics server.
func (c *Collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), duration.ShutdownGrace)
	defer cancel()
	return c.server.Shutdown(ctx)
}
