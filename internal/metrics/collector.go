// Package metrics is a trimmed Prometheus metrics collector grounded on
// _examples/scttfrdmn-objectfs/internal/metrics/collector.go, cut down to
// the counters and histograms this filesystem's subsystems (backend
// drivers, block cache, commit pipeline) actually emit: operation
// latency/size, cache hit rate, and upload latency.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the metrics HTTP endpoint, trimmed from the
// teacher's Config (namespace/subsystem/labels carried, per-operation
// update loop dropped — nothing in this repo needs a periodic resync,
// Prometheus counters/histograms are already live).
type Config struct {
	Enabled   bool
	Port      int
	Path      string
	Namespace string
	Subsystem string
}

// DefaultConfig matches the teacher's NewCollector defaults, renamed to
// this filesystem's namespace.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9100,
		Path:      "/metrics",
		Namespace: "s3ql",
	}
}

// Collector owns a Prometheus registry and the metrics this filesystem
// records: backend operation counts/latency/size, cache hit/miss
// counts, and upload latency for the commit pipeline.
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	cacheHitCounter   *prometheus.CounterVec
	cacheSizeGauge    prometheus.Gauge
	uploadDuration    prometheus.Histogram
	dirtyBlocksGauge  prometheus.Gauge
	errorCounter      *prometheus.CounterVec

	server *http.Server
}

// New builds a Collector. A nil config uses DefaultConfig.
func New(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()
	c := &Collector{config: config, registry: registry}

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace, Subsystem: config.Subsystem,
		Name: "backend_operations_total", Help: "Backend operations by op and outcome.",
	}, []string{"operation", "status"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: config.Namespace, Subsystem: config.Subsystem,
		Name: "backend_operation_duration_seconds", Help: "Backend operation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	c.operationSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: config.Namespace, Subsystem: config.Subsystem,
		Name: "backend_operation_size_bytes", Help: "Backend operation payload size.",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
	}, []string{"operation"})

	c.cacheHitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace, Subsystem: config.Subsystem,
		Name: "block_cache_lookups_total", Help: "Block cache lookups by outcome.",
	}, []string{"outcome"})

	c.cacheSizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: config.Namespace, Subsystem: config.Subsystem,
		Name: "block_cache_bytes", Help: "Current on-disk block cache size.",
	})

	c.dirtyBlocksGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: config.Namespace, Subsystem: config.Subsystem,
		Name: "block_cache_dirty_blocks", Help: "Blocks awaiting upload.",
	})

	c.uploadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: config.Namespace, Subsystem: config.Subsystem,
		Name: "upload_duration_seconds", Help: "Commit-thread block upload latency.",
		Buckets: prometheus.DefBuckets,
	})

	c.errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace, Subsystem: config.Subsystem,
		Name: "errors_total", Help: "Errors by operation and kind.",
	}, []string{"operation", "kind"})

	registry.MustRegister(
		c.operationCounter, c.operationDuration, c.operationSize,
		c.cacheHitCounter, c.cacheSizeGauge, c.dirtyBlocksGauge,
		c.uploadDuration, c.errorCounter,
	)

	return c, nil
}

// Start serves the metrics endpoint until ctx is cancelled.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
		}
	}()
	return nil
}

// RecordOperation records a single backend operation's outcome.
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, err error) {
	if !c.config.Enabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.operationCounter.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	c.operationDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.With(prometheus.Labels{"operation": operation}).Observe(float64(size))
	}
}

// RecordCacheHit and RecordCacheMiss track the block cache's hit rate.
func (c *Collector) RecordCacheHit()  { c.recordCacheLookup("hit") }
func (c *Collector) RecordCacheMiss() { c.recordCacheLookup("miss") }

func (c *Collector) recordCacheLookup(outcome string) {
	if !c.config.Enabled {
		return
	}
	c.cacheHitCounter.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// SetCacheSize and SetDirtyBlocks report current block cache gauges.
func (c *Collector) SetCacheSize(bytes int64) {
	if c.config.Enabled {
		c.cacheSizeGauge.Set(float64(bytes))
	}
}

func (c *Collector) SetDirtyBlocks(n int) {
	if c.config.Enabled {
		c.dirtyBlocksGauge.Set(float64(n))
	}
}

// RecordUpload records one commit-thread block upload's latency.
func (c *Collector) RecordUpload(duration time.Duration) {
	if c.config.Enabled {
		c.uploadDuration.Observe(duration.Seconds())
	}
}

// RecordError records an error by operation and taxonomy kind (spec
// pkg/errors.Kind, passed as a string to avoid an import cycle).
func (c *Collector) RecordError(operation, kind string) {
	if c.config.Enabled {
		c.errorCounter.With(prometheus.Labels{"operation": operation, "kind": kind}).Inc()
	}
}
