package metrics

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/objectfs/b2fs/pkg/errors"
)

// Collector records b2fs metrics into a private Prometheus registry.
type Collector struct {
	mu       sync.Mutex
	config   *Config
	registry *prometheus.Registry
	logger   *zap.Logger

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	cacheCounter      *prometheus.CounterVec
	errorCounter      *prometheus.CounterVec
	refreshCounter    *prometheus.CounterVec
	retryCounter      *prometheus.CounterVec
	stagingBytes      prometheus.Gauge

	server   *http.Server
	listener net.Listener
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *zap.Logger) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "b2fs",
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collector{config: config, logger: logger.Named("metrics")}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler exposes the registry.
func (c *Collector) Handler() http.Handler {
	if c.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Start serves the metrics endpoint when an address is configured.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled || c.config.Address == "" {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", c.config.Address)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, err, "listen on metrics address").
			WithComponent("metrics").
			WithContext("address", c.config.Address)
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())

	c.mu.Lock()
	c.listener = ln
	c.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	server := c.server
	c.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	c.logger.Info("serving metrics", zap.String("address", ln.Addr().String()), zap.String("path", c.config.Path))
	return nil
}

// Addr returns the bound address once started.
func (c *Collector) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop stops the metrics collection server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.listener = nil
	c.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records an operation with its metrics
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.operationCounter.With(prometheus.Labels{
		"operation": operation,
		"status":    status(success),
	}).Inc()
	c.operationDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.With(prometheus.Labels{"operation": operation}).Observe(float64(size))
	}
}

// RecordCacheHit records a cache hit
func (c *Collector) RecordCacheHit(cache string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheCounter.With(prometheus.Labels{"cache": cache, "result": "hit"}).Inc()
}

// RecordCacheMiss records a cache miss
func (c *Collector) RecordCacheMiss(cache string) {
	if !c.config.Enabled {
		return
	}
	c.cacheCounter.With(prometheus.Labels{"cache": cache, "result": "miss"}).Inc()
}

// RecordError records an error
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled || err == nil {
		return
	}
	code := string(errors.CodeOf(err))
	if code == "" {
		code = "UNCLASSIFIED"
	}
	c.errorCounter.With(prometheus.Labels{"operation": operation, "code": code}).Inc()
}

// RecordSessionRefresh counts authorization round trips.
func (c *Collector) RecordSessionRefresh(success bool) {
	if !c.config.Enabled {
		return
	}
	c.refreshCounter.With(prometheus.Labels{"status": status(success)}).Inc()
}

// RecordRetry counts the bounded internal retries.
func (c *Collector) RecordRetry(operation, reason string) {
	if !c.config.Enabled {
		return
	}
	c.retryCounter.With(prometheus.Labels{"operation": operation, "reason": reason}).Inc()
}

// SetStagingBytes reports the bytes currently held in staging.
func (c *Collector) SetStagingBytes(bytes int64) {
	if !c.config.Enabled {
		return
	}
	c.stagingBytes.Set(float64(bytes))
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "operations_total",
			Help:      "Total number of remote operations",
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "operation_duration_seconds",
			Help:      "Duration of remote operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"operation"},
	)

	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "operation_size_bytes",
			Help:      "Bytes moved by remote operations",
			Buckets:   prometheus.ExponentialBuckets(1024, 2, 20), // 1KB to ~1GB
		},
		[]string{"operation"},
	)

	c.cacheCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by cache tier and result",
		},
		[]string{"cache", "result"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_total",
			Help:      "Errors by operation and taxonomy code",
		},
		[]string{"operation", "code"},
	)

	c.refreshCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "session_refreshes_total",
			Help:      "Authorization calls made to refresh the session",
		},
		[]string{"status"},
	)

	c.retryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "bounded_retries_total",
			Help:      "Single internal retries taken, by reason",
		},
		[]string{"operation", "reason"},
	)

	c.stagingBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "staging_bytes",
			Help:      "Bytes currently held in local staging",
		},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.cacheCounter,
		c.errorCounter,
		c.refreshCounter,
		c.retryCounter,
		c.stagingBytes,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}
