// Package metrics provides metrics collection and exposition for trainkit.
// It integrates the Prometheus SDK to define and collect the training
// pipeline metrics: packed blocks, dropped tokens, masked sequences,
// cache hit rates, optimizer steps, losses and reward accuracy.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ============================================================================
// Metrics Collector
// ============================================================================

// MetricsCollector manages Prometheus metrics collection
type MetricsCollector struct {
	// Prometheus registry
	registry *prometheus.Registry

	// Namespace for metrics
	namespace string

	// Subsystem for metrics
	subsystem string

	// Registered metrics
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	mu sync.RWMutex
}

// CollectorConfig defines metrics collector configuration
type CollectorConfig struct {
	// Namespace for all metrics
	Namespace string

	// Subsystem for metrics grouping
	Subsystem string

	// Enable default Go metrics
	EnableGoMetrics bool

	// Custom registry (optional)
	Registry *prometheus.Registry
}

// LossBuckets covers typical preference and language-model loss ranges
var LossBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 0.693, 1, 2, 4, 8}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(cfg CollectorConfig) *MetricsCollector {
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	if cfg.EnableGoMetrics {
		registry.MustRegister(prometheus.NewGoCollector())
	}

	collector := &MetricsCollector{
		registry:   registry,
		namespace:  cfg.Namespace,
		subsystem:  cfg.Subsystem,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	collector.registerCoreMetrics()

	return collector
}

// registerCoreMetrics registers all core pipeline metrics
func (c *MetricsCollector) registerCoreMetrics() {
	// Dataset metrics
	c.RegisterCounter("records_loaded_total", "Total number of dataset records loaded", []string{"shape"})
	c.RegisterCounter("records_rejected_total", "Total number of dataset records rejected", []string{"code"})

	// Packing metrics
	c.RegisterCounter("packed_blocks_total", "Total number of packed blocks emitted", nil)
	c.RegisterCounter("packed_tokens_dropped_total", "Tokens discarded with the trailing partial block", nil)
	c.RegisterCounter("packed_tokens_padded_total", "Padding tokens added to the trailing partial block", nil)

	// Collator metrics
	c.RegisterCounter("sequences_collated_total", "Total number of sequences collated", []string{"trainer"})
	c.RegisterCounter("sequences_unmatched_total", "Sequences without a response marker", []string{"trainer"})

	// Cache metrics
	c.RegisterCounter("cache_hits_total", "Total number of cache hits", []string{"cache_name"})
	c.RegisterCounter("cache_misses_total", "Total number of cache misses", []string{"cache_name"})

	// Training metrics
	c.RegisterCounter("train_steps_total", "Total number of optimizer steps", []string{"trainer"})
	c.RegisterHistogram("train_loss", "Per-step training loss", []string{"trainer"}, LossBuckets)
	c.RegisterHistogram("train_step_duration_seconds", "Training step duration in seconds", []string{"trainer"}, prometheus.DefBuckets)
	c.RegisterGauge("reward_accuracy", "Fraction of pairs where the chosen reward beats the rejected reward", nil)
	c.RegisterGauge("reward_margin", "Mean reward margin of the last step", nil)
}

// ============================================================================
// Counter Operations
// ============================================================================

// RegisterCounter registers a new counter metric
func (c *MetricsCollector) RegisterCounter(name, help string, labels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.counters[name]; exists {
		return
	}

	c.counters[name] = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: c.subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// IncrementCounter increments a counter by 1
func (c *MetricsCollector) IncrementCounter(name string, labels prometheus.Labels) {
	c.AddCounter(name, 1, labels)
}

// AddCounter adds a value to a counter
func (c *MetricsCollector) AddCounter(name string, value float64, labels prometheus.Labels) {
	c.mu.RLock()
	counter, exists := c.counters[name]
	c.mu.RUnlock()

	if !exists || value <= 0 {
		return
	}

	counter.With(labels).Add(value)
}

// ============================================================================
// Gauge Operations
// ============================================================================

// RegisterGauge registers a new gauge metric
func (c *MetricsCollector) RegisterGauge(name, help string, labels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.gauges[name]; exists {
		return
	}

	c.gauges[name] = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: c.namespace,
			Subsystem: c.subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// SetGauge sets a gauge to a specific value
func (c *MetricsCollector) SetGauge(name string, value float64, labels prometheus.Labels) {
	c.mu.RLock()
	gauge, exists := c.gauges[name]
	c.mu.RUnlock()

	if !exists {
		return
	}

	gauge.With(labels).Set(value)
}

// ============================================================================
// Histogram Operations
// ============================================================================

// RegisterHistogram registers a new histogram metric
func (c *MetricsCollector) RegisterHistogram(name, help string, labels []string, buckets []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.histograms[name]; exists {
		return
	}

	if buckets == nil {
		buckets = prometheus.DefBuckets
	}

	c.histograms[name] = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.namespace,
			Subsystem: c.subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// ObserveHistogram records a value in a histogram
func (c *MetricsCollector) ObserveHistogram(name string, value float64, labels prometheus.Labels) {
	c.mu.RLock()
	histogram, exists := c.histograms[name]
	c.mu.RUnlock()

	if !exists {
		return
	}

	histogram.With(labels).Observe(value)
}

// ObserveDuration records the time elapsed since start
func (c *MetricsCollector) ObserveDuration(name string, start time.Time, labels prometheus.Labels) {
	c.ObserveHistogram(name, time.Since(start).Seconds(), labels)
}

// ============================================================================
// Exposition
// ============================================================================

// Registry returns the underlying registry
func (c *MetricsCollector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP handler for metrics exposition
func (c *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ============================================================================
// Domain Helpers
// ============================================================================

// RecordCacheHit records a cache hit
func (c *MetricsCollector) RecordCacheHit(cacheName string) {
	c.IncrementCounter("cache_hits_total", prometheus.Labels{"cache_name": cacheName})
}

// RecordCacheMiss records a cache miss
func (c *MetricsCollector) RecordCacheMiss(cacheName string) {
	c.IncrementCounter("cache_misses_total", prometheus.Labels{"cache_name": cacheName})
}

// RecordStep records one optimizer step and its loss
func (c *MetricsCollector) RecordStep(trainer string, loss float64, duration time.Duration) {
	labels := prometheus.Labels{"trainer": trainer}
	c.IncrementCounter("train_steps_total", labels)
	c.ObserveHistogram("train_loss", loss, labels)
	c.ObserveHistogram("train_step_duration_seconds", duration.Seconds(), labels)
}

// RecordRewards records the reward statistics of a preference step
func (c *MetricsCollector) RecordRewards(accuracy, margin float64) {
	c.SetGauge("reward_accuracy", accuracy, nil)
	c.SetGauge("reward_margin", margin, nil)
}

// RecordPacking records assembler totals
func (c *MetricsCollector) RecordPacking(blocks, dropped, padded int) {
	c.AddCounter("packed_blocks_total", float64(blocks), nil)
	c.AddCounter("packed_tokens_dropped_total", float64(dropped), nil)
	c.AddCounter("packed_tokens_padded_total", float64(padded), nil)
}
