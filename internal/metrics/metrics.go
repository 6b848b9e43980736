// Package metrics records transfer metrics with Prometheus.
//
// A [Collector] owns a private registry, so metrics of one CLI run can be
// written in textfile-collector format with [Collector.WriteToTextfile] for a
// node exporter to pick up.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ligustah/chunky/internal/transfer"
)

const namespace = "chunky"

// Collector holds the transfer metrics.
type Collector struct {
	registry *prometheus.Registry

	attempts  *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	retries   *prometheus.CounterVec
	backoff   *prometheus.HistogramVec
	transfers *prometheus.CounterVec
}

// New creates a collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Chunk attempts by outcome: progress, retry or failed.",
		}, []string{"direction", "outcome"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes confirmed by the other side.",
		}, []string{"direction"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retryable failures followed by a backoff.",
		}, []string{"direction"}),
		backoff: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backoff_seconds",
			Help:      "Delay before each retry.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"direction"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Finished transfers by terminal state.",
		}, []string{"direction", "state"}),
	}

	c.registry.MustRegister(c.attempts, c.bytes, c.retries, c.backoff, c.transfers)
	return c
}

// Registry returns the registry the metrics are registered with.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// WriteToTextfile writes all metrics to path in the text exposition format.
func (c *Collector) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}

// Observer returns a transfer.Observer recording one run in direction
// ("upload" or "download").
func (c *Collector) Observer(direction string) transfer.Observer {
	return &observer{c: c, direction: direction}
}

type observer struct {
	c         *Collector
	direction string

	mu        sync.Mutex
	lastBytes int64
	counted   int
}

func (o *observer) Progressed(p transfer.Progress, done bool) {
	o.mu.Lock()
	delta := p.Bytes - o.lastBytes
	o.lastBytes = p.Bytes
	o.counted++
	o.mu.Unlock()

	o.c.attempts.WithLabelValues(o.direction, "progress").Inc()
	if delta > 0 {
		o.c.bytes.WithLabelValues(o.direction).Add(float64(delta))
	}
}

func (o *observer) Retrying(failures int, err error, delay time.Duration) {
	o.mu.Lock()
	o.counted++
	o.mu.Unlock()

	o.c.attempts.WithLabelValues(o.direction, "retry").Inc()
	o.c.retries.WithLabelValues(o.direction).Inc()
	o.c.backoff.WithLabelValues(o.direction).Observe(delay.Seconds())
}

func (o *observer) Finished(res transfer.Result, err error) {
	o.mu.Lock()
	rest := res.Attempts - o.counted
	o.counted = res.Attempts
	o.mu.Unlock()

	// The attempt that ended a failed run is neither progress nor retry.
	if rest > 0 {
		o.c.attempts.WithLabelValues(o.direction, "failed").Add(float64(rest))
	}
	o.c.transfers.WithLabelValues(o.direction, res.State.String()).Inc()
}
