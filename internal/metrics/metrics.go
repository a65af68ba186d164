// Package metrics records catalog, session and blob-serving metrics in Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for RecordOperation.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Recorder is what the stores, the coordinator and the HTTP server report to.
type Recorder interface {
	RecordOperation(op, outcome string)
	RecordLatency(op string, d time.Duration)
	ListenerOpened(kind string)
	ListenerClosed(kind string)
	RecordPartialResult(dropped int)
	RecordBlobServed(status int)
}

// Collector is the Prometheus Recorder.
type Collector struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	listeners  *prometheus.GaugeVec
	dropped    prometheus.Counter
	blobs      *prometheus.CounterVec
}

// NewCollector creates a Collector and registers it on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "staybook_operations_total",
			Help: "Backend operations by name and outcome.",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "staybook_operation_latency_seconds",
			Help:    "Backend operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		listeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "staybook_active_listeners",
			Help: "Open realtime listeners by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "staybook_trip_listings_dropped_total",
			Help: "Trip entries that did not resolve to a listing.",
		}),
		blobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "staybook_blobs_served_total",
			Help: "Blob downloads by HTTP status.",
		}, []string{"status_code"}),
	}
	reg.MustRegister(c.operations, c.latency, c.listeners, c.dropped, c.blobs)
	return c
}

func (c *Collector) RecordOperation(op, outcome string) {
	c.operations.WithLabelValues(op, outcome).Inc()
}

func (c *Collector) RecordLatency(op string, d time.Duration) {
	c.latency.WithLabelValues(op).Observe(d.Seconds())
}

func (c *Collector) ListenerOpened(kind string) { c.listeners.WithLabelValues(kind).Inc() }

func (c *Collector) ListenerClosed(kind string) { c.listeners.WithLabelValues(kind).Dec() }

// RecordPartialResult counts trip entries dropped from a partial result.
func (c *Collector) RecordPartialResult(dropped int) {
	if dropped > 0 {
		c.dropped.Add(float64(dropped))
	}
}

func (c *Collector) RecordBlobServed(status int) {
	c.blobs.WithLabelValues(strconv.Itoa(status)).Inc()
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordOperation(string, string)      {}
func (Nop) RecordLatency(string, time.Duration) {}
func (Nop) ListenerOpened(string)               {}
func (Nop) ListenerClosed(string)               {}
func (Nop) RecordPartialResult(int)             {}
func (Nop) RecordBlobServed(int)                {}

// Outcome maps an error onto an outcome label.
func Outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}

// Handler serves the registry for Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
