// Package metrics exposes queue activity as Prometheus metrics.
//
//	jobs_enqueued_total{queue}      jobs accepted by Enqueue
//	jobs_started_total{queue}       execution attempts
//	jobs_completed_total{queue}     successful attempts
//	jobs_retried_total{queue}       failed attempts rescheduled with backoff
//	jobs_failed_total{queue}        jobs failed after exhausting attempts
//	jobs_expired_total{queue}       jobs failed by TTL before running
//	job_duration_seconds{queue}     processor run time of successful attempts
//	jobs_in_flight{queue}           1 while a job is executing
//	store_connects_total{queue}     connection (re)establishments
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements queue.Metrics.
type Collector struct {
	enqueued  *prometheus.CounterVec
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	retried   *prometheus.CounterVec
	failed    *prometheus.CounterVec
	expired   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	inFlight  *prometheus.GaugeVec
	connects  *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector registers the queue metrics with reg. A nil reg uses a fresh
// private registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, []string{"queue"})
	}
	c := &Collector{
		enqueued:  counter("jobs_enqueued_total", "Jobs accepted by Enqueue"),
		started:   counter("jobs_started_total", "Job execution attempts"),
		completed: counter("jobs_completed_total", "Successful job attempts"),
		retried:   counter("jobs_retried_total", "Failed attempts rescheduled with backoff"),
		failed:    counter("jobs_failed_total", "Jobs failed after exhausting their attempts"),
		expired:   counter("jobs_expired_total", "Jobs failed by TTL before running"),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Processor run time of successful attempts",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"queue"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobs_in_flight",
			Help: "1 while a job is executing",
		}, []string{"queue"}),
		connects: counter("store_connects_total", "Store connection (re)establishments"),
		gatherer: reg,
	}
	reg.MustRegister(c.enqueued, c.started, c.completed, c.retried, c.failed,
		c.expired, c.duration, c.inFlight, c.connects)
	return c
}

func (c *Collector) JobEnqueued(queue string) { c.enqueued.WithLabelValues(queue).Inc() }
func (c *Collector) JobStarted(queue string)  { c.started.WithLabelValues(queue).Inc() }
func (c *Collector) JobRetried(queue string)  { c.retried.WithLabelValues(queue).Inc() }
func (c *Collector) JobFailed(queue string)   { c.failed.WithLabelValues(queue).Inc() }
func (c *Collector) JobExpired(queue string)  { c.expired.WithLabelValues(queue).Inc() }
func (c *Collector) Reconnected(queue string) { c.connects.WithLabelValues(queue).Inc() }

func (c *Collector) JobCompleted(queue string, d time.Duration) {
	c.completed.WithLabelValues(queue).Inc()
	c.duration.WithLabelValues(queue).Observe(d.Seconds())
}

func (c *Collector) InFlight(queue string, active bool) {
	v := 0.0
	if active {
		v = 1
	}
	c.inFlight.WithLabelValues(queue).Set(v)
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
