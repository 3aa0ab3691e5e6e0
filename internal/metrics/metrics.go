// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package metrics exposes prometheus metrics for workers and queues.
//
// Collector records events as they happen inside a worker process.
// QueueCollector reads the current state out of redis on every scrape.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/hemant/resq/internal/rdb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "resq"

// Collector records job processing events.
//
// A nil *Collector is valid and records nothing.
type Collector struct {
	jobsProcessed    *prometheus.CounterVec
	jobsFailed       *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobsInFlight     prometheus.Gauge
	delayedForwarded prometheus.Counter
	periodicEnqueued *prometheus.CounterVec
	backendErrors    *prometheus.CounterVec
}

// NewCollector creates the job metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs performed successfully.",
		}, []string{"queue", "class"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs that ended in a failure record.",
		}, []string{"queue", "class", "exception"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time spent performing a job.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue", "class"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Number of jobs being performed by this process.",
		}),
		delayedForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delayed_jobs_forwarded_total",
			Help:      "Total number of delayed jobs moved onto their queue.",
		}),
		periodicEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "periodic_jobs_enqueued_total",
			Help:      "Total number of periodic job occurrences enqueued.",
		}, []string{"entry"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Total number of failed redis operations.",
		}, []string{"op"}),
	}
	reg.MustRegister(
		c.jobsProcessed,
		c.jobsFailed,
		c.jobDuration,
		c.jobsInFlight,
		c.delayedForwarded,
		c.periodicEnqueued,
		c.backendErrors,
	)
	return c
}

// RecordStarted marks the start of a job.
func (c *Collector) RecordStarted() {
	if c == nil {
		return
	}
	c.jobsInFlight.Inc()
}

// RecordProcessed marks the successful end of a job.
func (c *Collector) RecordProcessed(qname, class string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsInFlight.Dec()
	c.jobsProcessed.WithLabelValues(qname, class).Inc()
	c.jobDuration.WithLabelValues(qname, class).Observe(d.Seconds())
}

// RecordFailed marks the failed end of a job.
// Jobs that failed before they started, such as undecodable ones, pass started=false.
func (c *Collector) RecordFailed(qname, class, exception string, d time.Duration, started bool) {
	if c == nil {
		return
	}
	if started {
		c.jobsInFlight.Dec()
		c.jobDuration.WithLabelValues(qname, class).Observe(d.Seconds())
	}
	c.jobsFailed.WithLabelValues(qname, class, exception).Inc()
}

// RecordForwarded counts a delayed job moved onto its queue.
func (c *Collector) RecordForwarded() {
	if c == nil {
		return
	}
	c.delayedForwarded.Inc()
}

// RecordPeriodic counts an enqueued occurrence of a periodic entry.
func (c *Collector) RecordPeriodic(entryID string) {
	if c == nil {
		return
	}
	c.periodicEnqueued.WithLabelValues(entryID).Inc()
}

// RecordBackendError counts a failed redis operation.
func (c *Collector) RecordBackendError(op string) {
	if c == nil {
		return
	}
	c.backendErrors.WithLabelValues(op).Inc()
}

// StatsFunc returns the current aggregate counts.
type StatsFunc func(ctx context.Context) (*rdb.Stats, error)

// QueueCollector is a prometheus.Collector reporting queue, worker
// and failure counts read from redis at scrape time.
type QueueCollector struct {
	stats   StatsFunc
	timeout time.Duration

	queueSize   *prometheus.Desc
	workers     *prometheus.Desc
	working     *prometheus.Desc
	failed      *prometheus.Desc
	processed   *prometheus.Desc
	failedTotal *prometheus.Desc
	delayed     *prometheus.Desc
	up          *prometheus.Desc
}

// NewQueueCollector returns a QueueCollector that calls stats on every scrape.
func NewQueueCollector(stats StatsFunc) *QueueCollector {
	return &QueueCollector{
		stats:   stats,
		timeout: 5 * time.Second,
		queueSize: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "queue_size"),
			"Number of jobs waiting in a queue.", []string{"queue"}, nil),
		workers: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "workers"),
			"Number of registered workers.", nil, nil),
		working: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "workers_working"),
			"Number of registered workers performing a job.", nil, nil),
		failed: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "failures"),
			"Number of failure records.", nil, nil),
		processed: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "processed_total"),
			"Number of jobs ever processed, across all workers.", nil, nil),
		failedTotal: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "failed_total"),
			"Number of jobs ever failed, across all workers.", nil, nil),
		delayed: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "delayed_jobs"),
			"Number of delayed jobs not yet due or not yet forwarded.", nil, nil),
		up: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "up"),
			"Whether the last read from redis succeeded.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (qc *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(qc, ch)
}

// Collect implements prometheus.Collector.
func (qc *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), qc.timeout)
	defer cancel()
	stats, err := qc.stats(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(qc.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(qc.up, prometheus.GaugeValue, 1)
	for qname, size := range stats.QueueSizes {
		ch <- prometheus.MustNewConstMetric(qc.queueSize, prometheus.GaugeValue, float64(size), qname)
	}
	ch <- prometheus.MustNewConstMetric(qc.workers, prometheus.GaugeValue, float64(stats.Workers))
	ch <- prometheus.MustNewConstMetric(qc.working, prometheus.GaugeValue, float64(stats.Working))
	ch <- prometheus.MustNewConstMetric(qc.failed, prometheus.GaugeValue, float64(stats.Failed))
	ch <- prometheus.MustNewConstMetric(qc.processed, prometheus.CounterValue, float64(stats.Processed))
	ch <- prometheus.MustNewConstMetric(qc.failedTotal, prometheus.CounterValue, float64(stats.FailedTotal))
	ch <- prometheus.MustNewConstMetric(qc.delayed, prometheus.GaugeValue, float64(stats.Delayed))
}

// Handler returns an http.Handler serving the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServer returns an http.Server serving the metrics gathered by g at /metrics.
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
