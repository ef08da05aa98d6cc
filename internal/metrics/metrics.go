// Package metrics declares the broker's Prometheus collectors. Both roles
// register against the default registry and expose it via promhttp on
// /metrics (controller) or the worker's debug listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsEnqueued counts jobs accepted by the controller.
	JobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tom_jobs_enqueued_total",
		Help: "Jobs accepted and pushed onto the queue.",
	})

	// JobsCompleted counts terminal job outcomes by status.
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tom_jobs_terminal_total",
		Help: "Jobs reaching a terminal status.",
	}, []string{"status"})

	// JobsRequeued counts transient-failure and liveness-sweep requeues.
	JobsRequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tom_jobs_requeued_total",
		Help: "Jobs returned to the queue for another attempt.",
	}, []string{"reason"})

	// JobDuration observes end-to-end execution time of jobs in seconds.
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tom_job_duration_seconds",
		Help:    "Wall time from fetch to terminal status.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// DeviceLeaseActive tracks held device leases. The per-device value never
	// exceeds 1 by construction; the gauge makes violations observable.
	DeviceLeaseActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tom_device_lease_active",
		Help: "Device leases currently held by this process.",
	}, []string{"device"})

	// LeaseWait observes time spent waiting to acquire a device lease.
	LeaseWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tom_device_lease_wait_seconds",
		Help:    "Time spent acquiring device leases.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	// CacheLookups counts cache lookups by outcome (hit, miss, refresh, bypass).
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tom_cache_lookups_total",
		Help: "Response cache lookups by outcome.",
	}, []string{"outcome"})

	// CommandsExecuted counts commands actually sent to devices.
	CommandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tom_commands_executed_total",
		Help: "Commands executed over device transports.",
	}, []string{"adapter"})

	// HTTPRequests counts API requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tom_http_requests_total",
		Help: "API requests handled by the controller.",
	}, []string{"route", "code"})
)
