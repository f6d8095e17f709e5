package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Name:      "job_cycles_total",
		Help:      "Job cycle outcomes per job.",
	}, []string{"job", "result"})

	cycleSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "keeper",
		Name:      "job_cycle_seconds",
		Help:      "Wall time of executed job cycles.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"job"})

	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Name:      "job_records_total",
		Help:      "Per-record outcomes of executed job cycles.",
	}, []string{"job", "outcome"})

	leaseAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Name:      "lease_acquire_total",
		Help:      "Lease acquisition attempts per job.",
	}, []string{"job", "acquired"})

	leaseLostTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keeper",
		Name:      "lease_lost_total",
		Help:      "Leases lost mid-run, detected by a failed renewal.",
	}, []string{"job"})
)
