package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// jobsProcessed counts dispatch outcomes per kind. outcome is one of
	// succeeded, retried, failed.
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edutrack_jobs_processed_total",
		Help: "Job dispatch outcomes by kind.",
	}, []string{"kind", "outcome"})

	jobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edutrack_jobs_in_flight",
		Help: "Handlers currently executing.",
	})

	leasesRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edutrack_leases_recovered_total",
		Help: "Envelopes made deliverable again by broker recovery.",
	})
)
