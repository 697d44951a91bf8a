package syncengine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	uploaded       prometheus.Counter
	merged         prometheus.Counter
	decodeFailures prometheus.Counter
	triggers       *prometheus.CounterVec
	failures       prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "habitledger_sync_cycles_total",
			Help: "Sync cycles by result (success, failure, cancelled)",
		}, []string{"result"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "habitledger_sync_cycle_duration_seconds",
			Help:    "Duration of sync cycles",
			Buckets: prometheus.DefBuckets,
		}),
		uploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "habitledger_sync_events_uploaded_total",
			Help: "Events acknowledged by the remote store",
		}),
		merged: f.NewCounter(prometheus.CounterOpts{
			Name: "habitledger_sync_events_merged_total",
			Help: "Remote events inserted into the local log",
		}),
		decodeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "habitledger_sync_decode_failures_total",
			Help: "Remote documents skipped because they could not be decoded",
		}),
		triggers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "habitledger_sync_triggers_total",
			Help: "Sync triggers by source and whether they were accepted",
		}, []string{"source", "result"}),
		failures: f.NewGauge(prometheus.GaugeOpts{
			Name: "habitledger_sync_consecutive_failures",
			Help: "Consecutive failed sync cycles",
		}),
	}
}
