// Package metrics exports scheduler activity as Prometheus metrics. Counters
// are fed from the event bus; gauges are sampled after every cycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var actionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cadencebot_actions_total",
	Help: "Action attempts by kind and result class",
}, []string{"kind", "result", "simulated"})

var actionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "cadencebot_action_duration_seconds",
	Help:    "Time spent in the executor per action attempt",
	Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
}, []string{"kind"})

var gateSkipsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cadencebot_gate_skips_total",
	Help: "Actions not attempted, by kind and blocking gate",
}, []string{"kind", "gate"})

var cyclesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cadencebot_cycles_total",
	Help: "Completed scheduler cycles, split by whether the session window was closed",
}, []string{"window"})

var itemsFetchedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cadencebot_items_fetched_total",
	Help: "Candidate items returned by the source",
})

var itemsAcceptedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cadencebot_items_accepted_total",
	Help: "Candidate items that passed the filter and dedup stages",
})

var itemsRejectedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cadencebot_items_rejected_total",
	Help: "Candidate items rejected by the filter, by reason",
}, []string{"reason"})

var sourceFailuresCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cadencebot_source_failures_total",
	Help: "Queries skipped after exhausting source retries",
})

var microBreaksCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cadencebot_micro_breaks_total",
	Help: "Micro-breaks started, by the kind that triggered them",
}, []string{"kind"})

var storageErrorsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cadencebot_storage_errors_total",
	Help: "Persistence failures by operation",
}, []string{"op"})

var haltsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cadencebot_halts_total",
	Help: "Scheduler halts by reason",
}, []string{"reason"})

var cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "cadencebot_cycle_duration_seconds",
	Help:    "Wall time of one scheduler cycle, excluding the sleep after it",
	Buckets: prometheus.ExponentialBucketsRange(1, 1800, 10),
})

var quotaUsedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "cadencebot_quota_used",
	Help: "Executions counted against the current quota period",
}, []string{"kind"})

var quotaRemainingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "cadencebot_quota_remaining",
	Help: "Executions left in the current quota period",
}, []string{"kind"})

var quotaResetGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "cadencebot_quota_reset_timestamp_seconds",
	Help: "Unix time of the next quota reset",
}, []string{"kind"})

var seenGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "cadencebot_dedup_entries",
	Help: "Entries in the in-memory processed set",
})

var pendingMarksGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "cadencebot_dedup_pending_marks",
	Help: "Processed marks not yet written to storage",
})

var pausedUntilGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "cadencebot_paused_until_timestamp_seconds",
	Help: "Unix time the current micro-break ends (0 when none was taken)",
})

var queriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "cadencebot_queries",
	Help: "Search queries currently loaded",
})

var queryReloadsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cadencebot_queries_reloads_total",
	Help: "Times the queries file was reloaded with a changed list",
})

var sideGoroutinesGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "cadencebot_side_goroutines",
	Help: "Supervised side goroutines currently running",
})

var sideRestartsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "cadencebot_side_restarts",
	Help: "Restarts of supervised side goroutines since start",
})

var notifySentGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "cadencebot_notify_sent",
	Help: "Operator notifications delivered since start",
})

var notifyLostGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "cadencebot_notify_lost",
	Help: "Operator notifications dropped or failed since start",
})

var busDroppedGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "cadencebot_bus_dropped_events",
	Help: "Events dropped because a bus subscriber was full",
})
