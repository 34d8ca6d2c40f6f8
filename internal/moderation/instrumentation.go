package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reportsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modledger_reports_submitted",
	Help: "Number of reports accepted into the queue",
}, []string{"reason", "flagged"})

var actionsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modledger_actions_recorded",
	Help: "Number of moderation actions written to the ledger",
}, []string{"kind"})

var actionsReversed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modledger_actions_reversed",
	Help: "Number of ledger entries reversed",
}, []string{"kind", "self"})

var immutabilityViolations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modledger_immutability_violations",
	Help: "Number of rejected writes against reversed ledger entries",
}, []string{"operation"})

var capabilityChecks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modledger_capability_checks",
	Help: "Number of capability checks, by outcome",
}, []string{"capability", "allowed", "source"})

var restrictionsExpired = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modledger_restrictions_expired",
	Help: "Number of restrictions deactivated by the expiration sweeper",
})

var sweepRowFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modledger_sweep_row_failures",
	Help: "Number of restriction rows the sweeper failed to expire",
})

var sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "modledger_sweep_duration_sec",
	Help: "Duration of expiration sweeper runs",
})

var sinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modledger_sink_failures",
	Help: "Number of best-effort notification or security sink failures",
}, []string{"sink"})
