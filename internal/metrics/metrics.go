package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brdcst_messages_total",
			Help: "Dispatch outcomes by stage and outcome",
		},
		[]string{"stage", "outcome"}, // first|second , sent|retry|dropped|suppressed
	)

	ReconciledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brdcst_reconciled_total",
			Help: "Provider delivery records applied to status rows",
		},
		[]string{"status"},
	)

	EscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brdcst_escalations_total",
			Help: "Failure escalations by result",
		},
		[]string{"result"}, // closed|failed
	)

	OutboxRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "brdcst_outbox_relayed_total",
			Help: "Outbox rows moved into the delivery queue",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brdcst_queue_depth",
			Help: "Jobs stored per delivery queue, visible or not",
		},
		[]string{"queue"},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		MessagesTotal,
		ReconciledTotal,
		EscalationsTotal,
		OutboxRelayed,
		QueueDepth,
	)
}

// Stage labels a dispatch stage.
func Stage(isSecond bool) string {
	if isSecond {
		return "second"
	}
	return "first"
}
