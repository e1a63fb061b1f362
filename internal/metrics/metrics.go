// Package metrics registers the Prometheus instrumentation of the
// consensus engine and feeds it from the event bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/events"
)

// Metrics holds all Prometheus metrics for the consensus engine
type Metrics struct {
	// Transaction metrics
	TransactionsCreated *prometheus.CounterVec
	Transitions         *prometheus.CounterVec
	Timeouts            prometheus.Counter

	// Dispute metrics
	DisputesOpened   *prometheus.CounterVec
	DisputesResolved *prometheus.CounterVec
	Escalations      prometheus.Counter

	// Compensation metrics
	CompensationsCreated   *prometheus.CounterVec
	CompensationsCompleted prometheus.Counter

	// Trust metrics
	TrustScore *prometheus.GaugeVec

	// Emergency stop metrics
	StopsTriggered prometheus.Counter
	StopsResumed   prometheus.Counter

	// Infrastructure metrics
	EventsDropped  prometheus.GaugeFunc
	SchedulerDepth prometheus.GaugeFunc

	// API metrics
	HTTPRequests *prometheus.CounterVec
}

// DepthSource reports the number of armed timers.
type DepthSource interface{ Pending() int }

// DropSource reports events discarded by the bus overflow policy.
type DropSource interface{ Dropped() uint64 }

// New creates and registers all metrics on the default registry.
func New(sched DepthSource, bus DropSource) *Metrics {
	return &Metrics{
		TransactionsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consensus_transactions_created_total",
				Help: "Total transactions created",
			},
			[]string{"auto_approved"},
		),

		Transitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consensus_transitions_total",
				Help: "State transitions observed on the event bus",
			},
			[]string{"topic"},
		),

		Timeouts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "consensus_timeouts_total",
				Help: "Transactions expired by the timeout scheduler",
			},
		),

		DisputesOpened: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consensus_disputes_opened_total",
				Help: "Disputes opened, by type",
			},
			[]string{"type"},
		),

		DisputesResolved: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consensus_disputes_resolved_total",
				Help: "Disputes resolved, by decision",
			},
			[]string{"decision"},
		),

		Escalations: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "consensus_dispute_escalations_total",
				Help: "Disputes escalated, by verdict or evidence deadline",
			},
		),

		CompensationsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consensus_compensations_created_total",
				Help: "Compensation records created, by status",
			},
			[]string{"status"},
		),

		CompensationsCompleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "consensus_compensations_completed_total",
				Help: "Remedial transfers validated and parents closed",
			},
		),

		TrustScore: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "consensus_trust_score",
				Help: "Current trust score per participant",
			},
			[]string{"participant_id"},
		),

		StopsTriggered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "consensus_emergency_stops_total",
				Help: "Emergency stops triggered",
			},
		),

		StopsResumed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "consensus_emergency_resumes_total",
				Help: "Emergency stops resumed",
			},
		),

		EventsDropped: promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "consensus_events_dropped_total",
				Help: "Events discarded by bounded subscriber queues",
			},
			func() float64 { return float64(bus.Dropped()) },
		),

		SchedulerDepth: promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "consensus_scheduler_pending_timers",
				Help: "Timers currently armed on the scheduler",
			},
			func() float64 { return float64(sched.Pending()) },
		),

		HTTPRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consensus_http_requests_total",
				Help: "API requests, by route and status code",
			},
			[]string{"route", "status"},
		),
	}
}

// Observe subscribes the metrics to the bus; counters update as events
// flow. Must be called once.
func (m *Metrics) Observe(bus *events.Bus) {
	bus.Subscribe("metrics", func(e *events.Event) {
		m.Transitions.WithLabelValues(e.Topic).Inc()
		switch e.Topic {
		case events.TopicTxCreated:
			auto, _ := e.Data["auto_approved"].(bool)
			m.TransactionsCreated.WithLabelValues(boolLabel(auto)).Inc()
		case events.TopicTxTimeout:
			m.Timeouts.Inc()
		case events.TopicDisputeOpened:
			t, _ := e.Data["type"].(string)
			m.DisputesOpened.WithLabelValues(t).Inc()
		case events.TopicDisputeResolved:
			d, _ := e.Data["decision"].(string)
			m.DisputesResolved.WithLabelValues(d).Inc()
		case events.TopicDisputeEscalated:
			m.Escalations.Inc()
		case events.TopicCompensationCreated:
			s, _ := e.Data["status"].(string)
			m.CompensationsCreated.WithLabelValues(s).Inc()
		case events.TopicCompensationCompleted:
			m.CompensationsCompleted.Inc()
		case events.TopicStopTriggered:
			m.StopsTriggered.Inc()
		case events.TopicStopResumed:
			m.StopsResumed.Inc()
		}
	})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// SetTrustScore records a participant's current score.
func (m *Metrics) SetTrustScore(participantID string, score float64) {
	m.TrustScore.WithLabelValues(participantID).Set(score)
}
