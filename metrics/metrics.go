package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set holds the replica's instrumentation. All updates happen on the event
// loop thread; prometheus collectors are safe to scrape concurrently.
type Set struct {
	MessagesIn  *prometheus.CounterVec
	MessagesOut *prometheus.CounterVec
	Discarded   prometheus.Counter

	ElectionsWon     prometheus.Counter
	StepDowns        prometheus.Counter
	EntriesCommitted prometheus.Counter
	AppendsRejected  prometheus.Counter

	CurrentTerm prometheus.Gauge
	CommitIndex prometheus.Gauge
	Role        prometheus.Gauge
}

// New builds the Set and registers it with reg. Pass nil to keep the
// collectors unregistered (useful in tests).
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		MessagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bastion", Name: "messages_received_total",
			Help: "Datagrams received, by message type.",
		}, []string{"type"}),
		MessagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bastion", Name: "messages_sent_total",
			Help: "Datagrams sent, by message type.",
		}, []string{"type"}),
		Discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bastion", Name: "messages_discarded_total",
			Help: "Malformed or unknown datagrams dropped.",
		}),
		ElectionsWon: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bastion", Name: "elections_won_total",
			Help: "Elections this replica has won.",
		}),
		StepDowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bastion", Name: "leader_step_downs_total",
			Help: "Times this replica abandoned leadership for liveness.",
		}),
		EntriesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bastion", Name: "entries_committed_total",
			Help: "Log entries applied to the state machine.",
		}),
		AppendsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bastion", Name: "appends_rejected_total",
			Help: "Append requests rejected for log inconsistency.",
		}),
		CurrentTerm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bastion", Name: "current_term",
			Help: "Current election term.",
		}),
		CommitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bastion", Name: "commit_index",
			Help: "Highest committed log index (-1 when nothing is committed).",
		}),
		Role: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bastion", Name: "role",
			Help: "Current role: 0 follower, 1 candidate, 2 leader.",
		}),
	}
	s.CommitIndex.Set(-1) // a fresh replica has nothing committed
	if reg != nil {
		reg.MustRegister(
			s.MessagesIn, s.MessagesOut, s.Discarded,
			s.ElectionsWon, s.StepDowns, s.EntriesCommitted, s.AppendsRejected,
			s.CurrentTerm, s.CommitIndex, s.Role,
		)
	}
	return s
}
