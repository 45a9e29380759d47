package node

import "github.com/prometheus/client_golang/prometheus"

var (
	receivedEnvelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "node",
			Name:      "received_envelopes_total",
			Help:      "Envelopes processed, by kind.",
		},
		[]string{"kind"},
	)

	duplicateEnvelopes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "node",
			Name:      "duplicate_envelopes_total",
			Help:      "Envelopes dropped by the deduplicator.",
		},
	)

	droppedEnvelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "node",
			Name:      "dropped_envelopes_total",
			Help:      "Envelopes dropped before processing, by reason.",
		},
		[]string{"reason"},
	)

	ignoredAnswers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "node",
			Name:      "ignored_answers_total",
			Help:      "Answers received outside of an outstanding offer.",
		},
	)

	reconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "node",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnections started after a failure.",
		},
	)

	sessionGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "murmur",
			Subsystem: "node",
			Name:      "sessions",
			Help:      "Peer sessions by state.",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		receivedEnvelopes,
		duplicateEnvelopes,
		droppedEnvelopes,
		ignoredAnswers,
		reconnectAttempts,
		sessionGauge,
	)
}

func (n *Node) updateSessionGauge() {
	counts := map[SessionState]int{}
	for _, s := range n.sessions {
		counts[s.State]++
	}
	for _, st := range []SessionState{Idle, Connecting, Connected, Failed} {
		sessionGauge.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
}
