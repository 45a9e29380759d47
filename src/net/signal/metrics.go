package signal

import "github.com/prometheus/client_golang/prometheus"

var (
	publishedEnvelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "signal",
			Name:      "published_envelopes_total",
			Help:      "Envelopes published, by transport and kind.",
		},
		[]string{"transport", "kind"},
	)

	publishErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "signal",
			Name:      "publish_errors_total",
			Help:      "Failed publications, by transport.",
		},
		[]string{"transport"},
	)

	transportSwitches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "signal",
			Name:      "transport_switches_total",
			Help:      "Successful changes of the active transport.",
		},
	)
)

func init() {
	prometheus.MustRegister(publishedEnvelopes, publishErrors, transportSwitches)
}
