package quality

import "github.com/prometheus/client_golang/prometheus"

var (
	bitrateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "murmur",
			Subsystem: "quality",
			Name:      "bitrate_bits_per_second",
			Help:      "Inbound audio bitrate per peer.",
		},
		[]string{"peer"},
	)

	rttGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "murmur",
			Subsystem: "quality",
			Name:      "round_trip_time_milliseconds",
			Help:      "Round trip time of the nominated candidate pair per peer.",
		},
		[]string{"peer"},
	)

	lostGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "murmur",
			Subsystem: "quality",
			Name:      "packets_lost",
			Help:      "Cumulative inbound packets lost per peer.",
		},
		[]string{"peer"},
	)
)

func init() {
	prometheus.MustRegister(bitrateGauge, rttGauge, lostGauge)
}

func observe(peerID string, s Sample) {
	bitrateGauge.WithLabelValues(peerID).Set(s.Bitrate)
	rttGauge.WithLabelValues(peerID).Set(s.RoundTripTimeMs)
	lostGauge.WithLabelValues(peerID).Set(float64(s.PacketsLost))
}

func forget(peerID string) {
	bitrateGauge.DeleteLabelValues(peerID)
	rttGauge.DeleteLabelValues(peerID)
	lostGauge.DeleteLabelValues(peerID)
}
