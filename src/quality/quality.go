// Package quality turns raw connection statistics into quality samples.
//
// A Monitor is attached to one connected peer. Each call to Observe compares
// the new statistics with the previous ones to compute the inbound bitrate,
// and classifies the link into a Tier from its round trip time and packet
// loss.
package quality

import (
	"time"

	"github.com/mosaicnetworks/murmur/src/media"
)

// Tier is a coarse quality rating
type Tier string

const (
	// Excellent is the best Tier
	Excellent Tier = "excellent"
	// Good Tier
	Good Tier = "good"
	// Fair Tier
	Fair Tier = "fair"
	// Poor is the worst Tier
	Poor Tier = "poor"
)

// Sample is a point-in-time measurement of a peer connection
type Sample struct {
	Bitrate         float64 `json:"bitrate"`
	PacketsLost     int64   `json:"packetsLost"`
	Jitter          float64 `json:"jitter"`
	RoundTripTimeMs float64 `json:"roundTripTime"`
	Tier            Tier    `json:"quality"`
}

// Classify rates a link. The first matching rule wins:
//
//	rtt > 500ms or lost > 10  => poor
//	rtt > 200ms or lost > 5   => fair
//	rtt > 100ms or lost > 2   => good
//	otherwise                 => excellent
func Classify(rttMs float64, packetsLost int64) Tier {
	switch {
	case rttMs > 500 || packetsLost > 10:
		return Poor
	case rttMs > 200 || packetsLost > 5:
		return Fair
	case rttMs > 100 || packetsLost > 2:
		return Good
	default:
		return Excellent
	}
}

// Monitor computes Samples for one peer
type Monitor struct {
	peerID string

	hasLast   bool
	lastBytes uint64
	lastAt    time.Time
	latest    *Sample
}

// NewMonitor creates a Monitor for a peer
func NewMonitor(peerID string) *Monitor {
	return &Monitor{
		peerID: peerID,
	}
}

// PeerID returns the peer the Monitor is attached to
func (m *Monitor) PeerID() string {
	return m.peerID
}

// Observe computes a Sample from new statistics taken at the given time. The
// first observation has no bitrate since there is no previous byte count.
func (m *Monitor) Observe(stats media.Stats, at time.Time) Sample {
	var bitrate float64
	if m.hasLast && at.After(m.lastAt) && stats.BytesReceived >= m.lastBytes {
		elapsed := at.Sub(m.lastAt).Seconds()
		bitrate = float64(stats.BytesReceived-m.lastBytes) * 8 / elapsed
	}

	m.hasLast = true
	m.lastBytes = stats.BytesReceived
	m.lastAt = at

	var rtt float64
	if stats.HasRTT {
		rtt = float64(stats.RoundTripTime) / float64(time.Millisecond)
	}

	sample := Sample{
		Bitrate:         bitrate,
		PacketsLost:     stats.PacketsLost,
		Jitter:          stats.Jitter,
		RoundTripTimeMs: rtt,
		Tier:            Classify(rtt, stats.PacketsLost),
	}

	m.latest = &sample
	observe(m.peerID, sample)

	return sample
}

// Latest returns the last Sample, if any
func (m *Monitor) Latest() (Sample, bool) {
	if m.latest == nil {
		return Sample{}, false
	}
	return *m.latest, true
}

// Reset discards the history and the peer's metrics
func (m *Monitor) Reset() {
	m.hasLast = false
	m.lastBytes = 0
	m.lastAt = time.Time{}
	m.latest = nil
	forget(m.peerID)
}
