package node

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// Reconnector computes how long a failed session waits before trying again.
// The delay grows with the number of active sessions so that a node losing
// many links at once does not renegotiate all of them together.
type Reconnector struct {
	Base   time.Duration
	Growth float64
	Max    time.Duration
}

// NewReconnector creates a Reconnector from the node configuration
func NewReconnector(conf *Config) *Reconnector {
	return &Reconnector{
		Base:   conf.BackoffBase,
		Growth: conf.BackoffGrowth,
		Max:    conf.BackoffMax,
	}
}

// Delay returns min(Base * Growth^active, Max)
func (r *Reconnector) Delay(active int) time.Duration {
	d := float64(r.Base) * math.Pow(r.Growth, float64(active))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(r.Max) {
		return r.Max
	}
	return time.Duration(d)
}

// activeSessions counts the sessions that are not Closed
func (n *Node) activeSessions() int {
	count := 0
	for _, s := range n.sessions {
		if s.State != Closed {
			count++
		}
	}
	return count
}

// scheduleReconnect arms the reconnection timer of a Failed session, or
// abandons the session once it has failed MaxRetries times in a row.
func (n *Node) scheduleReconnect(s *Session) {
	logger := n.logger.WithField("peer", s.PeerID)

	if s.RetryCount >= n.conf.MaxRetries {
		s.abandoned = true
		logger.WithField("retries", s.RetryCount).Warn("Giving up on peer")
		n.emit(Error{Detail: "giving up on peer " + s.PeerID})
		n.publishView()
		return
	}

	delay := n.reconnector.Delay(n.activeSessions())
	peerID := s.PeerID

	logger.WithField("delay", delay).Debug("Scheduling reconnection")

	n.timers.After(reconnectPrefix+peerID, delay, func() {
		n.reconnect(peerID)
	})
}

// reconnect runs when the reconnection timer of a session expires. The
// session is only revived if it is still Failed, the node is still in the
// channel, the peer is still listed and a transport is active.
func (n *Node) reconnect(peerID string) {
	s, ok := n.sessions[peerID]
	if !ok || s.State != Failed || s.abandoned {
		return
	}

	if n.channel == "" || !n.participants.Has(peerID) || n.selector.Active() == nil {
		n.logger.WithField("peer", peerID).Debug("Reconnection no longer eligible")
		return
	}

	s.RetryCount++
	reconnectAttempts.Inc()

	n.logger.WithFields(logrus.Fields{
		"peer":  peerID,
		"retry": s.RetryCount,
	}).Info("Reconnecting")

	n.revive(s)
}

// revive moves a Failed session back to Connecting. The tie-break winner
// makes a fresh offer; the other side announces itself again, which makes the
// winner restart its offer.
func (n *Node) revive(s *Session) {
	if n.initiates(s.PeerID) {
		n.startOffer(s)
		return
	}

	s.Role = RoleResponder
	n.setSessionState(s, Connecting)
	n.armConnectTimeout(s)
	n.announce(1)
}
