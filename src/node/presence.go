package node

import (
	"time"

	"github.com/mosaicnetworks/murmur/src/net/signal"
	"github.com/mosaicnetworks/murmur/src/peers"
)

// announce publishes a peer-joined envelope to the whole channel. A failed
// publication is retried with a linear backoff, up to AnnounceAttempts
// attempts in total.
func (n *Node) announce(attempt int) {
	if n.channel == "" {
		return
	}

	err := n.send(signal.KindPeerJoined, "", signal.Presence{Capabilities: n.conf.Capabilities})
	if err == nil {
		n.timers.Cancel(announceTimer)
		return
	}

	logger := n.logger.WithError(err).WithField("attempt", attempt)

	if attempt >= n.conf.AnnounceAttempts {
		logger.Warn("Announcing presence failed")
		n.emit(Error{Detail: "announcing presence: " + err.Error()})
		return
	}

	logger.Debug("Announcing presence failed, retrying")

	n.timers.After(announceTimer, time.Duration(attempt)*n.conf.AnnounceBackoff, func() {
		n.announce(attempt + 1)
	})
}

// initiates applies the tie-break: the lower PeerID makes the offer
func (n *Node) initiates(remote string) bool {
	return peers.Initiates(n.id, remote)
}

// onPeerJoined handles the announcement of a peer
func (n *Node) onPeerJoined(env signal.Envelope) {
	var presence signal.Presence
	if err := env.DecodePayload(&presence); err != nil {
		presence.Capabilities = nil
	}

	logger := n.logger.WithField("peer", env.From)

	s, known := n.sessions[env.From]
	if !known {
		logger.Info("Peer joined")

		s = newSession(env.From)
		n.sessions[env.From] = s
		n.participants.Add(env.From, presence.Capabilities, n.clock.Now())

		n.emit(ParticipantsChanged{Participants: n.participants.List()})

		// Let the newcomer learn about us
		n.announce(1)

		if n.initiates(env.From) {
			n.startOffer(s)
		}

		n.publishView()
		return
	}

	if n.participants.Add(env.From, presence.Capabilities, n.clock.Now()) {
		n.emit(ParticipantsChanged{Participants: n.participants.List()})
	}

	// A known peer announcing itself again is either answering someone
	// else's arrival, or recovering its side of our session.
	switch s.State {
	case Idle, Failed:
		switch {
		case s.abandoned:
			s.abandoned = false
			s.RetryCount = 0
		case s.State == Failed:
			// restarting a failed session is a retry, like a reconnection
			s.RetryCount++
			reconnectAttempts.Inc()
		}
		if n.initiates(env.From) {
			logger.Debug("Known peer announced, restarting offer")
			n.startOffer(s)
		} else if s.State == Failed {
			logger.Debug("Known peer announced, awaiting its offer")
			n.timers.CancelSession(s.PeerID)
			s.Role = RoleResponder
			n.setSessionState(s, Connecting)
			n.armConnectTimeout(s)
		}
	}

	n.publishView()
}

// onPeerLeft handles the departure of a peer
func (n *Node) onPeerLeft(env signal.Envelope) {
	s, ok := n.sessions[env.From]
	if ok {
		n.closeSession(s)
	}

	if n.participants.Remove(env.From) {
		n.logger.WithField("peer", env.From).Info("Peer left")
		n.emit(ParticipantsChanged{Participants: n.participants.List()})
	}

	n.publishView()
}
