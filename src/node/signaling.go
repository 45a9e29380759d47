package node

import (
	"errors"
	"fmt"

	"github.com/mosaicnetworks/murmur/src/media"
	"github.com/mosaicnetworks/murmur/src/net/signal"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// onEnvelope is the transport handler. It may be called from any goroutine.
func (n *Node) onEnvelope(env signal.Envelope) {
	n.enqueue(func() {
		n.handleEnvelope(env)
	})
}

// handleEnvelope filters and dispatches an inbound envelope
func (n *Node) handleEnvelope(env signal.Envelope) {
	switch {
	case n.channel == "" || env.ChannelID != n.channel:
		droppedEnvelopes.WithLabelValues("channel").Inc()
		return
	case env.From == n.id:
		return
	case env.To != "" && env.To != n.id:
		return
	}

	if !n.dedup.ShouldProcess(env) {
		duplicateEnvelopes.Inc()
		n.logger.WithFields(logrus.Fields{
			"kind": env.Kind,
			"from": env.From,
		}).Debug("Duplicate envelope")
		return
	}

	receivedEnvelopes.WithLabelValues(string(env.Kind)).Inc()

	switch env.Kind {
	case signal.KindPeerJoined:
		n.onPeerJoined(env)
	case signal.KindPeerLeft:
		n.onPeerLeft(env)
	case signal.KindOffer:
		n.onOffer(env)
	case signal.KindAnswer:
		n.onAnswer(env)
	case signal.KindCandidate:
		n.onCandidate(env)
	default:
		droppedEnvelopes.WithLabelValues("kind").Inc()
		n.logger.WithField("kind", env.Kind).Debug("Unexpected envelope kind")
	}
}

// newConn creates the connection handle of a session. Callbacks are queued
// on the event loop and ignored once the handle no longer belongs to the
// session.
func (n *Node) newConn(s *Session) (media.Conn, error) {
	peerID := s.PeerID

	var conn media.Conn

	handlers := media.Handlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			n.enqueue(func() { n.onLocalCandidate(peerID, conn, c) })
		},
		OnTrack: func(track *webrtc.TrackRemote) {
			n.enqueue(func() { n.onRemoteTrack(peerID, conn, track) })
		},
		OnStateChange: func(state webrtc.PeerConnectionState) {
			n.enqueue(func() { n.onConnState(peerID, conn, state) })
		},
	}

	conn, err := n.factory.NewConn(peerID, handlers)
	if err != nil {
		return nil, err
	}

	if err := conn.AddTracks(n.source.Tracks()); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

// current returns the session owning conn, or nil if conn is stale
func (n *Node) current(peerID string, conn media.Conn) *Session {
	s, ok := n.sessions[peerID]
	if !ok || conn == nil || s.conn != conn {
		return nil
	}
	return s
}

// startOffer replaces the connection of a session and sends a fresh offer
func (n *Node) startOffer(s *Session) {
	n.timers.Cancel(reconnectPrefix + s.PeerID)
	n.teardown(s)

	s.Role = RoleInitiator
	n.setSessionState(s, Connecting)
	n.armConnectTimeout(s)

	conn, err := n.newConn(s)
	if err != nil {
		n.sessionError(s, fmt.Errorf("creating connection: %w", err))
		return
	}
	s.conn = conn

	offer, err := conn.CreateOffer()
	if err != nil {
		n.sessionError(s, fmt.Errorf("creating offer: %w", err))
		return
	}

	n.logger.WithField("peer", s.PeerID).Debug("Sending offer")

	if err := n.send(signal.KindOffer, s.PeerID, offer); err != nil {
		n.logger.WithError(err).WithField("peer", s.PeerID).Warn("Sending offer failed")
	}
}

// onOffer always makes the local side the responder, replacing any previous
// connection with the sender.
func (n *Node) onOffer(env signal.Envelope) {
	var offer webrtc.SessionDescription
	if err := env.DecodePayload(&offer); err != nil {
		n.logger.WithError(err).Debug("Dropping unreadable offer")
		return
	}

	s, ok := n.sessions[env.From]
	if !ok {
		s = newSession(env.From)
		n.sessions[env.From] = s
		if n.participants.Add(env.From, nil, n.clock.Now()) {
			n.emit(ParticipantsChanged{Participants: n.participants.List()})
		}
	}

	n.timers.Cancel(reconnectPrefix + s.PeerID)
	n.teardown(s)

	s.abandoned = false
	s.Role = RoleResponder
	n.setSessionState(s, Connecting)
	n.armConnectTimeout(s)

	conn, err := n.newConn(s)
	if err != nil {
		n.sessionError(s, fmt.Errorf("creating connection: %w", err))
		return
	}
	s.conn = conn

	if err := conn.SetRemoteDescription(offer); err != nil {
		n.sessionError(s, fmt.Errorf("applying offer: %w", err))
		return
	}

	answer, err := conn.CreateAnswer()
	if err != nil {
		n.sessionError(s, fmt.Errorf("creating answer: %w", err))
		return
	}

	n.logger.WithField("peer", s.PeerID).Debug("Sending answer")

	if err := n.send(signal.KindAnswer, s.PeerID, answer); err != nil {
		n.logger.WithError(err).WithField("peer", s.PeerID).Warn("Sending answer failed")
	}

	n.publishView()
}

// onAnswer applies an answer only when it matches an outstanding offer
func (n *Node) onAnswer(env signal.Envelope) {
	s, ok := n.sessions[env.From]
	if !ok || s.conn == nil ||
		s.Role != RoleInitiator ||
		s.State != Connecting ||
		s.conn.SignalingState() != webrtc.SignalingStateHaveLocalOffer {

		ignoredAnswers.Inc()
		n.logger.WithField("peer", env.From).Debug("Ignoring answer outside of an outstanding offer")
		return
	}

	var answer webrtc.SessionDescription
	if err := env.DecodePayload(&answer); err != nil {
		n.logger.WithError(err).Debug("Dropping unreadable answer")
		return
	}

	if err := s.conn.SetRemoteDescription(answer); err != nil {
		n.sessionError(s, fmt.Errorf("applying answer: %w", err))
		return
	}

	n.flushCandidates(s)
}

// onCandidate applies a remote candidate, or queues it until the remote
// description is known
func (n *Node) onCandidate(env signal.Envelope) {
	s, ok := n.sessions[env.From]
	if !ok || s.conn == nil {
		n.logger.WithField("peer", env.From).Debug("Dropping candidate without connection")
		return
	}

	var candidate webrtc.ICECandidateInit
	if err := env.DecodePayload(&candidate); err != nil {
		n.logger.WithError(err).Debug("Dropping unreadable candidate")
		return
	}

	if !s.conn.HasRemoteDescription() {
		s.pending = append(s.pending, candidate)
		return
	}

	if err := s.conn.AddICECandidate(candidate); err != nil {
		n.logger.WithError(err).WithField("peer", s.PeerID).Debug("Adding candidate failed")
	}
}

func (n *Node) flushCandidates(s *Session) {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if err := s.conn.AddICECandidate(c); err != nil {
			n.logger.WithError(err).WithField("peer", s.PeerID).Debug("Adding queued candidate failed")
		}
	}
}

func (n *Node) onLocalCandidate(peerID string, conn media.Conn, c webrtc.ICECandidateInit) {
	s := n.current(peerID, conn)
	if s == nil || n.channel == "" {
		return
	}

	if err := n.send(signal.KindCandidate, peerID, c); err != nil {
		n.logger.WithError(err).WithField("peer", peerID).Debug("Sending candidate failed")
	}
}

// onRemoteTrack marks the session Connected
func (n *Node) onRemoteTrack(peerID string, conn media.Conn, track *webrtc.TrackRemote) {
	s := n.current(peerID, conn)
	if s == nil || s.State != Connecting {
		return
	}

	n.timers.Cancel(connectPrefix + peerID)

	s.RetryCount = 0
	s.abandoned = false
	n.setSessionState(s, Connected)

	n.sink.Attach(peerID, track)
	n.participants.SetActive(peerID, true)

	n.timers.Every(qualityPrefix+peerID, n.conf.QualityInterval, func() {
		n.sampleQuality(peerID)
	})

	n.logger.WithField("peer", peerID).Info("Peer connected")

	n.emit(PeerConnected{PeerID: peerID})
	n.emit(ParticipantsChanged{Participants: n.participants.List()})
	n.publishView()
}

func (n *Node) onConnState(peerID string, conn media.Conn, state webrtc.PeerConnectionState) {
	s := n.current(peerID, conn)
	if s == nil {
		return
	}

	switch state {
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed:
		n.fail(s, errors.New("connection "+state.String()))
	}
}

func (n *Node) sampleQuality(peerID string) {
	s, ok := n.sessions[peerID]
	if !ok || s.State != Connected || s.conn == nil {
		return
	}

	stats, err := s.conn.Stats()
	if err != nil {
		n.logger.WithError(err).WithField("peer", peerID).Debug("Reading stats failed")
		return
	}

	sample := s.monitor.Observe(stats, n.clock.Now())

	n.emit(QualityUpdate{PeerID: peerID, Sample: sample})
	n.publishView()
}

func (n *Node) armConnectTimeout(s *Session) {
	peerID := s.PeerID
	n.timers.After(connectPrefix+peerID, n.conf.ConnectTimeout, func() {
		s, ok := n.sessions[peerID]
		if ok && s.State == Connecting {
			n.fail(s, errors.New("connection timed out"))
		}
	})
}

func (n *Node) setSessionState(s *Session, state SessionState) {
	if s.State == state {
		return
	}

	n.logger.WithFields(logrus.Fields{
		"peer": s.PeerID,
		"from": s.State.String(),
		"to":   state.String(),
	}).Debug("Session state")

	s.State = state
}

// teardown releases the connection of a session and everything attached to
// it. The session state is left to the caller.
func (n *Node) teardown(s *Session) {
	n.timers.Cancel(qualityPrefix + s.PeerID)
	n.timers.Cancel(connectPrefix + s.PeerID)
	s.monitor.Reset()

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			n.logger.WithError(err).WithField("peer", s.PeerID).Debug("Closing connection")
		}
		s.conn = nil
	}
	s.pending = nil

	n.sink.Detach(s.PeerID)

	if n.participants.SetActive(s.PeerID, false) {
		n.emit(ParticipantsChanged{Participants: n.participants.List()})
	}
}

// sessionError reports an error that only concerns one session and fails it
func (n *Node) sessionError(s *Session, err error) {
	n.logger.WithError(err).WithField("peer", s.PeerID).Warn("Session error")
	n.emit(Error{Detail: fmt.Sprintf("peer %s: %v", s.PeerID, err)})
	n.fail(s, err)
}

// fail moves a Connecting or Connected session to Failed and hands it to the
// reconnection logic
func (n *Node) fail(s *Session, reason error) {
	if s.State == Failed || s.State == Closed {
		return
	}

	n.logger.WithError(reason).WithField("peer", s.PeerID).Info("Session failed")

	n.teardown(s)

	n.setSessionState(s, Failed)
	s.LastFailureAt = n.clock.Now()

	n.scheduleReconnect(s)

	n.publishView()
}

// closeSession terminates a session and removes it from the table
func (n *Node) closeSession(s *Session) {
	n.timers.CancelSession(s.PeerID)
	n.teardown(s)
	n.setSessionState(s, Closed)
	delete(n.sessions, s.PeerID)
}
