package node

import (
	"time"

	"github.com/mosaicnetworks/murmur/src/media"
	"github.com/mosaicnetworks/murmur/src/quality"
	"github.com/pion/webrtc/v4"
)

// Session is the local view of the link to one remote peer. Sessions are only
// touched from the event loop.
type Session struct {
	PeerID        string
	Role          Role
	State         SessionState
	RetryCount    int
	LastFailureAt time.Time

	// abandoned sessions hit the retry limit. They stay Failed until the peer
	// announces itself again or sends an offer.
	abandoned bool

	conn    media.Conn
	pending []webrtc.ICECandidateInit
	monitor *quality.Monitor
}

func newSession(peerID string) *Session {
	return &Session{
		PeerID:  peerID,
		Role:    RoleUnknown,
		State:   Idle,
		monitor: quality.NewMonitor(peerID),
	}
}

// SessionInfo is a read-only copy of a Session
type SessionInfo struct {
	PeerID        string          `json:"peerId"`
	Role          string          `json:"role"`
	State         string          `json:"state"`
	RetryCount    int             `json:"retryCount"`
	Abandoned     bool            `json:"abandoned"`
	LastFailureAt time.Time       `json:"lastFailureAt,omitempty"`
	Quality       *quality.Sample `json:"quality,omitempty"`
}

func (s *Session) info() SessionInfo {
	res := SessionInfo{
		PeerID:        s.PeerID,
		Role:          s.Role.String(),
		State:         s.State.String(),
		RetryCount:    s.RetryCount,
		Abandoned:     s.abandoned,
		LastFailureAt: s.LastFailureAt,
	}
	if sample, ok := s.monitor.Latest(); ok {
		res.Quality = &sample
	}
	return res
}
