// Package media wraps the WebRTC machinery that the signaling core drives.
//
// A Conn is the connection handle owned by exactly one peer session. It is
// created by a Factory and reports asynchronous happenings (local ICE
// candidates, remote tracks, connection state) through Handlers. The pion
// implementation is the production one; tests substitute their own Factory.
//
// A Source provides the local audio tracks added to every connection, and a
// Sink consumes the remote tracks. Actual capture and playback are outside
// the scope of murmur: the default Source sends Opus silence and the default
// Sink discards what it reads.
package media

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
)

// ErrSourceUnavailable is returned when the local media source cannot be
// opened.
var ErrSourceUnavailable = errors.New("media source unavailable")

// Handlers are the callbacks of a Conn. They may be called from any
// goroutine.
type Handlers struct {
	OnICECandidate func(webrtc.ICECandidateInit)
	OnTrack        func(*webrtc.TrackRemote)
	OnStateChange  func(webrtc.PeerConnectionState)
}

// Stats is the subset of connection statistics used for quality sampling
type Stats struct {
	BytesReceived uint64
	PacketsLost   int64
	Jitter        float64
	RoundTripTime time.Duration
	HasRTT        bool
}

// Conn is a connection handle to one remote peer. CreateOffer and
// CreateAnswer also apply the result as the local description.
type Conn interface {
	AddTracks(tracks []webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	Stats() (Stats, error)
	Close() error
}

// Factory creates connection handles
type Factory interface {
	NewConn(peerID string, handlers Handlers) (Conn, error)
}

// Source provides the local tracks
type Source interface {
	Open() error
	Tracks() []webrtc.TrackLocal
	SetMuted(muted bool)
	Muted() bool
	Close() error
}

// Sink consumes remote tracks
type Sink interface {
	Attach(peerID string, track *webrtc.TrackRemote)
	Detach(peerID string)
}
