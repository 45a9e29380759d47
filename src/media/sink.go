package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// DiscardSink reads and drops the packets of every attached track. Reading
// keeps the receive buffers drained and the inbound statistics moving.
type DiscardSink struct {
	logger *logrus.Entry

	mu      sync.Mutex
	tracks  map[string]*webrtc.TrackRemote
	packets map[string]uint64
}

// NewDiscardSink creates a DiscardSink
func NewDiscardSink(logger *logrus.Entry) *DiscardSink {
	return &DiscardSink{
		logger:  logger,
		tracks:  make(map[string]*webrtc.TrackRemote),
		packets: make(map[string]uint64),
	}
}

// Attach implements Sink. The reading goroutine ends when the track's
// connection is closed.
func (s *DiscardSink) Attach(peerID string, track *webrtc.TrackRemote) {
	s.mu.Lock()
	s.tracks[peerID] = track
	s.packets[peerID] = 0
	s.mu.Unlock()

	if track == nil {
		return
	}

	go s.drain(peerID, track)
}

func (s *DiscardSink) drain(peerID string, track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			s.logger.WithField("peer", peerID).Debug("Remote track ended")
			return
		}

		s.mu.Lock()
		if s.tracks[peerID] == track {
			s.packets[peerID]++
		}
		s.mu.Unlock()
	}
}

// Detach implements Sink
func (s *DiscardSink) Detach(peerID string) {
	s.mu.Lock()
	delete(s.tracks, peerID)
	delete(s.packets, peerID)
	s.mu.Unlock()
}

// Attached returns the number of attached tracks
func (s *DiscardSink) Attached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

// Packets returns the number of packets read from a peer's track
func (s *DiscardSink) Packets(peerID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets[peerID]
}
