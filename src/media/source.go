package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"
)

const frameDuration = 20 * time.Millisecond

// opusSilence is a single Opus frame of silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceSource is a Source with one Opus track carrying silence. It keeps
// the track flowing so that remote peers see it, whether muted or not.
type SilenceSource struct {
	streamID string
	clock    clock.Clock
	logger   *logrus.Entry

	mu     sync.Mutex
	track  *webrtc.TrackLocalStaticSample
	muted  bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSilenceSource creates a SilenceSource. It produces nothing until Open
// is called.
func NewSilenceSource(streamID string, clk clock.Clock, logger *logrus.Entry) *SilenceSource {
	return &SilenceSource{
		streamID: streamID,
		clock:    clk,
		logger:   logger,
	}
}

// Open creates the track and starts writing frames. It is idempotent.
func (s *SilenceSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.track != nil {
		return nil
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		"audio",
		s.streamID,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	s.track = track
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.run(track, s.stopCh)

	return nil
}

func (s *SilenceSource) run(track *webrtc.TrackLocalStaticSample, stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := s.clock.Ticker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if s.Muted() {
				continue
			}
			err := track.WriteSample(pionmedia.Sample{
				Data:     opusSilence,
				Duration: frameDuration,
			})
			if err != nil {
				s.logger.WithError(err).Debug("Writing sample failed")
			}
		}
	}
}

// Tracks implements Source
func (s *SilenceSource) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.track == nil {
		return nil
	}
	return []webrtc.TrackLocal{s.track}
}

// SetMuted implements Source
func (s *SilenceSource) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

// Muted implements Source
func (s *SilenceSource) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Close stops the frame writer. The source can be opened again.
func (s *SilenceSource) Close() error {
	s.mu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	s.track = nil
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		s.wg.Wait()
	}

	return nil
}
