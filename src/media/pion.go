package media

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// Config configures the pion connections
type Config struct {
	ICEServers []string `mapstructure:"ice-servers"`
	ReceiveMTU uint     `mapstructure:"receive-mtu"`

	// IncludeLoopback gathers candidates on the loopback interface, which
	// peers running on the same host need.
	IncludeLoopback bool `mapstructure:"include-loopback"`
}

// DefaultConfig returns a Config using a public STUN server
func DefaultConfig() Config {
	return Config{
		ICEServers: []string{"stun:stun.l.google.com:19302"},
		ReceiveMTU: 8192,
	}
}

// PionFactory creates Conns backed by pion PeerConnections
type PionFactory struct {
	api       *webrtc.API
	rtcConfig webrtc.Configuration
	logger    *logrus.Entry
}

// NewPionFactory registers the default codecs and interceptors and prepares
// the pion API used by every connection.
func NewPionFactory(conf Config, logger *logrus.Entry) (*PionFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("registering interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if conf.ReceiveMTU > 0 {
		se.SetReceiveMTU(conf.ReceiveMTU)
	}
	se.SetIncludeLoopbackCandidate(conf.IncludeLoopback)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	)

	rtcConfig := webrtc.Configuration{}
	for _, url := range conf.ICEServers {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	return &PionFactory{
		api:       api,
		rtcConfig: rtcConfig,
		logger:    logger,
	}, nil
}

// NewConn implements Factory
func (f *PionFactory) NewConn(peerID string, handlers Handlers) (Conn, error) {
	pc, err := f.api.NewPeerConnection(f.rtcConfig)
	if err != nil {
		return nil, err
	}

	logger := f.logger.WithField("peer", peerID)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || handlers.OnICECandidate == nil {
			return
		}
		handlers.OnICECandidate(c.ToJSON())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		codec := track.Codec()
		logger.WithFields(logrus.Fields{
			"kind":  track.Kind().String(),
			"codec": codec.MimeType,
		}).Debug("Remote track")

		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}

		if handlers.OnTrack != nil {
			handlers.OnTrack(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.WithField("state", state.String()).Debug("Connection state")
		if handlers.OnStateChange != nil {
			handlers.OnStateChange(state)
		}
	})

	return &pionConn{pc: pc}, nil
}

type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) AddTracks(tracks []webrtc.TrackLocal) error {
	for _, t := range tracks {
		if _, err := c.pc.AddTrack(t); err != nil {
			return err
		}
	}
	return nil
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConn) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

// Stats sums the inbound audio streams and reads the round trip time of the
// nominated candidate pair.
func (c *pionConn) Stats() (Stats, error) {
	var res Stats

	for _, s := range c.pc.GetStats() {
		switch stat := s.(type) {
		case webrtc.InboundRTPStreamStats:
			if stat.Kind != "audio" {
				continue
			}
			res.BytesReceived += stat.BytesReceived
			res.PacketsLost += int64(stat.PacketsLost)
			res.Jitter = stat.Jitter
		case webrtc.ICECandidatePairStats:
			if stat.State == webrtc.StatsICECandidatePairStateSucceeded && stat.Nominated {
				res.RoundTripTime = time.Duration(stat.CurrentRoundTripTime * float64(time.Second))
				res.HasRTT = true
			}
		}
	}

	return res, nil
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}
