// Package murmur assembles a complete murmur peer from its configuration.
package murmur

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/mosaicnetworks/murmur/src/config"
	"github.com/mosaicnetworks/murmur/src/media"
	"github.com/mosaicnetworks/murmur/src/net/signal"
	"github.com/mosaicnetworks/murmur/src/net/signal/loopback"
	"github.com/mosaicnetworks/murmur/src/net/signal/relay"
	"github.com/mosaicnetworks/murmur/src/net/signal/wamp"
	"github.com/mosaicnetworks/murmur/src/node"
	"github.com/mosaicnetworks/murmur/src/peers"
	"github.com/mosaicnetworks/murmur/src/registry"
	"github.com/mosaicnetworks/murmur/src/service"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// ErrNoTransport is returned by Init when no configured transport is usable
var ErrNoTransport = errors.New("no usable transport")

// Murmur is a peer: a Node with its transports, media, registry and API
type Murmur struct {
	Config   *config.Config
	ID       string
	Clock    clock.Clock
	Node     *node.Node
	Selector *signal.Selector

	// Board is the loopback message board. It can be set before Init to share
	// one Board between peers of the same process.
	Board *loopback.Board

	Factory  media.Factory
	Source   media.Source
	Sink     media.Sink
	Registry registry.Registry
	Service  *service.Service

	ownBoard bool
	logger   *logrus.Entry
}

// NewMurmur is a factory method that returns an engine that needs to be
// initialised with Init
func NewMurmur(conf *config.Config) *Murmur {
	return &Murmur{
		Config: conf,
		Clock:  clock.New(),
		logger: conf.Logger(),
	}
}

func (m *Murmur) initID() error {
	m.ID = m.Config.ID
	if m.ID == "" {
		m.ID = peers.NewPeerID(m.Clock.Now())
	}

	m.logger.WithField("id", m.ID).Info("Peer ID")

	return nil
}

func (m *Murmur) component(prefix string) *logrus.Entry {
	return m.logger.WithField("prefix", prefix)
}

func (m *Murmur) initTransports() error {
	var candidates []signal.Transport

	for _, name := range m.Config.Transports {
		switch name {
		case relay.Name:
			if len(m.Config.Relay.Endpoints) == 0 {
				m.logger.Warn("No relay endpoints configured, skipping relay transport")
				continue
			}
			candidates = append(candidates,
				relay.NewTransport(m.Config.Relay, m.Clock, m.component("relay")))

		case wamp.Name:
			if m.Config.WAMP.RouterURL == "" {
				m.logger.Warn("No wamp router configured, skipping wamp transport")
				continue
			}
			conf := m.Config.WAMP
			if conf.CAFile == "" {
				conf.CAFile = m.Config.CertFile()
			}
			candidates = append(candidates,
				wamp.NewTransport(conf, m.component("wamp")))

		case loopback.Name:
			if m.Board == nil {
				m.logger.WithField("path", m.Config.Loopback.Dir).Debug("Opening loopback board")

				if err := os.MkdirAll(m.Config.Loopback.Dir, 0700); err != nil {
					return err
				}

				board, err := loopback.OpenBoard(m.Config.Loopback.Dir, m.component("board"))
				if err != nil {
					return fmt.Errorf("opening loopback board: %w", err)
				}

				m.Board = board
				m.ownBoard = true
			}
			candidates = append(candidates,
				loopback.NewTransport(m.Board, m.Config.Loopback, m.Clock, m.component("loopback")))

		default:
			return fmt.Errorf("%q: %w", name, signal.ErrUnknownTransport)
		}
	}

	if len(candidates) == 0 {
		return ErrNoTransport
	}

	m.Selector = signal.NewSelector(m.Config.Selector, candidates, m.Clock, m.component("selector"))

	return nil
}

func (m *Murmur) initMedia() error {
	factory, err := media.NewPionFactory(m.Config.Media, m.component("media"))
	if err != nil {
		return err
	}

	m.Factory = factory
	m.Source = media.NewSilenceSource(m.ID, m.Clock, m.component("source"))
	m.Sink = media.NewDiscardSink(m.component("sink"))

	return nil
}

func (m *Murmur) initNode(ctx context.Context) error {
	m.Config.Node.Logger = m.logger.Logger

	m.Node = node.NewNode(
		&m.Config.Node,
		m.ID,
		m.Selector,
		m.Factory,
		m.Source,
		m.Sink,
		m.Clock,
	)

	if err := m.Node.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize node: %w", err)
	}

	return nil
}

// initRegistry never fails: the registry is a convenience, and an
// unreachable one only disables it.
func (m *Murmur) initRegistry(ctx context.Context) error {
	switch m.Config.Registry {
	case config.RegistryMemory:
		m.Registry = registry.NewMemory(m.ID, m.Clock, m.component("registry"))
	case config.RegistryRedis:
		r, err := registry.NewRedis(ctx, m.Config.Redis, m.ID, m.Clock, m.component("registry"))
		if err != nil {
			m.logger.WithError(err).Warn("Registry unavailable")
			return nil
		}
		m.Registry = r
	default:
		m.logger.Debug("No registry")
	}
	return nil
}

func (m *Murmur) initService() error {
	if !m.Config.NoService {
		m.Service = service.NewService(
			m.Config.ServiceAddr,
			m.Node,
			m.Registry,
			m.Config.JWTSecret,
			m.component("service"),
		)
	}
	return nil
}

// Init builds every component. The transports are selected, but no channel
// is joined.
func (m *Murmur) Init(ctx context.Context) error {
	if err := m.initID(); err != nil {
		return err
	}

	if err := m.initTransports(); err != nil {
		return err
	}

	if err := m.initMedia(); err != nil {
		return err
	}

	if err := m.initNode(ctx); err != nil {
		return err
	}

	if err := m.initRegistry(ctx); err != nil {
		return err
	}

	if err := m.initService(); err != nil {
		return err
	}

	return nil
}

// RunAsync starts the service and the node, and joins the configured
// channel if any
func (m *Murmur) RunAsync(ctx context.Context) {
	if m.Service != nil {
		go m.Service.Serve()
	}

	m.Node.RunAsync()

	if m.Config.Channel != "" {
		if err := m.Join(ctx, m.Config.Channel); err != nil {
			m.logger.WithError(err).WithField("channel", m.Config.Channel).Error("Cannot join channel")
		}
	}
}

// Run is RunAsync, blocking until Shutdown
func (m *Murmur) Run(ctx context.Context) {
	m.RunAsync(ctx)
	<-m.Node.Done()
}

// Join registers the participation with the registry, on a best-effort
// basis, and joins the channel
func (m *Murmur) Join(ctx context.Context, channel string) error {
	if m.Registry != nil {
		if prev := m.Node.Channel(); prev != "" && prev != channel {
			if err := m.Registry.LeaveChannel(ctx, prev); err != nil {
				m.logger.WithError(err).Debug("Registry leave failed")
			}
		}

		_, err := registry.JoinOrCreate(ctx, m.Registry, channel, m.Config.ChannelName)
		switch {
		case errors.Is(err, registry.ErrChannelInactive):
			return err
		case err != nil:
			m.logger.WithError(err).Warn("Registry unavailable, joining anyway")
		}
	}

	return m.Node.JoinChannel(ctx, channel)
}

// Leave leaves the current channel
func (m *Murmur) Leave(ctx context.Context) error {
	channel := m.Node.Channel()

	if err := m.Node.LeaveChannel(ctx); err != nil {
		return err
	}

	if m.Registry != nil {
		if err := m.Registry.LeaveChannel(ctx, channel); err != nil {
			m.logger.WithError(err).Debug("Registry leave failed")
		}
	}

	return nil
}

// Shutdown leaves the channel and releases every component
func (m *Murmur) Shutdown(ctx context.Context) error {
	var err error

	if m.Node != nil && m.Node.Channel() != "" {
		if lerr := m.Leave(ctx); lerr != nil && !errors.Is(lerr, node.ErrNotJoined) {
			err = multierr.Append(err, lerr)
		}
	}

	if m.Service != nil {
		err = multierr.Append(err, m.Service.Shutdown(ctx))
	}

	if m.Node != nil {
		m.Node.Shutdown()
	}

	if m.Registry != nil {
		err = multierr.Append(err, m.Registry.Close())
	}

	if m.Board != nil && m.ownBoard {
		err = multierr.Append(err, m.Board.Close())
	}

	return err
}
