package wamp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"sync"
	"time"

	"github.com/gammazero/nexus/v3/client"
	"github.com/gammazero/nexus/v3/router"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/mosaicnetworks/murmur/src/net/signal"
	"github.com/sirupsen/logrus"
)

// Config configures a wamp Transport
type Config struct {
	RouterURL          string        `mapstructure:"router"`
	Realm              string        `mapstructure:"realm"`
	TopicPrefix        string        `mapstructure:"topic-prefix"`
	CAFile             string        `mapstructure:"ca-file"`
	InsecureSkipVerify bool          `mapstructure:"insecure-skip-verify"`
	ResponseTimeout    time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns the default wamp configuration, without a router URL
func DefaultConfig() Config {
	return Config{
		Realm:           "murmur",
		TopicPrefix:     "io.murmur.channel",
		ResponseTimeout: 5 * time.Second,
	}
}

type connectFn func(ctx context.Context, cfg client.Config) (*client.Client, error)

// Transport publishes and receives envelopes through a WAMP router
type Transport struct {
	conf    Config
	connect connectFn
	logger  *logrus.Entry

	mu      sync.Mutex
	client  *client.Client
	topic   string
	channel string
	handler signal.Handler
}

// NewTransport creates a Transport that dials the router at conf.RouterURL
func NewTransport(conf Config, logger *logrus.Entry) *Transport {
	t := &Transport{
		conf:   conf,
		logger: logger,
	}
	t.connect = func(ctx context.Context, cfg client.Config) (*client.Client, error) {
		if conf.RouterURL == "" {
			return nil, errors.New("no wamp router configured")
		}
		tlscfg, err := tlsConfig(conf, logger)
		if err != nil {
			return nil, err
		}
		cfg.TlsCfg = tlscfg
		return client.ConnectNet(ctx, conf.RouterURL, cfg)
	}
	return t
}

// NewLocalTransport creates a Transport attached to an in-process router
func NewLocalTransport(r router.Router, conf Config, logger *logrus.Entry) *Transport {
	return &Transport{
		conf:   conf,
		logger: logger,
		connect: func(ctx context.Context, cfg client.Config) (*client.Client, error) {
			return client.ConnectLocal(r, cfg)
		},
	}
}

func tlsConfig(conf Config, logger *logrus.Entry) (*tls.Config, error) {
	tlscfg := &tls.Config{}

	if conf.InsecureSkipVerify {
		logger.Debug("Skip Verify. Accepting any certificate provided by wamp router.")
		tlscfg.InsecureSkipVerify = true
		return tlscfg, nil
	}

	if conf.CAFile == "" {
		return tlscfg, nil
	}

	if _, err := os.Stat(conf.CAFile); os.IsNotExist(err) {
		logger.Debugf("No certificate file found. Relying on platform trusted certificates.")
		return tlscfg, nil
	}

	certPEM, err := ioutil.ReadFile(conf.CAFile)
	if err != nil {
		return nil, err
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(certPEM) {
		return nil, errors.New("failed to import certificate to trust")
	}
	tlscfg.RootCAs = roots

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("failed to decode certificate to trust")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}

	logger.Debugf("Trusting certificate %s with CN: %s", conf.CAFile, cert.Subject.CommonName)

	// Validate against the CN of the trusted cert even if the router's DNS
	// name differs.
	tlscfg.ServerName = cert.Subject.CommonName

	return tlscfg, nil
}

// Name implements signal.Transport
func (t *Transport) Name() string {
	return Name
}

// Initialize implements signal.Transport. If the session to the router was
// lost, a new one is opened and the current channel is subscribed again.
func (t *Transport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil && t.client.Connected() {
		return nil
	}

	cli, err := t.connect(ctx, client.Config{
		Realm:           t.conf.Realm,
		ResponseTimeout: t.conf.ResponseTimeout,
		Logger:          t.logger,
	})
	if err != nil {
		return fmt.Errorf("connecting to wamp router: %w", err)
	}

	t.client = cli
	go t.watch(cli)

	if t.channel != "" {
		if err := t.subscribe(t.channel, t.handler); err != nil {
			return err
		}
	}

	return nil
}

func (t *Transport) watch(cli *client.Client) {
	<-cli.Done()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == cli {
		t.logger.Info("Wamp session closed")
		t.client = nil
		t.topic = ""
	}
}

// SelfTest implements signal.Transport
func (t *Transport) SelfTest(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client != nil && t.client.Connected()
}

// Subscribe implements signal.Transport
func (t *Transport) Subscribe(ctx context.Context, channelID string, handler signal.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.channel = channelID
	t.handler = handler

	if t.client == nil {
		t.logger.WithField("channel", channelID).Debug("Not connected. Subscription deferred")
		return nil
	}

	return t.subscribe(channelID, handler)
}

// subscribe must be called with the lock held
func (t *Transport) subscribe(channelID string, handler signal.Handler) error {
	if t.topic != "" {
		if err := t.client.Unsubscribe(t.topic); err != nil {
			t.logger.WithError(err).WithField("topic", t.topic).Debug("Unsubscribe failed")
		}
		t.topic = ""
	}

	topic := Topic(t.conf.TopicPrefix, channelID)

	err := t.client.Subscribe(topic, func(event *wamp.Event) {
		t.onEvent(channelID, handler, event)
	}, nil)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	t.topic = topic

	t.logger.WithField("topic", topic).Debug("Subscribed")

	return nil
}

func (t *Transport) onEvent(channelID string, handler signal.Handler, event *wamp.Event) {
	if len(event.Arguments) != 1 {
		t.logger.Debugf("Event should contain 1 argument, not %d", len(event.Arguments))
		return
	}

	raw, ok := wamp.AsString(event.Arguments[0])
	if !ok {
		t.logger.Debug("Error reading event argument")
		return
	}

	env, err := signal.Decode([]byte(raw))
	if err != nil {
		t.logger.WithError(err).Debug("Dropping wamp event")
		return
	}

	// Sanitized topics may collide
	if env.ChannelID != channelID {
		return
	}

	handler(env)
}

// Publish implements signal.Transport
func (t *Transport) Publish(ctx context.Context, env signal.Envelope) error {
	t.mu.Lock()
	cli := t.client
	t.mu.Unlock()

	if cli == nil || !cli.Connected() {
		return fmt.Errorf("wamp publish %s: %w", env.Kind, signal.ErrNotConnected)
	}

	env.Via = Name

	raw, err := env.Encode()
	if err != nil {
		return err
	}

	topic := Topic(t.conf.TopicPrefix, env.ChannelID)

	if err := cli.Publish(topic, nil, wamp.List{string(raw)}, nil); err != nil {
		return fmt.Errorf("wamp publish %s: %v: %w", env.Kind, err, signal.ErrNotConnected)
	}

	return nil
}

// Unsubscribe implements signal.Transport
func (t *Transport) Unsubscribe(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.channel = ""
	t.handler = nil

	if t.client == nil || t.topic == "" {
		return nil
	}

	topic := t.topic
	t.topic = ""

	return t.client.Unsubscribe(topic)
}

// Disconnect implements signal.Transport
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	cli := t.client
	t.client = nil
	t.topic = ""
	t.mu.Unlock()

	if cli == nil {
		return nil
	}

	return cli.Close()
}
