// Package relay implements a signal.Transport over a websocket connection to a
// relay server.
//
// The relay protocol is minimal: every frame is a JSON signal.Envelope. A
// frame of kind "subscribe" registers the socket for the frame's channel (an
// empty channel unregisters it), and the relay forwards every other frame to
// all the sockets subscribed to the same channel, including the sender.
//
// The transport keeps the connection alive with websocket pings and, when the
// connection drops, reconnects after a delay, rotating through the list of
// endpoints and subscribing again to the last channel.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/mosaicnetworks/murmur/src/net/signal"
	"github.com/sirupsen/logrus"
)

// Name is the name under which the transport registers
const Name = "relay"

// Config configures a relay Transport
type Config struct {
	Endpoints           []string      `mapstructure:"endpoints"`
	HealthChecks        int           `mapstructure:"health-checks"`
	HealthCheckInterval time.Duration `mapstructure:"health-check-interval"`
	KeepaliveInterval   time.Duration `mapstructure:"keepalive"`
	ReconnectDelay      time.Duration `mapstructure:"reconnect-delay"`
	FailuresPerEndpoint int           `mapstructure:"failures-per-endpoint"`
	HandshakeTimeout    time.Duration `mapstructure:"handshake-timeout"`
	WriteTimeout        time.Duration `mapstructure:"write-timeout"`
}

// DefaultConfig returns the default relay configuration, without endpoints
func DefaultConfig() Config {
	return Config{
		HealthChecks:        3,
		HealthCheckInterval: 100 * time.Millisecond,
		KeepaliveInterval:   25 * time.Second,
		ReconnectDelay:      3 * time.Second,
		FailuresPerEndpoint: 2,
		HandshakeTimeout:    10 * time.Second,
		WriteTimeout:        10 * time.Second,
	}
}

// Transport is a websocket relay client
type Transport struct {
	conf   Config
	clock  clock.Clock
	logger *logrus.Entry
	dialer websocket.Dialer

	mu             sync.Mutex
	conn           *websocket.Conn
	connDone       chan struct{}
	probation      bool
	endpoint       int
	failures       int
	channel        string
	handler        signal.Handler
	closed         bool
	reconnectTimer *clock.Timer

	// dialMu serializes connection attempts so that a single connection is
	// ever open
	dialMu sync.Mutex

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewTransport creates a relay Transport. It does not connect until
// Initialize is called.
func NewTransport(conf Config, clk clock.Clock, logger *logrus.Entry) *Transport {
	if conf.FailuresPerEndpoint < 1 {
		conf.FailuresPerEndpoint = 1
	}

	return &Transport{
		conf:   conf,
		clock:  clk,
		logger: logger,
		dialer: websocket.Dialer{
			HandshakeTimeout: conf.HandshakeTimeout,
		},
	}
}

// Name implements signal.Transport
func (t *Transport) Name() string {
	return Name
}

// Initialize implements signal.Transport. It tries the endpoints in order,
// giving each one FailuresPerEndpoint attempts. An attempt succeeds when the
// connection survives HealthChecks consecutive checks.
func (t *Transport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	t.closed = false
	t.stopReconnect()
	t.mu.Unlock()

	if len(t.conf.Endpoints) == 0 {
		return fmt.Errorf("no relay endpoint: %w", signal.ErrNotConnected)
	}

	var err error
	attempts := len(t.conf.Endpoints) * t.conf.FailuresPerEndpoint
	for i := 0; i < attempts; i++ {
		if err = t.establish(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("all relay endpoints failed: %w", err)
}

// establish connects to the current endpoint unless a healthy connection
// already exists. A dial error or a failed health check counts against the
// endpoint.
func (t *Transport) establish(ctx context.Context) error {
	t.dialMu.Lock()
	defer t.dialMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return signal.ErrNotConnected
	}
	if t.conn != nil && !t.probation {
		t.mu.Unlock()
		return nil
	}
	url := t.conf.Endpoints[t.endpoint]
	t.mu.Unlock()

	logger := t.logger.WithField("endpoint", url)

	conn, err := t.connect(ctx, url)
	if err == nil {
		err = t.healthCheck(ctx, conn)
	}
	if err != nil {
		logger.WithError(err).Debug("Relay endpoint failed")
		t.fail(conn)
		return err
	}

	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		t.fail(nil)
		return fmt.Errorf("relay closed after health check: %w", signal.ErrNotConnected)
	}
	t.probation = false
	t.failures = 0
	channel := t.channel
	t.mu.Unlock()

	logger.Debug("Connected to relay")

	if channel != "" {
		if err := t.sendSubscribe(conn, channel); err != nil {
			logger.WithError(err).Debug("Resubscribe failed")
		}
	}

	return nil
}

// connect dials url and starts the connection goroutines. The connection
// stays on probation, invisible to SelfTest and Publish, until it passes
// the health checks.
func (t *Transport) connect(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return nil, signal.ErrNotConnected
	}
	t.conn = conn
	t.connDone = make(chan struct{})
	t.probation = true
	done := t.connDone
	t.wg.Add(2)
	t.mu.Unlock()

	go t.readLoop(conn)
	go t.keepalive(conn, done)

	return conn, nil
}

func (t *Transport) healthCheck(ctx context.Context, conn *websocket.Conn) error {
	for i := 0; i < t.conf.HealthChecks; i++ {
		timer := t.clock.Timer(t.conf.HealthCheckInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}

		t.mu.Lock()
		open := t.conn == conn
		t.mu.Unlock()

		if !open {
			return fmt.Errorf("relay closed during health check: %w", signal.ErrNotConnected)
		}
	}
	return nil
}

// fail discards conn, if any, and counts a failure against the current
// endpoint, moving to the next one after FailuresPerEndpoint failures in a
// row.
func (t *Transport) fail(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn != nil && t.conn == conn {
		t.conn = nil
		t.probation = false
		close(t.connDone)
	}

	t.failures++
	if t.failures >= t.conf.FailuresPerEndpoint {
		t.failures = 0
		t.endpoint = (t.endpoint + 1) % len(t.conf.Endpoints)
	}

	if conn != nil {
		conn.Close()
	}
}

// stopReconnect must be called with mu held
func (t *Transport) stopReconnect() {
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	defer t.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.WithError(err).Debug("Relay read error")
			}
			t.onClosed(conn)
			return
		}

		env, err := signal.Decode(data)
		if err != nil {
			t.logger.WithError(err).Debug("Dropping relay frame")
			continue
		}

		if env.Kind == signal.KindSubscribe {
			continue
		}

		t.mu.Lock()
		handler := t.handler
		channel := t.channel
		t.mu.Unlock()

		if handler == nil || env.ChannelID != channel {
			continue
		}

		handler(env)
	}
}

func (t *Transport) keepalive(conn *websocket.Conn, done chan struct{}) {
	defer t.wg.Done()

	ticker := t.clock.Ticker(t.conf.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.conf.WriteTimeout))
			t.writeMu.Unlock()
			if err != nil {
				t.logger.WithError(err).Debug("Keepalive ping failed")
			}
		}
	}
}

// onClosed is called by the read loop when a connection terminates. Unless
// the transport was disconnected on purpose, or the connection is still on
// probation, a reconnection is scheduled.
func (t *Transport) onClosed(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != conn {
		return
	}

	conn.Close()
	t.conn = nil
	close(t.connDone)

	if t.closed || t.probation {
		t.probation = false
		return
	}

	t.logger.WithField("delay", t.conf.ReconnectDelay).Info("Relay connection lost. Reconnecting")

	t.stopReconnect()
	t.reconnectTimer = t.clock.AfterFunc(t.conf.ReconnectDelay, t.reconnect)
}

func (t *Transport) reconnect() {
	t.mu.Lock()
	t.reconnectTimer = nil
	if t.closed || t.conn != nil {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	timeout := t.conf.HandshakeTimeout + time.Duration(t.conf.HealthChecks+1)*t.conf.HealthCheckInterval
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := t.establish(ctx); err != nil {
		t.mu.Lock()
		if !t.closed && t.conn == nil && t.reconnectTimer == nil {
			t.reconnectTimer = t.clock.AfterFunc(t.conf.ReconnectDelay, t.reconnect)
		}
		t.mu.Unlock()
	}
}

func (t *Transport) write(conn *websocket.Conn, env signal.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(t.conf.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) sendSubscribe(conn *websocket.Conn, channel string) error {
	return t.write(conn, signal.Envelope{
		Kind:      signal.KindSubscribe,
		ChannelID: channel,
		Timestamp: t.clock.Now().UnixMilli(),
	})
}

// ready returns the connection if it passed its health checks
func (t *Transport) ready() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.probation {
		return nil
	}
	return t.conn
}

// SelfTest implements signal.Transport. It reports whether a healthy
// websocket is currently open.
func (t *Transport) SelfTest(ctx context.Context) bool {
	return t.ready() != nil
}

// Subscribe implements signal.Transport. When the relay is unreachable the
// subscription is remembered and sent on the next reconnection.
func (t *Transport) Subscribe(ctx context.Context, channelID string, handler signal.Handler) error {
	t.mu.Lock()
	t.channel = channelID
	t.handler = handler
	t.mu.Unlock()

	conn := t.ready()

	if conn == nil {
		t.logger.WithField("channel", channelID).Debug("Not connected. Subscription deferred")
		return nil
	}

	return t.sendSubscribe(conn, channelID)
}

// Publish implements signal.Transport
func (t *Transport) Publish(ctx context.Context, env signal.Envelope) error {
	conn := t.ready()

	if conn == nil {
		return fmt.Errorf("relay publish %s: %w", env.Kind, signal.ErrNotConnected)
	}

	env.Via = Name

	if err := t.write(conn, env); err != nil {
		return fmt.Errorf("relay publish %s: %v: %w", env.Kind, err, signal.ErrNotConnected)
	}

	return nil
}

// Unsubscribe implements signal.Transport
func (t *Transport) Unsubscribe(ctx context.Context) error {
	t.mu.Lock()
	t.channel = ""
	t.handler = nil
	t.mu.Unlock()

	conn := t.ready()

	if conn == nil {
		return nil
	}

	return t.sendSubscribe(conn, "")
}

// Disconnect implements signal.Transport. It closes the websocket, cancels any
// pending reconnection and waits for the connection goroutines to return.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.closed = true
	t.stopReconnect()
	conn := t.conn
	t.mu.Unlock()

	var err error
	if conn != nil {
		t.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(t.conf.WriteTimeout))
		t.writeMu.Unlock()
		err = conn.Close()
	}

	t.wg.Wait()

	return err
}
