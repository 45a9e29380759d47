// Package loopback implements a signal.Transport for peers living in the same
// process, or sharing the same board directory one after the other.
//
// Envelopes are posted to a Board, a badger database shared by every loopback
// Transport of the process. Subscribers poll the board for new entries of
// their channel and prune the entries that have outlived the horizon.
package loopback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mosaicnetworks/murmur/src/net/signal"
	"github.com/sirupsen/logrus"
)

// Name is the name under which the transport registers
const Name = "loopback"

// Config configures a loopback Transport
type Config struct {
	Dir          string        `mapstructure:"dir"`
	PollInterval time.Duration `mapstructure:"poll-interval"`
	Horizon      time.Duration `mapstructure:"horizon"`
}

// DefaultConfig returns the default loopback configuration
func DefaultConfig() Config {
	return Config{
		PollInterval: 250 * time.Millisecond,
		Horizon:      30 * time.Second,
	}
}

// Transport reads and writes envelopes on a shared Board
type Transport struct {
	board  *Board
	conf   Config
	clock  clock.Clock
	logger *logrus.Entry

	mu          sync.Mutex
	initialized bool
	channel     string
	handler     signal.Handler
	cursor      []byte
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewTransport creates a Transport on top of a Board. The Board is not owned
// by the Transport and is not closed by Disconnect.
func NewTransport(board *Board, conf Config, clk clock.Clock, logger *logrus.Entry) *Transport {
	return &Transport{
		board:  board,
		conf:   conf,
		clock:  clk,
		logger: logger,
	}
}

// Name implements signal.Transport
func (t *Transport) Name() string {
	return Name
}

// Initialize implements signal.Transport
func (t *Transport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.board == nil || !t.board.Open() {
		return fmt.Errorf("loopback board unavailable: %w", signal.ErrNotConnected)
	}

	t.initialized = true

	return nil
}

// SelfTest implements signal.Transport
func (t *Transport) SelfTest(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialized && t.board.Open()
}

// Subscribe implements signal.Transport. Only entries posted from now on are
// delivered.
func (t *Transport) Subscribe(ctx context.Context, channelID string, handler signal.Handler) error {
	t.stopPolling()

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.initialized {
		return fmt.Errorf("loopback subscribe: %w", signal.ErrNotConnected)
	}

	t.channel = channelID
	t.handler = handler
	t.cursor = cursorAt(channelID, t.clock.Now())
	t.stopCh = make(chan struct{})

	t.wg.Add(1)
	go t.poll(channelID, handler, t.stopCh)

	return nil
}

func (t *Transport) poll(channelID string, handler signal.Handler, stopCh chan struct{}) {
	defer t.wg.Done()

	ticker := t.clock.Ticker(t.conf.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			t.pollOnce(channelID, handler)
		}
	}
}

func (t *Transport) pollOnce(channelID string, handler signal.Handler) {
	t.mu.Lock()
	cursor := t.cursor
	t.mu.Unlock()

	envs, last, err := t.board.ReadAfter(channelID, cursor)
	if err != nil {
		t.logger.WithError(err).Debug("Reading board failed")
		return
	}

	t.mu.Lock()
	t.cursor = last
	t.mu.Unlock()

	for _, env := range envs {
		handler(env)
	}

	n, err := t.board.Prune(channelID, t.clock.Now().Add(-t.conf.Horizon))
	if err != nil {
		t.logger.WithError(err).Debug("Pruning board failed")
	} else if n > 0 {
		t.logger.WithField("entries", n).Debug("Pruned board")
	}
}

// Publish implements signal.Transport
func (t *Transport) Publish(ctx context.Context, env signal.Envelope) error {
	if !t.SelfTest(ctx) {
		return fmt.Errorf("loopback publish %s: %w", env.Kind, signal.ErrNotConnected)
	}

	env.Via = Name

	if err := t.board.Post(env, t.clock.Now()); err != nil {
		return fmt.Errorf("loopback publish %s: %w", env.Kind, err)
	}

	return nil
}

func (t *Transport) stopPolling() {
	t.mu.Lock()
	stopCh := t.stopCh
	t.stopCh = nil
	t.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		t.wg.Wait()
	}
}

// Unsubscribe implements signal.Transport
func (t *Transport) Unsubscribe(ctx context.Context) error {
	t.stopPolling()

	t.mu.Lock()
	t.channel = ""
	t.handler = nil
	t.mu.Unlock()

	return nil
}

// Disconnect implements signal.Transport
func (t *Transport) Disconnect() error {
	t.Unsubscribe(context.Background())

	t.mu.Lock()
	t.initialized = false
	t.mu.Unlock()

	return nil
}
