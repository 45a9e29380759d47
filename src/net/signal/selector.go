package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// SelectorConfig controls how hard the Selector tries the preferred transport
// before falling back to the others.
type SelectorConfig struct {
	PrimaryAttempts   int           `mapstructure:"primary-attempts"`
	PrimaryRetryDelay time.Duration `mapstructure:"primary-retry-delay"`
	PrimaryTimeout    time.Duration `mapstructure:"primary-timeout"`
}

// DefaultSelectorConfig returns the default SelectorConfig
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		PrimaryAttempts:   3,
		PrimaryRetryDelay: 500 * time.Millisecond,
		PrimaryTimeout:    5 * time.Second,
	}
}

// Selector owns an ordered list of candidate transports and keeps track of
// the single one that is active for outbound traffic. The mutating methods
// (SelectActive, SwitchTo, Close) are meant to be called from a single
// goroutine; Active, ActiveName and Publish are safe from anywhere.
type Selector struct {
	conf       SelectorConfig
	candidates []Transport
	byName     map[string]Transport
	clock      clock.Clock
	logger     *logrus.Entry

	activeLock sync.RWMutex
	active     Transport
}

// NewSelector creates a Selector over the candidates, in order of preference
func NewSelector(conf SelectorConfig, candidates []Transport, clk clock.Clock, logger *logrus.Entry) *Selector {
	byName := make(map[string]Transport, len(candidates))
	for _, t := range candidates {
		byName[t.Name()] = t
	}

	if conf.PrimaryAttempts < 1 {
		conf.PrimaryAttempts = 1
	}

	return &Selector{
		conf:       conf,
		candidates: candidates,
		byName:     byName,
		clock:      clk,
		logger:     logger,
	}
}

// SelectActive picks the active transport. The first candidate gets several
// attempts within PrimaryTimeout, the others a single one. If every candidate
// fails, the last one becomes active anyway: the node still joins and relies
// on the transport's own reconnection.
func (s *Selector) SelectActive(ctx context.Context) (Transport, error) {
	if len(s.candidates) == 0 {
		return nil, ErrNoTransport
	}

	if s.tryPrimary(ctx) {
		return s.setActive(s.candidates[0]), nil
	}

	for _, t := range s.candidates[1:] {
		if s.try(ctx, t) {
			return s.setActive(t), nil
		}
	}

	last := s.candidates[len(s.candidates)-1]
	s.logger.WithField("transport", last.Name()).Warn("No transport passed self test. Using last candidate")

	return s.setActive(last), nil
}

func (s *Selector) tryPrimary(ctx context.Context) bool {
	primary := s.candidates[0]

	pctx, cancel := context.WithTimeout(ctx, s.conf.PrimaryTimeout)
	defer cancel()

	for attempt := 1; attempt <= s.conf.PrimaryAttempts; attempt++ {
		if s.try(pctx, primary) {
			return true
		}

		if attempt == s.conf.PrimaryAttempts {
			break
		}

		timer := s.clock.Timer(s.conf.PrimaryRetryDelay)
		select {
		case <-timer.C:
		case <-pctx.Done():
			timer.Stop()
			s.logger.WithField("transport", primary.Name()).Debug("Primary transport timed out")
			return false
		}
	}

	return false
}

func (s *Selector) try(ctx context.Context, t Transport) bool {
	logger := s.logger.WithField("transport", t.Name())

	if err := t.Initialize(ctx); err != nil {
		logger.WithError(err).Debug("Initialize failed")
		return false
	}

	if !t.SelfTest(ctx) {
		logger.Debug("Self test failed")
		return false
	}

	logger.Debug("Transport ready")

	return true
}

func (s *Selector) setActive(t Transport) Transport {
	s.activeLock.Lock()
	s.active = t
	s.activeLock.Unlock()
	return t
}

// Active returns the active transport, or nil if none was selected yet
func (s *Selector) Active() Transport {
	s.activeLock.RLock()
	defer s.activeLock.RUnlock()
	return s.active
}

// ActiveName returns the name of the active transport, or an empty string
func (s *Selector) ActiveName() string {
	if t := s.Active(); t != nil {
		return t.Name()
	}
	return ""
}

// Names returns the names of the candidates in order of preference
func (s *Selector) Names() []string {
	res := make([]string, 0, len(s.candidates))
	for _, t := range s.candidates {
		res = append(res, t.Name())
	}
	return res
}

// SwitchTo makes the named transport active. The target is initialized and
// self-tested first; if that fails the error is returned and nothing changes.
// Otherwise onSwap runs, the previous transport is unsubscribed, and the
// target is subscribed to channelID with handler (when channelID is not
// empty). If that subscription fails, the previous transport is resubscribed
// and stays active.
func (s *Selector) SwitchTo(ctx context.Context, name, channelID string, handler Handler, onSwap func()) error {
	target, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownTransport)
	}

	prev := s.Active()
	if prev == target {
		return nil
	}

	if err := target.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing %s: %w", name, err)
	}

	if !target.SelfTest(ctx) {
		return fmt.Errorf("%s failed self test: %w", name, ErrNotConnected)
	}

	if onSwap != nil {
		onSwap()
	}

	if channelID != "" {
		if prev != nil {
			if err := prev.Unsubscribe(ctx); err != nil {
				s.logger.WithError(err).WithField("transport", prev.Name()).Debug("Unsubscribe failed")
			}
		}

		if err := target.Subscribe(ctx, channelID, handler); err != nil {
			if prev != nil {
				if rerr := prev.Subscribe(ctx, channelID, handler); rerr != nil {
					s.logger.WithError(rerr).WithField("transport", prev.Name()).Error("Resubscribe failed")
				}
			}
			return fmt.Errorf("subscribing %s: %w", name, err)
		}
	}

	s.setActive(target)
	transportSwitches.Inc()

	s.logger.WithField("transport", name).Info("Switched transport")

	return nil
}

// Publish sends an envelope through the active transport
func (s *Selector) Publish(ctx context.Context, env Envelope) error {
	t := s.Active()
	if t == nil {
		return ErrNotConnected
	}

	if err := t.Publish(ctx, env); err != nil {
		publishErrors.WithLabelValues(t.Name()).Inc()
		return err
	}

	publishedEnvelopes.WithLabelValues(t.Name(), string(env.Kind)).Inc()

	return nil
}

// Close disconnects every candidate
func (s *Selector) Close() error {
	var err error
	for _, t := range s.candidates {
		err = multierr.Append(err, t.Disconnect())
	}
	s.setActive(nil)
	return err
}
