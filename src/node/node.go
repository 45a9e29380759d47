package node

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mosaicnetworks/murmur/src/media"
	"github.com/mosaicnetworks/murmur/src/net/signal"
	"github.com/mosaicnetworks/murmur/src/peers"
	"github.com/mosaicnetworks/murmur/src/quality"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotJoined is returned by operations that need a channel
	ErrNotJoined = errors.New("not in a channel")

	// ErrShutdown is returned once the node is shut down
	ErrShutdown = errors.New("node is shut down")
)

const queueSize = 256

// Node is the signaling core of a murmur peer. It joins one channel at a time,
// announces itself, and maintains one Session per remote participant.
//
// All the state of the Node is owned by a single event loop goroutine (see
// Run). Intents, transport deliveries, timer expirations and connection
// callbacks are all queued as closures and executed one after the other.
// Readers get copies through a view that is refreshed after every change.
type Node struct {
	state

	conf   *Config
	id     string
	logger *logrus.Entry
	clock  clock.Clock

	selector    *signal.Selector
	dedup       *signal.Deduplicator
	factory     media.Factory
	source      media.Source
	sink        media.Sink
	reconnector *Reconnector
	timers      *timerRegistry
	bus         *eventBus

	queue        chan func()
	shutdownCh   chan struct{}
	doneCh       chan struct{}
	shutdownOnce sync.Once
	runOnce      sync.Once
	running      bool
	runLock      sync.Mutex

	// Owned by the event loop
	channel      string
	sessions     map[string]*Session
	participants *peers.ParticipantSet

	viewLock sync.RWMutex
	view     view

	start time.Time
}

// view is what external readers see of the Node
type view struct {
	channel      string
	participants []peers.Participant
	sessions     []SessionInfo
	quality      map[string]quality.Sample
	connected    bool
}

// NewNode is a factory method that returns a Node instance. The Node does
// nothing until Init and Run are called.
func NewNode(conf *Config,
	id string,
	selector *signal.Selector,
	factory media.Factory,
	source media.Source,
	sink media.Sink,
	clk clock.Clock,
) *Node {
	logger := conf.Logger.WithFields(logrus.Fields{
		"prefix":  "node",
		"this_id": id,
	})

	n := &Node{
		conf:         conf,
		id:           id,
		logger:       logger,
		clock:        clk,
		selector:     selector,
		dedup:        signal.NewDeduplicator(conf.DigestBytes),
		factory:      factory,
		source:       source,
		sink:         sink,
		reconnector:  NewReconnector(conf),
		bus:          newEventBus(conf.EventBuffer, logger),
		queue:        make(chan func(), queueSize),
		shutdownCh:   make(chan struct{}),
		doneCh:       make(chan struct{}),
		sessions:     make(map[string]*Session),
		participants: peers.NewParticipantSet(),
		start:        clk.Now(),
	}

	n.timers = newTimerRegistry(clk, func(fn func()) {
		n.enqueue(fn)
	})

	return n
}

// Init selects the active transport
func (n *Node) Init(ctx context.Context) error {
	t, err := n.selector.SelectActive(ctx)
	if err != nil {
		return err
	}

	n.logger.WithField("transport", t.Name()).Info("Transport selected")

	n.emit(TransportConnected{Name: t.Name()})

	return nil
}

// RunAsync calls Run in a separate goroutine
func (n *Node) RunAsync() {
	go n.Run()
}

// Run executes the event loop until Shutdown
func (n *Node) Run() {
	started := false
	n.runOnce.Do(func() {
		n.runLock.Lock()
		n.running = true
		n.runLock.Unlock()
		started = true
	})
	if !started {
		return
	}

	defer close(n.doneCh)

	for {
		select {
		case fn := <-n.queue:
			fn()
		case <-n.shutdownCh:
			return
		}
	}
}

// Done is closed when the event loop started by Run returns
func (n *Node) Done() <-chan struct{} {
	return n.doneCh
}

func (n *Node) isRunning() bool {
	n.runLock.Lock()
	defer n.runLock.Unlock()
	return n.running
}

// enqueue hands a closure to the event loop
func (n *Node) enqueue(fn func()) error {
	select {
	case <-n.shutdownCh:
		return ErrShutdown
	default:
	}

	select {
	case n.queue <- fn:
		return nil
	case <-n.shutdownCh:
		return ErrShutdown
	}
}

// call runs fn on the event loop and waits for its result
func (n *Node) call(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)

	if err := n.enqueue(func() { errCh <- fn() }); err != nil {
		return err
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-n.doneCh:
		return ErrShutdown
	}
}

// JoinChannel leaves the current channel, if any, and joins another one
func (n *Node) JoinChannel(ctx context.Context, channelID string) error {
	if channelID == "" {
		return errors.New("empty channel id")
	}
	return n.call(ctx, func() error {
		return n.join(ctx, channelID)
	})
}

// LeaveChannel announces the departure, closes every session and
// unsubscribes from the channel
func (n *Node) LeaveChannel(ctx context.Context) error {
	return n.call(ctx, func() error {
		if n.channel == "" {
			return ErrNotJoined
		}
		n.leave(ctx)
		return nil
	})
}

// SwitchTransport makes another transport active. On failure the current
// transport and sessions are left untouched.
func (n *Node) SwitchTransport(ctx context.Context, name string) error {
	return n.call(ctx, func() error {
		return n.switchTransport(ctx, name)
	})
}

// ToggleMute flips the mute state of the local source and returns the new
// state
func (n *Node) ToggleMute() bool {
	muted := !n.source.Muted()
	n.source.SetMuted(muted)
	n.logger.WithField("muted", muted).Debug("Toggled mute")
	return muted
}

// Muted returns the mute state of the local source
func (n *Node) Muted() bool {
	return n.source.Muted()
}

// Subscribe returns a channel of events and a function to stop receiving
// them
func (n *Node) Subscribe() (<-chan Event, func()) {
	return n.bus.subscribe()
}

func (n *Node) emit(ev Event) {
	n.bus.publish(ev)
}

// Shutdown leaves the channel, stops the event loop, cancels every timer and
// disconnects the transports
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.logger.Debug("Shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), n.conf.PublishTimeout)
		defer cancel()

		if n.isRunning() {
			n.call(ctx, func() error {
				if n.channel != "" {
					n.leave(ctx)
				}
				return nil
			})
		} else if n.channel != "" {
			n.leave(ctx)
		}

		n.setState(Shutdown)

		close(n.shutdownCh)

		if n.isRunning() {
			<-n.doneCh
		}

		n.timers.CancelAll()

		if err := n.selector.Close(); err != nil {
			n.logger.WithError(err).Debug("Closing transports")
		}

		n.source.Close()

		n.bus.close()
	})
}

// ID returns the PeerID of the node
func (n *Node) ID() string {
	return n.id
}

// GetState returns the lifecycle state of the node
func (n *Node) GetState() State {
	return n.getState()
}

// Channel returns the channel the node is in, or an empty string
func (n *Node) Channel() string {
	n.viewLock.RLock()
	defer n.viewLock.RUnlock()
	return n.view.channel
}

// Participants returns the remote participants of the current channel
func (n *Node) Participants() []peers.Participant {
	n.viewLock.RLock()
	defer n.viewLock.RUnlock()
	res := make([]peers.Participant, len(n.view.participants))
	copy(res, n.view.participants)
	return res
}

// Sessions returns a copy of every session
func (n *Node) Sessions() []SessionInfo {
	n.viewLock.RLock()
	defer n.viewLock.RUnlock()
	res := make([]SessionInfo, len(n.view.sessions))
	copy(res, n.view.sessions)
	return res
}

// Session returns a copy of the session with a peer
func (n *Node) Session(peerID string) (SessionInfo, bool) {
	n.viewLock.RLock()
	defer n.viewLock.RUnlock()
	for _, s := range n.view.sessions {
		if s.PeerID == peerID {
			return s, true
		}
	}
	return SessionInfo{}, false
}

// Quality returns the latest quality sample of every connected peer
func (n *Node) Quality() map[string]quality.Sample {
	n.viewLock.RLock()
	defer n.viewLock.RUnlock()
	res := make(map[string]quality.Sample, len(n.view.quality))
	for k, v := range n.view.quality {
		res[k] = v
	}
	return res
}

// ActiveTransport returns the name of the active transport
func (n *Node) ActiveTransport() string {
	return n.selector.ActiveName()
}

// Transports returns the names of the available transports
func (n *Node) Transports() []string {
	return n.selector.Names()
}

// Connected returns true if at least one peer is connected
func (n *Node) Connected() bool {
	n.viewLock.RLock()
	defer n.viewLock.RUnlock()
	return n.view.connected
}

// publishView refreshes the copy of the state served to readers. It must be
// called from the event loop.
func (n *Node) publishView() {
	v := view{
		channel:      n.channel,
		participants: n.participants.List(),
		quality:      make(map[string]quality.Sample),
	}

	for _, s := range n.sessions {
		info := s.info()
		v.sessions = append(v.sessions, info)
		if s.State == Connected {
			v.connected = true
			if info.Quality != nil {
				v.quality[s.PeerID] = *info.Quality
			}
		}
	}

	n.viewLock.Lock()
	n.view = v
	n.viewLock.Unlock()

	n.updateSessionGauge()
}

// GetStats returns stats
func (n *Node) GetStats() map[string]string {
	sessions := n.Sessions()

	connected := 0
	for _, s := range sessions {
		if s.State == Connected.String() {
			connected++
		}
	}

	return map[string]string{
		"id":               n.id,
		"state":            n.getState().String(),
		"channel":          n.Channel(),
		"transport":        n.ActiveTransport(),
		"participants":     strconv.Itoa(len(n.Participants())),
		"sessions":         strconv.Itoa(len(sessions)),
		"connected_peers":  strconv.Itoa(connected),
		"dedup_window":     strconv.Itoa(n.dedup.Len()),
		"muted":            strconv.FormatBool(n.Muted()),
		"uptime":           n.clock.Since(n.start).Round(time.Second).String(),
		"pending_timers":   strconv.Itoa(n.timers.Len()),
		"max_retries":      strconv.Itoa(n.conf.MaxRetries),
		"quality_interval": n.conf.QualityInterval.String(),
	}
}

// join must be called from the event loop
func (n *Node) join(ctx context.Context, channelID string) error {
	if n.channel == channelID {
		return nil
	}

	if n.channel != "" {
		n.leave(ctx)
	}

	if err := n.source.Open(); err != nil {
		if !errors.Is(err, media.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %v", media.ErrSourceUnavailable, err)
		}
		n.emit(Error{Detail: err.Error()})
		return err
	}

	t := n.selector.Active()
	if t == nil {
		n.source.Close()
		return signal.ErrNoTransport
	}

	if err := t.Subscribe(ctx, channelID, n.onEnvelope); err != nil {
		n.source.Close()
		return fmt.Errorf("subscribing to %s: %w", channelID, err)
	}

	n.channel = channelID
	n.setState(Joined)
	n.dedup.Clear()

	n.timers.Every(dedupTimer, n.conf.DedupClearInterval, n.dedup.Clear)

	n.logger.WithFields(logrus.Fields{
		"channel":   channelID,
		"transport": t.Name(),
	}).Info("Joined channel")

	n.publishView()

	n.announce(1)

	return nil
}

// leave must be called from the event loop
func (n *Node) leave(ctx context.Context) {
	channel := n.channel

	if env, err := signal.NewEnvelope(signal.KindPeerLeft, n.id, "", channel, nil, n.clock.Now()); err == nil {
		if err := n.publish(env); err != nil {
			n.logger.WithError(err).Debug("Publishing peer-left failed")
		}
	}

	for _, s := range n.sessions {
		n.closeSession(s)
	}

	n.timers.CancelAll()
	n.participants.Clear()

	if t := n.selector.Active(); t != nil {
		if err := t.Unsubscribe(ctx); err != nil {
			n.logger.WithError(err).Debug("Unsubscribe failed")
		}
	}

	n.source.Close()

	n.channel = ""
	n.dedup.Clear()
	if n.getState() != Shutdown {
		n.setState(Detached)
	}

	n.logger.WithField("channel", channel).Info("Left channel")

	n.publishView()

	n.emit(ParticipantsChanged{Participants: []peers.Participant{}})
	n.emit(SessionLeft{})
}

// switchTransport must be called from the event loop
func (n *Node) switchTransport(ctx context.Context, name string) error {
	var handler signal.Handler
	if n.channel != "" {
		handler = n.onEnvelope
	}

	swapped := false
	onSwap := func() {
		swapped = true
		for _, s := range n.sessions {
			n.teardown(s)
			n.timers.CancelSession(s.PeerID)
			if s.State != Failed {
				s.State = Failed
				s.LastFailureAt = n.clock.Now()
			}
		}
		n.publishView()
	}

	err := n.selector.SwitchTo(ctx, name, n.channel, handler, onSwap)
	if err != nil {
		n.logger.WithError(err).WithField("transport", name).Warn("Switching transport failed")
		if swapped {
			// Sessions were torn down but the previous transport stays
			for _, s := range n.sessions {
				n.scheduleReconnect(s)
			}
		}
		return err
	}

	n.emit(TransportConnected{Name: name})

	if n.channel == "" {
		return nil
	}

	n.dedup.Clear()
	n.announce(1)

	for _, s := range n.sessions {
		s.abandoned = false
		if n.initiates(s.PeerID) {
			n.startOffer(s)
		} else {
			s.Role = RoleResponder
			n.setSessionState(s, Connecting)
			n.armConnectTimeout(s)
		}
	}

	n.publishView()

	return nil
}

// publish sends an envelope through the active transport
func (n *Node) publish(env signal.Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.conf.PublishTimeout)
	defer cancel()
	return n.selector.Publish(ctx, env)
}

// send builds and publishes an envelope addressed to a peer
func (n *Node) send(kind signal.Kind, to string, payload interface{}) error {
	env, err := signal.NewEnvelope(kind, n.id, to, n.channel, payload, n.clock.Now())
	if err != nil {
		return err
	}
	return n.publish(env)
}
