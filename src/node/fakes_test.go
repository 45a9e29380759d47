package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mosaicnetworks/murmur/src/common"
	"github.com/mosaicnetworks/murmur/src/media"
	"github.com/mosaicnetworks/murmur/src/net/signal"
	"github.com/pion/webrtc/v4"
)

// memHub is an in-memory relay. Publications are delivered synchronously to
// every transport subscribed to the channel, the publisher included.
type memHub struct {
	mu        sync.Mutex
	subs      map[*memTransport]string
	log       []signal.Envelope
	duplicate bool
	down      bool
}

func newMemHub() *memHub {
	return &memHub{subs: make(map[*memTransport]string)}
}

func (h *memHub) transport(name string) *memTransport {
	return &memTransport{name: name, hub: h}
}

func (h *memHub) setDown(down bool) {
	h.mu.Lock()
	h.down = down
	h.mu.Unlock()
}

func (h *memHub) deliver(env signal.Envelope) {
	h.mu.Lock()
	h.log = append(h.log, env)
	var targets []*memTransport
	for t, ch := range h.subs {
		if ch == env.ChannelID {
			targets = append(targets, t)
		}
	}
	dup := h.duplicate
	h.mu.Unlock()

	for _, t := range targets {
		handler := t.getHandler()
		if handler == nil {
			continue
		}
		handler(env)
		if dup {
			handler(env)
		}
	}
}

// envelopes returns the published envelopes matching kind and sender. Empty
// filters match everything.
func (h *memHub) envelopes(kind signal.Kind, from string) []signal.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	var res []signal.Envelope
	for _, env := range h.log {
		if (kind == "" || env.Kind == kind) && (from == "" || env.From == from) {
			res = append(res, env)
		}
	}
	return res
}

type memTransport struct {
	name string
	hub  *memHub

	mu      sync.Mutex
	handler signal.Handler
}

func (t *memTransport) getHandler() signal.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

func (t *memTransport) Name() string { return t.name }

func (t *memTransport) Initialize(ctx context.Context) error {
	if t.SelfTest(ctx) {
		return nil
	}
	return signal.ErrNotConnected
}

func (t *memTransport) SelfTest(ctx context.Context) bool {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	return !t.hub.down
}

func (t *memTransport) Subscribe(ctx context.Context, channelID string, handler signal.Handler) error {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	if t.hub.down {
		return signal.ErrNotConnected
	}
	t.hub.subs[t] = channelID
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
	return nil
}

func (t *memTransport) Publish(ctx context.Context, env signal.Envelope) error {
	if !t.SelfTest(ctx) {
		return signal.ErrNotConnected
	}
	env.Via = t.name
	t.hub.deliver(env)
	return nil
}

func (t *memTransport) Unsubscribe(ctx context.Context) error {
	t.hub.mu.Lock()
	delete(t.hub.subs, t)
	t.hub.mu.Unlock()
	t.mu.Lock()
	t.handler = nil
	t.mu.Unlock()
	return nil
}

func (t *memTransport) Disconnect() error {
	return t.Unsubscribe(context.Background())
}

// fakeNetwork links the fakeConns of different nodes. Two conns facing each
// other connect as soon as both have a local and a remote description.
type fakeNetwork struct {
	mu        sync.Mutex
	conns     map[string]*fakeConn
	all       []*fakeConn
	noConnect bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{conns: make(map[string]*fakeConn)}
}

func pairKey(local, remote string) string {
	return local + ">" + remote
}

type fakeFactory struct {
	net   *fakeNetwork
	local string
}

func (f *fakeFactory) NewConn(peerID string, handlers media.Handlers) (media.Conn, error) {
	c := &fakeConn{
		net:      f.net,
		local:    f.local,
		remote:   peerID,
		handlers: handlers,
	}
	f.net.mu.Lock()
	f.net.conns[pairKey(f.local, peerID)] = c
	f.net.all = append(f.net.all, c)
	f.net.mu.Unlock()
	return c, nil
}

func (fn *fakeNetwork) factory(local string) media.Factory {
	return &fakeFactory{net: fn, local: local}
}

// conn returns the latest conn created by local towards remote
func (fn *fakeNetwork) conn(local, remote string) *fakeConn {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return fn.conns[pairKey(local, remote)]
}

// created counts the conns created by local towards remote
func (fn *fakeNetwork) created(local, remote string) int {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	n := 0
	for _, c := range fn.all {
		if c.local == local && c.remote == remote {
			n++
		}
	}
	return n
}

func (fn *fakeNetwork) openConns(local string) int {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	n := 0
	for _, c := range fn.all {
		if c.local == local && !c.isClosed() {
			n++
		}
	}
	return n
}

func (fn *fakeNetwork) maybeConnect(c *fakeConn) {
	fn.mu.Lock()
	other := fn.conns[pairKey(c.remote, c.local)]
	noConnect := fn.noConnect
	fn.mu.Unlock()

	if noConnect || other == nil || !c.complete() || !other.complete() {
		return
	}

	for _, x := range []*fakeConn{c, other} {
		if x.markConnected() {
			go func(x *fakeConn) {
				x.handlers.OnStateChange(webrtc.PeerConnectionStateConnected)
				x.handlers.OnTrack(nil)
			}(x)
		}
	}
}

// failPair makes both ends of a link report a failure
func (fn *fakeNetwork) failPair(a, b string) {
	for _, c := range []*fakeConn{fn.conn(a, b), fn.conn(b, a)} {
		if c != nil {
			c.handlers.OnStateChange(webrtc.PeerConnectionStateFailed)
		}
	}
}

type fakeConn struct {
	net      *fakeNetwork
	local    string
	remote   string
	handlers media.Handlers

	mu         sync.Mutex
	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	remoteSets int
	connected  bool
	closed     bool
	stats      media.Stats
}

func (c *fakeConn) AddTracks(tracks []webrtc.TrackLocal) error { return nil }

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	desc := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer %s>%s %p", c.local, c.remote, c),
	}
	c.localDesc = &desc
	c.mu.Unlock()

	go c.handlers.OnICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:" + c.local})

	return desc, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	if c.remoteDesc == nil || c.remoteDesc.Type != webrtc.SDPTypeOffer {
		c.mu.Unlock()
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	desc := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("answer %s>%s %p", c.local, c.remote, c),
	}
	c.localDesc = &desc
	c.mu.Unlock()

	go c.handlers.OnICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:" + c.local})

	c.net.maybeConnect(c)

	return desc, nil
}

func (c *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	c.remoteSets++
	c.remoteDesc = &desc
	c.mu.Unlock()

	if desc.Type == webrtc.SDPTypeAnswer {
		c.net.maybeConnect(c)
	}
	return nil
}

func (c *fakeConn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDesc != nil
}

func (c *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.localDesc != nil && c.localDesc.Type == webrtc.SDPTypeOffer && c.remoteDesc == nil:
		return webrtc.SignalingStateHaveLocalOffer
	case c.remoteDesc != nil && c.remoteDesc.Type == webrtc.SDPTypeOffer && c.localDesc == nil:
		return webrtc.SignalingStateHaveRemoteOffer
	default:
		return webrtc.SignalingStateStable
	}
}

func (c *fakeConn) Stats() (media.Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats, nil
}

func (c *fakeConn) setStats(s media.Stats) {
	c.mu.Lock()
	c.stats = s
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.localDesc != nil && c.remoteDesc != nil
}

func (c *fakeConn) markConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return false
	}
	c.connected = true
	return true
}

func (c *fakeConn) remoteSetCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSets
}

type fakeSource struct {
	mu      sync.Mutex
	openErr error
	open    bool
	muted   bool
}

func (s *fakeSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return s.openErr
	}
	s.open = true
	return nil
}

func (s *fakeSource) Tracks() []webrtc.TrackLocal { return nil }

func (s *fakeSource) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *fakeSource) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

type fakeSink struct {
	mu       sync.Mutex
	attached map[string]bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{attached: make(map[string]bool)}
}

func (s *fakeSink) Attach(peerID string, track *webrtc.TrackRemote) {
	s.mu.Lock()
	s.attached[peerID] = true
	s.mu.Unlock()
}

func (s *fakeSink) Detach(peerID string) {
	s.mu.Lock()
	delete(s.attached, peerID)
	s.mu.Unlock()
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached)
}

type testNode struct {
	*Node
	source *fakeSource
	sink   *fakeSink
}

func newTestNode(t *testing.T, id string, conf *Config, clk *clock.Mock, fn *fakeNetwork, transports ...signal.Transport) *testNode {
	selector := signal.NewSelector(
		signal.DefaultSelectorConfig(),
		transports,
		clk,
		common.NewTestEntry(t, id+"/selector"),
	)

	source := &fakeSource{}
	sink := newFakeSink()

	n := NewNode(conf, id, selector, fn.factory(id), source, sink, clk)

	if err := n.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	n.RunAsync()
	t.Cleanup(n.Shutdown)

	return &testNode{Node: n, source: source, sink: sink}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// flush waits until every closure queued so far has run
func flush(t *testing.T, n *Node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.call(ctx, func() error { return nil }); err != nil {
		t.Fatal(err)
	}
}

// advance moves the mock clock and gives the expired timers the time to be
// queued and run
func advance(t *testing.T, clk *clock.Mock, d time.Duration, nodes ...*testNode) {
	t.Helper()
	clk.Add(d)
	time.Sleep(20 * time.Millisecond)
	for _, n := range nodes {
		flush(t, n.Node)
	}
}

func sessionState(n *testNode, peerID string) string {
	s, ok := n.Session(peerID)
	if !ok {
		return "none"
	}
	return s.State
}

func connectedTo(n *testNode, peerID string) func() bool {
	return func() bool {
		return sessionState(n, peerID) == Connected.String()
	}
}

// inject delivers an envelope forged by a scripted peer
func inject(t *testing.T, hub *memHub, kind signal.Kind, from, to, channel string, payload interface{}, at time.Time) {
	t.Helper()
	env, err := signal.NewEnvelope(kind, from, to, channel, payload, at)
	if err != nil {
		t.Fatal(err)
	}
	hub.deliver(env)
}
