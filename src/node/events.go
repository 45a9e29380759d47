package node

import (
	"sync"

	"github.com/mosaicnetworks/murmur/src/peers"
	"github.com/mosaicnetworks/murmur/src/quality"
	"github.com/sirupsen/logrus"
)

// Event is implemented by every notification a Node publishes
type Event interface {
	EventName() string
}

// TransportConnected is published when a transport becomes active
type TransportConnected struct {
	Name string
}

// ParticipantsChanged is published with the full participant list whenever
// it, or the active flag of a participant, changes
type ParticipantsChanged struct {
	Participants []peers.Participant
}

// PeerConnected is published when audio from a peer starts flowing
type PeerConnected struct {
	PeerID string
}

// QualityUpdate carries a new quality sample for a connected peer
type QualityUpdate struct {
	PeerID string
	Sample quality.Sample
}

// SessionLeft is published after the node left its channel
type SessionLeft struct{}

// Error reports a problem that did not stop the node
type Error struct {
	Detail string
}

// EventName implements Event
func (TransportConnected) EventName() string { return "transport-connected" }

// EventName implements Event
func (ParticipantsChanged) EventName() string { return "participants-changed" }

// EventName implements Event
func (PeerConnected) EventName() string { return "peer-connected" }

// EventName implements Event
func (QualityUpdate) EventName() string { return "quality-update" }

// EventName implements Event
func (SessionLeft) EventName() string { return "session-left" }

// EventName implements Event
func (Error) EventName() string { return "error" }

// eventBus fans events out to subscribers. Publishing never blocks: a
// subscriber that does not keep up loses events.
type eventBus struct {
	buffer int
	logger *logrus.Entry

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

func newEventBus(buffer int, logger *logrus.Entry) *eventBus {
	return &eventBus{
		buffer: buffer,
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

func (b *eventBus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}

	return ch, cancel
}

func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.WithFields(logrus.Fields{
				"event":      ev.EventName(),
				"subscriber": id,
			}).Warn("Event dropped, subscriber is full")
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
