package node

import (
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	announceTimer   = "presence/announce"
	dedupTimer      = "dedup/clear"
	reconnectPrefix = "reconnect/"
	qualityPrefix   = "quality/"
	connectPrefix   = "connect/"
)

// sessionTimerPrefixes are the timers that belong to one peer session
var sessionTimerPrefixes = []string{reconnectPrefix, qualityPrefix, connectPrefix}

// timerRegistry holds every timer of a Node under a string key. Expirations
// are not run directly: they are handed to the fire function, which enqueues
// them on the event loop. Each timer carries a generation number, checked on
// the event loop before running, so that a timer cancelled or replaced after
// it expired never runs.
type timerRegistry struct {
	clock clock.Clock
	fire  func(func())

	mu     sync.Mutex
	gen    uint64
	timers map[string]*timerEntry
}

type timerEntry struct {
	gen   uint64
	timer *clock.Timer
}

func newTimerRegistry(clk clock.Clock, fire func(func())) *timerRegistry {
	return &timerRegistry{
		clock:  clk,
		fire:   fire,
		timers: make(map[string]*timerEntry),
	}
}

// After runs fn once, after d, replacing any timer with the same key
func (r *timerRegistry) After(key string, d time.Duration, fn func()) {
	r.schedule(key, d, false, fn)
}

// Every runs fn every d until cancelled, replacing any timer with the same
// key
func (r *timerRegistry) Every(key string, d time.Duration, fn func()) {
	r.schedule(key, d, true, fn)
}

func (r *timerRegistry) schedule(key string, d time.Duration, periodic bool, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancelLocked(key)

	r.gen++
	entry := &timerEntry{gen: r.gen}
	r.timers[key] = entry

	r.armLocked(key, entry, d, periodic, fn)
}

func (r *timerRegistry) armLocked(key string, entry *timerEntry, d time.Duration, periodic bool, fn func()) {
	gen := entry.gen
	entry.timer = r.clock.AfterFunc(d, func() {
		r.fire(func() {
			if !r.take(key, gen, periodic) {
				return
			}
			fn()
			if periodic {
				r.rearm(key, gen, d, fn)
			}
		})
	})
}

// take returns true if the timer is still the live one for its key. One-shot
// timers are removed from the registry.
func (r *timerRegistry) take(key string, gen uint64, periodic bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.timers[key]
	if !ok || entry.gen != gen {
		return false
	}
	if !periodic {
		delete(r.timers, key)
	}
	return true
}

func (r *timerRegistry) rearm(key string, gen uint64, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.timers[key]
	if !ok || entry.gen != gen {
		return
	}
	r.armLocked(key, entry, d, true, fn)
}

func (r *timerRegistry) cancelLocked(key string) {
	if entry, ok := r.timers[key]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(r.timers, key)
	}
}

// Cancel stops a timer
func (r *timerRegistry) Cancel(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked(key)
}

// CancelPrefix stops every timer whose key starts with prefix
func (r *timerRegistry) CancelPrefix(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.timers {
		if strings.HasPrefix(key, prefix) {
			r.cancelLocked(key)
		}
	}
}

// CancelSession stops the timers of one peer session
func (r *timerRegistry) CancelSession(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range sessionTimerPrefixes {
		r.cancelLocked(p + peerID)
	}
}

// CancelAll stops every timer
func (r *timerRegistry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.timers {
		r.cancelLocked(key)
	}
}

// Has returns true if a timer is pending under key
func (r *timerRegistry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[key]
	return ok
}

// Len returns the number of pending timers
func (r *timerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
