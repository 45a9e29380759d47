package signal

import (
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultDigestBytes is the number of payload bytes hashed into a fingerprint
const DefaultDigestBytes = 512

// Deduplicator remembers the fingerprints of the envelopes it has let through
// since the last Clear. A fingerprint combines the sender, the kind, the
// timestamp and a hash of the beginning of the payload. Two envelopes that
// differ anywhere in these never collide, so nothing new is ever dropped;
// envelopes that only differ beyond the digested prefix are treated as
// duplicates.
type Deduplicator struct {
	mu          sync.Mutex
	seen        map[string]struct{}
	digestBytes int
}

// NewDeduplicator creates a Deduplicator. A non-positive digestBytes selects
// DefaultDigestBytes.
func NewDeduplicator(digestBytes int) *Deduplicator {
	if digestBytes <= 0 {
		digestBytes = DefaultDigestBytes
	}
	return &Deduplicator{
		seen:        make(map[string]struct{}),
		digestBytes: digestBytes,
	}
}

// Fingerprint returns the key under which an envelope is remembered
func (d *Deduplicator) Fingerprint(env Envelope) string {
	payload := []byte(env.Payload)
	if len(payload) > d.digestBytes {
		payload = payload[:d.digestBytes]
	}

	return env.From + "|" +
		string(env.Kind) + "|" +
		strconv.FormatInt(env.Timestamp, 10) + "|" +
		strconv.FormatUint(xxhash.Sum64(payload), 16)
}

// ShouldProcess returns true the first time an envelope is seen, and false for
// every repeat until the next Clear.
func (d *Deduplicator) ShouldProcess(env Envelope) bool {
	fp := d.Fingerprint(env)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[fp]; ok {
		return false
	}
	d.seen[fp] = struct{}{}
	return true
}

// Clear forgets every fingerprint
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	d.seen = make(map[string]struct{})
	d.mu.Unlock()
}

// Len returns the number of remembered fingerprints
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
