package peers

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PeerID identifies a peer within a signaling session.
type PeerID = string

// NewPeerID returns a PeerID made of the current unix time in milliseconds and
// a random suffix, ie. "1700000000000-9f86d081".
func NewPeerID(now time.Time) PeerID {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%d-%s", now.UnixMilli(), suffix)
}

// Initiates returns true when local should make the offer to remote. The peer
// with the lexicographically lower ID initiates. Identical IDs never initiate.
func Initiates(local, remote PeerID) bool {
	return local < remote
}
