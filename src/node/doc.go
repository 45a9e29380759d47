// Package node implements the signaling core of a murmur peer.
//
// A Node joins one voice channel at a time and maintains a full mesh of
// pairwise audio connections with the other participants of that channel.
// It never relays audio: every pair of participants negotiates its own
// connection, and the Node only carries the signaling for it.
//
// Event Loop
//
// All the state of a Node (its channel, participant list, sessions and
// timers) is owned by a single goroutine started by Run. Public methods,
// envelopes delivered by transports, timer expirations and media callbacks
// are all turned into closures and queued on that goroutine. Nothing else
// touches the state, so none of the handlers take locks. Readers get a copy
// of the state, refreshed by the loop after every change.
//
// Presence
//
// When it joins a channel, a Node subscribes the active transport to the
// channel and broadcasts a peer-joined envelope. Every node that hears about
// a new peer answers with its own peer-joined, so that the newcomer learns
// the full participant list. A peer-left envelope is broadcast when leaving.
//
// Sessions
//
// There is one Session per remote peer. Of the two sides of a pair, only the
// one with the lexicographically lower PeerID sends the offer; the other side
// waits for it. This tie-break guarantees that exactly one negotiation takes
// place per pair. A Session goes through the following states:
//
//	Idle -> Connecting -> Connected
//	             |            |
//	             v            v
//	           Failed <-------+
//	             |
//	             +--> Connecting (reconnection)
//
// Any session goes to Closed when the peer leaves or when the node leaves the
// channel.
//
// Reconnection
//
// A Failed session is revived after a delay that grows with the number of
// active sessions (see Reconnector). The lower PeerID makes a fresh offer,
// the other side announces itself again. A session that fails MaxRetries
// times in a row is abandoned until the peer shows up again.
//
// Transports
//
// Envelopes go through the active transport of a signal.Selector. Switching
// transport tears down every session, subscribes the new transport to the
// channel and renegotiates every pair. Inbound envelopes are filtered by
// channel and recipient, then deduplicated, since the same envelope may reach
// a node more than once.
package node
