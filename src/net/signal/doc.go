// Package signal defines how murmur peers exchange signaling messages.
//
// Every message is an Envelope: a small JSON document carrying a Kind (offer,
// answer, ice-candidate, peer-joined, peer-left), the sender's PeerID, an
// optional recipient, the channel it belongs to and an opaque payload.
//
// Envelopes travel over a Transport. Several Transport implementations exist
// (see the relay, wamp and loopback subpackages) and they are interchangeable:
// the Selector picks the first one that passes its self-test, and can switch
// to another one at runtime without losing the channel subscription.
//
// Transports only promise at-least-once delivery. The Deduplicator filters the
// repeated envelopes that relays produce when they reconnect or replay.
package signal
