// Package peers defines the identity of a murmur peer and the participant set
// maintained for the channel a node has joined.
//
// A peer is identified by a PeerID generated locally at startup. The ID is
// only meaningful for the lifetime of one signaling session; it is not a
// cryptographic identity and carries no authentication.
//
// PeerIDs also decide which side of a pair initiates a connection: the peer
// whose ID sorts lexicographically lower makes the offer, the other one waits
// for it. Because both sides evaluate the same comparison, exactly one of them
// initiates.
//
// The ParticipantSet is the visible list of remote peers in the current
// channel. Participants are added when their presence is observed and removed
// when they leave. A participant stays listed while its connection is being
// recovered, but is flagged inactive.
package peers
