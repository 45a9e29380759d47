package node

import (
	"sync/atomic"
)

// State captures the lifecycle of a Node: Detached, Joined or Shutdown
type State uint32

const (
	// Detached is the initial state. The node is not in any channel.
	Detached State = iota
	// Joined means the node is subscribed to a channel
	Joined
	// Shutdown is final
	Shutdown
)

// String ...
func (s State) String() string {
	switch s {
	case Detached:
		return "Detached"
	case Joined:
		return "Joined"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

type state struct {
	state State
}

func (b *state) getState() State {
	stateAddr := (*uint32)(&b.state)
	return State(atomic.LoadUint32(stateAddr))
}

func (b *state) setState(s State) {
	stateAddr := (*uint32)(&b.state)
	atomic.StoreUint32(stateAddr, uint32(s))
}

// SessionState is the state of the connection to one remote peer
type SessionState uint32

const (
	// Idle sessions exist but have no connection attempt in progress
	Idle SessionState = iota
	// Connecting sessions are negotiating
	Connecting
	// Connected sessions receive the remote peer's audio
	Connected
	// Failed sessions lost their connection and wait for a reconnection
	Failed
	// Closed sessions are gone for good
	Closed
)

// String ...
func (s SessionState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Failed:
		return "Failed"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Role tells which side of the offer/answer exchange the local node plays
type Role uint32

const (
	// RoleUnknown until the tie-break or an inbound offer decides
	RoleUnknown Role = iota
	// RoleInitiator makes the offer
	RoleInitiator
	// RoleResponder answers
	RoleResponder
)

// String ...
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}
