package signal

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned by Publish when the transport cannot deliver
	// the envelope at this moment.
	ErrNotConnected = errors.New("transport not connected")

	// ErrUnknownTransport is returned when a transport is requested by a name
	// that is not registered.
	ErrUnknownTransport = errors.New("unknown transport")

	// ErrNoTransport is returned when no transport candidate was registered.
	ErrNoTransport = errors.New("no transport available")
)

// Handler is called for every envelope received on a subscribed channel.
// Transports may call it from their own goroutines.
type Handler func(Envelope)

// Transport is a means of publishing and receiving Envelopes on a channel.
// A Transport is subscribed to at most one channel at a time.
type Transport interface {
	// Name returns the unique name of the transport, ie. "relay"
	Name() string

	// Initialize acquires the underlying resources (sockets, sessions,
	// storage). It is idempotent.
	Initialize(ctx context.Context) error

	// SelfTest returns true only if Publish is currently expected to succeed
	SelfTest(ctx context.Context) bool

	// Subscribe starts delivering the channel's envelopes to the handler,
	// replacing any previous subscription.
	Subscribe(ctx context.Context, channelID string, handler Handler) error

	// Publish sends an envelope to every subscriber of its channel. It returns
	// an error wrapping ErrNotConnected rather than dropping the envelope
	// silently.
	Publish(ctx context.Context, env Envelope) error

	// Unsubscribe stops deliveries for the current channel
	Unsubscribe(ctx context.Context) error

	// Disconnect releases all resources. The transport can be initialized
	// again afterwards.
	Disconnect() error
}
