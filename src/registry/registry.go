// Package registry keeps the directory of voice channels.
//
// The registry is a best-effort name reservation service. Peers use it to
// create channels with human-friendly ids and to count participants, but the
// signaling core never depends on it: a channel works whether or not it is
// registered. Uniqueness of channel ids is only as strong as the backing
// store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrChannelNotFound is returned for unknown channel ids
	ErrChannelNotFound = errors.New("channel not found")

	// ErrChannelExists is returned when creating a channel whose id is taken
	ErrChannelExists = errors.New("channel already exists")

	// ErrChannelInactive is returned when joining a closed channel
	ErrChannelInactive = errors.New("channel is not active")
)

// ChannelPrefix starts every generated channel id
const ChannelPrefix = "CHAT-"

// Channel is the record kept for each channel
type Channel struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Creator          string `json:"creator"`
	CreatedAt        int64  `json:"createdAt"`
	ParticipantCount uint32 `json:"participantCount"`
	Active           bool   `json:"active"`
}

// Registry is implemented by the channel stores
type Registry interface {
	// CreateChannel registers a new active channel. An empty id is replaced
	// by one generated with NewChannelID.
	CreateChannel(ctx context.Context, id, name string) (Channel, error)

	// JoinChannel increments the participant count of an active channel
	JoinChannel(ctx context.Context, id string) (Channel, error)

	// LeaveChannel decrements the participant count, never below zero
	LeaveChannel(ctx context.Context, id string) error

	// CloseChannel marks a channel inactive
	CloseChannel(ctx context.Context, id string) error

	GetChannelInfo(ctx context.Context, id string) (Channel, error)

	Close() error
}

// NewChannelID derives a channel id such as CHAT-1A2B from a timestamp. Ids
// generated in the same second collide, and ids wrap every 0xFFFF seconds.
func NewChannelID(now time.Time) string {
	suffix := fmt.Sprintf("%X", now.Unix()%0xFFFF)
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return ChannelPrefix + suffix
}

// JoinOrCreate joins a channel, registering it first if the registry does not
// know it. A channel created concurrently by another peer is joined instead.
func JoinOrCreate(ctx context.Context, r Registry, id, name string) (Channel, error) {
	c, err := r.JoinChannel(ctx, id)
	if !errors.Is(err, ErrChannelNotFound) {
		return c, err
	}

	if _, err := r.CreateChannel(ctx, id, name); err != nil && !errors.Is(err, ErrChannelExists) {
		return Channel{}, err
	}

	return r.JoinChannel(ctx, id)
}
