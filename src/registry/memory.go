package registry

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Memory is a Registry local to the process
type Memory struct {
	creator string
	clock   clock.Clock
	logger  *logrus.Entry

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewMemory creates an empty Memory registry. Channels it creates are
// attributed to creator.
func NewMemory(creator string, clk clock.Clock, logger *logrus.Entry) *Memory {
	return &Memory{
		creator:  creator,
		clock:    clk,
		logger:   logger,
		channels: make(map[string]*Channel),
	}
}

// CreateChannel implements Registry
func (m *Memory) CreateChannel(ctx context.Context, id, name string) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if id == "" {
		id = NewChannelID(now)
	}

	if _, ok := m.channels[id]; ok {
		return Channel{}, ErrChannelExists
	}

	c := &Channel{
		ID:        id,
		Name:      name,
		Creator:   m.creator,
		CreatedAt: now.Unix(),
		Active:    true,
	}
	m.channels[id] = c

	m.logger.WithFields(logrus.Fields{
		"id":   id,
		"name": name,
	}).Debug("Channel created")

	return *c, nil
}

// JoinChannel implements Registry
func (m *Memory) JoinChannel(ctx context.Context, id string) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.channels[id]
	if !ok {
		return Channel{}, ErrChannelNotFound
	}
	if !c.Active {
		return Channel{}, ErrChannelInactive
	}

	c.ParticipantCount++

	return *c, nil
}

// LeaveChannel implements Registry
func (m *Memory) LeaveChannel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.channels[id]
	if !ok {
		return ErrChannelNotFound
	}

	if c.ParticipantCount > 0 {
		c.ParticipantCount--
	}

	return nil
}

// CloseChannel implements Registry
func (m *Memory) CloseChannel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.channels[id]
	if !ok {
		return ErrChannelNotFound
	}

	c.Active = false

	return nil
}

// GetChannelInfo implements Registry
func (m *Memory) GetChannelInfo(ctx context.Context, id string) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.channels[id]
	if !ok {
		return Channel{}, ErrChannelNotFound
	}

	return *c, nil
}

// Close implements Registry
func (m *Memory) Close() error {
	return nil
}
