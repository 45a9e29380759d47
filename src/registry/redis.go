package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisConfig locates the redis server backing a Redis registry
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Prefix   string        `mapstructure:"prefix"`
}

// DefaultRedisConfig returns the configuration of a local redis server
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:   "localhost:6379",
		TTL:    24 * time.Hour,
		Prefix: "murmur:",
	}
}

// leaveScript decrements a counter without going below zero
var leaveScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n > 0 then
	n = redis.call('DECR', KEYS[1])
end
return n
`)

// Redis is a Registry shared through a redis server. Records are stored as
// JSON under <prefix>channel:<id>, reserved with SETNX, and participant
// counts are kept in a separate counter.
type Redis struct {
	conf    RedisConfig
	creator string
	clock   clock.Clock
	client  *redis.Client
	logger  *logrus.Entry
}

// NewRedis connects to the redis server and checks it answers
func NewRedis(ctx context.Context, conf RedisConfig, creator string, clk clock.Clock, logger *logrus.Entry) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     conf.Addr,
		Password: conf.Password,
		DB:       conf.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", conf.Addr, err)
	}

	logger.WithField("addr", conf.Addr).Debug("Connected to redis")

	return &Redis{
		conf:    conf,
		creator: creator,
		clock:   clk,
		client:  client,
		logger:  logger,
	}, nil
}

func (r *Redis) recordKey(id string) string {
	return r.conf.Prefix + "channel:" + id
}

func (r *Redis) countKey(id string) string {
	return r.conf.Prefix + "channel:" + id + ":participants"
}

// CreateChannel implements Registry
func (r *Redis) CreateChannel(ctx context.Context, id, name string) (Channel, error) {
	now := r.clock.Now()
	if id == "" {
		id = NewChannelID(now)
	}

	c := Channel{
		ID:        id,
		Name:      name,
		Creator:   r.creator,
		CreatedAt: now.Unix(),
		Active:    true,
	}

	data, err := json.Marshal(c)
	if err != nil {
		return Channel{}, err
	}

	ok, err := r.client.SetNX(ctx, r.recordKey(id), data, r.conf.TTL).Result()
	if err != nil {
		return Channel{}, fmt.Errorf("creating channel %s: %w", id, err)
	}
	if !ok {
		return Channel{}, ErrChannelExists
	}

	r.logger.WithFields(logrus.Fields{
		"id":   id,
		"name": name,
	}).Debug("Channel created")

	return c, nil
}

// JoinChannel implements Registry
func (r *Redis) JoinChannel(ctx context.Context, id string) (Channel, error) {
	c, err := r.record(ctx, id)
	if err != nil {
		return Channel{}, err
	}
	if !c.Active {
		return Channel{}, ErrChannelInactive
	}

	count, err := r.client.Incr(ctx, r.countKey(id)).Result()
	if err != nil {
		return Channel{}, fmt.Errorf("joining channel %s: %w", id, err)
	}
	r.client.Expire(ctx, r.countKey(id), r.conf.TTL)

	c.ParticipantCount = uint32(count)

	return c, nil
}

// LeaveChannel implements Registry
func (r *Redis) LeaveChannel(ctx context.Context, id string) error {
	if _, err := r.record(ctx, id); err != nil {
		return err
	}

	if err := leaveScript.Run(ctx, r.client, []string{r.countKey(id)}).Err(); err != nil {
		return fmt.Errorf("leaving channel %s: %w", id, err)
	}

	return nil
}

// CloseChannel implements Registry
func (r *Redis) CloseChannel(ctx context.Context, id string) error {
	c, err := r.record(ctx, id)
	if err != nil {
		return err
	}

	c.Active = false

	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	if err := r.client.SetXX(ctx, r.recordKey(id), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("closing channel %s: %w", id, err)
	}

	return nil
}

// GetChannelInfo implements Registry
func (r *Redis) GetChannelInfo(ctx context.Context, id string) (Channel, error) {
	c, err := r.record(ctx, id)
	if err != nil {
		return Channel{}, err
	}

	count, err := r.client.Get(ctx, r.countKey(id)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Channel{}, fmt.Errorf("reading channel %s: %w", id, err)
	}
	if count > 0 {
		c.ParticipantCount = uint32(count)
	}

	return c, nil
}

func (r *Redis) record(ctx context.Context, id string) (Channel, error) {
	data, err := r.client.Get(ctx, r.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Channel{}, ErrChannelNotFound
	}
	if err != nil {
		return Channel{}, fmt.Errorf("reading channel %s: %w", id, err)
	}

	var c Channel
	if err := json.Unmarshal(data, &c); err != nil {
		return Channel{}, fmt.Errorf("decoding channel %s: %w", id, err)
	}

	return c, nil
}

// Close implements Registry
func (r *Redis) Close() error {
	return r.client.Close()
}
