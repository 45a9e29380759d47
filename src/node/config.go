package node

import (
	"testing"
	"time"

	"github.com/mosaicnetworks/murmur/src/common"
	"github.com/sirupsen/logrus"
)

// Config contains the timings and limits of a Node
type Config struct {
	// Capabilities are announced in peer-joined envelopes
	Capabilities []string `mapstructure:"capabilities"`

	AnnounceAttempts int           `mapstructure:"announce-attempts"`
	AnnounceBackoff  time.Duration `mapstructure:"announce-backoff"`
	PublishTimeout   time.Duration `mapstructure:"publish-timeout"`

	DedupClearInterval time.Duration `mapstructure:"dedup-clear"`
	DigestBytes        int           `mapstructure:"digest-bytes"`

	QualityInterval time.Duration `mapstructure:"quality-interval"`
	ConnectTimeout  time.Duration `mapstructure:"connect-timeout"`

	BackoffBase   time.Duration `mapstructure:"backoff-base"`
	BackoffGrowth float64       `mapstructure:"backoff-growth"`
	BackoffMax    time.Duration `mapstructure:"backoff-max"`
	MaxRetries    int           `mapstructure:"max-retries"`

	EventBuffer int `mapstructure:"event-buffer"`

	Logger *logrus.Logger
}

// DefaultConfig returns the default node configuration
func DefaultConfig() *Config {
	logger := logrus.New()
	logger.Level = logrus.DebugLevel

	return &Config{
		Capabilities:       []string{"audio"},
		AnnounceAttempts:   3,
		AnnounceBackoff:    time.Second,
		PublishTimeout:     5 * time.Second,
		DedupClearInterval: 30 * time.Second,
		DigestBytes:        512,
		QualityInterval:    2 * time.Second,
		ConnectTimeout:     30 * time.Second,
		BackoffBase:        time.Second,
		BackoffGrowth:      2.0,
		BackoffMax:         30 * time.Second,
		MaxRetries:         5,
		EventBuffer:        64,
		Logger:             logger,
	}
}

// TestConfig returns the default configuration with a logger that writes
// through t.Log
func TestConfig(t testing.TB) *Config {
	config := DefaultConfig()
	config.Logger = common.NewTestLogger(t)
	return config
}
