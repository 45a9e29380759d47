package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/mosaicnetworks/murmur/src/common"
	"github.com/mosaicnetworks/murmur/src/media"
	"github.com/mosaicnetworks/murmur/src/net/signal"
	"github.com/mosaicnetworks/murmur/src/net/signal/loopback"
	"github.com/mosaicnetworks/murmur/src/net/signal/relay"
	"github.com/mosaicnetworks/murmur/src/net/signal/wamp"
	"github.com/mosaicnetworks/murmur/src/node"
	"github.com/mosaicnetworks/murmur/src/registry"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultBoardDir is the default name of the folder containing the badger
	// database of the loopback transport
	DefaultBoardDir = "board_db"

	// DefaultCertFile is the default name of the file containing a TLS
	// certificate for the wamp router
	DefaultCertFile = "cert.pem"
)

// Registry backends
const (
	RegistryNone   = "none"
	RegistryMemory = "memory"
	RegistryRedis  = "redis"
)

// Default configuration values.
const (
	DefaultLogLevel    = "debug"
	DefaultServiceAddr = "127.0.0.1:8000"
	DefaultRegistry    = RegistryMemory
	DefaultChannelName = "murmur"
)

// DefaultTransports is the default transport order, most preferred first
var DefaultTransports = []string{relay.Name, wamp.Name, loopback.Name}

// Config contains all the configuration properties of a murmur peer.
type Config struct {
	// DataDir is the top-level directory containing murmur configuration and
	// data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, receives a copy of every log line.
	LogFile string `mapstructure:"log-file"`

	// ID overrides the generated PeerID. Two peers must never share an ID.
	ID string `mapstructure:"id"`

	// Channel is joined on startup when not empty.
	Channel string `mapstructure:"channel"`

	// ChannelName is the human readable name registered with the channel
	// when it has to be created.
	ChannelName string `mapstructure:"channel-name"`

	// Transports lists the signaling transports to use, most preferred
	// first. Transports without the configuration they need are skipped.
	Transports []string `mapstructure:"transports"`

	Relay    relay.Config          `mapstructure:"relay"`
	WAMP     wamp.Config           `mapstructure:"wamp"`
	Loopback loopback.Config       `mapstructure:"loopback"`
	Selector signal.SelectorConfig `mapstructure:"selector"`

	Media media.Config `mapstructure:"media"`

	Node node.Config `mapstructure:"node"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP API service.
	ServiceAddr string `mapstructure:"service-listen"`

	// JWTSecret protects the intent routes of the HTTP API with HMAC signed
	// bearer tokens. The read-only routes stay public. No secret, no auth.
	JWTSecret string `mapstructure:"jwt-secret"`

	// Registry selects the channel registry: none, memory or redis.
	Registry string `mapstructure:"registry"`

	Redis registry.RedisConfig `mapstructure:"redis"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values. Relay
// endpoints and the wamp router are not set, so only the loopback transport
// is usable out of the box.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:     DefaultDataDir(),
		LogLevel:    DefaultLogLevel,
		ChannelName: DefaultChannelName,
		Transports:  append([]string(nil), DefaultTransports...),
		Relay:       relay.DefaultConfig(),
		WAMP:        wamp.DefaultConfig(),
		Loopback:    loopback.DefaultConfig(),
		Selector:    signal.DefaultSelectorConfig(),
		Media:       media.DefaultConfig(),
		Node:        *node.DefaultConfig(),
		ServiceAddr: DefaultServiceAddr,
		Registry:    DefaultRegistry,
		Redis:       registry.DefaultRedisConfig(),
	}

	config.Loopback.Dir = DefaultBoardPath()

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	config.Node.Logger = config.logger
	return config
}

// SetDataDir sets the top-level murmur directory, and updates the loopback
// board directory if it is currently set to the default value.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.Loopback.Dir == DefaultBoardPath() {
		c.Loopback.Dir = filepath.Join(dataDir, DefaultBoardDir)
	}
}

// CertFile returns the full path of the file containing the wamp router TLS
// certificate.
func (c *Config) CertFile() string {
	return filepath.Join(c.DataDir, DefaultCertFile)
}

// Logger returns a formatted logrus Entry, with prefix set to "murmur".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			pathMap := lfshook.PathMap{}
			for _, level := range logrus.AllLevels {
				pathMap[level] = c.LogFile
			}
			c.logger.Hooks.Add(lfshook.NewHook(
				pathMap,
				&logrus.JSONFormatter{},
			))
		}
	}
	return c.logger.WithField("prefix", "murmur")
}

// DefaultBoardPath returns the default path of the loopback board
func DefaultBoardPath() string {
	return filepath.Join(DefaultDataDir(), DefaultBoardDir)
}

// DefaultDataDir return the default directory name for top-level murmur
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Murmur")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Murmur")
		} else {
			return filepath.Join(home, ".murmur")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
