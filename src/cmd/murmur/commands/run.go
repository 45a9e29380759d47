package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mosaicnetworks/murmur/src/murmur"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//NewRunCmd returns the command that starts a murmur peer
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run peer",
		PreRunE: loadConfig,
		RunE:    runMurmur,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runMurmur(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	engine := murmur.NewMurmur(_config)

	if err := engine.Init(ctx); err != nil {
		_config.Logger().Error("Cannot initialize engine: ", err)
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	stopped := make(chan struct{})

	go func() {
		defer close(stopped)

		<-sigCh
		_config.Logger().Info("Leaving")

		ctx, cancel := context.WithTimeout(context.Background(), _config.Node.PublishTimeout*2)
		defer cancel()

		if err := engine.Shutdown(ctx); err != nil {
			_config.Logger().WithError(err).Warn("Shutdown")
		}
	}()

	engine.Run(ctx)

	<-stopped

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {
	addCommonFlags(cmd)

	cmd.Flags().String("log-file", _config.LogFile, "Also write JSON logs to this file")
	cmd.Flags().String("id", _config.ID, "PeerID, generated when empty")
	cmd.Flags().StringP("channel", "c", _config.Channel, "Channel to join on startup")
	cmd.Flags().String("channel-name", _config.ChannelName, "Name given to the channel if it has to be created")

	// Transports
	cmd.Flags().StringSlice("transports", _config.Transports, "Signaling transports, most preferred first")
	cmd.Flags().StringSlice("relay.endpoints", _config.Relay.Endpoints, "Relay websocket endpoints")
	cmd.Flags().String("wamp.router", _config.WAMP.RouterURL, "WAMP router URL")
	cmd.Flags().String("wamp.realm", _config.WAMP.Realm, "WAMP realm")
	cmd.Flags().String("loopback.dir", _config.Loopback.Dir, "Loopback board directory")
	cmd.Flags().Duration("selector.primary-timeout", _config.Selector.PrimaryTimeout, "Time given to the preferred transport")

	// Media
	cmd.Flags().StringSlice("media.ice-servers", _config.Media.ICEServers, "STUN/TURN servers")
	cmd.Flags().Bool("media.include-loopback", _config.Media.IncludeLoopback, "Gather ICE candidates on the loopback interface")

	// Node
	cmd.Flags().Duration("node.connect-timeout", _config.Node.ConnectTimeout, "Time allowed for a connection to establish")
	cmd.Flags().Duration("node.quality-interval", _config.Node.QualityInterval, "Time between quality samples")
	cmd.Flags().Int("node.max-retries", _config.Node.MaxRetries, "Reconnection attempts before giving up on a peer")

	// Service
	cmd.Flags().Bool("no-service", _config.NoService, "Disable HTTP service")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")
	cmd.Flags().String("jwt-secret", _config.JWTSecret, "Secret protecting the HTTP intent routes")
}

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")

	// Registry
	cmd.Flags().String("registry", _config.Registry, "Channel registry: none, memory or redis")
	cmd.Flags().String("redis.addr", _config.Redis.Addr, "Redis address of the registry")
	cmd.Flags().Int("redis.db", _config.Redis.DB, "Redis database of the registry")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --loopback.dir, this will
	// update the default board dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	logFields := logrus.Fields{
		"DataDir":     _config.DataDir,
		"LogLevel":    _config.LogLevel,
		"ID":          _config.ID,
		"Channel":     _config.Channel,
		"Transports":  _config.Transports,
		"Relay":       _config.Relay.Endpoints,
		"WAMP":        _config.WAMP.RouterURL,
		"Loopback":    _config.Loopback.Dir,
		"ICEServers":  _config.Media.ICEServers,
		"NoService":   _config.NoService,
		"ServiceAddr": _config.ServiceAddr,
		"Registry":    _config.Registry,
	}

	if _config.Registry == "redis" {
		logFields["Redis"] = _config.Redis.Addr
	}

	_config.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/murmur.toml (.json, .yaml also work)
	viper.SetConfigName("murmur")         // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
