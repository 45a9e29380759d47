package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/mosaicnetworks/murmur/src/config"
	"github.com/mosaicnetworks/murmur/src/registry"
	"github.com/spf13/cobra"
)

//NewChannelCmd returns the command that manages channels in the registry
func NewChannelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage channels in the registry",
	}

	cmd.AddCommand(
		newChannelCreateCmd(),
		newChannelInfoCmd(),
		newChannelCloseCmd(),
	)

	return cmd
}

func newChannelCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "create [name]",
		Short:   "Create a channel with a generated ID",
		Args:    cobra.MaximumNArgs(1),
		PreRunE: loadConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := _config.ChannelName
			if len(args) == 1 {
				name = args[0]
			}

			return withRegistry(func(ctx context.Context, r registry.Registry) error {
				ch, err := r.CreateChannel(ctx, "", name)
				if err != nil {
					return err
				}
				return printChannel(ch)
			})
		},
	}
	addCommonFlags(cmd)
	cmd.Flags().String("channel-name", _config.ChannelName, "Default channel name")
	return cmd
}

func newChannelInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "info [id]",
		Short:   "Show a channel",
		Args:    cobra.ExactArgs(1),
		PreRunE: loadConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, r registry.Registry) error {
				ch, err := r.GetChannelInfo(ctx, args[0])
				if err != nil {
					return err
				}
				return printChannel(ch)
			})
		},
	}
	addCommonFlags(cmd)
	return cmd
}

func newChannelCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "close [id]",
		Short:   "Mark a channel inactive",
		Args:    cobra.ExactArgs(1),
		PreRunE: loadConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, r registry.Registry) error {
				return r.CloseChannel(ctx, args[0])
			})
		},
	}
	addCommonFlags(cmd)
	return cmd
}

// withRegistry only makes sense with a shared registry, so it insists on
// redis.
func withRegistry(fn func(context.Context, registry.Registry) error) error {
	if _config.Registry != config.RegistryRedis {
		return fmt.Errorf("channel commands need --registry=%s", config.RegistryRedis)
	}

	ctx := context.Background()

	r, err := registry.NewRedis(ctx, _config.Redis, "cli", clock.New(), _config.Logger().WithField("prefix", "registry"))
	if err != nil {
		return err
	}
	defer r.Close()

	return fn(ctx, r)
}

func printChannel(ch registry.Channel) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(ch)
}
