package commands

import (
	"github.com/mosaicnetworks/murmur/src/config"
	"github.com/spf13/cobra"
)

var (
	_config = config.NewDefaultConfig()
)

//RootCmd is the root command for murmur
var RootCmd = &cobra.Command{
	Use:              "murmur",
	Short:            "murmur peer-to-peer voice channels",
	TraverseChildren: true,
}
