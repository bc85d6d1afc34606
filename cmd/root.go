// Package cmd assembles the guardian command line: the serving runtime
// plus retention and configuration maintenance subcommands.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tphakala/guardian/cmd/configcheck"
	"github.com/tphakala/guardian/cmd/realtime"
	"github.com/tphakala/guardian/cmd/retention"
	"github.com/tphakala/guardian/internal/conf"
	"github.com/tphakala/guardian/internal/logging"
)

// RootCommand creates the guardian root command with its global flags and
// subcommands.
func RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "guardian",
		Short:        "Edge surveillance supervisor",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", conf.DefaultConfigPath, "path to the configuration file")
	root.PersistentFlags().BoolP("debug", "d", false, "enable debug logging")
	root.PersistentFlags().String("port", "", "override the HTTP listener port")

	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			level = slog.LevelDebug
		}
		logging.Init(level)
	}

	root.AddCommand(
		realtime.Command(),
		retention.Command(),
		configcheck.Command(),
	)
	return root
}
