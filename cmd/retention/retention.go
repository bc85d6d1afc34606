// Package retention implements the one-shot retention maintenance
// subcommand.
package retention

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/guardian/internal/conf"
	"github.com/tphakala/guardian/internal/datastore"
	"github.com/tphakala/guardian/internal/events"
	"github.com/tphakala/guardian/internal/observability"
	retentionengine "github.com/tphakala/guardian/internal/retention"
)

// Command returns the retention parent command with its run subcommand.
func Command() *cobra.Command {
	parent := &cobra.Command{
		Use:   "retention",
		Short: "Event and snapshot retention maintenance",
	}
	parent.AddCommand(runCommand())
	return parent
}

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute one retention pass and print the totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			settings, _, err := conf.Load(configPath)
			if err != nil {
				return err
			}

			store := datastore.New(settings.Database.Path)
			if err := store.Open(); err != nil {
				return err
			}
			defer store.Close()

			registry := observability.NewRegistry(nil)
			bus := events.NewBus(store, settings.Events.Suppression.Rules, registry)
			engine := retentionengine.NewEngine(settings.Events.Retention, store, registry, bus)

			result, err := engine.RunOnce()
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
