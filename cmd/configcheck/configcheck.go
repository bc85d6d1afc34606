// Package configcheck implements the configuration utilities subcommand.
package configcheck

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/guardian/internal/conf"
)

// Command returns the config parent command with its validate subcommand.
func Command() *cobra.Command {
	parent := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	parent.AddCommand(validateCommand())
	return parent
}

func validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			if _, _, err := conf.Load(configPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
			return nil
		},
	}
}
