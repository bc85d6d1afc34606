// Package realtime implements the serving subcommand: capture pipelines,
// detectors, retention, and the HTTP/SSE gateway in one process.
package realtime

import (
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tphakala/guardian/internal/conf"
	"github.com/tphakala/guardian/internal/guardian"
	"github.com/tphakala/guardian/internal/logging"
)

// Command returns the realtime subcommand.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "realtime",
		Short: "Run the capture, detection, and gateway runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			debug, _ := cmd.Flags().GetBool("debug")
			port, _ := cmd.Flags().GetString("port")

			mgr, err := conf.NewManager(configPath)
			if err != nil {
				return err
			}
			settings := mgr.Current()
			if port != "" {
				settings.HTTP.Port = port
			}

			level := logLevel(settings.Logging.Level, debug)
			if settings.Logging.File != "" {
				closeLog, err := logging.SetFileOutput(settings.Logging.File, level, rotationFor(settings))
				if err != nil {
					slog.Warn("log file unavailable, logging to stdout", "error", err)
				} else {
					defer closeLog()
				}
			} else {
				logging.Init(level)
			}

			rt, err := guardian.New(mgr, guardian.Deps{})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return rt.Run(ctx)
		},
	}
}

// logLevel maps the configured level name; --debug wins.
func logLevel(name string, debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	switch strings.ToLower(name) {
	case "trace":
		return logging.LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func rotationFor(settings *conf.Settings) logging.RotationConfig {
	rotation := logging.DefaultRotation()
	if settings.Logging.MaxSizeMB > 0 {
		rotation.MaxSizeMB = settings.Logging.MaxSizeMB
	}
	if settings.Logging.MaxBackups > 0 {
		rotation.MaxBackups = settings.Logging.MaxBackups
	}
	if settings.Logging.MaxAgeDays > 0 {
		rotation.MaxAgeDays = settings.Logging.MaxAgeDays
	}
	return rotation
}
