// Command rollout-local-engine serves the engine protocol on stdin/stdout
// and converges the machine it runs on. rollout starts it as its engine
// bridge by default.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openfroyo/rollout/pkg/runner/local"
	"github.com/openfroyo/rollout/pkg/runner/server"
	"github.com/openfroyo/rollout/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		fragmentDir string
		shell       string
		logLevel    string
		logFormat   string
	)

	cmd := &cobra.Command{
		Use:           "rollout-local-engine",
		Short:         "Engine bridge that applies plan fragments to the local machine",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if env := os.Getenv("LOG_LEVEL"); env != "" && !cmd.Flags().Changed("log-level") {
				logLevel = env
			}
			// stdout carries the protocol.
			logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
				Level:  logLevel,
				Format: logFormat,
				Output: "stderr",
			})
			if err != nil {
				return err
			}

			eng := local.New(local.Config{
				Shell:       shell,
				FragmentDir: fragmentDir,
				Logger:      logger,
			})
			srv := server.New(eng, cmd.InOrStdin(), cmd.OutOrStdout(), server.Config{Name: "local", Logger: logger})
			if err := srv.Serve(cmd.Context()); err != nil {
				logger.Error().Err(err).Msg("engine bridge stopped")
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&fragmentDir, "fragments", "", "directory relative fragment paths are resolved against")
	cmd.Flags().StringVar(&shell, "shell", "/bin/sh", "shell that runs fragments")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	return cmd
}
