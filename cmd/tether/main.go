// Command tether runs the sync daemon and small maintenance commands for an
// execution-core deployment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tetherlabs/tether/internal/config"
	"github.com/tetherlabs/tether/internal/journal"
	"github.com/tetherlabs/tether/internal/kv"
	"github.com/tetherlabs/tether/internal/syncservice"
	"github.com/tetherlabs/tether/internal/telemetry"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var verbose bool

	root := &cobra.Command{
		Use:           "tether",
		Short:         "Agent-runtime execution core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newSyncCmd(&configPath, &verbose))
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tether version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tether %s\n", version)
		},
	}
}

func newSyncCmd(configPath *string, verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run the sync daemon against the configured remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Sync.URL == "" {
				return fmt.Errorf("sync: no remote url configured")
			}

			log := newLogger(*verbose)
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := telemetry.Init(ctx, "tether", version); err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				telemetry.Shutdown(shutdownCtx)
			}()

			store := kv.NewMemory()
			j, err := journal.Open(ctx, store, "tether", journal.WithLogger(log))
			if err != nil {
				return err
			}

			svc := syncservice.New(j, cfg.Sync.ToSync(), syncservice.WithLogger(log))
			if err := svc.ConnectWebSocket(ctx, cfg.Sync.URL); err != nil {
				return err
			}
			log.Info().Str("url", cfg.Sync.URL).Msg("sync daemon started")

			<-ctx.Done()
			log.Info().Msg("shutting down")
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return svc.Close(closeCtx)
		},
	}
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}
