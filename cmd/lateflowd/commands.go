// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomtom215/lateflow/internal/app"
	"github.com/tomtom215/lateflow/internal/config"
	"github.com/tomtom215/lateflow/internal/logging"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lateflowd",
		Short:         "Coordination daemon for late-arriving analytics pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to a YAML config file (overrides CONFIG_PATH)")

	root.AddCommand(newServeCmd(), newCheckCmd(), newVersionCmd())
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the arrival watcher, store GC and operator API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logging.Init(logging.Config{
				Level:     cfg.Logging.Level,
				Format:    cfg.Logging.Format,
				Caller:    cfg.Logging.Caller,
				Timestamp: true,
			})
			app.Version = version
			logging.Info().Str("version", version).Msg("Starting lateflowd")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initialize components: %w", err)
			}
			runErr := a.Run(ctx)
			if err := a.Close(); err != nil {
				logging.Error().Err(err).Msg("Error during shutdown")
			}
			if runErr != nil {
				return fmt.Errorf("supervisor tree: %w", runErr)
			}
			logging.Info().Msg("lateflowd stopped gracefully")
			return nil
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration OK\n")
			fmt.Fprintf(out, "  bus:          %s\n", cfg.Bus.Mode)
			fmt.Fprintf(out, "  lock backend: %s\n", cfg.Lock.Backend)
			fmt.Fprintf(out, "  entity types: %d\n", len(cfg.ChangeDetection.EntityTypes))
			if cfg.Reconcile.Enabled {
				fmt.Fprintf(out, "  reconcile:    every %s, commit mode %s\n", cfg.Reconcile.PollInterval, cfg.Reconcile.Commit.Mode)
			} else {
				fmt.Fprintf(out, "  reconcile:    disabled\n")
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
