// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Command weaver runs the Weaver services: the OGC API - Processes HTTP
// surface and the job execution worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weaverproc/weaver/internal/config"
	"github.com/weaverproc/weaver/internal/logging"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "weaver",
		Short:         "OGC API - Processes execution and workflow dispatch service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to the YAML configuration file")
	root.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(apiCmd(), workerCmd())
	return root
}

// loadSettings resolves the configuration from defaults, the optional file,
// WEAVER__* environment variables and explicit flag overrides.
func loadSettings(cmd *cobra.Command) (*config.Settings, *slog.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = os.Getenv("WEAVER_CONFIG_PATH")
	}

	loader := config.NewLoader("WEAVER")
	defaults := config.Defaults()
	if err := loader.Load(defaults, configPath); err != nil {
		return nil, nil, err
	}
	if err := loader.LoadFlags(cmd.Flags(), map[string]string{
		"log-level": "logging.level",
		"addr":      "server.addr",
	}); err != nil {
		return nil, nil, err
	}

	var settings config.Settings
	if err := loader.Unmarshal("", &settings); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.New(settings.Logging)
	slog.SetDefault(logger)
	if configPath != "" {
		logger.Info("configuration loaded", "path", configPath)
	}
	return &settings, logger, nil
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
