// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/weaverproc/weaver/internal/api"
	"github.com/weaverproc/weaver/internal/config"
	"github.com/weaverproc/weaver/internal/deploy"
	"github.com/weaverproc/weaver/internal/fetch"
	"github.com/weaverproc/weaver/internal/metrics"
	"github.com/weaverproc/weaver/internal/provider"
	"github.com/weaverproc/weaver/internal/queue"
	"github.com/weaverproc/weaver/internal/server"
	"github.com/weaverproc/weaver/internal/staging"
	"github.com/weaverproc/weaver/internal/store"
	"github.com/weaverproc/weaver/internal/vault"
)

func apiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runAPI(ctx, cfg, logger)
		},
	}
	cmd.Flags().String("addr", "", "listen address override")
	return cmd
}

func runAPI(ctx context.Context, cfg *config.Settings, logger *slog.Logger) error {
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return err
	}

	q, err := queue.New(ctx, queue.Config{
		Addr:      cfg.Queue.RedisAddr,
		DB:        cfg.Queue.RedisDB,
		ResultTTL: cfg.Queue.ResultTTL,
	}, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	options, err := fetch.NewOptionsResolver(cfg.Weaver.RequestOptions, logger)
	if err != nil {
		return err
	}

	// The vault is optional; without a secret the endpoints answer 404.
	var v *vault.Vault
	var opener fetch.VaultOpener
	if cfg.Vault.Secret != "" {
		v, err = vault.New(st, cfg.Vault.Dir, cfg.Vault.Secret, cfg.Vault.Expire, logger)
		if err != nil {
			return err
		}
		opener = v
	} else {
		logger.Warn("vault disabled: no secret configured")
	}

	fetcher := fetch.New(fetch.Config{
		AllowedDirs: cfg.Weaver.FileAllowedDirs,
		OutputDir:   cfg.Weaver.WPSOutputDir,
		OutputURL:   cfg.Weaver.WPSOutputURL,
		MaxFileSize: cfg.Weaver.WPSMaxSingleInputSize,
		S3Region:    cfg.Weaver.WPSOutputS3Region,
	}, options, opener, logger)

	dep := deploy.NewService(deploy.Config{
		ProcessesDir:        cfg.Weaver.CWLProcessesDir,
		FailOnRegisterError: cfg.Weaver.CWLProcessesRegisterError,
	}, st, fetcher, logger)
	if err := dep.RegisterBuiltins(); err != nil {
		return err
	}
	if err := dep.PreloadDir(ctx); err != nil {
		return err
	}

	publisher := staging.NewPublisher(staging.PublisherConfig{
		OutputDir: cfg.Weaver.WPSOutputDir,
		OutputURL: cfg.Weaver.WPSOutputURL,
		S3Bucket:  cfg.Weaver.WPSOutputS3Bucket,
		S3Region:  cfg.Weaver.WPSOutputS3Region,
	}, logger)

	handler := api.New(cfg, st, q, dep, provider.NewRegistry(st, logger),
		v, publisher, metrics.New(), logger)

	go q.RunCleanup(ctx, cfg.Queue.CleanupInterval, cleanupTasks(q, v)...)

	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, handler.Routes(), logger)
	return srv.Run(ctx)
}

// cleanupTasks are the periodic maintenance jobs of the API instance:
// requeue stale claims and sweep expired vault records.
func cleanupTasks(q *queue.Queue, v *vault.Vault) []func(context.Context) error {
	tasks := []func(context.Context) error{
		func(ctx context.Context) error {
			_, err := q.RequeueStale(ctx)
			return err
		},
	}
	if v != nil {
		tasks = append(tasks, func(context.Context) error { return v.Sweep() })
	}
	return tasks
}
