// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/weaverproc/weaver/internal/config"
	"github.com/weaverproc/weaver/internal/cwl"
	"github.com/weaverproc/weaver/internal/dispatch"
	"github.com/weaverproc/weaver/internal/fetch"
	"github.com/weaverproc/weaver/internal/queue"
	"github.com/weaverproc/weaver/internal/runner"
	"github.com/weaverproc/weaver/internal/staging"
	"github.com/weaverproc/weaver/internal/store"
	"github.com/weaverproc/weaver/internal/vault"
	"github.com/weaverproc/weaver/internal/worker"
)

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the job execution worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			ctx, cancel := signalContext()
			defer cancel()
			return runWorker(ctx, cfg, concurrency, logger)
		},
	}
	cmd.Flags().Int("concurrency", 2, "number of jobs processed in parallel")
	return cmd
}

func runWorker(ctx context.Context, cfg *config.Settings, concurrency int, logger *slog.Logger) error {
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
	var opener fetch.VaultOpener
	if cfg.Vault.Secret != "" {
		v, err := vault.New(st, cfg.Vault.Dir, cfg.Vault.Secret, cfg.Vault.Expire, logger)
		if err != nil {
			return err
		}
		opener = v
	}

	fetcher := fetch.New(fetch.Config{
		AllowedDirs: cfg.Weaver.FileAllowedDirs,
		OutputDir:   cfg.Weaver.WPSOutputDir,
		OutputURL:   cfg.Weaver.WPSOutputURL,
		MaxFileSize: cfg.Weaver.WPSMaxSingleInputSize,
		S3Region:    cfg.Weaver.WPSOutputS3Region,
	}, options, opener, logger)

	publisher := staging.NewPublisher(staging.PublisherConfig{
		OutputDir: cfg.Weaver.WPSOutputDir,
		OutputURL: cfg.Weaver.WPSOutputURL,
		S3Bucket:  cfg.Weaver.WPSOutputS3Bucket,
		S3Region:  cfg.Weaver.WPSOutputS3Region,
	}, logger)

	w := worker.New(worker.Config{
		Concurrency:   concurrency,
		WorkdirRoot:   cfg.Weaver.WPSWorkdir,
		NotifyTimeout: cfg.Weaver.WPSEmailNotifyTimeout,
		TokenSecret:   cfg.Vault.Secret,
	}, st, q, staging.NewInputStager(fetcher, logger), publisher,
		newDispatcher(cfg, fetcher, logger), logger)
	return w.Run(ctx)
}

// newDispatcher assembles the step routing table for the configured mode:
// ADES-style instances execute locally, EMS-style ones forward to remote
// providers, and the default/hybrid modes do both.
func newDispatcher(cfg *config.Settings, fetcher *fetch.Fetcher, logger *slog.Logger) *dispatch.Dispatcher {
	builtin := &dispatch.BuiltinRunner{Fetcher: fetcher, Logger: logger}

	var fallback dispatch.Runner = builtin
	if cfg.Weaver.Configuration.RunsLocal() {
		engine := runner.NewEngine(cfg.Weaver.CWLEngine, cfg.Weaver.WPSWorkdir,
			uint32(cfg.Weaver.CWLEuid), uint32(cfg.Weaver.CWLEgid), logger)
		local := &dispatch.LocalRunner{Engine: engine}
		if cfg.Weaver.CWLProv {
			local.ProvenanceRoot = filepath.Join(cfg.Weaver.WPSOutputDir, "prov")
		}
		fallback = local
	}

	registry := dispatch.NewRegistry(fallback)
	registry.Register(cwl.ReqBuiltin, builtin)
	if cfg.Weaver.Configuration.Dispatches() {
		wpsRunner := &dispatch.WPSRunner{Fetcher: fetcher, Logger: logger}
		registry.Register(cwl.ReqWPS1, wpsRunner)
		registry.Register(cwl.ReqESGFCWT, wpsRunner)
		registry.Register(cwl.ReqOGCAPI, &dispatch.OGCRunner{Fetcher: fetcher, Logger: logger})
	}
	return dispatch.NewDispatcher(registry, 2, logger)
}
