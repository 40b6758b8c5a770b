// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/weaverproc/weaver/internal/builtins"
	"github.com/weaverproc/weaver/internal/store"
)

// RegisterBuiltins upserts the built-in processes at startup.
func (s *Service) RegisterBuiltins() error {
	for _, b := range builtins.List() {
		if err := s.store.UpsertProcess(b.Process); err != nil {
			return fmt.Errorf("failed to register builtin %s: %w", b.Process.ID, err)
		}
	}
	return nil
}

// PreloadDir deploys every CWL package found in the configured processes
// directory. Packages already deployed at the same version are skipped;
// invalid ones are skipped or abort startup, per configuration.
func (s *Service) PreloadDir(ctx context.Context) error {
	if s.cfg.ProcessesDir == "" {
		return nil
	}
	entries, err := os.ReadDir(s.cfg.ProcessesDir)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("processes directory does not exist", "dir", s.cfg.ProcessesDir)
			return nil
		}
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isPackageFile(name) {
			continue
		}
		path := filepath.Join(s.cfg.ProcessesDir, name)
		if err := s.preloadFile(ctx, path); err != nil {
			if s.cfg.FailOnRegisterError {
				return fmt.Errorf("failed to preload %s: %w", name, err)
			}
			s.logger.Error("skipping invalid package", "file", name, "error", err)
		}
	}
	return nil
}

func (s *Service) preloadFile(ctx context.Context, path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	src, err := s.cwlSource(ctx, body)
	if err != nil {
		return err
	}
	p, err := s.build(ctx, src, "")
	if err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := rejectBuiltin(p.ID); err != nil {
		return err
	}
	existing, err := s.store.GetProcess(p.ID, p.Version)
	if err == nil && existing.Version == p.Version {
		return nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := s.store.SaveProcessRevision(p); err != nil {
		return err
	}
	s.logger.Info("preloaded process", "process", p.ID, "version", p.Version, "file", filepath.Base(path))
	return nil
}

func isPackageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".cwl", ".yaml", ".yml", ".json":
		return true
	}
	return false
}
