// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/builtins"
	"github.com/weaverproc/weaver/internal/cwl"
	"github.com/weaverproc/weaver/internal/fetch"
)

// BuiltinRunner executes the in-process builtins.
type BuiltinRunner struct {
	Fetcher *fetch.Fetcher
	Logger  *slog.Logger
}

func (r *BuiltinRunner) Name() string { return "builtin" }

func (r *BuiltinRunner) Run(ctx context.Context, req *StepRequest) (*StepResult, error) {
	id := requirementField(req.Document, cwl.ReqBuiltin, "process")
	if id == "" {
		return nil, apperr.New(apperr.CodeUnprocessable, http.StatusUnprocessableEntity,
			"Invalid builtin step", "builtin requirement names no process")
	}
	b, ok := builtins.Get(id)
	if !ok {
		return nil, apperr.New(apperr.CodeUnprocessable, http.StatusUnprocessableEntity,
			"Invalid builtin step", fmt.Sprintf("unknown builtin process %q", id))
	}

	workDir := filepath.Join(req.OutDir, req.StepID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create step workdir: %w", err)
	}

	outputs, err := b.Run(ctx, &builtins.RunContext{
		WorkDir: workDir,
		Fetcher: r.Fetcher,
		Logger:  r.Logger.With("builtin", id, "jobId", req.JobID),
	}, req.Inputs)
	if err != nil {
		return nil, err
	}
	return &StepResult{Outputs: outputs}, nil
}

// requirementField reads a string field from a requirement or hint entry.
func requirementField(doc cwl.Document, class, field string) string {
	if entry, ok := doc.Requirements()[class]; ok {
		if v, _ := entry[field].(string); v != "" {
			return v
		}
	}
	if entry, ok := doc.Hints()[class]; ok {
		if v, _ := entry[field].(string); v != "" {
			return v
		}
	}
	return ""
}
