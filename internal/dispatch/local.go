// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/weaverproc/weaver/internal/runner"
)

// LocalRunner executes a step through the host CWL engine. It is the
// fallback for plain CommandLineTools and for Docker/CUDA requirements.
type LocalRunner struct {
	Engine *runner.Engine

	// ProvenanceRoot, when set, asks the engine for a CWLProv research
	// object under {root}/{job_id}.
	ProvenanceRoot string
}

func (r *LocalRunner) Name() string { return "local" }

func (r *LocalRunner) Run(ctx context.Context, req *StepRequest) (*StepResult, error) {
	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create step workdir: %w", err)
	}

	// The engine consumes the tool document in its JSON form.
	pkg, err := json.MarshalIndent(map[string]any(req.Document), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode step document: %w", err)
	}
	pkgPath := filepath.Join(req.WorkDir, "package.cwl")
	if err := os.WriteFile(pkgPath, pkg, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write step document: %w", err)
	}

	jobOrder, err := runner.WriteJobOrder(req.WorkDir, req.Inputs)
	if err != nil {
		return nil, err
	}

	opts := runner.ExecuteOptions{Log: req.Log}
	if r.ProvenanceRoot != "" {
		opts.ProvenanceDir = filepath.Join(r.ProvenanceRoot, req.JobID)
	}

	outputs, err := r.Engine.Execute(ctx, pkgPath, jobOrder, filepath.Join(req.OutDir, req.StepID), opts)
	if err != nil {
		return nil, err
	}
	return &StepResult{Outputs: outputs}, nil
}
