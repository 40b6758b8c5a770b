// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/weaverproc/weaver/internal/apperr"
)

// Engine drives the local CWL engine binary for one application step.
type Engine struct {
	// Binary is the engine executable (weaver.cwl_engine).
	Binary string
	// Workdir is the root under which per-step working directories live.
	Workdir string

	Runner CommandRunner
	Logger *slog.Logger
}

// NewEngine builds an Engine with the default host command runner.
func NewEngine(binary, workdir string, uid, gid uint32, logger *slog.Logger) *Engine {
	if binary == "" {
		binary = "cwltool"
	}
	return &Engine{
		Binary:  binary,
		Workdir: workdir,
		Runner:  &DefaultCommandRunner{UID: uid, GID: gid, Logger: logger},
		Logger:  logger.With("module", "runner"),
	}
}

// ExecuteOptions tune one engine invocation.
type ExecuteOptions struct {
	// ProvenanceDir, when set, asks the engine for a CWLProv research
	// object in that directory.
	ProvenanceDir string
	// Log receives the engine's stderr lines.
	Log LineSink
}

// Execute runs the package against the job order document and returns the
// engine's JSON output object. outDir receives the produced files.
func (e *Engine) Execute(ctx context.Context, packagePath, jobOrderPath, outDir string, opts ExecuteOptions) (map[string]any, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	args := []string{e.Binary, "--outdir", outDir}
	if opts.ProvenanceDir != "" {
		args = append(args, "--provenance", opts.ProvenanceDir)
	}
	args = append(args, packagePath, jobOrderPath)

	stdout, err := e.Runner.RunCommand(ctx, opts.Log, args...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperr.Wrap(apperr.CodeRunnerTimeout, http.StatusInternalServerError, "Runner timeout",
				fmt.Sprintf("engine run of %s exceeded its deadline", filepath.Base(packagePath)), err)
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, apperr.Wrap(apperr.CodeRunnerFailed, http.StatusInternalServerError, "Runner failed",
			fmt.Sprintf("engine run of %s failed", filepath.Base(packagePath)), err)
	}

	outputs, err := parseEngineOutput(stdout)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRunnerFailed, http.StatusInternalServerError, "Runner failed",
			"engine produced no parseable result document", err)
	}
	return outputs, nil
}

// parseEngineOutput extracts the JSON output object from the engine's
// stdout. Some engines print banner lines before the document, so parsing
// starts at the first opening brace.
func parseEngineOutput(stdout string) (map[string]any, error) {
	idx := strings.Index(stdout, "{")
	if idx < 0 {
		return nil, fmt.Errorf("no JSON object in engine output")
	}
	var outputs map[string]any
	if err := json.Unmarshal([]byte(stdout[idx:]), &outputs); err != nil {
		return nil, err
	}
	return outputs, nil
}

// WriteJobOrder materialises the staged inputs as the engine's job order
// document and returns its path.
func WriteJobOrder(dir string, inputs map[string]any) (string, error) {
	data, err := json.MarshalIndent(inputs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode job order: %w", err)
	}
	path := filepath.Join(dir, "job_order.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write job order: %w", err)
	}
	return path, nil
}
