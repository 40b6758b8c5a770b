// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch routes each workflow step to a runner based on its CWL
// requirements and applies step-scoped retries around remote execution.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/cwl"
	"github.com/weaverproc/weaver/internal/runner"
)

// StepRequest is everything a runner needs to execute one step.
type StepRequest struct {
	JobID  string
	StepID string

	// Document is the step's tool document (or the whole package for a
	// single-tool process).
	Document cwl.Document

	// Inputs is the staged job-order mapping for this step.
	Inputs map[string]any

	// WorkDir is the step-scoped working directory; OutDir receives the
	// produced files in the {step_id}/{output_id}/{filename} layout.
	WorkDir string
	OutDir  string

	// Log receives runner progress lines; Progress receives 0-100.
	Log      runner.LineSink
	Progress func(int)
}

// StepResult carries the runner's outputs keyed by output id, as CWL-style
// values (File objects or literals).
type StepResult struct {
	Outputs map[string]any
}

// Runner executes one step from submission to collected outputs.
type Runner interface {
	// Name identifies the runner in logs and exception reports.
	Name() string
	Run(ctx context.Context, req *StepRequest) (*StepResult, error)
}

// Registry maps requirement class names to runners.
type Registry struct {
	runners  map[string]Runner
	fallback Runner
}

// NewRegistry creates a registry with the given fallback (the local engine
// runner in a full deployment).
func NewRegistry(fallback Runner) *Registry {
	return &Registry{runners: map[string]Runner{}, fallback: fallback}
}

// Register binds a requirement class to a runner.
func (r *Registry) Register(requirement string, run Runner) {
	r.runners[requirement] = run
}

// dispatchOrder fixes the precedence when a step carries several dispatch
// requirements.
var dispatchOrder = []string{
	cwl.ReqBuiltin,
	cwl.ReqWPS1,
	cwl.ReqOGCAPI,
	cwl.ReqESGFCWT,
	cwl.ReqCUDA,
	cwl.ReqDocker,
}

// Select picks the runner for a step document from its requirements and
// hints. Plain Docker (and anything unrecognised) goes to the fallback.
func (r *Registry) Select(doc cwl.Document) (Runner, string) {
	reqs := doc.Requirements()
	hints := doc.Hints()
	for _, class := range dispatchOrder {
		_, inReqs := reqs[class]
		_, inHints := hints[class]
		if !inReqs && !inHints {
			continue
		}
		if run, ok := r.runners[class]; ok {
			return run, class
		}
	}
	return r.fallback, ""
}

// RemoteStep reports whether the document executes on a remote provider.
// Inputs of remote steps stay by-reference during staging; only local steps
// need the files on disk.
func RemoteStep(doc cwl.Document) bool {
	reqs := doc.Requirements()
	hints := doc.Hints()
	for _, class := range []string{cwl.ReqWPS1, cwl.ReqOGCAPI, cwl.ReqESGFCWT} {
		if _, ok := reqs[class]; ok {
			return true
		}
		if _, ok := hints[class]; ok {
			return true
		}
	}
	return false
}

// Dispatcher runs steps with retries for recoverable failures.
type Dispatcher struct {
	registry *Registry
	retries  int
	logger   *slog.Logger
}

// NewDispatcher wraps the registry. retries is the per-step retry budget
// for recoverable errors.
func NewDispatcher(registry *Registry, retries int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		retries:  retries,
		logger:   logger.With("module", "dispatch"),
	}
}

// RunStep selects the runner and executes the step, retrying recoverable
// failures up to the configured budget.
func (d *Dispatcher) RunStep(ctx context.Context, req *StepRequest) (*StepResult, error) {
	run, requirement := d.registry.Select(req.Document)
	logger := d.logger.With("jobId", req.JobID, "step", req.StepID, "runner", run.Name())
	if requirement != "" {
		logger = logger.With("requirement", requirement)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			delay := bo.NextBackOff()
			logger.Info("retrying step", "attempt", attempt, "delay", delay, "error", lastErr)
			if req.Log != nil {
				req.Log(fmt.Sprintf("retrying step %s (attempt %d/%d)", req.StepID, attempt, d.retries))
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		res, err := run.Run(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !Recoverable(err) {
			break
		}
	}

	return nil, apperr.Wrap(apperr.CodeStepFailed, http.StatusInternalServerError, "Step failed",
		fmt.Sprintf("step %q failed on runner %q", req.StepID, run.Name()), lastErr)
}

// Recoverable reports whether an error is on the transient whitelist:
// unreachable endpoints, runner timeouts, and upstream 408/429/5xx answers.
func Recoverable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var e *apperr.Error
	if errors.As(err, &e) {
		switch e.Code {
		case apperr.CodeRefUnreachable, apperr.CodeRunnerTimeout:
			return true
		}
		switch e.Status {
		case http.StatusRequestTimeout, http.StatusTooManyRequests,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	// Bare network errors (no taxonomy code) are treated as transient.
	return true
}
