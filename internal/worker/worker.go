// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker consumes the job queue and drives executions from claim
// to terminal state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/cwl"
	"github.com/weaverproc/weaver/internal/dispatch"
	"github.com/weaverproc/weaver/internal/job"
	"github.com/weaverproc/weaver/internal/process"
	"github.com/weaverproc/weaver/internal/queue"
	"github.com/weaverproc/weaver/internal/staging"
	"github.com/weaverproc/weaver/internal/store"
)

// Config tunes the worker pool.
type Config struct {
	// Concurrency is the number of jobs processed in parallel.
	Concurrency int
	// WorkdirRoot is the directory under which per-job workdirs live.
	WorkdirRoot string
	// JobTimeout bounds one execution end to end. Zero disables the bound.
	JobTimeout time.Duration
	// ClaimTimeout is the blocking-pop timeout of one claim attempt.
	ClaimTimeout time.Duration
	// CancelPollInterval is how often a running job checks for a dismissal
	// marker.
	CancelPollInterval time.Duration
	// NotifyTimeout bounds one subscriber callback delivery.
	NotifyTimeout time.Duration
	// TokenSecret verifies the sealed notification tokens of jobs.
	TokenSecret string
}

func (c *Config) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 5 * time.Second
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = 2 * time.Second
	}
}

// Worker runs the claim loop.
type Worker struct {
	cfg        Config
	store      *store.Store
	queue      *queue.Queue
	stager     *staging.InputStager
	publisher  *staging.Publisher
	dispatcher *dispatch.Dispatcher
	notify     *notifier
	logger     *slog.Logger
}

// New wires a worker.
func New(cfg Config, st *store.Store, q *queue.Queue, stager *staging.InputStager,
	publisher *staging.Publisher, dispatcher *dispatch.Dispatcher, logger *slog.Logger) *Worker {
	cfg.defaults()
	return &Worker{
		cfg:        cfg,
		store:      st,
		queue:      q,
		stager:     stager,
		publisher:  publisher,
		dispatcher: dispatcher,
		notify:     newNotifier(cfg.NotifyTimeout, cfg.TokenSecret, logger),
		logger:     logger.With("module", "worker"),
	}
}

// Run blocks until the context is cancelled, processing claimed jobs on
// the configured number of goroutines.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "concurrency", w.cfg.Concurrency)
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := w.queue.Claim(ctx, w.cfg.ClaimTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if jobID == "" {
			continue
		}
		w.Process(ctx, jobID)
	}
}

// Process executes one claimed job through its full lifecycle and
// acknowledges the queue entry.
func (w *Worker) Process(ctx context.Context, jobID string) {
	logger := w.logger.With("jobId", jobID)
	defer func() {
		if err := w.queue.Ack(context.WithoutCancel(ctx), jobID); err != nil {
			logger.Error("failed to acknowledge job", "error", err)
		}
	}()

	j, err := w.store.GetJob(jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("claimed job no longer exists")
			return
		}
		logger.Error("failed to load job", "error", err)
		return
	}
	if j.Status.Terminal() {
		// Requeued duplicate of an already finished run.
		return
	}

	if cancelled, _ := w.queue.Cancelled(ctx, jobID); cancelled {
		w.dismiss(ctx, j, logger)
		return
	}

	procID, version := process.SplitRef(j.ProcessID)
	proc, err := w.store.GetProcess(procID, version)
	if err != nil {
		saved := j.UpdatedAt
		j.Fail(job.Exception{
			Code:        apperr.CodeNotFound,
			Description: fmt.Sprintf("process %s is no longer deployed", j.ProcessID),
		})
		w.finish(ctx, j, saved, logger)
		return
	}

	runCtx := ctx
	var cancelRun context.CancelFunc
	if w.cfg.JobTimeout > 0 {
		runCtx, cancelRun = context.WithTimeout(ctx, w.cfg.JobTimeout)
	} else {
		runCtx, cancelRun = context.WithCancel(ctx)
	}
	defer cancelRun()

	// A dismissal request cancels the run context mid-flight.
	stopWatch := w.watchCancellation(runCtx, jobID, cancelRun)
	defer stopWatch()

	// saved tracks the timestamp of the last persisted state; every update
	// compares against it.
	saved := j.UpdatedAt
	if err := j.Transition(job.StatusStarted); err != nil {
		logger.Error("failed to start job", "error", err)
		return
	}
	j.Log("INFO", fmt.Sprintf("job started for process %s", j.ProcessID))
	if err := w.saveCAS(j, saved, logger); err != nil {
		logger.Error("failed to persist job start", "error", err)
		return
	}
	saved = j.UpdatedAt

	if err := j.Transition(job.StatusRunning); err != nil {
		logger.Error("failed to mark job running", "error", err)
		return
	}
	if err := w.saveCAS(j, saved, logger); err != nil {
		logger.Error("failed to persist running state", "error", err)
		return
	}
	saved = j.UpdatedAt
	w.notify.Notify(runCtx, j)

	results, stats, err := w.execute(runCtx, j, proc)
	switch {
	case err == nil:
		j.Results = results
		j.Statistics = stats
		j.Log("INFO", "job completed")
		if terr := j.Transition(job.StatusSuccessful); terr != nil {
			logger.Error("illegal success transition", "error", terr)
		}
	case isCancellation(runCtx, err):
		if cancelled, _ := w.queue.Cancelled(context.WithoutCancel(ctx), jobID); cancelled {
			w.dismiss(context.WithoutCancel(ctx), j, logger)
			return
		}
		j.Fail(exceptionFrom(err))
	default:
		j.Fail(exceptionFrom(err))
	}

	w.finish(context.WithoutCancel(ctx), j, saved, logger)
}

// execute stages inputs, runs the package and publishes outputs.
func (w *Worker) execute(ctx context.Context, j *job.Job, proc *process.Process) ([]job.Result, *job.Statistics, error) {
	doc, err := packageDocument(proc)
	if err != nil {
		return nil, nil, err
	}

	workdir := filepath.Join(w.cfg.WorkdirRoot, j.ID.String())
	outDir := filepath.Join(workdir, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create job workdir: %w", err)
	}

	local := !dispatch.RemoteStep(doc)
	staged, err := w.stager.Materialize(ctx, proc, j.Inputs, filepath.Join(workdir, "inputs"), local)
	if err != nil {
		return nil, nil, err
	}

	var (
		engineOutputs map[string]any
		stepStats     []job.StepStatistics
	)
	if doc.IsWorkflow() {
		engineOutputs, stepStats, err = w.runWorkflow(ctx, j, doc, staged, workdir, outDir)
	} else {
		engineOutputs, stepStats, err = w.runSingle(ctx, j, proc, doc, staged, workdir, outDir)
	}
	if err != nil {
		return nil, nil, err
	}

	results, err := w.publisher.Publish(ctx, j, proc, engineOutputs, outDir)
	if err != nil {
		return nil, nil, err
	}

	stats := &job.Statistics{
		Duration: j.Duration(),
		Steps:    stepStats,
	}
	for _, r := range results {
		stats.OutputBytes += r.Size
	}
	return results, stats, nil
}

// runSingle executes a non-workflow package as one step named after the
// process.
func (w *Worker) runSingle(ctx context.Context, j *job.Job, proc *process.Process, doc cwl.Document,
	staged map[string]any, workdir, outDir string) (map[string]any, []job.StepStatistics, error) {
	started := time.Now()
	res, err := w.dispatcher.RunStep(ctx, &dispatch.StepRequest{
		JobID:    j.ID.String(),
		StepID:   proc.ID,
		Document: doc,
		Inputs:   staged,
		WorkDir:  filepath.Join(workdir, "steps", proc.ID),
		OutDir:   outDir,
		Log:      func(line string) { j.Log("INFO", line) },
		Progress: func(p int) { j.SetProgress(scaleProgress(p, 0, 1)) },
	})
	if err != nil {
		return nil, nil, err
	}
	stats := []job.StepStatistics{{StepID: proc.ID, Duration: time.Since(started)}}
	return res.Outputs, stats, nil
}

func (w *Worker) finish(ctx context.Context, j *job.Job, prev time.Time, logger *slog.Logger) {
	if err := w.saveCAS(j, prev, logger); err != nil {
		logger.Error("failed to persist terminal job state", "error", err)
	}
	if err := w.queue.PublishResult(ctx, j.ID.String(), string(j.Status)); err != nil {
		logger.Error("failed to publish job result", "error", err)
	}
	w.notify.Notify(ctx, j)
	logger.Info("job finished", "status", j.Status, "duration", j.Duration())
}

func (w *Worker) saveCAS(j *job.Job, prev time.Time, logger *slog.Logger) error {
	err := w.store.UpdateJob(j, prev)
	if !errors.Is(err, store.ErrConflict) {
		return err
	}
	// Lost a race against the API (progress poll, tag edit). Reload to pick
	// up the fresh timestamp and reapply our state on top.
	fresh, gerr := w.store.GetJob(j.ID.String())
	if gerr != nil {
		return err
	}
	return w.store.UpdateJob(j, fresh.UpdatedAt)
}

// dismiss finalises a job whose cancellation marker was set, removing its
// working directory and any published outputs.
func (w *Worker) dismiss(ctx context.Context, j *job.Job, logger *slog.Logger) {
	prev := j.UpdatedAt
	if err := j.Transition(job.StatusDismissed); err != nil {
		logger.Error("illegal dismissal transition", "error", err)
		return
	}
	j.Log("INFO", "job dismissed")
	j.Results = nil

	_ = os.RemoveAll(filepath.Join(w.cfg.WorkdirRoot, j.ID.String()))
	if err := w.publisher.Purge(j); err != nil {
		logger.Error("failed to purge job outputs", "error", err)
	}
	if err := w.saveCAS(j, prev, logger); err != nil {
		logger.Error("failed to persist dismissal", "error", err)
	}
	if err := w.queue.PublishResult(ctx, j.ID.String(), string(job.StatusDismissed)); err != nil {
		logger.Error("failed to publish job result", "error", err)
	}
	w.notify.Notify(ctx, j)
	logger.Info("job dismissed")
}

// watchCancellation polls for the dismissal marker while the job runs.
func (w *Worker) watchCancellation(ctx context.Context, jobID string, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.cfg.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if cancelled, err := w.queue.Cancelled(ctx, jobID); err == nil && cancelled {
					cancel()
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// packageDocument resolves the execution unit of a process into a CWL
// document the dispatcher can route.
func packageDocument(proc *process.Process) (cwl.Document, error) {
	switch proc.Unit.Kind {
	case process.UnitCWL:
		return cwl.Document(proc.Unit.CWL), nil
	case process.UnitWPS:
		return remoteToolDocument(cwl.ReqWPS1, map[string]any{
			"provider": proc.Unit.Href,
			"process":  proc.ID,
		}), nil
	case process.UnitOGCAPI:
		return remoteToolDocument(cwl.ReqOGCAPI, map[string]any{
			"process": proc.Unit.Href,
		}), nil
	default:
		return nil, apperr.New(apperr.CodeUnprocessable, http.StatusUnprocessableEntity,
			"Invalid execution unit", fmt.Sprintf("process %s has unresolved execution unit %q", proc.ID, proc.Unit.Kind))
	}
}

func remoteToolDocument(class string, fields map[string]any) cwl.Document {
	return cwl.Document{
		"cwlVersion": "v1.0",
		"class":      "CommandLineTool",
		"hints":      map[string]any{class: fields},
	}
}

func isCancellation(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) ||
		(errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil)
}

// exceptionFrom folds an execution error into the recorded exception.
func exceptionFrom(err error) job.Exception {
	var e *apperr.Error
	if errors.As(err, &e) {
		return job.Exception{
			Code:        e.Code,
			Description: e.Description,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return job.Exception{
			Code:        apperr.CodeRunnerTimeout,
			Description: "job exceeded its execution time limit",
		}
	}
	return job.Exception{
		Code:        apperr.CodeStepFailed,
		Description: err.Error(),
	}
}

// scaleProgress maps a step-local percentage into the job-level window of
// step index i out of n.
func scaleProgress(p, i, n int) int {
	if n <= 0 {
		return p
	}
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return (i*100 + p) / n
}
