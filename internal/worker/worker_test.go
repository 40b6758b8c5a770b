// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaverproc/weaver/internal/builtins"
	"github.com/weaverproc/weaver/internal/cwl"
	"github.com/weaverproc/weaver/internal/dispatch"
	"github.com/weaverproc/weaver/internal/fetch"
	"github.com/weaverproc/weaver/internal/job"
	"github.com/weaverproc/weaver/internal/process"
	"github.com/weaverproc/weaver/internal/queue"
	"github.com/weaverproc/weaver/internal/staging"
	"github.com/weaverproc/weaver/internal/store"
)

type harness struct {
	worker *Worker
	store  *store.Store
	queue  *queue.Queue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.Default()

	mr := miniredis.RunT(t)
	q, err := queue.New(context.Background(), queue.Config{Addr: mr.Addr()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	st, err := store.Open(filepath.Join(t.TempDir(), "weaver.db"), logger)
	require.NoError(t, err)

	fetcher := fetch.New(fetch.Config{}, nil, nil, logger)
	registry := dispatch.NewRegistry(&dispatch.BuiltinRunner{Fetcher: fetcher, Logger: logger})
	registry.Register(cwl.ReqBuiltin, &dispatch.BuiltinRunner{Fetcher: fetcher, Logger: logger})
	dispatcher := dispatch.NewDispatcher(registry, 0, logger)

	publisher := staging.NewPublisher(staging.PublisherConfig{
		OutputDir: t.TempDir(),
		OutputURL: "https://weaver.test/wpsoutputs",
	}, logger)

	w := New(Config{
		WorkdirRoot:        t.TempDir(),
		CancelPollInterval: 10 * time.Millisecond,
	}, st, q, staging.NewInputStager(fetcher, logger), publisher, dispatcher, logger)

	return &harness{worker: w, store: st, queue: q}
}

func (h *harness) submitEcho(t *testing.T, message string) *job.Job {
	t.Helper()
	echo, ok := builtins.Get("echo")
	require.True(t, ok)
	require.NoError(t, h.store.UpsertProcess(echo.Process))

	j := job.New("echo", job.StatusAccepted)
	j.Inputs = map[string]any{"message": message}
	require.NoError(t, h.store.CreateJob(j))
	require.NoError(t, h.queue.Submit(context.Background(), j.ID.String()))
	return j
}

func TestProcessRunsEchoToCompletion(t *testing.T) {
	h := newHarness(t)
	j := h.submitEcho(t, "hello worker")

	ctx := context.Background()
	claimed, err := h.queue.Claim(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, j.ID.String(), claimed)

	h.worker.Process(ctx, claimed)

	done, err := h.store.GetJob(j.ID.String())
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccessful, done.Status)
	assert.Equal(t, 100, done.Progress)
	require.Len(t, done.Results, 1)
	assert.Equal(t, "output", done.Results[0].ID)
	assert.True(t, strings.HasPrefix(done.Results[0].Href, "https://weaver.test/wpsoutputs/"))
	assert.NotNil(t, done.Statistics)
	assert.NotEmpty(t, done.Logs)

	// The terminal status reached the sync-wait bridge.
	status, err := h.queue.WaitTerminal(ctx, claimed, time.Second)
	require.NoError(t, err)
	assert.Equal(t, string(job.StatusSuccessful), status)
}

func TestProcessDismissesCancelledJob(t *testing.T) {
	h := newHarness(t)
	j := h.submitEcho(t, "never runs")

	ctx := context.Background()
	require.NoError(t, h.queue.Cancel(ctx, j.ID.String()))

	claimed, err := h.queue.Claim(ctx, time.Second)
	require.NoError(t, err)
	h.worker.Process(ctx, claimed)

	done, err := h.store.GetJob(j.ID.String())
	require.NoError(t, err)
	assert.Equal(t, job.StatusDismissed, done.Status)
	assert.Empty(t, done.Results)
}

func TestProcessFailsOnMissingRequiredInput(t *testing.T) {
	h := newHarness(t)
	echo, _ := builtins.Get("echo")
	require.NoError(t, h.store.UpsertProcess(echo.Process))

	j := job.New("echo", job.StatusAccepted)
	j.Inputs = map[string]any{}
	require.NoError(t, h.store.CreateJob(j))
	require.NoError(t, h.queue.Submit(context.Background(), j.ID.String()))

	ctx := context.Background()
	claimed, err := h.queue.Claim(ctx, time.Second)
	require.NoError(t, err)
	h.worker.Process(ctx, claimed)

	done, err := h.store.GetJob(j.ID.String())
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, done.Status)
	require.NotEmpty(t, done.Exceptions)
}

func TestProcessNotifiesSubscriberCallback(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var payloads []statusPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p statusPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
	}))
	t.Cleanup(srv.Close)

	echo, ok := builtins.Get("echo")
	require.True(t, ok)
	require.NoError(t, h.store.UpsertProcess(echo.Process))

	j := job.New("echo", job.StatusAccepted)
	j.Inputs = map[string]any{"message": "notify me"}
	j.Subscribers = map[string]job.Subscriber{
		"successful": {CallbackURL: srv.URL},
	}
	require.NoError(t, h.store.CreateJob(j))
	require.NoError(t, h.queue.Submit(context.Background(), j.ID.String()))

	ctx := context.Background()
	claimed, err := h.queue.Claim(ctx, time.Second)
	require.NoError(t, err)
	h.worker.Process(ctx, claimed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 1)
	assert.Equal(t, j.ID.String(), payloads[0].JobID)
	assert.Equal(t, "succeeded", payloads[0].Status)
	require.Len(t, payloads[0].Results, 1)
}

func TestProcessIgnoresFailedCallback(t *testing.T) {
	h := newHarness(t)

	echo, ok := builtins.Get("echo")
	require.True(t, ok)
	require.NoError(t, h.store.UpsertProcess(echo.Process))

	j := job.New("echo", job.StatusAccepted)
	j.Inputs = map[string]any{"message": "still succeeds"}
	j.Subscribers = map[string]job.Subscriber{
		"success": {CallbackURL: "http://127.0.0.1:1/unreachable"},
	}
	require.NoError(t, h.store.CreateJob(j))
	require.NoError(t, h.queue.Submit(context.Background(), j.ID.String()))

	ctx := context.Background()
	claimed, err := h.queue.Claim(ctx, time.Second)
	require.NoError(t, err)
	h.worker.Process(ctx, claimed)

	done, err := h.store.GetJob(j.ID.String())
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccessful, done.Status)
}

func TestSubscriberForAliases(t *testing.T) {
	j := &job.Job{Subscribers: map[string]job.Subscriber{
		"success":    {CallbackURL: "https://x.test/ok"},
		"inProgress": {CallbackURL: "https://x.test/progress"},
	}}

	sub, ok := subscriberFor(j, job.StatusSuccessful)
	require.True(t, ok)
	assert.Equal(t, "https://x.test/ok", sub.CallbackURL)

	sub, ok = subscriberFor(j, job.StatusRunning)
	require.True(t, ok)
	assert.Equal(t, "https://x.test/progress", sub.CallbackURL)

	_, ok = subscriberFor(j, job.StatusFailed)
	assert.False(t, ok)
}

type stubStepRunner struct {
	outputs map[string]any
}

func (s *stubStepRunner) Name() string { return "stub" }

func (s *stubStepRunner) Run(_ context.Context, _ *dispatch.StepRequest) (*dispatch.StepResult, error) {
	return &dispatch.StepResult{Outputs: s.outputs}, nil
}

func TestRunWorkflowLogsStepLifecycle(t *testing.T) {
	h := newHarness(t)
	registry := dispatch.NewRegistry(&stubStepRunner{outputs: map[string]any{"result": "ok"}})
	w := New(Config{WorkdirRoot: t.TempDir()}, h.store, h.queue, nil, nil,
		dispatch.NewDispatcher(registry, 0, slog.Default()), slog.Default())

	doc := cwl.Document{
		"class": "Workflow",
		"steps": map[string]any{
			"convert": map[string]any{
				"run": map[string]any{"class": "CommandLineTool", "inputs": map[string]any{}},
				"in":  map[string]any{},
				"out": []any{"result"},
			},
		},
		"outputs": map[string]any{
			"final": map[string]any{"type": "string", "outputSource": "convert/result"},
		},
	}
	j := job.New("flow", job.StatusAccepted)
	outputs, stats, err := w.runWorkflow(context.Background(), j, doc, map[string]any{}, t.TempDir(), t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, outputs, "final")
	require.Len(t, stats, 1)

	var messages []string
	for _, e := range j.Logs {
		messages = append(messages, e.Message)
	}
	assert.Contains(t, messages, "running step convert (1/1)")
	assert.Contains(t, messages, "step convert completed")
}

func TestTopoOrder(t *testing.T) {
	steps := []cwl.Step{
		{ID: "publish", In: map[string]string{"data": "convert/result"}},
		{ID: "convert", In: map[string]string{"data": "fetch/result"}},
		{ID: "fetch", In: map[string]string{"url": "source"}},
	}
	order, err := topoOrder(steps)
	require.NoError(t, err)

	position := map[string]int{}
	for i, s := range order {
		position[s.ID] = i
	}
	assert.Less(t, position["fetch"], position["convert"])
	assert.Less(t, position["convert"], position["publish"])
}

func TestTopoOrderRejectsCycle(t *testing.T) {
	steps := []cwl.Step{
		{ID: "a", In: map[string]string{"x": "b/out"}},
		{ID: "b", In: map[string]string{"x": "a/out"}},
	}
	_, err := topoOrder(steps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestWorkflowOutputs(t *testing.T) {
	doc := cwl.Document{
		"class": "Workflow",
		"outputs": map[string]any{
			"final": map[string]any{"type": "File", "outputSource": "convert/result"},
		},
	}
	outputs, err := workflowOutputs(doc, map[string]map[string]any{
		"convert": {"result": map[string]any{"class": "File", "path": "/tmp/r.nc"}},
	})
	require.NoError(t, err)
	assert.Contains(t, outputs, "final")

	_, err = workflowOutputs(doc, map[string]map[string]any{})
	require.Error(t, err)
}

func TestStepDocumentMergesStepRequirements(t *testing.T) {
	step := cwl.Step{
		ID:  "remote",
		Run: map[string]any{"class": "CommandLineTool", "inputs": map[string]any{}},
		Hints: map[string]map[string]any{
			cwl.ReqOGCAPI: {"process": "https://x.test/processes/p"},
		},
	}
	doc, err := stepDocument(cwl.Document{"class": "Workflow"}, step)
	require.NoError(t, err)
	assert.True(t, dispatch.RemoteStep(doc))
}

func TestStepDocumentRejectsExternalRunReference(t *testing.T) {
	_, err := stepDocument(cwl.Document{"class": "Workflow"}, cwl.Step{ID: "s", Run: "tool.cwl"})
	require.Error(t, err)
}

func TestPackageDocument(t *testing.T) {
	wps := &process.Process{
		ID:   "ndvi",
		Unit: process.ExecutionUnit{Kind: process.UnitWPS, Href: "https://x.test/wps"},
	}
	doc, err := packageDocument(wps)
	require.NoError(t, err)
	assert.True(t, dispatch.RemoteStep(doc))
	assert.Equal(t, "https://x.test/wps", doc.Hints()[cwl.ReqWPS1]["provider"])

	_, err = packageDocument(&process.Process{ID: "x", Unit: process.ExecutionUnit{Kind: process.UnitCWLRef}})
	require.Error(t, err)
}

func TestScaleProgress(t *testing.T) {
	assert.Equal(t, 0, scaleProgress(0, 0, 2))
	assert.Equal(t, 25, scaleProgress(50, 0, 2))
	assert.Equal(t, 75, scaleProgress(50, 1, 2))
	assert.Equal(t, 100, scaleProgress(100, 1, 2))
	assert.Equal(t, 40, scaleProgress(40, 0, 1))
}
