// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/cwl"
	"github.com/weaverproc/weaver/internal/fetch"
)

type fakeRunner struct {
	name  string
	calls atomic.Int32
	errs  []error
}

func (f *fakeRunner) Name() string { return f.name }

func (f *fakeRunner) Run(_ context.Context, _ *StepRequest) (*StepResult, error) {
	n := int(f.calls.Add(1)) - 1
	if n < len(f.errs) && f.errs[n] != nil {
		return nil, f.errs[n]
	}
	return &StepResult{Outputs: map[string]any{"done": true}}, nil
}

func docWithHint(class string, fields map[string]any) cwl.Document {
	return cwl.Document{
		"cwlVersion": "v1.0",
		"class":      "CommandLineTool",
		"hints":      map[string]any{class: fields},
	}
}

func TestSelectPrecedence(t *testing.T) {
	local := &fakeRunner{name: "local"}
	builtin := &fakeRunner{name: "builtin"}
	wpsRun := &fakeRunner{name: "wps1"}

	reg := NewRegistry(local)
	reg.Register(cwl.ReqBuiltin, builtin)
	reg.Register(cwl.ReqWPS1, wpsRun)

	run, class := reg.Select(docWithHint(cwl.ReqWPS1, map[string]any{"provider": "https://x.test/wps"}))
	assert.Equal(t, "wps1", run.Name())
	assert.Equal(t, cwl.ReqWPS1, class)

	// Builtin wins over WPS when both are present.
	doc := cwl.Document{
		"class": "CommandLineTool",
		"hints": map[string]any{
			cwl.ReqWPS1:    map[string]any{},
			cwl.ReqBuiltin: map[string]any{"process": "echo"},
		},
	}
	run, _ = reg.Select(doc)
	assert.Equal(t, "builtin", run.Name())

	// Docker without a dedicated runner falls back to local.
	run, class = reg.Select(docWithHint(cwl.ReqDocker, map[string]any{"dockerPull": "debian"}))
	assert.Equal(t, "local", run.Name())
	assert.Empty(t, class)
}

func TestRecoverable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"unreachable", apperr.New(apperr.CodeRefUnreachable, http.StatusBadGateway, "t", "d"), true},
		{"runner timeout", apperr.New(apperr.CodeRunnerTimeout, http.StatusInternalServerError, "t", "d"), true},
		{"throttled", apperr.New(apperr.CodeStepFailed, http.StatusTooManyRequests, "t", "d"), true},
		{"bad gateway", apperr.New(apperr.CodeStepFailed, http.StatusBadGateway, "t", "d"), true},
		{"schema invalid", apperr.New(apperr.CodeSchemaInvalid, http.StatusBadRequest, "t", "d"), false},
		{"auth required", apperr.New(apperr.CodeRefAuthRequired, http.StatusUnauthorized, "t", "d"), false},
		{"cancelled", context.Canceled, false},
		{"bare network error", errors.New("connection reset"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Recoverable(tc.err))
		})
	}
}

func TestRunStepRetriesRecoverable(t *testing.T) {
	transient := apperr.New(apperr.CodeRefUnreachable, http.StatusBadGateway, "t", "d")
	local := &fakeRunner{name: "local", errs: []error{transient, transient}}

	d := NewDispatcher(NewRegistry(local), 3, slog.Default())
	res, err := d.RunStep(context.Background(), &StepRequest{
		JobID:    "job-1",
		StepID:   "step-1",
		Document: cwl.Document{"class": "CommandLineTool"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"done": true}, res.Outputs)
	assert.Equal(t, int32(3), local.calls.Load())
}

func TestRunStepRetryNoticeReachesStepLog(t *testing.T) {
	transient := apperr.New(apperr.CodeRefUnreachable, http.StatusBadGateway, "t", "d")
	local := &fakeRunner{name: "local", errs: []error{transient}}

	var lines []string
	d := NewDispatcher(NewRegistry(local), 3, slog.Default())
	_, err := d.RunStep(context.Background(), &StepRequest{
		JobID:    "job-1",
		StepID:   "convert",
		Document: cwl.Document{"class": "CommandLineTool"},
		Log:      func(line string) { lines = append(lines, line) },
	})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "retrying step convert")
}

func TestRunStepStopsOnPermanentError(t *testing.T) {
	permanent := apperr.New(apperr.CodeSchemaInvalid, http.StatusBadRequest, "t", "d")
	local := &fakeRunner{name: "local", errs: []error{permanent, permanent, permanent, permanent}}

	d := NewDispatcher(NewRegistry(local), 3, slog.Default())
	_, err := d.RunStep(context.Background(), &StepRequest{
		JobID:    "job-1",
		StepID:   "step-1",
		Document: cwl.Document{"class": "CommandLineTool"},
	})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeStepFailed))
	assert.Equal(t, int32(1), local.calls.Load())
}

func TestRunStepExhaustsRetryBudget(t *testing.T) {
	transient := apperr.New(apperr.CodeRefUnreachable, http.StatusBadGateway, "t", "d")
	local := &fakeRunner{name: "local", errs: []error{transient, transient, transient}}

	d := NewDispatcher(NewRegistry(local), 2, slog.Default())
	_, err := d.RunStep(context.Background(), &StepRequest{
		JobID:    "job-1",
		StepID:   "step-1",
		Document: cwl.Document{"class": "CommandLineTool"},
	})
	require.Error(t, err)
	assert.Equal(t, int32(3), local.calls.Load())
}

func TestOGCRunnerExecutionEndpoint(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /processes/ndvi/execution", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		inputs := body["inputs"].(map[string]any)
		assert.Equal(t, map[string]any{"href": "https://data.test/scene.tif"}, inputs["scene"])

		w.Header().Set("Location", srv.URL+"/jobs/rj-1")
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /jobs/rj-1", func(w http.ResponseWriter, r *http.Request) {
		st := ogcStatus{JobID: "rj-1", Status: "running", Progress: 40}
		if polls.Add(1) >= 2 {
			st.Status = "successful"
			st.Progress = 100
		}
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("GET /jobs/rj-1/results", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"index": map[string]any{"href": srv.URL + "/files/index.tif"},
			"count": map[string]any{"value": float64(3)},
		})
	})
	mux.HandleFunc("GET /files/index.tif", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/tiff")
		_, _ = w.Write([]byte("tif-bytes"))
	})

	outDir := t.TempDir()
	runner := &OGCRunner{
		Fetcher:     fetch.New(fetch.Config{}, nil, nil, slog.Default()),
		Logger:      slog.Default(),
		PollCeiling: 10 * time.Millisecond,
	}

	var progress atomic.Int32
	res, err := runner.Run(context.Background(), &StepRequest{
		JobID:  "job-1",
		StepID: "step-1",
		OutDir: outDir,
		Document: docWithHint(cwl.ReqOGCAPI, map[string]any{
			"process": srv.URL + "/processes/ndvi",
		}),
		Inputs: map[string]any{
			"scene": map[string]any{"class": "File", "location": "https://data.test/scene.tif"},
		},
		Progress: func(p int) { progress.Store(int32(p)) },
	})
	require.NoError(t, err)

	file := res.Outputs["index"].(map[string]any)
	data, err := os.ReadFile(file["path"].(string))
	require.NoError(t, err)
	assert.Equal(t, "tif-bytes", string(data))
	assert.Equal(t, float64(3), res.Outputs["count"])
	assert.Equal(t, int32(100), progress.Load())
}

func TestOGCRunnerJobsFallback(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /processes/ndvi/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", srv.URL+"/jobs/rj-2")
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /jobs/rj-2", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ogcStatus{JobID: "rj-2", Status: "failed", Message: "out of disk"})
	})

	runner := &OGCRunner{
		Fetcher:     fetch.New(fetch.Config{}, nil, nil, slog.Default()),
		Logger:      slog.Default(),
		PollCeiling: 10 * time.Millisecond,
	}
	_, err := runner.Run(context.Background(), &StepRequest{
		JobID:  "job-1",
		StepID: "step-1",
		OutDir: t.TempDir(),
		Document: docWithHint(cwl.ReqOGCAPI, map[string]any{
			"process": srv.URL + "/processes/ndvi",
		}),
		Inputs: map[string]any{},
	})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeStepFailed))
	assert.Contains(t, err.Error(), "out of disk")
}

func TestSplitWPSInputs(t *testing.T) {
	literals, references := splitWPSInputs(map[string]any{
		"threshold": 0.5,
		"name":      "ndvi",
		"scenes": []any{
			map[string]any{"class": "File", "location": "https://data.test/a.tif"},
			map[string]any{"class": "File", "location": "https://data.test/b.tif"},
		},
	})
	assert.Equal(t, "0.5", literals["threshold"])
	assert.Equal(t, "ndvi", literals["name"])
	assert.Equal(t, []string{"https://data.test/a.tif", "https://data.test/b.tif"}, references["scenes"])
}

func TestResolveRef(t *testing.T) {
	assert.Equal(t, "https://x.test/jobs/1", resolveRef("https://x.test/processes/p/execution", "https://x.test/jobs/1"))
	assert.Equal(t, "https://x.test/jobs/1", resolveRef("https://x.test/processes/p/execution", "/jobs/1"))
}
