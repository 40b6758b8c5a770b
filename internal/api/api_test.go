// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaverproc/weaver/internal/api/models"
	"github.com/weaverproc/weaver/internal/authctx"
	"github.com/weaverproc/weaver/internal/builtins"
	"github.com/weaverproc/weaver/internal/config"
	"github.com/weaverproc/weaver/internal/deploy"
	"github.com/weaverproc/weaver/internal/fetch"
	"github.com/weaverproc/weaver/internal/job"
	"github.com/weaverproc/weaver/internal/metrics"
	"github.com/weaverproc/weaver/internal/process"
	"github.com/weaverproc/weaver/internal/provider"
	"github.com/weaverproc/weaver/internal/queue"
	"github.com/weaverproc/weaver/internal/staging"
	"github.com/weaverproc/weaver/internal/store"
	"github.com/weaverproc/weaver/internal/vault"
)

const thumbnailCWL = `
cwlVersion: v1.0
class: CommandLineTool
id: thumbnail
label: Thumbnail generator
baseCommand: convert
inputs:
  image:
    type: File
    format: https://www.iana.org/assignments/media-types/image/tiff
  width:
    type: int?
    default: 256
outputs:
  thumbnail:
    type: File
    outputBinding:
      glob: thumb.png
    format: https://www.iana.org/assignments/media-types/image/png
`

type apiHarness struct {
	cfg    *config.Settings
	store  *store.Store
	queue  *queue.Queue
	routes http.Handler
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	logger := slog.Default()

	cfg := config.Defaults()
	cfg.Weaver.URL = "https://weaver.test"
	cfg.Weaver.ExecuteSyncMaxWait = 100 * time.Millisecond
	cfg.Vault.Dir = t.TempDir()
	cfg.Vault.Secret = "test-vault-secret"

	mr := miniredis.RunT(t)
	q, err := queue.New(context.Background(), queue.Config{Addr: mr.Addr()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	st, err := store.Open(filepath.Join(t.TempDir(), "weaver.db"), logger)
	require.NoError(t, err)

	fetcher := fetch.New(fetch.Config{}, nil, nil, logger)
	dep := deploy.NewService(deploy.Config{}, st, fetcher, logger)
	registry := provider.NewRegistry(st, logger)
	v, err := vault.New(st, cfg.Vault.Dir, cfg.Vault.Secret, cfg.Vault.Expire, logger)
	require.NoError(t, err)
	publisher := staging.NewPublisher(staging.PublisherConfig{
		OutputDir: t.TempDir(),
		OutputURL: "https://weaver.test/wpsoutputs",
	}, logger)

	h := New(&cfg, st, q, dep, registry, v, publisher, metrics.New(), logger)
	return &apiHarness{cfg: &cfg, store: st, queue: q, routes: h.Routes()}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	case []byte:
		rd = bytes.NewReader(b)
	case io.Reader:
		rd = b
	default:
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.routes.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out),
		"response was not JSON: %s", rec.Body.String())
}

func (h *apiHarness) registerEcho(t *testing.T) {
	t.Helper()
	echo, ok := builtins.Get("echo")
	require.True(t, ok)
	require.NoError(t, h.store.UpsertProcess(echo.Process))
}

func TestLandingAndConformance(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var landing models.Landing
	decodeJSON(t, rec, &landing)
	assert.Equal(t, "Weaver", landing.Title)
	assert.NotEmpty(t, landing.Links)

	rec = h.do(t, http.MethodGet, "/conformance", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var conf models.Conformance
	decodeJSON(t, rec, &conf)
	assert.Contains(t, conf.ConformsTo,
		"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/core")

	// Category filtering keeps only the matching segment.
	rec = h.do(t, http.MethodGet, "/conformance?category=conf", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &conf)
	for _, c := range conf.ConformsTo {
		assert.Contains(t, c, "/conf/")
	}

	rec = h.do(t, http.MethodGet, "/conformance?category=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessLifecycle(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/processes", thumbnailCWL,
		map[string]string{"Content-Type": "application/cwl+yaml"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/processes/thumbnail", rec.Header().Get("Location"))
	var deployed models.DeployResult
	decodeJSON(t, rec, &deployed)
	assert.Equal(t, "thumbnail", deployed.ID)
	assert.Equal(t, "1.0.0", deployed.Version)

	rec = h.do(t, http.MethodGet, "/processes", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list models.ProcessList
	decodeJSON(t, rec, &list)
	assert.EqualValues(t, 1, list.Total)

	rec = h.do(t, http.MethodGet, "/processes/thumbnail", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var desc map[string]any
	decodeJSON(t, rec, &desc)
	assert.Equal(t, "thumbnail", desc["id"])
	assert.Contains(t, desc, "inputs")

	rec = h.do(t, http.MethodGet, "/processes/thumbnail?f=xml", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "thumbnail")

	rec = h.do(t, http.MethodGet, "/processes/thumbnail/package", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/cwl+json", rec.Header().Get("Content-Type"))
	var pkg map[string]any
	decodeJSON(t, rec, &pkg)
	assert.Equal(t, "CommandLineTool", pkg["class"])

	rec = h.do(t, http.MethodPatch, "/processes/thumbnail",
		map[string]any{"title": "Thumbnails v2"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeJSON(t, rec, &deployed)
	assert.Equal(t, "1.0.1", deployed.Version)

	rec = h.do(t, http.MethodDelete, "/processes/thumbnail", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/processes/thumbnail", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDescribeProcessHidesPrivate(t *testing.T) {
	h := newAPIHarness(t)
	require.NoError(t, h.store.UpsertProcess(&process.Process{
		ID:         "secret",
		Version:    "1.0.0",
		Visibility: process.VisibilityPrivate,
	}))

	rec := h.do(t, http.MethodGet, "/processes/secret", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodGet, "/processes", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list models.ProcessList
	decodeJSON(t, rec, &list)
	assert.Empty(t, list.Processes)

	rec = h.do(t, http.MethodPost, "/processes/secret/execution",
		map[string]any{"inputs": map[string]any{}}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestExecuteAsyncLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	h.registerEcho(t)

	rec := h.do(t, http.MethodPost, "/processes/echo/execution",
		map[string]any{"mode": "async", "inputs": map[string]any{"message": "hi"}}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("Location"))
	var status models.JobStatus
	decodeJSON(t, rec, &status)
	assert.Equal(t, "accepted", status.Status)
	require.NotEmpty(t, status.JobID)

	jobPath := "/jobs/" + status.JobID
	rec = h.do(t, http.MethodGet, jobPath, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &status)
	assert.Equal(t, "accepted", status.Status)
	assert.Equal(t, "echo", status.ProcessID)

	rec = h.do(t, http.MethodGet, "/jobs?status=accepted", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list models.JobList
	decodeJSON(t, rec, &list)
	assert.EqualValues(t, 1, list.Total)

	rec = h.do(t, http.MethodGet, jobPath+"/inputs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var inputs models.JobInputs
	decodeJSON(t, rec, &inputs)
	assert.Equal(t, "hi", inputs.Inputs["message"])
	assert.Equal(t, "async", inputs.Mode)

	// Results are unavailable until the job terminates.
	rec = h.do(t, http.MethodGet, jobPath+"/results", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodDelete, jobPath, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &status)
	assert.Equal(t, "dismissed", status.Status)

	rec = h.do(t, http.MethodGet, jobPath+"/results", nil, nil)
	assert.Equal(t, http.StatusGone, rec.Code)

	// Dismissing again is an idempotent no-op.
	rec = h.do(t, http.MethodDelete, jobPath, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &status)
	assert.Equal(t, "dismissed", status.Status)
}

func TestExecuteSyncFallsBackToAsync(t *testing.T) {
	h := newAPIHarness(t)
	h.registerEcho(t)

	// No worker is claiming jobs, so the sync wait expires and the
	// asynchronous contract takes over.
	rec := h.do(t, http.MethodPost, "/processes/echo/execution",
		map[string]any{"mode": "sync", "inputs": map[string]any{"message": "hi"}}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Location"))
}

func TestExecuteSealsNotificationToken(t *testing.T) {
	h := newAPIHarness(t)
	h.registerEcho(t)

	rec := h.do(t, http.MethodPost, "/processes/echo/execution", map[string]any{
		"mode":   "async",
		"inputs": map[string]any{"message": "hi"},
		"subscribers": map[string]any{
			"successful": map[string]any{"email": "ops@example.org"},
		},
		"notificationEmail": "owner@example.org",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var status models.JobStatus
	decodeJSON(t, rec, &status)

	j, err := h.store.GetJob(status.JobID)
	require.NoError(t, err)
	require.NotEmpty(t, j.AccessToken)
	emails, err := authctx.VerifyJobToken(h.cfg.Vault.Secret, status.JobID, j.AccessToken)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"owner@example.org", "ops@example.org"}, emails)
}

func TestExecutePreferMinimal(t *testing.T) {
	h := newAPIHarness(t)
	h.registerEcho(t)

	rec := h.do(t, http.MethodPost, "/processes/echo/execution",
		map[string]any{"inputs": map[string]any{"message": "hi"}},
		map[string]string{"Prefer": "respond-async, return=minimal"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "respond-async", rec.Header().Get("Preference-Applied"))
	var body map[string]string
	decodeJSON(t, rec, &body)
	assert.Equal(t, "accepted", body["status"])
	assert.NotEmpty(t, body["jobID"])
}

func TestOnTriggerJobFlow(t *testing.T) {
	h := newAPIHarness(t)
	h.registerEcho(t)

	rec := h.do(t, http.MethodPost, "/processes/echo/execution",
		map[string]any{"status": "create", "inputs": map[string]any{"message": "later"}}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var status models.JobStatus
	decodeJSON(t, rec, &status)
	assert.Equal(t, "created", status.Status)
	jobPath := "/jobs/" + status.JobID

	rec = h.do(t, http.MethodPatch, jobPath, map[string]any{"tags": []string{"batch"}}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeJSON(t, rec, &status)
	assert.Equal(t, []string{"batch"}, status.Tags)

	rec = h.do(t, http.MethodPost, jobPath+"/results", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	decodeJSON(t, rec, &status)
	assert.Equal(t, "accepted", status.Status)

	// A triggered job cannot be triggered or modified again.
	rec = h.do(t, http.MethodPost, jobPath+"/results", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = h.do(t, http.MethodPatch, jobPath, map[string]any{"tags": []string{"x"}}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func terminalThumbnailJob(t *testing.T, h *apiHarness) *job.Job {
	t.Helper()
	j := job.New("thumbnail", job.StatusAccepted)
	j.Inputs = map[string]any{"image": map[string]any{"href": "https://data.test/in.tif"}}
	require.NoError(t, j.Transition(job.StatusStarted))
	require.NoError(t, j.Transition(job.StatusRunning))
	require.NoError(t, j.Transition(job.StatusSuccessful))
	j.Results = []job.Result{{
		ID:        "thumbnail",
		Href:      "https://weaver.test/wpsoutputs/thumb.png",
		MediaType: "image/png",
	}}
	j.Statistics = &job.Statistics{
		Duration: 2 * time.Second,
		Steps: []job.StepStatistics{
			{StepID: "resize", Duration: time.Second},
			{StepID: "encode", Duration: time.Second},
		},
	}
	j.Log("INFO", "job completed")
	require.NoError(t, h.store.CreateJob(j))
	return j
}

func TestJobResultsDocumentAndOutputs(t *testing.T) {
	h := newAPIHarness(t)
	j := terminalThumbnailJob(t, h)
	jobPath := "/jobs/" + j.ID.String()

	rec := h.do(t, http.MethodGet, jobPath+"/results", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var results map[string]models.ResultValue
	decodeJSON(t, rec, &results)
	require.Contains(t, results, "thumbnail")
	assert.Equal(t, "https://weaver.test/wpsoutputs/thumb.png", results["thumbnail"].Href)

	rec = h.do(t, http.MethodGet, jobPath+"/outputs?schema=OLD", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var legacy struct {
		Outputs []models.OutputEntry `json:"outputs"`
	}
	decodeJSON(t, rec, &legacy)
	require.Len(t, legacy.Outputs, 1)
	assert.Equal(t, "thumbnail", legacy.Outputs[0].ID)
	require.NotNil(t, legacy.Outputs[0].Format)
	assert.Equal(t, "image/png", legacy.Outputs[0].Format.MediaType)

	rec = h.do(t, http.MethodGet, jobPath+"/statistics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The wps profile renames the terminal status.
	rec = h.do(t, http.MethodGet, jobPath+"?profile=wps", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status models.JobStatus
	decodeJSON(t, rec, &status)
	assert.Equal(t, "succeeded", status.Status)
}

func TestRawSingleResultStreamsFileBytes(t *testing.T) {
	h := newAPIHarness(t)

	// Binary content that does not survive a string round-trip.
	payload := []byte{0x89, 'P', 'N', 'G', 0xff, 0xfe, 0x00, 0x01}
	file := filepath.Join(t.TempDir(), "thumb.png")
	require.NoError(t, os.WriteFile(file, payload, 0o644))

	j := job.New("thumbnail", job.StatusAccepted)
	require.NoError(t, j.Transition(job.StatusStarted))
	require.NoError(t, j.Transition(job.StatusRunning))
	require.NoError(t, j.Transition(job.StatusSuccessful))
	j.Response = job.ResponseRaw
	j.Results = []job.Result{{
		ID:        "thumbnail",
		Href:      "https://weaver.test/wpsoutputs/thumb.png",
		MediaType: "image/png",
		Mode:      process.TransmissionValue,
		LocalPath: file,
		Size:      int64(len(payload)),
	}}
	require.NoError(t, h.store.CreateJob(j))

	rec := h.do(t, http.MethodGet, "/jobs/"+j.ID.String()+"/results", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, payload, rec.Body.Bytes())
}

func TestRawMultipleResultsMixValueAndReference(t *testing.T) {
	h := newAPIHarness(t)

	payload := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}
	file := filepath.Join(t.TempDir(), "thumb.png")
	require.NoError(t, os.WriteFile(file, payload, 0o644))

	j := job.New("thumbnail", job.StatusAccepted)
	require.NoError(t, j.Transition(job.StatusStarted))
	require.NoError(t, j.Transition(job.StatusRunning))
	require.NoError(t, j.Transition(job.StatusSuccessful))
	j.Response = job.ResponseRaw
	j.Results = []job.Result{
		{
			ID:        "thumbnail",
			Href:      "https://weaver.test/wpsoutputs/thumb.png",
			MediaType: "image/png",
			Mode:      process.TransmissionValue,
			LocalPath: file,
		},
		{
			ID:        "report",
			Href:      "https://weaver.test/wpsoutputs/report.json",
			MediaType: "application/json",
			Mode:      process.TransmissionReference,
		},
	}
	require.NoError(t, h.store.CreateJob(j))

	rec := h.do(t, http.MethodGet, "/jobs/"+j.ID.String()+"/results", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mediaType, params, err := mime.ParseMediaType(rec.Header().Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/mixed", mediaType)

	mr := multipart.NewReader(rec.Body, params["boundary"])
	part, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "thumbnail", part.Header.Get("Content-ID"))
	data, err := io.ReadAll(part)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	part, err = mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "report", part.Header.Get("Content-ID"))
	assert.Equal(t, "https://weaver.test/wpsoutputs/report.json", part.Header.Get("Content-Location"))
	data, err = io.ReadAll(part)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestDismissRunningJobAccepted(t *testing.T) {
	h := newAPIHarness(t)
	h.registerEcho(t)

	j := job.New("echo", job.StatusAccepted)
	require.NoError(t, j.Transition(job.StatusStarted))
	require.NoError(t, j.Transition(job.StatusRunning))
	require.NoError(t, h.store.CreateJob(j))
	id := j.ID.String()

	rec := h.do(t, http.MethodDelete, "/jobs/"+id, nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var status models.JobStatus
	decodeJSON(t, rec, &status)
	assert.Equal(t, "dismissed", status.Status)

	// The marker is set; the worker completes the transition at its next
	// checkpoint, so the stored record is still running.
	cancelled, err := h.queue.Cancelled(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, cancelled)
	stored, err := h.store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, stored.Status)
}

func TestJobLogsFormats(t *testing.T) {
	h := newAPIHarness(t)
	j := terminalThumbnailJob(t, h)
	logsPath := "/jobs/" + j.ID.String() + "/logs"

	rec := h.do(t, http.MethodGet, logsPath, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "job completed")

	rec = h.do(t, http.MethodGet, logsPath+"?f=json", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []map[string]string
	decodeJSON(t, rec, &entries)
	require.NotEmpty(t, entries)
	assert.Equal(t, "INFO", entries[len(entries)-1]["level"])

	rec = h.do(t, http.MethodGet, logsPath+"?f=yaml", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "message: job completed")

	rec = h.do(t, http.MethodGet, logsPath+"?f=xml", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<entry>")

	rec = h.do(t, http.MethodGet, logsPath+"?f=csv", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobProvDocumentAndSubsets(t *testing.T) {
	h := newAPIHarness(t)
	j := terminalThumbnailJob(t, h)
	provPath := "/jobs/" + j.ID.String() + "/prov"

	rec := h.do(t, http.MethodGet, provPath, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var doc map[string]any
	decodeJSON(t, rec, &doc)
	assert.Contains(t, doc, "entity")
	assert.Contains(t, doc, "activity")
	assert.Contains(t, doc, "agent")

	rec = h.do(t, http.MethodGet, provPath+"?f=provn", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "document")
	assert.Contains(t, rec.Body.String(), "endDocument")

	rec = h.do(t, http.MethodGet, provPath+"/info", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info map[string]any
	decodeJSON(t, rec, &info)
	assert.EqualValues(t, 3, info["activities"])

	rec = h.do(t, http.MethodGet, provPath+"/who", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	doc = nil
	decodeJSON(t, rec, &doc)
	assert.Contains(t, doc, "agent")
	assert.NotContains(t, doc, "entity")

	// A step run is addressed by its step id.
	rec = h.do(t, http.MethodGet, provPath+"/resize", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc = nil
	decodeJSON(t, rec, &doc)
	assert.Contains(t, doc, "activity")

	rec = h.do(t, http.MethodGet, provPath+"/nosuchstep", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobProvUnavailable(t *testing.T) {
	h := newAPIHarness(t)
	h.registerEcho(t)

	// Provenance only exists for terminal jobs.
	j := job.New("echo", job.StatusAccepted)
	require.NoError(t, h.store.CreateJob(j))
	rec := h.do(t, http.MethodGet, "/jobs/"+j.ID.String()+"/prov", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// And only when capture is enabled.
	h.cfg.Weaver.CWLProv = false
	done := terminalThumbnailJob(t, h)
	rec = h.do(t, http.MethodGet, "/jobs/"+done.ID.String()+"/prov", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatchDismiss(t *testing.T) {
	h := newAPIHarness(t)
	h.registerEcho(t)

	var ids []string
	for i := 0; i < 2; i++ {
		rec := h.do(t, http.MethodPost, "/processes/echo/execution",
			map[string]any{"inputs": map[string]any{"message": fmt.Sprintf("m%d", i)}}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
		var status models.JobStatus
		decodeJSON(t, rec, &status)
		ids = append(ids, status.JobID)
	}

	rec := h.do(t, http.MethodDelete, "/jobs",
		map[string]any{"jobs": append(ids, "00000000-0000-0000-0000-000000000000")}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out models.BatchDismissResponse
	decodeJSON(t, rec, &out)
	// The unknown id is skipped, the real ones are dismissed.
	require.Len(t, out.Jobs, 2)
	for _, j := range out.Jobs {
		assert.Equal(t, "dismissed", j.Status)
	}
}

func TestVaultRoundTrip(t *testing.T) {
	h := newAPIHarness(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "credentials.json")
	require.NoError(t, err)
	_, err = part.Write([]byte(`{"user":"alice"}`))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := h.do(t, http.MethodPost, "/vault", &body,
		map[string]string{"Content-Type": mw.FormDataContentType()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var up models.VaultUpload
	decodeJSON(t, rec, &up)
	require.NotEmpty(t, up.ID)
	require.NotEmpty(t, up.AccessToken)
	assert.Equal(t, "vault://"+up.ID, up.FileHref)

	// No token, no file.
	rec = h.do(t, http.MethodGet, "/vault/"+up.ID, nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodGet, "/vault/"+up.ID, nil,
		map[string]string{"X-Auth-Vault": up.AccessToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, `{"user":"alice"}`, rec.Body.String())

	// Vault downloads are one-shot.
	rec = h.do(t, http.MethodGet, "/vault/"+up.ID, nil,
		map[string]string{"X-Auth-Vault": up.AccessToken})
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestRegisterProviderValidation(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/providers", map[string]any{"id": "emu"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/providers/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/providers", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Providers []models.ProviderSummary `json:"providers"`
	}
	decodeJSON(t, rec, &out)
	assert.Empty(t, out.Providers)
}

func TestListJobsDatetimeFilter(t *testing.T) {
	h := newAPIHarness(t)
	terminalThumbnailJob(t, h)

	rec := h.do(t, http.MethodGet, "/jobs?datetime=2020-01-01T00:00:00Z/..", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list models.JobList
	decodeJSON(t, rec, &list)
	assert.EqualValues(t, 1, list.Total)

	rec = h.do(t, http.MethodGet, "/jobs?datetime=../2020-01-01T00:00:00Z", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &list)
	assert.EqualValues(t, 0, list.Total)

	rec = h.do(t, http.MethodGet, "/jobs?datetime=notadate", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
