// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/authctx"
	"github.com/weaverproc/weaver/internal/cwl"
	"github.com/weaverproc/weaver/internal/fetch"
	"github.com/weaverproc/weaver/internal/staging"
)

const maxOGCResponseSize = 30 << 20

// OGCRunner submits a step to a remote OGC API - Processes endpoint and
// monitors the job until it reaches a terminal state.
type OGCRunner struct {
	HC      *http.Client
	Fetcher *fetch.Fetcher
	Logger  *slog.Logger

	// PollCeiling bounds the status poll interval. Zero means 30s.
	PollCeiling time.Duration
}

func (r *OGCRunner) Name() string { return "ogcapi" }

// ogcStatus is the remote statusInfo document.
type ogcStatus struct {
	JobID    string `json:"jobID"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Links    []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

func (r *OGCRunner) Run(ctx context.Context, req *StepRequest) (*StepResult, error) {
	href := requirementField(req.Document, cwl.ReqOGCAPI, "process")
	if href == "" {
		return nil, apperr.New(apperr.CodeUnprocessable, http.StatusUnprocessableEntity,
			"Invalid remote step", "OGC API requirement names no process href")
	}
	href = strings.TrimRight(href, "/")

	statusURL, result, err := r.submit(ctx, href, req.Inputs)
	if err != nil {
		return nil, err
	}
	if result != nil {
		// Synchronous answer, no job to monitor.
		return r.collect(ctx, req, result)
	}

	resultsURL, err := r.waitTerminal(ctx, statusURL, req)
	if err != nil {
		return nil, err
	}

	results, err := r.fetchResults(ctx, resultsURL)
	if err != nil {
		return nil, err
	}
	return r.collect(ctx, req, results)
}

// submit posts the execution request. Providers that predate the /execution
// endpoint answer 404 there, in which case the legacy /jobs form is tried.
// Returns either the status URL of the created job or, for a synchronous
// answer, the results document itself.
func (r *OGCRunner) submit(ctx context.Context, processHref string, inputs map[string]any) (string, map[string]any, error) {
	body := map[string]any{
		"inputs":   ogcInputs(inputs),
		"response": "document",
	}
	for _, path := range []string{"/execution", "/jobs"} {
		statusURL, result, status, err := r.post(ctx, processHref+path, body)
		if status == http.StatusNotFound {
			continue
		}
		return statusURL, result, err
	}
	return "", nil, apperr.New(apperr.CodeRefUnreachable, http.StatusBadGateway, "Provider unreachable",
		fmt.Sprintf("no execution endpoint found under %s", processHref))
}

func (r *OGCRunner) post(ctx context.Context, url string, body map[string]any) (string, map[string]any, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", nil, 0, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", nil, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Prefer", "respond-async")
	authctx.FromContext(ctx).Apply(httpReq)

	resp, err := r.hc().Do(httpReq)
	if err != nil {
		return "", nil, 0, apperr.Wrap(apperr.CodeRefUnreachable, http.StatusBadGateway, "Provider unreachable",
			fmt.Sprintf("execute request to %s failed", url), err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxOGCResponseSize))
	if err != nil {
		return "", nil, resp.StatusCode, err
	}

	switch {
	case resp.StatusCode == http.StatusCreated:
		loc := resp.Header.Get("Location")
		if loc == "" {
			var st ogcStatus
			if json.Unmarshal(data, &st) == nil {
				loc = linkByRel(st, "status", "monitor")
			}
		}
		if loc == "" {
			return "", nil, resp.StatusCode, apperr.New(apperr.CodeStepFailed, http.StatusBadGateway,
				"Provider error", "provider created a job without a status location")
		}
		return resolveRef(url, loc), nil, resp.StatusCode, nil
	case resp.StatusCode == http.StatusOK:
		var result map[string]any
		if err := json.Unmarshal(data, &result); err != nil {
			return "", nil, resp.StatusCode, fmt.Errorf("failed to parse synchronous result: %w", err)
		}
		return "", result, resp.StatusCode, nil
	case resp.StatusCode == http.StatusNotFound:
		return "", nil, resp.StatusCode, nil
	default:
		return "", nil, resp.StatusCode, providerError(url, resp.StatusCode, data)
	}
}

// waitTerminal polls the job status until success or failure and returns
// the results URL.
func (r *OGCRunner) waitTerminal(ctx context.Context, statusURL string, req *StepRequest) (string, error) {
	ceiling := r.PollCeiling
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = ceiling
	bo.MaxElapsedTime = 0

	for {
		var st ogcStatus
		if err := r.getJSON(ctx, statusURL, &st); err != nil {
			return "", err
		}
		if req.Progress != nil {
			req.Progress(st.Progress)
		}

		switch strings.ToLower(st.Status) {
		case "successful", "succeeded":
			if href := linkByRel(st, "results", "http://www.opengis.net/def/rel/ogc/1.0/results"); href != "" {
				return resolveRef(statusURL, href), nil
			}
			return statusURL + "/results", nil
		case "failed":
			return "", apperr.New(apperr.CodeStepFailed, http.StatusBadGateway, "Remote step failed",
				fmt.Sprintf("provider reported failure: %s", st.Message))
		case "dismissed":
			return "", apperr.New(apperr.CodeStepFailed, http.StatusBadGateway, "Remote step failed",
				"provider dismissed the job")
		}

		select {
		case <-ctx.Done():
			r.dismiss(statusURL)
			return "", ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (r *OGCRunner) fetchResults(ctx context.Context, resultsURL string) (map[string]any, error) {
	var results map[string]any
	if err := r.getJSON(ctx, resultsURL, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// collect downloads referenced outputs into the step output layout; inline
// values pass through.
func (r *OGCRunner) collect(ctx context.Context, req *StepRequest, results map[string]any) (*StepResult, error) {
	outputs := map[string]any{}
	for id, v := range results {
		m, ok := v.(map[string]any)
		if !ok {
			outputs[id] = v
			continue
		}
		href, _ := m["href"].(string)
		if href == "" {
			if value, ok := m["value"]; ok {
				outputs[id] = value
			} else {
				outputs[id] = m
			}
			continue
		}
		dir := filepath.Dir(staging.StepOutputPath(req.OutDir, req.StepID, id, "x"))
		res, err := r.Fetcher.Fetch(ctx, href, dir)
		if err != nil {
			return nil, err
		}
		outputs[id] = map[string]any{"class": "File", "path": res.LocalPath}
	}
	return &StepResult{Outputs: outputs}, nil
}

// dismiss issues a best-effort DELETE when the local job is cancelled while
// a remote one is still running.
func (r *OGCRunner) dismiss(statusURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, statusURL, nil)
	if err != nil {
		return
	}
	resp, err := r.hc().Do(req)
	if err != nil {
		if r.Logger != nil {
			r.Logger.Warn("failed to dismiss remote job", "url", statusURL, "error", err)
		}
		return
	}
	resp.Body.Close()
}

func (r *OGCRunner) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	authctx.FromContext(ctx).Apply(req)

	resp, err := r.hc().Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeRefUnreachable, http.StatusBadGateway, "Provider unreachable",
			fmt.Sprintf("request to %s failed", url), err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxOGCResponseSize))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return providerError(url, resp.StatusCode, data)
	}
	return json.Unmarshal(data, out)
}

func (r *OGCRunner) hc() *http.Client {
	if r.HC != nil {
		return r.HC
	}
	return http.DefaultClient
}

func providerError(url string, status int, data []byte) error {
	detail := fmt.Sprintf("provider %s answered HTTP %d", url, status)
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &problem) == nil && problem.Detail != "" {
		detail += ": " + problem.Detail
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.New(apperr.CodeRefAuthRequired, http.StatusUnauthorized, "Authentication required", detail)
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return apperr.New(apperr.CodeStepFailed, status, "Provider error", detail)
	default:
		return apperr.New(apperr.CodeStepFailed, http.StatusBadGateway, "Provider error", detail)
	}
}

func linkByRel(st ogcStatus, rels ...string) string {
	for _, l := range st.Links {
		for _, rel := range rels {
			if l.Rel == rel {
				return l.Href
			}
		}
	}
	return ""
}

// resolveRef absolutises a possibly relative link against the request URL.
func resolveRef(base, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	trimmed := strings.TrimRight(base, "/")
	if idx := strings.Index(trimmed, "://"); idx >= 0 {
		if slash := strings.Index(trimmed[idx+3:], "/"); slash >= 0 {
			trimmed = trimmed[:idx+3+slash]
		}
	}
	return trimmed + "/" + strings.TrimLeft(ref, "/")
}

// ogcInputs renders staged values in OGC execute form: staged remote files
// become qualified href objects, everything else passes through.
func ogcInputs(inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs))
	for id, v := range inputs {
		out[id] = ogcValue(v)
	}
	return out
}

func ogcValue(v any) any {
	switch val := v.(type) {
	case []any:
		arr := make([]any, len(val))
		for i, item := range val {
			arr[i] = ogcValue(item)
		}
		return arr
	case map[string]any:
		if href, _ := val["location"].(string); href != "" {
			ref := map[string]any{"href": href}
			if mt, _ := val["format"].(string); mt != "" {
				ref["type"] = mt
			}
			return ref
		}
		if href, _ := val["href"].(string); href != "" {
			return val
		}
		return val
	default:
		return v
	}
}
