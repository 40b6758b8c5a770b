// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/cwl"
	"github.com/weaverproc/weaver/internal/fetch"
	"github.com/weaverproc/weaver/internal/staging"
	"github.com/weaverproc/weaver/internal/wps"
)

// WPSRunner submits a step to a remote WPS 1.0.0 service and polls the
// stored status document until it reaches a terminal state. It also serves
// ESGF-CWT endpoints, which speak the same protocol.
type WPSRunner struct {
	Fetcher *fetch.Fetcher
	Logger  *slog.Logger

	// PollCeiling bounds the status poll interval. Zero means 30s.
	PollCeiling time.Duration

	// newClient is swapped in tests.
	newClient func(endpoint string, logger *slog.Logger) *wps.Client
}

func (r *WPSRunner) Name() string { return "wps1" }

func (r *WPSRunner) Run(ctx context.Context, req *StepRequest) (*StepResult, error) {
	endpoint, processID := remoteTarget(req.Document, cwl.ReqWPS1)
	if endpoint == "" {
		endpoint, processID = remoteTarget(req.Document, cwl.ReqESGFCWT)
	}
	if endpoint == "" || processID == "" {
		return nil, apperr.New(apperr.CodeUnprocessable, http.StatusUnprocessableEntity,
			"Invalid remote step", "WPS requirement names no provider or process")
	}

	newClient := r.newClient
	if newClient == nil {
		newClient = wps.NewClient
	}
	client := newClient(endpoint, r.Logger)

	literals, references := splitWPSInputs(req.Inputs)
	resp, err := client.Execute(ctx, wps.BuildExecute(processID, literals, references, nil))
	if err != nil {
		return nil, err
	}

	resp, err = r.waitTerminal(ctx, client, resp, req)
	if err != nil {
		return nil, err
	}
	return r.collect(ctx, req, resp)
}

// waitTerminal polls the statusLocation until the execution succeeds or
// fails, with exponentially growing intervals bounded by the ceiling.
func (r *WPSRunner) waitTerminal(ctx context.Context, client *wps.Client, resp *wps.ExecuteResponse, req *StepRequest) (*wps.ExecuteResponse, error) {
	ceiling := r.PollCeiling
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = ceiling
	bo.MaxElapsedTime = 0

	for {
		state, progress, message := resp.Status.State()
		if req.Progress != nil {
			req.Progress(progress)
		}
		switch state {
		case "succeeded":
			return resp, nil
		case "failed":
			return nil, apperr.New(apperr.CodeStepFailed, http.StatusBadGateway, "Remote step failed",
				fmt.Sprintf("provider reported failure: %s", message))
		}

		if resp.StatusLocation == "" {
			return nil, apperr.New(apperr.CodeStepFailed, http.StatusBadGateway, "Remote step failed",
				"provider returned a non-terminal response without a status location")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}

		next, err := client.PollStatus(ctx, resp.StatusLocation)
		if err != nil {
			return nil, err
		}
		if next.StatusLocation == "" {
			next.StatusLocation = resp.StatusLocation
		}
		resp = next
	}
}

// collect downloads referenced outputs into the step output layout and
// passes inline literals through.
func (r *WPSRunner) collect(ctx context.Context, req *StepRequest, resp *wps.ExecuteResponse) (*StepResult, error) {
	outputs := map[string]any{}
	for _, out := range resp.ProcessOutputs {
		switch {
		case out.Reference != nil:
			dir := filepath.Dir(staging.StepOutputPath(req.OutDir, req.StepID, out.Identifier, "x"))
			res, err := r.Fetcher.Fetch(ctx, out.Reference.Href, dir)
			if err != nil {
				return nil, err
			}
			outputs[out.Identifier] = map[string]any{"class": "File", "path": res.LocalPath}
		case out.Data != nil && out.Data.Literal != nil:
			outputs[out.Identifier] = out.Data.Literal.Value
		}
	}
	return &StepResult{Outputs: outputs}, nil
}

// remoteTarget reads the provider endpoint and process id from a dispatch
// requirement.
func remoteTarget(doc cwl.Document, class string) (endpoint, processID string) {
	return requirementField(doc, class, "provider"), requirementField(doc, class, "process")
}

// splitWPSInputs folds staged values into the literal/reference split of a
// WPS Execute request. Staged remote files keep their URLs; everything else
// is rendered as a literal string.
func splitWPSInputs(inputs map[string]any) (literals map[string]string, references map[string][]string) {
	literals = map[string]string{}
	references = map[string][]string{}
	for id, v := range inputs {
		values, ok := v.([]any)
		if !ok {
			values = []any{v}
		}
		for _, value := range values {
			if m, ok := value.(map[string]any); ok {
				if href, _ := m["location"].(string); href != "" {
					references[id] = append(references[id], href)
					continue
				}
				if href, _ := m["href"].(string); href != "" {
					references[id] = append(references[id], href)
					continue
				}
			}
			literals[id] = fmt.Sprintf("%v", value)
		}
	}
	return literals, references
}
