// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/authctx"
	"github.com/weaverproc/weaver/internal/process"
	"github.com/weaverproc/weaver/internal/store"
)

const maxOGCResponse = 30 << 20

// processList is the OGC-API /processes listing envelope.
type processList struct {
	Processes []process.OGCDescription `json:"processes"`
}

// fetchOGC lists and materialises the processes of an OGC-API provider.
// The cache TTL follows the Cache-Control of the listing response.
func fetchOGC(ctx context.Context, p *store.Provider) ([]process.Process, time.Duration, error) {
	base := strings.TrimRight(p.URL, "/")

	var list processList
	cacheControl, err := getJSON(ctx, base+"/processes", &list)
	if err != nil {
		return nil, 0, err
	}
	ttl := parseCacheTTL(cacheControl)

	procs := make([]process.Process, 0, len(list.Processes))
	for i := range list.Processes {
		summary := &list.Processes[i]

		// The listing carries summaries; the full description has the
		// inputs/outputs.
		var full process.OGCDescription
		if _, err := getJSON(ctx, base+"/processes/"+summary.ID, &full); err != nil {
			return nil, 0, fmt.Errorf("provider %s process %s: %w", p.ID, summary.ID, err)
		}

		proc, err := materializeOGC(&full, base)
		if err != nil {
			return nil, 0, fmt.Errorf("provider %s process %s: %w", p.ID, summary.ID, err)
		}
		procs = append(procs, *proc)
	}
	return procs, ttl, nil
}

// materializeOGC converts a remote OGC-API description into the canonical
// model.
func materializeOGC(doc *process.OGCDescription, baseURL string) (*process.Process, error) {
	inputs, outputs, err := process.ParseOGC(doc)
	if err != nil {
		return nil, err
	}
	mergedIn, err := process.MergeIO(false, inputs)
	if err != nil {
		return nil, err
	}
	mergedOut, err := process.MergeIO(true, outputs)
	if err != nil {
		return nil, err
	}

	controls := doc.JobControlOptions
	if len(controls) == 0 {
		controls = []process.JobControl{process.ControlAsync}
	}
	transmission := doc.OutputTransmission
	if len(transmission) == 0 {
		transmission = []process.TransmissionMode{process.TransmissionReference}
	}
	return &process.Process{
		ID:                 doc.ID,
		Version:            doc.Version,
		Title:              doc.Title,
		Description:        doc.Description,
		Keywords:           doc.Keywords,
		Metadata:           doc.Metadata,
		Inputs:             mergedIn,
		Outputs:            mergedOut,
		JobControlOptions:  controls,
		OutputTransmission: transmission,
		Visibility:         process.VisibilityPublic,
		Type:               process.TypeOGCAPI,
		Unit: process.ExecutionUnit{
			Kind: process.UnitOGCAPI,
			Href: baseURL + "/processes/" + doc.ID,
		},
	}, nil
}

// getJSON fetches and decodes a JSON document, returning the response's
// Cache-Control header.
func getJSON(ctx context.Context, url string, out any) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	authctx.FromContext(ctx).Apply(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeRefUnreachable, http.StatusBadGateway, "Provider unreachable",
			fmt.Sprintf("request to %s failed", url), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxOGCResponse))
	if err != nil {
		return "", err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", apperr.New(apperr.CodeRefAuthRequired, http.StatusUnauthorized, "Authentication required",
			fmt.Sprintf("provider answered HTTP %d for %s", resp.StatusCode, url))
	case resp.StatusCode >= 400:
		return "", apperr.New(apperr.CodeUnprocessable, http.StatusBadGateway, "Provider error",
			fmt.Sprintf("provider answered HTTP %d for %s", resp.StatusCode, url))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return "", fmt.Errorf("failed to parse response from %s: %w", url, err)
	}
	return resp.Header.Get("Cache-Control"), nil
}
