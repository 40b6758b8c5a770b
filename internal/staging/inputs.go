// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package staging materialises submitted inputs for a runner and publishes
// produced outputs to their final location.
package staging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/fetch"
	"github.com/weaverproc/weaver/internal/process"
)

// InputStager resolves submitted execute inputs into runner-ready values.
type InputStager struct {
	fetcher *fetch.Fetcher
	logger  *slog.Logger
}

// NewInputStager creates an input stager on top of the fetcher.
func NewInputStager(f *fetch.Fetcher, logger *slog.Logger) *InputStager {
	return &InputStager{fetcher: f, logger: logger.With("module", "staging")}
}

// Materialize validates the submitted inputs against the process
// description and produces the job-order mapping. With local=true, file
// references are fetched into dir; with local=false, http(s) and s3
// references stay as URLs and only vault references are resolved.
//
// Omitted optional inputs are dropped entirely, never passed as null.
func (s *InputStager) Materialize(ctx context.Context, proc *process.Process, submitted map[string]any, dir string, local bool) (map[string]any, error) {
	out := map[string]any{}

	for i := range proc.Inputs {
		desc := &proc.Inputs[i]
		raw, ok := submitted[desc.ID]
		if !ok {
			if desc.Default != nil {
				out[desc.ID] = desc.Default
				continue
			}
			if desc.MinOccurs > 0 {
				return nil, apperr.New(apperr.CodeSchemaInvalid, http.StatusBadRequest, "Missing input",
					fmt.Sprintf("required input %q was not provided", desc.ID))
			}
			continue
		}

		values := asList(raw)
		if len(values) < desc.MinOccurs {
			return nil, apperr.New(apperr.CodeSchemaInvalid, http.StatusBadRequest, "Invalid input",
				fmt.Sprintf("input %q requires at least %d values, got %d", desc.ID, desc.MinOccurs, len(values)))
		}
		if desc.MaxOccurs != process.Unbounded && len(values) > desc.MaxOccurs {
			return nil, apperr.New(apperr.CodeSchemaInvalid, http.StatusBadRequest, "Invalid input",
				fmt.Sprintf("input %q allows at most %d values, got %d", desc.ID, desc.MaxOccurs, len(values)))
		}

		resolved := make([]any, 0, len(values))
		for _, v := range values {
			r, err := s.resolveValue(ctx, desc, v, dir, local)
			if err != nil {
				return nil, err
			}
			resolved = append(resolved, r)
		}

		if desc.IsArray() {
			out[desc.ID] = resolved
		} else {
			out[desc.ID] = resolved[0]
		}
	}

	for id := range submitted {
		if _, ok := proc.Input(id); !ok {
			return nil, apperr.New(apperr.CodeSchemaInvalid, http.StatusBadRequest, "Unknown input",
				fmt.Sprintf("input %q is not declared by the process", id))
		}
	}
	return out, nil
}

// resolveValue handles one submitted value of an input.
func (s *InputStager) resolveValue(ctx context.Context, desc *process.IODescriptor, v any, dir string, local bool) (any, error) {
	// {"value": ...} wrapping is unwrapped first; {"href": ...} goes down
	// the reference path, {"bbox": ...} stays structured.
	if m, ok := v.(map[string]any); ok {
		switch {
		case hasKey(m, "value"):
			v = m["value"]
		case hasKey(m, "href"):
			ref, _ := m["href"].(string)
			mediaType, _ := m["type"].(string)
			return s.resolveReference(ctx, desc, ref, mediaType, dir, local)
		case hasKey(m, "bbox"):
			if desc.Class != process.ClassBoundingBox {
				return nil, apperr.New(apperr.CodeSchemaInvalid, http.StatusBadRequest, "Invalid input",
					fmt.Sprintf("input %q does not accept a bounding box", desc.ID))
			}
			return m, nil
		}
	}

	switch desc.Class {
	case process.ClassLiteral, process.ClassEnum:
		if err := desc.ValidateValue(fmt.Sprint(v)); err != nil {
			return nil, apperr.Wrap(apperr.CodeSchemaInvalid, http.StatusBadRequest, "Invalid input",
				fmt.Sprintf("input %q rejected", desc.ID), err)
		}
		return v, nil
	case process.ClassComplex:
		if ref, ok := v.(string); ok && looksLikeReference(ref) {
			return s.resolveReference(ctx, desc, ref, "", dir, local)
		}
		// Inline complex value (embedded JSON or text payload).
		return v, nil
	case process.ClassBoundingBox:
		return v, nil
	default:
		return v, nil
	}
}

func (s *InputStager) resolveReference(ctx context.Context, desc *process.IODescriptor, ref, mediaType, dir string, local bool) (any, error) {
	if ref == "" {
		return nil, apperr.New(apperr.CodeRefInvalid, http.StatusBadRequest, "Invalid reference",
			fmt.Sprintf("input %q has an empty href", desc.ID))
	}

	isDir := desc.Complex != nil && desc.Complex.Directory
	if isDir && !strings.HasSuffix(ref, "/") {
		return nil, apperr.New(apperr.CodeRefInvalid, http.StatusBadRequest, "Invalid reference",
			fmt.Sprintf("directory input %q requires a trailing slash on %q", desc.ID, ref))
	}
	if isDir {
		// The engine stages directories itself; the top-level name is kept
		// so relative lookups inside the directory keep working.
		return map[string]any{"class": "Directory", "location": strings.TrimSuffix(ref, "/")}, nil
	}

	// Vault references are always resolved, even for remote runners: the
	// one-shot token would be useless downstream.
	mustFetch := local || strings.HasPrefix(ref, "vault://") || strings.HasPrefix(ref, "file://")
	if !mustFetch {
		return map[string]any{"class": "File", "location": ref}, nil
	}

	var opts []fetch.FetchOption
	if mediaType != "" {
		opts = append(opts, fetch.WithExpectedMediaType(mediaType))
	}
	res, err := s.fetcher.Fetch(ctx, ref, dir, opts...)
	if err != nil {
		return nil, err
	}
	return map[string]any{"class": "File", "path": res.LocalPath}, nil
}

// asList flattens the scalar-vs-array submission forms into a slice.
func asList(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

func looksLikeReference(s string) bool {
	for _, scheme := range []string{"http://", "https://", "s3://", "file://", "vault://"} {
		if strings.HasPrefix(s, scheme) {
			return true
		}
	}
	return false
}
