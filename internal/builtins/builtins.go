// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package builtins implements the processes that ship with the instance
// and run in-process, without a container engine.
package builtins

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/weaverproc/weaver/internal/cwl"
	"github.com/weaverproc/weaver/internal/fetch"
	"github.com/weaverproc/weaver/internal/process"
)

// RunContext carries the per-invocation resources of a builtin run.
type RunContext struct {
	// WorkDir is the job-scoped directory where outputs are produced.
	WorkDir string
	Fetcher *fetch.Fetcher
	Logger  *slog.Logger
}

// RunFunc is the pure execution function of a builtin: staged inputs in,
// CWL-style outputs out.
type RunFunc func(ctx context.Context, rc *RunContext, inputs map[string]any) (map[string]any, error)

// Builtin couples the fixed process description with its implementation.
type Builtin struct {
	Process *process.Process
	Run     RunFunc
}

var registry = map[string]*Builtin{}

// register is called from each builtin's init.
func register(b *Builtin) {
	registry[b.Process.ID] = b
}

// Get returns a builtin by process id.
func Get(id string) (*Builtin, bool) {
	b, ok := registry[id]
	return b, ok
}

// List returns all builtins ordered by id.
func List() []*Builtin {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Builtin, 0, len(ids))
	for _, id := range ids {
		out = append(out, registry[id])
	}
	return out
}

// IsBuiltin reports whether the process id names a builtin.
func IsBuiltin(id string) bool {
	_, ok := registry[id]
	return ok
}

// describe assembles the fixed process description of a builtin.
func describe(id, title, abstract string, inputs, outputs []process.IODescriptor) *process.Process {
	return &process.Process{
		ID:                 id,
		Version:            "1.0.0",
		Title:              title,
		Description:        abstract,
		Inputs:             inputs,
		Outputs:            outputs,
		JobControlOptions:  []process.JobControl{process.ControlSync, process.ControlAsync, process.ControlDismiss},
		OutputTransmission: []process.TransmissionMode{process.TransmissionValue, process.TransmissionReference},
		Visibility:         process.VisibilityPublic,
		Type:               process.TypeBuiltin,
		Unit: process.ExecutionUnit{
			Kind: process.UnitCWL,
			CWL: map[string]any{
				"cwlVersion": "v1.0",
				"class":      "CommandLineTool",
				"hints": map[string]any{
					cwl.ReqBuiltin: map[string]any{"process": id},
				},
			},
		},
	}
}

func complexIO(id, title, mediaType string, minOccurs, maxOccurs int) process.IODescriptor {
	return process.IODescriptor{
		ID:    id,
		Title: title,
		Class: process.ClassComplex,
		Complex: &process.ComplexSpec{Formats: []process.Format{
			{MediaType: mediaType, Default: true},
		}},
		MinOccurs: minOccurs,
		MaxOccurs: maxOccurs,
	}
}

func literalIO(id, title string, kind process.LiteralKind, minOccurs int) process.IODescriptor {
	return process.IODescriptor{
		ID:        id,
		Title:     title,
		Class:     process.ClassLiteral,
		Literal:   &process.LiteralSpec{Kind: kind},
		MinOccurs: minOccurs,
		MaxOccurs: 1,
	}
}

// stagedPath extracts the local path from a staged CWL File value.
func stagedPath(v any) (string, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", fmt.Errorf("expected a staged file, got %T", v)
	}
	if p, _ := m["path"].(string); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("staged file has no local path")
}

func fileOutput(path string) map[string]any {
	return map[string]any{"class": "File", "path": path}
}
