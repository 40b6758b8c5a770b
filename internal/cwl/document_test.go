// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package cwl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadYAMLTool(t *testing.T) {
	doc, err := Load([]byte(`
cwlVersion: v1.0
class: CommandLineTool
baseCommand: echo
requirements:
  - class: DockerRequirement
    dockerPull: alpine:3
`))
	require.NoError(t, err)
	assert.Equal(t, "CommandLineTool", doc.Class())
	assert.False(t, doc.IsWorkflow())

	reqs := doc.Requirements()
	require.Contains(t, reqs, ReqDocker)
	assert.Equal(t, "alpine:3", reqs[ReqDocker]["dockerPull"])
}

func TestLoadUnwrapsSingleGraph(t *testing.T) {
	doc, err := Load([]byte(`{
		"cwlVersion": "v1.2",
		"$graph": [{"class": "CommandLineTool", "baseCommand": "true"}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "CommandLineTool", doc.Class())
	assert.Equal(t, "v1.2", doc["cwlVersion"])

	_, err = Load([]byte(`{"$graph": [{"class": "Workflow"}, {"class": "CommandLineTool"}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple entries")
}

func TestLoadRejectsClasslessDocument(t *testing.T) {
	_, err := Load([]byte(`{"cwlVersion": "v1.0"}`))
	require.Error(t, err)
}

func TestNormalizeDemotesUnknownRequirements(t *testing.T) {
	doc := Document{
		"class": "CommandLineTool",
		"requirements": []any{
			map[string]any{"class": "DockerRequirement", "dockerPull": "alpine:3"},
			map[string]any{"class": "SomeVendorRequirement", "x": 1},
			map[string]any{"class": "weaver:BuiltinRequirement", "process": "echo"},
		},
	}
	require.NoError(t, doc.Normalize())

	reqs := doc.Requirements()
	assert.Contains(t, reqs, ReqDocker)
	assert.Contains(t, reqs, ReqBuiltin, "reserved namespaces stay in requirements")
	assert.NotContains(t, reqs, "SomeVendorRequirement")
	assert.Contains(t, doc.Hints(), "SomeVendorRequirement")
}

func TestStepsAcceptsListAndMapForms(t *testing.T) {
	listForm := Document{
		"class": "Workflow",
		"steps": []any{
			map[string]any{
				"id":      "#fetch",
				"run":     map[string]any{"class": "CommandLineTool"},
				"in":      map[string]any{"url": "source"},
				"out":     []any{"result"},
				"scatter": "url",
			},
		},
	}
	steps, err := listForm.Steps()
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "fetch", steps[0].ID)
	assert.Equal(t, map[string]string{"url": "source"}, steps[0].In)
	assert.Equal(t, []string{"result"}, steps[0].Out)
	assert.Equal(t, []string{"url"}, steps[0].Scatter)

	mapForm := Document{
		"class": "Workflow",
		"steps": map[string]any{
			"convert": map[string]any{
				"in":  map[string]any{"data": map[string]any{"source": "fetch/result"}},
				"out": []any{map[string]any{"id": "#converted"}},
			},
		},
	}
	steps, err = mapForm.Steps()
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "convert", steps[0].ID)
	assert.Equal(t, "fetch/result", steps[0].In["data"])
	assert.Equal(t, []string{"converted"}, steps[0].Out)
}

func TestStepsErrors(t *testing.T) {
	_, err := Document{"class": "Workflow"}.Steps()
	require.Error(t, err)

	steps, err := Document{"class": "CommandLineTool"}.Steps()
	require.NoError(t, err)
	assert.Nil(t, steps)
}

func TestEnsureRequirement(t *testing.T) {
	doc := Document{"class": "CommandLineTool"}
	body := doc.EnsureRequirement(ReqNetworkAccess)
	require.NotNil(t, body)
	assert.Contains(t, doc.Requirements(), ReqNetworkAccess)

	// Idempotent: a second call returns the existing entry.
	_ = doc.EnsureRequirement(ReqNetworkAccess)
	assert.Len(t, doc.Requirements(), 1)
}
