// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/cwl"
	"github.com/weaverproc/weaver/internal/fetch"
	"github.com/weaverproc/weaver/internal/job"
	"github.com/weaverproc/weaver/internal/process"
	"github.com/weaverproc/weaver/internal/store"
)

const thumbnailCWL = `
cwlVersion: v1.0
class: CommandLineTool
id: thumbnail
label: Thumbnail generator
baseCommand: convert
hints:
  DockerRequirement:
    dockerPull: example/convert:7
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

func newService(t *testing.T) *Service {
	t.Helper()
	logger := slog.Default()
	st, err := store.Open(filepath.Join(t.TempDir(), "weaver.db"), logger)
	require.NoError(t, err)
	return NewService(Config{}, st, fetch.New(fetch.Config{}, nil, nil, logger), logger)
}

func TestDeployBareCWL(t *testing.T) {
	s := newService(t)
	p, err := s.Deploy(context.Background(), []byte(thumbnailCWL), "application/cwl+yaml")
	require.NoError(t, err)

	assert.Equal(t, "thumbnail", p.ID)
	assert.Equal(t, "1.0.0", p.Version)
	assert.Equal(t, process.TypeApplication, p.Type)
	assert.Equal(t, "Thumbnail generator", p.Title)

	image, ok := p.Input("image")
	require.True(t, ok)
	assert.Equal(t, process.ClassComplex, image.Class)
	require.NotEmpty(t, image.Complex.Formats)
	assert.Equal(t, "image/tiff", image.Complex.Formats[0].MediaType)

	width, ok := p.Input("width")
	require.True(t, ok)
	assert.Equal(t, 0, width.MinOccurs, "defaulted input must be optional")

	stored, err := s.store.GetProcess("thumbnail", "")
	require.NoError(t, err)
	assert.Equal(t, p.Version, stored.Version)
}

func TestDeployPackageWithDescription(t *testing.T) {
	s := newService(t)
	body := fmt.Sprintf(`{
		"processDescription": {
			"id": "thumbs",
			"title": "Thumbnails",
			"version": "2.1.0",
			"keywords": ["raster"],
			"jobControlOptions": ["async-execute", "dismiss"],
			"inputs": {
				"width": {"schema": {"type": "integer"}, "minOccurs": 0, "maxOccurs": 1}
			},
			"outputs": {}
		},
		"executionUnit": [{"unit": %s}]
	}`, mustJSONFromYAML(t, thumbnailCWL))

	p, err := s.Deploy(context.Background(), []byte(body), "application/json")
	require.NoError(t, err)
	assert.Equal(t, "thumbs", p.ID)
	assert.Equal(t, "2.1.0", p.Version)
	assert.Equal(t, "Thumbnails", p.Title)
	assert.Equal(t, []process.JobControl{process.ControlAsync, process.ControlDismiss}, p.JobControlOptions)
	// The CWL inputs survive the merge even when only partially declared.
	_, ok := p.Input("image")
	assert.True(t, ok)
}

func TestDeployDescriptionMismatch(t *testing.T) {
	s := newService(t)
	body := fmt.Sprintf(`{
		"processDescription": {
			"id": "thumbs",
			"inputs": {"image": {"schema": {"type": "integer"}}},
			"outputs": {}
		},
		"executionUnit": [{"unit": %s}]
	}`, mustJSONFromYAML(t, thumbnailCWL))

	_, err := s.Deploy(context.Background(), []byte(body), "application/json")
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeDescriptionMismatch))
}

func TestDeployRejectsBuiltinID(t *testing.T) {
	s := newService(t)
	body := `{
		"processDescription": {"id": "echo", "inputs": {}, "outputs": {}},
		"executionUnit": [{"unit": {"cwlVersion": "v1.0", "class": "CommandLineTool", "inputs": {}, "outputs": {}}}]
	}`
	_, err := s.Deploy(context.Background(), []byte(body), "application/json")
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeForbidden))
}

func TestDeployDuplicateVersionConflicts(t *testing.T) {
	s := newService(t)
	_, err := s.Deploy(context.Background(), []byte(thumbnailCWL), "application/cwl+yaml")
	require.NoError(t, err)
	_, err = s.Deploy(context.Background(), []byte(thumbnailCWL), "application/cwl+yaml")
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeConflictInUse))
}

func TestReplaceBumpsMajor(t *testing.T) {
	s := newService(t)
	_, err := s.Deploy(context.Background(), []byte(thumbnailCWL), "application/cwl+yaml")
	require.NoError(t, err)

	p, err := s.Replace(context.Background(), "thumbnail", []byte(thumbnailCWL), "application/cwl+yaml")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", p.Version)

	// The old revision stays addressable.
	old, err := s.store.GetProcess("thumbnail", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", old.Version)
}

func TestPatchMetadataAndControls(t *testing.T) {
	s := newService(t)
	_, err := s.Deploy(context.Background(), []byte(thumbnailCWL), "application/cwl+yaml")
	require.NoError(t, err)

	p, err := s.Patch(context.Background(), "thumbnail", []byte(`{"title": "Renamed"}`))
	require.NoError(t, err)
	assert.Equal(t, "Renamed", p.Title)
	assert.Equal(t, "1.0.1", p.Version)

	p, err = s.Patch(context.Background(), "thumbnail", []byte(`{"jobControlOptions": ["async-execute"]}`))
	require.NoError(t, err)
	assert.Equal(t, []process.JobControl{process.ControlAsync}, p.JobControlOptions)
	assert.Equal(t, "1.1.0", p.Version)

	_, err = s.Patch(context.Background(), "thumbnail", []byte(`{"inputs": {}}`))
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeForbidden))
}

func TestUndeployRefusedWhileJobsRun(t *testing.T) {
	s := newService(t)
	_, err := s.Deploy(context.Background(), []byte(thumbnailCWL), "application/cwl+yaml")
	require.NoError(t, err)

	j := job.New("thumbnail", job.StatusAccepted)
	require.NoError(t, s.store.CreateJob(j))

	err = s.Undeploy(context.Background(), "thumbnail")
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeConflictInUse))

	prev := j.UpdatedAt
	require.NoError(t, j.Transition(job.StatusDismissed))
	require.NoError(t, s.store.UpdateJob(j, prev))

	require.NoError(t, s.Undeploy(context.Background(), "thumbnail"))
	_, err = s.store.GetProcess("thumbnail", "")
	require.Error(t, err)
}

func TestDeployWPSUnit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "DescribeProcess", r.URL.Query().Get("request"))
		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, `<?xml version="1.0"?>
<ProcessDescriptions xmlns="http://www.opengis.net/wps/1.0.0">
  <ProcessDescription processVersion="1.4" statusSupported="true" storeSupported="true">
    <Identifier>Buffer</Identifier>
    <Title>Buffer geometry</Title>
    <DataInputs>
      <Input minOccurs="1" maxOccurs="1">
        <Identifier>data</Identifier>
        <Title>Geometry</Title>
        <ComplexData>
          <Default><Format><MimeType>application/geo+json</MimeType></Format></Default>
        </ComplexData>
      </Input>
    </DataInputs>
    <ProcessOutputs>
      <Output>
        <Identifier>result</Identifier>
        <Title>Buffered geometry</Title>
        <ComplexOutput>
          <Default><Format><MimeType>application/geo+json</MimeType></Format></Default>
        </ComplexOutput>
      </Output>
    </ProcessOutputs>
  </ProcessDescription>
</ProcessDescriptions>`)
	}))
	defer srv.Close()

	s := newService(t)
	body := fmt.Sprintf(`{
		"processDescription": {"id": "Buffer"},
		"executionUnit": [{"href": "%s/wps?service=WPS"}]
	}`, srv.URL)

	p, err := s.Deploy(context.Background(), []byte(body), "application/json")
	require.NoError(t, err)
	assert.Equal(t, process.TypeWPS1, p.Type)
	assert.Equal(t, "1.4", p.Version)
	assert.Equal(t, process.UnitWPS, p.Unit.Kind)

	data, ok := p.Input("data")
	require.True(t, ok)
	assert.Equal(t, "application/geo+json", data.Complex.Formats[0].MediaType)
}

func TestDeployRejectsInvalidDeclaredSchema(t *testing.T) {
	s := newService(t)
	body := `{
		"processDescription": {
			"id": "bad",
			"inputs": {"n": {"schema": {"type": "integer", "default": "not-a-number"}}},
			"outputs": {}
		},
		"executionUnit": [{"unit": {"cwlVersion": "v1.0", "class": "CommandLineTool",
			"inputs": {"n": "int"}, "outputs": {}}}]
	}`
	_, err := s.Deploy(context.Background(), []byte(body), "application/json")
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeSchemaInvalid))
}

func TestRevisionIDsAssigned(t *testing.T) {
	s := newService(t)
	p, err := s.Deploy(context.Background(), []byte(thumbnailCWL), "application/cwl+yaml")
	require.NoError(t, err)
	require.NotEmpty(t, p.RevisionID)

	patched, err := s.Patch(context.Background(), "thumbnail", []byte(`{"title": "Renamed"}`))
	require.NoError(t, err)
	require.NotEmpty(t, patched.RevisionID)
	assert.NotEqual(t, p.RevisionID, patched.RevisionID)

	// Each stored revision keeps its own identifier.
	old, err := s.store.GetProcess("thumbnail", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, p.RevisionID, old.RevisionID)
}

func TestDeployGuardsEnumLiterals(t *testing.T) {
	s := newService(t)
	body := `
cwlVersion: v1.0
class: CommandLineTool
id: resample
baseCommand: resample
inputs:
  method:
    type:
      type: enum
      symbols: [bilinear, cubic]
outputs:
  resampled:
    type: File
    outputBinding:
      glob: out.nc
    format: https://www.iana.org/assignments/media-types/application/x-netcdf
`
	p, err := s.Deploy(context.Background(), []byte(body), "application/cwl+yaml")
	require.NoError(t, err)

	method, ok := p.Input("method")
	require.True(t, ok)
	assert.Equal(t, []string{"bilinear", "cubic"}, method.AllowedValues)

	inputs, ok := p.Unit.CWL["inputs"].(map[string]any)
	require.True(t, ok)
	binding, ok := inputs["method"].(map[string]any)["inputBinding"].(map[string]any)
	require.True(t, ok, "constrained literal input should carry a value guard")
	guard, _ := binding["valueFrom"].(string)
	assert.Contains(t, guard, `"bilinear"`)
	assert.Contains(t, guard, `"cubic"`)
	assert.Contains(t, cwl.Document(p.Unit.CWL).Requirements(), cwl.ReqInlineJS)
}

func TestDeployOWSContextOffering(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/cwl+yaml")
		fmt.Fprint(w, thumbnailCWL)
	}))
	defer srv.Close()

	s := newService(t)
	body := fmt.Sprintf(`{
		"processDescription": {
			"process": {
				"id": "thumbnail",
				"owsContext": {"offering": {"content": {"href": "%s/package.cwl"}}}
			}
		}
	}`, srv.URL)

	p, err := s.Deploy(context.Background(), []byte(body), "application/json")
	require.NoError(t, err)
	assert.Equal(t, "thumbnail", p.ID)
	assert.Equal(t, process.UnitCWL, p.Unit.Kind)
	_, ok := p.Input("image")
	assert.True(t, ok)
}

const thumbnailWorkflowCWL = `
cwlVersion: v1.0
class: Workflow
id: flow
inputs:
  image:
    type: File
    format: https://www.iana.org/assignments/media-types/image/tiff
outputs:
  thumbnail:
    type: File
    outputSource: make/thumbnail
    format: https://www.iana.org/assignments/media-types/image/png
steps:
  make:
    run: tool.cwl
    in:
      image: image
    out: [thumbnail]
`

func TestDeployWorkflowInlinesRunReferences(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("GET /flow.cwl", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, thumbnailWorkflowCWL)
	})
	mux.HandleFunc("GET /tool.cwl", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, thumbnailCWL)
	})

	s := newService(t)
	body := fmt.Sprintf(`{
		"processDescription": {"id": "flow"},
		"executionUnit": [{"href": "%s/flow.cwl"}]
	}`, srv.URL)
	p, err := s.Deploy(context.Background(), []byte(body), "application/json")
	require.NoError(t, err)
	assert.Equal(t, process.TypeWorkflow, p.Type)

	steps, err := cwl.Document(p.Unit.CWL).Steps()
	require.NoError(t, err)
	require.Len(t, steps, 1)
	run, ok := steps[0].Run.(map[string]any)
	require.True(t, ok, "run reference should be embedded, got %T", steps[0].Run)
	assert.Equal(t, "CommandLineTool", run["class"])
}

func TestDeployWorkflowRejectsUnresolvableRunReference(t *testing.T) {
	s := newService(t)
	_, err := s.Deploy(context.Background(), []byte(thumbnailWorkflowCWL), "application/cwl+yaml")
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeSchemaInvalid))
	assert.Contains(t, err.Error(), "package location")
}

func TestNextVersion(t *testing.T) {
	cases := []struct {
		current   string
		requested string
		bump      bumpKind
		want      string
		wantErr   bool
	}{
		{"1.0.0", "", bumpPatch, "1.0.1", false},
		{"1.0.0", "", bumpMinor, "1.1.0", false},
		{"1.2.3", "", bumpMajor, "2.0.0", false},
		{"1.0.0", "3.0.0", bumpMajor, "3.0.0", false},
		{"2.0.0", "1.5.0", bumpMajor, "", true},
		{"1.0.0", "abc", bumpMajor, "", true},
	}
	for _, tc := range cases {
		got, err := nextVersion(tc.current, tc.requested, tc.bump)
		if tc.wantErr {
			assert.Error(t, err, "current=%s requested=%s", tc.current, tc.requested)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

// mustJSONFromYAML converts the CWL YAML fixture into its JSON form for
// embedding inside a deployment package.
func mustJSONFromYAML(t *testing.T, y string) string {
	t.Helper()
	data, err := sigsyaml.YAMLToJSON([]byte(y))
	require.NoError(t, err)
	return string(data)
}
