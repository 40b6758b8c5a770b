// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package staging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/fetch"
	"github.com/weaverproc/weaver/internal/job"
	"github.com/weaverproc/weaver/internal/process"
)

func testProcess() *process.Process {
	return &process.Process{
		ID:      "subset",
		Version: "1.0.0",
		Inputs: []process.IODescriptor{
			{
				ID:    "dataset",
				Class: process.ClassComplex,
				Complex: &process.ComplexSpec{Formats: []process.Format{
					{MediaType: "application/x-netcdf", Default: true},
				}},
				MinOccurs: 1,
				MaxOccurs: 2,
			},
			{
				ID:        "variable",
				Class:     process.ClassLiteral,
				Literal:   &process.LiteralSpec{Kind: process.LiteralString},
				MinOccurs: 0,
				MaxOccurs: 1,
				Default:   "tas",
			},
			{
				ID:            "level",
				Class:         process.ClassEnum,
				Literal:       &process.LiteralSpec{Kind: process.LiteralInteger},
				AllowedValues: []string{"500", "850"},
				MinOccurs:     0,
				MaxOccurs:     1,
			},
		},
		Outputs: []process.IODescriptor{
			{
				ID:    "output",
				Class: process.ClassComplex,
				Complex: &process.ComplexSpec{Formats: []process.Format{
					{MediaType: "application/x-netcdf", Default: true},
				}},
				MinOccurs: 1,
				MaxOccurs: 1,
			},
			{
				ID:        "summary",
				Class:     process.ClassLiteral,
				Literal:   &process.LiteralSpec{Kind: process.LiteralString},
				MinOccurs: 0,
				MaxOccurs: 1,
			},
		},
		OutputTransmission: []process.TransmissionMode{process.TransmissionReference},
	}
}

func newInputStager(t *testing.T) *InputStager {
	t.Helper()
	f := fetch.New(fetch.Config{}, nil, nil, slog.Default())
	return NewInputStager(f, slog.Default())
}

func TestMaterializeLocalFetchesReferences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-netcdf")
		_, _ = w.Write([]byte("netcdf-bytes"))
	}))
	defer srv.Close()

	s := newInputStager(t)
	dir := t.TempDir()
	out, err := s.Materialize(context.Background(), testProcess(), map[string]any{
		"dataset": map[string]any{"href": srv.URL + "/a.nc"},
		"level":   "500",
	}, dir, true)
	require.NoError(t, err)

	ds, ok := out["dataset"].(map[string]any)
	require.True(t, ok, "dataset should be a CWL File object, got %T", out["dataset"])
	assert.Equal(t, "File", ds["class"])
	path, _ := ds["path"].(string)
	assert.FileExists(t, path)

	// default applied for the omitted "variable"
	assert.Equal(t, "tas", out["variable"])
	assert.Equal(t, "500", out["level"])
}

func TestMaterializeRemoteKeepsURLs(t *testing.T) {
	s := newInputStager(t)
	out, err := s.Materialize(context.Background(), testProcess(), map[string]any{
		"dataset": map[string]any{"href": "https://data.example.test/a.nc"},
	}, t.TempDir(), false)
	require.NoError(t, err)

	ds := out["dataset"].(map[string]any)
	assert.Equal(t, "https://data.example.test/a.nc", ds["location"])
}

func TestMaterializeRequiredMissing(t *testing.T) {
	s := newInputStager(t)
	_, err := s.Materialize(context.Background(), testProcess(), map[string]any{}, t.TempDir(), false)
	assert.True(t, apperr.IsCode(err, apperr.CodeSchemaInvalid))
}

func TestMaterializeTooManyValues(t *testing.T) {
	s := newInputStager(t)
	_, err := s.Materialize(context.Background(), testProcess(), map[string]any{
		"dataset": []any{
			map[string]any{"href": "https://x.test/1.nc"},
			map[string]any{"href": "https://x.test/2.nc"},
			map[string]any{"href": "https://x.test/3.nc"},
		},
	}, t.TempDir(), false)
	assert.True(t, apperr.IsCode(err, apperr.CodeSchemaInvalid))
}

func TestMaterializeArrayPreservesOrder(t *testing.T) {
	s := newInputStager(t)
	out, err := s.Materialize(context.Background(), testProcess(), map[string]any{
		"dataset": []any{
			map[string]any{"href": "https://x.test/1.nc"},
			map[string]any{"href": "https://x.test/2.nc"},
		},
	}, t.TempDir(), false)
	require.NoError(t, err)

	list, ok := out["dataset"].([]any)
	require.True(t, ok)
	require.Len(t, list, 2)
	assert.Equal(t, "https://x.test/1.nc", list[0].(map[string]any)["location"])
	assert.Equal(t, "https://x.test/2.nc", list[1].(map[string]any)["location"])
}

func TestMaterializeEnumRejected(t *testing.T) {
	s := newInputStager(t)
	_, err := s.Materialize(context.Background(), testProcess(), map[string]any{
		"dataset": map[string]any{"href": "https://x.test/1.nc"},
		"level":   "700",
	}, t.TempDir(), false)
	assert.True(t, apperr.IsCode(err, apperr.CodeSchemaInvalid))
}

func TestMaterializeUnknownInput(t *testing.T) {
	s := newInputStager(t)
	_, err := s.Materialize(context.Background(), testProcess(), map[string]any{
		"dataset": map[string]any{"href": "https://x.test/1.nc"},
		"bogus":   1,
	}, t.TempDir(), false)
	assert.True(t, apperr.IsCode(err, apperr.CodeSchemaInvalid))
}

func TestMaterializeDirectoryNeedsTrailingSlash(t *testing.T) {
	proc := testProcess()
	proc.Inputs[0].Complex.Directory = true

	s := newInputStager(t)
	_, err := s.Materialize(context.Background(), proc, map[string]any{
		"dataset": map[string]any{"href": "https://x.test/dir"},
	}, t.TempDir(), false)
	assert.True(t, apperr.IsCode(err, apperr.CodeRefInvalid))

	out, err := s.Materialize(context.Background(), proc, map[string]any{
		"dataset": map[string]any{"href": "https://x.test/dir/"},
	}, t.TempDir(), false)
	require.NoError(t, err)
	assert.Equal(t, "Directory", out["dataset"].(map[string]any)["class"])
}

// fakeUploader records uploads without AWS.
type fakeUploader struct {
	keys []string
}

func (f *fakeUploader) upload(_ context.Context, region, bucket, key string, r io.Reader, _ string) (string, error) {
	_, _ = io.ReadAll(r)
	f.keys = append(f.keys, key)
	return "https://" + bucket + ".s3." + region + ".amazonaws.com/" + key, nil
}

func newJob(t *testing.T) *job.Job {
	t.Helper()
	j := job.New("subset", job.StatusAccepted)
	j.OutputContext = "public"
	return j
}

func TestPublishToOutputDir(t *testing.T) {
	outRoot := t.TempDir()
	workDir := t.TempDir()
	produced := filepath.Join(workDir, "result.nc")
	require.NoError(t, os.WriteFile(produced, []byte("netcdf"), 0o644))

	p := NewPublisher(PublisherConfig{OutputDir: outRoot, OutputURL: "https://weaver.test/wpsoutputs"}, slog.Default())
	j := newJob(t)

	results, err := p.Publish(context.Background(), j, testProcess(), map[string]any{
		"output": map[string]any{"class": "File", "path": produced},
	}, workDir)
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, "output", res.ID)
	wantHref := "https://weaver.test/wpsoutputs/public/" + j.ID.String() + "/output/result.nc"
	assert.Equal(t, wantHref, res.Href)
	assert.FileExists(t, filepath.Join(outRoot, "public", j.ID.String(), "output", "result.nc"))
	assert.Equal(t, "application/x-netcdf", res.MediaType)
	assert.Equal(t, process.TransmissionReference, res.Mode)

	// The result points at the published copy, not the job workdir: raw
	// responses stream it after the workdir is gone.
	assert.Equal(t, filepath.Join(outRoot, "public", j.ID.String(), "output", "result.nc"), res.LocalPath)
}

func TestPublishValueModeFileKeepsLocalCopy(t *testing.T) {
	outRoot := t.TempDir()
	workDir := t.TempDir()
	produced := filepath.Join(workDir, "result.nc")
	require.NoError(t, os.WriteFile(produced, []byte("netcdf"), 0o644))

	p := NewPublisher(PublisherConfig{OutputDir: outRoot, OutputURL: "https://weaver.test/wpsoutputs"}, slog.Default())
	j := newJob(t)
	j.OutputsRequest = map[string]job.OutputRequest{
		"output": {TransmissionMode: process.TransmissionValue},
	}

	results, err := p.Publish(context.Background(), j, testProcess(), map[string]any{
		"output": map[string]any{"class": "File", "path": produced},
	}, workDir)
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	// Complex outputs are never inlined as strings; the value is served
	// from the published copy.
	assert.Empty(t, res.Value)
	assert.Equal(t, process.TransmissionValue, res.Mode)
	require.NotEmpty(t, res.LocalPath)
	data, err := os.ReadFile(res.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "netcdf", string(data))
}

func TestPublishToS3(t *testing.T) {
	workDir := t.TempDir()
	produced := filepath.Join(workDir, "result.nc")
	require.NoError(t, os.WriteFile(produced, []byte("netcdf"), 0o644))

	up := &fakeUploader{}
	p := NewPublisher(PublisherConfig{S3Bucket: "weaver-out", S3Region: "ca-central-1"}, slog.Default())
	p.s3 = up
	j := newJob(t)

	results, err := p.Publish(context.Background(), j, testProcess(), map[string]any{
		"output": map[string]any{"class": "File", "path": produced},
	}, workDir)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, up.keys, 1)
	assert.Equal(t, "public/"+j.ID.String()+"/output/result.nc", up.keys[0])
	assert.Contains(t, results[0].Href, "weaver-out.s3.ca-central-1.amazonaws.com")
	// S3 keeps no local copy; the workdir file is about to be removed.
	assert.Empty(t, results[0].LocalPath)
}

func TestPublishInlinesLiteralValue(t *testing.T) {
	workDir := t.TempDir()
	producedNC := filepath.Join(workDir, "result.nc")
	producedTxt := filepath.Join(workDir, "summary.txt")
	require.NoError(t, os.WriteFile(producedNC, []byte("netcdf"), 0o644))
	require.NoError(t, os.WriteFile(producedTxt, []byte("mean=3.2\n"), 0o644))

	p := NewPublisher(PublisherConfig{OutputDir: t.TempDir(), OutputURL: "https://weaver.test/out"}, slog.Default())
	j := newJob(t)
	j.OutputsRequest = map[string]job.OutputRequest{
		"output":  {TransmissionMode: process.TransmissionReference},
		"summary": {TransmissionMode: process.TransmissionValue},
	}

	results, err := p.Publish(context.Background(), j, testProcess(), map[string]any{
		"output":  map[string]any{"class": "File", "path": producedNC},
		"summary": map[string]any{"class": "File", "path": producedTxt},
	}, workDir)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := map[string]job.Result{}
	for _, r := range results {
		byID[r.ID] = r
	}
	assert.NotEmpty(t, byID["output"].Href)
	assert.Empty(t, byID["output"].Value)
	assert.Equal(t, "mean=3.2", byID["summary"].Value)
	assert.Empty(t, byID["summary"].Href)
}

func TestPublishOutputsFilter(t *testing.T) {
	workDir := t.TempDir()
	produced := filepath.Join(workDir, "result.nc")
	require.NoError(t, os.WriteFile(produced, []byte("netcdf"), 0o644))

	p := NewPublisher(PublisherConfig{OutputDir: t.TempDir(), OutputURL: "https://weaver.test/out"}, slog.Default())
	j := newJob(t)
	j.OutputsRequest = map[string]job.OutputRequest{"output": {}}

	results, err := p.Publish(context.Background(), j, testProcess(), map[string]any{
		"output":  map[string]any{"class": "File", "path": produced},
		"summary": map[string]any{"class": "File", "path": produced},
	}, workDir)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "output", results[0].ID)
}

func TestPublishMissingRequiredOutput(t *testing.T) {
	p := NewPublisher(PublisherConfig{OutputDir: t.TempDir(), OutputURL: "https://weaver.test/out"}, slog.Default())
	_, err := p.Publish(context.Background(), newJob(t), testProcess(), map[string]any{}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output")
}

func TestLocateFilesGlobFallback(t *testing.T) {
	outDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(outDir, "step1", "output"), 0o755))
	nested := filepath.Join(outDir, "step1", "output", "part.nc")
	require.NoError(t, os.WriteFile(nested, []byte("x"), 0o644))

	files := locateFiles(nil, outDir, "output")
	require.Len(t, files, 1)
	assert.Equal(t, nested, files[0].path)
}

func TestStepOutputPath(t *testing.T) {
	got := StepOutputPath("/work", "step1", "output", "a.nc")
	assert.Equal(t, filepath.Join("/work", "step1", "output", "a.nc"), got)
}
