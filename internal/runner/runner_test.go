// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaverproc/weaver/internal/apperr"
)

func TestLineWriterSplitsLines(t *testing.T) {
	var lines []string
	w := newLineWriter(func(l string) { lines = append(lines, l) })

	_, err := w.Write([]byte("first\nsec"))
	require.NoError(t, err)
	_, err = w.Write([]byte("ond\nthird"))
	require.NoError(t, err)
	w.Flush()

	assert.Equal(t, []string{"first", "second", "third"}, lines)
}

func TestEngineExecuteParsesOutputs(t *testing.T) {
	fake := &FakeCommandRunner{
		Stdout: "INFO banner line\n{\"result\": {\"class\": \"File\", \"path\": \"/out/a.nc\"}}",
		Stderr: []string{"step started", "step finished"},
	}
	e := &Engine{Binary: "cwltool", Runner: fake, Logger: slog.Default()}

	var logged []string
	outputs, err := e.Execute(context.Background(), "/pkg/app.cwl", "/work/job_order.json", t.TempDir(),
		ExecuteOptions{Log: func(l string) { logged = append(logged, l) }})
	require.NoError(t, err)

	require.Contains(t, outputs, "result")
	assert.Equal(t, []string{"step started", "step finished"}, logged)

	require.Len(t, fake.Calls, 1)
	args := fake.Calls[0]
	assert.Equal(t, "cwltool", args[0])
	assert.Contains(t, args, "--outdir")
	assert.Equal(t, "/pkg/app.cwl", args[len(args)-2])
}

func TestEngineExecuteProvenanceFlag(t *testing.T) {
	fake := &FakeCommandRunner{Stdout: "{}"}
	e := &Engine{Binary: "cwltool", Runner: fake, Logger: slog.Default()}

	_, err := e.Execute(context.Background(), "/pkg/app.cwl", "/work/job_order.json", t.TempDir(),
		ExecuteOptions{ProvenanceDir: "/work/prov"})
	require.NoError(t, err)
	assert.Contains(t, fake.Calls[0], "--provenance")
	assert.Contains(t, fake.Calls[0], "/work/prov")
}

func TestEngineExecuteFailure(t *testing.T) {
	fake := &FakeCommandRunner{Err: errors.New("exit status 1")}
	e := &Engine{Binary: "cwltool", Runner: fake, Logger: slog.Default()}

	_, err := e.Execute(context.Background(), "/pkg/app.cwl", "/work/job_order.json", t.TempDir(), ExecuteOptions{})
	assert.True(t, apperr.IsCode(err, apperr.CodeRunnerFailed), "got %v", err)
}

func TestEngineExecuteGarbageOutput(t *testing.T) {
	fake := &FakeCommandRunner{Stdout: "no json here"}
	e := &Engine{Binary: "cwltool", Runner: fake, Logger: slog.Default()}

	_, err := e.Execute(context.Background(), "/pkg/app.cwl", "/work/job_order.json", t.TempDir(), ExecuteOptions{})
	assert.True(t, apperr.IsCode(err, apperr.CodeRunnerFailed))
}

func TestWriteJobOrder(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteJobOrder(dir, map[string]any{
		"message": "hello",
		"file":    map[string]any{"class": "File", "path": "/in/a.nc"},
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "job_order.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message": "hello"`)
	assert.Contains(t, string(data), `"class": "File"`)
}
