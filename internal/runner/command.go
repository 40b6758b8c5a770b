// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package runner executes the local CWL engine as a subprocess and parses
// its results.
package runner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"syscall"
)

// CommandRunner executes commands, separating stdout (the engine's JSON
// result document) from stderr (its progress log).
type CommandRunner interface {
	RunCommand(ctx context.Context, stderr LineSink, args ...string) (stdout string, err error)
}

// LineSink receives one log line at a time. The job log rides on this.
type LineSink func(line string)

// DefaultCommandRunner runs commands on the host, optionally dropping
// privileges to the configured uid/gid.
type DefaultCommandRunner struct {
	// UID/GID, when non-zero, run the child under these credentials.
	UID uint32
	GID uint32

	Logger *slog.Logger
}

var _ CommandRunner = &DefaultCommandRunner{}

func (d *DefaultCommandRunner) RunCommand(ctx context.Context, stderr LineSink, args ...string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("runner: empty command")
	}
	if d.Logger != nil {
		d.Logger.Debug("running command", "args", args)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if d.UID != 0 || d.GID != 0 {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{Uid: d.UID, Gid: d.GID},
		}
	}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = newLineWriter(stderr)

	err := cmd.Run()
	if d.Logger != nil {
		d.Logger.Debug("command finished", "args", args, "error", err)
	}
	return stdout.String(), err
}

// lineWriter splits a byte stream into lines for the sink.
type lineWriter struct {
	sink LineSink
	buf  bytes.Buffer
}

func newLineWriter(sink LineSink) *lineWriter {
	if sink == nil {
		sink = func(string) {}
	}
	return &lineWriter{sink: sink}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line; keep it for the next write.
			w.buf.WriteString(line)
			break
		}
		w.sink(line[:len(line)-1])
	}
	return len(p), nil
}

// Flush emits any trailing unterminated line.
func (w *lineWriter) Flush() {
	if w.buf.Len() > 0 {
		w.sink(w.buf.String())
		w.buf.Reset()
	}
}

// FakeCommandRunner substitutes canned results in tests.
type FakeCommandRunner struct {
	Stdout string
	Stderr []string
	Err    error

	// Calls records the argument lists of every invocation.
	Calls [][]string
}

var _ CommandRunner = &FakeCommandRunner{}

func (f *FakeCommandRunner) RunCommand(ctx context.Context, stderr LineSink, args ...string) (string, error) {
	f.Calls = append(f.Calls, args)
	if stderr != nil {
		for _, line := range f.Stderr {
			stderr(line)
		}
	}
	return f.Stdout, f.Err
}
