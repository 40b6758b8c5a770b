// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionChain(t *testing.T) {
	j := New("echo", StatusAccepted)

	require.NoError(t, j.Transition(StatusStarted))
	require.NotNil(t, j.StartedAt)
	require.NoError(t, j.Transition(StatusRunning))
	require.NoError(t, j.Transition(StatusSuccessful))

	assert.Equal(t, 100, j.Progress)
	assert.NotNil(t, j.FinishedAt)
}

func TestTransitionRejectsSkips(t *testing.T) {
	j := New("echo", StatusAccepted)
	assert.Error(t, j.Transition(StatusSuccessful))
	assert.Error(t, j.Transition(StatusRunning))
}

func TestDismissFromAccepted(t *testing.T) {
	j := New("echo", StatusAccepted)
	require.NoError(t, j.Transition(StatusDismissed))
	assert.True(t, j.Status.Terminal())
}

func TestDismissIdempotentOnTerminal(t *testing.T) {
	j := New("echo", StatusAccepted)
	require.NoError(t, j.Transition(StatusStarted))
	require.NoError(t, j.Transition(StatusRunning))
	require.NoError(t, j.Transition(StatusFailed))

	// Dismissing a terminal job leaves it unchanged.
	require.NoError(t, j.Transition(StatusDismissed))
	assert.Equal(t, StatusFailed, j.Status)

	// Any other transition out of terminal is an error.
	assert.Error(t, j.Transition(StatusRunning))
}

func TestProgressMonotone(t *testing.T) {
	j := New("echo", StatusAccepted)
	j.SetProgress(40)
	j.SetProgress(20)
	assert.Equal(t, 40, j.Progress)

	j.SetProgress(250)
	assert.Equal(t, 100, j.Progress)
}

func TestProgressFrozenOnFailure(t *testing.T) {
	j := New("echo", StatusAccepted)
	require.NoError(t, j.Transition(StatusStarted))
	require.NoError(t, j.Transition(StatusRunning))
	j.SetProgress(60)
	j.Fail(Exception{Code: "RUNNER_FAILED", Description: "exit status 1"})

	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, 60, j.Progress)
	require.Len(t, j.Exceptions, 1)
}

func TestUpdatedAtNonDecreasing(t *testing.T) {
	j := New("echo", StatusAccepted)
	prev := j.UpdatedAt
	j.Log("INFO", "job accepted")
	assert.False(t, j.UpdatedAt.Before(prev))
	prev = j.UpdatedAt
	j.SetProgress(10)
	assert.False(t, j.UpdatedAt.Before(prev))
}

func TestLogTruncation(t *testing.T) {
	j := New("echo", StatusAccepted)
	j.Log("INFO", strings.Repeat("x", MaxLogMessageSize*2))
	require.Len(t, j.Logs, 1)
	assert.LessOrEqual(t, len(j.Logs[0].Message), MaxLogMessageSize)
	assert.True(t, strings.HasSuffix(j.Logs[0].Message, "...[truncated]"))
}

func TestPublicStatusProfiles(t *testing.T) {
	tests := []struct {
		status  Status
		profile string
		want    string
	}{
		{StatusSuccessful, "", "successful"},
		{StatusSuccessful, "openeo", "succeeded"},
		{StatusSuccessful, "wps", "succeeded"},
		{StatusStarted, "", "running"},
		{StatusStarted, "wps", "started"},
		{StatusRunning, "", "running"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.Public(tt.profile), "%s/%s", tt.status, tt.profile)
	}
}

func TestOnTriggerChain(t *testing.T) {
	j := New("echo", StatusCreated)
	require.NoError(t, j.Transition(StatusAccepted))
	require.NoError(t, j.Transition(StatusStarted))
}
