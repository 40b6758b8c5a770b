// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := New(context.Background(), Config{Addr: mr.Addr(), ResultTTL: time.Minute}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestSubmitClaimAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Submit(ctx, "job-1"))
	require.NoError(t, q.Submit(ctx, "job-2"))

	id, err := q.Claim(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id, "FIFO order")

	require.NoError(t, q.Ack(ctx, id))

	id, err = q.Claim(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-2", id)
}

func TestClaimTimeout(t *testing.T) {
	q := newTestQueue(t)
	id, err := q.Claim(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestRequeueStale(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Submit(ctx, "job-1"))
	_, err := q.Claim(ctx, time.Second)
	require.NoError(t, err)

	// Simulated crash: the claim was never acked.
	n, err := q.RequeueStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id, err := q.Claim(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
}

func TestCancelMarker(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	cancelled, err := q.Cancelled(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, q.Cancel(ctx, "job-1"))
	cancelled, err = q.Cancelled(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestWaitTerminalAfterPublish(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.PublishResult(ctx, "job-1", "successful"))

	status, err := q.WaitTerminal(ctx, "job-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "successful", status)
}

func TestWaitTerminalBlocksUntilPublish(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	done := make(chan string, 1)
	go func() {
		status, err := q.WaitTerminal(ctx, "job-2", 5*time.Second)
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		done <- status
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.PublishResult(ctx, "job-2", "failed"))

	select {
	case status := <-done:
		assert.Equal(t, "failed", status)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woke up")
	}
}

func TestWaitTerminalTimeout(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.WaitTerminal(context.Background(), "job-3", 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}
