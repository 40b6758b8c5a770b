// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the Redis-backed job queue: at-least-once
// delivery of job ids to workers, cancellation markers, and a result
// channel that lets the API bridge synchronous execution onto the
// asynchronous path.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingKey    = "weaver:queue:pending"
	processingKey = "weaver:queue:processing"

	cancelKeyFmt = "weaver:job:%s:cancel"
	resultKeyFmt = "weaver:job:%s:result"
	doneChanFmt  = "weaver:job:%s:done"

	// cancelTTL bounds how long a cancellation marker outlives its job.
	cancelTTL = 24 * time.Hour
)

// ErrTimeout is returned when a wait exceeds its deadline.
var ErrTimeout = errors.New("queue: wait timed out")

// Queue carries job ids between the API and the workers.
type Queue struct {
	rdb       *redis.Client
	resultTTL time.Duration
	logger    *slog.Logger
}

// Config selects the Redis backend.
type Config struct {
	Addr      string
	DB        int
	ResultTTL time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Queue, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	resultTTL := cfg.ResultTTL
	if resultTTL <= 0 {
		resultTTL = time.Hour
	}
	return &Queue{rdb: rdb, resultTTL: resultTTL, logger: logger.With("module", "queue")}, nil
}

// Close releases the Redis connection.
func (q *Queue) Close() error { return q.rdb.Close() }

// Submit enqueues a job id for execution.
func (q *Queue) Submit(ctx context.Context, jobID string) error {
	if err := q.rdb.LPush(ctx, pendingKey, jobID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	q.logger.Debug("job enqueued", "jobId", jobID)
	return nil
}

// Claim blocks until a job id is available and moves it to the processing
// list, so a crashed worker leaves a trace that Requeue can recover.
// Returns "" on timeout without error.
func (q *Queue) Claim(ctx context.Context, timeout time.Duration) (string, error) {
	id, err := q.rdb.BRPopLPush(ctx, pendingKey, processingKey, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// Ack removes a claimed job id from the processing list.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	return q.rdb.LRem(ctx, processingKey, 1, jobID).Err()
}

// RequeueStale moves all entries from the processing list back to pending.
// Called at worker start to recover jobs a previous crash left behind.
func (q *Queue) RequeueStale(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.rdb.RPopLPush(ctx, processingKey, pendingKey).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// Cancel sets the cancellation marker for a job. Workers observe it at
// their next checkpoint.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	return q.rdb.Set(ctx, fmt.Sprintf(cancelKeyFmt, jobID), "1", cancelTTL).Err()
}

// Cancelled reports whether a cancellation marker exists for the job.
func (q *Queue) Cancelled(ctx context.Context, jobID string) (bool, error) {
	n, err := q.rdb.Exists(ctx, fmt.Sprintf(cancelKeyFmt, jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PublishResult records the terminal status of a job and wakes any waiter.
func (q *Queue) PublishResult(ctx context.Context, jobID, status string) error {
	if err := q.rdb.Set(ctx, fmt.Sprintf(resultKeyFmt, jobID), status, q.resultTTL).Err(); err != nil {
		return fmt.Errorf("failed to record result of job %s: %w", jobID, err)
	}
	return q.rdb.Publish(ctx, fmt.Sprintf(doneChanFmt, jobID), status).Err()
}

// WaitTerminal blocks until the job reaches a terminal status or the
// timeout elapses. The stored result is checked before and after
// subscribing so a result published in between is not missed.
func (q *Queue) WaitTerminal(ctx context.Context, jobID string, timeout time.Duration) (string, error) {
	resultKey := fmt.Sprintf(resultKeyFmt, jobID)

	if status, err := q.rdb.Get(ctx, resultKey).Result(); err == nil {
		return status, nil
	} else if !errors.Is(err, redis.Nil) {
		return "", err
	}

	sub := q.rdb.Subscribe(ctx, fmt.Sprintf(doneChanFmt, jobID))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return "", err
	}

	if status, err := q.rdb.Get(ctx, resultKey).Result(); err == nil {
		return status, nil
	} else if !errors.Is(err, redis.Nil) {
		return "", err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-sub.Channel():
			if !ok {
				return "", fmt.Errorf("queue: subscription closed")
			}
			return msg.Payload, nil
		case <-timer.C:
			return "", ErrTimeout
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// RunCleanup invokes each task at the given interval until ctx is done.
// The vault sweep and result expiry ride on this loop.
func (q *Queue) RunCleanup(ctx context.Context, interval time.Duration, tasks ...func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, task := range tasks {
				if err := task(ctx); err != nil {
					q.logger.Warn("cleanup task failed", "error", err)
				}
			}
		}
	}
}
