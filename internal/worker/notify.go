// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/weaverproc/weaver/internal/authctx"
	"github.com/weaverproc/weaver/internal/job"
)

// notifier delivers best-effort status callbacks to job subscribers.
// Delivery failures are logged and never affect the job outcome.
type notifier struct {
	hc     *http.Client
	secret string
	logger *slog.Logger
}

func newNotifier(timeout time.Duration, secret string, logger *slog.Logger) *notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &notifier{
		hc:     &http.Client{Timeout: timeout},
		secret: secret,
		logger: logger.With("module", "notify"),
	}
}

// statusPayload is the compact status document posted to callbacks.
type statusPayload struct {
	JobID     string       `json:"jobID"`
	ProcessID string       `json:"processID"`
	Status    string       `json:"status"`
	Progress  int          `json:"progress"`
	Created   time.Time    `json:"created"`
	Finished  *time.Time   `json:"finished,omitempty"`
	Results   []job.Result `json:"results,omitempty"`
}

// Notify posts the status document to the callback registered for the
// status the job just reached.
func (n *notifier) Notify(ctx context.Context, j *job.Job) {
	sub, ok := subscriberFor(j, j.Status)
	if !ok {
		return
	}
	logger := n.logger.With("jobId", j.ID, "status", j.Status)

	if sub.Email != "" {
		// Email targets are sealed into the access token at submission;
		// unseal to confirm the subscription is authentic. No mail
		// transport is wired, so delivery stops at the log line.
		emails, err := authctx.VerifyJobToken(n.secret, j.ID.String(), j.AccessToken)
		if err != nil {
			logger.Warn("email notification skipped: invalid notification token", "error", err)
		} else {
			logger.Info("email notification skipped: no mail transport configured", "recipients", len(emails))
		}
	}

	if sub.CallbackURL == "" {
		return
	}
	body, err := json.Marshal(statusPayload{
		JobID:     j.ID.String(),
		ProcessID: j.ProcessID,
		Status:    j.Status.Public(""),
		Progress:  j.Progress,
		Created:   j.CreatedAt,
		Finished:  j.FinishedAt,
		Results:   j.Results,
	})
	if err != nil {
		logger.Error("failed to encode callback payload", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.CallbackURL, bytes.NewReader(body))
	if err != nil {
		logger.Warn("callback notification skipped: bad url", "url", sub.CallbackURL, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.hc.Do(req)
	if err != nil {
		logger.Warn("callback notification failed", "url", sub.CallbackURL, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		logger.Warn("callback notification rejected", "url", sub.CallbackURL, "code", resp.StatusCode)
		return
	}
	logger.Debug("callback notification delivered", "url", sub.CallbackURL)
}

// subscriberFor resolves the subscription matching a status, accepting the
// internal name as well as the public aliases clients tend to use.
func subscriberFor(j *job.Job, s job.Status) (job.Subscriber, bool) {
	if len(j.Subscribers) == 0 {
		return job.Subscriber{}, false
	}
	keys := []string{string(s), s.Public("")}
	if s == job.StatusSuccessful {
		keys = append(keys, "success", "succeeded")
	}
	if s == job.StatusRunning {
		keys = append(keys, "inProgress")
	}
	for _, k := range keys {
		if sub, ok := j.Subscribers[k]; ok {
			return sub, true
		}
	}
	return job.Subscriber{}, false
}
