// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package job defines the Job lifecycle state machine, its log and
// statistics capture, and the associated invariants.
package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weaverproc/weaver/internal/process"
)

// Status is a Job lifecycle state.
type Status string

const (
	// StatusCreated is the pending on-trigger state: the job exists but
	// waits for POST /jobs/{id}/results before entering the queue.
	StatusCreated    Status = "created"
	StatusAccepted   Status = "accepted"
	StatusStarted    Status = "started"
	StatusRunning    Status = "running"
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
	StatusDismissed  Status = "dismissed"
)

// Synonym returned for successful jobs under the openEO and wps profiles.
const StatusSucceededSynonym = "succeeded"

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccessful, StatusFailed, StatusDismissed:
		return true
	}
	return false
}

// Public maps the internal status to its external representation for the
// given profile ("" or "ogc", "openeo", "wps").
func (s Status) Public(profile string) string {
	switch profile {
	case "openeo", "wps":
		if s == StatusSuccessful {
			return StatusSucceededSynonym
		}
		if s == StatusStarted && profile == "wps" {
			return string(StatusStarted)
		}
	}
	// started is an internal substate of running outside the wps profile.
	if s == StatusStarted && profile != "wps" {
		return string(StatusRunning)
	}
	return string(s)
}

var transitions = map[Status][]Status{
	StatusCreated:  {StatusAccepted, StatusDismissed},
	StatusAccepted: {StatusStarted, StatusDismissed},
	StatusStarted:  {StatusRunning, StatusDismissed, StatusFailed},
	StatusRunning:  {StatusSuccessful, StatusFailed, StatusDismissed},
}

// CanTransition reports whether from -> to is an allowed status change.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Type classifies what the job executes.
type Type string

const (
	TypeProcess  Type = "process"
	TypeProvider Type = "provider"
	TypeWorkflow Type = "workflow"
)

// ExecutionMode is the requested execution mode.
type ExecutionMode string

const (
	ModeSync  ExecutionMode = "sync"
	ModeAsync ExecutionMode = "async"
	ModeAuto  ExecutionMode = "auto"
)

// ResponseType selects the results document form.
type ResponseType string

const (
	ResponseDocument ResponseType = "document"
	ResponseRaw      ResponseType = "raw"
)

// MaxLogMessageSize caps individual log messages; longer messages are
// truncated with an indicator.
const MaxLogMessageSize = 2048

const truncationIndicator = "...[truncated]"

// LogEntry is one append-only job log line.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Exception is one recorded error of a failed job.
type Exception struct {
	Code        string `json:"code"`
	Component   string `json:"component,omitempty"`
	Description string `json:"description"`
	Stderr      string `json:"stderr,omitempty"`
}

// StepStatistics captures per-step timing of a workflow run.
type StepStatistics struct {
	StepID   string        `json:"stepId"`
	Duration time.Duration `json:"duration"`
}

// Statistics is captured at job termination.
type Statistics struct {
	Duration        time.Duration    `json:"duration"`
	Steps           []StepStatistics `json:"steps,omitempty"`
	PeakMemoryBytes int64            `json:"peakMemoryBytes,omitempty"`
	OutputBytes     int64            `json:"outputBytes"`
}

// Subscriber holds the notification targets for one status.
type Subscriber struct {
	Email       string `json:"email,omitempty"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

// OutputRequest is the submit-time filter and override for one output.
type OutputRequest struct {
	TransmissionMode process.TransmissionMode `json:"transmissionMode,omitempty"`
	MediaType        string                   `json:"mediaType,omitempty"`
}

// Result is one produced output of a successful job. LocalPath keeps the
// published on-disk copy so raw responses can stream file bytes that are
// not representable as an inline JSON value.
type Result struct {
	ID        string                   `json:"id"`
	Href      string                   `json:"href,omitempty"`
	Value     string                   `json:"value,omitempty"`
	MediaType string                   `json:"mediaType,omitempty"`
	Mode      process.TransmissionMode `json:"transmissionMode,omitempty"`
	LocalPath string                   `json:"localPath,omitempty"`
	Size      int64                    `json:"size,omitempty"`
}

// Job is one execution of a Process with concrete inputs.
type Job struct {
	ID         uuid.UUID `json:"jobID"`
	ProcessID  string    `json:"processID"`
	ProviderID string    `json:"providerID,omitempty"`
	Type       Type      `json:"type"`

	Status   Status `json:"status"`
	Progress int    `json:"progress"`

	CreatedAt  time.Time  `json:"created"`
	StartedAt  *time.Time `json:"started,omitempty"`
	FinishedAt *time.Time `json:"finished,omitempty"`
	UpdatedAt  time.Time  `json:"updated"`

	Inputs         map[string]any           `json:"inputs,omitempty"`
	OutputsRequest map[string]OutputRequest `json:"outputs,omitempty"`
	Results        []Result                 `json:"results,omitempty"`
	Exceptions     []Exception              `json:"exceptions,omitempty"`
	Logs           []LogEntry               `json:"logs,omitempty"`
	Statistics     *Statistics              `json:"statistics,omitempty"`

	Subscribers map[string]Subscriber `json:"subscribers,omitempty"`

	// AccessToken seals the notification targets; it never appears in the
	// public status documents, only in the stored record.
	AccessToken   string        `json:"accessToken,omitempty"`
	ExecutionMode ExecutionMode `json:"mode,omitempty"`
	Response      ResponseType  `json:"response,omitempty"`
	OutputContext string        `json:"outputContext,omitempty"`
	Tags          []string      `json:"tags,omitempty"`

	// NotificationEmail is deprecated but still accepted on submission.
	NotificationEmail string `json:"notificationEmail,omitempty"`
}

// New creates a job in the given initial state with a fresh UUID.
func New(processID string, initial Status) *Job {
	now := time.Now().UTC()
	j := &Job{
		ID:        uuid.New(),
		ProcessID: processID,
		Type:      TypeProcess,
		Status:    initial,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return j
}

// Transition moves the job to the target status, recording timestamps.
// Dismissing an already-terminal job is an idempotent no-op.
func (j *Job) Transition(to Status) error {
	if j.Status == to {
		return nil
	}
	if j.Status.Terminal() {
		if to == StatusDismissed {
			return nil
		}
		return fmt.Errorf("job %s: cannot leave terminal status %s", j.ID, j.Status)
	}
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", j.ID, j.Status, to)
	}

	now := time.Now().UTC()
	j.Status = to
	j.touch(now)
	switch to {
	case StatusStarted:
		j.StartedAt = &now
	case StatusSuccessful, StatusFailed, StatusDismissed:
		j.FinishedAt = &now
		if to == StatusSuccessful {
			j.Progress = 100
		}
		// On failure or dismissal, progress freezes at its last real value.
	}
	return nil
}

// SetProgress updates progress, enforcing monotonicity.
func (j *Job) SetProgress(p int) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	if p > j.Progress {
		j.Progress = p
		j.touch(time.Now().UTC())
	}
}

// Log appends a log entry, truncating oversized messages.
func (j *Job) Log(level, message string) {
	if len(message) > MaxLogMessageSize {
		message = message[:MaxLogMessageSize-len(truncationIndicator)] + truncationIndicator
	}
	j.Logs = append(j.Logs, LogEntry{
		Time:    time.Now().UTC(),
		Level:   level,
		Message: message,
	})
	j.touch(time.Now().UTC())
}

// Fail records an exception and moves the job to failed.
func (j *Job) Fail(exc Exception) {
	j.Exceptions = append(j.Exceptions, exc)
	j.Log("ERROR", exc.Description)
	_ = j.Transition(StatusFailed)
}

// Duration returns the elapsed execution time.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if j.FinishedAt != nil {
		end = *j.FinishedAt
	}
	return end.Sub(*j.StartedAt)
}

// touch advances UpdatedAt without ever moving it backwards.
func (j *Job) touch(now time.Time) {
	if now.After(j.UpdatedAt) {
		j.UpdatedAt = now
	}
}
