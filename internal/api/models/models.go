// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package models defines the request and response bodies of the HTTP API.
package models

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/weaverproc/weaver/internal/job"
	"github.com/weaverproc/weaver/internal/process"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Landing is the API landing page.
type Landing struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Links       []process.Link `json:"links"`
}

// Conformance lists the implemented conformance classes.
type Conformance struct {
	ConformsTo []string `json:"conformsTo"`
}

// ProcessSummary is one entry of the process listing.
type ProcessSummary struct {
	ID                string               `json:"id"`
	Version           string               `json:"version,omitempty"`
	Title             string               `json:"title,omitempty"`
	Description       string               `json:"description,omitempty"`
	Keywords          []string             `json:"keywords,omitempty"`
	Type              process.Type         `json:"type,omitempty"`
	JobControlOptions []process.JobControl `json:"jobControlOptions,omitempty"`
	Links             []process.Link       `json:"links,omitempty"`
}

// ProcessList is the process listing response. Processes holds either
// summaries or bare id strings depending on the detail flag.
type ProcessList struct {
	Processes []any          `json:"processes"`
	Links     []process.Link `json:"links,omitempty"`
	Total     int64          `json:"total"`
	Page      int            `json:"page"`
	Limit     int            `json:"limit,omitempty"`
}

// ExecuteRequest is the job submission body.
type ExecuteRequest struct {
	Inputs      map[string]any               `json:"inputs"`
	Outputs     map[string]job.OutputRequest `json:"outputs,omitempty"`
	Mode        string                       `json:"mode,omitempty" validate:"omitempty,oneof=sync async auto"`
	Response    string                       `json:"response,omitempty" validate:"omitempty,oneof=document raw"`
	Status      string                       `json:"status,omitempty" validate:"omitempty,oneof=create"`
	Subscribers map[string]job.Subscriber    `json:"subscribers,omitempty"`
	Tags        []string                     `json:"tags,omitempty"`

	// NotificationEmail is the deprecated single-address notification field.
	NotificationEmail string `json:"notificationEmail,omitempty" validate:"omitempty,email"`
}

// Validate checks the submission body constraints.
func (r *ExecuteRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid execute request: %w", err)
	}
	for id, sub := range r.Subscribers {
		if sub.Email == "" && sub.CallbackURL == "" {
			return fmt.Errorf("subscriber %q must carry an email or a callback url", id)
		}
	}
	return nil
}

// JobUpdateRequest is the PATCH body for a pending (created) job. Only
// these fields may change before the job is triggered.
type JobUpdateRequest struct {
	Inputs      map[string]any               `json:"inputs,omitempty"`
	Outputs     map[string]job.OutputRequest `json:"outputs,omitempty"`
	Subscribers map[string]job.Subscriber    `json:"subscribers,omitempty"`
	Tags        []string                     `json:"tags,omitempty"`
}

// JobStatus is the OGC job status document.
type JobStatus struct {
	JobID      string         `json:"jobID"`
	ProcessID  string         `json:"processID"`
	ProviderID string         `json:"providerID,omitempty"`
	Type       string         `json:"type"`
	Status     string         `json:"status"`
	Message    string         `json:"message,omitempty"`
	Progress   int            `json:"progress"`
	Created    string         `json:"created"`
	Started    string         `json:"started,omitempty"`
	Finished   string         `json:"finished,omitempty"`
	Updated    string         `json:"updated"`
	Tags       []string       `json:"tags,omitempty"`
	Links      []process.Link `json:"links,omitempty"`
}

// JobList is the jobs listing response.
type JobList struct {
	Jobs  []JobStatus    `json:"jobs"`
	Total int64          `json:"total"`
	Page  int            `json:"page"`
	Links []process.Link `json:"links,omitempty"`
}

// JobInputs echoes the submission back with resolved execution controls.
type JobInputs struct {
	Inputs   map[string]any               `json:"inputs"`
	Outputs  map[string]job.OutputRequest `json:"outputs,omitempty"`
	Mode     string                       `json:"mode"`
	Response string                       `json:"response"`
}

// ResultValue is one entry of the results document: a reference or an
// inline value.
type ResultValue struct {
	Href      string `json:"href,omitempty"`
	Value     string `json:"value,omitempty"`
	MediaType string `json:"type,omitempty"`
}

// OutputEntry is one entry of the legacy (OLD schema) outputs listing.
type OutputEntry struct {
	ID     string `json:"id"`
	Href   string `json:"href,omitempty"`
	Value  string `json:"value,omitempty"`
	Format *struct {
		MediaType string `json:"mediaType"`
	} `json:"format,omitempty"`
}

// ExceptionList wraps the recorded exceptions of a job.
type ExceptionList struct {
	Exceptions []job.Exception `json:"exceptions"`
}

// BatchDismissRequest names the jobs of a batch dismissal.
type BatchDismissRequest struct {
	Jobs []string `json:"jobs" validate:"required,min=1"`
}

// Validate checks the batch dismissal body.
func (r *BatchDismissRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid dismiss request: %w", err)
	}
	return nil
}

// BatchDismissResponse reports the resulting status of each job.
type BatchDismissResponse struct {
	Jobs []JobStatus `json:"jobs"`
}

// ProviderRequest registers a remote service.
type ProviderRequest struct {
	ID     string `json:"id" validate:"required"`
	URL    string `json:"url" validate:"required,url"`
	Title  string `json:"title,omitempty"`
	Type   string `json:"type,omitempty" validate:"omitempty,oneof=wps ogc-api"`
	Public bool   `json:"public,omitempty"`
}

// Validate checks the provider registration body.
func (r *ProviderRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid provider registration: %w", err)
	}
	return nil
}

// ProviderSummary is one entry of the provider listing.
type ProviderSummary struct {
	ID     string         `json:"id"`
	URL    string         `json:"url"`
	Title  string         `json:"title,omitempty"`
	Type   string         `json:"type"`
	Public bool           `json:"public"`
	Links  []process.Link `json:"links,omitempty"`
}

// VaultUpload is the response of a vault upload.
type VaultUpload struct {
	ID          string `json:"id"`
	AccessToken string `json:"access_token"`
	FileHref    string `json:"file_href"`
}

// DeployResult confirms a deployment with the stored identity.
type DeployResult struct {
	ID          string `json:"id"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Summary     any    `json:"processSummary,omitempty"`
}
