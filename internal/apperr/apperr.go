// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package apperr defines the error taxonomy shared by all Weaver components.
// Errors carry a stable machine-readable code and the HTTP status the API
// layer should answer with when the error surfaces on a request path.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes signalled in the "code" field of error responses and
// exception reports.
const (
	CodeSchemaInvalid       = "SCHEMA_INVALID"
	CodeDescriptionMismatch = "DESCRIPTION_MISMATCH"
	CodeRefInvalid          = "REF_INVALID"
	CodeRefUnreachable      = "REF_UNREACHABLE"
	CodeRefAuthRequired     = "REF_AUTH_REQUIRED"
	CodeRefFormatMismatch   = "REF_FORMAT_MISMATCH"
	CodeVaultGone           = "VAULT_GONE"
	CodeVaultDenied         = "VAULT_DENIED"
	CodeRunnerFailed        = "RUNNER_FAILED"
	CodeRunnerTimeout       = "RUNNER_TIMEOUT"
	CodeStepFailed          = "STEP_FAILED"
	CodePackageAuthRequired = "PACKAGE_AUTH_REQUIRED"
	CodeConflictInUse       = "CONFLICT_IN_USE"
	CodeGone                = "GONE"
	CodeNotFound            = "NOT_FOUND"
	CodeForbidden           = "FORBIDDEN"
	CodeUnprocessable       = "UNPROCESSABLE"
)

// Error is the canonical error carried across component boundaries.
type Error struct {
	Code        string `json:"code"`
	Status      int    `json:"status"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Cause       string `json:"cause,omitempty"`

	err error
}

func (e *Error) Error() string {
	if e.Cause != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error { return e.err }

// New builds an Error with an explicit HTTP status.
func New(code string, status int, title, description string) *Error {
	return &Error{Code: code, Status: status, Title: title, Description: description}
}

// Wrap builds an Error whose Cause is taken from err.
func Wrap(code string, status int, title, description string, err error) *Error {
	e := New(code, status, title, description)
	if err != nil {
		e.Cause = err.Error()
		e.err = err
	}
	return e
}

// Convenience constructors for the common taxonomy entries.

func SchemaInvalid(description string, err error) *Error {
	return Wrap(CodeSchemaInvalid, http.StatusBadRequest, "Schema validation failed", description, err)
}

func DescriptionMismatch(description string) *Error {
	return New(CodeDescriptionMismatch, http.StatusBadRequest, "Process description mismatch", description)
}

func NotFound(description string) *Error {
	return New(CodeNotFound, http.StatusNotFound, "Not found", description)
}

func Forbidden(description string) *Error {
	return New(CodeForbidden, http.StatusForbidden, "Forbidden", description)
}

func Gone(description string) *Error {
	return New(CodeGone, http.StatusGone, "Gone", description)
}

func ConflictInUse(description string) *Error {
	return New(CodeConflictInUse, http.StatusConflict, "Conflict", description)
}

func Unprocessable(description string, err error) *Error {
	return Wrap(CodeUnprocessable, http.StatusUnprocessableEntity, "Unprocessable", description, err)
}

// AsError extracts an *Error from err, or wraps err into a generic
// internal-error Error when it carries no taxonomy code.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap("INTERNAL", http.StatusInternalServerError, "Internal server error", "unexpected error", err)
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
