// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"slices"
	"strings"
)

// Type classifies how a Process is executed.
type Type string

const (
	TypeApplication Type = "application"
	TypeWorkflow    Type = "workflow"
	TypeBuiltin     Type = "builtin"
	TypeWPS1        Type = "wps-1"
	TypeOGCAPI      Type = "ogc-api"
	TypeESGFCWT     Type = "esgf-cwt"
)

// Visibility controls whether a Process is listed and executable by clients.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// JobControl is one supported execution control option.
type JobControl string

const (
	ControlSync    JobControl = "sync-execute"
	ControlAsync   JobControl = "async-execute"
	ControlDismiss JobControl = "dismiss"
)

// TransmissionMode selects how an output is returned.
type TransmissionMode string

const (
	TransmissionValue     TransmissionMode = "value"
	TransmissionReference TransmissionMode = "reference"
)

// UnitKind identifies the source of a Process execution unit.
type UnitKind string

const (
	UnitCWL    UnitKind = "cwl"     // inline CWL document
	UnitCWLRef UnitKind = "cwl-ref" // URL to a CWL document
	UnitOGCAPI UnitKind = "ogc-api" // URL to a remote OGC-API process
	UnitWPS    UnitKind = "wps"     // URL to a remote WPS 1/2 service
)

// ExecutionUnit is the single execution source owned by a Process.
type ExecutionUnit struct {
	Kind UnitKind       `json:"kind"`
	CWL  map[string]any `json:"cwl,omitempty"`
	Href string         `json:"href,omitempty"`
}

// Metadata is a link or key-value pair attached to a Process.
type Metadata struct {
	Title string `json:"title,omitempty"`
	Role  string `json:"role,omitempty"`
	Href  string `json:"href,omitempty"`
	Value string `json:"value,omitempty"`
	Type  string `json:"type,omitempty"`
}

// Process is the canonical deployed process description.
type Process struct {
	ID          string `json:"id"`
	Version     string `json:"version,omitempty"`
	RevisionID  string `json:"revisionId,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	Keywords []string   `json:"keywords,omitempty"`
	Metadata []Metadata `json:"metadata,omitempty"`

	Inputs  []IODescriptor `json:"inputs"`
	Outputs []IODescriptor `json:"outputs"`

	JobControlOptions  []JobControl       `json:"jobControlOptions"`
	OutputTransmission []TransmissionMode `json:"outputTransmission"`

	Visibility Visibility    `json:"visibility"`
	Type       Type          `json:"type"`
	Unit       ExecutionUnit `json:"executionUnit"`
}

// Input returns the input descriptor with the given id.
func (p *Process) Input(id string) (*IODescriptor, bool) {
	for i := range p.Inputs {
		if p.Inputs[i].ID == id {
			return &p.Inputs[i], true
		}
	}
	return nil, false
}

// Output returns the output descriptor with the given id.
func (p *Process) Output(id string) (*IODescriptor, bool) {
	for i := range p.Outputs {
		if p.Outputs[i].ID == id {
			return &p.Outputs[i], true
		}
	}
	return nil, false
}

// Ref is the addressable identifier of this revision, "{id}:{version}".
func (p *Process) Ref() string {
	if p.Version == "" {
		return p.ID
	}
	return p.ID + ":" + p.Version
}

// SplitRef splits an addressable reference "{id}[:{version}]" into its
// parts. The inverse of Ref.
func SplitRef(ref string) (id, version string) {
	if i := strings.LastIndex(ref, ":"); i > 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

// SupportsControl reports whether the process allows the given job control.
func (p *Process) SupportsControl(c JobControl) bool {
	return slices.Contains(p.JobControlOptions, c)
}

// Validate checks the process-level invariants.
func (p *Process) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("process without id")
	}
	if len(p.JobControlOptions) == 0 {
		return fmt.Errorf("%s: jobControlOptions must not be empty", p.ID)
	}
	for _, c := range p.JobControlOptions {
		switch c {
		case ControlSync, ControlAsync, ControlDismiss:
		default:
			return fmt.Errorf("%s: unknown job control option %q", p.ID, c)
		}
	}
	if len(p.OutputTransmission) == 0 {
		return fmt.Errorf("%s: outputTransmission must not be empty", p.ID)
	}
	for _, m := range p.OutputTransmission {
		if m != TransmissionValue && m != TransmissionReference {
			return fmt.Errorf("%s: unknown transmission mode %q", p.ID, m)
		}
	}
	switch p.Visibility {
	case VisibilityPublic, VisibilityPrivate:
	default:
		return fmt.Errorf("%s: unknown visibility %q", p.ID, p.Visibility)
	}
	seen := map[string]bool{}
	for i := range p.Inputs {
		if seen[p.Inputs[i].ID] {
			return fmt.Errorf("%s: duplicate input id %q", p.ID, p.Inputs[i].ID)
		}
		seen[p.Inputs[i].ID] = true
		if err := p.Inputs[i].Validate(false); err != nil {
			return fmt.Errorf("%s: input %w", p.ID, err)
		}
	}
	seen = map[string]bool{}
	for i := range p.Outputs {
		if seen[p.Outputs[i].ID] {
			return fmt.Errorf("%s: duplicate output id %q", p.ID, p.Outputs[i].ID)
		}
		seen[p.Outputs[i].ID] = true
		if err := p.Outputs[i].Validate(true); err != nil {
			return fmt.Errorf("%s: output %w", p.ID, err)
		}
	}
	return nil
}
