// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package process defines the canonical in-memory Process description and
// the merge operator that unifies CWL, WPS-XML and OGC-API descriptors
// into a single model.
package process

import (
	"fmt"
	"strconv"
	"time"
)

// Unbounded marks a maxOccurs with no upper limit.
const Unbounded = -1

// Class is the broad category of an I/O descriptor.
type Class string

const (
	ClassLiteral     Class = "literal"
	ClassComplex     Class = "complex"
	ClassBoundingBox Class = "bounding-box"
	ClassEnum        Class = "enum"
)

// LiteralKind is the concrete data type of a literal I/O.
type LiteralKind string

const (
	LiteralString   LiteralKind = "string"
	LiteralInteger  LiteralKind = "integer"
	LiteralFloat    LiteralKind = "float"
	LiteralBoolean  LiteralKind = "boolean"
	LiteralDateTime LiteralKind = "datetime"
)

// Format describes one allowed representation of a complex I/O.
type Format struct {
	// MediaType is the MIME type with its full parameter set preserved,
	// e.g. "image/tiff; application=geotiff".
	MediaType        string `json:"mediaType"`
	Encoding         string `json:"encoding,omitempty"`
	Schema           string `json:"schema,omitempty"`
	MaximumMegabytes int    `json:"maximumMegabytes,omitempty"`
	Default          bool   `json:"default,omitempty"`
}

// Range bounds a literal value domain.
type Range struct {
	Minimum string `json:"minimumValue,omitempty"`
	Maximum string `json:"maximumValue,omitempty"`
	Spacing string `json:"spacing,omitempty"`
	// Closure is one of closed, open, closed-open, open-closed.
	Closure string `json:"rangeClosure,omitempty"`
}

// LiteralDomain describes one value domain of a literal I/O.
type LiteralDomain struct {
	DataType        LiteralKind `json:"dataType,omitempty"`
	DefaultValue    string      `json:"defaultValue,omitempty"`
	UOM             string      `json:"uom,omitempty"`
	AllowedValues   []string    `json:"allowedValues,omitempty"`
	AllowedRanges   []Range     `json:"allowedRanges,omitempty"`
	AnyValue        bool        `json:"anyValue,omitempty"`
	ValuesReference string      `json:"valuesReference,omitempty"`
}

// ComplexSpec describes a file or directory I/O.
type ComplexSpec struct {
	Directory bool `json:"directory,omitempty"`
	// Formats is ordered; at most one entry has Default set.
	Formats []Format `json:"formats"`
}

// LiteralSpec describes a literal (or enum) I/O.
type LiteralSpec struct {
	Kind    LiteralKind     `json:"kind"`
	Domains []LiteralDomain `json:"domains,omitempty"`
}

// BoundingBoxSpec describes a bounding-box I/O.
type BoundingBoxSpec struct {
	SupportedCRS []string `json:"supportedCRS,omitempty"`
	DefaultCRS   string   `json:"defaultCRS,omitempty"`
}

// IODescriptor is the canonical description of one process input or output.
type IODescriptor struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	Class   Class            `json:"class"`
	Literal *LiteralSpec     `json:"literal,omitempty"`
	Complex *ComplexSpec     `json:"complex,omitempty"`
	BBox    *BoundingBoxSpec `json:"bbox,omitempty"`

	MinOccurs int `json:"minOccurs"`
	// MaxOccurs is Unbounded (-1) when no upper limit applies.
	MaxOccurs int `json:"maxOccurs"`

	Default       any      `json:"default,omitempty"`
	AllowedValues []string `json:"allowedValues,omitempty"`
	AllowedRanges []Range  `json:"allowedRanges,omitempty"`

	// SchemaRef points at an external JSON schema for the I/O, when one
	// was referenced by the OGC-API description.
	SchemaRef string `json:"schemaRef,omitempty"`
}

// IsArray reports whether the descriptor admits more than one value.
func (d *IODescriptor) IsArray() bool {
	return d.MaxOccurs == Unbounded || d.MaxOccurs > 1
}

// DefaultFormat returns the default format of a complex descriptor, falling
// back to the first declared format.
func (d *IODescriptor) DefaultFormat() (Format, bool) {
	if d.Complex == nil || len(d.Complex.Formats) == 0 {
		return Format{}, false
	}
	for _, f := range d.Complex.Formats {
		if f.Default {
			return f, true
		}
	}
	return d.Complex.Formats[0], true
}

// Validate checks the descriptor invariants.
func (d *IODescriptor) Validate(output bool) error {
	if d.ID == "" {
		return fmt.Errorf("descriptor without id")
	}
	if d.MinOccurs < 0 {
		return fmt.Errorf("%s: minOccurs must be >= 0", d.ID)
	}
	if d.MaxOccurs != Unbounded && d.MinOccurs > d.MaxOccurs {
		return fmt.Errorf("%s: minOccurs %d exceeds maxOccurs %d", d.ID, d.MinOccurs, d.MaxOccurs)
	}
	if d.Default != nil && d.MinOccurs != 0 {
		return fmt.Errorf("%s: default value requires minOccurs = 0", d.ID)
	}

	switch d.Class {
	case ClassLiteral, ClassEnum:
		if d.Literal == nil {
			return fmt.Errorf("%s: literal descriptor without literal spec", d.ID)
		}
		if d.Default != nil {
			if err := d.checkLiteralValue(fmt.Sprint(d.Default)); err != nil {
				return fmt.Errorf("%s: default value: %w", d.ID, err)
			}
		}
	case ClassComplex:
		if d.Complex == nil {
			return fmt.Errorf("%s: complex descriptor without complex spec", d.ID)
		}
		if output && len(d.Complex.Formats) == 0 {
			return fmt.Errorf("%s: complex output requires at least one format", d.ID)
		}
		defaults := 0
		for _, f := range d.Complex.Formats {
			if f.MediaType == "" {
				return fmt.Errorf("%s: format without media type", d.ID)
			}
			if f.Default {
				defaults++
			}
		}
		if defaults > 1 {
			return fmt.Errorf("%s: more than one default format", d.ID)
		}
	case ClassBoundingBox:
		if d.BBox == nil {
			return fmt.Errorf("%s: bounding-box descriptor without bbox spec", d.ID)
		}
	default:
		return fmt.Errorf("%s: unknown descriptor class %q", d.ID, d.Class)
	}
	return nil
}

// checkLiteralValue verifies that a raw string satisfies the descriptor's
// type and value domains.
func (d *IODescriptor) checkLiteralValue(raw string) error {
	kind := LiteralString
	if d.Literal != nil {
		kind = d.Literal.Kind
	}
	switch kind {
	case LiteralInteger:
		if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
			return fmt.Errorf("not an integer: %q", raw)
		}
	case LiteralFloat:
		if _, err := strconv.ParseFloat(raw, 64); err != nil {
			return fmt.Errorf("not a float: %q", raw)
		}
	case LiteralBoolean:
		if _, err := strconv.ParseBool(raw); err != nil {
			return fmt.Errorf("not a boolean: %q", raw)
		}
	case LiteralDateTime:
		if _, err := time.Parse(time.RFC3339, raw); err != nil {
			return fmt.Errorf("not a datetime: %q", raw)
		}
	}

	if len(d.AllowedValues) > 0 {
		ok := false
		for _, v := range d.AllowedValues {
			if v == raw {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("value %q not in allowed values", raw)
		}
	}
	for _, r := range d.AllowedRanges {
		if err := r.contains(raw); err != nil {
			return err
		}
	}
	return nil
}

// ValidateValue checks a submitted literal value against the descriptor.
func (d *IODescriptor) ValidateValue(raw string) error {
	return d.checkLiteralValue(raw)
}

func (r Range) contains(raw string) error {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		// Non-numeric ranges are compared lexically by WPS convention.
		if r.Minimum != "" && raw < r.Minimum {
			return fmt.Errorf("value %q below range minimum %q", raw, r.Minimum)
		}
		if r.Maximum != "" && raw > r.Maximum {
			return fmt.Errorf("value %q above range maximum %q", raw, r.Maximum)
		}
		return nil
	}
	if r.Minimum != "" {
		minVal, err := strconv.ParseFloat(r.Minimum, 64)
		if err == nil {
			if v < minVal || (v == minVal && (r.Closure == "open" || r.Closure == "open-closed")) {
				return fmt.Errorf("value %v below range minimum %v", v, minVal)
			}
		}
	}
	if r.Maximum != "" {
		maxVal, err := strconv.ParseFloat(r.Maximum, 64)
		if err == nil {
			if v > maxVal || (v == maxVal && (r.Closure == "open" || r.Closure == "closed-open")) {
				return fmt.Errorf("value %v above range maximum %v", v, maxVal)
			}
		}
	}
	return nil
}
