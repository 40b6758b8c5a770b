// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/weaverproc/weaver/internal/apperr"
)

// OGCSchema is the per-I/O OpenAPI schema fragment of the OGC-API process
// description. Fields are ordered for deterministic rendering.
type OGCSchema struct {
	Type             string      `json:"type,omitempty"`
	Format           string      `json:"format,omitempty"`
	ContentMediaType string      `json:"contentMediaType,omitempty"`
	ContentEncoding  string      `json:"contentEncoding,omitempty"`
	ContentSchema    string      `json:"contentSchema,omitempty"`
	Enum             []string    `json:"enum,omitempty"`
	Default          any         `json:"default,omitempty"`
	Minimum          *float64    `json:"minimum,omitempty"`
	Maximum          *float64    `json:"maximum,omitempty"`
	OneOf            []OGCSchema `json:"oneOf,omitempty"`
	Ref              string      `json:"$ref,omitempty"`

	// Bounding-box form.
	Properties map[string]json.RawMessage `json:"properties,omitempty"`
	Required   []string                   `json:"required,omitempty"`
}

// OGCIO is one entry of the inputs/outputs mapping in the OGC-API form.
type OGCIO struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	// MinOccurs/MaxOccurs only appear on inputs; MaxOccurs is either an
	// integer or the string "unbounded".
	MinOccurs *int            `json:"minOccurs,omitempty"`
	MaxOccurs json.RawMessage `json:"maxOccurs,omitempty"`
	Schema    OGCSchema       `json:"schema"`
}

// OGCDescription is the OGC-API JSON rendering of a Process.
type OGCDescription struct {
	ID                 string             `json:"id"`
	Version            string             `json:"version,omitempty"`
	Title              string             `json:"title,omitempty"`
	Description        string             `json:"description,omitempty"`
	Keywords           []string           `json:"keywords,omitempty"`
	Metadata           []Metadata         `json:"metadata,omitempty"`
	JobControlOptions  []JobControl       `json:"jobControlOptions"`
	OutputTransmission []TransmissionMode `json:"outputTransmission"`
	Inputs             map[string]OGCIO   `json:"inputs"`
	Outputs            map[string]OGCIO   `json:"outputs"`
	Links              []Link             `json:"links,omitempty"`
}

// Link is a hypermedia link in API responses.
type Link struct {
	Href  string `json:"href"`
	Rel   string `json:"rel,omitempty"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

// RenderOGC produces the OGC-API JSON rendering of the process.
func RenderOGC(p *Process) *OGCDescription {
	desc := &OGCDescription{
		ID:                 p.ID,
		Version:            p.Version,
		Title:              p.Title,
		Description:        p.Description,
		Keywords:           p.Keywords,
		Metadata:           p.Metadata,
		JobControlOptions:  p.JobControlOptions,
		OutputTransmission: p.OutputTransmission,
		Inputs:             map[string]OGCIO{},
		Outputs:            map[string]OGCIO{},
	}
	for i := range p.Inputs {
		desc.Inputs[p.Inputs[i].ID] = renderIO(&p.Inputs[i], true)
	}
	for i := range p.Outputs {
		desc.Outputs[p.Outputs[i].ID] = renderIO(&p.Outputs[i], false)
	}
	return desc
}

func renderIO(d *IODescriptor, input bool) OGCIO {
	io := OGCIO{
		Title:       d.Title,
		Description: d.Description,
		Schema:      renderSchema(d),
	}
	if input {
		minOccurs := d.MinOccurs
		io.MinOccurs = &minOccurs
		if d.MaxOccurs == Unbounded {
			io.MaxOccurs = json.RawMessage(`"unbounded"`)
		} else {
			io.MaxOccurs = json.RawMessage(strconv.Itoa(d.MaxOccurs))
		}
	}
	return io
}

func renderSchema(d *IODescriptor) OGCSchema {
	var s OGCSchema
	switch d.Class {
	case ClassLiteral, ClassEnum:
		s = literalSchema(d)
	case ClassComplex:
		s = complexSchema(d)
	case ClassBoundingBox:
		s = OGCSchema{
			Type: "object",
			Properties: map[string]json.RawMessage{
				"bbox": json.RawMessage(`{"type":"array","items":{"type":"number"}}`),
				"crs":  json.RawMessage(`{"type":"string","format":"uri"}`),
			},
			Required: []string{"bbox"},
		}
	}
	if d.SchemaRef != "" {
		s.Ref = d.SchemaRef
	}
	return s
}

func literalSchema(d *IODescriptor) OGCSchema {
	s := OGCSchema{Type: "string"}
	if d.Literal != nil {
		switch d.Literal.Kind {
		case LiteralInteger:
			s.Type = "integer"
		case LiteralFloat:
			s.Type = "number"
		case LiteralBoolean:
			s.Type = "boolean"
		case LiteralDateTime:
			s.Type = "string"
			s.Format = "date-time"
		}
	}
	if len(d.AllowedValues) > 0 {
		s.Enum = d.AllowedValues
	}
	if d.Default != nil {
		s.Default = d.Default
	}
	if len(d.AllowedRanges) > 0 {
		r := d.AllowedRanges[0]
		if r.Minimum != "" {
			if v, err := strconv.ParseFloat(r.Minimum, 64); err == nil {
				s.Minimum = &v
			}
		}
		if r.Maximum != "" {
			if v, err := strconv.ParseFloat(r.Maximum, 64); err == nil {
				s.Maximum = &v
			}
		}
	}
	return s
}

func complexSchema(d *IODescriptor) OGCSchema {
	formats := d.Complex.Formats
	if len(formats) == 1 {
		return formatSchema(formats[0], d.Complex.Directory)
	}
	s := OGCSchema{}
	for _, f := range formats {
		s.OneOf = append(s.OneOf, formatSchema(f, d.Complex.Directory))
	}
	return s
}

func formatSchema(f Format, directory bool) OGCSchema {
	s := OGCSchema{
		Type:             "string",
		ContentMediaType: f.MediaType,
	}
	if directory {
		s.Format = "uri"
	} else {
		s.Format = "binary"
	}
	if f.Encoding != "" {
		s.ContentEncoding = f.Encoding
	}
	if f.Schema != "" {
		s.ContentSchema = f.Schema
	}
	return s
}

// ParseOGC parses an OGC-API process description back into partial
// descriptor lists suitable for merging. The inverse of RenderOGC.
func ParseOGC(doc *OGCDescription) (inputs, outputs []PartialIO, err error) {
	for id, io := range doc.Inputs {
		p, err := parseIO(id, io, true)
		if err != nil {
			return nil, nil, err
		}
		inputs = append(inputs, p)
	}
	for id, io := range doc.Outputs {
		p, err := parseIO(id, io, false)
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, p)
	}
	return inputs, outputs, nil
}

func parseIO(id string, io OGCIO, input bool) (PartialIO, error) {
	p, err := parseSchema(id, io.Schema)
	if err != nil {
		return p, err
	}
	p.Title = io.Title
	p.Description = io.Description
	if input {
		minOccurs := 1
		if io.MinOccurs != nil {
			minOccurs = *io.MinOccurs
		}
		maxOccurs := 1
		if len(io.MaxOccurs) > 0 {
			var s string
			if json.Unmarshal(io.MaxOccurs, &s) == nil {
				if s != "unbounded" {
					return p, apperr.SchemaInvalid(fmt.Sprintf("i/o %q: bad maxOccurs %q", id, s), nil)
				}
				maxOccurs = Unbounded
			} else if err := json.Unmarshal(io.MaxOccurs, &maxOccurs); err != nil {
				return p, apperr.SchemaInvalid(fmt.Sprintf("i/o %q: bad maxOccurs", id), err)
			}
		}
		if io.MinOccurs != nil || len(io.MaxOccurs) > 0 {
			p.SetOccurs(minOccurs, maxOccurs)
		}
	}
	return p, nil
}

func parseSchema(id string, s OGCSchema) (PartialIO, error) {
	// Bounding box: object schema with a bbox property.
	if s.Type == "object" {
		if _, ok := s.Properties["bbox"]; ok {
			p := NewPartial(id, ClassBoundingBox)
			p.BBox = &BoundingBoxSpec{}
			return p, nil
		}
		return PartialIO{}, apperr.SchemaInvalid(fmt.Sprintf("i/o %q: unsupported object schema", id), nil)
	}

	// Complex: contentMediaType on the schema or on oneOf branches.
	if s.ContentMediaType != "" || hasComplexBranches(s.OneOf) {
		p := NewPartial(id, ClassComplex)
		p.Complex = &ComplexSpec{Directory: s.Format == "uri"}
		if s.ContentMediaType != "" {
			p.Complex.Formats = []Format{{
				MediaType: s.ContentMediaType,
				Encoding:  s.ContentEncoding,
				Schema:    s.ContentSchema,
				Default:   true,
			}}
		} else {
			for i, branch := range s.OneOf {
				p.Complex.Directory = p.Complex.Directory || branch.Format == "uri"
				p.Complex.Formats = append(p.Complex.Formats, Format{
					MediaType: branch.ContentMediaType,
					Encoding:  branch.ContentEncoding,
					Schema:    branch.ContentSchema,
					Default:   i == 0,
				})
			}
		}
		p.SchemaRef = s.Ref
		return p, nil
	}

	// Literal or enum.
	class := ClassLiteral
	if len(s.Enum) > 0 {
		class = ClassEnum
	}
	p := NewPartial(id, class)
	kind := LiteralString
	switch s.Type {
	case "integer":
		kind = LiteralInteger
	case "number":
		kind = LiteralFloat
	case "boolean":
		kind = LiteralBoolean
	case "string", "":
		if s.Format == "date-time" {
			kind = LiteralDateTime
		}
	default:
		return PartialIO{}, apperr.SchemaInvalid(fmt.Sprintf("i/o %q: unsupported schema type %q", id, s.Type), nil)
	}
	p.Literal = &LiteralSpec{Kind: kind}
	p.AllowedValues = s.Enum
	p.Default = s.Default
	if s.Minimum != nil || s.Maximum != nil {
		r := Range{}
		if s.Minimum != nil {
			r.Minimum = strconv.FormatFloat(*s.Minimum, 'f', -1, 64)
		}
		if s.Maximum != nil {
			r.Maximum = strconv.FormatFloat(*s.Maximum, 'f', -1, 64)
		}
		p.AllowedRanges = []Range{r}
	}
	p.SchemaRef = s.Ref
	return p, nil
}

func hasComplexBranches(oneOf []OGCSchema) bool {
	for _, b := range oneOf {
		if b.ContentMediaType != "" {
			return true
		}
	}
	return false
}
