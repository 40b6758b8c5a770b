// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package process

// Legacy (pre-OGC) list-form rendering of a process description. Clients of
// the original WPS REST API receive I/O as ordered lists with "mimeType"
// format keys instead of the OGC mapping form.

// LegacyFormat is a format entry in the legacy list form.
type LegacyFormat struct {
	MimeType         string `json:"mimeType"`
	Encoding         string `json:"encoding,omitempty"`
	Schema           string `json:"schema,omitempty"`
	MaximumMegabytes int    `json:"maximumMegabytes,omitempty"`
	Default          bool   `json:"default"`
}

// LegacyIO is one list entry of the legacy rendering.
type LegacyIO struct {
	ID            string          `json:"id"`
	Title         string          `json:"title,omitempty"`
	Description   string          `json:"abstract,omitempty"`
	DataType      string          `json:"dataType,omitempty"`
	Formats       []LegacyFormat  `json:"formats,omitempty"`
	MinOccurs     int             `json:"minOccurs"`
	MaxOccurs     any             `json:"maxOccurs"`
	Default       any             `json:"defaultValue,omitempty"`
	AllowedValues []string        `json:"allowedValues,omitempty"`
	Domains       []LiteralDomain `json:"literalDataDomains,omitempty"`
}

// LegacyDescription is the legacy list-form process description.
type LegacyDescription struct {
	ID          string     `json:"id"`
	Version     string     `json:"version,omitempty"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"abstract,omitempty"`
	Keywords    []string   `json:"keywords,omitempty"`
	Metadata    []Metadata `json:"metadata,omitempty"`
	Inputs      []LegacyIO `json:"inputs"`
	Outputs     []LegacyIO `json:"outputs"`
	Visibility  Visibility `json:"visibility,omitempty"`
}

// RenderLegacy produces the legacy list-form rendering of the process.
func RenderLegacy(p *Process) *LegacyDescription {
	desc := &LegacyDescription{
		ID:          p.ID,
		Version:     p.Version,
		Title:       p.Title,
		Description: p.Description,
		Keywords:    p.Keywords,
		Metadata:    p.Metadata,
		Visibility:  p.Visibility,
		Inputs:      make([]LegacyIO, 0, len(p.Inputs)),
		Outputs:     make([]LegacyIO, 0, len(p.Outputs)),
	}
	for i := range p.Inputs {
		desc.Inputs = append(desc.Inputs, renderLegacyIO(&p.Inputs[i]))
	}
	for i := range p.Outputs {
		desc.Outputs = append(desc.Outputs, renderLegacyIO(&p.Outputs[i]))
	}
	return desc
}

func renderLegacyIO(d *IODescriptor) LegacyIO {
	io := LegacyIO{
		ID:            d.ID,
		Title:         d.Title,
		Description:   d.Description,
		MinOccurs:     d.MinOccurs,
		Default:       d.Default,
		AllowedValues: d.AllowedValues,
	}
	if d.MaxOccurs == Unbounded {
		io.MaxOccurs = "unbounded"
	} else {
		io.MaxOccurs = d.MaxOccurs
	}
	switch d.Class {
	case ClassLiteral, ClassEnum:
		io.DataType = string(d.Literal.Kind)
		io.Domains = d.Literal.Domains
	case ClassComplex:
		for _, f := range d.Complex.Formats {
			io.Formats = append(io.Formats, LegacyFormat{
				MimeType:         f.MediaType,
				Encoding:         f.Encoding,
				Schema:           f.Schema,
				MaximumMegabytes: f.MaximumMegabytes,
				Default:          f.Default,
			})
		}
	case ClassBoundingBox:
		io.DataType = "bbox"
	}
	return io
}
