// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package wps

import (
	"strconv"
	"strings"

	"github.com/weaverproc/weaver/internal/process"
)

// DescribeIO converts a WPS process description into partial descriptors
// ready for merging with the CWL and OGC-API views.
func DescribeIO(pd *ProcessDescription) (inputs, outputs []process.PartialIO) {
	for _, in := range pd.Inputs {
		p := convertIO(in.Identifier, in.Title, in.Abstract, in.Literal, in.Complex, in.BoundingBox)
		if in.MinOccurs != nil || in.MaxOccurs != "" {
			minOccurs := 1
			if in.MinOccurs != nil {
				minOccurs = *in.MinOccurs
			}
			p.SetOccurs(minOccurs, parseMaxOccurs(in.MaxOccurs))
		}
		inputs = append(inputs, p)
	}
	for _, out := range pd.Outputs {
		p := convertIO(out.Identifier, out.Title, out.Abstract, out.Literal, out.Complex, out.BoundingBox)
		outputs = append(outputs, p)
	}
	return inputs, outputs
}

func parseMaxOccurs(raw string) int {
	if strings.EqualFold(raw, "unbounded") {
		return process.Unbounded
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return n
	}
	return 1
}

func convertIO(id, title, abstract string, lit *LiteralDesc, cpx *ComplexDesc, bbox *BBoxDesc) process.PartialIO {
	switch {
	case cpx != nil:
		p := process.NewPartial(id, process.ClassComplex)
		p.Title = title
		p.Description = abstract
		p.Complex = &process.ComplexSpec{Formats: convertFormats(cpx)}
		return p
	case bbox != nil:
		p := process.NewPartial(id, process.ClassBoundingBox)
		p.Title = title
		p.Description = abstract
		crs := bbox.SupportedCRS
		if bbox.DefaultCRS != "" && !containsString(crs, bbox.DefaultCRS) {
			crs = append([]string{bbox.DefaultCRS}, crs...)
		}
		p.BBox = &process.BoundingBoxSpec{DefaultCRS: bbox.DefaultCRS, SupportedCRS: crs}
		return p
	default:
		class := process.ClassLiteral
		if lit != nil && len(lit.AllowedValues) > 0 {
			class = process.ClassEnum
		}
		p := process.NewPartial(id, class)
		p.Title = title
		p.Description = abstract
		spec := &process.LiteralSpec{Kind: process.LiteralString}
		if lit != nil {
			spec.Kind = literalKind(lit.DataType)
			if len(lit.AllowedValues) > 0 {
				p.AllowedValues = lit.AllowedValues
			}
			if lit.DefaultValue != "" {
				p.Default = lit.DefaultValue
			}
			domain := process.LiteralDomain{
				DataType:      spec.Kind,
				DefaultValue:  lit.DefaultValue,
				AllowedValues: lit.AllowedValues,
				AnyValue:      lit.AnyValue != nil,
			}
			if len(lit.UOMs) > 0 {
				domain.UOM = lit.UOMs[0]
			}
			spec.Domains = []process.LiteralDomain{domain}
		}
		p.Literal = spec
		return p
	}
}

// literalKind maps the xs: datatype reference onto the canonical literal
// kinds.
func literalKind(dt *DataTypeRef) process.LiteralKind {
	if dt == nil {
		return process.LiteralString
	}
	name := dt.Value
	if name == "" {
		name = dt.Reference
	}
	if idx := strings.LastIndexAny(name, "#:/"); idx >= 0 {
		name = name[idx+1:]
	}
	switch strings.ToLower(name) {
	case "int", "integer", "long", "short", "nonnegativeinteger", "positiveinteger":
		return process.LiteralInteger
	case "float", "double", "decimal":
		return process.LiteralFloat
	case "bool", "boolean":
		return process.LiteralBoolean
	case "datetime", "date", "time":
		return process.LiteralDateTime
	default:
		return process.LiteralString
	}
}

func convertFormats(cpx *ComplexDesc) []process.Format {
	var formats []process.Format
	seen := map[string]bool{}
	add := func(fd FormatDesc, isDefault bool) {
		if fd.MimeType == "" {
			return
		}
		key := process.NormalizeMediaType(fd.MimeType)
		if seen[key] {
			return
		}
		seen[key] = true
		formats = append(formats, process.Format{
			MediaType:        fd.MimeType,
			Encoding:         fd.Encoding,
			Schema:           fd.Schema,
			MaximumMegabytes: cpx.MaximumMegabytes,
			Default:          isDefault,
		})
	}
	if cpx.Default != nil {
		add(*cpx.Default, true)
	}
	for _, fd := range cpx.Supported {
		add(fd, false)
	}
	return formats
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// BuildExecute assembles an asynchronous Execute request for the given
// process: literal values inline, file inputs by reference, all outputs
// stored by reference.
func BuildExecute(processID string, literals map[string]string, references map[string][]string, outputs []string) *Execute {
	req := &Execute{
		Identifier: processID,
		Response: ResponseForm{Document: ResponseDocument{
			StoreExecuteResponse: true,
			Status:               true,
		}},
	}
	for id, value := range literals {
		req.Inputs = append(req.Inputs, ExecuteInput{
			Identifier: id,
			Data:       &ExecuteData{Literal: &LiteralValue{Value: value}},
		})
	}
	for id, hrefs := range references {
		for _, href := range hrefs {
			req.Inputs = append(req.Inputs, ExecuteInput{
				Identifier: id,
				Reference:  &ExecuteRef{Href: href},
			})
		}
	}
	for _, id := range outputs {
		req.Response.Document.Outputs = append(req.Response.Document.Outputs, RequestOutput{
			AsReference: true,
			Identifier:  id,
		})
	}
	return req
}
