// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package wps

import (
	"fmt"
	"strconv"

	"github.com/weaverproc/weaver/internal/process"
)

const wpsNamespace = "http://www.opengis.net/wps/1.0.0"

// RenderDescription produces the WPS DescribeProcess XML form of canonical
// processes, for clients asking for the legacy rendering.
func RenderDescription(procs ...*process.Process) *ProcessDescriptions {
	out := &ProcessDescriptions{XMLNS: wpsNamespace}
	for _, p := range procs {
		pd := ProcessDescription{
			Identifier:      p.ID,
			Title:           p.Title,
			Abstract:        p.Description,
			Version:         p.Version,
			StatusSupported: true,
			StoreSupported:  true,
		}
		for i := range p.Inputs {
			pd.Inputs = append(pd.Inputs, renderInput(&p.Inputs[i]))
		}
		for i := range p.Outputs {
			pd.Outputs = append(pd.Outputs, renderOutput(&p.Outputs[i]))
		}
		out.Processes = append(out.Processes, pd)
	}
	return out
}

func renderInput(d *process.IODescriptor) InputDesc {
	minOccurs := d.MinOccurs
	in := InputDesc{
		Identifier: d.ID,
		Title:      d.Title,
		Abstract:   d.Description,
		MinOccurs:  &minOccurs,
	}
	if d.MaxOccurs == process.Unbounded {
		in.MaxOccurs = "unbounded"
	} else {
		in.MaxOccurs = strconv.Itoa(d.MaxOccurs)
	}
	in.Literal, in.Complex, in.BoundingBox = renderData(d)
	return in
}

func renderOutput(d *process.IODescriptor) OutputDesc {
	out := OutputDesc{
		Identifier: d.ID,
		Title:      d.Title,
		Abstract:   d.Description,
	}
	out.Literal, out.Complex, out.BoundingBox = renderData(d)
	return out
}

func renderData(d *process.IODescriptor) (*LiteralDesc, *ComplexDesc, *BBoxDesc) {
	switch d.Class {
	case process.ClassLiteral, process.ClassEnum:
		lit := &LiteralDesc{AllowedValues: d.AllowedValues}
		if d.Literal != nil {
			lit.DataType = &DataTypeRef{Value: string(d.Literal.Kind)}
		}
		if d.Default != nil {
			lit.DefaultValue = fmt.Sprintf("%v", d.Default)
		}
		if len(d.AllowedValues) == 0 {
			lit.AnyValue = &struct{}{}
		}
		return lit, nil, nil
	case process.ClassComplex:
		cpx := &ComplexDesc{}
		for _, f := range d.Complex.Formats {
			fd := FormatDesc{MimeType: f.MediaType, Encoding: f.Encoding, Schema: f.Schema}
			if f.Default || cpx.Default == nil {
				def := fd
				cpx.Default = &def
			}
			cpx.Supported = append(cpx.Supported, fd)
			if f.MaximumMegabytes > cpx.MaximumMegabytes {
				cpx.MaximumMegabytes = f.MaximumMegabytes
			}
		}
		return nil, cpx, nil
	case process.ClassBoundingBox:
		bbox := &BBoxDesc{DefaultCRS: "urn:ogc:def:crs:EPSG:6.6:4326"}
		if d.BBox != nil && len(d.BBox.SupportedCRS) > 0 {
			bbox.DefaultCRS = d.BBox.SupportedCRS[0]
			bbox.SupportedCRS = d.BBox.SupportedCRS
		}
		return nil, nil, bbox
	}
	return nil, nil, nil
}
