// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"

	"github.com/weaverproc/weaver/internal/apperr"
)

// occursUnset marks an occurrence bound for which no source gave a value.
const occursUnset = -2

// PartialIO is an IODescriptor as produced by one of the three source
// loaders (CWL, WPS-XML, OGC-API JSON) before merging. Occurrence bounds
// left unset by the source are marked so the merge can distinguish
// "explicitly 1" from "never stated".
type PartialIO struct {
	IODescriptor

	// OccursSet reports whether MinOccurs/MaxOccurs were explicit in the
	// source description.
	MinOccursSet bool
	MaxOccursSet bool

	// Nullable reports a CWL ["null", T] or T? type.
	Nullable bool
}

// NewPartial builds a PartialIO with unset occurrence bounds.
func NewPartial(id string, class Class) PartialIO {
	return PartialIO{IODescriptor: IODescriptor{
		ID:        id,
		Class:     class,
		MinOccurs: occursUnset,
		MaxOccurs: occursUnset,
	}}
}

// SetOccurs records explicit occurrence bounds from a source.
func (p *PartialIO) SetOccurs(minOccurs, maxOccurs int) {
	p.MinOccurs = minOccurs
	p.MaxOccurs = maxOccurs
	p.MinOccursSet = true
	p.MaxOccursSet = true
}

// MergeIO unifies descriptor lists from multiple sources into the canonical
// form. Sources are ordered by authority: a later source refines, but must
// not contradict, an earlier one. I/O identifiers present in any source
// appear in the result, ordered by their first appearance.
func MergeIO(output bool, sources ...[]PartialIO) ([]IODescriptor, error) {
	var order []string
	merged := map[string]*PartialIO{}

	for _, src := range sources {
		for i := range src {
			p := src[i]
			existing, found := merged[p.ID]
			if !found {
				cp := p
				merged[p.ID] = &cp
				order = append(order, p.ID)
				continue
			}
			if err := mergeInto(existing, &p); err != nil {
				return nil, err
			}
		}
	}

	result := make([]IODescriptor, 0, len(order))
	for _, id := range order {
		d := finalize(merged[id])
		if err := d.Validate(output); err != nil {
			return nil, apperr.SchemaInvalid("merged descriptor invalid", err)
		}
		result = append(result, d)
	}
	return result, nil
}

// mergeInto folds overlay into base following "most constrained wins, but
// no contradiction".
func mergeInto(base, overlay *PartialIO) error {
	if err := mergeClass(base, overlay); err != nil {
		return err
	}

	if overlay.Title != "" {
		base.Title = overlay.Title
	}
	if overlay.Description != "" {
		base.Description = overlay.Description
	}
	if overlay.Default != nil && base.Default == nil {
		base.Default = overlay.Default
	}
	if len(overlay.AllowedValues) > 0 && len(base.AllowedValues) == 0 {
		base.AllowedValues = overlay.AllowedValues
	}
	if len(overlay.AllowedRanges) > 0 && len(base.AllowedRanges) == 0 {
		base.AllowedRanges = overlay.AllowedRanges
	}
	if overlay.SchemaRef != "" && base.SchemaRef == "" {
		base.SchemaRef = overlay.SchemaRef
	}

	mergeOccurs(base, overlay)

	if overlay.Literal != nil {
		if base.Literal == nil {
			base.Literal = overlay.Literal
		} else {
			if err := mergeLiteral(base.ID, base.Literal, overlay.Literal); err != nil {
				return err
			}
		}
	}
	if overlay.Complex != nil {
		if base.Complex == nil {
			base.Complex = overlay.Complex
		} else {
			base.Complex.Directory = base.Complex.Directory || overlay.Complex.Directory
			base.Complex.Formats = unionFormats(base.Complex.Formats, overlay.Complex.Formats)
		}
	}
	if overlay.BBox != nil {
		if base.BBox == nil {
			base.BBox = overlay.BBox
		} else if len(overlay.BBox.SupportedCRS) > 0 && len(base.BBox.SupportedCRS) == 0 {
			base.BBox = overlay.BBox
		}
	}

	base.Nullable = base.Nullable || overlay.Nullable
	return nil
}

func mergeClass(base, overlay *PartialIO) error {
	if base.Class == overlay.Class {
		return nil
	}
	// Enum is a constrained literal; the enum side wins.
	if base.Class == ClassLiteral && overlay.Class == ClassEnum {
		base.Class = ClassEnum
		return nil
	}
	if base.Class == ClassEnum && overlay.Class == ClassLiteral {
		return nil
	}
	return apperr.DescriptionMismatch(fmt.Sprintf(
		"i/o %q: class %q contradicts %q", base.ID, overlay.Class, base.Class))
}

func mergeLiteral(id string, base, overlay *LiteralSpec) error {
	if base.Kind != overlay.Kind && overlay.Kind != "" && base.Kind != "" {
		if !compatibleKinds(base.Kind, overlay.Kind) {
			return apperr.DescriptionMismatch(fmt.Sprintf(
				"i/o %q: literal type %q contradicts %q", id, overlay.Kind, base.Kind))
		}
		// Most constrained wins: integer is narrower than float.
		if base.Kind == LiteralFloat && overlay.Kind == LiteralInteger {
			base.Kind = LiteralInteger
		}
	}
	if base.Kind == "" {
		base.Kind = overlay.Kind
	}
	if len(overlay.Domains) > 0 && len(base.Domains) == 0 {
		base.Domains = overlay.Domains
	}
	return nil
}

func compatibleKinds(a, b LiteralKind) bool {
	if a == b {
		return true
	}
	// Numeric widening is tolerated in either direction.
	return (a == LiteralInteger && b == LiteralFloat) || (a == LiteralFloat && b == LiteralInteger)
}

func mergeOccurs(base, overlay *PartialIO) {
	if overlay.MinOccursSet && !base.MinOccursSet {
		base.MinOccurs = overlay.MinOccurs
		base.MinOccursSet = true
	}
	if overlay.MaxOccursSet {
		if !base.MaxOccursSet {
			base.MaxOccurs = overlay.MaxOccurs
			base.MaxOccursSet = true
		} else if base.MaxOccurs == Unbounded || overlay.MaxOccurs == Unbounded {
			// Never clip an unbounded side down to a scalar.
			base.MaxOccurs = Unbounded
		} else if overlay.MaxOccurs > base.MaxOccurs {
			base.MaxOccurs = overlay.MaxOccurs
		}
	}
}

// unionFormats merges format lists keyed by normalised media type,
// preserving the order of first appearance. The first explicit default
// wins; additional defaults are demoted.
func unionFormats(a, b []Format) []Format {
	var out []Format
	index := map[string]int{}
	hasDefault := false

	add := func(f Format) {
		key := NormalizeMediaType(f.MediaType)
		if i, found := index[key]; found {
			if f.Encoding != "" && out[i].Encoding == "" {
				out[i].Encoding = f.Encoding
			}
			if f.Schema != "" && out[i].Schema == "" {
				out[i].Schema = f.Schema
			}
			if f.MaximumMegabytes > 0 && out[i].MaximumMegabytes == 0 {
				out[i].MaximumMegabytes = f.MaximumMegabytes
			}
			if f.Default && !hasDefault {
				out[i].Default = true
				hasDefault = true
			}
			return
		}
		if f.Default {
			if hasDefault {
				f.Default = false
			} else {
				hasDefault = true
			}
		}
		index[key] = len(out)
		out = append(out, f)
	}

	for _, f := range a {
		add(f)
	}
	for _, f := range b {
		add(f)
	}
	return out
}

// finalize resolves remaining unset fields into the canonical descriptor.
func finalize(p *PartialIO) IODescriptor {
	d := p.IODescriptor

	if !p.MinOccursSet {
		d.MinOccurs = 1
	}
	if !p.MaxOccursSet {
		d.MaxOccurs = 1
	}
	// A nullable CWL type with no explicit WPS minOccurs is optional.
	if p.Nullable && !p.MinOccursSet {
		d.MinOccurs = 0
	}
	// A default value always makes the input optional.
	if d.Default != nil {
		d.MinOccurs = 0
	}

	// Promote the first format to default when no source declared one.
	if d.Complex != nil && len(d.Complex.Formats) > 0 {
		hasDefault := false
		for _, f := range d.Complex.Formats {
			if f.Default {
				hasDefault = true
				break
			}
		}
		if !hasDefault {
			d.Complex.Formats[0].Default = true
		}
	}

	if d.Class == "" {
		d.Class = ClassLiteral
	}
	if (d.Class == ClassLiteral || d.Class == ClassEnum) && d.Literal == nil {
		d.Literal = &LiteralSpec{Kind: LiteralString}
	}
	return d
}
