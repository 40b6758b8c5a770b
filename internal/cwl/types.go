// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package cwl

import (
	"fmt"
	"strings"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/process"
)

// DescribeIO converts the document's typed inputs and outputs into partial
// descriptors for merging.
func DescribeIO(d Document) (inputs, outputs []process.PartialIO, err error) {
	inputs, err = convertPorts(d["inputs"], false)
	if err != nil {
		return nil, nil, err
	}
	outputs, err = convertPorts(d["outputs"], true)
	if err != nil {
		return nil, nil, err
	}
	return inputs, outputs, nil
}

func convertPorts(raw any, output bool) ([]process.PartialIO, error) {
	var ports []process.PartialIO
	appendPort := func(id string, body any) error {
		p, err := convertPort(id, body, output)
		if err != nil {
			return err
		}
		ports = append(ports, p)
		return nil
	}

	switch v := raw.(type) {
	case map[string]any:
		for id, body := range v {
			if err := appendPort(id, body); err != nil {
				return nil, err
			}
		}
	case []any:
		for _, e := range v {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, apperr.SchemaInvalid("CWL i/o entry is not an object", nil)
			}
			id, _ := m["id"].(string)
			if id == "" {
				return nil, apperr.SchemaInvalid("CWL i/o entry without id", nil)
			}
			if err := appendPort(strings.TrimPrefix(id, "#"), m); err != nil {
				return nil, err
			}
		}
	case nil:
		return nil, nil
	default:
		return nil, apperr.SchemaInvalid("CWL inputs/outputs must be a list or mapping", nil)
	}
	return ports, nil
}

// convertPort maps one CWL port to a partial descriptor. The body is either
// a bare type ("string", "File?") or an object with type/default/format.
func convertPort(id string, body any, output bool) (process.PartialIO, error) {
	var (
		rawType any
		obj     map[string]any
	)
	switch v := body.(type) {
	case string:
		rawType = v
	case map[string]any:
		obj = v
		rawType = v["type"]
	default:
		return process.PartialIO{}, apperr.SchemaInvalid(fmt.Sprintf("CWL i/o %q has unsupported form", id), nil)
	}

	t, err := resolveType(id, rawType)
	if err != nil {
		return process.PartialIO{}, err
	}

	p := process.NewPartial(id, t.class)
	p.Nullable = t.nullable

	switch t.class {
	case process.ClassLiteral:
		p.Literal = &process.LiteralSpec{Kind: t.literal}
	case process.ClassEnum:
		p.Literal = &process.LiteralSpec{Kind: process.LiteralString}
		p.AllowedValues = t.symbols
	case process.ClassComplex:
		p.Complex = &process.ComplexSpec{Directory: t.directory}
	}

	if t.array {
		// CWL array types admit any number of values.
		minOccurs := 1
		if t.nullable {
			minOccurs = 0
		}
		p.SetOccurs(minOccurs, process.Unbounded)
	}

	if obj != nil {
		if label, ok := obj["label"].(string); ok {
			p.Title = label
		}
		if doc, ok := obj["doc"].(string); ok {
			p.Description = doc
		}
		if def, ok := obj["default"]; ok {
			p.Default = def
		}
		if t.class == process.ClassComplex {
			p.Complex.Formats = convertFormats(obj["format"])
		}
	}

	_ = output
	return p, nil
}

// cwlType is the resolved algebraic type of a port.
type cwlType struct {
	class     process.Class
	literal   process.LiteralKind
	symbols   []string
	directory bool
	array     bool
	nullable  bool
}

func resolveType(id string, raw any) (cwlType, error) {
	switch v := raw.(type) {
	case string:
		return resolveTypeName(id, v)
	case []any:
		// ["null", T] union form.
		var t cwlType
		found := false
		for _, e := range v {
			if s, ok := e.(string); ok && s == "null" {
				t.nullable = true
				continue
			}
			if found {
				return t, apperr.SchemaInvalid(fmt.Sprintf("CWL i/o %q: unions beyond nullable are not supported", id), nil)
			}
			inner, err := resolveType(id, e)
			if err != nil {
				return t, err
			}
			nullable := t.nullable
			t = inner
			t.nullable = t.nullable || nullable
			found = true
		}
		if !found {
			return t, apperr.SchemaInvalid(fmt.Sprintf("CWL i/o %q: empty type union", id), nil)
		}
		return t, nil
	case map[string]any:
		typeName, _ := v["type"].(string)
		switch typeName {
		case "array":
			inner, err := resolveType(id, v["items"])
			if err != nil {
				return cwlType{}, err
			}
			inner.array = true
			return inner, nil
		case "enum":
			var symbols []string
			if syms, ok := v["symbols"].([]any); ok {
				for _, s := range syms {
					if str, ok := s.(string); ok {
						symbols = append(symbols, strings.TrimPrefix(str, "#"))
					}
				}
			}
			return cwlType{class: process.ClassEnum, symbols: symbols}, nil
		}
		return cwlType{}, apperr.SchemaInvalid(fmt.Sprintf("CWL i/o %q: unsupported type object %q", id, typeName), nil)
	}
	return cwlType{}, apperr.SchemaInvalid(fmt.Sprintf("CWL i/o %q: missing type", id), nil)
}

func resolveTypeName(id, name string) (cwlType, error) {
	var t cwlType
	if strings.HasSuffix(name, "?") {
		t.nullable = true
		name = strings.TrimSuffix(name, "?")
	}
	if strings.HasSuffix(name, "[]") {
		t.array = true
		name = strings.TrimSuffix(name, "[]")
	}
	switch name {
	case "string":
		t.class = process.ClassLiteral
		t.literal = process.LiteralString
	case "int", "long":
		t.class = process.ClassLiteral
		t.literal = process.LiteralInteger
	case "float", "double":
		t.class = process.ClassLiteral
		t.literal = process.LiteralFloat
	case "boolean":
		t.class = process.ClassLiteral
		t.literal = process.LiteralBoolean
	case "File":
		t.class = process.ClassComplex
	case "Directory":
		t.class = process.ClassComplex
		t.directory = true
	default:
		return t, apperr.SchemaInvalid(fmt.Sprintf("CWL i/o %q: unknown type %q", id, name), nil)
	}
	return t, nil
}

// convertFormats maps the CWL format field (ontology URI or list of URIs)
// to format entries. Unknown ontology references keep the URI in the schema
// field so nothing is silently dropped.
func convertFormats(raw any) []process.Format {
	var uris []string
	switch v := raw.(type) {
	case string:
		uris = []string{v}
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				uris = append(uris, s)
			}
		}
	}
	var formats []process.Format
	for i, uri := range uris {
		mt, ok := process.ResolveFormatURICached(uri)
		f := process.Format{Default: i == 0}
		if ok {
			f.MediaType = mt
		} else {
			f.MediaType = "application/octet-stream"
			f.Schema = uri
		}
		formats = append(formats, f)
	}
	return formats
}

// InjectValueGuard adds a JavaScript valueFrom guard on the given input so
// that allowed values of non-string literals are enforced by the engine.
// InlineJavascriptRequirement is injected when missing.
func InjectValueGuard(d Document, inputID string, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	d.EnsureRequirement(ReqInlineJS)

	var quoted []string
	for _, v := range allowed {
		quoted = append(quoted, fmt.Sprintf("%q", v))
	}
	guard := fmt.Sprintf(
		"${ var allowed = [%s]; if (allowed.indexOf(String(self)) < 0) { throw \"value not allowed for %s\"; } return self; }",
		strings.Join(quoted, ","), inputID)

	inputs, ok := d["inputs"].(map[string]any)
	if !ok {
		return apperr.SchemaInvalid("cannot inject value guard: inputs not in mapping form", nil)
	}
	body, ok := inputs[inputID].(map[string]any)
	if !ok {
		if s, isString := inputs[inputID].(string); isString {
			body = map[string]any{"type": s}
			inputs[inputID] = body
		} else {
			return apperr.SchemaInvalid(fmt.Sprintf("cannot inject value guard for input %q", inputID), nil)
		}
	}
	binding, _ := body["inputBinding"].(map[string]any)
	if binding == nil {
		binding = map[string]any{}
		body["inputBinding"] = binding
	}
	binding["valueFrom"] = guard
	return nil
}
