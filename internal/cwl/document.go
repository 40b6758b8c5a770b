// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package cwl loads Common Workflow Language documents and converts their
// typed I/O into the canonical descriptor model.
package cwl

import (
	"encoding/json"
	"fmt"
	"strings"

	sigsyaml "sigs.k8s.io/yaml"

	"github.com/weaverproc/weaver/internal/apperr"
)

// Document is a parsed CWL document (tool or workflow) in JSON form.
type Document map[string]any

// Requirement class names dispatched by the step dispatcher.
const (
	ReqDocker        = "DockerRequirement"
	ReqCUDA          = "cwltool:CUDARequirement"
	ReqWPS1          = "weaver:WPS1Requirement"
	ReqOGCAPI        = "weaver:OGCAPIRequirement"
	ReqESGFCWT       = "weaver:ESGF-CWTRequirement"
	ReqBuiltin       = "weaver:BuiltinRequirement"
	ReqInlineJS      = "InlineJavascriptRequirement"
	ReqInitWorkDir   = "InitialWorkDirRequirement"
	ReqScatter       = "ScatterFeatureRequirement"
	ReqSubworkflow   = "SubworkflowFeatureRequirement"
	ReqNetworkAccess = "NetworkAccess"
	ReqResource      = "ResourceRequirement"
	ReqSecrets       = "cwltool:Secrets"
)

// Reserved namespace prefixes allowed in requirement and hint classes.
var reservedPrefixes = []string{"cwltool:", "weaver:", "s:", "schema.org"}

// Recognized plain requirement classes; anything else outside the reserved
// namespaces is demoted to hints during normalization.
var knownRequirements = map[string]bool{
	ReqDocker:                         true,
	ReqInlineJS:                       true,
	ReqInitWorkDir:                    true,
	ReqScatter:                        true,
	ReqSubworkflow:                    true,
	ReqNetworkAccess:                  true,
	ReqResource:                       true,
	"EnvVarRequirement":               true,
	"ShellCommandRequirement":         true,
	"MultipleInputFeatureRequirement": true,
	"StepInputExpressionRequirement":  true,
	"LoadListingRequirement":          true,
	"WorkReuse":                       true,
	"ToolTimeLimit":                   true,
}

// Load parses a CWL document from JSON or YAML bytes. A single-element
// $graph is unwrapped; multi-element graphs are not supported.
func Load(data []byte) (Document, error) {
	jsonBytes, err := sigsyaml.YAMLToJSON(data)
	if err != nil {
		return nil, apperr.SchemaInvalid("CWL document is not valid YAML or JSON", err)
	}
	var doc Document
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return nil, apperr.SchemaInvalid("CWL document is not an object", err)
	}

	if graph, ok := doc["$graph"]; ok {
		entries, ok := graph.([]any)
		if !ok || len(entries) == 0 {
			return nil, apperr.SchemaInvalid("CWL $graph must be a non-empty list", nil)
		}
		if len(entries) > 1 {
			return nil, apperr.SchemaInvalid("CWL $graph with multiple entries is not supported", nil)
		}
		entry, ok := entries[0].(map[string]any)
		if !ok {
			return nil, apperr.SchemaInvalid("CWL $graph entry is not an object", nil)
		}
		unwrapped := Document(entry)
		if v, ok := doc["cwlVersion"]; ok {
			if _, present := unwrapped["cwlVersion"]; !present {
				unwrapped["cwlVersion"] = v
			}
		}
		doc = unwrapped
	}

	if doc.Class() == "" {
		return nil, apperr.SchemaInvalid("CWL document without class", nil)
	}
	return doc, nil
}

// Class returns the CWL class (CommandLineTool, Workflow, ExpressionTool).
func (d Document) Class() string {
	s, _ := d["class"].(string)
	return s
}

// IsWorkflow reports whether the document is a CWL workflow.
func (d Document) IsWorkflow() bool {
	return d.Class() == "Workflow"
}

// Requirements returns the requirements mapping keyed by class name,
// accepting both the CWL list and map forms.
func (d Document) Requirements() map[string]map[string]any {
	return entriesByClass(d["requirements"])
}

// Hints returns the hints mapping keyed by class name.
func (d Document) Hints() map[string]map[string]any {
	return entriesByClass(d["hints"])
}

func entriesByClass(raw any) map[string]map[string]any {
	result := map[string]map[string]any{}
	switch v := raw.(type) {
	case []any:
		for _, e := range v {
			if m, ok := e.(map[string]any); ok {
				if class, ok := m["class"].(string); ok {
					result[class] = m
				}
			}
		}
	case map[string]any:
		for class, e := range v {
			m, _ := e.(map[string]any)
			if m == nil {
				m = map[string]any{}
			}
			result[class] = m
		}
	}
	return result
}

// Normalize enforces the reserved namespaces and moves unrecognized
// requirement classes to hints, mutating the document in place.
func (d Document) Normalize() error {
	reqs := d.Requirements()
	var demoted []string
	for class := range reqs {
		if knownRequirements[class] || hasReservedPrefix(class) {
			continue
		}
		demoted = append(demoted, class)
	}
	if len(demoted) == 0 {
		return nil
	}

	hints := d.Hints()
	for _, class := range demoted {
		hints[class] = reqs[class]
		delete(reqs, class)
	}
	d["requirements"] = toClassMap(reqs)
	d["hints"] = toClassMap(hints)
	return nil
}

func toClassMap(entries map[string]map[string]any) map[string]any {
	out := map[string]any{}
	for class, e := range entries {
		body := map[string]any{}
		for k, v := range e {
			if k != "class" {
				body[k] = v
			}
		}
		out[class] = body
	}
	return out
}

func hasReservedPrefix(class string) bool {
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(class, p) {
			return true
		}
	}
	return false
}

// EnsureRequirement adds a requirement with the given class if absent and
// returns its body.
func (d Document) EnsureRequirement(class string) map[string]any {
	reqs := d.Requirements()
	if body, ok := reqs[class]; ok {
		return body
	}
	reqs[class] = map[string]any{}
	d["requirements"] = toClassMap(reqs)
	return reqs[class]
}

// Step is one step of a CWL workflow.
type Step struct {
	ID  string
	Run any // string reference or embedded tool document
	// Requirements and hints scoped to the step, keyed by class.
	Requirements map[string]map[string]any
	Hints        map[string]map[string]any
	// In maps step input id to its workflow-level source.
	In map[string]string
	// Out lists the declared step output ids.
	Out []string
	// Scatter lists inputs scattered over, when any.
	Scatter []string
}

// Steps returns the workflow steps, accepting both list and map forms.
func (d Document) Steps() ([]Step, error) {
	if !d.IsWorkflow() {
		return nil, nil
	}
	raw, ok := d["steps"]
	if !ok {
		return nil, apperr.SchemaInvalid("workflow without steps", nil)
	}

	var steps []Step
	appendStep := func(id string, body map[string]any) {
		s := Step{
			ID:           id,
			Run:          body["run"],
			Requirements: entriesByClass(body["requirements"]),
			Hints:        entriesByClass(body["hints"]),
			In:           stepInputs(body["in"]),
			Out:          stepOutputs(body["out"]),
			Scatter:      stringList(body["scatter"]),
		}
		steps = append(steps, s)
	}

	switch v := raw.(type) {
	case []any:
		for _, e := range v {
			body, ok := e.(map[string]any)
			if !ok {
				return nil, apperr.SchemaInvalid("workflow step is not an object", nil)
			}
			id, _ := body["id"].(string)
			if id == "" {
				return nil, apperr.SchemaInvalid("workflow step without id", nil)
			}
			appendStep(strings.TrimPrefix(id, "#"), body)
		}
	case map[string]any:
		for id, e := range v {
			body, ok := e.(map[string]any)
			if !ok {
				return nil, apperr.SchemaInvalid(fmt.Sprintf("workflow step %q is not an object", id), nil)
			}
			appendStep(id, body)
		}
	default:
		return nil, apperr.SchemaInvalid("workflow steps must be a list or mapping", nil)
	}
	return steps, nil
}

func stepInputs(raw any) map[string]string {
	in := map[string]string{}
	switch v := raw.(type) {
	case map[string]any:
		for id, src := range v {
			switch s := src.(type) {
			case string:
				in[id] = s
			case map[string]any:
				if source, ok := s["source"].(string); ok {
					in[id] = source
				}
			}
		}
	case []any:
		for _, e := range v {
			if m, ok := e.(map[string]any); ok {
				id, _ := m["id"].(string)
				source, _ := m["source"].(string)
				if id != "" {
					in[strings.TrimPrefix(id, "#")] = source
				}
			}
		}
	}
	return in
}

func stepOutputs(raw any) []string {
	var out []string
	switch v := raw.(type) {
	case []any:
		for _, e := range v {
			switch o := e.(type) {
			case string:
				out = append(out, o)
			case map[string]any:
				if id, ok := o["id"].(string); ok {
					out = append(out, strings.TrimPrefix(id, "#"))
				}
			}
		}
	}
	return out
}

func stringList(raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []any:
		var out []string
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
