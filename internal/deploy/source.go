// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	sigsyaml "sigs.k8s.io/yaml"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/cwl"
	"github.com/weaverproc/weaver/internal/process"
)

// source is the parsed deployment body: the optional submitted description
// plus the resolved execution unit.
type source struct {
	// Description is the client-declared process description, when any.
	Description *process.OGCDescription
	// RawDescription keeps the declared description JSON for schema checks.
	RawDescription json.RawMessage
	// Doc is the CWL application package for local execution units.
	Doc cwl.Document
	// Unit is the execution unit recorded on the process.
	Unit process.ExecutionUnit
}

// cwlContentTypes trigger CWL-first parsing regardless of body shape.
var cwlContentTypes = map[string]bool{
	"application/cwl":      true,
	"application/cwl+json": true,
	"application/cwl+yaml": true,
	"application/x-yaml":   true,
	"text/yaml":            true,
}

// parseBody sniffs and parses a deployment body. Accepted forms:
//   - a bare CWL document (by content type or a cwlVersion field)
//   - an OGC application package: {processDescription, executionUnit}
func (s *Service) parseBody(ctx context.Context, body []byte, contentType string) (*source, error) {
	mediaType := contentType
	if idx := strings.Index(mediaType, ";"); idx >= 0 {
		mediaType = mediaType[:idx]
	}
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))

	if cwlContentTypes[mediaType] {
		return s.cwlSource(ctx, body)
	}

	// Sniff the shape without the CWL loader: a package envelope has no
	// class and would be rejected by it.
	if data, err := sigsyaml.YAMLToJSON(body); err == nil {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err == nil {
			if _, hasVersion := doc["cwlVersion"]; hasVersion {
				return s.cwlSource(ctx, body)
			}
			if pkg, ok := asPackage(doc); ok {
				return s.packageSource(ctx, pkg)
			}
		}
	}
	return nil, apperr.New(apperr.CodeSchemaInvalid, http.StatusUnprocessableEntity,
		"Invalid deployment", "body is neither a CWL document nor an OGC application package")
}

func (s *Service) cwlSource(ctx context.Context, body []byte) (*source, error) {
	doc, err := cwl.Load(body)
	if err != nil {
		return nil, err
	}
	if err := doc.Normalize(); err != nil {
		return nil, err
	}
	if err := s.inlineRunReferences(ctx, doc, ""); err != nil {
		return nil, err
	}
	return &source{
		Doc:  doc,
		Unit: process.ExecutionUnit{Kind: process.UnitCWL, CWL: doc},
	}, nil
}

// deployPackage mirrors the OGC application package envelope. The process
// description appears either directly or nested under "process".
type deployPackage struct {
	ProcessDescription json.RawMessage `json:"processDescription"`
	ExecutionUnit      []executionUnit `json:"executionUnit"`
}

type executionUnit struct {
	Unit map[string]any `json:"unit,omitempty"`
	Href string         `json:"href,omitempty"`
	Type string         `json:"type,omitempty"`
}

func asPackage(doc map[string]any) (*deployPackage, bool) {
	_, hasDesc := doc["processDescription"]
	_, hasUnit := doc["executionUnit"]
	if !hasDesc && !hasUnit {
		return nil, false
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, false
	}
	var pkg deployPackage
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, false
	}
	return &pkg, true
}

func (s *Service) packageSource(ctx context.Context, pkg *deployPackage) (*source, error) {
	src := &source{}

	if len(pkg.ProcessDescription) > 0 {
		raw := pkg.ProcessDescription
		// The description may be wrapped one level: {"process": {...}}.
		var wrapper struct {
			Process json.RawMessage `json:"process"`
		}
		if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Process) > 0 {
			raw = wrapper.Process
		}
		var desc process.OGCDescription
		if err := json.Unmarshal(raw, &desc); err != nil {
			return nil, apperr.Wrap(apperr.CodeSchemaInvalid, http.StatusUnprocessableEntity,
				"Invalid deployment", "processDescription is not a valid process description", err)
		}
		src.Description = &desc
		src.RawDescription = raw
	}

	if len(pkg.ExecutionUnit) == 0 {
		// Legacy form: the execution unit referenced through an OWS context
		// offering inside the description.
		if href := owsContextHref(src.RawDescription); href != "" {
			if err := s.resolveHref(ctx, src, executionUnit{Href: href}); err != nil {
				return nil, err
			}
			return src, nil
		}
		return nil, apperr.New(apperr.CodeSchemaInvalid, http.StatusUnprocessableEntity,
			"Invalid deployment", "executionUnit is required")
	}
	if len(pkg.ExecutionUnit) > 1 {
		return nil, apperr.New(apperr.CodeSchemaInvalid, http.StatusUnprocessableEntity,
			"Invalid deployment", "exactly one executionUnit is supported")
	}

	unit := pkg.ExecutionUnit[0]
	switch {
	case unit.Unit != nil:
		doc := cwl.Document(unit.Unit)
		if err := doc.Normalize(); err != nil {
			return nil, err
		}
		if err := s.inlineRunReferences(ctx, doc, ""); err != nil {
			return nil, err
		}
		src.Doc = doc
		src.Unit = process.ExecutionUnit{Kind: process.UnitCWL, CWL: doc}
	case unit.Href != "":
		if err := s.resolveHref(ctx, src, unit); err != nil {
			return nil, err
		}
	default:
		return nil, apperr.New(apperr.CodeSchemaInvalid, http.StatusUnprocessableEntity,
			"Invalid deployment", "executionUnit carries neither unit nor href")
	}
	return src, nil
}

// resolveHref classifies a remote execution unit reference. Precedence:
// CWL document href, OGC-API process URL, WPS service URL.
func (s *Service) resolveHref(ctx context.Context, src *source, unit executionUnit) error {
	href := unit.Href
	switch {
	case isCWLRef(href, unit.Type):
		doc, err := s.fetchCWL(ctx, href)
		if err != nil {
			return err
		}
		src.Doc = doc
		src.Unit = process.ExecutionUnit{Kind: process.UnitCWL, CWL: doc}
	case isWPSRef(href, unit.Type):
		src.Unit = process.ExecutionUnit{Kind: process.UnitWPS, Href: href}
	default:
		src.Unit = process.ExecutionUnit{Kind: process.UnitOGCAPI, Href: strings.TrimRight(href, "/")}
	}
	return nil
}

func isCWLRef(href, mediaType string) bool {
	if cwlContentTypes[strings.ToLower(mediaType)] {
		return true
	}
	trimmed := href
	if idx := strings.IndexAny(trimmed, "?#"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	lower := strings.ToLower(trimmed)
	return strings.HasSuffix(lower, ".cwl") ||
		strings.HasSuffix(lower, ".yaml") ||
		strings.HasSuffix(lower, ".yml")
}

func isWPSRef(href, mediaType string) bool {
	lower := strings.ToLower(href)
	if strings.Contains(lower, "service=wps") {
		return true
	}
	if strings.Contains(strings.ToLower(mediaType), "xml") {
		return true
	}
	u := lower
	if idx := strings.IndexAny(u, "?#"); idx >= 0 {
		u = u[:idx]
	}
	return strings.HasSuffix(u, "/wps")
}

// owsContextHref extracts the execution unit reference of the legacy OWS
// context form: {"owsContext": {"offering": {"content": {"href": ...}}}}
// inside the process description.
func owsContextHref(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var wrapper struct {
		OWSContext struct {
			Offering struct {
				Content struct {
					Href string `json:"href"`
				} `json:"content"`
			} `json:"offering"`
		} `json:"owsContext"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return ""
	}
	return wrapper.OWSContext.Offering.Content.Href
}

// inlineRunReferences embeds referenced step tools into a workflow at
// deployment time, so execution never depends on documents that may be
// gone by run time. Relative references resolve against base, the location
// the workflow itself was fetched from; without one they are rejected.
func (s *Service) inlineRunReferences(ctx context.Context, doc cwl.Document, base string) error {
	if !doc.IsWorkflow() {
		return nil
	}
	inline := func(body map[string]any) error {
		ref, _ := body["run"].(string)
		if ref == "" {
			return nil
		}
		href := ref
		if !strings.Contains(href, "://") {
			if base == "" {
				return apperr.New(apperr.CodeSchemaInvalid, http.StatusUnprocessableEntity,
					"Invalid deployment",
					fmt.Sprintf("step run reference %q cannot be resolved without a package location", ref))
			}
			href = base[:strings.LastIndex(base, "/")+1] + strings.TrimPrefix(href, "./")
		}
		tool, err := s.fetchCWL(ctx, href)
		if err != nil {
			return err
		}
		body["run"] = map[string]any(tool)
		return nil
	}

	switch steps := doc["steps"].(type) {
	case []any:
		for _, e := range steps {
			if body, ok := e.(map[string]any); ok {
				if err := inline(body); err != nil {
					return err
				}
			}
		}
	case map[string]any:
		for _, e := range steps {
			if body, ok := e.(map[string]any); ok {
				if err := inline(body); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// fetchCWL downloads and parses a referenced application package. Nested
// workflows get their own run references inlined relative to their href.
func (s *Service) fetchCWL(ctx context.Context, href string) (cwl.Document, error) {
	dir, err := os.MkdirTemp("", "weaver-deploy-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	res, err := s.fetcher.Fetch(ctx, href, dir)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(res.LocalPath)
	if err != nil {
		return nil, err
	}
	doc, err := cwl.Load(bytes.TrimSpace(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeSchemaInvalid, http.StatusUnprocessableEntity,
			"Invalid deployment", fmt.Sprintf("referenced package %s is not a CWL document", href), err)
	}
	if err := doc.Normalize(); err != nil {
		return nil, err
	}
	if err := s.inlineRunReferences(ctx, doc, href); err != nil {
		return nil, err
	}
	return doc, nil
}
