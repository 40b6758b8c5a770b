// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/weaverproc/weaver/internal/api/models"
	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/process"
	"github.com/weaverproc/weaver/internal/store"
	"github.com/weaverproc/weaver/internal/wps"
)

// conformsTo are the implemented conformance classes. The category query
// parameter filters by the class segment after "conf/", "rec/", "req/"
// or "per/".
var conformsTo = []string{
	"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/core",
	"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/ogc-process-description",
	"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/json",
	"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/job-list",
	"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/dismiss",
	"http://www.opengis.net/spec/ogcapi-processes-1/1.0/conf/callback",
	"http://www.opengis.net/spec/ogcapi-processes-2/1.0/conf/deploy-replace-undeploy",
	"http://www.opengis.net/spec/ogcapi-processes-2/1.0/conf/ogcapppkg",
	"http://www.opengis.net/spec/ogcapi-processes-2/1.0/conf/cwl",
	"http://www.opengis.net/spec/ogcapi-processes-4/1.0/conf/job-management",
}

// Landing answers the API landing page.
func (h *Handler) Landing(w http.ResponseWriter, r *http.Request) {
	root := h.root()
	writeJSON(w, http.StatusOK, models.Landing{
		Title:       "Weaver",
		Description: "OGC API - Processes execution and workflow dispatch service",
		Links: []process.Link{
			{Href: root + "/", Rel: "self", Type: "application/json"},
			{Href: root + "/conformance", Rel: "http://www.opengis.net/def/rel/ogc/1.0/conformance", Type: "application/json"},
			{Href: root + "/processes", Rel: "http://www.opengis.net/def/rel/ogc/1.0/processes", Type: "application/json"},
			{Href: root + "/jobs", Rel: "http://www.opengis.net/def/rel/ogc/1.0/job-list", Type: "application/json"},
			{Href: root + "/providers", Rel: "providers", Type: "application/json"},
		},
	})
}

// Conformance lists the implemented conformance classes, optionally
// filtered by category.
func (h *Handler) Conformance(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	switch category {
	case "", "all", "conf", "rec", "req", "per":
	default:
		writeError(w, apperr.SchemaInvalid(fmt.Sprintf("unknown conformance category %q", category), nil))
		return
	}
	classes := conformsTo
	if category != "" && category != "all" {
		classes = nil
		marker := "/" + category + "/"
		for _, c := range conformsTo {
			if strings.Contains(c, marker) {
				classes = append(classes, c)
			}
		}
	}
	writeJSON(w, http.StatusOK, models.Conformance{ConformsTo: classes})
}

// ListProcesses answers the process listing.
func (h *Handler) ListProcesses(w http.ResponseWriter, r *http.Request) {
	filter := store.ProcessFilter{
		Revisions: queryBool(r, "revisions", false),
		Sort:      r.URL.Query().Get("sort"),
		Page:      queryInt(r, "page", 0),
		Limit:     queryInt(r, "limit", 0),
	}
	procs, total, err := h.store.ListProcesses(filter)
	if err != nil {
		writeError(w, err)
		return
	}

	detail := queryBool(r, "detail", true)
	withLinks := queryBool(r, "links", true)
	out := models.ProcessList{
		Processes: make([]any, 0, len(procs)),
		Total:     total,
		Page:      filter.Page,
		Limit:     filter.Limit,
	}
	for _, p := range procs {
		if p.Visibility != process.VisibilityPublic {
			continue
		}
		if !detail {
			out.Processes = append(out.Processes, p.Ref())
			continue
		}
		out.Processes = append(out.Processes, h.processSummary(p, withLinks))
	}

	// Providers' remote processes are merged in on request, best-effort.
	if queryBool(r, "providers", false) {
		provs, err := h.providers.List()
		if err == nil {
			for _, reg := range provs {
				remote, err := h.providers.Processes(r.Context(), reg.ID)
				if err != nil {
					h.logger.Warn("provider listing skipped", "provider", reg.ID, "error", err)
					continue
				}
				for i := range remote {
					if !detail {
						out.Processes = append(out.Processes, remote[i].ID)
						continue
					}
					s := h.processSummary(&remote[i], false)
					s.Links = []process.Link{{
						Href: fmt.Sprintf("%s/providers/%s/processes/%s", h.root(), reg.ID, remote[i].ID),
						Rel:  "self", Type: "application/json",
					}}
					out.Processes = append(out.Processes, s)
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) processSummary(p *process.Process, withLinks bool) models.ProcessSummary {
	s := models.ProcessSummary{
		ID:                p.ID,
		Version:           p.Version,
		Title:             p.Title,
		Description:       p.Description,
		Keywords:          p.Keywords,
		Type:              p.Type,
		JobControlOptions: p.JobControlOptions,
	}
	if withLinks {
		href := fmt.Sprintf("%s/processes/%s", h.root(), p.ID)
		s.Links = []process.Link{
			{Href: href, Rel: "self", Type: "application/json"},
			{Href: href + "/execution", Rel: "http://www.opengis.net/def/rel/ogc/1.0/execute", Type: "application/json"},
		}
	}
	return s
}

// DeployProcess deploys a new process from a CWL document or deployment
// package.
func (h *Handler) DeployProcess(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.Weaver.WPSMaxRequestSize))
	if err != nil {
		writeError(w, apperr.SchemaInvalid("failed to read request body", err))
		return
	}
	p, err := h.deploy.Deploy(r.Context(), body, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("%s/processes/%s", h.root(), p.ID))
	writeJSON(w, http.StatusCreated, models.DeployResult{
		ID:          p.ID,
		Version:     p.Version,
		Description: fmt.Sprintf("Process %s deployed", p.Ref()),
		Summary:     h.processSummary(p, true),
	})
}

// DescribeProcess answers the process description. The WPS XML form is
// selected with Accept: application/xml or f=xml, the legacy list form
// with schema=OLD.
func (h *Handler) DescribeProcess(w http.ResponseWriter, r *http.Request) {
	id, version := process.SplitRef(r.PathValue("processID"))
	p, err := h.store.GetProcess(id, version)
	if err != nil {
		writeError(w, err)
		return
	}
	if p.Visibility != process.VisibilityPublic {
		writeError(w, apperr.Forbidden(fmt.Sprintf("process %s is not visible", id)))
		return
	}

	if wantsXML(r) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(xml.Header))
		_ = xml.NewEncoder(w).Encode(wps.RenderDescription(p))
		return
	}
	if strings.EqualFold(r.URL.Query().Get("schema"), "OLD") {
		writeJSON(w, http.StatusOK, process.RenderLegacy(p))
		return
	}

	desc := process.RenderOGC(p)
	href := fmt.Sprintf("%s/processes/%s", h.root(), p.ID)
	desc.Links = []process.Link{
		{Href: href, Rel: "self", Type: "application/json"},
		{Href: href + "/package", Rel: "http://www.opengis.net/def/rel/ogc/1.0/deployment", Type: "application/cwl+json"},
		{Href: href + "/execution", Rel: "http://www.opengis.net/def/rel/ogc/1.0/execute", Type: "application/json"},
	}
	writeJSON(w, http.StatusOK, desc)
}

func wantsXML(r *http.Request) bool {
	if f := r.URL.Query().Get("f"); f != "" {
		return f == "xml"
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/xml") || strings.Contains(accept, "text/xml")
}

// ReplaceProcess deploys a major revision of an existing process.
func (h *Handler) ReplaceProcess(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.Weaver.WPSMaxRequestSize))
	if err != nil {
		writeError(w, apperr.SchemaInvalid("failed to read request body", err))
		return
	}
	p, err := h.deploy.Replace(r.Context(), r.PathValue("processID"), body, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.DeployResult{
		ID:          p.ID,
		Version:     p.Version,
		Description: fmt.Sprintf("Process %s replaced", p.Ref()),
	})
}

// PatchProcess applies a metadata revision to an existing process.
func (h *Handler) PatchProcess(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, apperr.SchemaInvalid("failed to read request body", err))
		return
	}
	p, err := h.deploy.Patch(r.Context(), r.PathValue("processID"), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.DeployResult{
		ID:          p.ID,
		Version:     p.Version,
		Description: fmt.Sprintf("Process %s updated", p.Ref()),
	})
}

// UndeployProcess removes a process and all its revisions.
func (h *Handler) UndeployProcess(w http.ResponseWriter, r *http.Request) {
	if err := h.deploy.Undeploy(r.Context(), r.PathValue("processID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ProcessPackage returns the CWL application package of a process.
func (h *Handler) ProcessPackage(w http.ResponseWriter, r *http.Request) {
	id, version := process.SplitRef(r.PathValue("processID"))
	p, err := h.store.GetProcess(id, version)
	if err != nil {
		writeError(w, err)
		return
	}
	switch p.Unit.Kind {
	case process.UnitCWL, process.UnitCWLRef:
		if p.Unit.CWL != nil {
			w.Header().Set("Content-Type", "application/cwl+json")
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(p.Unit.CWL)
			return
		}
	}
	writeError(w, apperr.NotFound(fmt.Sprintf("process %s has no application package", id)))
}
