// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"fmt"
	"net/http"

	"github.com/weaverproc/weaver/internal/api/models"
	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/process"
	"github.com/weaverproc/weaver/internal/store"
)

// ListProviders lists the registered remote services.
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	provs, err := h.providers.List()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]models.ProviderSummary, 0, len(provs))
	for _, p := range provs {
		out = append(out, h.providerSummary(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

// RegisterProvider registers a remote WPS or OGC-API service. The service
// is probed before the registration is persisted.
func (h *Handler) RegisterProvider(w http.ResponseWriter, r *http.Request) {
	var req models.ProviderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, apperr.SchemaInvalid(err.Error(), nil))
		return
	}
	p := &store.Provider{
		ID:     req.ID,
		URL:    req.URL,
		Title:  req.Title,
		Type:   req.Type,
		Public: req.Public,
	}
	if err := h.providers.Register(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("%s/providers/%s", h.root(), p.ID))
	writeJSON(w, http.StatusCreated, h.providerSummary(p))
}

// GetProvider answers one provider registration.
func (h *Handler) GetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := h.providers.Get(r.PathValue("providerID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.providerSummary(p))
}

// UnregisterProvider removes a provider registration.
func (h *Handler) UnregisterProvider(w http.ResponseWriter, r *http.Request) {
	if err := h.providers.Unregister(r.PathValue("providerID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListProviderProcesses lists the remote processes of one provider.
func (h *Handler) ListProviderProcesses(w http.ResponseWriter, r *http.Request) {
	providerID := r.PathValue("providerID")
	procs, err := h.providers.Processes(r.Context(), providerID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := models.ProcessList{
		Processes: make([]any, 0, len(procs)),
		Total:     int64(len(procs)),
	}
	for i := range procs {
		s := h.processSummary(&procs[i], false)
		s.Links = []process.Link{{
			Href: fmt.Sprintf("%s/providers/%s/processes/%s", h.root(), providerID, procs[i].ID),
			Rel:  "self", Type: "application/json",
		}}
		out.Processes = append(out.Processes, s)
	}
	writeJSON(w, http.StatusOK, out)
}

// DescribeProviderProcess answers the description of one remote process,
// materialised into the canonical form.
func (h *Handler) DescribeProviderProcess(w http.ResponseWriter, r *http.Request) {
	providerID := r.PathValue("providerID")
	p, err := h.providers.GetProcess(r.Context(), providerID, r.PathValue("processID"))
	if err != nil {
		writeError(w, err)
		return
	}
	desc := process.RenderOGC(p)
	href := fmt.Sprintf("%s/providers/%s/processes/%s", h.root(), providerID, p.ID)
	desc.Links = []process.Link{
		{Href: href, Rel: "self", Type: "application/json"},
		{Href: href + "/execution", Rel: "http://www.opengis.net/def/rel/ogc/1.0/execute", Type: "application/json"},
	}
	writeJSON(w, http.StatusOK, desc)
}

// ExecuteProviderProcess submits a job against a remote process. The
// materialised process is mirrored into the store, hidden from the local
// listing, so workers can load it by the job's process reference.
func (h *Handler) ExecuteProviderProcess(w http.ResponseWriter, r *http.Request) {
	providerID := r.PathValue("providerID")
	p, err := h.providers.GetProcess(r.Context(), providerID, r.PathValue("processID"))
	if err != nil {
		writeError(w, err)
		return
	}
	mirror := *p
	mirror.Visibility = process.VisibilityPrivate
	if err := h.store.UpsertProcess(&mirror); err != nil {
		writeError(w, err)
		return
	}
	h.submit(w, r, &mirror, mirror.ID, providerID)
}

func (h *Handler) providerSummary(p *store.Provider) models.ProviderSummary {
	href := fmt.Sprintf("%s/providers/%s", h.root(), p.ID)
	return models.ProviderSummary{
		ID:     p.ID,
		URL:    p.URL,
		Title:  p.Title,
		Type:   p.Type,
		Public: p.Public,
		Links: []process.Link{
			{Href: href, Rel: "self", Type: "application/json"},
			{Href: href + "/processes", Rel: "http://www.opengis.net/def/rel/ogc/1.0/processes", Type: "application/json"},
		},
	}
}
