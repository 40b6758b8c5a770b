// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/process"
	"github.com/weaverproc/weaver/internal/prov"
)

// JobProv answers the provenance document of a terminal job, or one of
// its subsets (info, who, run, inputs, outputs, {runId}).
func (h *Handler) JobProv(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.Weaver.CWLProv {
		writeError(w, apperr.NotFound("provenance capture is disabled on this instance"))
		return
	}
	j, err := h.store.GetJob(r.PathValue("jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !j.Status.Terminal() {
		writeError(w, apperr.New(apperr.CodeUnprocessable, http.StatusBadRequest, "Job not finished",
			fmt.Sprintf("job %s is %s; provenance is captured at termination", j.ID, j.Status.Public(""))))
		return
	}

	procID, version := process.SplitRef(j.ProcessID)
	p, err := h.store.GetProcess(procID, version)
	if err != nil {
		// The process may have been undeployed since; the document still
		// carries the job side.
		p = &process.Process{ID: procID, Version: version}
	}
	doc := h.provBuilder().FromJob(j, p)

	subset := r.PathValue("subset")
	switch subset {
	case "":
	case "info":
		writeJSON(w, http.StatusOK, doc.Info())
		return
	case "who":
		doc = doc.Who()
	case "run":
		doc = doc.Run()
	case "inputs":
		doc = doc.Inputs()
	case "outputs":
		doc = doc.Outputs()
	default:
		doc, err = runSubset(doc, subset)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	format, err := provFormat(r)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := doc.Encode(format)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// provFormat resolves the serialization from the f parameter or the
// Accept header.
func provFormat(r *http.Request) (prov.Format, error) {
	if f := r.URL.Query().Get("f"); f != "" {
		return prov.ParseFormat(f)
	}
	accept := r.Header.Get("Accept")
	if accept == "" || accept == "*/*" || strings.Contains(accept, "application/json") {
		return prov.FormatJSON, nil
	}
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if f, err := prov.ParseFormat(mt); err == nil {
			return f, nil
		}
	}
	return prov.FormatJSON, nil
}

// runSubset narrows the document to one step activity, addressed by its
// label (the workflow step id).
func runSubset(doc *prov.Document, runID string) (*prov.Document, error) {
	out := &prov.Document{Namespaces: doc.Namespaces}
	var id string
	for _, a := range doc.Activities {
		if a.Attrs["prov:label"] == runID || strings.HasSuffix(a.ID, "-"+runID) {
			out.Activities = append(out.Activities, a)
			id = a.ID
			break
		}
	}
	if id == "" {
		return nil, apperr.NotFound(fmt.Sprintf("no step run %q in the provenance record", runID))
	}
	for _, c := range doc.Informed {
		if c.Informed == id || c.Informant == id {
			out.Informed = append(out.Informed, c)
		}
	}
	return out, nil
}
