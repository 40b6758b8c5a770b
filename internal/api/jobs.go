// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/weaverproc/weaver/internal/api/models"
	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/authctx"
	"github.com/weaverproc/weaver/internal/job"
	"github.com/weaverproc/weaver/internal/process"
	"github.com/weaverproc/weaver/internal/queue"
	"github.com/weaverproc/weaver/internal/store"
)

const defaultJobPageSize = 100

// ExecuteProcess submits a job against a deployed process.
func (h *Handler) ExecuteProcess(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("processID")
	id, version := process.SplitRef(ref)
	p, err := h.store.GetProcess(id, version)
	if err != nil {
		writeError(w, err)
		return
	}
	if p.Visibility != process.VisibilityPublic {
		writeError(w, apperr.ConflictInUse(fmt.Sprintf("process %s is not public", id)))
		return
	}
	h.submit(w, r, p, ref, "")
}

// submit is the shared execution path for local and provider processes.
func (h *Handler) submit(w http.ResponseWriter, r *http.Request, p *process.Process, processRef, providerID string) {
	var req models.ExecuteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, apperr.SchemaInvalid(err.Error(), nil))
		return
	}

	prefer := parsePrefer(r)
	mode, wait, err := resolveMode(p, &req, prefer, h.cfg.Weaver.ExecuteSyncMaxWait)
	if err != nil {
		writeError(w, err)
		return
	}

	initial := job.StatusAccepted
	if req.Status == "create" {
		initial = job.StatusCreated
	}
	j := job.New(processRef, initial)
	j.ProviderID = providerID
	switch {
	case providerID != "":
		j.Type = job.TypeProvider
	case p.Type == process.TypeWorkflow:
		j.Type = job.TypeWorkflow
	}
	j.Inputs = req.Inputs
	j.OutputsRequest = req.Outputs
	j.Subscribers = req.Subscribers
	j.NotificationEmail = req.NotificationEmail
	j.Tags = req.Tags
	j.ExecutionMode = mode
	j.Response = job.ResponseType(req.Response)
	if j.Response == "" {
		j.Response = job.ResponseDocument
	}
	j.OutputContext = r.Header.Get("X-WPS-Output-Context")
	if j.OutputContext == "" {
		j.OutputContext = h.cfg.Weaver.WPSOutputContext
	}
	j.Log("INFO", fmt.Sprintf("job submitted for process %s", processRef))

	if emails := notifyEmails(j); len(emails) > 0 && h.cfg.Vault.Secret != "" {
		// Notification targets are sealed into the access token rather
		// than stored in clear text.
		token, terr := authctx.SignJobToken(h.cfg.Vault.Secret, j.ID.String(), emails)
		if terr != nil {
			h.logger.Error("failed to seal notification token", "jobId", j.ID, "error", terr)
		} else {
			j.AccessToken = token
		}
	}

	if err := h.store.CreateJob(j); err != nil {
		writeError(w, fmt.Errorf("failed to persist job: %w", err))
		return
	}
	h.metrics.JobsSubmitted.WithLabelValues(string(mode)).Inc()

	jobID := j.ID.String()
	if initial == job.StatusCreated {
		// On-trigger job: parked until POST /jobs/{id}/results.
		h.respondAccepted(w, j, prefer)
		return
	}
	if err := h.queue.Submit(r.Context(), jobID); err != nil {
		writeError(w, fmt.Errorf("failed to enqueue job: %w", err))
		return
	}

	if mode == job.ModeSync {
		status, err := h.queue.WaitTerminal(r.Context(), jobID, wait)
		if err != nil && !errors.Is(err, queue.ErrTimeout) {
			writeError(w, err)
			return
		}
		if err == nil {
			h.respondSyncResult(w, r, jobID, status)
			return
		}
		// Sync wait exhausted; fall back to the asynchronous contract.
	}
	h.respondAccepted(w, j, prefer)
}

// notifyEmails collects the distinct notification email addresses of a
// submission, including the deprecated top-level field.
func notifyEmails(j *job.Job) []string {
	seen := map[string]bool{}
	var emails []string
	add := func(e string) {
		if e != "" && !seen[e] {
			seen[e] = true
			emails = append(emails, e)
		}
	}
	add(j.NotificationEmail)
	for _, sub := range j.Subscribers {
		add(sub.Email)
	}
	return emails
}

// resolveMode negotiates the execution mode from the Prefer header, the
// body and the process job control options.
func resolveMode(p *process.Process, req *models.ExecuteRequest, prefer preferences, maxWait time.Duration) (job.ExecutionMode, time.Duration, error) {
	requested := job.ExecutionMode(req.Mode)
	if requested == "" {
		requested = job.ModeAuto
	}
	if prefer.RespondAsync {
		requested = job.ModeAsync
	} else if prefer.Wait > 0 {
		requested = job.ModeSync
	}

	wait := prefer.Wait
	if wait <= 0 || wait > maxWait {
		wait = maxWait
	}

	switch requested {
	case job.ModeAsync:
		if !p.SupportsControl(process.ControlAsync) {
			return "", 0, apperr.Unprocessable(fmt.Sprintf("process %s does not support asynchronous execution", p.ID), nil)
		}
		return job.ModeAsync, 0, nil
	case job.ModeSync:
		if !p.SupportsControl(process.ControlSync) {
			return "", 0, apperr.Unprocessable(fmt.Sprintf("process %s does not support synchronous execution", p.ID), nil)
		}
		return job.ModeSync, wait, nil
	default:
		if p.SupportsControl(process.ControlAsync) {
			return job.ModeAsync, 0, nil
		}
		return job.ModeSync, wait, nil
	}
}

// respondAccepted answers the asynchronous execution contract: 201 with
// the monitor location.
func (h *Handler) respondAccepted(w http.ResponseWriter, j *job.Job, prefer preferences) {
	loc := h.jobURL(j.ID.String())
	w.Header().Set("Location", loc)
	w.Header().Set("Link", fmt.Sprintf("<%s>; rel=monitor", loc))
	if prefer.RespondAsync {
		w.Header().Set("Preference-Applied", "respond-async")
	}
	if prefer.Return == "minimal" {
		writeJSON(w, http.StatusCreated, map[string]string{
			"jobID":  j.ID.String(),
			"status": j.Status.Public(""),
		})
		return
	}
	writeJSON(w, http.StatusCreated, h.jobStatusDoc(j, ""))
}

// respondSyncResult answers a completed synchronous execution.
func (h *Handler) respondSyncResult(w http.ResponseWriter, r *http.Request, jobID, terminal string) {
	j, err := h.store.GetJob(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	switch terminal {
	case string(job.StatusSuccessful):
		h.writeResults(w, r, j)
	case string(job.StatusDismissed):
		writeError(w, apperr.Gone(fmt.Sprintf("job %s was dismissed", jobID)))
	default:
		writeError(w, failureError(j))
	}
}

// failureError reconstructs the taxonomy error of a failed job from its
// exception report.
func failureError(j *job.Job) error {
	if len(j.Exceptions) == 0 {
		return apperr.New("INTERNAL", http.StatusInternalServerError, "Job failed",
			fmt.Sprintf("job %s failed without exception report", j.ID))
	}
	exc := j.Exceptions[len(j.Exceptions)-1]
	return apperr.New(exc.Code, http.StatusInternalServerError, "Job failed", exc.Description)
}

// ListJobs answers the job listing with its filters.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		ProcessID:  q.Get("process"),
		ProviderID: q.Get("provider"),
		Type:       q.Get("type"),
		Sort:       q.Get("sort"),
		Page:       queryInt(r, "page", 0),
		Limit:      queryInt(r, "limit", defaultJobPageSize),
	}
	if s := q.Get("status"); s != "" {
		for _, v := range strings.Split(s, ",") {
			filter.Status = append(filter.Status, internalStatus(v)...)
		}
	}
	if tags := q.Get("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}
	if n := queryInt(r, "minDuration", 0); n > 0 {
		filter.MinDuration = time.Duration(n) * time.Second
	}
	if n := queryInt(r, "maxDuration", 0); n > 0 {
		filter.MaxDuration = time.Duration(n) * time.Second
	}
	if dt := q.Get("datetime"); dt != "" {
		after, before, err := parseDatetime(dt)
		if err != nil {
			writeError(w, err)
			return
		}
		filter.After, filter.Before = after, before
	}

	jobs, total, err := h.store.ListJobs(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	profile := statusProfile(r)
	out := models.JobList{
		Jobs:  make([]models.JobStatus, 0, len(jobs)),
		Total: total,
		Page:  filter.Page,
	}
	for _, j := range jobs {
		out.Jobs = append(out.Jobs, h.jobStatusDoc(j, profile))
	}
	writeJSON(w, http.StatusOK, out)
}

// internalStatus maps a public status filter value onto the stored states.
func internalStatus(v string) []string {
	switch v {
	case string(job.StatusRunning):
		// started is an internal substate of running.
		return []string{string(job.StatusRunning), string(job.StatusStarted)}
	case job.StatusSucceededSynonym:
		return []string{string(job.StatusSuccessful)}
	}
	return []string{v}
}

// parseDatetime parses an OGC datetime value: an instant, or an interval
// "start/end" with ".." for an open side.
func parseDatetime(v string) (after, before *time.Time, err error) {
	parse := func(s string) (*time.Time, error) {
		if s == ".." || s == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, apperr.SchemaInvalid(fmt.Sprintf("bad datetime %q", s), err)
		}
		return &t, nil
	}
	if !strings.Contains(v, "/") {
		t, err := parse(v)
		return t, t, err
	}
	parts := strings.SplitN(v, "/", 2)
	if after, err = parse(parts[0]); err != nil {
		return nil, nil, err
	}
	if before, err = parse(parts[1]); err != nil {
		return nil, nil, err
	}
	return after, before, nil
}

// JobStatus answers the job status document.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.GetJob(r.PathValue("jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.jobStatusDoc(j, statusProfile(r)))
}

func (h *Handler) jobStatusDoc(j *job.Job, profile string) models.JobStatus {
	doc := models.JobStatus{
		JobID:      j.ID.String(),
		ProcessID:  j.ProcessID,
		ProviderID: j.ProviderID,
		Type:       string(j.Type),
		Status:     j.Status.Public(profile),
		Message:    lastMessage(j),
		Progress:   j.Progress,
		Created:    j.CreatedAt.UTC().Format(time.RFC3339),
		Started:    formatTime(j.StartedAt),
		Finished:   formatTime(j.FinishedAt),
		Updated:    j.UpdatedAt.UTC().Format(time.RFC3339),
		Tags:       j.Tags,
	}
	self := h.jobURL(doc.JobID)
	doc.Links = []process.Link{
		{Href: self, Rel: "self", Type: "application/json"},
		{Href: self, Rel: "monitor", Type: "application/json"},
		{Href: self + "/logs", Rel: "logs", Type: "application/json"},
	}
	if j.Status == job.StatusSuccessful {
		doc.Links = append(doc.Links, process.Link{
			Href: self + "/results",
			Rel:  "http://www.opengis.net/def/rel/ogc/1.0/results",
			Type: "application/json",
		})
	}
	if len(j.Exceptions) > 0 {
		doc.Links = append(doc.Links, process.Link{
			Href: self + "/exceptions",
			Rel:  "http://www.opengis.net/def/rel/ogc/1.0/exceptions",
			Type: "application/json",
		})
	}
	return doc
}

// UpdateJob modifies a pending on-trigger job before it is triggered.
func (h *Handler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.GetJob(r.PathValue("jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if j.Status != job.StatusCreated {
		writeError(w, apperr.Forbidden(fmt.Sprintf("job %s is not pending; only created jobs may be modified", j.ID)))
		return
	}
	var req models.JobUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Inputs != nil {
		j.Inputs = req.Inputs
	}
	if req.Outputs != nil {
		j.OutputsRequest = req.Outputs
	}
	if req.Subscribers != nil {
		j.Subscribers = req.Subscribers
	}
	if req.Tags != nil {
		j.Tags = req.Tags
	}
	prev := j.UpdatedAt
	j.UpdatedAt = time.Now().UTC()
	if err := h.store.UpdateJob(j, prev); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.jobStatusDoc(j, statusProfile(r)))
}

// TriggerJob moves a created job into the execution queue.
func (h *Handler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.GetJob(r.PathValue("jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if j.Status != job.StatusCreated {
		writeError(w, apperr.ConflictInUse(fmt.Sprintf("job %s was already triggered", j.ID)))
		return
	}
	prev := j.UpdatedAt
	if err := j.Transition(job.StatusAccepted); err != nil {
		writeError(w, err)
		return
	}
	j.Log("INFO", "job triggered")
	if err := h.store.UpdateJob(j, prev); err != nil {
		writeError(w, err)
		return
	}
	if err := h.queue.Submit(r.Context(), j.ID.String()); err != nil {
		writeError(w, fmt.Errorf("failed to enqueue job: %w", err))
		return
	}
	h.metrics.JobsSubmitted.WithLabelValues(string(job.ModeAsync)).Inc()
	writeJSON(w, http.StatusAccepted, h.jobStatusDoc(j, statusProfile(r)))
}

// JobInputs echoes the submitted inputs and resolved execution controls.
func (h *Handler) JobInputs(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.GetJob(r.PathValue("jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	mode := string(j.ExecutionMode)
	if mode == "" {
		mode = string(job.ModeAuto)
	}
	response := string(j.Response)
	if response == "" {
		response = string(job.ResponseDocument)
	}
	writeJSON(w, http.StatusOK, models.JobInputs{
		Inputs:   j.Inputs,
		Outputs:  j.OutputsRequest,
		Mode:     mode,
		Response: response,
	})
}

// JobOutputs answers the produced outputs in the requested schema form.
func (h *Handler) JobOutputs(w http.ResponseWriter, r *http.Request) {
	j, err := h.finishedJob(r)
	if err != nil {
		writeError(w, err)
		return
	}
	schema := strings.ToUpper(r.URL.Query().Get("schema"))
	schema = strings.TrimSuffix(schema, "+STRICT")
	if schema == "OLD" {
		entries := make([]models.OutputEntry, 0, len(j.Results))
		for _, res := range j.Results {
			e := models.OutputEntry{ID: res.ID, Href: res.Href, Value: res.Value}
			if res.MediaType != "" {
				e.Format = &struct {
					MediaType string `json:"mediaType"`
				}{MediaType: res.MediaType}
			}
			entries = append(entries, e)
		}
		writeJSON(w, http.StatusOK, map[string]any{"outputs": entries})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outputs": resultsDocument(j)})
}

// JobResults answers the final results per the OGC schema, or raw parts.
func (h *Handler) JobResults(w http.ResponseWriter, r *http.Request) {
	j, err := h.finishedJob(r)
	if err != nil {
		writeError(w, err)
		return
	}
	h.writeResults(w, r, j)
}

// finishedJob loads a job and enforces the terminal-state contract of the
// results endpoints.
func (h *Handler) finishedJob(r *http.Request) (*job.Job, error) {
	j, err := h.store.GetJob(r.PathValue("jobID"))
	if err != nil {
		return nil, err
	}
	switch j.Status {
	case job.StatusSuccessful:
		return j, nil
	case job.StatusDismissed:
		return nil, apperr.Gone(fmt.Sprintf("job %s was dismissed", j.ID))
	case job.StatusFailed:
		return nil, failureError(j)
	default:
		return nil, apperr.New(apperr.CodeUnprocessable, http.StatusBadRequest, "Job not finished",
			fmt.Sprintf("job %s is %s; results are not available yet", j.ID, j.Status.Public("")))
	}
}

func resultsDocument(j *job.Job) map[string]models.ResultValue {
	out := make(map[string]models.ResultValue, len(j.Results))
	for _, res := range j.Results {
		out[res.ID] = models.ResultValue{
			Href:      res.Href,
			Value:     res.Value,
			MediaType: res.MediaType,
		}
	}
	return out
}

// writeResults renders the results per the job's requested response form.
func (h *Handler) writeResults(w http.ResponseWriter, r *http.Request, j *job.Job) {
	if j.Response != job.ResponseRaw {
		writeJSON(w, http.StatusOK, resultsDocument(j))
		return
	}

	// Raw response: a single output is returned directly, several become
	// multipart/mixed parts. Reference outputs carry Content-Location and
	// an empty body.
	if len(j.Results) == 1 {
		res := j.Results[0]
		if data, ok := rawBytes(&res); ok {
			if res.MediaType != "" {
				w.Header().Set("Content-Type", res.MediaType)
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)
			return
		}
	}

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	w.WriteHeader(http.StatusOK)
	for _, res := range j.Results {
		header := textproto.MIMEHeader{}
		header.Set("Content-ID", res.ID)
		if res.MediaType != "" {
			header.Set("Content-Type", res.MediaType)
		}
		data, inline := rawBytes(&res)
		if !inline && res.Href != "" {
			header.Set("Content-Location", res.Href)
			header.Set("Content-Disposition", "attachment")
			if _, err := mw.CreatePart(header); err != nil {
				h.logger.Error("failed to write result part", "output", res.ID, "error", err)
				return
			}
			continue
		}
		part, err := mw.CreatePart(header)
		if err != nil {
			h.logger.Error("failed to write result part", "output", res.ID, "error", err)
			return
		}
		_, _ = part.Write(data)
	}
	_ = mw.Close()
}

// rawBytes returns the transmittable bytes of a value-mode result. File
// outputs that could not be inlined as JSON are read back from their
// published copy, so binary payloads survive byte for byte.
func rawBytes(res *job.Result) ([]byte, bool) {
	if res.Value != "" {
		return []byte(res.Value), true
	}
	if res.Mode == process.TransmissionValue && res.LocalPath != "" {
		if data, err := os.ReadFile(res.LocalPath); err == nil {
			return data, true
		}
	}
	return nil, false
}

// JobExceptions answers the recorded errors of a job.
func (h *Handler) JobExceptions(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.GetJob(r.PathValue("jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	exceptions := j.Exceptions
	if exceptions == nil {
		exceptions = []job.Exception{}
	}
	writeJSON(w, http.StatusOK, models.ExceptionList{Exceptions: exceptions})
}

// JobStatistics answers the execution statistics of a terminal job.
func (h *Handler) JobStatistics(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.GetJob(r.PathValue("jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if j.Statistics == nil {
		writeError(w, apperr.NotFound(fmt.Sprintf("job %s has no statistics", j.ID)))
		return
	}
	writeJSON(w, http.StatusOK, j.Statistics)
}

// DismissJob dismisses one job.
func (h *Handler) DismissJob(w http.ResponseWriter, r *http.Request) {
	doc, code, err := h.dismissOne(r, r.PathValue("jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, code, doc)
}

// DismissJobs dismisses a batch of jobs; missing ones are skipped.
func (h *Handler) DismissJobs(w http.ResponseWriter, r *http.Request) {
	var req models.BatchDismissRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, apperr.SchemaInvalid(err.Error(), nil))
		return
	}
	out := models.BatchDismissResponse{Jobs: make([]models.JobStatus, 0, len(req.Jobs))}
	for _, id := range req.Jobs {
		doc, _, err := h.dismissOne(r, id)
		if err != nil {
			h.logger.Warn("batch dismiss entry skipped", "jobId", id, "error", err)
			continue
		}
		out.Jobs = append(out.Jobs, doc)
	}
	writeJSON(w, http.StatusOK, out)
}

// dismissOne requests the dismissal of a job and returns the status
// document plus the HTTP status to answer with. Pending jobs are dismissed
// directly; running ones get a cancellation marker the worker observes at
// its next checkpoint and answer 202; terminal ones only have their
// artefacts purged.
func (h *Handler) dismissOne(r *http.Request, id string) (models.JobStatus, int, error) {
	j, err := h.store.GetJob(id)
	if err != nil {
		return models.JobStatus{}, 0, err
	}
	profile := statusProfile(r)
	if j.Status == job.StatusDismissed {
		return h.jobStatusDoc(j, profile), http.StatusOK, nil
	}

	if err := h.queue.Cancel(r.Context(), id); err != nil {
		h.logger.Warn("failed to set cancellation marker", "jobId", id, "error", err)
	}

	switch j.Status {
	case job.StatusCreated, job.StatusAccepted:
		prev := j.UpdatedAt
		if err := j.Transition(job.StatusDismissed); err != nil {
			return models.JobStatus{}, 0, err
		}
		j.Log("INFO", "job dismissed")
		if err := h.store.UpdateJob(j, prev); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// A worker claimed the job meanwhile; the marker handles it.
				fresh, ferr := h.store.GetJob(id)
				if ferr == nil {
					return h.jobStatusDoc(fresh, profile), http.StatusOK, nil
				}
			}
			return models.JobStatus{}, 0, err
		}
		h.purge(j)
		if err := h.queue.PublishResult(r.Context(), id, string(job.StatusDismissed)); err != nil {
			h.logger.Warn("failed to publish dismissal", "jobId", id, "error", err)
		}
	case job.StatusStarted, job.StatusRunning:
		// The worker finishes the transition at its next checkpoint; the
		// caller already sees the requested outcome.
		ahead := *j
		ahead.Status = job.StatusDismissed
		return h.jobStatusDoc(&ahead, profile), http.StatusAccepted, nil
	case job.StatusSuccessful, job.StatusFailed:
		// Terminal jobs keep their status; dismissal removes the artefacts.
		h.purge(j)
	}
	return h.jobStatusDoc(j, profile), http.StatusOK, nil
}

func (h *Handler) purge(j *job.Job) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Purge(j); err != nil {
		h.logger.Warn("failed to purge job outputs", "jobId", j.ID, "error", err)
	}
}

// JobLogs answers the job log in the requested format.
func (h *Handler) JobLogs(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.GetJob(r.PathValue("jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeLogs(w, r.URL.Query().Get("f"), j.Logs)
}
