// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/job"
	"github.com/weaverproc/weaver/internal/store"
)

// maxBodySize caps request bodies not otherwise limited.
const maxBodySize = 30 << 20

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders the taxonomy error body. Store sentinels are mapped
// onto their taxonomy equivalents first.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		err = apperr.NotFound(err.Error())
	case errors.Is(err, store.ErrDuplicate):
		err = apperr.ConflictInUse(err.Error())
	}
	e := apperr.AsError(err)
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, e)
}

// decodeBody reads and unmarshals a JSON request body.
func decodeBody(r *http.Request, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return apperr.SchemaInvalid("failed to read request body", err)
	}
	if len(body) == 0 {
		return apperr.SchemaInvalid("request body is empty", nil)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.SchemaInvalid("request body is not valid JSON", err)
	}
	return nil
}

// preferences are the parsed Prefer request header values.
type preferences struct {
	RespondAsync bool
	Wait         time.Duration
	Return       string // "minimal" or "representation"
}

// parsePrefer parses the Prefer header (RFC 7240 subset).
func parsePrefer(r *http.Request) preferences {
	var p preferences
	for _, header := range r.Header.Values("Prefer") {
		for _, token := range strings.Split(header, ",") {
			token = strings.TrimSpace(strings.ToLower(token))
			switch {
			case token == "respond-async":
				p.RespondAsync = true
			case strings.HasPrefix(token, "wait="):
				if secs, err := strconv.Atoi(token[len("wait="):]); err == nil && secs > 0 {
					p.Wait = time.Duration(secs) * time.Second
				}
			case strings.HasPrefix(token, "return="):
				p.Return = token[len("return="):]
			}
		}
	}
	return p
}

// queryInt parses an integer query value with a default.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// queryBool parses a boolean query value with a default.
func queryBool(r *http.Request, name string, def bool) bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// statusProfile resolves the public status profile from the request.
func statusProfile(r *http.Request) string {
	switch r.URL.Query().Get("profile") {
	case "openeo":
		return "openeo"
	case "wps":
		return "wps"
	}
	return ""
}

// jobURL is the absolute monitor path of a job.
func (h *Handler) jobURL(jobID string) string {
	return fmt.Sprintf("%s/jobs/%s", h.root(), jobID)
}

// formatTime renders an optional timestamp as RFC 3339.
func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// lastMessage is the most recent log line of a job, used as the status
// document message.
func lastMessage(j *job.Job) string {
	if len(j.Logs) == 0 {
		return ""
	}
	return j.Logs[len(j.Logs)-1].Message
}
