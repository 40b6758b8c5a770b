// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/job"
)

// logEntry is the serialization shape of one log line, shared by the
// JSON, YAML and XML renderings.
type logEntry struct {
	Time    string `json:"time" yaml:"time" xml:"time"`
	Level   string `json:"level" yaml:"level" xml:"level"`
	Message string `json:"message" yaml:"message" xml:"message"`
}

type logsXML struct {
	XMLName xml.Name   `xml:"logs"`
	Entries []logEntry `xml:"entry"`
}

// writeLogs renders the job log in the requested format: text (default),
// json, yaml or xml.
func writeLogs(w http.ResponseWriter, format string, logs []job.LogEntry) {
	entries := make([]logEntry, 0, len(logs))
	for _, l := range logs {
		entries = append(entries, logEntry{
			Time:    l.Time.UTC().Format(time.RFC3339),
			Level:   l.Level,
			Message: l.Message,
		})
	}

	switch strings.ToLower(format) {
	case "", "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		var b strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&b, "%s [%s] %s\n", e.Time, e.Level, e.Message)
		}
		_, _ = w.Write([]byte(b.String()))
	case "json":
		writeJSON(w, http.StatusOK, entries)
	case "yaml":
		data, err := yaml.Marshal(entries)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/x-yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case "xml":
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(xml.Header))
		enc := xml.NewEncoder(w)
		enc.Indent("", "  ")
		_ = enc.Encode(logsXML{Entries: entries})
		_ = enc.Flush()
	default:
		writeError(w, apperr.SchemaInvalid(fmt.Sprintf("unknown log format %q", format), nil))
	}
}
