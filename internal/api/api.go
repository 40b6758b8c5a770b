// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package api exposes the OGC API - Processes HTTP surface: process
// deployment and description, job execution and monitoring, provider
// registrations, and the vault upload endpoint.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/weaverproc/weaver/internal/authctx"
	"github.com/weaverproc/weaver/internal/config"
	"github.com/weaverproc/weaver/internal/deploy"
	"github.com/weaverproc/weaver/internal/metrics"
	"github.com/weaverproc/weaver/internal/prov"
	"github.com/weaverproc/weaver/internal/provider"
	"github.com/weaverproc/weaver/internal/queue"
	"github.com/weaverproc/weaver/internal/staging"
	"github.com/weaverproc/weaver/internal/store"
	"github.com/weaverproc/weaver/internal/vault"
)

// Handler holds the services behind the HTTP surface.
type Handler struct {
	cfg       *config.Settings
	store     *store.Store
	queue     *queue.Queue
	deploy    *deploy.Service
	providers *provider.Registry
	vault     *vault.Vault
	publisher *staging.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a Handler. vault may be nil when the vault is disabled.
func New(cfg *config.Settings, st *store.Store, q *queue.Queue, dep *deploy.Service,
	providers *provider.Registry, v *vault.Vault, pub *staging.Publisher,
	m *metrics.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		store:     st,
		queue:     q,
		deploy:    dep,
		providers: providers,
		vault:     v,
		publisher: pub,
		metrics:   m,
		logger:    logger.With("module", "api"),
	}
}

// Routes sets up all HTTP routes and returns the configured handler.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	root := h.root()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)
	mux.Handle("GET /metrics", h.metrics.Handler())

	mux.HandleFunc("GET "+root+"/{$}", h.Landing)
	mux.HandleFunc("GET "+root+"/conformance", h.Conformance)

	// Process management and execution.
	mux.HandleFunc("GET "+root+"/processes", h.ListProcesses)
	mux.HandleFunc("POST "+root+"/processes", h.DeployProcess)
	mux.HandleFunc("GET "+root+"/processes/{processID}", h.DescribeProcess)
	mux.HandleFunc("PUT "+root+"/processes/{processID}", h.ReplaceProcess)
	mux.HandleFunc("PATCH "+root+"/processes/{processID}", h.PatchProcess)
	mux.HandleFunc("DELETE "+root+"/processes/{processID}", h.UndeployProcess)
	mux.HandleFunc("GET "+root+"/processes/{processID}/package", h.ProcessPackage)
	mux.HandleFunc("POST "+root+"/processes/{processID}/execution", h.ExecuteProcess)
	// Deprecated alias kept for older clients.
	mux.HandleFunc("POST "+root+"/processes/{processID}/jobs", h.ExecuteProcess)

	// Job monitoring.
	mux.HandleFunc("GET "+root+"/jobs", h.ListJobs)
	mux.HandleFunc("DELETE "+root+"/jobs", h.DismissJobs)
	mux.HandleFunc("GET "+root+"/jobs/{jobID}", h.JobStatus)
	mux.HandleFunc("PATCH "+root+"/jobs/{jobID}", h.UpdateJob)
	mux.HandleFunc("DELETE "+root+"/jobs/{jobID}", h.DismissJob)
	mux.HandleFunc("POST "+root+"/jobs/{jobID}/results", h.TriggerJob)
	mux.HandleFunc("GET "+root+"/jobs/{jobID}/inputs", h.JobInputs)
	mux.HandleFunc("GET "+root+"/jobs/{jobID}/outputs", h.JobOutputs)
	mux.HandleFunc("GET "+root+"/jobs/{jobID}/results", h.JobResults)
	mux.HandleFunc("GET "+root+"/jobs/{jobID}/exceptions", h.JobExceptions)
	mux.HandleFunc("GET "+root+"/jobs/{jobID}/logs", h.JobLogs)
	mux.HandleFunc("GET "+root+"/jobs/{jobID}/statistics", h.JobStatistics)
	mux.HandleFunc("GET "+root+"/jobs/{jobID}/prov", h.JobProv)
	mux.HandleFunc("GET "+root+"/jobs/{jobID}/prov/{subset}", h.JobProv)

	// Remote providers and their process mirrors.
	mux.HandleFunc("GET "+root+"/providers", h.ListProviders)
	mux.HandleFunc("POST "+root+"/providers", h.RegisterProvider)
	mux.HandleFunc("GET "+root+"/providers/{providerID}", h.GetProvider)
	mux.HandleFunc("DELETE "+root+"/providers/{providerID}", h.UnregisterProvider)
	mux.HandleFunc("GET "+root+"/providers/{providerID}/processes", h.ListProviderProcesses)
	mux.HandleFunc("GET "+root+"/providers/{providerID}/processes/{processID}", h.DescribeProviderProcess)
	mux.HandleFunc("POST "+root+"/providers/{providerID}/processes/{processID}/execution", h.ExecuteProviderProcess)

	mux.HandleFunc("POST "+root+"/vault", h.VaultUpload)
	mux.HandleFunc("GET "+root+"/vault/{fileID}", h.VaultDownload)

	return h.requestLogger(h.metrics.Instrument(withCredentials(mux)))
}

// withCredentials attaches the caller's credentials to the request context
// so that remote describes, provider probes and execute submissions can
// forward them.
func withCredentials(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := authctx.NewContext(r.Context(), authctx.FromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// root returns the configured API root without a trailing slash.
func (h *Handler) root() string {
	root := h.cfg.Server.APIRoot
	if root == "/" {
		return ""
	}
	if len(root) > 0 && root[len(root)-1] == '/' {
		root = root[:len(root)-1]
	}
	return root
}

// provBuilder assembles the provenance builder from the instance settings.
func (h *Handler) provBuilder() *prov.Builder {
	return &prov.Builder{InstanceURL: h.cfg.Weaver.URL, Software: "weaver"}
}

// requestLogger logs each request with its duration at debug level, and
// client errors at info.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if rec.code >= http.StatusBadRequest {
			level = slog.LevelInfo
		}
		h.logger.Log(r.Context(), level, "request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports readiness: the store and the queue must answer.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if _, _, err := h.store.ListProcesses(store.ProcessFilter{Limit: 1}); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
