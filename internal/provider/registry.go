// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package provider manages registered remote services (WPS and OGC-API)
// and materialises their processes into the canonical model on demand.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/process"
	"github.com/weaverproc/weaver/internal/store"
	"github.com/weaverproc/weaver/internal/wps"
)

// Service types accepted at registration.
const (
	TypeWPS    = "wps"
	TypeOGCAPI = "ogc-api"
)

// defaultCacheTTL applies when the service does not send Cache-Control.
const defaultCacheTTL = 5 * time.Minute

// Registry stores provider registrations and caches their capabilities.
type Registry struct {
	store  *store.Store
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	caps     map[string]capsEntry
}

type capsEntry struct {
	processes []process.Process
	expires   time.Time
}

// NewRegistry creates the provider registry.
func NewRegistry(st *store.Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:    st,
		logger:   logger.With("module", "provider"),
		breakers: map[string]*gobreaker.CircuitBreaker{},
		caps:     map[string]capsEntry{},
	}
}

// Register probes the remote service, detects its type when unset, and
// persists the registration.
func (r *Registry) Register(ctx context.Context, p *store.Provider) error {
	if p.ID == "" || p.URL == "" {
		return apperr.SchemaInvalid("provider registration requires id and url", nil)
	}
	if p.Type == "" {
		p.Type = detectType(p.URL)
	}
	switch p.Type {
	case TypeWPS, TypeOGCAPI:
	default:
		return apperr.SchemaInvalid(fmt.Sprintf("unsupported provider type %q", p.Type), nil)
	}

	// A registration must point at a live service.
	if _, _, err := r.fetchProcesses(ctx, p); err != nil {
		return apperr.Wrap(apperr.CodeRefUnreachable, http.StatusBadRequest, "Provider unreachable",
			fmt.Sprintf("cannot reach provider service at %s", p.URL), err)
	}

	if err := r.store.SaveProvider(p); err != nil {
		return fmt.Errorf("failed to persist provider %s: %w", p.ID, err)
	}
	r.logger.Info("provider registered", "id", p.ID, "type", p.Type, "url", p.URL)
	return nil
}

// Get returns a registered provider.
func (r *Registry) Get(id string) (*store.Provider, error) {
	p, err := r.store.GetProvider(id)
	if err != nil {
		return nil, apperr.NotFound(fmt.Sprintf("provider %q is not registered", id))
	}
	return p, nil
}

// List returns all registered providers.
func (r *Registry) List() ([]*store.Provider, error) {
	return r.store.ListProviders()
}

// Unregister removes a provider and drops its cached capabilities.
func (r *Registry) Unregister(id string) error {
	if err := r.store.DeleteProvider(id); err != nil {
		return apperr.NotFound(fmt.Sprintf("provider %q is not registered", id))
	}
	r.mu.Lock()
	delete(r.caps, id)
	delete(r.breakers, id)
	r.mu.Unlock()
	return nil
}

// Processes lists the remote processes of a provider. Results are cached;
// the TTL honours the Cache-Control max-age of the remote response when
// one is sent.
func (r *Registry) Processes(ctx context.Context, id string) ([]process.Process, error) {
	r.mu.Lock()
	if e, ok := r.caps[id]; ok && time.Now().Before(e.expires) {
		procs := e.processes
		r.mu.Unlock()
		return procs, nil
	}
	r.mu.Unlock()

	p, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	procs, err := r.guarded(id, func() ([]process.Process, time.Duration, error) {
		return r.fetchProcesses(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return procs, nil
}

// GetProcess materialises one remote process into the canonical model.
func (r *Registry) GetProcess(ctx context.Context, providerID, processID string) (*process.Process, error) {
	procs, err := r.Processes(ctx, providerID)
	if err != nil {
		return nil, err
	}
	for i := range procs {
		if procs[i].ID == processID {
			return &procs[i], nil
		}
	}
	return nil, apperr.NotFound(fmt.Sprintf("process %q not found on provider %q", processID, providerID))
}

// guarded runs fn behind the provider's circuit breaker and refreshes the
// capabilities cache on success.
func (r *Registry) guarded(id string, fn func() ([]process.Process, time.Duration, error)) ([]process.Process, error) {
	r.mu.Lock()
	cb, ok := r.breakers[id]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "provider:" + id,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		})
		r.breakers[id] = cb
	}
	r.mu.Unlock()

	out, err := cb.Execute(func() (any, error) {
		procs, ttl, err := fn()
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.caps[id] = capsEntry{processes: procs, expires: time.Now().Add(ttl)}
		r.mu.Unlock()
		return procs, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, apperr.New(apperr.CodeRefUnreachable, http.StatusServiceUnavailable, "Provider unavailable",
				fmt.Sprintf("provider %q is failing, requests are suspended", id))
		}
		return nil, err
	}
	return out.([]process.Process), nil
}

// fetchProcesses lists the remote processes and reports the cache TTL
// derived from the remote response.
func (r *Registry) fetchProcesses(ctx context.Context, p *store.Provider) ([]process.Process, time.Duration, error) {
	switch p.Type {
	case TypeWPS:
		return r.fetchWPS(ctx, p)
	case TypeOGCAPI:
		return fetchOGC(ctx, p)
	default:
		return nil, 0, apperr.SchemaInvalid(fmt.Sprintf("unsupported provider type %q", p.Type), nil)
	}
}

func (r *Registry) fetchWPS(ctx context.Context, p *store.Provider) ([]process.Process, time.Duration, error) {
	client := wps.NewClient(p.URL, r.logger)
	desc, err := client.DescribeProcess(ctx)
	if err != nil {
		return nil, 0, err
	}

	procs := make([]process.Process, 0, len(desc.Processes))
	for i := range desc.Processes {
		pd := &desc.Processes[i]
		inputs, outputs := wps.DescribeIO(pd)
		mergedIn, err := process.MergeIO(false, inputs)
		if err != nil {
			return nil, 0, fmt.Errorf("provider %s process %s: %w", p.ID, pd.Identifier, err)
		}
		mergedOut, err := process.MergeIO(true, outputs)
		if err != nil {
			return nil, 0, fmt.Errorf("provider %s process %s: %w", p.ID, pd.Identifier, err)
		}
		procs = append(procs, process.Process{
			ID:                 pd.Identifier,
			Version:            pd.Version,
			Title:              pd.Title,
			Description:        pd.Abstract,
			Inputs:             mergedIn,
			Outputs:            mergedOut,
			JobControlOptions:  []process.JobControl{process.ControlAsync, process.ControlDismiss},
			OutputTransmission: []process.TransmissionMode{process.TransmissionReference},
			Visibility:         process.VisibilityPublic,
			Type:               process.TypeWPS1,
			Unit:               process.ExecutionUnit{Kind: process.UnitWPS, Href: p.URL},
		})
	}
	return procs, defaultCacheTTL, nil
}

// detectType guesses the service flavour from the URL shape: WPS endpoints
// conventionally carry /wps or ows query markers, OGC-API services expose
// /processes.
func detectType(url string) string {
	lower := strings.ToLower(url)
	if strings.Contains(lower, "service=wps") || strings.HasSuffix(strings.TrimRight(lower, "/"), "/wps") {
		return TypeWPS
	}
	return TypeOGCAPI
}

// parseCacheTTL derives the cache duration from a Cache-Control header.
func parseCacheTTL(cacheControl string) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.TrimSpace(part)
		if part == "no-store" || part == "no-cache" {
			return 0
		}
		if v, ok := strings.CutPrefix(part, "max-age="); ok {
			var secs int
			if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs >= 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return defaultCacheTTL
}
