// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// RequestOptions is the resolved per-URL request profile.
type RequestOptions struct {
	ConnectTimeout time.Duration     `yaml:"connect_timeout"`
	ReadTimeout    time.Duration     `yaml:"read_timeout"`
	Retries        int               `yaml:"retries"`
	Verify         *bool             `yaml:"verify"`
	Headers        map[string]string `yaml:"headers"`
	CacheEnabled   *bool             `yaml:"cache"`
	// CacheControl is passed through on capability requests.
	CacheControl string `yaml:"cache_control"`
}

// DefaultRequestOptions applies when no profile matches.
func DefaultRequestOptions() RequestOptions {
	return RequestOptions{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    30 * time.Second,
		Retries:        3,
	}
}

type optionsProfile struct {
	// URL is a prefix match against the request URL.
	URL     string         `yaml:"url"`
	Options RequestOptions `yaml:"options"`
}

type optionsFile struct {
	Requests []optionsProfile `yaml:"requests"`
}

// cacheEntry is one resolved profile with its expiry.
type cacheEntry struct {
	opts    RequestOptions
	expires time.Time
}

// OptionsResolver resolves per-URL request options from the configured
// profile file, reloading it when the file changes. Resolutions are cached
// process-locally with a TTL.
type OptionsResolver struct {
	mu       sync.RWMutex
	profiles []optionsProfile
	cache    map[string]cacheEntry
	cacheTTL time.Duration
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// NewOptionsResolver loads the profile file at path. An empty path yields a
// resolver that always answers the defaults.
func NewOptionsResolver(path string, logger *slog.Logger) (*OptionsResolver, error) {
	r := &OptionsResolver{
		cache:    map[string]cacheEntry{},
		cacheTTL: 5 * time.Minute,
		logger:   logger.With("module", "fetch.options"),
	}
	if path == "" {
		return r, nil
	}
	if err := r.load(path); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn("request options will not hot-reload", "error", err)
		return r, nil
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		r.logger.Warn("request options will not hot-reload", "error", err)
		return r, nil
	}
	r.watcher = watcher
	go r.watch(path)
	return r, nil
}

func (r *OptionsResolver) load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read request options file: %w", err)
	}
	var f optionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse request options file: %w", err)
	}
	r.mu.Lock()
	r.profiles = f.Requests
	r.cache = map[string]cacheEntry{}
	r.mu.Unlock()
	return nil
}

func (r *OptionsResolver) watch(path string) {
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				if err := r.load(path); err != nil {
					r.logger.Warn("request options reload failed", "error", err)
				} else {
					r.logger.Info("request options reloaded", "path", path)
				}
			}
		case _, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the file watcher.
func (r *OptionsResolver) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// Resolve returns the options for the given URL, merging the first matching
// profile over the defaults.
func (r *OptionsResolver) Resolve(url string) RequestOptions {
	r.mu.RLock()
	if e, ok := r.cache[url]; ok && time.Now().Before(e.expires) {
		r.mu.RUnlock()
		return e.opts
	}
	r.mu.RUnlock()

	opts := DefaultRequestOptions()
	r.mu.RLock()
	for _, p := range r.profiles {
		if strings.HasPrefix(url, p.URL) {
			merge(&opts, p.Options)
			break
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	r.cache[url] = cacheEntry{opts: opts, expires: time.Now().Add(r.cacheTTL)}
	r.mu.Unlock()
	return opts
}

func merge(dst *RequestOptions, src RequestOptions) {
	if src.ConnectTimeout > 0 {
		dst.ConnectTimeout = src.ConnectTimeout
	}
	if src.ReadTimeout > 0 {
		dst.ReadTimeout = src.ReadTimeout
	}
	if src.Retries > 0 {
		dst.Retries = src.Retries
	}
	if src.Verify != nil {
		dst.Verify = src.Verify
	}
	if src.CacheEnabled != nil {
		dst.CacheEnabled = src.CacheEnabled
	}
	if src.CacheControl != "" {
		dst.CacheControl = src.CacheControl
	}
	if len(src.Headers) > 0 {
		if dst.Headers == nil {
			dst.Headers = map[string]string{}
		}
		for k, v := range src.Headers {
			dst.Headers[k] = v
		}
	}
}
