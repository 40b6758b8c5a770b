// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/authctx"
)

const (
	httpCacheTTL  = 5 * time.Minute
	maxRetryAfter = 60 * time.Second
)

// permanentHTTPError marks a response that must not be retried.
type permanentHTTPError struct{ err error }

func (e *permanentHTTPError) Error() string { return e.err.Error() }
func (e *permanentHTTPError) Unwrap() error { return e.err }

func (f *Fetcher) fetchHTTP(ctx context.Context, u *url.URL, destDir string, call *fetchCall) (*Result, error) {
	opts := DefaultRequestOptions()
	if f.options != nil {
		opts = f.options.Resolve(u.String())
	}

	cacheKey := httpCacheKey(u.String(), opts.Headers, call.headers)
	useCache := !call.noCache && (opts.CacheEnabled == nil || *opts.CacheEnabled)
	if useCache {
		if res, ok := f.cachedResult(cacheKey, destDir); ok {
			return res, nil
		}
	}

	client := f.httpClientFor(opts)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	var res *Result
	var lastErr error
	for attempt := 0; ; attempt++ {
		var retryAfter time.Duration
		res, retryAfter, lastErr = f.tryHTTP(ctx, client, u, destDir, opts, call)
		if lastErr == nil {
			break
		}
		var perm *permanentHTTPError
		if errors.As(lastErr, &perm) {
			return nil, perm.err
		}
		if attempt >= opts.Retries {
			return nil, apperr.Wrap(apperr.CodeRefUnreachable, http.StatusBadRequest, "Unreachable reference",
				fmt.Sprintf("failed to fetch %s after %d attempts", u, attempt+1), lastErr)
		}

		delay := bo.NextBackOff()
		if retryAfter > delay {
			delay = retryAfter
		}
		if delay > maxRetryAfter {
			delay = maxRetryAfter
		}
		f.logger.Debug("retrying fetch", "url", u.String(), "attempt", attempt+1, "delay", delay, "error", lastErr)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if useCache {
		f.storeCached(cacheKey, res)
	}
	return res, nil
}

// tryHTTP performs one GET attempt. The returned duration carries the
// server's Retry-After hint when present.
func (f *Fetcher) tryHTTP(ctx context.Context, client *http.Client, u *url.URL, destDir string, opts RequestOptions, call *fetchCall) (*Result, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, &permanentHTTPError{err: apperr.Wrap(apperr.CodeRefInvalid, http.StatusBadRequest, "Invalid reference", "cannot build request", err)}
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range call.headers {
		req.Header.Set(k, v)
	}
	authctx.FromContext(ctx).Apply(req)

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, 0, &permanentHTTPError{err: apperr.New(apperr.CodeRefAuthRequired, http.StatusUnauthorized, "Authentication required",
			fmt.Sprintf("reference %s answered HTTP %d", u, resp.StatusCode))}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("HTTP %d from %s", resp.StatusCode, u)
	case resp.StatusCode >= 400:
		return nil, 0, &permanentHTTPError{err: apperr.New(apperr.CodeRefUnreachable, http.StatusBadRequest, "Unreachable reference",
			fmt.Sprintf("reference %s answered HTTP %d", u, resp.StatusCode))}
	}

	name := filenameFromResponse(resp, u)
	dest := filepath.Join(destDir, name)
	if err := writeStream(dest, resp.Body, f.cfg.MaxFileSize); err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return nil, 0, &permanentHTTPError{err: err}
		}
		return nil, 0, err
	}

	mediaType := resp.Header.Get("Content-Type")
	if mediaType != "" {
		if mt, _, err := mime.ParseMediaType(mediaType); err == nil {
			mediaType = mt
		}
	}
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = mediaTypeFromName(name)
	}
	return &Result{LocalPath: dest, MediaType: mediaType, Filename: name}, 0, nil
}

func (f *Fetcher) httpClientFor(opts RequestOptions) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: opts.ConnectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: opts.ReadTimeout,
		Proxy:                 http.ProxyFromEnvironment,
	}
	if opts.Verify != nil && !*opts.Verify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Transport: transport}
}

// filenameFromResponse derives the staged filename: Content-Disposition
// first, then the URL path, always sanitised.
func filenameFromResponse(resp *http.Response, u *url.URL) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return SecureFilename(name)
			}
		}
	}
	if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
		return SecureFilename(base)
	}
	return "download"
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func httpCacheKey(rawURL string, headerSets ...map[string]string) string {
	h := sha256.New()
	h.Write([]byte(rawURL))
	merged := map[string]string{}
	for _, set := range headerSets {
		for k, v := range set {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(merged[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// cachedResult copies a fresh cached download into destDir.
func (f *Fetcher) cachedResult(key, destDir string) (*Result, bool) {
	f.cacheMu.Lock()
	entry, ok := f.cache[key]
	if ok && time.Now().After(entry.expires) {
		delete(f.cache, key)
		ok = false
	}
	f.cacheMu.Unlock()
	if !ok {
		return nil, false
	}

	src, err := os.Open(entry.path)
	if err != nil {
		return nil, false
	}
	defer src.Close()

	dest := filepath.Join(destDir, entry.filename)
	if dest == entry.path {
		return &Result{LocalPath: dest, MediaType: entry.mediaType, Filename: entry.filename}, true
	}
	out, err := os.Create(dest)
	if err != nil {
		return nil, false
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return nil, false
	}
	return &Result{LocalPath: dest, MediaType: entry.mediaType, Filename: entry.filename}, true
}

func (f *Fetcher) storeCached(key string, res *Result) {
	f.cacheMu.Lock()
	f.cache[key] = cachedFetch{
		path:      res.LocalPath,
		mediaType: res.MediaType,
		filename:  res.Filename,
		expires:   time.Now().Add(httpCacheTTL),
	}
	f.cacheMu.Unlock()
}
