// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaverproc/weaver/internal/apperr"
)

func newTestFetcher(t *testing.T, cfg Config) *Fetcher {
	t.Helper()
	return New(cfg, nil, nil, slog.Default())
}

func TestSecureFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "result.nc", want: "result.nc"},
		{name: "path traversal", in: "../../etc/passwd", want: "passwd"},
		{name: "windows separators", in: `..\..\boot.ini`, want: "boot.ini"},
		{name: "control characters", in: "a\x00b\x1f.txt", want: "ab.txt"},
		{name: "reserved characters", in: `out:put?.json`, want: "out_put_.json"},
		{name: "empty", in: "", want: "download"},
		{name: "dots only", in: "...", want: "download"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SecureFilename(tc.in))
		})
	}
}

func TestFetchHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="payload.json"`)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{})
	res, err := f.Fetch(context.Background(), srv.URL+"/data", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "payload.json", res.Filename)
	assert.Equal(t, "application/json", res.MediaType)

	data, err := os.ReadFile(res.LocalPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
}

func TestFetchHTTPRetriesTransientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("finally"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{})
	res, err := f.Fetch(context.Background(), srv.URL+"/flaky.txt", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())

	data, err := os.ReadFile(res.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "finally", string(data))
}

func TestFetchHTTPAuthRequiredIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{})
	_, err := f.Fetch(context.Background(), srv.URL+"/secret", t.TempDir())
	assert.True(t, apperr.IsCode(err, apperr.CodeRefAuthRequired), "expected REF_AUTH_REQUIRED, got %v", err)
	assert.Equal(t, int32(1), hits.Load(), "401 must not be retried")
}

func TestFetchHTTPNotFoundIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{})
	_, err := f.Fetch(context.Background(), srv.URL+"/missing", t.TempDir())
	assert.True(t, apperr.IsCode(err, apperr.CodeRefUnreachable))
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchHTTPSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{MaxFileSize: 1024})
	_, err := f.Fetch(context.Background(), srv.URL+"/big.bin", t.TempDir())
	require.Error(t, err)
	e := apperr.AsError(err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, e.Status)
}

func TestFetchHTTPCaching(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("cached"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{})
	dir := t.TempDir()

	_, err := f.Fetch(context.Background(), srv.URL+"/c.txt", dir)
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), srv.URL+"/c.txt", dir)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	_, err = f.Fetch(context.Background(), srv.URL+"/c.txt", dir, WithoutCache())
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetchFileAllowlist(t *testing.T) {
	allowed := t.TempDir()
	forbidden := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(allowed, "ok.txt"), []byte("ok"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(forbidden, "no.txt"), []byte("no"), 0o644))

	f := newTestFetcher(t, Config{AllowedDirs: []string{allowed}})

	res, err := f.Fetch(context.Background(), "file://"+filepath.Join(allowed, "ok.txt"), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "ok.txt", res.Filename)

	_, err = f.Fetch(context.Background(), "file://"+filepath.Join(forbidden, "no.txt"), t.TempDir())
	require.Error(t, err)
	e := apperr.AsError(err)
	assert.Equal(t, http.StatusForbidden, e.Status)
}

func TestMapLocalOutput(t *testing.T) {
	outDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(outDir, "job-1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "job-1", "out.nc"), []byte("netcdf"), 0o644))

	srv := httptest.NewServer(http.FileServer(http.Dir(outDir)))
	defer srv.Close()

	f := newTestFetcher(t, Config{OutputDir: outDir, OutputURL: srv.URL})

	local, ok := f.MapLocalOutput(context.Background(), srv.URL+"/job-1/out.nc")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(outDir, "job-1", "out.nc"), local)

	// traversal out of the output root must not map
	_, ok = f.MapLocalOutput(context.Background(), srv.URL+"/../etc/passwd")
	assert.False(t, ok)

	// unknown files must not map
	_, ok = f.MapLocalOutput(context.Background(), srv.URL+"/job-1/other.nc")
	assert.False(t, ok)
}

func TestParseS3Ref(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want s3Ref
	}{
		{
			name: "plain bucket",
			in:   "s3://my-bucket/path/to/key.nc",
			want: s3Ref{Bucket: "my-bucket", Key: "path/to/key.nc"},
		},
		{
			name: "path-style endpoint",
			in:   "s3://s3.ca-central-1.amazonaws.com/my-bucket/key.nc",
			want: s3Ref{Region: "ca-central-1", Bucket: "my-bucket", Key: "key.nc"},
		},
		{
			name: "virtual-host endpoint",
			in:   "s3://my-bucket.s3.eu-west-1.amazonaws.com/key.nc",
			want: s3Ref{Region: "eu-west-1", Bucket: "my-bucket", Key: "key.nc"},
		},
		{
			name: "access point",
			in:   "s3://arn:aws:s3:us-east-1:123456789012:accesspoint/my-ap/key.nc",
			want: s3Ref{Region: "us-east-1", Bucket: "arn:aws:s3:us-east-1:123456789012:accesspoint/my-ap", Key: "key.nc"},
		},
		{
			name: "outpost access point",
			in:   "s3://arn:aws:s3-outposts:us-east-1:123456789012:outpost/op-01/accesspoint/my-ap/key.nc",
			want: s3Ref{Region: "us-east-1", Bucket: "arn:aws:s3-outposts:us-east-1:123456789012:outpost/op-01/accesspoint/my-ap", Key: "key.nc"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseS3Ref(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseS3RefInvalid(t *testing.T) {
	for _, in := range []string{
		"s3://",
		"s3://bucket-only",
		"s3://arn:aws:s3:us-east-1:123456789012:accesspoint/no-key",
	} {
		_, err := ParseS3Ref(in)
		assert.Error(t, err, "expected error for %q", in)
	}
}

func TestUnknownScheme(t *testing.T) {
	f := newTestFetcher(t, Config{})
	_, err := f.Fetch(context.Background(), "gopher://example.test/x", t.TempDir())
	assert.True(t, apperr.IsCode(err, apperr.CodeRefInvalid))
}
