// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package fetch resolves input references (http(s), s3, file, vault) to
// local paths, with retries, caching and locality mapping.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/weaverproc/weaver/internal/apperr"
)

// Result describes a resolved reference.
type Result struct {
	LocalPath string
	MediaType string
	Filename  string
}

// VaultOpener retrieves one-shot vault content. Implemented by the vault
// package; declared here to keep the dependency one-way.
type VaultOpener interface {
	Get(id, token string) (io.ReadCloser, string, error)
}

// Config carries the fetcher's settings.
type Config struct {
	// AllowedDirs are the roots from which file:// references may be read.
	AllowedDirs []string
	// OutputDir and OutputURL drive the locality mapping of WPS output URLs
	// back to local paths.
	OutputDir string
	OutputURL string
	// MaxFileSize bounds single fetched inputs (weaver.wps_max_single_input_size).
	MaxFileSize int64
	// S3Region is the fallback region when none is encoded in the URL.
	S3Region string
}

// Fetcher resolves references across schemes.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	options *OptionsResolver
	vault   VaultOpener
	s3      s3Client
	logger  *slog.Logger

	cacheMu sync.Mutex
	cache   map[string]cachedFetch
}

type cachedFetch struct {
	path      string
	mediaType string
	filename  string
	expires   time.Time
}

// New creates a Fetcher. vault may be nil when vault resolution is not
// needed (remote-only deployments).
func New(cfg Config, options *OptionsResolver, vault VaultOpener, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		cfg:     cfg,
		client:  &http.Client{},
		options: options,
		vault:   vault,
		logger:  logger.With("module", "fetch"),
		cache:   map[string]cachedFetch{},
	}
}

// FetchOption adjusts a single Fetch call.
type FetchOption func(*fetchCall)

type fetchCall struct {
	vaultToken    string
	noCache       bool
	expectedMedia string
	headers       map[string]string
}

// WithVaultToken supplies the one-shot token for vault:// references.
func WithVaultToken(token string) FetchOption {
	return func(c *fetchCall) { c.vaultToken = token }
}

// WithoutCache disables the URL cache for this call.
func WithoutCache() FetchOption {
	return func(c *fetchCall) { c.noCache = true }
}

// WithExpectedMediaType enforces an extension check against the declared
// media type; a mismatch fails with REF_FORMAT_MISMATCH.
func WithExpectedMediaType(mediaType string) FetchOption {
	return func(c *fetchCall) { c.expectedMedia = mediaType }
}

// WithHeader adds a request header; it participates in the cache key.
func WithHeader(key, value string) FetchOption {
	return func(c *fetchCall) {
		if c.headers == nil {
			c.headers = map[string]string{}
		}
		c.headers[key] = value
	}
}

// Fetch resolves ref into destDir and returns the staged file.
func (f *Fetcher) Fetch(ctx context.Context, ref, destDir string, opts ...FetchOption) (*Result, error) {
	call := &fetchCall{}
	for _, o := range opts {
		o(call)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	// s3 references are parsed from the raw string: access-point ARNs carry
	// colons that url.Parse rejects in the authority.
	if strings.HasPrefix(ref, "s3://") {
		res, err := f.fetchS3(ctx, ref, destDir)
		if err != nil {
			return nil, err
		}
		if call.expectedMedia != "" {
			if err := checkExtension(res, call.expectedMedia); err != nil {
				return nil, err
			}
		}
		return res, nil
	}

	u, err := url.Parse(ref)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRefInvalid, http.StatusBadRequest, "Invalid reference", "reference is not a valid URL", err)
	}

	var res *Result
	switch u.Scheme {
	case "http", "https":
		if local, ok := f.MapLocalOutput(ctx, ref); ok {
			res = &Result{LocalPath: local, Filename: filepath.Base(local)}
		} else {
			res, err = f.fetchHTTP(ctx, u, destDir, call)
		}
	case "file":
		res, err = f.fetchFile(u, destDir)
	case "vault":
		res, err = f.fetchVault(u, destDir, call)
	default:
		return nil, apperr.New(apperr.CodeRefInvalid, http.StatusBadRequest, "Invalid reference",
			fmt.Sprintf("unknown reference scheme %q", u.Scheme))
	}
	if err != nil {
		return nil, err
	}

	if call.expectedMedia != "" {
		if err := checkExtension(res, call.expectedMedia); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// MapLocalOutput maps an URL under the configured WPS output URL back to
// its path inside the output directory, avoiding a network round-trip for
// results this instance produced itself. The mapped path must stay inside
// the output root; a cheap HEAD probe verifies the URL is actually served
// before the shortcut is trusted.
func (f *Fetcher) MapLocalOutput(ctx context.Context, ref string) (string, bool) {
	if f.cfg.OutputURL == "" || f.cfg.OutputDir == "" {
		return "", false
	}
	base := strings.TrimSuffix(f.cfg.OutputURL, "/")
	if !strings.HasPrefix(ref, base+"/") {
		return "", false
	}
	rel := strings.TrimPrefix(ref, base+"/")
	local := filepath.Join(f.cfg.OutputDir, filepath.FromSlash(rel))

	root, err := filepath.Abs(f.cfg.OutputDir)
	if err != nil {
		return "", false
	}
	abs, err := filepath.Abs(local)
	if err != nil || !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", false
	}
	if _, err := os.Stat(abs); err != nil {
		return "", false
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, ref, nil)
	if err != nil {
		return "", false
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", false
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", false
	}
	return abs, true
}

func (f *Fetcher) fetchFile(u *url.URL, destDir string) (*Result, error) {
	src := u.Path
	if u.Host != "" {
		src = "/" + u.Host + u.Path
	}
	abs, err := filepath.Abs(src)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRefInvalid, http.StatusBadRequest, "Invalid reference", "bad file path", err)
	}

	allowed := false
	for _, root := range f.cfg.AllowedDirs {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, apperr.New(apperr.CodeRefInvalid, http.StatusForbidden, "Forbidden reference",
			fmt.Sprintf("file path %q is outside the allowed directories", abs))
	}

	in, err := os.Open(abs)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRefUnreachable, http.StatusBadRequest, "Unreachable reference", "cannot open file", err)
	}
	defer in.Close()

	name := SecureFilename(filepath.Base(abs))
	dest := filepath.Join(destDir, name)
	if err := writeStream(dest, in, f.cfg.MaxFileSize); err != nil {
		return nil, err
	}
	return &Result{LocalPath: dest, Filename: name, MediaType: mediaTypeFromName(name)}, nil
}

func (f *Fetcher) fetchVault(u *url.URL, destDir string, call *fetchCall) (*Result, error) {
	if f.vault == nil {
		return nil, apperr.New(apperr.CodeRefInvalid, http.StatusBadRequest, "Invalid reference", "vault references are not supported here")
	}
	id := u.Host
	if id == "" {
		id = strings.TrimPrefix(u.Path, "/")
	}
	token := call.vaultToken
	if token == "" {
		token = u.Query().Get("token")
	}
	if token == "" {
		return nil, apperr.New(apperr.CodeRefAuthRequired, http.StatusUnauthorized, "Authentication required", "vault reference without access token")
	}

	rc, mediaType, err := f.vault.Get(id, token)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	name := SecureFilename(id + extensionFor(mediaType))
	dest := filepath.Join(destDir, name)
	if err := writeStream(dest, rc, f.cfg.MaxFileSize); err != nil {
		return nil, err
	}
	return &Result{LocalPath: dest, Filename: name, MediaType: mediaType}, nil
}

// SecureFilename sanitises a name to a safe basename: path separators and
// parent references are stripped, control characters removed, and the
// extension preserved.
func SecureFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.ReplaceAll(name, "..", "")
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			// drop control characters
		case r == '/' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ". ")
	if out == "" {
		out = "download"
	}
	return out
}

func writeStream(dest string, r io.Reader, maxSize int64) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer out.Close()

	var src io.Reader = r
	if maxSize > 0 {
		src = io.LimitReader(r, maxSize+1)
	}
	n, err := io.Copy(out, src)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if maxSize > 0 && n > maxSize {
		_ = os.Remove(dest)
		return apperr.New(apperr.CodeRefInvalid, http.StatusRequestEntityTooLarge, "Reference too large",
			fmt.Sprintf("input exceeds the maximum single input size of %d bytes", maxSize))
	}
	return nil
}

func mediaTypeFromName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "application/json"
	case ".xml":
		return "application/xml"
	case ".txt":
		return "text/plain"
	case ".yaml", ".yml":
		return "application/x-yaml"
	case ".nc":
		return "application/x-netcdf"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".zip":
		return "application/zip"
	case ".cwl":
		return "application/cwl"
	}
	return "application/octet-stream"
}

func extensionFor(mediaType string) string {
	switch strings.Split(mediaType, ";")[0] {
	case "application/json":
		return ".json"
	case "application/xml", "text/xml":
		return ".xml"
	case "text/plain":
		return ".txt"
	case "application/x-yaml":
		return ".yaml"
	case "application/x-netcdf":
		return ".nc"
	case "image/tiff":
		return ".tif"
	case "application/zip":
		return ".zip"
	}
	return ""
}

func checkExtension(res *Result, expected string) error {
	ext := extensionFor(expected)
	if ext == "" {
		return nil
	}
	if strings.EqualFold(filepath.Ext(res.Filename), ext) {
		return nil
	}
	// tif/tiff style alternates
	if strings.EqualFold(filepath.Ext(res.Filename)+"f", ext) || strings.EqualFold(filepath.Ext(res.Filename), ext+"f") {
		return nil
	}
	return apperr.New(apperr.CodeRefFormatMismatch, http.StatusUnprocessableEntity, "Format mismatch",
		fmt.Sprintf("file %q does not match declared media type %q", res.Filename, expected))
}
