// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/store"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "weaver.db"), slog.Default())
	require.NoError(t, err)
	v, err := New(st, filepath.Join(dir, "vault"), "test-secret", time.Hour, slog.Default())
	require.NoError(t, err)
	return v
}

func TestPutGetRoundTrip(t *testing.T) {
	v := newTestVault(t)
	payload := []byte(`["https://example.test/a.nc","https://example.test/b.nc"]`)

	id, token, err := v.Put(payload, "application/json")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NotEmpty(t, token)

	rc, mediaType, err := v.Get(id, token)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, "application/json", mediaType)
}

func TestSecondGetIsGone(t *testing.T) {
	v := newTestVault(t)
	id, token, err := v.Put([]byte("data"), "text/plain")
	require.NoError(t, err)

	rc, _, err := v.Get(id, token)
	require.NoError(t, err)
	rc.Close()

	_, _, err = v.Get(id, token)
	assert.True(t, apperr.IsCode(err, apperr.CodeVaultGone), "expected VAULT_GONE, got %v", err)
}

func TestWrongTokenDenied(t *testing.T) {
	v := newTestVault(t)
	id, _, err := v.Put([]byte("data"), "text/plain")
	require.NoError(t, err)

	_, _, err = v.Get(id, "deadbeef")
	assert.True(t, apperr.IsCode(err, apperr.CodeVaultDenied), "expected VAULT_DENIED, got %v", err)

	// A denied attempt must not consume the record.
	_, _, err = v.Get(id, "deadbeef")
	assert.True(t, apperr.IsCode(err, apperr.CodeVaultDenied))
}

func TestMissingRecordGone(t *testing.T) {
	v := newTestVault(t)
	_, _, err := v.Get("00000000-0000-0000-0000-000000000000", "token")
	assert.True(t, apperr.IsCode(err, apperr.CodeVaultGone))
}

func TestEncryptedAtRest(t *testing.T) {
	v := newTestVault(t)
	payload := []byte("plaintext secret content")
	id, _, err := v.Put(payload, "text/plain")
	require.NoError(t, err)

	raw, err := readVaultFile(v, id)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "plaintext secret content")
}

func readVaultFile(v *Vault, id string) ([]byte, error) {
	rec, err := v.store.GetVaultFile(id)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(rec.Path)
}
