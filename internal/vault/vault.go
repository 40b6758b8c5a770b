// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package vault implements the one-shot encrypted store for user-uploaded
// input files. Each record is retrievable exactly once with its token.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/weaverproc/weaver/internal/apperr"
	"github.com/weaverproc/weaver/internal/store"
)

// Vault encrypts uploads at rest and enforces one-shot tokenised retrieval.
type Vault struct {
	store  *store.Store
	dir    string
	secret []byte
	expire time.Duration
	logger *slog.Logger
}

// New creates the vault rooted at dir. The secret is the process-level key
// from which record keys and token MACs are derived.
func New(st *store.Store, dir, secret string, expire time.Duration, logger *slog.Logger) (*Vault, error) {
	if secret == "" {
		return nil, fmt.Errorf("vault secret must be configured")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	return &Vault{
		store:  st,
		dir:    dir,
		secret: []byte(secret),
		expire: expire,
		logger: logger.With("module", "vault"),
	}, nil
}

// Put encrypts and stores the payload, returning the record id and its
// one-shot access token.
func (v *Vault) Put(data []byte, mediaType string) (id, token string, err error) {
	id = uuid.NewString()

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", "", fmt.Errorf("failed to generate salt: %w", err)
	}
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	token = hex.EncodeToString(tokenBytes)

	ciphertext, err := v.seal(data, salt)
	if err != nil {
		return "", "", err
	}

	path := filepath.Join(v.dir, id+".enc")
	if err := os.WriteFile(path, ciphertext, 0o600); err != nil {
		return "", "", fmt.Errorf("failed to write vault file: %w", err)
	}

	rec := &store.VaultFile{
		ID:        id,
		Path:      path,
		MediaType: mediaType,
		TokenMAC:  v.mac(token),
		Salt:      hex.EncodeToString(salt),
		CreatedAt: time.Now().UTC(),
	}
	if err := v.store.CreateVaultFile(rec); err != nil {
		_ = os.Remove(path)
		return "", "", fmt.Errorf("failed to persist vault record: %w", err)
	}

	v.logger.Info("vault record stored", "id", id, "mediaType", mediaType, "bytes", len(data))
	return id, token, nil
}

// Get returns the decrypted content iff the token matches and the record is
// not consumed. The record is marked consumed before the plaintext is
// returned; a second retrieval gets VAULT_GONE.
func (v *Vault) Get(id, token string) (io.ReadCloser, string, error) {
	rec, err := v.store.GetVaultFile(id)
	if err != nil {
		return nil, "", apperr.New(apperr.CodeVaultGone, http.StatusGone, "Gone", "vault record not found or expired")
	}
	if !hmac.Equal([]byte(v.mac(token)), []byte(rec.TokenMAC)) {
		return nil, "", apperr.New(apperr.CodeVaultDenied, http.StatusForbidden, "Forbidden", "vault token mismatch")
	}
	consumed, err := v.store.ConsumeVaultFile(id)
	if err != nil {
		return nil, "", fmt.Errorf("failed to consume vault record: %w", err)
	}
	if !consumed {
		return nil, "", apperr.New(apperr.CodeVaultGone, http.StatusGone, "Gone", "vault record already consumed")
	}

	ciphertext, err := os.ReadFile(rec.Path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read vault file: %w", err)
	}
	salt, err := hex.DecodeString(rec.Salt)
	if err != nil {
		return nil, "", fmt.Errorf("corrupt vault record %s: %w", id, err)
	}
	plaintext, err := v.open(ciphertext, salt)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decrypt vault file %s: %w", id, err)
	}

	// The ciphertext is removed eagerly; the record row stays to answer
	// VAULT_GONE until expiry.
	_ = os.Remove(rec.Path)

	return io.NopCloser(bytes.NewReader(plaintext)), rec.MediaType, nil
}

// Sweep removes expired records and their ciphertext files. Invoked by the
// queue's periodic cleanup task.
func (v *Vault) Sweep() error {
	if v.expire <= 0 {
		return nil
	}
	paths, err := v.store.ExpireVaultFiles(time.Now().UTC().Add(-v.expire))
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			v.logger.Warn("failed to remove expired vault file", "path", p, "error", err)
		}
	}
	if len(paths) > 0 {
		v.logger.Info("expired vault records removed", "count", len(paths))
	}
	return nil
}

// recordKey derives the per-record envelope key from the process secret and
// the record salt.
func (v *Vault) recordKey(salt []byte) []byte {
	h := hmac.New(sha256.New, v.secret)
	h.Write([]byte("vault-key"))
	h.Write(salt)
	return h.Sum(nil)
}

func (v *Vault) mac(token string) string {
	h := hmac.New(sha256.New, v.secret)
	h.Write([]byte("vault-token"))
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

func (v *Vault) seal(plaintext, salt []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.recordKey(salt))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *Vault) open(ciphertext, salt []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.recordKey(salt))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}
