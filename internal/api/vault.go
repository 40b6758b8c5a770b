// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/weaverproc/weaver/internal/api/models"
	"github.com/weaverproc/weaver/internal/apperr"
)

// VaultUpload accepts a multipart file upload and stores it encrypted.
// The response carries the one-time access token; the server does not
// retain it.
func (h *Handler) VaultUpload(w http.ResponseWriter, r *http.Request) {
	if h.vault == nil {
		writeError(w, apperr.NotFound("the vault is disabled on this instance"))
		return
	}
	if err := r.ParseMultipartForm(h.cfg.Weaver.WPSMaxRequestSize); err != nil {
		writeError(w, apperr.SchemaInvalid("expected a multipart/form-data upload with a file part", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperr.SchemaInvalid("missing file part in upload", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.cfg.Weaver.WPSMaxRequestSize))
	if err != nil {
		writeError(w, apperr.SchemaInvalid("failed to read uploaded file", err))
		return
	}
	mediaType := header.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}

	id, token, err := h.vault.Put(data, mediaType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.VaultUpload{
		ID:          id,
		AccessToken: token,
		FileHref:    "vault://" + id,
	})
}

// VaultDownload streams a vaulted file once. The token comes from the
// X-Auth-Vault header or the access_token query parameter.
func (h *Handler) VaultDownload(w http.ResponseWriter, r *http.Request) {
	if h.vault == nil {
		writeError(w, apperr.NotFound("the vault is disabled on this instance"))
		return
	}
	token := r.Header.Get("X-Auth-Vault")
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		writeError(w, apperr.New(apperr.CodeVaultDenied, http.StatusForbidden, "Vault access denied",
			"vault downloads require the access token issued at upload"))
		return
	}

	rc, mediaType, err := h.vault.Get(r.PathValue("fileID"), token)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", mediaType)
	if ext, _ := mime.ExtensionsByType(mediaType); len(ext) > 0 {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", r.PathValue("fileID")+ext[0]))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}
