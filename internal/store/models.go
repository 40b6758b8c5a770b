// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package store provides durable persistence of Processes, Providers, Jobs
// and Vault records on a SQLite document store.
package store

import (
	"time"
)

// ProcessRecord persists one revision of a deployed process. The canonical
// description is stored as a JSON payload; the indexed columns exist for
// listing and filtering.
type ProcessRecord struct {
	Key        uint   `gorm:"primaryKey;autoIncrement"`
	ID         string `gorm:"index:idx_process_rev,unique;type:text;not null"`
	Version    string `gorm:"index:idx_process_rev,unique;type:text;not null"`
	RevisionID string `gorm:"type:text;not null"`
	Type       string `gorm:"type:text"`
	Visibility string `gorm:"type:text"`
	// Latest marks the currently addressed revision of the id.
	Latest     bool `gorm:"index"`
	Tombstoned bool `gorm:"index"`
	Payload    []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// JobRecord persists one job. UpdatedAt backs the compare-and-set update
// protocol between workers and API handlers.
type JobRecord struct {
	ID         string `gorm:"primaryKey;type:text"`
	ProcessID  string `gorm:"index;type:text"`
	ProviderID string `gorm:"index;type:text"`
	Type       string `gorm:"type:text"`
	Status     string `gorm:"index;type:text"`
	Progress   int
	// Tags is comma-joined for LIKE filtering.
	Tags       string `gorm:"type:text"`
	Payload    []byte
	CreatedAt  time.Time `gorm:"index"`
	StartedAt  *time.Time
	FinishedAt *time.Time
	UpdatedAt  time.Time
}

// ProviderRecord persists one registered remote service.
type ProviderRecord struct {
	ID        string `gorm:"primaryKey;type:text"`
	URL       string `gorm:"type:text;not null"`
	Type      string `gorm:"type:text"`
	Public    bool
	Payload   []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VaultFile persists one uploaded vault record. Consumed flips exactly once.
type VaultFile struct {
	ID        string `gorm:"primaryKey;type:text"`
	Path      string `gorm:"type:text;not null"`
	MediaType string `gorm:"type:text"`
	TokenMAC  string `gorm:"type:text;not null"`
	Salt      string `gorm:"type:text;not null"`
	Consumed  bool
	CreatedAt time.Time `gorm:"index"`
}
