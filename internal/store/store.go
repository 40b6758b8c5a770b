// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/weaverproc/weaver/internal/job"
	"github.com/weaverproc/weaver/internal/process"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
	// ErrConflict is returned when a compare-and-set update loses the race.
	ErrConflict = errors.New("concurrent update conflict")
)

// Store is the shared persistence layer for API handlers and workers.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database and migrates the schema.
// Workers call Open again after forking; SQLite connections must not be
// shared across forks.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.AutoMigrate(&ProcessRecord{}, &JobRecord{}, &ProviderRecord{}, &VaultFile{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db, logger: logger.With("module", "store")}, nil
}

// ---- processes ----

// SaveProcessRevision stores a new revision and marks it latest.
func (s *Store) SaveProcessRevision(p *process.Process) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode process: %w", err)
	}
	rec := ProcessRecord{
		ID:         p.ID,
		Version:    p.Version,
		RevisionID: p.RevisionID,
		Type:       string(p.Type),
		Visibility: string(p.Visibility),
		Latest:     true,
		Payload:    payload,
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&ProcessRecord{}).
			Where("id = ?", p.ID).
			Update("latest", false).Error; err != nil {
			return err
		}
		if err := tx.Create(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE") {
				return fmt.Errorf("%w: process %s version %s", ErrDuplicate, p.ID, p.Version)
			}
			return err
		}
		return nil
	})
}

// UpsertProcess registers a process idempotently; used for built-ins at
// startup. The stored version is replaced only when it differs.
func (s *Store) UpsertProcess(p *process.Process) error {
	existing, err := s.GetProcess(p.ID, "")
	if err == nil {
		if existing.Version == p.Version {
			return nil
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.SaveProcessRevision(p)
}

// GetProcess loads a process revision. An empty version addresses the
// latest non-tombstoned revision.
func (s *Store) GetProcess(id, version string) (*process.Process, error) {
	var rec ProcessRecord
	q := s.db.Where("id = ? AND tombstoned = ?", id, false)
	if version == "" {
		q = q.Where("latest = ?", true)
	} else {
		q = q.Where("version = ?", version)
	}
	if err := q.First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: process %s", ErrNotFound, id)
		}
		return nil, err
	}
	return decodeProcess(&rec)
}

// ProcessFilter narrows and pages process listings.
type ProcessFilter struct {
	Type       string
	Visibility string
	// Revisions includes historical revisions in the listing.
	Revisions bool
	Sort      string // "id" (default) or "created"
	Page      int
	Limit     int
}

// ListProcesses returns a page of processes plus the total match count.
func (s *Store) ListProcesses(f ProcessFilter) ([]*process.Process, int64, error) {
	q := s.db.Model(&ProcessRecord{}).Where("tombstoned = ?", false)
	if !f.Revisions {
		q = q.Where("latest = ?", true)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Visibility != "" {
		q = q.Where("visibility = ?", f.Visibility)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	switch f.Sort {
	case "created":
		q = q.Order("created_at ASC, id ASC")
	default:
		q = q.Order("id ASC, version ASC")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit).Offset(f.Page * f.Limit)
	}

	var recs []ProcessRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, 0, err
	}
	out := make([]*process.Process, 0, len(recs))
	for i := range recs {
		p, err := decodeProcess(&recs[i])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, nil
}

// TombstoneProcess marks every revision of the id undeployed.
func (s *Store) TombstoneProcess(id string) error {
	res := s.db.Model(&ProcessRecord{}).
		Where("id = ? AND tombstoned = ?", id, false).
		Update("tombstoned", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: process %s", ErrNotFound, id)
	}
	return nil
}

func decodeProcess(rec *ProcessRecord) (*process.Process, error) {
	var p process.Process
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode process %s: %w", rec.ID, err)
	}
	return &p, nil
}

// ---- jobs ----

// CreateJob persists a freshly submitted job.
func (s *Store) CreateJob(j *job.Job) error {
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	rec := JobRecord{
		ID:         j.ID.String(),
		ProcessID:  j.ProcessID,
		ProviderID: j.ProviderID,
		Type:       string(j.Type),
		Status:     string(j.Status),
		Progress:   j.Progress,
		Tags:       strings.Join(j.Tags, ","),
		Payload:    payload,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		UpdatedAt:  j.UpdatedAt,
	}
	return s.db.Create(&rec).Error
}

// GetJob loads a job by UUID.
func (s *Store) GetJob(id string) (*job.Job, error) {
	var rec JobRecord
	if err := s.db.Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
		}
		return nil, err
	}
	var j job.Job
	if err := json.Unmarshal(rec.Payload, &j); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &j, nil
}

// UpdateJob persists the job iff its stored UpdatedAt still equals
// prevUpdatedAt. Parallel writers (a worker writing progress, the API
// writing a dismissal) otherwise lose the race and get ErrConflict.
func (s *Store) UpdateJob(j *job.Job, prevUpdatedAt time.Time) error {
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	res := s.db.Model(&JobRecord{}).
		Where("id = ? AND updated_at = ?", j.ID.String(), prevUpdatedAt).
		Updates(map[string]any{
			"status":      string(j.Status),
			"progress":    j.Progress,
			"tags":        strings.Join(j.Tags, ","),
			"payload":     payload,
			"started_at":  j.StartedAt,
			"finished_at": j.FinishedAt,
			"updated_at":  j.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: job %s", ErrConflict, j.ID)
	}
	return nil
}

// JobFilter narrows and pages job listings.
type JobFilter struct {
	Status      []string
	ProcessID   string
	ProviderID  string
	Type        string
	Tags        []string
	MinDuration time.Duration
	MaxDuration time.Duration
	After       *time.Time
	Before      *time.Time
	Sort        string // created|status|process, optionally "-" prefixed
	Page        int
	Limit       int
}

// ListJobs returns a page of jobs plus the total match count.
func (s *Store) ListJobs(f JobFilter) ([]*job.Job, int64, error) {
	q := s.db.Model(&JobRecord{})
	if len(f.Status) > 0 {
		q = q.Where("status IN ?", f.Status)
	}
	if f.ProcessID != "" {
		q = q.Where("process_id = ?", f.ProcessID)
	}
	if f.ProviderID != "" {
		q = q.Where("provider_id = ?", f.ProviderID)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	for _, tag := range f.Tags {
		q = q.Where("(',' || tags || ',') LIKE ?", "%,"+tag+",%")
	}
	if f.After != nil {
		q = q.Where("created_at >= ?", *f.After)
	}
	if f.Before != nil {
		q = q.Where("created_at <= ?", *f.Before)
	}
	if f.MinDuration > 0 || f.MaxDuration > 0 {
		q = q.Where("started_at IS NOT NULL AND finished_at IS NOT NULL")
		if f.MinDuration > 0 {
			q = q.Where("(julianday(finished_at) - julianday(started_at)) * 86400 >= ?", f.MinDuration.Seconds())
		}
		if f.MaxDuration > 0 {
			q = q.Where("(julianday(finished_at) - julianday(started_at)) * 86400 <= ?", f.MaxDuration.Seconds())
		}
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at DESC"
	switch strings.TrimPrefix(f.Sort, "-") {
	case "status":
		order = "status"
	case "process":
		order = "process_id"
	case "created", "":
	}
	if f.Sort != "" && !strings.HasPrefix(f.Sort, "-") {
		order = strings.TrimSuffix(order, " DESC")
	}
	q = q.Order(order)
	if f.Limit > 0 {
		q = q.Limit(f.Limit).Offset(f.Page * f.Limit)
	}

	var recs []JobRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, 0, err
	}
	out := make([]*job.Job, 0, len(recs))
	for i := range recs {
		var j job.Job
		if err := json.Unmarshal(recs[i].Payload, &j); err != nil {
			return nil, 0, fmt.Errorf("failed to decode job %s: %w", recs[i].ID, err)
		}
		out = append(out, &j)
	}
	return out, total, nil
}

// CountActiveJobs counts non-terminal jobs referencing the process id.
// Undeploy is refused while this is non-zero.
func (s *Store) CountActiveJobs(processID string) (int64, error) {
	var n int64
	err := s.db.Model(&JobRecord{}).
		Where("(process_id = ? OR process_id LIKE ?) AND status IN ?",
			processID, processID+":%",
			[]string{string(job.StatusCreated), string(job.StatusAccepted), string(job.StatusStarted), string(job.StatusRunning)}).
		Count(&n).Error
	return n, err
}

// ---- providers ----

// Provider is the persisted remote service reference.
type Provider struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Type        string `json:"type"`
	Public      bool   `json:"public"`
	Credentials string `json:"credentials,omitempty"`
}

// SaveProvider inserts or replaces a provider registration.
func (s *Store) SaveProvider(p *Provider) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode provider: %w", err)
	}
	rec := ProviderRecord{
		ID:      p.ID,
		URL:     p.URL,
		Type:    p.Type,
		Public:  p.Public,
		Payload: payload,
	}
	return s.db.Save(&rec).Error
}

// GetProvider loads a provider by id.
func (s *Store) GetProvider(id string) (*Provider, error) {
	var rec ProviderRecord
	if err := s.db.Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: provider %s", ErrNotFound, id)
		}
		return nil, err
	}
	var p Provider
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode provider %s: %w", id, err)
	}
	return &p, nil
}

// ListProviders returns all registered providers.
func (s *Store) ListProviders() ([]*Provider, error) {
	var recs []ProviderRecord
	if err := s.db.Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*Provider, 0, len(recs))
	for i := range recs {
		var p Provider
		if err := json.Unmarshal(recs[i].Payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode provider %s: %w", recs[i].ID, err)
		}
		out = append(out, &p)
	}
	return out, nil
}

// DeleteProvider removes a provider registration.
func (s *Store) DeleteProvider(id string) error {
	res := s.db.Delete(&ProviderRecord{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: provider %s", ErrNotFound, id)
	}
	return nil
}

// ---- vault ----

// CreateVaultFile persists a vault record.
func (s *Store) CreateVaultFile(v *VaultFile) error {
	return s.db.Create(v).Error
}

// GetVaultFile loads a vault record by id.
func (s *Store) GetVaultFile(id string) (*VaultFile, error) {
	var rec VaultFile
	if err := s.db.Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: vault record %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &rec, nil
}

// ConsumeVaultFile atomically flips the record to consumed. It reports
// false when the record was already consumed or does not exist.
func (s *Store) ConsumeVaultFile(id string) (bool, error) {
	res := s.db.Model(&VaultFile{}).
		Where("id = ? AND consumed = ?", id, false).
		Update("consumed", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ExpireVaultFiles removes records created before the cutoff and returns
// their ciphertext paths for deletion.
func (s *Store) ExpireVaultFiles(before time.Time) ([]string, error) {
	var recs []VaultFile
	if err := s.db.Where("created_at < ?", before).Find(&recs).Error; err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	paths := make([]string, 0, len(recs))
	ids := make([]string, 0, len(recs))
	for i := range recs {
		paths = append(paths, recs[i].Path)
		ids = append(ids, recs[i].ID)
	}
	if err := s.db.Delete(&VaultFile{}, "id IN ?", ids).Error; err != nil {
		return nil, err
	}
	return paths, nil
}
