// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"slices"
	"time"

	"github.com/weaverproc/weaver/internal/logging"
)

// Mode selects which execution roles this instance fulfils.
type Mode string

const (
	// ModeDefault enables every capability without advertising a role.
	ModeDefault Mode = "DEFAULT"
	// ModeADES executes application packages locally through the CWL engine.
	ModeADES Mode = "ADES"
	// ModeEMS dispatches workflow steps to remote providers.
	ModeEMS Mode = "EMS"
	// ModeHybrid combines ADES and EMS.
	ModeHybrid Mode = "HYBRID"
)

// RunsLocal reports whether this instance may execute application packages
// with the local CWL engine.
func (m Mode) RunsLocal() bool {
	return m == ModeDefault || m == ModeADES || m == ModeHybrid
}

// Dispatches reports whether this instance may forward workflow steps to
// remote providers.
func (m Mode) Dispatches() bool {
	return m == ModeDefault || m == ModeEMS || m == ModeHybrid
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	APIRoot         string        `koanf:"api_root"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig holds the persistence settings.
type StoreConfig struct {
	// Path is the SQLite database file path.
	Path string `koanf:"path"`
}

// QueueConfig holds the task queue settings.
type QueueConfig struct {
	RedisAddr       string        `koanf:"redis_addr"`
	RedisDB         int           `koanf:"redis_db"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	// ResultTTL bounds how long synchronous execution results are retained
	// before the periodic cleanup task expires them.
	ResultTTL time.Duration `koanf:"result_ttl"`
}

// VaultConfig holds the one-shot encrypted upload store settings.
type VaultConfig struct {
	Dir    string        `koanf:"dir"`
	Secret string        `koanf:"secret"`
	Expire time.Duration `koanf:"expire"`
}

// WeaverConfig carries the weaver.* settings from the configuration file.
type WeaverConfig struct {
	Configuration Mode   `koanf:"configuration"`
	URL           string `koanf:"url"`

	WPSOutputDir      string `koanf:"wps_output_dir"`
	WPSOutputURL      string `koanf:"wps_output_url"`
	WPSOutputS3Bucket string `koanf:"wps_output_s3_bucket"`
	WPSOutputS3Region string `koanf:"wps_output_s3_region"`
	WPSOutputContext  string `koanf:"wps_output_context"`
	WPSWorkdir        string `koanf:"wps_workdir"`

	CWLEngine string `koanf:"cwl_engine"`
	CWLEuid   int    `koanf:"cwl_euid"`
	CWLEgid   int    `koanf:"cwl_egid"`

	ExecuteSyncMaxWait   time.Duration `koanf:"execute_sync_max_wait"`
	QuotationSyncMaxWait time.Duration `koanf:"quotation_sync_max_wait"`

	WPSMaxRequestSize     int64 `koanf:"wps_max_request_size"`
	WPSMaxSingleInputSize int64 `koanf:"wps_max_single_input_size"`

	// RequestOptions is the path to the per-URL request-options profile file.
	RequestOptions string `koanf:"request_options"`

	// FileAllowedDirs are the roots from which file:// references may be read.
	FileAllowedDirs []string `koanf:"file_allowed_dirs"`

	CWLProcessesDir           string `koanf:"cwl_processes_dir"`
	CWLProcessesRegisterError bool   `koanf:"cwl_processes_register_error"`

	CWLProv bool `koanf:"cwl_prov"`

	SchemaURL string `koanf:"schema_url"`

	WPSEmailNotifyTimeout time.Duration `koanf:"wps_email_notify_timeout"`
}

// Settings is the top-level resolved configuration.
type Settings struct {
	Server  ServerConfig   `koanf:"server"`
	Logging logging.Config `koanf:"logging"`
	Store   StoreConfig    `koanf:"store"`
	Queue   QueueConfig    `koanf:"queue"`
	Vault   VaultConfig    `koanf:"vault"`
	Weaver  WeaverConfig   `koanf:"weaver"`
}

// Defaults returns the settings applied before file and environment sources.
func Defaults() Settings {
	return Settings{
		Server: ServerConfig{
			Addr:            ":4001",
			APIRoot:         "",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: logging.Config{Level: "info", Format: "json"},
		Store:   StoreConfig{Path: "weaver.db"},
		Queue: QueueConfig{
			RedisAddr:       "localhost:6379",
			CleanupInterval: 10 * time.Minute,
			ResultTTL:       24 * time.Hour,
		},
		Vault: VaultConfig{
			Dir:    "/tmp/weaver/vault",
			Expire: 24 * time.Hour,
		},
		Weaver: WeaverConfig{
			Configuration:         ModeDefault,
			WPSOutputDir:          "/tmp/weaver/outputs",
			WPSWorkdir:            "/tmp/weaver/work",
			CWLEngine:             "cwltool",
			ExecuteSyncMaxWait:    20 * time.Second,
			QuotationSyncMaxWait:  20 * time.Second,
			WPSMaxRequestSize:     30 << 20,
			WPSMaxSingleInputSize: 3 << 30,
			CWLProv:               true,
			WPSEmailNotifyTimeout: 10 * time.Second,
		},
	}
}

// Validate checks cross-field constraints on the resolved settings.
func (s *Settings) Validate() error {
	modes := []Mode{ModeDefault, ModeADES, ModeEMS, ModeHybrid}
	if !slices.Contains(modes, s.Weaver.Configuration) {
		return fmt.Errorf("weaver.configuration: unknown mode %q", s.Weaver.Configuration)
	}
	if s.Weaver.ExecuteSyncMaxWait <= 0 {
		return fmt.Errorf("weaver.execute_sync_max_wait must be positive")
	}
	if s.Weaver.WPSOutputDir == "" {
		return fmt.Errorf("weaver.wps_output_dir must be set")
	}
	if s.Weaver.WPSMaxRequestSize <= 0 || s.Weaver.WPSMaxSingleInputSize <= 0 {
		return fmt.Errorf("weaver request size limits must be positive")
	}
	return nil
}
