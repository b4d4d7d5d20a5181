package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth" validate:"required"`
	Storage  StorageConfig  `mapstructure:"storage" validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	Pipeline PipelineConfig `mapstructure:"pipeline" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error fatal"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes" validate:"gt=0"`
}

// DatabaseConfig selects the record store for files and jobs.
type DatabaseConfig struct {
	// Backend is "postgres" for the durable ledger or "memory" for a
	// process-local store that is lost on restart.
	Backend string `mapstructure:"backend" validate:"required,oneof=postgres memory"`
	URL     string `mapstructure:"url" validate:"required_if=Backend postgres"`
}

// AuthConfig contains the settings needed to validate bearer tokens.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`
}

// StorageConfig selects where uploaded bytes live.
type StorageConfig struct {
	Backend   string `mapstructure:"backend" validate:"required,oneof=local gcs"`
	LocalDir  string `mapstructure:"local_dir" validate:"required_if=Backend local"`
	GCSBucket string `mapstructure:"gcs_bucket" validate:"required_if=Backend gcs"`
}

// QueueConfig selects and tunes the job queue.
type QueueConfig struct {
	// Backend is "memory" or "postgres". The postgres queue survives
	// restarts and redelivers requests whose lease expired.
	Backend       string        `mapstructure:"backend" validate:"required,oneof=memory postgres"`
	Capacity      int           `mapstructure:"capacity" validate:"gt=0"`
	PollInterval  time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	LeaseDuration time.Duration `mapstructure:"lease_duration" validate:"gt=0"`
}

// PipelineConfig holds the worker, retry and recovery settings.
type PipelineConfig struct {
	WorkerCount          int           `mapstructure:"worker_count" validate:"gt=0"`
	MaxAttempts          int           `mapstructure:"max_attempts" validate:"gt=0"`
	BackoffType          string        `mapstructure:"backoff_type" validate:"required,oneof=exponential fixed"`
	BackoffBase          time.Duration `mapstructure:"backoff_base" validate:"gt=0"`
	BackoffMax           time.Duration `mapstructure:"backoff_max" validate:"gte=0"`
	AttemptTimeout       time.Duration `mapstructure:"attempt_timeout" validate:"gt=0"`
	StuckJobAge          time.Duration `mapstructure:"stuck_job_age" validate:"gt=0"`
	ReconcileInterval    time.Duration `mapstructure:"reconcile_interval" validate:"gt=0"`
	FingerprintAlgorithm string        `mapstructure:"fingerprint_algorithm" validate:"required,oneof=sha256 blake2b"`
}
