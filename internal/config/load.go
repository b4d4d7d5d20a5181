package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. FILEFLOW_SERVER_PORT.
const EnvPrefix = "FILEFLOW"

// ConfigFileEnv names an explicit configuration file to read.
const ConfigFileEnv = "FILEFLOW_CONFIG_FILE"

// Load configuration from environment variables and optionally a config file.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv(ConfigFileEnv); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct tags and the rules that span several sections.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.Queue.Backend == "postgres" && cfg.Database.Backend != "postgres" {
		return errors.New("config validation failed: postgres queue requires the postgres database backend")
	}

	// The periodic sweep must never reclaim an attempt that is still
	// within its own timeout.
	if cfg.Pipeline.StuckJobAge <= cfg.Pipeline.AttemptTimeout {
		return fmt.Errorf(
			"config validation failed: pipeline.stuck_job_age (%s) must exceed pipeline.attempt_timeout (%s)",
			cfg.Pipeline.StuckJobAge,
			cfg.Pipeline.AttemptTimeout,
		)
	}

	// A lease shorter than the attempt would hand a running request to a
	// second worker.
	if cfg.Queue.Backend == "postgres" && cfg.Queue.LeaseDuration <= cfg.Pipeline.AttemptTimeout {
		return fmt.Errorf(
			"config validation failed: queue.lease_duration (%s) must exceed pipeline.attempt_timeout (%s)",
			cfg.Queue.LeaseDuration,
			cfg.Pipeline.AttemptTimeout,
		)
	}

	return nil
}

// setDefaults registers a default for every key so that AutomaticEnv can
// resolve each of them during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_upload_bytes", 5*1024*1024)

	v.SetDefault("database.backend", "postgres")
	v.SetDefault("database.url", "")

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "./uploads")
	v.SetDefault("storage.gcs_bucket", "")

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.capacity", 1000)
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.lease_duration", 10*time.Minute)

	v.SetDefault("pipeline.worker_count", 2)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.backoff_type", "exponential")
	v.SetDefault("pipeline.backoff_base", time.Second)
	v.SetDefault("pipeline.backoff_max", time.Duration(0))
	v.SetDefault("pipeline.attempt_timeout", 5*time.Minute)
	v.SetDefault("pipeline.stuck_job_age", 30*time.Minute)
	v.SetDefault("pipeline.reconcile_interval", 5*time.Minute)
	v.SetDefault("pipeline.fingerprint_algorithm", "sha256")
}
