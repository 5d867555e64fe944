package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds the configuration from defaults, an optional YAML file and
// AGORA_* environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Server.Addr, "AGORA_ADDR")
	setString(&cfg.Log.Level, "AGORA_LOG_LEVEL")
	setString(&cfg.Log.Format, "AGORA_LOG_FORMAT")
	setString(&cfg.Database.URL, "AGORA_DATABASE_URL")
	setString(&cfg.Redis.Addr, "AGORA_REDIS_ADDR")
	setString(&cfg.Redis.Password, "AGORA_REDIS_PASSWORD")
	setString(&cfg.Auth.Secret, "AGORA_AUTH_SECRET")
	setString(&cfg.Blobs.Type, "AGORA_BLOB_TYPE")
	setString(&cfg.Blobs.Path, "AGORA_BLOB_PATH")
	setString(&cfg.Blobs.Bucket, "AGORA_BLOB_BUCKET")
	setString(&cfg.Blobs.Region, "AGORA_BLOB_REGION")
	setString(&cfg.Blobs.Endpoint, "AGORA_BLOB_ENDPOINT")
	setString(&cfg.Contracts.DanglingPolicy, "AGORA_DANGLING_POLICY")
	setString(&cfg.Contracts.DefaultContract, "AGORA_DEFAULT_CONTRACT")
	setString(&cfg.Judge.URL, "AGORA_JUDGE_URL")
	setString(&cfg.Telemetry.Endpoint, "AGORA_OTEL_ENDPOINT")

	if v := os.Getenv("AGORA_MAX_PERMISSION_DEPTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AGORA_MAX_PERMISSION_DEPTH: %w", err)
		}
		cfg.Kernel.MaxPermissionDepth = n
	}
	if err := setDuration(&cfg.Contracts.Timeout, "AGORA_CONTRACT_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Contracts.JudgmentTimeout, "AGORA_JUDGMENT_TIMEOUT"); err != nil {
		return err
	}
	if v := os.Getenv("AGORA_REQUIRE_EXPLICIT_CONTRACT"); v != "" {
		cfg.Contracts.RequireExplicit = v == "true"
	}
	if v := os.Getenv("AGORA_TELEMETRY_ENABLED"); v != "" {
		cfg.Telemetry.Enabled = v == "true"
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
