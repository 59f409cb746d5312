// Package config loads nebula-agent settings from an optional YAML file and
// NEBULA_AGENT_* environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// DefaultAllowlist is every binary the panel's adapters invoke.
var DefaultAllowlist = []string{
	"apache2ctl", "apt-get", "certbot", "chown", "docker", "journalctl",
	"mysql", "mysqldump", "nginx", "pg_dump", "postmap", "psql", "systemctl",
}

type Config struct {
	SocketPath   string        `yaml:"socket_path" validate:"required,startswith=/"`
	SharedSecret string        `yaml:"shared_secret" validate:"required,min=16"`
	DryRun       bool          `yaml:"dry_run"`
	CmdTimeout   time.Duration `yaml:"cmd_timeout" validate:"gt=0"`

	// MaxTimeout caps the per-request timeout a caller may ask for.
	MaxTimeout time.Duration `yaml:"max_timeout" validate:"gtefield=CmdTimeout"`

	Allowlist []string `yaml:"allowlist" validate:"min=1,dive,required,excludes=/"`
	LogLevel  string   `yaml:"log_level"`
	LogFormat string   `yaml:"log_format" validate:"oneof=json console"`
}

func Default() Config {
	return Config{
		SocketPath: "/run/nebula-agent.sock",
		DryRun:     false,
		CmdTimeout: 10 * time.Minute,
		MaxTimeout: 30 * time.Minute,
		Allowlist:  DefaultAllowlist,
		LogLevel:   "info",
		LogFormat:  "json",
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Annotatef(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, errors.NewNotValid(err, "parse config "+path)
		}
	}
	cfg.SocketPath = envOr("NEBULA_AGENT_SOCKET", cfg.SocketPath)
	cfg.SharedSecret = envOr("NEBULA_AGENT_SHARED_SECRET", cfg.SharedSecret)
	cfg.DryRun = envBoolOr("NEBULA_AGENT_DRY_RUN", cfg.DryRun)
	cfg.CmdTimeout = envDurationOr("NEBULA_AGENT_CMD_TIMEOUT", cfg.CmdTimeout)
	cfg.MaxTimeout = envDurationOr("NEBULA_AGENT_MAX_TIMEOUT", cfg.MaxTimeout)
	if v := os.Getenv("NEBULA_AGENT_ALLOWLIST"); strings.TrimSpace(v) != "" {
		cfg.Allowlist = strings.Fields(strings.ReplaceAll(v, ",", " "))
	}
	cfg.LogLevel = envOr("NEBULA_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("NEBULA_LOG_FORMAT", cfg.LogFormat)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, errors.NewNotValid(err, "agent config")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return fallback
}
