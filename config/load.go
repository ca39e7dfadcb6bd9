package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

const defaultConfigPath = "config.yaml"

// Load reads the YAML file named by IDESK_CONFIG (or config.yaml) when it
// exists and applies environment overrides on top.
func Load() (*AppConfig, error) {
	path := strings.TrimSpace(os.Getenv("IDESK_CONFIG"))
	if path == "" {
		path = defaultConfigPath
	}
	var cfg AppConfig
	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("read env: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported db_driver %q", c.DBDriver)
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" && !c.IsDevLike() {
		return errors.New("auth.jwt_secret is required")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		return errors.New("rate_limit requests and window must be positive")
	}
	if c.Evidence.MaxBytes <= 0 {
		return errors.New("evidence.max_bytes must be positive")
	}
	switch c.Evidence.Backend {
	case "fs", "minio":
	default:
		return fmt.Errorf("unsupported evidence backend %q", c.Evidence.Backend)
	}
	return nil
}
