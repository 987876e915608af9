// Package config loads and validates service configuration.
//
// Values come from an optional YAML file overlaid by environment
// variables (environment wins). All required values are validated at
// load time so a misconfigured deploy fails on startup, not mid-flow.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// EnvSandbox and EnvProduction select which Square host the OAuth
	// flow talks to. Anything other than "production" means sandbox.
	EnvSandbox    = "sandbox"
	EnvProduction = "production"

	defaultConfigPath = "connect.yaml"
	defaultListen     = ":8080"
	defaultDBPath     = "connect.db"
	defaultErrorPage  = "/error"
)

// Square holds the provider application credentials.
type Square struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Environment  string `yaml:"environment"`
}

// Config is the validated service configuration.
type Config struct {
	Square        Square `yaml:"square"`
	OnboardingURL string `yaml:"onboarding_url"`
	ErrorPageURL  string `yaml:"error_page_url"`
	Listen        string `yaml:"listen"`
	DBPath        string `yaml:"db_path"`
	AdminPassword string `yaml:"admin_password"`
	Debug         bool   `yaml:"debug"`
}

// Load reads the config file named by CONNECT_CONFIG (default
// connect.yaml, silently skipped when absent), overlays environment
// variables, applies defaults, and validates. The returned error names
// every missing required key.
func Load() (*Config, error) {
	cfg := &Config{}

	path := os.Getenv("CONNECT_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	overlay(&cfg.Square.ClientID, "SQUARE_CLIENT_ID")
	overlay(&cfg.Square.ClientSecret, "SQUARE_CLIENT_SECRET")
	overlay(&cfg.Square.Environment, "SQUARE_ENVIRONMENT")
	overlay(&cfg.OnboardingURL, "ONBOARDING_URL")
	overlay(&cfg.ErrorPageURL, "ERROR_PAGE_URL")
	overlay(&cfg.Listen, "CONNECT_LISTEN")
	overlay(&cfg.DBPath, "CONNECT_DB")
	overlay(&cfg.AdminPassword, "CONNECT_ADMIN_PASSWORD")
	if v := os.Getenv("CONNECT_DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		cfg.Debug = true
	}

	if cfg.Square.Environment != EnvProduction {
		cfg.Square.Environment = EnvSandbox
	}
	if cfg.ErrorPageURL == "" {
		cfg.ErrorPageURL = defaultErrorPage
	}
	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath
	}

	var missing []string
	if cfg.Square.ClientID == "" {
		missing = append(missing, "SQUARE_CLIENT_ID")
	}
	if cfg.Square.ClientSecret == "" {
		missing = append(missing, "SQUARE_CLIENT_SECRET")
	}
	if cfg.OnboardingURL == "" {
		missing = append(missing, "ONBOARDING_URL")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	cfg.OnboardingURL = strings.TrimRight(cfg.OnboardingURL, "/")
	return cfg, nil
}

func overlay(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
