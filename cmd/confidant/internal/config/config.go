// Package config loads the confidant CLI configuration.
//
// Configuration lives under os.UserConfigDir()/confidant/:
//
//	confidant/
//	├── config.yaml     # settings below
//	├── persona.json    # persona definition
//	└── data/
//	    ├── identity.db # users and bindings (sqlite)
//	    └── turns/      # conversation log (badger)
//
// Environment variables override the file for deployment-style tweaks:
// CONFIDANT_DATA_DIR, CONFIDANT_ENGINE_BASE_URL, CONFIDANT_ENGINE_API_KEY
// and CONFIDANT_ENGINE_MODEL.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
)

const (
	appDir      = "confidant"
	configFile  = "config.yaml"
	personaFile = "persona.json"
)

// Engine configures the completion backend.
type Engine struct {
	// BaseURL of an OpenAI-compatible endpoint. Empty uses the OpenAI
	// default; point it at llama.cpp or vLLM for a local model.
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`

	// MaxConcurrent completions in flight; MaxWaiting callers queued
	// behind them before new requests are rejected.
	MaxConcurrent int           `yaml:"max_concurrent"`
	MaxWaiting    int           `yaml:"max_waiting"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Budget configures the prompt window. Sizes are in characters.
type Budget struct {
	MaxChars     int     `yaml:"max_chars"`
	HistoryShare float64 `yaml:"history_share"`
	PersonaShare float64 `yaml:"persona_share"`
}

// Config is the full CLI configuration.
type Config struct {
	// Dir is the root configuration directory. Not serialized.
	Dir string `yaml:"-"`

	DataDir     string        `yaml:"data_dir"`
	PersonaPath string        `yaml:"persona_path"`
	SessionIdle time.Duration `yaml:"session_idle"`

	Engine Engine `yaml:"engine"`
	Budget Budget `yaml:"budget"`
}

// Default returns the configuration written by 'confidant init'.
func Default(dir string) *Config {
	return &Config{
		Dir:         dir,
		DataDir:     filepath.Join(dir, "data"),
		PersonaPath: filepath.Join(dir, personaFile),
		SessionIdle: 30 * time.Minute,
		Engine: Engine{
			BaseURL:       "http://localhost:8080/v1",
			APIKey:        "unused",
			Model:         "default",
			MaxConcurrent: 2,
			MaxWaiting:    8,
			Timeout:       60 * time.Second,
		},
		Budget: Budget{
			MaxChars:     8000,
			HistoryShare: 0.5,
			PersonaShare: 0.25,
		},
	}
}

// Dir returns the default configuration directory.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory: %w", err)
	}
	return filepath.Join(base, appDir), nil
}

// Load reads the configuration from the default location.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(dir)
}

// LoadFrom reads the configuration rooted at dir. A missing config.yaml
// yields the defaults so read-only commands work before 'confidant init'.
func LoadFrom(dir string) (*Config, error) {
	cfg := Default(dir)
	data, err := os.ReadFile(filepath.Join(dir, configFile))
	switch {
	case os.IsNotExist(err):
		// fall through to env overrides
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configFile, err)
		}
		cfg.Dir = dir
	}

	if v := os.Getenv("CONFIDANT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CONFIDANT_ENGINE_BASE_URL"); v != "" {
		cfg.Engine.BaseURL = v
	}
	if v := os.Getenv("CONFIDANT_ENGINE_API_KEY"); v != "" {
		cfg.Engine.APIKey = v
	}
	if v := os.Getenv("CONFIDANT_ENGINE_MODEL"); v != "" {
		cfg.Engine.Model = v
	}
	return cfg, nil
}

// Save writes the configuration to dir/config.yaml, creating dir first.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	path := filepath.Join(c.Dir, configFile)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// IdentityPath returns the sqlite database path for users and bindings.
func (c *Config) IdentityPath() string {
	return filepath.Join(c.DataDir, "identity.db")
}

// TurnsDir returns the badger directory for the conversation log.
func (c *Config) TurnsDir() string {
	return filepath.Join(c.DataDir, "turns")
}
