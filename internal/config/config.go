// Package config loads the interposition manifest: the patch list applied at
// load time plus logging and hook defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/k2io/interpose/internal/hexbytes"
)

// Config is the top-level manifest.
type Config struct {
	LogLevel      string        `yaml:"log_level"`
	Strategy      string        `yaml:"strategy"`
	DefaultModule string        `yaml:"default_module"`
	Patches       []PatchConfig `yaml:"patches"`
}

// PatchConfig is one byte patch. Module falls back to Config.DefaultModule.
type PatchConfig struct {
	Name   string `yaml:"name"`
	Module string `yaml:"module"`
	Offset uint64 `yaml:"offset"`
	Bytes  string `yaml:"bytes"`
}

// Strategy names accepted in the manifest.
const (
	StrategyDirect   = "direct"
	StrategyRelocate = "relocate"
)

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// DefaultConfig returns a manifest with no patches.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Strategy: StrategyDirect,
	}
}

// Load reads and parses a YAML manifest.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse parses a YAML manifest, applies environment overrides and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate manifest: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides reads INTERPOSE_* environment variables and applies them
// over the YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"INTERPOSE_LOG_LEVEL":      func(v string) { c.LogLevel = strings.ToLower(v) },
		"INTERPOSE_STRATEGY":       func(v string) { c.Strategy = strings.ToLower(v) },
		"INTERPOSE_DEFAULT_MODULE": func(v string) { c.DefaultModule = v },
	}
	for env, apply := range envOverrides {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			apply(v)
		}
	}
}

// Validate checks the manifest, including that every byte literal decodes.
func (c *Config) Validate() error {
	var errs []error
	if !validLevels[c.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of debug, info, warn, error", c.LogLevel))
	}
	if c.Strategy != StrategyDirect && c.Strategy != StrategyRelocate {
		errs = append(errs, fmt.Errorf("strategy %q must be %q or %q", c.Strategy, StrategyDirect, StrategyRelocate))
	}
	for i, p := range c.Patches {
		if p.Module == "" && c.DefaultModule == "" {
			errs = append(errs, fmt.Errorf("patches[%d]: module is required without default_module", i))
		}
		if _, err := hexbytes.Parse(p.Bytes); err != nil {
			errs = append(errs, fmt.Errorf("patches[%d]: bytes: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// ModuleFor returns the module a patch targets.
func (c *Config) ModuleFor(p PatchConfig) string {
	if p.Module != "" {
		return p.Module
	}
	return c.DefaultModule
}
