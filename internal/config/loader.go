package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a YAML file. Missing sections fall
// back to Defaults(). ${ENV_VAR} references in the file are expanded before
// parsing; unset variables expand to the empty string.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnvVars(data)

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigDir finds the config directory by checking standard locations.
// Priority order: $WARDEN_CONFIG_DIR, ~/.config/warden, /etc/warden,
// ./config.yaml (single-file fallback).
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("WARDEN_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "warden")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/warden"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	localConfigPath := "./config.yaml"
	if _, err := os.Stat(localConfigPath); err == nil {
		return localConfigPath, nil
	}

	return "", fmt.Errorf("no config found (checked: $WARDEN_CONFIG_DIR, ~/.config/warden, /etc/warden, ./config.yaml)")
}

func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// applyDefaults fills zero values left behind by partial YAML sections.
func applyDefaults(cfg *Config) {
	def := Defaults()
	if cfg.Service.Name == "" {
		cfg.Service.Name = def.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = def.Service.LogLevel
	}
	if cfg.State.Path == "" {
		cfg.State.Path = def.State.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = def.API.Listen
	}
	if cfg.Registry.HeartbeatInterval <= 0 {
		cfg.Registry.HeartbeatInterval = def.Registry.HeartbeatInterval
	}
	if cfg.Registry.MaxMissed <= 0 {
		cfg.Registry.MaxMissed = def.Registry.MaxMissed
	}
	if cfg.Registry.RerouteGrace <= 0 {
		cfg.Registry.RerouteGrace = def.Registry.RerouteGrace
	}
	if cfg.Router.MinScore <= 0 {
		cfg.Router.MinScore = def.Router.MinScore
	}
	if cfg.Dispatch.StepTimeout <= 0 {
		cfg.Dispatch.StepTimeout = def.Dispatch.StepTimeout
	}
	if cfg.Approvals.Default == "" {
		cfg.Approvals.Default = def.Approvals.Default
	}
	if cfg.Approvals.Expiry <= 0 {
		cfg.Approvals.Expiry = def.Approvals.Expiry
	}
	for i := range cfg.Workers {
		if cfg.Workers[i].Concurrency <= 0 {
			cfg.Workers[i].Concurrency = 1
		}
	}
}

func validate(cfg *Config) error {
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	switch cfg.Approvals.Default {
	case "routine", "sensitive", "critical":
	default:
		return fmt.Errorf("approvals.default must be routine, sensitive or critical, got %q", cfg.Approvals.Default)
	}
	for action, cat := range cfg.Approvals.Categories {
		switch cat {
		case "routine", "sensitive", "critical":
		default:
			return fmt.Errorf("approvals.categories[%q]: unknown category %q", action, cat)
		}
	}
	seen := make(map[string]bool, len(cfg.Budgets))
	for _, b := range cfg.Budgets {
		if b.Action == "" {
			return fmt.Errorf("budgets: action is required")
		}
		if seen[b.Action] {
			return fmt.Errorf("budgets: duplicate policy for action %q", b.Action)
		}
		seen[b.Action] = true
		if b.Capacity <= 0 {
			return fmt.Errorf("budgets[%s]: capacity must be positive", b.Action)
		}
		if b.Refill <= 0 {
			return fmt.Errorf("budgets[%s]: refill must be positive", b.Action)
		}
		if b.Per <= 0 {
			return fmt.Errorf("budgets[%s]: per must be a positive duration", b.Action)
		}
	}
	workerIDs := make(map[string]bool, len(cfg.Workers))
	for _, w := range cfg.Workers {
		if w.ID == "" {
			return fmt.Errorf("workers: id is required")
		}
		if workerIDs[w.ID] {
			return fmt.Errorf("workers: duplicate id %q", w.ID)
		}
		workerIDs[w.ID] = true
		if len(w.Tags) == 0 {
			return fmt.Errorf("workers[%s]: at least one capability tag is required", w.ID)
		}
	}
	if cfg.Router.DefaultWorker != "" && len(cfg.Workers) > 0 && !workerIDs[cfg.Router.DefaultWorker] {
		return fmt.Errorf("router.default_worker %q is not a configured worker", cfg.Router.DefaultWorker)
	}
	if cfg.Archive != nil && cfg.Archive.Enabled {
		if cfg.Archive.Endpoint == "" || cfg.Archive.Bucket == "" {
			return fmt.Errorf("archive: endpoint and bucket are required when enabled")
		}
	}
	if cfg.Approvals.Expiry < time.Minute {
		return fmt.Errorf("approvals.expiry must be at least 1m, got %s", cfg.Approvals.Expiry)
	}
	return nil
}
