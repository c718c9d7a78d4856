package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type logConfig struct {
	Directory  string `yaml:"directory"`
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

type storageConfig struct {
	// Backend is memory, dir or badger.
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type catalogConfig struct {
	Roots      []string `yaml:"roots"`
	Repository string   `yaml:"repository"`
	Watch      bool     `yaml:"watch"`
}

type manifestSigningConfig struct {
	PrivateKey  string `yaml:"privateKey"`
	Certificate string `yaml:"certificate"`
}

type config struct {
	Port            int                   `yaml:"port"`
	DataDir         string                `yaml:"dataDir"`
	Storage         storageConfig         `yaml:"storage"`
	Ledger          string                `yaml:"ledger"`
	AuditLog        string                `yaml:"auditLog"`
	Catalog         catalogConfig         `yaml:"catalog"`
	ManifestSigning manifestSigningConfig `yaml:"manifestSigning"`
	ApplyTimeout    time.Duration         `yaml:"applyTimeout"`
	MaxUploadMB     int                   `yaml:"maxUploadMB"`
	Lang            string                `yaml:"lang"`
	Logs            logConfig             `yaml:"logs"`
}

// loadConfig reads path, applies FORGEX_* environment overrides and fills
// defaults. Relative paths resolve against the config file's directory when
// they exist there.
func loadConfig(path string) (config, error) {
	var cfg config
	baseDir := "."
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
		baseDir = filepath.Dir(path)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	resolvePath := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" {
			return ""
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		candidate := filepath.Clean(filepath.Join(baseDir, p))
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		return filepath.Clean(p)
	}

	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(".", "data")
	}
	cfg.DataDir = resolvePath(cfg.DataDir)
	switch cfg.Storage.Backend {
	case "":
		cfg.Storage.Backend = "dir"
	case "memory", "dir", "badger":
	default:
		return cfg, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Path == "" && cfg.Storage.Backend != "memory" {
		cfg.Storage.Path = filepath.Join(cfg.DataDir, "blobs")
	}
	cfg.Storage.Path = resolvePath(cfg.Storage.Path)
	if cfg.Ledger == "" {
		cfg.Ledger = filepath.Join(cfg.DataDir, "ledger.db")
	}
	cfg.Ledger = resolvePath(cfg.Ledger)
	if cfg.AuditLog == "" {
		cfg.AuditLog = filepath.Join(cfg.DataDir, "audit.jsonl")
	}
	cfg.AuditLog = resolvePath(cfg.AuditLog)
	for i, r := range cfg.Catalog.Roots {
		cfg.Catalog.Roots[i] = resolvePath(r)
	}
	cfg.Catalog.Repository = resolvePath(cfg.Catalog.Repository)
	if len(cfg.Catalog.Roots) == 0 && cfg.Catalog.Repository == "" {
		return cfg, fmt.Errorf("no catalog roots or pack repository configured")
	}
	cfg.ManifestSigning.PrivateKey = resolvePath(cfg.ManifestSigning.PrivateKey)
	cfg.ManifestSigning.Certificate = resolvePath(cfg.ManifestSigning.Certificate)
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 30 * time.Second
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 64
	}
	if cfg.Lang == "" {
		cfg.Lang = "en"
	}
	if cfg.Logs.Directory == "" {
		cfg.Logs.Directory = filepath.Join(cfg.DataDir, "logs")
	}
	if cfg.Logs.Level == "" {
		cfg.Logs.Level = "info"
	}
	if cfg.Logs.MaxSizeMB <= 0 {
		cfg.Logs.MaxSizeMB = 25
	}
	if cfg.Logs.MaxAgeDays <= 0 {
		cfg.Logs.MaxAgeDays = 7
	}
	if cfg.Logs.MaxBackups <= 0 {
		cfg.Logs.MaxBackups = 5
	}
	return cfg, nil
}

func applyEnv(cfg *config) error {
	if v := os.Getenv("FORGEX_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FORGEX_PORT: %w", err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("FORGEX_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FORGEX_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("FORGEX_CATALOG"); v != "" {
		cfg.Catalog.Roots = filepath.SplitList(v)
	}
	if v := os.Getenv("FORGEX_REPO"); v != "" {
		cfg.Catalog.Repository = v
	}
	if v := os.Getenv("FORGEX_LANG"); v != "" {
		cfg.Lang = v
	}
	if v := os.Getenv("FORGEX_LOG_LEVEL"); v != "" {
		cfg.Logs.Level = v
	}
	if v := os.Getenv("FORGEX_APPLY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FORGEX_APPLY_TIMEOUT: %w", err)
		}
		cfg.ApplyTimeout = d
	}
	return nil
}
