package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models villagebrain.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Storage struct {
		Backend string `yaml:"backend"` // sqlite or file
		// AllowDegraded permits the file backend even though it cannot
		// serialize concurrent units. Off by default.
		AllowDegraded bool `yaml:"allow_degraded"`
	} `yaml:"storage"`
	Auth struct {
		TokenTTLHours int `yaml:"token_ttl_hours"`
	} `yaml:"auth"`
}

const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendFile:
	case "":
		return fmt.Errorf("config.storage.backend is required")
	default:
		return fmt.Errorf("config.storage.backend must be %q or %q", BackendSQLite, BackendFile)
	}
	if c.Auth.TokenTTLHours < 0 {
		return fmt.Errorf("config.auth.token_ttl_hours must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "villagebrain.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = "127.0.0.1:8080"
	cfg.Server.BasePath = ""
	cfg.Storage.Backend = BackendSQLite
	cfg.Auth.TokenTTLHours = 24
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Fields left out
// of the document keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the workspace config, or defaults if the file does
// not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// MissionSeed is one entry in a mission import file.
type MissionSeed struct {
	ID              string `yaml:"id"`
	Title           string `yaml:"title"`
	Description     string `yaml:"description"`
	RankRequirement string `yaml:"rank_requirement"`
	Reward          int    `yaml:"reward"`
}

// MissionSeedFile models the YAML accepted by `vb mission import`.
type MissionSeedFile struct {
	Missions []MissionSeed `yaml:"missions"`
}

// SeedFromFile reads a mission seed file.
func SeedFromFile(path string) (*MissionSeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f MissionSeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid seed yaml: %w", err)
	}
	for i, m := range f.Missions {
		if m.Title == "" {
			return nil, fmt.Errorf("missions[%d]: title is required", i)
		}
		if m.Reward <= 0 {
			return nil, fmt.Errorf("missions[%d]: reward must be positive", i)
		}
	}
	return &f, nil
}
