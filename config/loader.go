package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads a YAML configuration file and unmarshals it into the
// specified type. T must be a struct type that can be unmarshaled from
// YAML.
func LoadConfig[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg T
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// LoadClientConfig reads a client YAML configuration file, applies
// defaults and validates it.
func LoadClientConfig(path string) (*Client, error) {
	logger := log.With().Str("com", "config-loader").Logger()

	cfg, err := LoadConfig[Client](path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("client configuration validation failed: %w", err)
	}

	logger.Info().
		Str("server", cfg.Server.Addr()).
		Str("version", cfg.Version).
		Msg("loaded client configuration")
	return cfg, nil
}

// LoadServerConfig reads a simulator YAML configuration file, applies
// defaults and validates it.
func LoadServerConfig(path string) (*Server, error) {
	cfg, err := LoadConfig[Server](path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server configuration validation failed: %w", err)
	}
	return cfg, nil
}
