package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file at path, layering spec defaults under it
// and environment-variable overrides over it, then validates the result.
//
// Environment overrides, applied after the file and before validation,
// let deployments inject secrets (PSRP_BASIC_PASSWORD, etc.) without
// writing them to disk:
//
//	PSRP_HOST, PSRP_PORT
//	PSRP_BASIC_USERNAME, PSRP_BASIC_PASSWORD
//	PSRP_FORCE_INSECURE
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("PSRP_HOST"); host != "" {
		cfg.Destination.Host = host
	}
	if portStr := os.Getenv("PSRP_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Destination.Port = port
		}
	}
	if user := os.Getenv("PSRP_BASIC_USERNAME"); user != "" {
		if cfg.Auth.Basic == nil {
			cfg.Auth.Basic = &BasicAuth{}
		}
		cfg.Auth.Basic.Username = user
	}
	if pass := os.Getenv("PSRP_BASIC_PASSWORD"); pass != "" {
		if cfg.Auth.Basic == nil {
			cfg.Auth.Basic = &BasicAuth{}
		}
		cfg.Auth.Basic.Password = pass
	}
	if insecure := os.Getenv("PSRP_FORCE_INSECURE"); insecure != "" {
		if v, err := strconv.ParseBool(insecure); err == nil {
			cfg.ForceInsecure = v
		}
	}
}
