// Package config loads process configuration from the environment and the
// tenant registry from a YAML file. The registry is the external source of
// truth mapping tenant identifiers to connection descriptors; this package
// only consumes it.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/tesseradata/tessera/platform/go/persistence"
	"github.com/tesseradata/tessera/platform/go/tenant"
)

// Config is the environment-driven process configuration.
type Config struct {
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	TenantsFile    string        `env:"TENANTS_FILE,required"`
	PoolMaxConns   int32         `env:"POOL_MAX_CONNS" envDefault:"4"`
	PoolMinConns   int32         `env:"POOL_MIN_CONNS" envDefault:"0"`
	AcquireTimeout time.Duration `env:"POOL_ACQUIRE_TIMEOUT" envDefault:"5s"`
	AuditTenant    string        `env:"AUDIT_TENANT"`
	NotifyEndpoint string        `env:"NOTIFY_ENDPOINT"`
	HookTimeout    time.Duration `env:"HOOK_TIMEOUT" envDefault:"10s"`
}

// Load parses the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// tenantEntry is one registry record. Per-tenant values override the process
// defaults when set.
type tenantEntry struct {
	ID             string        `yaml:"id"`
	URL            string        `yaml:"url"`
	MaxConns       int32         `yaml:"maxConns"`
	MinConns       int32         `yaml:"minConns"`
	AcquireTimeout time.Duration `yaml:"acquireTimeout"`
}

type registryFile struct {
	Tenants []tenantEntry `yaml:"tenants"`
}

// LoadTenants reads the YAML tenant registry and builds the connection
// descriptors, applying cfg's pool defaults where an entry is silent.
func LoadTenants(path string, cfg Config) ([]persistence.Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenant registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse tenant registry: %w", err)
	}
	if len(file.Tenants) == 0 {
		return nil, fmt.Errorf("tenant registry %s declares no tenants", path)
	}

	seen := make(map[string]struct{}, len(file.Tenants))
	descriptors := make([]persistence.Descriptor, 0, len(file.Tenants))
	for i, entry := range file.Tenants {
		if entry.ID == "" {
			return nil, fmt.Errorf("tenant registry entry %d: id is required", i)
		}
		if entry.URL == "" {
			return nil, fmt.Errorf("tenant %q: url is required", entry.ID)
		}
		if _, dup := seen[entry.ID]; dup {
			return nil, fmt.Errorf("tenant %q declared twice", entry.ID)
		}
		seen[entry.ID] = struct{}{}

		desc := persistence.Descriptor{
			Tenant:         tenant.ID(entry.ID),
			ConnString:     entry.URL,
			MaxConns:       entry.MaxConns,
			MinConns:       entry.MinConns,
			AcquireTimeout: entry.AcquireTimeout,
		}
		if desc.MaxConns == 0 {
			desc.MaxConns = cfg.PoolMaxConns
		}
		if desc.MinConns == 0 {
			desc.MinConns = cfg.PoolMinConns
		}
		if desc.AcquireTimeout == 0 {
			desc.AcquireTimeout = cfg.AcquireTimeout
		}

		descriptors = append(descriptors, desc)
	}

	return descriptors, nil
}
