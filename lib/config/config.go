// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the agent configuration from a single YAML
// file specified by the --config flag. There is no automatic
// discovery and no environment-variable overrides; the file is the
// single source of truth so a deployment is auditable from one
// artifact.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agent configuration.
type Config struct {
	// Server configures the management backend endpoint.
	Server ServerConfig `yaml:"server"`

	// Refresh configures fetch scheduling and retry backoff.
	Refresh RefreshConfig `yaml:"refresh"`

	// Identity seeds the identity store.
	Identity IdentityConfig `yaml:"identity"`

	// Paths configures on-disk locations.
	Paths PathsConfig `yaml:"paths"`
}

// ServerConfig configures the management backend endpoint.
type ServerConfig struct {
	// URL is the policy fetch endpoint (required).
	URL string `yaml:"url"`

	// RequestTimeout bounds a single fetch request.
	// Default: 30s.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// RefreshConfig configures fetch scheduling and retry backoff.
type RefreshConfig struct {
	// Rate is the interval between successful policy fetches. Also
	// the cap for error backoff. Default: 3h.
	Rate time.Duration `yaml:"rate"`

	// ErrorDelay is the initial retry delay after a transient
	// error; it doubles per consecutive failure up to Rate.
	// Default: 5m.
	ErrorDelay time.Duration `yaml:"error_delay"`

	// DontWaitForFetch marks caches ready as soon as their backing
	// load completes, without waiting for a first fetch outcome.
	// Default: false.
	DontWaitForFetch bool `yaml:"dont_wait_for_fetch"`

	// UnmanagedDomains lists account domains known to have no
	// management server (e.g. consumer domains). A user in one of
	// these domains is resolved as unmanaged without a network
	// round trip.
	UnmanagedDomains []string `yaml:"unmanaged_domains"`
}

// IdentityConfig seeds the identity store.
type IdentityConfig struct {
	// UserName is the signed-in account name (user@domain).
	UserName string `yaml:"user_name"`

	// MachineID is the stable device identifier reported to the
	// server on re-registration.
	MachineID string `yaml:"machine_id"`

	// MachineModel is the hardware model string.
	MachineModel string `yaml:"machine_model"`
}

// PathsConfig configures on-disk locations.
type PathsConfig struct {
	// State is the directory for cache snapshots. Empty disables
	// persistence.
	State string `yaml:"state"`

	// LocalPolicies is a directory of *.jsonc policy files loaded
	// as the machine-local source. Empty disables the source.
	LocalPolicies string `yaml:"local_policies"`
}

// Default returns the configuration defaults applied before the file
// is loaded. The file is still required; these only give every field
// a sensible zero value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			RequestTimeout: 30 * time.Second,
		},
		Refresh: RefreshConfig{
			Rate:             3 * time.Hour,
			ErrorDelay:       5 * time.Minute,
			UnmanagedDomains: []string{"gmail.com", "googlemail.com"},
		},
	}
}

// LoadFile loads configuration from path on top of Default and
// validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.URL == "" {
		errs = append(errs, fmt.Errorf("server.url is required"))
	} else if parsed, err := url.Parse(c.Server.URL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		errs = append(errs, fmt.Errorf("server.url %q is not an absolute URL", c.Server.URL))
	}

	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.request_timeout must be positive"))
	}
	if c.Refresh.Rate <= 0 {
		errs = append(errs, fmt.Errorf("refresh.rate must be positive"))
	}
	if c.Refresh.ErrorDelay <= 0 {
		errs = append(errs, fmt.Errorf("refresh.error_delay must be positive"))
	}
	if c.Refresh.ErrorDelay > c.Refresh.Rate {
		errs = append(errs, fmt.Errorf("refresh.error_delay (%v) exceeds refresh.rate (%v)",
			c.Refresh.ErrorDelay, c.Refresh.Rate))
	}

	for _, domain := range c.Refresh.UnmanagedDomains {
		if domain == "" || strings.ContainsAny(domain, " @") {
			errs = append(errs, fmt.Errorf("refresh.unmanaged_domains entry %q is not a domain", domain))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
