// Package config loads Authrim's process configuration from YAML, using
// ghodss/yaml so struct tags stay plain "json" tags exactly like the
// teacher's cmd/dex config loader.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ghodss/yaml"
)

// Config is the top-level configuration for an Authrim process.
type Config struct {
	Issuer string `json:"issuer"`

	Storage   Storage   `json:"storage"`
	Ephemeral Ephemeral `json:"ephemeral"`

	Expiry Expiry `json:"expiry"`

	SigningKey SigningKey `json:"signingKey"`

	SCIM SCIM `json:"scim"`

	DPoP DPoP `json:"dpop"`

	Web Web `json:"web"`

	Connectors []Connector `json:"connectors"`

	Logger Logger `json:"logger"`
}

// Storage selects and configures the relational store backend.
type Storage struct {
	Type string `json:"type"` // postgres | mysql | sqlite3 | memory
	DSN  string `json:"dsn"`
}

// Ephemeral selects and configures the TTL-KV store backend.
type Ephemeral struct {
	Type string `json:"type"` // redis | memory
	Addr string `json:"addr"`
}

// Expiry holds every TTL the spec names explicitly.
type Expiry struct {
	AuthCode       time.Duration `json:"authCode"`       // <= 10m, spec.md §3
	AccessToken    time.Duration `json:"accessToken"`
	IDToken        time.Duration `json:"idToken"`
	RefreshToken   time.Duration `json:"refreshToken"`
	Challenge      time.Duration `json:"challenge"`
	DeviceCode     time.Duration `json:"deviceCode"`
	PARRequest     time.Duration `json:"parRequest"`     // <= 90s, SPEC_FULL §11.1
	DPoPReplay     time.Duration `json:"dpopReplay"`
}

// SigningKey configures the rotation/overlap schedule.
type SigningKey struct {
	RotationFrequency time.Duration `json:"rotationFrequency"`
	OverlapWindow     time.Duration `json:"overlapWindow"` // default 24h, spec.md §4.3
}

// SCIM configures pagination limits.
type SCIM struct {
	MaxPageSize int `json:"maxPageSize"` // default 1000, spec.md §4.6
}

// DPoP configures sender-constrained token handling.
type DPoP struct {
	ProofMaxAge time.Duration `json:"proofMaxAge"`
}

// Web configures the HTTP listener.
type Web struct {
	HTTP string `json:"http"`
}

// Logger configures the structured logging backend.
type Logger struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Connector configures one federation connector instance.
type Connector struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"` // ldap | oidc
	Name   string          `json:"name"`
	Config ConnectorConfig `json:"config"`
}

// ConnectorConfig is a loosely typed bag decoded per connector type.
type ConnectorConfig map[string]interface{}

// Default returns a Config with the spec's suggested defaults filled in.
func Default() Config {
	return Config{
		Expiry: Expiry{
			AuthCode:     10 * time.Minute,
			AccessToken:  10 * time.Minute,
			IDToken:      10 * time.Minute,
			RefreshToken: 30 * 24 * time.Hour,
			Challenge:    10 * time.Minute,
			DeviceCode:   10 * time.Minute,
			PARRequest:   90 * time.Second,
			DPoPReplay:   5 * time.Minute,
		},
		SigningKey: SigningKey{
			RotationFrequency: 6 * time.Hour,
			OverlapWindow:     24 * time.Hour,
		},
		SCIM: SCIM{MaxPageSize: 1000},
		DPoP: DPoP{ProofMaxAge: time.Minute},
	}
}

// Load reads and parses a YAML config file, merging it over Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate performs the fast, fail-early checks the teacher's config.Validate
// does before any storage connection is attempted.
func (c Config) Validate() error {
	checks := []struct {
		bad    bool
		errMsg string
	}{
		{c.Issuer == "", "no issuer specified in config"},
		{c.Storage.Type == "", "no storage backend specified in config"},
		{c.Ephemeral.Type == "", "no ephemeral store backend specified in config"},
		{c.Web.HTTP == "", "must supply an HTTP address to listen on"},
	}
	for _, check := range checks {
		if check.bad {
			return fmt.Errorf("invalid config: %s", check.errMsg)
		}
	}
	return nil
}
