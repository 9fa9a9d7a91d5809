// Package config loads kernel configuration from the environment and
// optional YAML profile files.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds kernel process configuration.
type Config struct {
	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string
	// DatabaseURL selects the event store backend: a file path (or
	// :memory:) for SQLite, a postgres:// URL for Postgres.
	DatabaseURL string
	// RedisURL enables the distributed rate limiter when set.
	RedisURL string
	// SnapshotBucket enables S3 snapshot archiving when set.
	SnapshotBucket string
	// OTLPEndpoint enables telemetry export when set.
	OTLPEndpoint string
	// TokenSigningKey signs actor tokens.
	TokenSigningKey string
	// RejectionAudit turns rejection audit events on for every
	// business. Default false; per-business overrides come from the
	// kernel profile.
	RejectionAudit bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		LogLevel:        getenv("BOS_LOG_LEVEL", "INFO"),
		DatabaseURL:     getenv("BOS_DATABASE_URL", "bos.db"),
		RedisURL:        os.Getenv("BOS_REDIS_URL"),
		SnapshotBucket:  os.Getenv("BOS_SNAPSHOT_BUCKET"),
		OTLPEndpoint:    os.Getenv("BOS_OTLP_ENDPOINT"),
		TokenSigningKey: getenv("BOS_TOKEN_SIGNING_KEY", "dev-only-signing-key"),
	}
	if v, err := strconv.ParseBool(os.Getenv("BOS_REJECTION_AUDIT")); err == nil {
		cfg.RejectionAudit = v
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Profile is the YAML kernel profile: per-business settings that are
// configuration rather than events.
type Profile struct {
	// RejectionAudit lists businesses with rejection audit events on.
	RejectionAudit []string `yaml:"rejection_audit"`
}

// LoadProfile parses a kernel profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: profile read: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: profile parse: %w", err)
	}
	return &p, nil
}

// RejectionAuditSet converts the profile list into the lookup the bus
// consults.
func (p *Profile) RejectionAuditSet() map[string]bool {
	out := make(map[string]bool, len(p.RejectionAudit))
	for _, b := range p.RejectionAudit {
		out[b] = true
	}
	return out
}

// StaticRejectionAudit is a fixed per-business rejection audit
// configuration.
type StaticRejectionAudit struct {
	All        bool
	Businesses map[string]bool
}

// RejectionAuditEnabled implements the bus configuration contract.
func (s StaticRejectionAudit) RejectionAuditEnabled(businessID string) bool {
	return s.All || s.Businesses[businessID]
}
