// Package config resolves a dispatch run's configuration from an optional
// YAML file layered under CLI flags and environment variables.
package config

import "time"

// Config is the complete resolved configuration for a dispatch run.
type Config struct {
	Upstream UpstreamConfig `yaml:"upstream"`
	Boot     ListenConfig   `yaml:"boot"`
	Beacon   ListenConfig   `yaml:"beacon"`
	Admin    AdminConfig    `yaml:"admin"`
	Sink     SinkConfig     `yaml:"sink"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Discover DiscoverConfig `yaml:"discover"`
	LogLevel string         `yaml:"log_level"`

	// SourceHash is the blake3 fingerprint of the config file Load read,
	// in "blake3:<hex>" form. Empty when no file was loaded (defaults +
	// flags only). Not part of the YAML shape itself.
	SourceHash string `yaml:"-"`
}

// UpstreamConfig names the GitHub release this run dispatches assets from.
type UpstreamConfig struct {
	Owner  string   `yaml:"owner"`
	Repo   string   `yaml:"repo"`
	Tag    string   `yaml:"tag"`
	Filter []string `yaml:"filter,omitempty"`
	Token  string   `yaml:"token,omitempty"` // prefer DISPATCH_GITHUB_TOKEN
}

// ListenConfig is a bare network listen address.
type ListenConfig struct {
	Listen string `yaml:"listen"`
}

// AdminConfig is the Admin API's listen address and bearer token.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token,omitempty"` // prefer DISPATCH_ADMIN_TOKEN
}

// SinkConfig configures the Result Sink's filing behavior.
type SinkConfig struct {
	Milestone  string `yaml:"milestone,omitempty"`
	MaxRetries int    `yaml:"max_retries"`
}

// RuntimeConfig configures process-local infrastructure.
type RuntimeConfig struct {
	LockPath    string        `yaml:"lock_path"`
	JournalPath string        `yaml:"journal_path"`
	DrainTime   time.Duration `yaml:"drain_timeout"`
}

// DiscoverConfig configures the optional mDNS advertisement.
type DiscoverConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance,omitempty"`
}

// Defaults returns a Config with sensible defaults for a single-host run.
func Defaults() *Config {
	return &Config{
		Boot:   ListenConfig{Listen: "0.0.0.0:8080"},
		Beacon: ListenConfig{Listen: "0.0.0.0:8081"},
		Admin: AdminConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8082",
		},
		Sink: SinkConfig{
			MaxRetries: 3,
		},
		Runtime: RuntimeConfig{
			LockPath:    "./data/dispatch.lock",
			JournalPath: "./data/journal.db",
			DrainTime:   10 * time.Second,
		},
		Discover: DiscoverConfig{
			Enabled:  true,
			Instance: "dispatch",
		},
		LogLevel: "info",
	}
}
