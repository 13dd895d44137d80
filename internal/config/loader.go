package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses a dispatch config file, starting from Defaults()
// and overlaying whatever the file sets. An empty path returns the
// defaults unchanged (CLI flags are expected to supply everything else).
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	data = expandEnv(data)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	hash, err := fileFingerprint(path)
	if err != nil {
		return nil, err
	}
	cfg.SourceHash = hash

	return cfg, nil
}

// expandEnv substitutes ${VAR} references with the environment variable's
// value, leaving the reference untouched if VAR is unset. This lets a
// config file commit a token placeholder without committing the secret
// itself.
func expandEnv(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		if v, ok := os.LookupEnv(string(name)); ok {
			return []byte(v)
		}
		return match
	})
}

// Flags holds CLI flag overrides. A zero-value field means "not set on
// the command line"; Merge leaves the corresponding Config field alone in
// that case.
type Flags struct {
	Owner         string
	Repo          string
	Tag           string
	Filter        []string
	GitHubToken   string
	BootListen    string
	BeaconListen  string
	AdminListen   string
	AdminEnabled  *bool
	AdminToken    string
	Milestone     string
	MaxRetries    int
	LockPath      string
	JournalPath   string
	DiscoverOn    *bool
	DiscoverName  string
	LogLevel      string
}

// Merge overlays non-zero Flags fields onto cfg, in place, and returns it.
// CLI flags take precedence over whatever the config file (or Defaults)
// set.
func Merge(cfg *Config, f Flags) *Config {
	if f.Owner != "" {
		cfg.Upstream.Owner = f.Owner
	}
	if f.Repo != "" {
		cfg.Upstream.Repo = f.Repo
	}
	if f.Tag != "" {
		cfg.Upstream.Tag = f.Tag
	}
	if len(f.Filter) > 0 {
		cfg.Upstream.Filter = f.Filter
	}
	if f.GitHubToken != "" {
		cfg.Upstream.Token = f.GitHubToken
	}
	if f.BootListen != "" {
		cfg.Boot.Listen = f.BootListen
	}
	if f.BeaconListen != "" {
		cfg.Beacon.Listen = f.BeaconListen
	}
	if f.AdminListen != "" {
		cfg.Admin.Listen = f.AdminListen
	}
	if f.AdminEnabled != nil {
		cfg.Admin.Enabled = *f.AdminEnabled
	}
	if f.AdminToken != "" {
		cfg.Admin.Token = f.AdminToken
	}
	if f.Milestone != "" {
		cfg.Sink.Milestone = f.Milestone
	}
	if f.MaxRetries > 0 {
		cfg.Sink.MaxRetries = f.MaxRetries
	}
	if f.LockPath != "" {
		cfg.Runtime.LockPath = f.LockPath
	}
	if f.JournalPath != "" {
		cfg.Runtime.JournalPath = f.JournalPath
	}
	if f.DiscoverOn != nil {
		cfg.Discover.Enabled = *f.DiscoverOn
	}
	if f.DiscoverName != "" {
		cfg.Discover.Instance = f.DiscoverName
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	return cfg
}
