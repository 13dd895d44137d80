package config

import "fmt"

// Validate checks that cfg has enough information to start a run. It does
// not check network reachability or GitHub credentials — those fail
// naturally, with a clear error, the first time they're used.
func Validate(cfg *Config) error {
	if cfg.Upstream.Owner == "" {
		return fmt.Errorf("config: upstream.owner is required")
	}
	if cfg.Upstream.Repo == "" {
		return fmt.Errorf("config: upstream.repo is required")
	}
	if cfg.Upstream.Tag == "" {
		return fmt.Errorf("config: upstream.tag is required")
	}
	if cfg.Boot.Listen == "" {
		return fmt.Errorf("config: boot.listen is required")
	}
	if cfg.Beacon.Listen == "" {
		return fmt.Errorf("config: beacon.listen is required")
	}
	if cfg.Admin.Enabled && cfg.Admin.Listen == "" {
		return fmt.Errorf("config: admin.listen is required when admin is enabled")
	}
	if cfg.Admin.Enabled && cfg.Admin.Token == "" {
		return fmt.Errorf("config: admin.token is required when admin is enabled")
	}
	if cfg.Runtime.LockPath == "" {
		return fmt.Errorf("config: runtime.lock_path is required")
	}
	if cfg.Runtime.JournalPath == "" {
		return fmt.Errorf("config: runtime.journal_path is required")
	}
	if cfg.Sink.MaxRetries < 0 {
		return fmt.Errorf("config: sink.max_retries must not be negative")
	}
	return nil
}
