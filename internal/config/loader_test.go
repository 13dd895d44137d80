package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Boot.Listen != Defaults().Boot.Listen {
		t.Fatalf("Boot.Listen = %q, want default", cfg.Boot.Listen)
	}
}

func TestLoadOverlaysFileOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch.yaml")
	contents := `
upstream:
  owner: acme
  repo: images
  tag: v1.0.0
admin:
  enabled: true
  listen: "127.0.0.1:9090"
  token: "secret"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upstream.Owner != "acme" || cfg.Upstream.Repo != "images" || cfg.Upstream.Tag != "v1.0.0" {
		t.Fatalf("unexpected upstream: %+v", cfg.Upstream)
	}
	if cfg.Admin.Listen != "127.0.0.1:9090" || cfg.Admin.Token != "secret" {
		t.Fatalf("unexpected admin: %+v", cfg.Admin)
	}
	// Unset-by-file fields should keep their defaults.
	if cfg.Boot.Listen != Defaults().Boot.Listen {
		t.Fatalf("Boot.Listen = %q, want default unchanged", cfg.Boot.Listen)
	}
}

func TestLoadEmptyPathLeavesSourceHashEmpty(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SourceHash != "" {
		t.Fatalf("SourceHash = %q, want empty for no file", cfg.SourceHash)
	}
}

func TestLoadStampsSourceHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch.yaml")
	contents := "upstream:\n  owner: acme\n  repo: images\n  tag: v1.0.0\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SourceHash == "" {
		t.Fatal("SourceHash is empty, want a blake3 fingerprint")
	}
	if !strings.HasPrefix(cfg.SourceHash, "blake3:") {
		t.Fatalf("SourceHash = %q, want blake3: prefix", cfg.SourceHash)
	}

	// Loading the identical bytes again must reproduce the same fingerprint.
	cfg2, err := Load(path)
	if err != nil {
		t.Fatalf("Load (again): %v", err)
	}
	if cfg2.SourceHash != cfg.SourceHash {
		t.Fatalf("SourceHash changed across identical loads: %q != %q", cfg2.SourceHash, cfg.SourceHash)
	}

	// A changed file must produce a different fingerprint.
	if err := os.WriteFile(path, []byte(contents+"\nlog_level: debug\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg3, err := Load(path)
	if err != nil {
		t.Fatalf("Load (modified): %v", err)
	}
	if cfg3.SourceHash == cfg.SourceHash {
		t.Fatalf("SourceHash did not change after editing the file: %q", cfg3.SourceHash)
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("DISPATCH_TEST_TOKEN", "expanded-value")

	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch.yaml")
	contents := `
upstream:
  owner: acme
  repo: images
  tag: v1.0.0
  token: "${DISPATCH_TEST_TOKEN}"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upstream.Token != "expanded-value" {
		t.Fatalf("Token = %q, want expanded-value", cfg.Upstream.Token)
	}
}

func TestMergeOverridesOnlySetFields(t *testing.T) {
	cfg := Defaults()
	cfg.Upstream.Owner = "acme"

	enabled := true
	Merge(cfg, Flags{Repo: "images", AdminEnabled: &enabled})

	if cfg.Upstream.Owner != "acme" {
		t.Fatalf("Owner = %q, want unchanged acme", cfg.Upstream.Owner)
	}
	if cfg.Upstream.Repo != "images" {
		t.Fatalf("Repo = %q, want images", cfg.Upstream.Repo)
	}
	if !cfg.Admin.Enabled {
		t.Fatalf("Admin.Enabled = false, want true")
	}
}

func TestValidateRejectsMissingUpstream(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for missing upstream fields")
	}
}

func TestValidateAcceptsMinimalValidConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Upstream.Owner = "acme"
	cfg.Upstream.Repo = "images"
	cfg.Upstream.Tag = "v1.0.0"
	cfg.Admin.Enabled = false
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
