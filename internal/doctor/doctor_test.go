package doctor

import (
	"testing"

	"github.com/mattjoyce/dispatch/internal/catalog"
	"github.com/mattjoyce/dispatch/internal/config"
)

func validConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Upstream.Owner = "acme"
	cfg.Upstream.Repo = "images"
	cfg.Upstream.Tag = "v1.0.0"
	cfg.Upstream.Token = "ghp_test"
	cfg.Sink.Milestone = "release-v1"
	cfg.Admin.Enabled = false
	return cfg
}

func TestValidateValidConfigIsValid(t *testing.T) {
	d := New(validConfig(), nil)
	r := d.Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %+v", r.Errors)
	}
}

func TestValidateCarriesConfigHash(t *testing.T) {
	cfg := validConfig()
	cfg.SourceHash = "blake3:deadbeef"
	d := New(cfg, nil)
	r := d.Validate()
	if r.ConfigHash != "blake3:deadbeef" {
		t.Fatalf("ConfigHash = %q, want %q", r.ConfigHash, "blake3:deadbeef")
	}
}

func TestValidateMissingOwnerIsError(t *testing.T) {
	cfg := validConfig()
	cfg.Upstream.Owner = ""
	d := New(cfg, nil)
	r := d.Validate()
	if r.Valid {
		t.Fatal("expected invalid due to missing owner")
	}
}

func TestValidateAdminEnabledWithoutTokenIsError(t *testing.T) {
	cfg := validConfig()
	cfg.Admin.Enabled = true
	cfg.Admin.Listen = "127.0.0.1:9090"
	cfg.Admin.Token = ""
	d := New(cfg, nil)
	r := d.Validate()
	if r.Valid {
		t.Fatal("expected invalid due to missing admin token")
	}
}

func TestValidateNilCatalogWarnsButDoesNotFail(t *testing.T) {
	d := New(validConfig(), nil)
	r := d.Validate()
	if !r.Valid {
		t.Fatalf("expected valid with nil catalog, got errors: %+v", r.Errors)
	}
	found := false
	for _, w := range r.Warnings {
		if w.Category == "catalog" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a catalog warning when catalog is nil")
	}
}

func TestValidateEmptyCatalogIsError(t *testing.T) {
	cat, err := catalog.Build([]catalog.Entry{
		{Name: "alpha", Size: 1, SourceContentType: "text/plain"},
	}, nil)
	if err == nil {
		t.Fatalf("expected ErrEmpty from unrecognized content-type, got catalog with %d entries", cat.Len())
	}

	d := New(validConfig(), nil)
	r := d.Validate()
	if !r.Valid {
		t.Fatalf("nil catalog path should still validate, got errors: %+v", r.Errors)
	}

	r = New(validConfig(), &catalog.Catalog{}).Validate()
	if r.Valid {
		t.Fatal("expected invalid for an empty resolved catalog")
	}
}

func TestValidateDuplicateListenersWarns(t *testing.T) {
	cfg := validConfig()
	cfg.Beacon.Listen = cfg.Boot.Listen
	d := New(cfg, nil)
	r := d.Validate()
	found := false
	for _, w := range r.Warnings {
		if w.Category == "listeners" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a listeners warning for duplicate addresses")
	}
}

func TestFormatHumanReportsValid(t *testing.T) {
	r := &Result{Valid: true}
	out := FormatHuman(r)
	if out != "Configuration valid.\n" {
		t.Fatalf("FormatHuman = %q", out)
	}
}

func TestFormatJSONRoundTrips(t *testing.T) {
	r := &Result{Valid: false, Errors: []Issue{{Category: "upstream", Field: "owner", Message: "required"}}}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatalf("FormatJSON: %v", err)
	}
	if out == "" {
		t.Fatal("expected non-empty JSON")
	}
}
