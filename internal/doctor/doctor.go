// Package doctor validates a dispatch configuration and its resolved
// catalog before a run starts, surfacing problems as structured Issues
// rather than letting them fail mid-run.
package doctor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattjoyce/dispatch/internal/catalog"
	"github.com/mattjoyce/dispatch/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid      bool    `json:"valid"`
	ConfigHash string  `json:"config_hash,omitempty"`
	Errors     []Issue `json:"errors,omitempty"`
	Warnings   []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

// Doctor validates a Config against an (optionally nil) resolved Catalog.
type Doctor struct {
	cfg *config.Config
	cat *catalog.Catalog
}

// New creates a Doctor. cat may be nil if the upstream listing has not
// been fetched yet — catalog-dependent checks are skipped in that case.
func New(cfg *config.Config, cat *catalog.Catalog) *Doctor {
	return &Doctor{cfg: cfg, cat: cat}
}

// Validate runs all checks and returns a Result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true, ConfigHash: d.cfg.SourceHash}

	d.validateUpstream(r)
	d.validateListeners(r)
	d.validateAdmin(r)
	d.validateSink(r)
	d.validateRuntime(r)
	d.validateCatalog(r)
	d.warnDuplicateListeners(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateUpstream(r *Result) {
	if d.cfg.Upstream.Owner == "" {
		d.addError(r, "upstream", "upstream.owner", "owner is required")
	}
	if d.cfg.Upstream.Repo == "" {
		d.addError(r, "upstream", "upstream.repo", "repo is required")
	}
	if d.cfg.Upstream.Tag == "" {
		d.addError(r, "upstream", "upstream.tag", "tag is required")
	}
	if d.cfg.Upstream.Token == "" {
		d.addWarning(r, "upstream", "upstream.token", "no GitHub token configured; rate limits apply to unauthenticated requests")
	}
}

func (d *Doctor) validateListeners(r *Result) {
	if d.cfg.Boot.Listen == "" {
		d.addError(r, "boot", "boot.listen", "boot.listen is required")
	}
	if d.cfg.Beacon.Listen == "" {
		d.addError(r, "beacon", "beacon.listen", "beacon.listen is required")
	}
}

func (d *Doctor) validateAdmin(r *Result) {
	if !d.cfg.Admin.Enabled {
		return
	}
	if d.cfg.Admin.Listen == "" {
		d.addError(r, "admin", "admin.listen", "admin.listen is required when admin is enabled")
	}
	if d.cfg.Admin.Token == "" {
		d.addError(r, "admin", "admin.token", "admin.token is required when admin is enabled")
	}
}

func (d *Doctor) validateSink(r *Result) {
	if d.cfg.Sink.MaxRetries < 0 {
		d.addError(r, "sink", "sink.max_retries", "max_retries must not be negative")
	}
	if d.cfg.Sink.Milestone == "" {
		d.addWarning(r, "sink", "sink.milestone", "no milestone configured; filed issues will be uncategorized")
	}
}

func (d *Doctor) validateRuntime(r *Result) {
	if d.cfg.Runtime.LockPath == "" {
		d.addError(r, "runtime", "runtime.lock_path", "lock_path is required")
	}
	if d.cfg.Runtime.JournalPath == "" {
		d.addError(r, "runtime", "runtime.journal_path", "journal_path is required")
	}
}

func (d *Doctor) validateCatalog(r *Result) {
	if d.cat == nil {
		d.addWarning(r, "catalog", "", "catalog not yet resolved; content-type and filter checks skipped")
		return
	}
	if d.cat.Len() == 0 {
		d.addError(r, "catalog", "", "resolved catalog is empty; nothing would be dispatched")
		return
	}
	for _, name := range d.cfg.Upstream.Filter {
		found := false
		for _, w := range d.cat.All() {
			if w.Name == name {
				found = true
				break
			}
		}
		if !found {
			d.addWarning(r, "catalog", "upstream.filter",
				fmt.Sprintf("filter names %q but no surviving catalog entry matches", name))
		}
	}
}

func (d *Doctor) warnDuplicateListeners(r *Result) {
	seen := map[string]string{}
	check := func(field, addr string) {
		if addr == "" {
			return
		}
		if other, ok := seen[addr]; ok {
			d.addWarning(r, "listeners", field,
				fmt.Sprintf("listen address %q is shared with %s", addr, other))
			return
		}
		seen[addr] = field
	}
	check("boot.listen", d.cfg.Boot.Listen)
	check("beacon.listen", d.cfg.Beacon.Listen)
	if d.cfg.Admin.Enabled {
		check("admin.listen", d.cfg.Admin.Listen)
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		if r.ConfigHash != "" {
			fmt.Fprintf(&b, "  config fingerprint: %s\n", r.ConfigHash)
		}
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	if r.ConfigHash != "" {
		fmt.Fprintf(&b, "  config fingerprint: %s\n", r.ConfigHash)
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the Result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
