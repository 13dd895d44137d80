package beacon

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mattjoyce/dispatch/internal/catalog"
	"github.com/mattjoyce/dispatch/internal/registry"
)

func buildRegistry(t *testing.T, names ...string) *registry.Registry {
	t.Helper()
	entries := make([]catalog.Entry, len(names))
	for i, n := range names {
		entries[i] = catalog.Entry{Name: n, Size: 10, SourceContentType: string(catalog.TypeEFI)}
	}
	cat, err := catalog.Build(entries, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return registry.New(cat)
}

func TestHandleBootThenReportHappyPath(t *testing.T) {
	reg := buildRegistry(t, "alpha")
	if err := reg.Assign(0, "10.0.0.1:1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := reg.BeginDownload(0, "10.0.0.1:1"); err != nil {
		t.Fatalf("BeginDownload: %v", err)
	}
	if err := reg.CompleteDownload(0, "10.0.0.1:1"); err != nil {
		t.Fatalf("CompleteDownload: %v", err)
	}

	srv := &Server{registry: reg, logger: noopLogger()}

	bootReq := httptest.NewRequest(http.MethodPost, "/boot", nil)
	bootReq.RemoteAddr = "10.0.0.1:1"
	bootRR := httptest.NewRecorder()
	srv.handleBoot(bootRR, bootReq)
	if bootRR.Code != http.StatusNoContent {
		t.Fatalf("boot status = %d, want 204", bootRR.Code)
	}

	reportReq := httptest.NewRequest(http.MethodPost, "/report", strings.NewReader("all tests passed"))
	reportReq.RemoteAddr = "10.0.0.1:1"
	reportRR := httptest.NewRecorder()
	srv.handleReport(reportRR, reportReq)
	if reportRR.Code != http.StatusNoContent {
		t.Fatalf("report status = %d, want 204", reportRR.Code)
	}

	snap := reg.Observe(0)
	if snap.State != registry.Reported {
		t.Fatalf("state = %s, want reported", snap.State)
	}
	if string(snap.Payload) != "all tests passed" {
		t.Fatalf("payload = %q", snap.Payload)
	}
}

func TestHandleBootUnknownClientIsForbidden(t *testing.T) {
	reg := buildRegistry(t, "alpha")
	srv := &Server{registry: reg, logger: noopLogger()}

	req := httptest.NewRequest(http.MethodPost, "/boot", nil)
	req.RemoteAddr = "10.0.0.9:1"
	rr := httptest.NewRecorder()
	srv.handleBoot(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
}

func TestHandleReportBeforeBootingIsRejected(t *testing.T) {
	reg := buildRegistry(t, "alpha")
	if err := reg.Assign(0, "10.0.0.1:1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	srv := &Server{registry: reg, logger: noopLogger()}

	req := httptest.NewRequest(http.MethodPost, "/report", strings.NewReader("too soon"))
	req.RemoteAddr = "10.0.0.1:1"
	rr := httptest.NewRecorder()
	srv.handleReport(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
}

func TestHandleReportDuplicateIsRejected(t *testing.T) {
	reg := buildRegistry(t, "alpha")
	if err := reg.Assign(0, "10.0.0.1:1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := reg.BeginDownload(0, "10.0.0.1:1"); err != nil {
		t.Fatalf("BeginDownload: %v", err)
	}
	if err := reg.CompleteDownload(0, "10.0.0.1:1"); err != nil {
		t.Fatalf("CompleteDownload: %v", err)
	}
	if _, err := reg.BeaconReport("10.0.0.1:1", []byte("first")); err != nil {
		t.Fatalf("first report: %v", err)
	}

	srv := &Server{registry: reg, logger: noopLogger()}
	req := httptest.NewRequest(http.MethodPost, "/report", strings.NewReader("second"))
	req.RemoteAddr = "10.0.0.1:1"
	rr := httptest.NewRecorder()
	srv.handleReport(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
}

func TestHandleBootIdempotentWhenAlreadyBooting(t *testing.T) {
	reg := buildRegistry(t, "alpha")
	if err := reg.Assign(0, "10.0.0.1:1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := reg.BeaconBoot("10.0.0.1:1"); err != nil {
		t.Fatalf("first boot: %v", err)
	}

	srv := &Server{registry: reg, logger: noopLogger()}
	req := httptest.NewRequest(http.MethodPost, "/boot", nil)
	req.RemoteAddr = "10.0.0.1:1"
	rr := httptest.NewRecorder()
	srv.handleBoot(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
}

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
