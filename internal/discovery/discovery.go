// Package discovery advertises the boot endpoint over mDNS (A10) so
// bare-metal clients on the same network segment can find it without a
// static configuration. Advertisement is informational only: a failure
// here never fails a dispatch run.
package discovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grandcat/zeroconf"

	"github.com/mattjoyce/dispatch/internal/log"
)

const serviceType = "_dispatch._tcp"
const domain = "local."

// Config describes the service instance to advertise.
type Config struct {
	Instance string // e.g. "dispatch-run-<pid>"
	Port     int
	Text     []string // free-form TXT records, e.g. run metadata
}

// Advertiser wraps the registered mDNS server so it can be shut down
// cleanly on exit.
type Advertiser struct {
	server *zeroconf.Server
	logger *slog.Logger
}

// Start registers the mDNS service and returns an Advertiser, or a non-nil
// error if registration failed. Callers should log and continue rather
// than treat this as fatal.
func Start(cfg Config) (*Advertiser, error) {
	logger := log.WithComponent("discovery")

	if cfg.Instance == "" {
		return nil, fmt.Errorf("discovery: instance name is empty")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("discovery: port must be positive, got %d", cfg.Port)
	}

	server, err := zeroconf.Register(cfg.Instance, serviceType, domain, cfg.Port, cfg.Text, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register: %w", err)
	}

	logger.Info("advertising boot endpoint over mDNS", "instance", cfg.Instance, "port", cfg.Port)
	return &Advertiser{server: server, logger: logger}, nil
}

// Shutdown withdraws the mDNS advertisement. Safe to call on a nil
// receiver.
func (a *Advertiser) Shutdown(ctx context.Context) {
	if a == nil || a.server == nil {
		return
	}
	a.logger.Info("withdrawing mDNS advertisement")
	a.server.Shutdown()
}
