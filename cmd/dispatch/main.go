package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/go-github/v63/github"
	"golang.org/x/oauth2"

	"github.com/mattjoyce/dispatch/internal/adminapi"
	"github.com/mattjoyce/dispatch/internal/beacon"
	"github.com/mattjoyce/dispatch/internal/bootapi"
	"github.com/mattjoyce/dispatch/internal/catalog"
	"github.com/mattjoyce/dispatch/internal/config"
	"github.com/mattjoyce/dispatch/internal/discovery"
	"github.com/mattjoyce/dispatch/internal/doctor"
	"github.com/mattjoyce/dispatch/internal/events"
	"github.com/mattjoyce/dispatch/internal/githubrelease"
	"github.com/mattjoyce/dispatch/internal/inspect"
	"github.com/mattjoyce/dispatch/internal/journal"
	"github.com/mattjoyce/dispatch/internal/lock"
	"github.com/mattjoyce/dispatch/internal/log"
	"github.com/mattjoyce/dispatch/internal/queue"
	"github.com/mattjoyce/dispatch/internal/registry"
	"github.com/mattjoyce/dispatch/internal/sink"
	"github.com/mattjoyce/dispatch/internal/watch"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		os.Exit(runRun(args))
	case "doctor":
		os.Exit(runDoctor(args))
	case "inspect":
		os.Exit(runInspect(args))
	case "watch":
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("dispatch version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`dispatch - bare-metal test orchestration over HTTP boot

Usage:
  dispatch <command> [flags]

Commands:
  run       Resolve a release's assets and dispatch them to boot clients
  doctor    Validate configuration and the resolved catalog without running
  inspect   Print a workload's recorded transition history
  watch     Live terminal dashboard over the Admin API
  version   Show version information
  help      Show this help message

Use 'dispatch <command> --help' for command-specific flags.
`)
}

// commonFlags binds the flags shared by run/doctor: config file overlay
// plus every CLI override Merge understands. The three returned strings
// carry pending tri-state/slice values that resolveFlags converts onto f
// after fs.Parse has run.
func commonFlags(fs *flag.FlagSet) (configPath *string, f *config.Flags, filter, adminEnabled, discoverOn *string) {
	configPath = fs.String("config", "", "Path to YAML configuration file")

	f = &config.Flags{}
	fs.StringVar(&f.Owner, "owner", "", "GitHub release owner")
	fs.StringVar(&f.Repo, "repo", "", "GitHub release repo")
	fs.StringVar(&f.Tag, "tag", "", "GitHub release tag")
	filter = fs.String("filter", "", "Comma-separated list of asset names to dispatch (default: all recognized)")
	fs.StringVar(&f.GitHubToken, "token", "", "GitHub API token (default: DISPATCH_GITHUB_TOKEN env, then gh auth token)")
	fs.StringVar(&f.BootListen, "boot-listen", "", "Boot endpoint listen address")
	fs.StringVar(&f.BeaconListen, "beacon-listen", "", "Beacon endpoint listen address")
	fs.StringVar(&f.AdminListen, "admin-listen", "", "Admin API listen address")
	adminEnabled = fs.String("admin-enabled", "", "Override admin API enablement (true|false)")
	fs.StringVar(&f.AdminToken, "admin-token", "", "Admin API bearer token (default: DISPATCH_ADMIN_TOKEN env)")
	fs.StringVar(&f.Milestone, "milestone", "", "GitHub milestone title to file results under")
	fs.IntVar(&f.MaxRetries, "max-retries", 0, "Result Sink max filing attempts")
	fs.StringVar(&f.LockPath, "lock-path", "", "Single-instance PID lock path")
	fs.StringVar(&f.JournalPath, "journal-path", "", "Transition Journal SQLite path")
	discoverOn = fs.String("discover", "", "Override mDNS advertisement (true|false)")
	fs.StringVar(&f.DiscoverName, "discover-name", "", "mDNS instance name")
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")

	return configPath, f, filter, adminEnabled, discoverOn
}

func resolveFlags(f *config.Flags, filter, adminEnabled, discoverOn *string) {
	if *filter != "" {
		f.Filter = strings.Split(*filter, ",")
		for i := range f.Filter {
			f.Filter[i] = strings.TrimSpace(f.Filter[i])
		}
	}
	if b, ok := parseTriState(*adminEnabled); ok {
		f.AdminEnabled = &b
	}
	if b, ok := parseTriState(*discoverOn); ok {
		f.DiscoverOn = &b
	}
}

func parseTriState(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	default:
		return false, false
	}
}

func loadEffectiveConfig(configPath string, f *config.Flags) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg = config.Merge(cfg, *f)
	if cfg.Upstream.Token == "" {
		cfg.Upstream.Token = githubrelease.ResolveToken(f.GitHubToken, os.Getenv, githubrelease.GHAuthToken)
	}
	if cfg.Admin.Token == "" {
		cfg.Admin.Token = os.Getenv("DISPATCH_ADMIN_TOKEN")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath, f, filter, adminEnabled, discoverOn := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "flag error: %v\n", err)
		return 1
	}
	resolveFlags(f, filter, adminEnabled, discoverOn)

	cfg, err := loadEffectiveConfig(*configPath, f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	log.Setup(cfg.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("dispatch starting", "version", version, "owner", cfg.Upstream.Owner, "repo", cfg.Upstream.Repo, "tag", cfg.Upstream.Tag, "config_hash", cfg.SourceHash)

	pidLock, err := lock.Acquire(cfg.Runtime.LockPath)
	if err != nil {
		logger.Error("failed to acquire single-instance lock (another run may be active)", "path", cfg.Runtime.LockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired single-instance lock", "path", cfg.Runtime.LockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	releaseClient := githubrelease.New(githubrelease.Config{
		Owner:  cfg.Upstream.Owner,
		Repo:   cfg.Upstream.Repo,
		Tag:    cfg.Upstream.Tag,
		Token:  cfg.Upstream.Token,
		Filter: cfg.Upstream.Filter,
	})

	entries, err := releaseClient.ListAssets(ctx)
	if err != nil {
		logger.Error("failed to list release assets", "error", err)
		return 1
	}

	cat, err := catalog.Build(entries, cfg.Upstream.Filter)
	if err != nil {
		logger.Error("failed to build catalog", "error", err)
		return 1
	}
	logger.Info("catalog resolved", "workloads", cat.Len())

	reg := registry.New(cat)

	j, err := journal.Open(ctx, cfg.Runtime.JournalPath)
	if err != nil {
		logger.Error("failed to open transition journal", "path", cfg.Runtime.JournalPath, "error", err)
		return 1
	}
	defer j.Close()
	j.Attach(reg)

	hub := events.NewHub(256)
	hub.Attach(reg)

	ghClient := buildGitHubClient(cfg.Upstream.Token)
	filer := sink.NewGitHubFiler(ghClient, cfg.Upstream.Owner, cfg.Upstream.Repo)
	resultSink := sink.New(sink.Config{
		Milestone:  cfg.Sink.Milestone,
		MaxRetries: cfg.Sink.MaxRetries,
	}, filer, reg, reg)

	q := queue.New(reg, cat)

	errCh := make(chan error, 8)

	go func() {
		if err := resultSink.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("sink: %w", err)
		}
	}()

	boot := bootapi.New(bootapi.Config{Listen: cfg.Boot.Listen}, q, reg)
	go func() {
		if err := boot.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("bootapi: %w", err)
		}
	}()

	beaconServer := beacon.New(beacon.Config{Listen: cfg.Beacon.Listen}, reg)
	go func() {
		if err := beaconServer.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("beacon: %w", err)
		}
	}()

	if cfg.Admin.Enabled {
		admin := adminapi.New(adminapi.Config{Listen: cfg.Admin.Listen, Token: cfg.Admin.Token}, reg, hub)
		go func() {
			if err := admin.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("adminapi: %w", err)
			}
		}()
		logger.Info("admin API enabled", "listen", cfg.Admin.Listen)
	}

	var advertiser *discovery.Advertiser
	if cfg.Discover.Enabled {
		port, perr := bootPort(cfg.Boot.Listen)
		if perr != nil {
			logger.Warn("mDNS advertisement skipped, could not resolve boot port", "error", perr)
		} else {
			advertiser, err = discovery.Start(discovery.Config{
				Instance: fmt.Sprintf("%s-%d", cfg.Discover.Instance, os.Getpid()),
				Port:     port,
			})
			if err != nil {
				logger.Warn("mDNS advertisement failed to start", "error", err)
			}
		}
	}
	defer advertiser.Shutdown(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("dispatch running (press Ctrl+C to stop)")

	exitCode := waitForCompletion(ctx, cancel, reg, cfg.Runtime.DrainTime, sigCh, errCh, logger)

	logger.Info("dispatch stopped", "exit_code", exitCode)
	return exitCode
}

// waitForCompletion blocks until every workload reaches a terminal state,
// a fatal component error arrives, or a shutdown signal is received. Only
// in the all-terminal case does it wait DrainTime before cancelling and
// returning; a signal or component error returns at once.
func waitForCompletion(ctx context.Context, cancel context.CancelFunc, reg *registry.Registry, drain time.Duration, sigCh chan os.Signal, errCh chan error, logger interface {
	Info(string, ...any)
	Error(string, ...any)
}) int {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
			return 1
		case err := <-errCh:
			logger.Error("component failed", "error", err)
			cancel()
			return 1
		case <-ticker.C:
			if reg.AllTerminal() {
				logger.Info("all workloads terminal, draining result sink", "drain", drain)
				time.Sleep(drain)
				cancel()
				return exitCodeForFailures(reg)
			}
		}
	}
}

func exitCodeForFailures(reg *registry.Registry) int {
	for _, snap := range reg.Snapshot() {
		if snap.State == registry.Failed {
			return 1
		}
	}
	return 0
}

// bootPort extracts the numeric port from a "host:port" listen address for
// the mDNS advertisement.
func bootPort(listen string) (int, error) {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, fmt.Errorf("split listen address %q: %w", listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("parse port from %q: %w", listen, err)
	}
	return port, nil
}

// buildGitHubClient builds the *github.Client the Result Sink files issues
// through. Separate from githubrelease.Client's internal client since the
// Sink talks to the Issues API, not release assets.
func buildGitHubClient(token string) *github.Client {
	if token == "" {
		return github.NewClient(http.DefaultClient)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(context.Background(), ts))
}

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath, f, filter, adminEnabled, discoverOn := commonFlags(fs)
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "flag error: %v\n", err)
		return 1
	}
	resolveFlags(f, filter, adminEnabled, discoverOn)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	cfg = config.Merge(cfg, *f)
	if cfg.Upstream.Token == "" {
		cfg.Upstream.Token = githubrelease.ResolveToken(f.GitHubToken, os.Getenv, githubrelease.GHAuthToken)
	}

	var cat *catalog.Catalog
	if cfg.Upstream.Owner != "" && cfg.Upstream.Repo != "" && cfg.Upstream.Tag != "" {
		client := githubrelease.New(githubrelease.Config{
			Owner:  cfg.Upstream.Owner,
			Repo:   cfg.Upstream.Repo,
			Tag:    cfg.Upstream.Tag,
			Token:  cfg.Upstream.Token,
			Filter: cfg.Upstream.Filter,
		})
		entries, err := client.ListAssets(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not resolve release to validate catalog: %v\n", err)
		} else if built, err := catalog.Build(entries, cfg.Upstream.Filter); err == nil {
			cat = built
		} else if errors.Is(err, catalog.ErrEmpty) {
			cat = &catalog.Catalog{}
		}
	}

	doc := doctor.New(cfg, cat)
	result := doc.Validate()

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func runInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to YAML configuration file")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")

	var name string
	var remaining []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && name == "" {
			name = arg
			continue
		}
		remaining = append(remaining, arg)
	}
	if err := fs.Parse(remaining); err != nil {
		fmt.Fprintf(os.Stderr, "flag error: %v\n", err)
		return 1
	}
	if name == "" {
		fmt.Fprintf(os.Stderr, "Usage: dispatch inspect <workload-name> [--config PATH] [--json]\n")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	j, err := journal.Open(context.Background(), cfg.Runtime.JournalPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open journal: %v\n", err)
		return 1
	}
	defer j.Close()

	var report string
	if *jsonOut {
		report, err = inspect.BuildJSONReport(context.Background(), j, name)
	} else {
		report, err = inspect.BuildReport(context.Background(), j, name)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "inspect failed: %v\n", err)
		return 1
	}

	fmt.Print(report)
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8082", "Admin API base URL")
	token := fs.String("token", "", "Admin API bearer token (default: DISPATCH_ADMIN_TOKEN env)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "flag error: %v\n", err)
		return 1
	}

	t := *token
	if t == "" {
		t = os.Getenv("DISPATCH_ADMIN_TOKEN")
	}

	if err := watch.Run(*apiURL, t); err != nil {
		fmt.Fprintf(os.Stderr, "watch failed: %v\n", err)
		return 1
	}
	return 0
}
