// ReportRelay keeps field hazard reports on the device until the backend is
// reachable, then uploads them with their photos.
//
// Usage:
//
//	reportrelay setup                        # interactive first-run wizard
//	reportrelay daemon [--config <path>]     # watch connectivity and sync
//	reportrelay sync-once [--config <path>]  # single foreground pass then exit
//	reportrelay submit --zone ... --category ... --lat ... --lng ...
//	reportrelay list [--pending]             # show queued and synced reports
//	reportrelay delete <id>                  # remove a report locally
//	reportrelay status                       # show daemon, config & queue state
//	reportrelay uninstall [--purge]          # stop daemon and remove files
//	reportrelay version                      # print version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/njoerd114/reportrelay/internal/backend"
	"github.com/njoerd114/reportrelay/internal/config"
	"github.com/njoerd114/reportrelay/internal/connectivity"
	"github.com/njoerd114/reportrelay/internal/notify"
	"github.com/njoerd114/reportrelay/internal/photo"
	"github.com/njoerd114/reportrelay/internal/store"
	syncp "github.com/njoerd114/reportrelay/internal/sync"
	"github.com/njoerd114/reportrelay/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	args := os.Args[2:]
	switch cmd := os.Args[1]; cmd {
	case "setup":
		return runSetup()
	case "daemon":
		return runDaemon(args)
	case "sync-once":
		return runSyncOnce(args)
	case "submit":
		return runSubmit(args)
	case "list":
		return runList(args)
	case "delete":
		return runDelete(args)
	case "status":
		return runStatus(args)
	case "uninstall":
		return runUninstall(args)
	case "version":
		fmt.Println("reportrelay", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q, run 'reportrelay' for usage", cmd)
	}
}

// printUsage shows help and suggests setup if no config exists.
func printUsage() error {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "ReportRelay: offline-first sync for field hazard reports")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  reportrelay setup                  Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  reportrelay daemon [--config ...]   Run as continuous daemon")
	fmt.Fprintln(os.Stderr, "  reportrelay sync-once [--config ..] Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  reportrelay submit [flags]          Queue a new report")
	fmt.Fprintln(os.Stderr, "  reportrelay list [--pending]        Show local reports")
	fmt.Fprintln(os.Stderr, "  reportrelay delete <id>             Remove a local report")
	fmt.Fprintln(os.Stderr, "  reportrelay status                  Show daemon, config & queue state")
	fmt.Fprintln(os.Stderr, "  reportrelay uninstall [--purge]     Stop daemon and remove files")
	fmt.Fprintln(os.Stderr, "  reportrelay version                 Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "No config file found. Run 'reportrelay setup' to get started.")
	}

	os.Exit(1)
	return nil // unreachable
}

// --- Runtime wiring ----------------------------------------------------------

// app holds everything a sync-capable command needs.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	store     *store.Store
	monitor   *connectivity.Monitor
	scheduler *syncp.Scheduler
	shutdown  func()
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// loadStore loads config and opens the report store. Used by commands
// that never touch the network.
func loadStore(ctx context.Context, cfgPath string, logger *slog.Logger) (*config.Config, *store.Store, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	dbPath := cfg.DBPath
	if dbPath == "" {
		var err error
		if dbPath, err = store.DefaultDBPath(); err != nil {
			return nil, fmt.Errorf("resolving report DB path: %w", err)
		}
	}
	st, err := store.Open(ctx, dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening report DB at %q: %w", dbPath, err)
	}
	logger.Debug("report DB opened", "path", dbPath)
	return st, nil
}

// newApp builds the full sync stack. presenter may be nil.
func newApp(ctx context.Context, cfgPath string, verbose bool, presenter syncp.Presenter) (*app, error) {
	logger := newLogger(verbose)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}

	// --- Telemetry (optional) ------------------------------------------------

	shutdown := func() {}
	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			Headers:        cfg.Telemetry.Headers,
			ServiceVersion: version,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger = slog.New(telemetry.NewTeeHandler(logger.Handler(), nil))
			slog.SetDefault(logger)
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			shutdown = func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}
		}
	}

	logger.Info("config loaded",
		"backend_url", cfg.BackendURL,
		"sync_interval", cfg.SyncInterval,
		"probe_url", cfg.ProbeURL,
	)

	// --- Report store --------------------------------------------------------

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		shutdown()
		return nil, err
	}

	// --- Backend -------------------------------------------------------------

	client, err := backend.NewClient(backend.Options{
		BaseURL:    cfg.BackendURL,
		AnonKey:    cfg.AnonKey,
		Table:      cfg.ReportsTable,
		Bucket:     cfg.PhotoBucket,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		_ = st.Close()
		shutdown()
		return nil, fmt.Errorf("initialising backend client: %w", err)
	}

	var session backend.SessionSource = backend.Anonymous{}
	if cfg.AccessToken != "" {
		session = backend.NewTokenSession(cfg.AccessToken)
	}
	if _, ok := session.Current(ctx); !ok && cfg.AccessToken != "" {
		logger.Warn("access token is expired or unreadable, uploading anonymously")
	}

	// --- Notifications -------------------------------------------------------

	notifiers := notify.Multi{notify.NewLog(logger)}
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktop(logger))
	}

	// --- Sync engine ---------------------------------------------------------

	photos := photo.NewUploader(client, photo.Options{
		MaxDimension: cfg.Photo.MaxDimension,
		JPEGQuality:  cfg.Photo.JPEGQuality,
	}, logger)

	uploader := syncp.NewUploader(st, client, photos, session, notifiers, logger)
	uploader.SendClientID = cfg.SendClientID

	monitor := connectivity.NewMonitor(connectivity.NewHTTPProber(cfg.ProbeURL), cfg.ProbeInterval, logger)
	scheduler := syncp.NewScheduler(st, uploader, monitor, syncp.Options{
		Interval:        cfg.SyncInterval,
		Debounce:        cfg.Debounce,
		WatchdogTimeout: cfg.WatchdogTimeout,
		Sink:            notify.NewSink(notifiers),
		Presenter:       presenter,
	}, logger)

	return &app{
		cfg:       cfg,
		log:       logger,
		store:     st,
		monitor:   monitor,
		scheduler: scheduler,
		shutdown:  shutdown,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("closing report DB", "error", err)
	}
	a.shutdown()
}
