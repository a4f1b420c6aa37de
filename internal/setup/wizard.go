package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/njoerd114/reportrelay/internal/backend"
	"github.com/njoerd114/reportrelay/internal/config"
	"github.com/njoerd114/reportrelay/internal/model"
)

// Wizard guides the user through first-run configuration and installation.
type Wizard struct {
	prompt  *Prompter
	logger  *slog.Logger
	w       io.Writer
	cfgPath string

	// ping checks the backend before the config is saved.
	ping func(ctx context.Context, url, anonKey string) error
	// install sets up the background service. Nil skips the offer.
	install func(ctx context.Context) error
}

// NewWizard creates a Wizard wired to the given I/O and logger that writes
// its config to cfgPath.
func NewWizard(r io.Reader, w io.Writer, cfgPath string, logger *slog.Logger) *Wizard {
	wiz := &Wizard{
		prompt:  NewPrompter(r, w),
		logger:  logger,
		w:       w,
		cfgPath: cfgPath,
		ping:    PingBackend,
	}
	wiz.install = wiz.installService
	return wiz
}

// Run executes the interactive setup wizard: backend connection, storage
// names, sync and photo policy, config file, then optional daemon install.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to ReportRelay Setup!\n")
	fmt.Fprintf(wiz.w, "Reports are saved on this device and uploaded whenever a connection is available.\n\n")

	if _, statErr := os.Stat(wiz.cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", wiz.cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return wiz.offerDaemonInstall(ctx)
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 1: backend connection.
	fmt.Fprintf(wiz.w, "Step 1/4: Backend Connection\n")

	backendURL := wiz.prompt.String("Backend URL", "")
	anonKey := wiz.prompt.Secret("Anon (public) API key")

	fmt.Fprintf(wiz.w, "  Contacting backend...")
	if err := wiz.ping(ctx, backendURL, anonKey); err != nil {
		// Field devices are often offline during setup; the daemon copes.
		fmt.Fprintf(wiz.w, " ✗\n")
		wiz.logger.Warn("backend unreachable during setup", "url", backendURL, "error", err)
		if !wiz.prompt.Confirm("Backend is not reachable right now. Save anyway?", true) {
			return fmt.Errorf("cannot reach backend: %w", err)
		}
	} else {
		fmt.Fprintf(wiz.w, " ✓\n")
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 2: storage names.
	fmt.Fprintf(wiz.w, "Step 2/4: Storage\n")
	table := wiz.prompt.String("Reports table", "reports")
	bucket := wiz.prompt.String("Photo bucket", "report-photos")
	fmt.Fprintf(wiz.w, "\n")

	// Step 3: sync cadence and photo policy.
	fmt.Fprintf(wiz.w, "Step 3/4: Sync & Policy\n")
	interval := wiz.prompt.Duration("How often to retry pending reports while online?", 30*time.Second, 5*time.Second, 10*time.Minute)

	cats := model.Categories()
	labels := make([]string, len(cats))
	for i, c := range cats {
		labels[i] = c.Label()
	}
	picked, err := wiz.prompt.MultiSelect("Categories that require a photo", labels)
	if err != nil {
		return fmt.Errorf("selecting photo policy: %w", err)
	}
	var photoRequired []string
	for _, i := range picked {
		photoRequired = append(photoRequired, string(cats[i]))
	}

	desktop := wiz.prompt.Confirm("Show desktop notifications when reports sync?", true)
	fmt.Fprintf(wiz.w, "\n")

	// Step 4: write config.
	fmt.Fprintf(wiz.w, "Step 4/4: Save Configuration\n")

	cfg := &config.Config{
		BackendURL:              backendURL,
		AnonKey:                 anonKey,
		ReportsTable:            table,
		PhotoBucket:             bucket,
		SyncInterval:            interval,
		PhotoRequiredCategories: photoRequired,
		Notifications:           config.NotificationConfig{Desktop: desktop},
	}
	if err := config.Write(wiz.cfgPath, cfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", wiz.cfgPath)

	return wiz.offerDaemonInstall(ctx)
}

// offerDaemonInstall asks the user whether to install as a background daemon.
func (wiz *Wizard) offerDaemonInstall(ctx context.Context) error {
	if wiz.install == nil {
		return nil
	}
	if !wiz.prompt.Confirm("Install as background daemon (starts on login)?", true) {
		fmt.Fprintf(wiz.w, "\n  Skipping daemon install.\n")
		fmt.Fprintf(wiz.w, "  You can run manually with: reportrelay daemon\n")
		fmt.Fprintf(wiz.w, "  Or install later with:     reportrelay setup\n\n")
		return nil
	}
	fmt.Fprintf(wiz.w, "\n")
	return wiz.install(ctx)
}

func (wiz *Wizard) installService(_ context.Context) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	svc := NewService(homeDir, wiz.cfgPath)

	fmt.Fprintf(wiz.w, "  Installing binary to %s...\n", BinaryInstallPath())
	if err := InstallBinary(); err != nil {
		return fmt.Errorf("installing binary: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Binary installed\n")

	if err := svc.Write(); err != nil {
		return fmt.Errorf("writing service file: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Service file written to %s\n", svc.UnitPath())

	if err := svc.Load(); err != nil {
		return fmt.Errorf("loading daemon: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Daemon loaded and running\n")

	fmt.Fprintf(wiz.w, "\nSetup complete! ReportRelay is syncing in the background.\n")
	fmt.Fprintf(wiz.w, "  Config:  %s\n", wiz.cfgPath)
	fmt.Fprintf(wiz.w, "  Logs:    %s\n", svc.LogDir())
	fmt.Fprintf(wiz.w, "  Status:  reportrelay status\n")
	fmt.Fprintf(wiz.w, "  Remove:  reportrelay uninstall\n\n")
	return nil
}

// PingBackend checks that url answers with the given key.
func PingBackend(ctx context.Context, url, anonKey string) error {
	client, err := backend.NewClient(backend.Options{BaseURL: url, AnonKey: anonKey})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return client.Ping(ctx)
}
