package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/njoerd114/reportrelay/internal/config"
	"github.com/njoerd114/reportrelay/internal/model"
	"github.com/njoerd114/reportrelay/internal/notify"
	"github.com/njoerd114/reportrelay/internal/setup"
	"github.com/njoerd114/reportrelay/internal/submit"
	syncp "github.com/njoerd114/reportrelay/internal/sync"
)

// --- setup -------------------------------------------------------------------

func runSetup() error {
	logger := newLogger(false)
	cfgPath, err := config.DefaultPath()
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}
	return setup.NewWizard(os.Stdin, os.Stdout, cfgPath, logger).Run(context.Background())
}

// --- daemon / sync-once ------------------------------------------------------

type commonFlags struct {
	configPath string
	verbose    bool
}

func parseCommon(name string, args []string) (*flag.FlagSet, *commonFlags, error) {
	defaultCfg, err := config.DefaultPath()
	if err != nil {
		return nil, nil, fmt.Errorf("resolving config path: %w", err)
	}
	cf := &commonFlags{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cf.configPath, "config", defaultCfg, "path to config file")
	fs.BoolVar(&cf.verbose, "verbose", false, "enable debug logging")
	return fs, cf, nil
}

func runDaemon(args []string) error {
	fs, cf, err := parseCommon("daemon", args)
	if err != nil {
		return err
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cf.configPath, cf.verbose, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	a.log.Info("starting daemon", "version", version)
	go a.monitor.Run(ctx)
	if err := a.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync scheduler: %w", err)
	}
	a.log.Info("daemon stopped")
	return nil
}

// stdoutPresenter prints the pass summary for a user at the terminal.
type stdoutPresenter struct{ w io.Writer }

func (p stdoutPresenter) Present(o syncp.Outcome) {
	title, body := notify.Summary(o)
	fmt.Fprintf(p.w, "%s: %s\n", title, body)
}

func runSyncOnce(args []string) error {
	fs, cf, err := parseCommon("sync-once", args)
	if err != nil {
		return err
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cf.configPath, cf.verbose, stdoutPresenter{w: os.Stdout})
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.monitor.Check(ctx) {
		fmt.Println("Backend unreachable, reports stay queued.")
		return nil
	}
	o, err := a.scheduler.Trigger(ctx, syncp.SourceManual)
	if err != nil {
		return fmt.Errorf("sync pass: %w", err)
	}
	if o.Kind == syncp.Empty {
		stdoutPresenter{w: os.Stdout}.Present(o)
	}
	return nil
}

// --- submit ------------------------------------------------------------------

func runSubmit(args []string) error {
	fs, cf, err := parseCommon("submit", args)
	if err != nil {
		return err
	}
	var (
		sub     submit.Submission
		syncNow bool
	)
	fs.StringVar(&sub.Zone, "zone", "", "zone or area name (required)")
	fs.StringVar(&sub.Category, "category", "", "rubble, hazard or blocked_road (required)")
	fs.StringVar(&sub.Subcategory, "subcategory", "", "optional subcategory")
	fs.Float64Var(&sub.Latitude, "lat", 0, "latitude in degrees")
	fs.Float64Var(&sub.Longitude, "lng", 0, "longitude in degrees")
	fs.StringVar(&sub.PhotoPath, "photo", "", "path to a photo")
	fs.StringVar(&sub.Description, "description", "", "free-text description")
	fs.StringVar(&sub.OwnerID, "owner", "", "submitting user id")
	fs.BoolVar(&syncNow, "sync", false, "try to upload immediately after queueing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !syncNow {
		logger := newLogger(cf.verbose)
		cfg, st, err := loadStore(ctx, cf.configPath, logger)
		if err != nil {
			return err
		}
		defer st.Close()
		return queueReport(ctx, submit.NewSubmitter(st, cfg.PhotoRequired(), logger), sub)
	}

	a, err := newApp(ctx, cf.configPath, cf.verbose, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	submitter := submit.NewSubmitter(a.store, a.cfg.PhotoRequired(), a.log)
	submitter.OnSubmitted(func() { a.scheduler.Nudge(syncp.SourceSubmit) })
	if err := queueReport(ctx, submitter, sub); err != nil {
		return err
	}
	if !a.monitor.Check(ctx) {
		fmt.Println("Offline: the report will upload when the connection returns.")
		return nil
	}
	o, ran, err := a.scheduler.RunQueued(ctx)
	if err != nil {
		return fmt.Errorf("sync pass: %w", err)
	}
	if ran {
		stdoutPresenter{w: os.Stdout}.Present(o)
	}
	return nil
}

func queueReport(ctx context.Context, s *submit.Submitter, sub submit.Submission) error {
	id, err := s.Submit(ctx, sub)
	var verr *submit.ValidationError
	if errors.As(err, &verr) {
		fmt.Fprintln(os.Stderr, "Report rejected:")
		for _, p := range verr.Problems {
			fmt.Fprintf(os.Stderr, "  %-12s %s\n", p.Field, p.Reason)
		}
		return errors.New("report not saved")
	}
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

// --- list / delete -----------------------------------------------------------

func runList(args []string) error {
	fs, cf, err := parseCommon("list", args)
	if err != nil {
		return err
	}
	pending := fs.Bool("pending", false, "only show reports that are not yet synced")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	_, st, err := loadStore(ctx, cf.configPath, newLogger(cf.verbose))
	if err != nil {
		return err
	}
	defer st.Close()

	var reports []*model.Report
	if *pending {
		reports, err = st.ListUnsynced(ctx)
	} else {
		reports, err = st.ListAll(ctx)
	}
	if err != nil {
		return fmt.Errorf("listing reports: %w", err)
	}
	if len(reports) == 0 {
		fmt.Println("No reports.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tCATEGORY\tZONE\tCREATED\tPHOTO")
	for _, r := range reports {
		hasPhoto := "-"
		if r.PhotoPath != "" {
			hasPhoto = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.LocalID, r.SyncState, r.Category.Label(), r.Zone,
			r.Created().Local().Format(time.DateTime), hasPhoto)
	}
	return tw.Flush()
}

func runDelete(args []string) error {
	fs, cf, err := parseCommon("delete", args)
	if err != nil {
		return err
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: reportrelay delete <id>")
	}

	ctx := context.Background()
	_, st, err := loadStore(ctx, cf.configPath, newLogger(cf.verbose))
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Delete(ctx, fs.Arg(0)); err != nil {
		return fmt.Errorf("deleting report: %w", err)
	}
	fmt.Println("Deleted", fs.Arg(0))
	return nil
}

// --- status ------------------------------------------------------------------

func runStatus(args []string) error {
	fs, cf, err := parseCommon("status", args)
	if err != nil {
		return err
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	svc := setup.NewService(homeDir, cf.configPath)

	fmt.Fprintf(os.Stdout, "ReportRelay %s\n\n", version)

	// Config
	if _, err := os.Stat(cf.configPath); err != nil {
		fmt.Printf("  Config:  %s (not found, run 'reportrelay setup')\n", cf.configPath)
	} else {
		fmt.Printf("  Config:  %s\n", cf.configPath)
	}

	// Daemon
	if _, err := os.Stat(svc.UnitPath()); err != nil {
		fmt.Printf("  Daemon:  not installed\n")
	} else if svc.IsLoaded() {
		fmt.Printf("  Daemon:  running (%s)\n", svc.UnitPath())
	} else {
		fmt.Printf("  Daemon:  installed but not running (%s)\n", svc.UnitPath())
	}

	// Queue
	cfg, err := config.Load(cf.configPath)
	if err != nil {
		fmt.Printf("  Queue:   unavailable (%v)\n", err)
	} else {
		ctx := context.Background()
		st, err := openStore(ctx, cfg, newLogger(cf.verbose))
		if err != nil {
			fmt.Printf("  Queue:   unavailable (%v)\n", err)
		} else {
			defer st.Close()
			total, pending, err := st.Counts(ctx)
			if err != nil {
				fmt.Printf("  Queue:   unavailable (%v)\n", err)
			} else {
				fmt.Printf("  Queue:   %d pending of %d report(s)\n", pending, total)
			}
		}
		fmt.Printf("  Backend: %s\n", cfg.BackendURL)
	}

	// Logs
	fmt.Printf("  Logs:    %s\n", svc.LogDir())
	return nil
}

// --- uninstall ---------------------------------------------------------------

func runUninstall(args []string) error {
	fs := flag.NewFlagSet("uninstall", flag.ContinueOnError)
	purge := fs.Bool("purge", false, "also remove config, report DB and logs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	cfgPath, err := config.DefaultPath()
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}
	svc := setup.NewService(homeDir, cfgPath)

	fmt.Println("Uninstalling ReportRelay...")

	if err := svc.Unload(); err != nil {
		fmt.Printf("  ⚠ Could not stop daemon: %v\n", err)
	} else {
		fmt.Println("  ✓ Daemon stopped")
	}

	if err := svc.Remove(); err != nil {
		fmt.Printf("  ⚠ Could not remove service file: %v\n", err)
	} else {
		fmt.Println("  ✓ Service file removed")
	}

	if err := setup.RemoveBinary(); err != nil {
		fmt.Printf("  ⚠ Could not remove binary: %v\n", err)
	} else {
		fmt.Println("  ✓ Binary removed")
	}

	if *purge {
		if err := svc.PurgeUserData(); err != nil {
			fmt.Printf("  ⚠ Could not remove user data: %v\n", err)
		} else {
			fmt.Println("  ✓ Config, report DB and logs removed")
		}
	} else {
		fmt.Println("\n  Config and queued reports kept. Use --purge to remove them.")
	}

	fmt.Println("\nDone.")
	return nil
}
