package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope       = "reportrelay/sync"
	spanPass        = "sync.pass"
	metricSynced    = "reportrelay.sync.reports.synced"
	metricFailed    = "reportrelay.sync.reports.failed"
	metricPasses    = "reportrelay.sync.passes"
	metricWatchdog  = "reportrelay.sync.watchdog_resets"
	defaultInterval = 30 * time.Second
	defaultDebounce = 2 * time.Second
	defaultWatchdog = 60 * time.Second
)

var (
	// ErrPassInProgress is returned when a trigger arrives while a pass runs.
	ErrPassInProgress = errors.New("sync pass already in progress")

	// ErrDebounced is returned when a trigger arrives too soon after the
	// previous pass started.
	ErrDebounced = errors.New("sync trigger debounced")
)

// Source identifies what asked for a pass.
type Source int

const (
	SourceConnectivity Source = iota
	SourceInterval
	SourceManual
	SourceSubmit
)

func (s Source) String() string {
	switch s {
	case SourceConnectivity:
		return "connectivity"
	case SourceInterval:
		return "interval"
	case SourceManual:
		return "manual"
	case SourceSubmit:
		return "submit"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Foreground reports whether a user is waiting on the result.
func (s Source) Foreground() bool { return s == SourceManual }

// OutcomeKind summarises a pass.
type OutcomeKind int

const (
	Empty OutcomeKind = iota
	AllSucceeded
	AllFailed
	Partial
)

func (k OutcomeKind) String() string {
	switch k {
	case AllSucceeded:
		return "all_succeeded"
	case AllFailed:
		return "all_failed"
	case Partial:
		return "partial"
	default:
		return "empty"
	}
}

// Outcome aggregates the per-report results of one pass.
type Outcome struct {
	Succeeded int
	Failed    int
	Total     int
	Kind      OutcomeKind
	Source    Source
}

func newOutcome(succeeded, failed int, src Source) Outcome {
	o := Outcome{Succeeded: succeeded, Failed: failed, Total: succeeded + failed, Source: src}
	switch {
	case o.Total == 0:
		o.Kind = Empty
	case failed == 0:
		o.Kind = AllSucceeded
	case succeeded == 0:
		o.Kind = AllFailed
	default:
		o.Kind = Partial
	}
	return o
}

// Options configures a Scheduler. Zero durations select defaults.
type Options struct {
	Interval        time.Duration
	Debounce        time.Duration
	WatchdogTimeout time.Duration

	Sink      OutcomeSink
	Presenter Presenter
}

// passState is the scheduler's gate. Every field is guarded by mu.
type passState struct {
	mu         stdsync.Mutex
	inProgress bool
	generation uint64
	lastStart  time.Time
	watchdog   *time.Timer
}

// Scheduler decides when sync passes run and guarantees they never
// overlap. Create one with [NewScheduler] and start it with [Scheduler.Run].
type Scheduler struct {
	store    ReportStore
	uploader ReportUploader
	conn     Connectivity
	opts     Options
	log      *slog.Logger
	now      func() time.Time

	state  passState
	nudges chan Source

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer      trace.Tracer
	cntSynced   metric.Int64Counter
	cntFailed   metric.Int64Counter
	cntPasses   metric.Int64Counter
	cntWatchdog metric.Int64Counter
}

// NewScheduler creates a Scheduler. conn may be nil, in which case the
// scheduler behaves as if always connected.
func NewScheduler(store ReportStore, uploader ReportUploader, conn Connectivity, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.WatchdogTimeout <= 0 {
		opts.WatchdogTimeout = defaultWatchdog
	}

	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Scheduler{
		store:    store,
		uploader: uploader,
		conn:     conn,
		opts:     opts,
		log:      logger,
		now:      time.Now,
		nudges:   make(chan Source, 1),

		tracer:      tracer,
		cntSynced:   mustCounter(metricSynced, "Number of reports delivered to the backend"),
		cntFailed:   mustCounter(metricFailed, "Number of reports that exhausted their retries in a pass"),
		cntPasses:   mustCounter(metricPasses, "Number of sync passes started"),
		cntWatchdog: mustCounter(metricWatchdog, "Number of stuck passes released by the watchdog"),
	}
}

// Trigger runs a pass on the caller's goroutine and returns its outcome.
// It returns ErrPassInProgress or ErrDebounced when the gate refuses.
func (s *Scheduler) Trigger(ctx context.Context, src Source) (Outcome, error) {
	gen, err := s.begin()
	if err != nil {
		return Outcome{Source: src}, err
	}
	defer s.finish(gen)

	return s.pass(ctx, src)
}

// Nudge asks the running loop for a pass without blocking. Nudges that
// arrive while one is already queued are dropped.
func (s *Scheduler) Nudge(src Source) {
	select {
	case s.nudges <- src:
	default:
	}
}

// RunQueued runs a pass on the caller's goroutine if a nudge is waiting,
// for processes that do not host the Run loop. ran is false when nothing
// was queued.
func (s *Scheduler) RunQueued(ctx context.Context) (o Outcome, ran bool, err error) {
	select {
	case src := <-s.nudges:
		o, err = s.Trigger(ctx, src)
		return o, true, err
	default:
		return Outcome{}, false, nil
	}
}

// InProgress reports whether the gate is currently held.
func (s *Scheduler) InProgress() bool {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.inProgress
}

// Run drives automatic passes until ctx is cancelled: on every
// disconnected to connected transition, on every interval tick while
// connected, and on nudges.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.conn != nil {
		unsubscribe := s.conn.Subscribe(func(connected bool) {
			if connected {
				s.Nudge(SourceConnectivity)
			}
		})
		defer unsubscribe()
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	// Run an immediate first pass.
	if s.connected() {
		s.auto(ctx, SourceInterval)
	}

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sync scheduler shutting down")
			return ctx.Err()
		case <-ticker.C:
			if s.connected() {
				s.auto(ctx, SourceInterval)
			}
		case src := <-s.nudges:
			if src == SourceConnectivity || s.connected() {
				s.auto(ctx, src)
			}
		}
	}
}

func (s *Scheduler) connected() bool {
	return s.conn == nil || s.conn.IsConnected()
}

// auto runs an automatic pass. Gate refusals are silent.
func (s *Scheduler) auto(ctx context.Context, src Source) {
	_, err := s.Trigger(ctx, src)
	switch {
	case err == nil:
	case errors.Is(err, ErrPassInProgress), errors.Is(err, ErrDebounced):
		s.log.Debug("sync trigger skipped", "source", src, "reason", err)
	default:
		s.log.Error("sync pass failed", "source", src, "error", err)
	}
}

// begin takes the gate and arms the watchdog. It returns the generation
// of the new pass.
func (s *Scheduler) begin() (uint64, error) {
	st := &s.state
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.inProgress {
		return 0, ErrPassInProgress
	}
	now := s.now()
	if !st.lastStart.IsZero() && now.Sub(st.lastStart) < s.opts.Debounce {
		return 0, ErrDebounced
	}

	st.inProgress = true
	st.generation++
	st.lastStart = now
	gen := st.generation
	st.watchdog = time.AfterFunc(s.opts.WatchdogTimeout, func() { s.expire(gen) })
	return gen, nil
}

// finish releases the gate if it still belongs to generation gen. A pass
// that outlived its watchdog must not release a newer pass's gate.
func (s *Scheduler) finish(gen uint64) {
	st := &s.state
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.generation != gen {
		return
	}
	st.inProgress = false
	if st.watchdog != nil {
		st.watchdog.Stop()
		st.watchdog = nil
	}
}

func (s *Scheduler) expire(gen uint64) {
	st := &s.state
	st.mu.Lock()
	if st.generation != gen || !st.inProgress {
		st.mu.Unlock()
		return
	}
	st.inProgress = false
	st.watchdog = nil
	st.mu.Unlock()

	s.log.Warn("sync pass exceeded watchdog timeout, releasing gate",
		"generation", gen, "timeout", s.opts.WatchdogTimeout)
	s.cntWatchdog.Add(context.Background(), 1)
}

// pass processes every pending report oldest first, one at a time.
func (s *Scheduler) pass(ctx context.Context, src Source) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, spanPass, trace.WithAttributes(
		attribute.String("sync.source", src.String()),
	))
	defer span.End()
	s.cntPasses.Add(ctx, 1)

	pending, err := s.store.ListUnsynced(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "listing pending reports")
		return Outcome{Source: src}, fmt.Errorf("listing pending reports: %w", err)
	}
	if len(pending) == 0 {
		s.log.Debug("nothing to sync", "source", src)
		return newOutcome(0, 0, src), nil
	}

	s.log.Info("sync pass started", "source", src, "pending", len(pending))
	var succeeded, failed int
	for _, r := range pending {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.uploader.Upload(ctx, r); err != nil {
			failed++
			s.log.Error("report left unsynced", "report", r.LocalID, "error", err)
			continue
		}
		succeeded++
	}

	if succeeded > 0 {
		s.cntSynced.Add(ctx, int64(succeeded))
	}
	if failed > 0 {
		s.cntFailed.Add(ctx, int64(failed))
	}

	o := newOutcome(succeeded, failed, src)
	span.SetAttributes(
		attribute.Int("sync.succeeded", o.Succeeded),
		attribute.Int("sync.failed", o.Failed),
		attribute.String("sync.outcome", o.Kind.String()),
	)
	s.log.Info("sync pass finished", "source", src, "succeeded", succeeded, "failed", failed)

	if o.Total > 0 {
		if s.opts.Sink != nil {
			s.opts.Sink.PassCompleted(ctx, o)
		}
		if src.Foreground() && s.opts.Presenter != nil {
			s.opts.Presenter.Present(o)
		}
	}
	return o, nil
}
