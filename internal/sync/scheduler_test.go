package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/njoerd114/reportrelay/internal/model"
	"github.com/njoerd114/reportrelay/internal/store"
)

func newTestScheduler(st ReportStore, up ReportUploader, conn Connectivity, opts Options) *Scheduler {
	if opts.Debounce == 0 {
		opts.Debounce = time.Nanosecond
	}
	return NewScheduler(st, up, conn, opts, discardLogger())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Reports are attempted oldest first.
func TestPass_ProcessesOldestFirst(t *testing.T) {
	st := newMockStore(
		pendingReport("b", "b", 100),
		pendingReport("a", "a", 50),
		pendingReport("c", "c", 200),
	)
	remote := newMockRemote()
	s := newTestScheduler(st, newTestUploader(st, remote, nil, nil, nil), nil, Options{})

	o, err := s.Trigger(context.Background(), SourceManual)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if o.Kind != AllSucceeded || o.Succeeded != 3 {
		t.Errorf("outcome = %+v, want 3 succeeded", o)
	}

	recs := remote.inserted()
	order := []string{recs[0].Zone, recs[1].Zone, recs[2].Zone}
	if order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("order = %v, want [a b c]", order)
	}
}

// One report fails every attempt, the other two succeed.
func TestPass_PartialOutcome(t *testing.T) {
	st := newMockStore(
		pendingReport("1", "ok-1", 1),
		pendingReport("2", "down", 2),
		pendingReport("3", "ok-2", 3),
	)
	remote := newMockRemote()
	remote.failFor["down"] = -1
	sink := &mockSink{}
	s := newTestScheduler(st, newTestUploader(st, remote, nil, nil, nil), nil, Options{Sink: sink})

	o, err := s.Trigger(context.Background(), SourceInterval)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	want := Outcome{Succeeded: 2, Failed: 1, Total: 3, Kind: Partial, Source: SourceInterval}
	if o != want {
		t.Errorf("outcome = %+v, want %+v", o, want)
	}
	if got := st.get("2"); got == nil || got.SyncState != model.Unsynced {
		t.Errorf("failed row = %+v, want unsynced", got)
	}
	if n := remote.attemptsFor("down"); n != 3 {
		t.Errorf("attempts for failing report = %d, want 3", n)
	}
	if outs := sink.all(); len(outs) != 1 || outs[0] != want {
		t.Errorf("sink events = %+v, want one %+v", outs, want)
	}
}

func TestPass_AllFailed(t *testing.T) {
	st := newMockStore(pendingReport("1", "down", 1))
	remote := newMockRemote()
	remote.failFor["down"] = -1
	s := newTestScheduler(st, newTestUploader(st, remote, nil, nil, nil), nil, Options{})

	o, err := s.Trigger(context.Background(), SourceInterval)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if o.Kind != AllFailed {
		t.Errorf("kind = %v, want all_failed", o.Kind)
	}
}

func TestPass_EmptyQueueEmitsNothing(t *testing.T) {
	sink := &mockSink{}
	presenter := &mockPresenter{}
	s := newTestScheduler(newMockStore(), newGateUploader(), nil, Options{Sink: sink, Presenter: presenter})

	o, err := s.Trigger(context.Background(), SourceManual)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if o.Kind != Empty || o.Total != 0 {
		t.Errorf("outcome = %+v, want empty", o)
	}
	if len(sink.all()) != 0 || len(presenter.shown) != 0 {
		t.Error("empty pass should not notify or present")
	}
}

func TestPass_ListError(t *testing.T) {
	st := newMockStore()
	st.listErr = errors.New("disk I/O error")
	s := newTestScheduler(st, newGateUploader(), nil, Options{})

	if _, err := s.Trigger(context.Background(), SourceManual); err == nil {
		t.Fatal("expected error, got nil")
	}
	if s.InProgress() {
		t.Error("gate still held after failed pass")
	}
}

func TestPass_PresenterOnlyForForeground(t *testing.T) {
	st := newMockStore(pendingReport("1", "z", 1), pendingReport("2", "y", 2))
	remote := newMockRemote()
	presenter := &mockPresenter{}
	s := newTestScheduler(st, newTestUploader(st, remote, nil, nil, nil), nil, Options{Presenter: presenter})

	if _, err := s.Trigger(context.Background(), SourceConnectivity); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if len(presenter.shown) != 0 {
		t.Fatal("background pass presented a summary")
	}

	st.rows["3"] = pendingReport("3", "x", 3)
	if _, err := s.Trigger(context.Background(), SourceManual); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if len(presenter.shown) != 1 || presenter.shown[0].Succeeded != 1 {
		t.Errorf("presented = %+v, want one summary with 1 succeeded", presenter.shown)
	}
}

// Triggers during a pass are no-ops and passes never overlap.
func TestTrigger_SingleFlight(t *testing.T) {
	st := newMockStore(pendingReport("1", "z", 1))
	up := newGateUploader()
	s := newTestScheduler(st, up, nil, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Trigger(context.Background(), SourceConnectivity)
		done <- err
	}()
	<-up.started

	for _, src := range []Source{SourceManual, SourceInterval} {
		if _, err := s.Trigger(context.Background(), src); !errors.Is(err, ErrPassInProgress) {
			t.Errorf("%s trigger during pass: err = %v, want ErrPassInProgress", src, err)
		}
	}

	close(up.release)
	if err := <-done; err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if s.InProgress() {
		t.Fatal("gate still held after pass finished")
	}

	if _, err := s.Trigger(context.Background(), SourceManual); err != nil {
		t.Fatalf("pass after release: %v", err)
	}
	calls, peak := up.stats()
	if calls != 2 || peak != 1 {
		t.Errorf("calls = %d peak = %d, want 2 calls never overlapping", calls, peak)
	}
}

func TestTrigger_Debounce(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := newTestScheduler(newMockStore(), newGateUploader(), nil, Options{Debounce: 2 * time.Second})
	s.now = func() time.Time { return now }

	if _, err := s.Trigger(context.Background(), SourceConnectivity); err != nil {
		t.Fatalf("first trigger: %v", err)
	}

	now = now.Add(1500 * time.Millisecond)
	if _, err := s.Trigger(context.Background(), SourceConnectivity); !errors.Is(err, ErrDebounced) {
		t.Fatalf("trigger inside window: err = %v, want ErrDebounced", err)
	}

	// The window is measured from the previous start, not the refused trigger.
	now = now.Add(600 * time.Millisecond)
	if _, err := s.Trigger(context.Background(), SourceConnectivity); err != nil {
		t.Fatalf("trigger after window: %v", err)
	}
}

func TestWatchdog_ReleasesStuckPass(t *testing.T) {
	st := newMockStore(pendingReport("1", "z", 1))
	up := newGateUploader()
	s := newTestScheduler(st, up, nil, Options{WatchdogTimeout: 20 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		_, _ = s.Trigger(context.Background(), SourceInterval)
		close(done)
	}()
	<-up.started

	waitFor(t, "watchdog to release the gate", func() bool { return !s.InProgress() })

	// A newer pass takes the gate while the stuck one is still running.
	gen, err := s.begin()
	if err != nil {
		t.Fatalf("begin after watchdog: %v", err)
	}
	s.state.mu.Lock()
	s.state.watchdog.Stop()
	s.state.mu.Unlock()

	close(up.release)
	<-done
	if !s.InProgress() {
		t.Fatal("stuck pass completion cleared the newer pass's gate")
	}

	s.finish(gen)
	if s.InProgress() {
		t.Error("gate still held after newer pass finished")
	}
}

func TestWatchdog_StoppedOnNormalCompletion(t *testing.T) {
	s := newTestScheduler(newMockStore(), newGateUploader(), nil, Options{WatchdogTimeout: 10 * time.Millisecond})
	if _, err := s.Trigger(context.Background(), SourceManual); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	s.state.mu.Lock()
	armed := s.state.watchdog != nil
	s.state.mu.Unlock()
	if armed {
		t.Error("watchdog still armed after pass completed")
	}
}

func TestRun_ConnectivityTransitionTriggersPass(t *testing.T) {
	st := newMockStore(pendingReport("local-1", "z", 1))
	remote := newMockRemote()
	conn := &mockConn{}
	s := newTestScheduler(st, newTestUploader(st, remote, nil, nil, nil), conn, Options{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	waitFor(t, "subscription", conn.subscribed)
	if n := remote.attemptsFor("z"); n != 0 {
		t.Fatalf("pass ran while offline (%d attempts)", n)
	}

	conn.set(true)
	waitFor(t, "report to sync", func() bool { return remote.attemptsFor("z") == 1 })

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestRun_IntervalSkippedWhileOffline(t *testing.T) {
	st := newMockStore(pendingReport("local-1", "z", 1))
	remote := newMockRemote()
	conn := &mockConn{}
	s := newTestScheduler(st, newTestUploader(st, remote, nil, nil, nil), conn, Options{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	if n := remote.attemptsFor("z"); n != 0 {
		t.Errorf("offline ticks produced %d attempts, want 0", n)
	}
}

func TestRun_NudgeWhileConnected(t *testing.T) {
	st := newMockStore()
	remote := newMockRemote()
	conn := &mockConn{connected: true}
	s := newTestScheduler(st, newTestUploader(st, remote, nil, nil, nil), conn, Options{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()
	waitFor(t, "subscription", conn.subscribed)

	st.mu.Lock()
	st.rows["new"] = pendingReport("new", "fresh", 10)
	st.mu.Unlock()
	s.Nudge(SourceSubmit)

	waitFor(t, "nudged pass", func() bool { return remote.attemptsFor("fresh") == 1 })
}

func TestRunQueued(t *testing.T) {
	st := newMockStore(pendingReport("local-1", "z", 1))
	remote := newMockRemote()
	s := newTestScheduler(st, newTestUploader(st, remote, nil, nil, nil), nil, Options{})
	ctx := context.Background()

	if _, ran, err := s.RunQueued(ctx); ran || err != nil {
		t.Fatalf("RunQueued without nudge: ran=%v err=%v", ran, err)
	}
	if n := remote.attemptsFor("z"); n != 0 {
		t.Fatalf("%d attempts without nudge, want 0", n)
	}

	s.Nudge(SourceSubmit)
	o, ran, err := s.RunQueued(ctx)
	if err != nil || !ran {
		t.Fatalf("RunQueued after nudge: ran=%v err=%v", ran, err)
	}
	if o.Source != SourceSubmit || o.Succeeded != 1 || o.Kind != AllSucceeded {
		t.Errorf("outcome = %+v, want one submit-sourced success", o)
	}

	if _, ran, _ := s.RunQueued(ctx); ran {
		t.Error("nudge consumed twice")
	}
}

func TestMockConn_SetNotifiesOnlyOnChange(t *testing.T) {
	conn := &mockConn{}
	var got []bool
	conn.Subscribe(func(c bool) { got = append(got, c) })

	conn.set(false)
	conn.set(true)
	conn.set(true)
	conn.set(false)

	if len(got) != 2 || !got[0] || got[1] {
		t.Errorf("callbacks = %v, want [true false]", got)
	}
}

func TestNewOutcome(t *testing.T) {
	tests := []struct {
		ok, failed int
		want       OutcomeKind
	}{
		{0, 0, Empty},
		{2, 0, AllSucceeded},
		{0, 2, AllFailed},
		{1, 1, Partial},
	}
	for _, tt := range tests {
		if got := newOutcome(tt.ok, tt.failed, SourceManual).Kind; got != tt.want {
			t.Errorf("newOutcome(%d, %d).Kind = %v, want %v", tt.ok, tt.failed, got, tt.want)
		}
	}
}

// --- End-to-end against the SQLite store -------------------------------------

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "reports.db"), discardLogger())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// A report queued offline syncs once connectivity returns and
// ends up keyed by its remote id.
func TestOfflineSubmitThenReconnect(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	localID, err := st.Insert(ctx, model.NewReport{
		Zone:      "Gaza City",
		Category:  model.CategoryRubble,
		Latitude:  31.5,
		Longitude: 34.45,
		PhotoPath: "file://x.jpg",
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	pending, err := st.ListUnsynced(ctx)
	if err != nil || len(pending) != 1 || pending[0].LocalID != localID {
		t.Fatalf("ListUnsynced = %v, %v; want exactly the new report", pending, err)
	}

	remote := newMockRemote()
	remote.ids["Gaza City"] = "r-123"
	photos := &mockPhotos{}
	conn := &mockConn{}
	s := newTestScheduler(st, newTestUploader(st, remote, photos, nil, nil), conn, Options{Interval: time.Hour})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = s.Run(runCtx) }()
	waitFor(t, "subscription", conn.subscribed)

	conn.set(true)
	waitFor(t, "row to be synced", func() bool {
		r, _ := st.Get(ctx, "r-123")
		return r != nil && r.IsSynced()
	})

	if old, _ := st.Get(ctx, localID); old != nil {
		t.Errorf("row still reachable under local id %s", localID)
	}
	if photos.callCount() != 1 {
		t.Errorf("photo uploads = %d, want 1", photos.callCount())
	}
	if recs := remote.inserted(); recs[0].PhotoURL == nil {
		t.Error("remote record missing photo_url")
	}
}

// Two reports queued 10ms apart both sync, older first.
func TestTwoQueuedReportsSyncOldestFirst(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)

	base := time.Now().UnixMilli()
	for i, zone := range []string{"first", "second"} {
		_, err := st.Insert(ctx, model.NewReport{
			Zone:      zone,
			Category:  model.CategoryHazard,
			Latitude:  1,
			Longitude: 2,
			CreatedAt: base + int64(i*10),
		})
		if err != nil {
			t.Fatalf("Insert %s: %v", zone, err)
		}
	}

	remote := newMockRemote()
	s := newTestScheduler(st, newTestUploader(st, remote, nil, nil, nil), nil, Options{})
	o, err := s.Trigger(ctx, SourceConnectivity)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if o.Kind != AllSucceeded || o.Total != 2 {
		t.Errorf("outcome = %+v, want 2 succeeded", o)
	}

	recs := remote.inserted()
	if recs[0].Zone != "first" || recs[1].Zone != "second" {
		t.Errorf("insert order = [%s %s], want [first second]", recs[0].Zone, recs[1].Zone)
	}
	pending, _ := st.ListUnsynced(ctx)
	if len(pending) != 0 {
		t.Errorf("%d reports still pending", len(pending))
	}
	// Every synced row carries a remote id.
	all, _ := st.ListAll(ctx)
	for _, r := range all {
		if r.IsSynced() && r.RemoteID == "" {
			t.Errorf("synced row %s has no remote id", r.LocalID)
		}
	}
}
