package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/njoerd114/reportrelay/internal/backend"
	"github.com/njoerd114/reportrelay/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Mock Report Store -------------------------------------------------------

type mockStore struct {
	mu      sync.Mutex
	rows    map[string]*model.Report
	listErr error
}

func newMockStore(reports ...*model.Report) *mockStore {
	m := &mockStore{rows: make(map[string]*model.Report)}
	for _, r := range reports {
		cp := *r
		m.rows[r.LocalID] = &cp
	}
	return m
}

func (m *mockStore) ListUnsynced(context.Context) ([]*model.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*model.Report
	for _, r := range m.rows {
		if r.SyncState == model.Unsynced {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (m *mockStore) MarkSynced(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok || r.SyncState == model.Synced {
		return nil
	}
	if r.RemoteID == "" {
		r.RemoteID = r.LocalID
	}
	r.SyncState = model.Synced
	return nil
}

func (m *mockStore) ReassignID(_ context.Context, oldID, newID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[oldID]
	if !ok {
		return errors.New("not found")
	}
	delete(m.rows, oldID)
	r.LocalID = newID
	if r.RemoteID == "" {
		r.RemoteID = newID
	}
	m.rows[newID] = r
	return nil
}

func (m *mockStore) get(id string) *model.Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[id]; ok {
		cp := *r
		return &cp
	}
	return nil
}

// --- Mock Remote -------------------------------------------------------------

type mockRemote struct {
	mu       sync.Mutex
	records  []model.RemoteRecord
	tokens   []string
	failFor  map[string]int // zone → remaining failures (-1 = always)
	ids      map[string]string
	nextID   int
	attempts map[string]int
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		failFor:  make(map[string]int),
		ids:      make(map[string]string),
		attempts: make(map[string]int),
	}
}

func (m *mockRemote) InsertReport(_ context.Context, rec model.RemoteRecord, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[rec.Zone]++
	if n := m.failFor[rec.Zone]; n != 0 {
		if n > 0 {
			m.failFor[rec.Zone] = n - 1
		}
		return "", fmt.Errorf("network unreachable")
	}
	m.records = append(m.records, rec)
	m.tokens = append(m.tokens, token)
	if id, ok := m.ids[rec.Zone]; ok {
		return id, nil
	}
	m.nextID++
	return fmt.Sprintf("r-%d", m.nextID), nil
}

func (m *mockRemote) attemptsFor(zone string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[zone]
}

func (m *mockRemote) inserted() []model.RemoteRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.RemoteRecord(nil), m.records...)
}

// --- Mock Photo Uploader -----------------------------------------------------

type mockPhotos struct {
	mu    sync.Mutex
	fail  bool
	calls []string
}

func (m *mockPhotos) Upload(_ context.Context, uri, reportID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, uri)
	if m.fail {
		return "", false
	}
	return "https://cdn.example/" + reportID + "/1.jpg", true
}

func (m *mockPhotos) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// --- Mock Notifier / Sink / Presenter ----------------------------------------

type mockNotifier struct {
	mu   sync.Mutex
	sent []map[string]string
}

func (m *mockNotifier) Notify(_ context.Context, _, _ string, data map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, data)
}

type mockSink struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (m *mockSink) PassCompleted(_ context.Context, o Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
}

func (m *mockSink) all() []Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Outcome(nil), m.outcomes...)
}

type mockPresenter struct {
	mu    sync.Mutex
	shown []Outcome
}

func (m *mockPresenter) Present(o Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shown = append(m.shown, o)
}

// --- Mock Connectivity -------------------------------------------------------

type mockConn struct {
	mu        sync.Mutex
	connected bool
	subs      []func(bool)
}

func (m *mockConn) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockConn) Subscribe(fn func(bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
	return func() {}
}

func (m *mockConn) set(connected bool) {
	m.mu.Lock()
	changed := m.connected != connected
	m.connected = connected
	subs := append(([]func(bool))(nil), m.subs...)
	m.mu.Unlock()
	if changed {
		for _, fn := range subs {
			fn(connected)
		}
	}
}

func (m *mockConn) subscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs) > 0
}

// --- Blocking uploader -------------------------------------------------------

// gateUploader blocks every Upload until release is closed and records how
// many uploads ever ran at the same time.
type gateUploader struct {
	mu      sync.Mutex
	active  int
	peak    int
	calls   int
	started chan struct{}
	release chan struct{}
}

func newGateUploader() *gateUploader {
	return &gateUploader{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gateUploader) Upload(ctx context.Context, r *model.Report) (string, error) {
	g.mu.Lock()
	g.active++
	g.calls++
	if g.active > g.peak {
		g.peak = g.active
	}
	g.mu.Unlock()
	g.started <- struct{}{}

	select {
	case <-g.release:
	case <-ctx.Done():
	}

	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	return r.LocalID, ctx.Err()
}

func (g *gateUploader) stats() (calls, peak int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls, g.peak
}

// staticSession always returns the same session.
type staticSession struct{ s backend.Session }

func (s staticSession) Current(context.Context) (*backend.Session, bool) {
	cp := s.s
	return &cp, true
}

func pendingReport(id, zone string, createdAt int64) *model.Report {
	return &model.Report{
		LocalID:   id,
		Zone:      zone,
		Category:  model.CategoryRubble,
		Latitude:  31.5,
		Longitude: 34.45,
		CreatedAt: createdAt,
	}
}
