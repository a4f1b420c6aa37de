// Package store manages the SQLite database that holds submitted reports and
// their sync state. It is the durable pending queue of the sync engine.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/sync/singleflight"

	"github.com/njoerd114/reportrelay/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS reports (
    local_id    TEXT    PRIMARY KEY,
    remote_id   TEXT,
    zone        TEXT    NOT NULL,
    category    TEXT    NOT NULL,
    subcategory TEXT,
    latitude    REAL    NOT NULL,
    longitude   REAL    NOT NULL,
    photo_path  TEXT,
    description TEXT,
    created_at  INTEGER NOT NULL,
    sync_state  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_reports_pending ON reports (sync_state, created_at);
`

// additiveColumns are columns introduced after the first release. They are
// added with ALTER TABLE on open; databases where that failed keep working
// through the legacy insert path.
var additiveColumns = []struct{ name, ddl string }{
	{"owner_id", "ALTER TABLE reports ADD COLUMN owner_id TEXT"},
}

// ErrNotFound is returned by operations that require an existing row.
var ErrNotFound = errors.New("report not found")

// ErrClosed is returned after [Store.Close] has been called.
var ErrClosed = errors.New("store closed")

// writeResult tags the outcome of a single write attempt so callers branch
// on the kind of failure instead of inspecting error text.
type writeResult int

const (
	writeOK writeResult = iota
	writeColumnMissing
	writeFailed
)

// Store is the SQLite-backed report repository. The database is opened
// lazily on first use; concurrent first callers share one initialisation.
type Store struct {
	path string
	log  *slog.Logger
	now  func() time.Time

	initGroup singleflight.Group

	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// DefaultDBPath returns the default path for the reports database:
// ~/.local/share/reportrelay/reports.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "reportrelay", "reports.db"), nil
}

// New returns a Store for the database at path without opening it. The
// first method call opens the file, applies the schema and runs migrations.
func New(path string, logger *slog.Logger) *Store {
	return &Store{path: path, log: logger, now: time.Now}
}

// Open creates a Store and waits for the database to be ready.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	s := New(path, logger)
	if _, err := s.conn(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database connection. Later calls return
// [ErrClosed].
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// conn returns the open database, initialising it if needed. Only one
// initialisation runs at a time; late callers wait for its result. A failed
// initialisation is not cached, so the next caller tries again.
func (s *Store) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.RLock()
	db, closed := s.db, s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if db != nil {
		return db, nil
	}

	ch := s.initGroup.DoChan("open", func() (any, error) {
		s.mu.RLock()
		existing := s.db
		s.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		opened, err := openDB(s.path, s.log)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			_ = opened.Close()
			return nil, ErrClosed
		}
		s.db = opened
		return opened, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for store initialisation: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*sql.DB), nil
	}
}

// openDB opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode so readers are not blocked by the sync writer.
func openDB(path string, logger *slog.Logger) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	migrate(db, logger)

	return db, nil
}

// migrate adds columns introduced by later releases. Failures are logged,
// not returned: writes fall back to the legacy column list.
func migrate(db *sql.DB, logger *slog.Logger) {
	cols, err := tableColumns(context.Background(), db)
	if err != nil {
		logger.Warn("reading reports schema", "error", err)
		return
	}
	for _, c := range additiveColumns {
		if cols[c.name] {
			continue
		}
		if _, err := db.Exec(c.ddl); err != nil {
			logger.Warn("additive migration failed, using legacy writes", "column", c.name, "error", err)
			continue
		}
		logger.Info("migrated reports table", "added_column", c.name)
	}
}

// tableColumns returns the set of column names of the reports table.
func tableColumns(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `PRAGMA table_info(reports)`)
	if err != nil {
		return nil, fmt.Errorf("reading table info: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scanning table info: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// classify maps a write/query error onto a [writeResult]. A generic
// SQLITE_ERROR counts as a missing column only when the schema confirms
// that owner_id is absent.
func classify(ctx context.Context, db *sql.DB, err error) writeResult {
	if err == nil {
		return writeOK
	}
	var sqErr sqlite3.Error
	if !errors.As(err, &sqErr) || sqErr.Code != sqlite3.ErrError {
		return writeFailed
	}
	cols, colErr := tableColumns(ctx, db)
	if colErr != nil || cols["owner_id"] {
		return writeFailed
	}
	return writeColumnMissing
}

// Insert assigns a fresh local identifier to r, stores it as unsynced, and
// returns the identifier.
func (s *Store) Insert(ctx context.Context, r model.NewReport) (string, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	if r.CreatedAt == 0 {
		r.CreatedAt = s.now().UnixMilli()
	}

	const full = `
		INSERT INTO reports
		    (local_id, zone, category, subcategory, latitude, longitude,
		     photo_path, description, created_at, sync_state, owner_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`
	_, err = db.ExecContext(ctx, full,
		id, r.Zone, string(r.Category), nullable(r.Subcategory), r.Latitude, r.Longitude,
		nullable(r.PhotoPath), nullable(r.Description), r.CreatedAt, nullable(r.OwnerID),
	)

	switch classify(ctx, db, err) {
	case writeOK:
		return id, nil
	case writeColumnMissing:
		s.log.Warn("reports table lacks owner_id, using legacy insert", "local_id", id)
		const legacy = `
			INSERT INTO reports
			    (local_id, zone, category, subcategory, latitude, longitude,
			     photo_path, description, created_at, sync_state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`
		_, err = db.ExecContext(ctx, legacy,
			id, r.Zone, string(r.Category), nullable(r.Subcategory), r.Latitude, r.Longitude,
			nullable(r.PhotoPath), nullable(r.Description), r.CreatedAt,
		)
		if err != nil {
			return "", fmt.Errorf("inserting report (legacy columns): %w", err)
		}
		return id, nil
	default:
		return "", fmt.Errorf("inserting report: %w", err)
	}
}

// ListAll returns every report, newest first.
func (s *Store) ListAll(ctx context.Context) ([]*model.Report, error) {
	return s.list(ctx, "", "created_at DESC")
}

// ListUnsynced returns the pending queue, oldest first.
func (s *Store) ListUnsynced(ctx context.Context) ([]*model.Report, error) {
	return s.list(ctx, "WHERE sync_state = 0", "created_at ASC")
}

// Get returns the report with the given id, or (nil, nil) if no such row exists.
func (s *Store) Get(ctx context.Context, id string) (*model.Report, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var rep *model.Report
	err = s.withOwnerFallback(ctx, db, func(ownerCol string) error {
		q := `SELECT ` + selectColumns(ownerCol) + ` FROM reports WHERE local_id = ?`
		r, scanErr := scanReport(db.QueryRowContext(ctx, q, id))
		rep = r
		return scanErr
	})
	if err != nil {
		return nil, fmt.Errorf("getting report %q: %w", id, err)
	}
	return rep, nil
}

func (s *Store) list(ctx context.Context, where, order string) ([]*model.Report, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var reports []*model.Report
	err = s.withOwnerFallback(ctx, db, func(ownerCol string) error {
		q := `SELECT ` + selectColumns(ownerCol) + ` FROM reports ` + where + ` ORDER BY ` + order
		rows, qErr := db.QueryContext(ctx, q)
		if qErr != nil {
			return qErr
		}
		defer func() { _ = rows.Close() }()

		reports = reports[:0]
		for rows.Next() {
			r, scanErr := scanReport(rows)
			if scanErr != nil {
				return scanErr
			}
			reports = append(reports, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	return reports, nil
}

// withOwnerFallback runs fn with the owner_id column and repeats it with a
// NULL placeholder when the table predates that column.
func (s *Store) withOwnerFallback(ctx context.Context, db *sql.DB, fn func(ownerCol string) error) error {
	err := fn("owner_id")
	if classify(ctx, db, err) == writeColumnMissing {
		return fn("NULL")
	}
	return err
}

// MarkSynced flags the report as accepted by the backend. If remote_id is
// still empty it is set to the row's id, which after reconciliation is the
// backend identifier. Missing or already-synced rows are left untouched.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	const q = `
		UPDATE reports
		SET sync_state = 1, remote_id = COALESCE(remote_id, local_id)
		WHERE local_id = ? AND sync_state = 0`
	if _, err := db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("marking report %q synced: %w", id, err)
	}
	return nil
}

// ReassignID rewrites the primary key of a row from oldID to newID and
// records newID as the remote identifier unless one is already set. All
// other fields are preserved.
func (s *Store) ReassignID(ctx context.Context, oldID, newID string) error {
	if strings.TrimSpace(newID) == "" {
		return fmt.Errorf("reassigning report %q: empty new id", oldID)
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	const q = `
		UPDATE reports
		SET local_id = ?, remote_id = COALESCE(remote_id, ?)
		WHERE local_id = ?`
	res, err := db.ExecContext(ctx, q, newID, newID, oldID)
	if err != nil {
		return fmt.Errorf("reassigning report %q to %q: %w", oldID, newID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reassigning report %q: %w", oldID, err)
	}
	if n == 0 {
		return fmt.Errorf("reassigning report %q: %w", oldID, ErrNotFound)
	}
	return nil
}

// Delete removes the report with the given id regardless of its sync
// state. Deleting a missing row is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM reports WHERE local_id = ?`, id); err != nil {
		return fmt.Errorf("deleting report %q: %w", id, err)
	}
	return nil
}

// Counts returns the total number of reports and how many are pending.
func (s *Store) Counts(ctx context.Context) (total, pending int, err error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, 0, err
	}
	const q = `SELECT COUNT(*), COALESCE(SUM(CASE WHEN sync_state = 0 THEN 1 ELSE 0 END), 0) FROM reports`
	if err := db.QueryRowContext(ctx, q).Scan(&total, &pending); err != nil {
		return 0, 0, fmt.Errorf("counting reports: %w", err)
	}
	return total, pending, nil
}

// --- helpers -----------------------------------------------------------------

func selectColumns(ownerCol string) string {
	return `local_id, remote_id, zone, category, subcategory, latitude, longitude,
	        photo_path, description, created_at, sync_state, ` + ownerCol
}

// scanner matches both *sql.Row and *sql.Rows so scanReport can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanReport(s scanner) (*model.Report, error) {
	var (
		r                                 model.Report
		category                          string
		remoteID, sub, photo, desc, owner sql.NullString
		state                             int
	)
	err := s.Scan(
		&r.LocalID,
		&remoteID,
		&r.Zone,
		&category,
		&sub,
		&r.Latitude,
		&r.Longitude,
		&photo,
		&desc,
		&r.CreatedAt,
		&state,
		&owner,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, err
	}

	r.RemoteID = remoteID.String
	r.Category = model.Category(category)
	r.Subcategory = sub.String
	r.PhotoPath = photo.String
	r.Description = desc.String
	r.OwnerID = owner.String
	r.SyncState = model.SyncState(state)
	return &r, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
