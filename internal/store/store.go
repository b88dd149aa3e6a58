// Package store is the local SQLite event log and the sync state singleton.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods. Every committed write wakes the
// subscribers registered through [Store.Subscribe] and the Watch* helpers.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/sofiatracker/syncengine/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// syncStateID is the fixed identity of the single sync_state row.
const syncStateID = "app_sync_state"

// timeLayout is fixed-width so that lexical order in SQLite equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned by writes that target a missing event.
var ErrNotFound = errors.New("event not found")

// Store is the SQLite-backed event store.
type Store struct {
	db  *sql.DB
	hub *hub
}

// DefaultDBPath returns ~/.local/share/sofiasync/events.db.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "sofiasync", "events.db"), nil
}

// Open opens (or creates) the database at path and migrates it to the
// latest schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	// Single writer; this also serializes every read-modify-write below.
	db.SetMaxOpenConns(1)

	return &Store{db: db, hub: newHub()}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrateUp applies the embedded migrations. The migrate instance is not
// closed because that would close db as well.
func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// --- events ------------------------------------------------------------------

const eventColumns = `id, type, timestamp, note, bottle_amount_ml, sleep_type, diaper_type,
       sync_status, last_sync_attempt, remote_id, version`

// Insert stores a new event and sets its LocalID.
func (s *Store) Insert(ctx context.Context, e *model.Event) error {
	const q = `
		INSERT INTO events
		    (type, timestamp, note, bottle_amount_ml, sleep_type, diaper_type,
		     sync_status, last_sync_attempt, remote_id, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, q,
		string(e.Type),
		formatTime(e.Timestamp),
		e.Note,
		nullInt(e.BottleAmountML),
		nullString(e.SleepType),
		nullString(e.DiaperType),
		string(e.SyncStatus),
		formatTimePtr(e.LastSyncAttempt),
		e.RemoteID,
		e.Version,
	)
	if err != nil {
		return fmt.Errorf("inserting %s event: %w", e.Type, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading inserted event id: %w", err)
	}
	e.LocalID = id
	s.hub.publish()
	return nil
}

// updateQuery overwrites every column. An empty remote_id argument keeps the
// stored one, so a write based on a read taken before the first upload
// finished cannot drop the remote identity.
const updateQuery = `
	UPDATE events SET
	    type = ?, timestamp = ?, note = ?, bottle_amount_ml = ?, sleep_type = ?,
	    diaper_type = ?, sync_status = ?, last_sync_attempt = ?,
	    remote_id = CASE WHEN ? = '' THEN remote_id ELSE ? END,
	    version = ?
	WHERE id = ?`

func updateArgs(e *model.Event) []any {
	return []any{
		string(e.Type),
		formatTime(e.Timestamp),
		e.Note,
		nullInt(e.BottleAmountML),
		nullString(e.SleepType),
		nullString(e.DiaperType),
		string(e.SyncStatus),
		formatTimePtr(e.LastSyncAttempt),
		e.RemoteID, e.RemoteID,
		e.Version,
		e.LocalID,
	}
}

// Update overwrites every column of the event identified by e.LocalID.
func (s *Store) Update(ctx context.Context, e *model.Event) error {
	res, err := s.db.ExecContext(ctx, updateQuery, updateArgs(e)...)
	if err != nil {
		return fmt.Errorf("updating event id=%d: %w", e.LocalID, err)
	}
	return s.afterWrite(res, e.LocalID)
}

// UpdateIfSynced is Update restricted to a stored record that is still
// SYNCED. It reports false, without error, when the record is missing or
// has been changed locally since it was read.
func (s *Store) UpdateIfSynced(ctx context.Context, e *model.Event) (bool, error) {
	args := append(updateArgs(e), string(model.StatusSynced))
	res, err := s.db.ExecContext(ctx, updateQuery+` AND sync_status = ?`, args...)
	if err != nil {
		return false, fmt.Errorf("updating event id=%d: %w", e.LocalID, err)
	}
	return s.affected(res)
}

// Delete removes the event with the given local ID. Deleting a missing
// event is not an error.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting event id=%d: %w", id, err)
	}
	s.hub.publish()
	return nil
}

// DeleteIfSynced removes the event only while it is SYNCED and reports
// whether it did.
func (s *Store) DeleteIfSynced(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ? AND sync_status = ?`,
		id, string(model.StatusSynced))
	if err != nil {
		return false, fmt.Errorf("deleting event id=%d: %w", id, err)
	}
	return s.affected(res)
}

// Get returns the event with the given local ID, or (nil, nil) if absent.
func (s *Store) Get(ctx context.Context, id int64) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	return scanEvent(row)
}

// ListAll returns every event, newest first.
func (s *Store) ListAll(ctx context.Context) ([]*model.Event, error) {
	return s.query(ctx, `SELECT `+eventColumns+` FROM events ORDER BY timestamp DESC, id DESC`)
}

// ListByStatus returns events in the given sync status in insertion order.
func (s *Store) ListByStatus(ctx context.Context, status model.SyncStatus) ([]*model.Event, error) {
	return s.query(ctx, `SELECT `+eventColumns+` FROM events WHERE sync_status = ? ORDER BY id`, string(status))
}

// ListByType returns events of type t, newest first.
func (s *Store) ListByType(ctx context.Context, t model.EventType) ([]*model.Event, error) {
	return s.query(ctx, `SELECT `+eventColumns+` FROM events WHERE type = ? ORDER BY timestamp DESC, id DESC`, string(t))
}

// LastByType returns at most n events of type t, newest first.
func (s *Store) LastByType(ctx context.Context, t model.EventType, n int) ([]*model.Event, error) {
	return s.query(ctx, `SELECT `+eventColumns+` FROM events WHERE type = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, string(t), n)
}

// FindSyncedByRemoteID returns the SYNCED event carrying remoteID, or
// (nil, nil) when there is none.
func (s *Store) FindSyncedByRemoteID(ctx context.Context, remoteID string) (*model.Event, error) {
	const q = `SELECT ` + eventColumns + ` FROM events WHERE remote_id = ? AND sync_status = ? ORDER BY id LIMIT 1`
	row := s.db.QueryRowContext(ctx, q, remoteID, string(model.StatusSynced))
	return scanEvent(row)
}

// FindByRemoteID returns any event carrying remoteID regardless of status,
// or (nil, nil) when there is none.
func (s *Store) FindByRemoteID(ctx context.Context, remoteID string) (*model.Event, error) {
	const q = `SELECT ` + eventColumns + ` FROM events WHERE remote_id = ? ORDER BY id LIMIT 1`
	row := s.db.QueryRowContext(ctx, q, remoteID)
	return scanEvent(row)
}

// CountPending returns the number of PENDING_SYNC events.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	return countPending(ctx, s.db)
}

// SetSyncStatus moves an event to status. A non-nil attempt also records the
// attempt time.
func (s *Store) SetSyncStatus(ctx context.Context, id int64, status model.SyncStatus, attempt *time.Time) error {
	var (
		res sql.Result
		err error
	)
	if attempt != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE events SET sync_status = ?, last_sync_attempt = ? WHERE id = ?`,
			string(status), formatTime(*attempt), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE events SET sync_status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return fmt.Errorf("setting event id=%d to %s: %w", id, status, err)
	}
	return s.afterWrite(res, id)
}

// ReserveRemoteID sets the remote ID of an event that has none yet. It is a
// no-op when one is already stored.
func (s *Store) ReserveRemoteID(ctx context.Context, id int64, remoteID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET remote_id = ? WHERE id = ? AND remote_id = ''`, remoteID, id)
	if err != nil {
		return fmt.Errorf("reserving remote id for event id=%d: %w", id, err)
	}
	_, err = s.affected(res)
	return err
}

// MarkSynced records the remote identity of an uploaded event and moves it
// SYNCING -> SYNCED. If the event left SYNCING while the upload was in
// flight (a local edit set it back to PENDING_SYNC), only the remote ID is
// recorded and synced is false.
func (s *Store) MarkSynced(ctx context.Context, id int64, remoteID string) (synced bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET sync_status = ?, remote_id = ? WHERE id = ? AND sync_status = ?`,
		string(model.StatusSynced), remoteID, id, string(model.StatusSyncing))
	if err != nil {
		return false, fmt.Errorf("marking event id=%d synced: %w", id, err)
	}
	if ok, err := s.affected(res); err != nil || ok {
		return ok, err
	}

	res, err = s.db.ExecContext(ctx, `UPDATE events SET remote_id = ? WHERE id = ?`, remoteID, id)
	if err != nil {
		return false, fmt.Errorf("recording remote id for event id=%d: %w", id, err)
	}
	return false, s.afterWrite(res, id)
}

// RequeueFailed moves SYNC_ERROR and SYNCING events back to PENDING_SYNC and
// returns how many were moved.
func (s *Store) RequeueFailed(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET sync_status = ? WHERE sync_status IN (?, ?)`,
		string(model.StatusPendingSync), string(model.StatusSyncError), string(model.StatusSyncing))
	if err != nil {
		return 0, fmt.Errorf("requeueing failed events: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.hub.publish()
	}
	return int(n), nil
}

func (s *Store) afterWrite(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows for event id=%d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("event id=%d: %w", id, ErrNotFound)
	}
	s.hub.publish()
	return nil
}

// affected reports whether res changed any row, waking subscribers if so.
func (s *Store) affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}
	if n > 0 {
		s.hub.publish()
	}
	return n > 0, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- sync state --------------------------------------------------------------

// SyncState returns the sync state singleton, or (nil, nil) before the
// first pass has written it.
func (s *Store) SyncState(ctx context.Context) (*model.SyncState, error) {
	return loadSyncState(ctx, s.db)
}

// UpdateSyncState performs a read-modify-write of the singleton inside one
// transaction. fn receives the current state (a zero SYNCED state if the row
// is missing) and the live PENDING_SYNC count. PendingEventsCount is always
// overwritten with that count after fn returns.
func (s *Store) UpdateSyncState(ctx context.Context, fn func(st *model.SyncState, pending int)) (*model.SyncState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning sync state transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	st, err := loadSyncState(ctx, tx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &model.SyncState{Status: model.StatusSynced}
	}
	pending, err := countPending(ctx, tx)
	if err != nil {
		return nil, err
	}

	fn(st, pending)
	st.PendingEventsCount = pending

	const q = `
		INSERT INTO sync_state
		    (id, status, last_sync_attempt, last_successful_sync, error_message, pending_events_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    status               = excluded.status,
		    last_sync_attempt    = excluded.last_sync_attempt,
		    last_successful_sync = excluded.last_successful_sync,
		    error_message        = excluded.error_message,
		    pending_events_count = excluded.pending_events_count`
	if _, err := tx.ExecContext(ctx, q,
		syncStateID,
		string(st.Status),
		formatTimePtr(st.LastSyncAttempt),
		formatTimePtr(st.LastSuccessfulSync),
		st.ErrorMessage,
		st.PendingEventsCount,
	); err != nil {
		return nil, fmt.Errorf("writing sync state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing sync state: %w", err)
	}
	s.hub.publish()
	return st, nil
}

// --- helpers -----------------------------------------------------------------

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func countPending(ctx context.Context, q querier) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE sync_status = ?`, string(model.StatusPendingSync)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending events: %w", err)
	}
	return n, nil
}

func loadSyncState(ctx context.Context, q querier) (*model.SyncState, error) {
	const sel = `
		SELECT status, last_sync_attempt, last_successful_sync, error_message, pending_events_count
		FROM sync_state WHERE id = ?`
	var (
		st                 model.SyncState
		status             string
		attempt, succeeded string
	)
	err := q.QueryRowContext(ctx, sel, syncStateID).Scan(
		&status, &attempt, &succeeded, &st.ErrorMessage, &st.PendingEventsCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not yet written" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("reading sync state: %w", err)
	}
	st.Status = model.SyncStatus(status)
	st.LastSyncAttempt = parseTimePtr(attempt)
	st.LastSuccessfulSync = parseTimePtr(succeeded)
	return &st, nil
}

// scanner matches both *sql.Row and *sql.Rows so scanEvent can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*model.Event, error) {
	var (
		e                   model.Event
		typ, ts, status     string
		attempt             string
		bottle              sql.NullInt64
		sleepKind, diaperKd sql.NullString
	)
	err := s.Scan(
		&e.LocalID,
		&typ,
		&ts,
		&e.Note,
		&bottle,
		&sleepKind,
		&diaperKd,
		&status,
		&attempt,
		&e.RemoteID,
		&e.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning event row: %w", err)
	}

	e.Type = model.EventType(typ)
	e.SyncStatus = model.SyncStatus(status)
	if e.Timestamp, err = parseTime(ts); err != nil {
		return nil, fmt.Errorf("event id=%d has bad timestamp %q: %w", e.LocalID, ts, err)
	}
	e.LastSyncAttempt = parseTimePtr(attempt)
	if bottle.Valid {
		e.BottleAmountML = model.IntPtr(int(bottle.Int64))
	}
	if sleepKind.Valid {
		e.SleepType = model.StringPtr(sleepKind.String)
	}
	if diaperKd.Valid {
		e.DiaperType = model.StringPtr(diaperKd.String)
	}
	return &e, nil
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

func parseTimePtr(s string) *time.Time {
	t, err := parseTime(s)
	if err != nil || t.IsZero() {
		return nil
	}
	return &t
}
