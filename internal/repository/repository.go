// Package repository is the application-facing entry point for events:
// local-first writes with an opportunistic upload, deletes that propagate
// as remote soft deletes, and access to the sync pass and its state.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sofiatracker/syncengine/internal/model"
	syncp "github.com/sofiatracker/syncengine/internal/sync"
)

var (
	// ErrNotFound is returned for a local ID that does not exist.
	ErrNotFound = errors.New("event not found")

	// ErrNetworkUnavailable ends SyncAll immediately when the remote is
	// unreachable.
	ErrNetworkUnavailable = errors.New("Network not available") //nolint:staticcheck // shown to the user as-is
)

// Store is the local event log. Implemented by [store.Store].
type Store interface {
	Insert(ctx context.Context, e *model.Event) error
	Update(ctx context.Context, e *model.Event) error
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*model.Event, error)
	ListAll(ctx context.Context) ([]*model.Event, error)
	ListByType(ctx context.Context, t model.EventType) ([]*model.Event, error)
	LastByType(ctx context.Context, t model.EventType, n int) ([]*model.Event, error)
	WatchEvents(ctx context.Context, fn func([]*model.Event)) error
	WatchEventsByType(ctx context.Context, t model.EventType, fn func([]*model.Event)) error
}

// Syncer is the part of [syncp.Manager] the repository drives.
type Syncer interface {
	PerformFullSync(ctx context.Context) <-chan syncp.Result
	SyncSingleEvent(ctx context.Context, localID int64) error
	DeleteRemoteEvent(ctx context.Context, remoteID string) error
	SyncState(ctx context.Context) (*model.SyncState, error)
	PendingCount(ctx context.Context) (int, error)
	WatchSyncState(ctx context.Context, fn func(*model.SyncState)) error
	WatchPendingCount(ctx context.Context, fn func(int)) error
}

// Repository combines the local store, the sync manager and a connectivity
// check. Every write lands locally first.
type Repository struct {
	store  Store
	syncer Syncer
	conn   syncp.Connectivity
	log    *slog.Logger
}

// New creates a Repository.
func New(store Store, syncer Syncer, conn syncp.Connectivity, logger *slog.Logger) *Repository {
	return &Repository{store: store, syncer: syncer, conn: conn, log: logger}
}

// AddEvent stores a new event as PENDING_SYNC and, when the remote is
// reachable, uploads it straight away. An upload failure does not fail the
// call; the next full pass retries it. It returns the stored event.
func (r *Repository) AddEvent(ctx context.Context, e *model.Event) (*model.Event, error) {
	ev := e.Clone()
	ev.LocalID = 0
	ev.RemoteID = ""
	ev.SyncStatus = model.StatusPendingSync
	ev.LastSyncAttempt = nil
	if ev.Version < 1 {
		ev.Version = 1
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	if err := r.store.Insert(ctx, ev); err != nil {
		return nil, err
	}
	r.log.Debug("event added", "local_id", ev.LocalID, "type", ev.Type)

	r.trySync(ctx, ev.LocalID)
	return r.reload(ctx, ev)
}

// UpdateEvent overwrites the content of an existing event and marks it
// PENDING_SYNC. Remote identity and version are kept from the stored
// record. Like AddEvent, it uploads straight away when possible.
func (r *Repository) UpdateEvent(ctx context.Context, e *model.Event) (*model.Event, error) {
	cur, err := r.store.Get(ctx, e.LocalID)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fmt.Errorf("event %d: %w", e.LocalID, ErrNotFound)
	}

	ev := e.Clone()
	ev.RemoteID = cur.RemoteID
	ev.Version = cur.Version
	ev.LastSyncAttempt = cur.LastSyncAttempt
	ev.SyncStatus = model.StatusPendingSync
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	if err := r.store.Update(ctx, ev); err != nil {
		return nil, err
	}
	r.log.Debug("event updated", "local_id", ev.LocalID)

	r.trySync(ctx, ev.LocalID)
	return r.reload(ctx, ev)
}

// DeleteEvent removes an event locally. If it was ever synced and the remote
// is reachable, the remote document is soft-deleted first. A failed remote
// delete is logged and the local delete still happens; the document stays
// live remotely until deleted from another replica.
func (r *Repository) DeleteEvent(ctx context.Context, localID int64) error {
	ev, err := r.store.Get(ctx, localID)
	if err != nil {
		return err
	}
	if ev == nil {
		return fmt.Errorf("event %d: %w", localID, ErrNotFound)
	}

	if ev.RemoteID != "" && r.IsNetworkAvailable(ctx) {
		if err := r.syncer.DeleteRemoteEvent(ctx, ev.RemoteID); err != nil {
			r.log.Warn("remote delete failed, deleting locally anyway",
				"local_id", localID, "remote_id", ev.RemoteID, "error", err)
		}
	}

	if err := r.store.Delete(ctx, localID); err != nil {
		return err
	}
	r.log.Debug("event deleted", "local_id", localID)
	return nil
}

// GetEvent returns the event, or ErrNotFound.
func (r *Repository) GetEvent(ctx context.Context, localID int64) (*model.Event, error) {
	ev, err := r.store.Get(ctx, localID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, fmt.Errorf("event %d: %w", localID, ErrNotFound)
	}
	return ev, nil
}

// ListEvents returns every event, newest first.
func (r *Repository) ListEvents(ctx context.Context) ([]*model.Event, error) {
	return r.store.ListAll(ctx)
}

// ListEventsByType returns every event of type t, newest first.
func (r *Repository) ListEventsByType(ctx context.Context, t model.EventType) ([]*model.Event, error) {
	return r.store.ListByType(ctx, t)
}

// LastEventsByType returns the n most recent events of type t.
func (r *Repository) LastEventsByType(ctx context.Context, t model.EventType, n int) ([]*model.Event, error) {
	return r.store.LastByType(ctx, t, n)
}

// WatchEvents streams the full event list until ctx is cancelled.
func (r *Repository) WatchEvents(ctx context.Context, fn func([]*model.Event)) error {
	return r.store.WatchEvents(ctx, fn)
}

// WatchEventsByType streams the events of type t until ctx is cancelled.
func (r *Repository) WatchEventsByType(ctx context.Context, t model.EventType, fn func([]*model.Event)) error {
	return r.store.WatchEventsByType(ctx, t, fn)
}

// SyncAll starts a full pass and returns its result stream. When the remote
// is unreachable the stream holds a single Error(ErrNetworkUnavailable).
func (r *Repository) SyncAll(ctx context.Context) <-chan syncp.Result {
	if !r.IsNetworkAvailable(ctx) {
		ch := make(chan syncp.Result, 1)
		ch <- syncp.Result{Kind: syncp.KindError, Message: ErrNetworkUnavailable.Error(), Err: ErrNetworkUnavailable}
		close(ch)
		return ch
	}
	return r.syncer.PerformFullSync(ctx)
}

// SyncState returns the sync state singleton, or nil before the first pass.
func (r *Repository) SyncState(ctx context.Context) (*model.SyncState, error) {
	return r.syncer.SyncState(ctx)
}

// PendingCount returns the live number of PENDING_SYNC events.
func (r *Repository) PendingCount(ctx context.Context) (int, error) {
	return r.syncer.PendingCount(ctx)
}

func (r *Repository) WatchSyncState(ctx context.Context, fn func(*model.SyncState)) error {
	return r.syncer.WatchSyncState(ctx, fn)
}

func (r *Repository) WatchPendingCount(ctx context.Context, fn func(int)) error {
	return r.syncer.WatchPendingCount(ctx, fn)
}

// IsNetworkAvailable reports whether the remote is reachable right now. A
// nil connectivity check means always online.
func (r *Repository) IsNetworkAvailable(ctx context.Context) bool {
	return r.conn == nil || r.conn.Available(ctx)
}

// trySync uploads one event if the remote is reachable. Failures are left
// for the next full pass.
func (r *Repository) trySync(ctx context.Context, localID int64) {
	if !r.IsNetworkAvailable(ctx) {
		r.log.Debug("offline, event left pending", "local_id", localID)
		return
	}
	err := r.syncer.SyncSingleEvent(ctx, localID)
	switch {
	case err == nil:
	case errors.Is(err, syncp.ErrSyncInProgress):
		r.log.Debug("full pass running, event left to it", "local_id", localID)
	default:
		r.log.Warn("immediate sync failed, event left for next pass", "local_id", localID, "error", err)
	}
}

func (r *Repository) reload(ctx context.Context, ev *model.Event) (*model.Event, error) {
	got, err := r.store.Get(ctx, ev.LocalID)
	if err != nil {
		return nil, err
	}
	if got == nil {
		// Removed by a concurrent pass after a remote delete.
		return ev, nil
	}
	return got, nil
}
