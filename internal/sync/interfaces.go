// Package sync reconciles the local event log with the remote document
// store.
//
// The package contains two main components:
//
//   - [Manager] runs one full upload-then-download pass, single-record
//     uploads and remote soft deletes, and owns the sync state singleton.
//   - [Engine] decides when passes run: at startup, on an interval, on
//     demand, and when the remote collection changes. It maps each pass to
//     a success, retry or failure verdict and backs off on retries.
package sync

import (
	"context"
	"time"

	"github.com/sofiatracker/syncengine/internal/model"
)

// EventStore is the local event log. Implemented by [store.Store].
type EventStore interface {
	Get(ctx context.Context, id int64) (*model.Event, error)
	Insert(ctx context.Context, e *model.Event) error
	// UpdateIfSynced and DeleteIfSynced only touch a record that is still
	// SYNCED, so a local edit made during a pass is never overwritten.
	UpdateIfSynced(ctx context.Context, e *model.Event) (bool, error)
	DeleteIfSynced(ctx context.Context, id int64) (bool, error)
	ListByStatus(ctx context.Context, status model.SyncStatus) ([]*model.Event, error)
	FindSyncedByRemoteID(ctx context.Context, remoteID string) (*model.Event, error)
	FindByRemoteID(ctx context.Context, remoteID string) (*model.Event, error)
	SetSyncStatus(ctx context.Context, id int64, status model.SyncStatus, attempt *time.Time) error
	// ReserveRemoteID stores remoteID unless the record already has one.
	ReserveRemoteID(ctx context.Context, id int64, remoteID string) error
	// MarkSynced reports false when the record was edited while its upload
	// was in flight; it then stays PENDING_SYNC with the remote ID recorded.
	MarkSynced(ctx context.Context, id int64, remoteID string) (bool, error)
	RequeueFailed(ctx context.Context) (int, error)
	CountPending(ctx context.Context) (int, error)
}

// StateStore holds the sync state singleton. Implemented by [store.Store].
type StateStore interface {
	SyncState(ctx context.Context) (*model.SyncState, error)
	// UpdateSyncState runs fn inside one transaction. fn receives the live
	// PENDING_SYNC count; the store writes that count back regardless of
	// what fn sets.
	UpdateSyncState(ctx context.Context, fn func(st *model.SyncState, pending int)) (*model.SyncState, error)
	WatchSyncState(ctx context.Context, fn func(*model.SyncState)) error
	WatchPendingCount(ctx context.Context, fn func(int)) error
}

// LocalStore is everything the Manager needs from local persistence.
type LocalStore interface {
	EventStore
	StateStore
}

// RemoteSource is the remote document collection. Implemented by
// [remote.Client] and [remote.Memory].
type RemoteSource interface {
	Get(ctx context.Context, id string) (*model.RemoteEvent, error)
	// Save upserts ev and returns the stored document with its assigned ID
	// and fresh LastModified.
	Save(ctx context.Context, ev *model.RemoteEvent) (*model.RemoteEvent, error)
	Delete(ctx context.Context, id string) error
	ModifiedAfter(ctx context.Context, ms int64) ([]*model.RemoteEvent, error)
	// Subscribe blocks, calling fn with the whole collection on every change.
	Subscribe(ctx context.Context, fn func([]*model.RemoteEvent)) error
}

// Connectivity reports whether the remote is reachable right now.
type Connectivity interface {
	Available(ctx context.Context) bool
}
