package repository

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sofiatracker/syncengine/internal/model"
	"github.com/sofiatracker/syncengine/internal/store"
	syncp "github.com/sofiatracker/syncengine/internal/sync"
)

// --- Mock Syncer --------------------------------------------------------------

type mockSyncer struct {
	mu            sync.Mutex
	singleCalls   []int64
	deleteCalls   []string
	fullSyncCalls int
	singleErr     error
	deleteErr     error
}

func (m *mockSyncer) PerformFullSync(context.Context) <-chan syncp.Result {
	m.mu.Lock()
	m.fullSyncCalls++
	m.mu.Unlock()
	ch := make(chan syncp.Result, 2)
	ch <- syncp.Result{Kind: syncp.KindInProgress}
	ch <- syncp.Result{Kind: syncp.KindSuccess, Message: "done"}
	close(ch)
	return ch
}

func (m *mockSyncer) SyncSingleEvent(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.singleCalls = append(m.singleCalls, id)
	return m.singleErr
}

func (m *mockSyncer) DeleteRemoteEvent(_ context.Context, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls = append(m.deleteCalls, remoteID)
	return m.deleteErr
}

func (m *mockSyncer) SyncState(context.Context) (*model.SyncState, error) {
	return &model.SyncState{Status: model.StatusSynced}, nil
}

func (m *mockSyncer) PendingCount(context.Context) (int, error) { return 0, nil }

func (m *mockSyncer) WatchSyncState(context.Context, func(*model.SyncState)) error { return nil }

func (m *mockSyncer) WatchPendingCount(context.Context, func(int)) error { return nil }

// --- Connectivity -------------------------------------------------------------

type toggleConn struct {
	mu sync.Mutex
	on bool
}

func (c *toggleConn) Available(context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.on
}

func (c *toggleConn) set(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.on = on
}

// --- Helpers ------------------------------------------------------------------

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
