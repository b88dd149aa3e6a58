package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sofiatracker/syncengine/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-events.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleEvent() *model.Event {
	ts := time.Date(2026, 2, 17, 14, 30, 0, 123456789, time.UTC)
	e := model.NewEvent(model.EventFeeding, ts, "left side")
	e.BottleAmountML = model.IntPtr(120)
	return e
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.Insert(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("s1.Close: %v", err)
	}

	// Re-opening must not re-run migrations or wipe data.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer func() { _ = s2.Close() }()
	all, err := s2.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("got %d events after reopen, want 1", len(all))
	}
}

func TestInsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := sampleEvent()

	if err := s.Insert(ctx, e); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if e.LocalID == 0 {
		t.Fatal("Insert did not set LocalID")
	}

	got, err := s.Get(ctx, e.LocalID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil, want event")
	}
	if got.ContentHash() != e.ContentHash() {
		t.Errorf("content changed across round trip: %+v", got)
	}
	if !got.Timestamp.Equal(e.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, e.Timestamp)
	}
	if got.SyncStatus != model.StatusPendingSync || got.Version != 1 || got.RemoteID != "" {
		t.Errorf("bookkeeping = %s/%d/%q", got.SyncStatus, got.Version, got.RemoteID)
	}
	if got.LastSyncAttempt != nil {
		t.Errorf("LastSyncAttempt = %v, want nil", got.LastSyncAttempt)
	}
	if got.SleepType != nil || got.DiaperType != nil {
		t.Error("unset attributes should stay nil")
	}
}

func TestGet_NotFound(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Get(context.Background(), 404)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing event, got %+v", got)
	}
}

func TestUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := sampleEvent()
	if err := s.Insert(ctx, e); err != nil {
		t.Fatal(err)
	}

	attempt := time.Date(2026, 2, 18, 0, 0, 0, 0, time.UTC)
	e.Note = "right side"
	e.SyncStatus = model.StatusSynced
	e.RemoteID = "r-1"
	e.Version = 3
	e.LastSyncAttempt = &attempt
	if err := s.Update(ctx, e); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := s.Get(ctx, e.LocalID)
	if got.Note != "right side" || got.RemoteID != "r-1" || got.Version != 3 {
		t.Errorf("got %+v", got)
	}
	if got.LastSyncAttempt == nil || !got.LastSyncAttempt.Equal(attempt) {
		t.Errorf("LastSyncAttempt = %v, want %v", got.LastSyncAttempt, attempt)
	}
}

func TestUpdate_Missing(t *testing.T) {
	s := openTestStore(t)
	e := sampleEvent()
	e.LocalID = 99
	if err := s.Update(context.Background(), e); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := sampleEvent()
	if err := s.Insert(ctx, e); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, e.LocalID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, _ := s.Get(ctx, e.LocalID)
	if got != nil {
		t.Error("expected nil after delete")
	}
	// Deleting again is a no-op.
	if err := s.Delete(ctx, e.LocalID); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestListQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)

	events := []*model.Event{
		model.NewEvent(model.EventFeeding, base, "1"),
		model.NewEvent(model.EventSleep, base.Add(time.Hour), "2"),
		model.NewEvent(model.EventFeeding, base.Add(2*time.Hour), "3"),
		model.NewEvent(model.EventFeeding, base.Add(3*time.Hour), "4"),
		model.NewEvent(model.EventDiaper, base.Add(4*time.Hour), "5"),
	}
	events[1].SyncStatus = model.StatusSynced
	for _, e := range events {
		if err := s.Insert(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 || all[0].Note != "5" {
		t.Errorf("ListAll: len=%d first=%q, want 5 newest first", len(all), all[0].Note)
	}

	feedings, _ := s.ListByType(ctx, model.EventFeeding)
	if len(feedings) != 3 || feedings[0].Note != "4" {
		t.Errorf("ListByType(FEEDING) = %d, first %q", len(feedings), feedings[0].Note)
	}

	lastTwo, _ := s.LastByType(ctx, model.EventFeeding, 2)
	if len(lastTwo) != 2 || lastTwo[0].Note != "4" || lastTwo[1].Note != "3" {
		t.Errorf("LastByType = %+v", lastTwo)
	}

	pending, _ := s.ListByStatus(ctx, model.StatusPendingSync)
	if len(pending) != 4 {
		t.Errorf("ListByStatus(PENDING) = %d, want 4", len(pending))
	}
	n, _ := s.CountPending(ctx)
	if n != 4 {
		t.Errorf("CountPending = %d, want 4", n)
	}
}

func TestSyncTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := sampleEvent()
	if err := s.Insert(ctx, e); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	if err := s.SetSyncStatus(ctx, e.LocalID, model.StatusSyncing, &now); err != nil {
		t.Fatalf("SetSyncStatus: %v", err)
	}
	got, _ := s.Get(ctx, e.LocalID)
	if got.SyncStatus != model.StatusSyncing || got.LastSyncAttempt == nil {
		t.Errorf("after SYNCING: %s attempt=%v", got.SyncStatus, got.LastSyncAttempt)
	}

	if synced, err := s.MarkSynced(ctx, e.LocalID, "r-9"); err != nil || !synced {
		t.Fatalf("MarkSynced = %v, %v", synced, err)
	}
	found, err := s.FindSyncedByRemoteID(ctx, "r-9")
	if err != nil || found == nil || found.LocalID != e.LocalID {
		t.Fatalf("FindSyncedByRemoteID = %+v, %v", found, err)
	}

	// A pending record with the same remote ID is not a match.
	if err := s.SetSyncStatus(ctx, e.LocalID, model.StatusPendingSync, nil); err != nil {
		t.Fatal(err)
	}
	found, _ = s.FindSyncedByRemoteID(ctx, "r-9")
	if found != nil {
		t.Error("FindSyncedByRemoteID matched a PENDING_SYNC record")
	}
	byID, err := s.FindByRemoteID(ctx, "r-9")
	if err != nil || byID == nil || byID.SyncStatus != model.StatusPendingSync {
		t.Errorf("FindByRemoteID = %+v, %v", byID, err)
	}

	if err := s.SetSyncStatus(ctx, 12345, model.StatusSynced, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetSyncStatus(missing) err = %v, want ErrNotFound", err)
	}
}

func TestMarkSynced_EditedDuringUpload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := sampleEvent()
	if err := s.Insert(ctx, e); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	if err := s.SetSyncStatus(ctx, e.LocalID, model.StatusSyncing, &now); err != nil {
		t.Fatal(err)
	}

	// A local edit lands while the upload is in flight.
	edited, _ := s.Get(ctx, e.LocalID)
	edited.Note = "edited while uploading"
	edited.SyncStatus = model.StatusPendingSync
	if err := s.Update(ctx, edited); err != nil {
		t.Fatal(err)
	}

	synced, err := s.MarkSynced(ctx, e.LocalID, "r-7")
	if err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	if synced {
		t.Error("MarkSynced reported synced for an edited record")
	}
	got, _ := s.Get(ctx, e.LocalID)
	if got.SyncStatus != model.StatusPendingSync || got.RemoteID != "r-7" || got.Note != "edited while uploading" {
		t.Errorf("got status=%s remote=%q note=%q", got.SyncStatus, got.RemoteID, got.Note)
	}

	if _, err := s.MarkSynced(ctx, 999, "r-x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkSynced on missing event: err = %v, want ErrNotFound", err)
	}
}

func TestUpdate_EmptyRemoteIDKeepsStored(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := sampleEvent()
	e.RemoteID = "r-1"
	if err := s.Insert(ctx, e); err != nil {
		t.Fatal(err)
	}

	stale := e.Clone()
	stale.RemoteID = ""
	stale.Note = "changed"
	if err := s.Update(ctx, stale); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, e.LocalID)
	if got.RemoteID != "r-1" || got.Note != "changed" {
		t.Errorf("got remote=%q note=%q", got.RemoteID, got.Note)
	}
}

func TestReserveRemoteID_KeepsExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := sampleEvent()
	if err := s.Insert(ctx, e); err != nil {
		t.Fatal(err)
	}

	if err := s.ReserveRemoteID(ctx, e.LocalID, "r-1"); err != nil {
		t.Fatalf("ReserveRemoteID: %v", err)
	}
	if err := s.ReserveRemoteID(ctx, e.LocalID, "r-2"); err != nil {
		t.Fatalf("ReserveRemoteID again: %v", err)
	}
	got, _ := s.Get(ctx, e.LocalID)
	if got.RemoteID != "r-1" || got.SyncStatus != model.StatusPendingSync {
		t.Errorf("got remote=%q status=%s, want r-1 PENDING_SYNC", got.RemoteID, got.SyncStatus)
	}
}

func TestConditionalWrites_OnlyTouchSynced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pending := sampleEvent()
	pending.RemoteID = "r-p"
	synced := sampleEvent()
	synced.RemoteID = "r-s"
	synced.SyncStatus = model.StatusSynced
	for _, e := range []*model.Event{pending, synced} {
		if err := s.Insert(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	for _, e := range []*model.Event{pending, synced} {
		up := e.Clone()
		up.Note = "from remote"
		up.SyncStatus = model.StatusSynced
		ok, err := s.UpdateIfSynced(ctx, up)
		if err != nil {
			t.Fatalf("UpdateIfSynced: %v", err)
		}
		if want := e == synced; ok != want {
			t.Errorf("UpdateIfSynced(%s) = %v, want %v", e.RemoteID, ok, want)
		}
	}
	got, _ := s.Get(ctx, pending.LocalID)
	if got.Note != "left side" || got.SyncStatus != model.StatusPendingSync {
		t.Errorf("pending record overwritten: %+v", got)
	}

	if ok, err := s.DeleteIfSynced(ctx, pending.LocalID); err != nil || ok {
		t.Errorf("DeleteIfSynced(pending) = %v, %v", ok, err)
	}
	if ok, err := s.DeleteIfSynced(ctx, synced.LocalID); err != nil || !ok {
		t.Errorf("DeleteIfSynced(synced) = %v, %v", ok, err)
	}
	if got, _ := s.Get(ctx, pending.LocalID); got == nil {
		t.Error("pending record deleted")
	}
}

func TestRequeueFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	statuses := []model.SyncStatus{model.StatusSyncError, model.StatusSyncing, model.StatusSynced, model.StatusPendingSync}
	for _, st := range statuses {
		e := sampleEvent()
		e.SyncStatus = st
		if err := s.Insert(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.RequeueFailed(ctx)
	if err != nil {
		t.Fatalf("RequeueFailed: %v", err)
	}
	if n != 2 {
		t.Errorf("requeued %d, want 2", n)
	}
	pending, _ := s.CountPending(ctx)
	if pending != 3 {
		t.Errorf("CountPending = %d, want 3", pending)
	}
}

func TestSyncState_ReadModifyWrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st, err := s.SyncState(ctx)
	if err != nil || st != nil {
		t.Fatalf("initial SyncState = %+v, %v; want nil, nil", st, err)
	}

	if err := s.Insert(ctx, sampleEvent()); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var seenPending int
	got, err := s.UpdateSyncState(ctx, func(st *model.SyncState, pending int) {
		seenPending = pending
		st.Status = model.StatusSyncing
		st.LastSyncAttempt = &now
		st.PendingEventsCount = 999 // overwritten by the store
	})
	if err != nil {
		t.Fatalf("UpdateSyncState: %v", err)
	}
	if seenPending != 1 || got.PendingEventsCount != 1 {
		t.Errorf("pending seen=%d stored=%d, want 1", seenPending, got.PendingEventsCount)
	}

	// Second update keeps fields it does not touch.
	if _, err := s.UpdateSyncState(ctx, func(st *model.SyncState, _ int) {
		st.Status = model.StatusSyncError
		st.ErrorMessage = "boom"
	}); err != nil {
		t.Fatal(err)
	}

	st, err = s.SyncState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != model.StatusSyncError || st.ErrorMessage != "boom" {
		t.Errorf("state = %+v", st)
	}
	if st.LastSyncAttempt == nil || !st.LastSyncAttempt.Equal(now) {
		t.Errorf("LastSyncAttempt = %v, want %v", st.LastSyncAttempt, now)
	}
	if st.LastSuccessfulSync != nil {
		t.Errorf("LastSuccessfulSync = %v, want nil", st.LastSuccessfulSync)
	}
}

func TestWatchEvents_InitialAndSubsequentSnapshots(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots := make(chan int, 16)
	done := make(chan error, 1)
	go func() {
		done <- s.WatchEvents(ctx, func(events []*model.Event) {
			snapshots <- len(events)
		})
	}()

	if got := recvInt(t, snapshots); got != 0 {
		t.Fatalf("initial snapshot len = %d, want 0", got)
	}

	if err := s.Insert(context.Background(), sampleEvent()); err != nil {
		t.Fatal(err)
	}
	// Snapshots may coalesce, but the latest must eventually show the write.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-snapshots:
			if n == 1 {
				cancel()
				if err := <-done; !errors.Is(err, context.Canceled) {
					t.Errorf("WatchEvents returned %v, want context.Canceled", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("no snapshot reflected the insert")
		}
	}
}

func TestSubscribe_CancelStopsCallbacks(t *testing.T) {
	s := openTestStore(t)
	var (
		mu    sync.Mutex
		calls int
	)
	fired := make(chan struct{}, 8)
	cancel := s.Subscribe(func() {
		mu.Lock()
		calls++
		mu.Unlock()
		fired <- struct{}{}
	})

	if err := s.Insert(context.Background(), sampleEvent()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber not notified")
	}

	cancel()
	cancel() // idempotent

	mu.Lock()
	before := calls
	mu.Unlock()
	if err := s.Insert(context.Background(), sampleEvent()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != before {
		t.Errorf("callback ran %d times after cancel", calls-before)
	}
}

func TestDefaultDBPath(t *testing.T) {
	path, err := DefaultDBPath()
	if err != nil {
		t.Fatalf("DefaultDBPath: %v", err)
	}
	if filepath.Base(path) != "events.db" {
		t.Errorf("DefaultDBPath = %q", path)
	}
}

func recvInt(t *testing.T, ch <-chan int) int {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return 0
	}
}
