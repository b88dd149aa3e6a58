package model

import (
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// ParseEventType
// ---------------------------------------------------------------------------

func TestParseEventType(t *testing.T) {
	tests := []struct {
		in      string
		want    EventType
		wantErr bool
	}{
		{"FEEDING", EventFeeding, false},
		{"sleep", EventSleep, false},
		{" Diaper ", EventDiaper, false},
		{"EAT", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseEventType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseEventType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseEventType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestEvent_Validate(t *testing.T) {
	ts := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		event   *Event
		wantErr bool
	}{
		{"plain feeding", NewEvent(EventFeeding, ts, ""), false},
		{"feeding with bottle", withBottle(NewEvent(EventFeeding, ts, ""), 120), false},
		{"bottle too large", withBottle(NewEvent(EventFeeding, ts, ""), 181), true},
		{"bottle on sleep", withBottle(NewEvent(EventSleep, ts, ""), 10), true},
		{"sleep wake up", &Event{Type: EventSleep, Timestamp: ts, Version: 1, SleepType: StringPtr(SleepWakeUp)}, false},
		{"bad sleep kind", &Event{Type: EventSleep, Timestamp: ts, Version: 1, SleepType: StringPtr("NAP")}, true},
		{"diaper both", &Event{Type: EventDiaper, Timestamp: ts, Version: 1, DiaperType: StringPtr(DiaperBoth)}, false},
		{"diaper kind on feeding", &Event{Type: EventFeeding, Timestamp: ts, Version: 1, DiaperType: StringPtr(DiaperWet)}, true},
		{"zero timestamp", &Event{Type: EventFeeding, Version: 1}, true},
		{"zero version", &Event{Type: EventFeeding, Timestamp: ts}, true},
		{"unknown type", &Event{Type: "BATH", Timestamp: ts, Version: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func withBottle(e *Event, ml int) *Event {
	e.BottleAmountML = IntPtr(ml)
	return e
}

func TestNewEvent_InitialLifecycle(t *testing.T) {
	e := NewEvent(EventSleep, time.Now(), "nap")
	if e.SyncStatus != StatusPendingSync {
		t.Errorf("SyncStatus = %q, want %q", e.SyncStatus, StatusPendingSync)
	}
	if e.Version != 1 {
		t.Errorf("Version = %d, want 1", e.Version)
	}
	if e.RemoteID != "" {
		t.Errorf("RemoteID = %q, want empty", e.RemoteID)
	}
}

// ---------------------------------------------------------------------------
// ContentHash
// ---------------------------------------------------------------------------

func TestContentHash_Deterministic(t *testing.T) {
	e := withBottle(NewEvent(EventFeeding, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), "left side"), 90)
	if e.ContentHash() != e.ContentHash() {
		t.Error("ContentHash not deterministic")
	}
}

func TestContentHash_DiffersOnNoteChange(t *testing.T) {
	e := NewEvent(EventFeeding, time.Now(), "a")
	h1 := e.ContentHash()
	e.Note = "b"
	if h1 == e.ContentHash() {
		t.Error("ContentHash should differ when note changes")
	}
}

func TestContentHash_IgnoresSyncBookkeeping(t *testing.T) {
	e := NewEvent(EventDiaper, time.Now(), "")
	h1 := e.ContentHash()
	now := time.Now()
	e.SyncStatus = StatusSynced
	e.RemoteID = "r1"
	e.Version = 7
	e.LastSyncAttempt = &now
	if h1 != e.ContentHash() {
		t.Error("ContentHash should not change when only sync fields change")
	}
}

// ---------------------------------------------------------------------------
// Remote conversion
// ---------------------------------------------------------------------------

func TestToRemote_ToEvent_PreservesContent(t *testing.T) {
	ts := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	e := withBottle(NewEvent(EventFeeding, ts, "after nap"), 150)
	e.LocalID = 4
	e.RemoteID = "r4"
	e.Version = 3

	r := e.ToRemote()
	if r.ID != "r4" || r.LocalID != 4 || r.Version != 3 {
		t.Fatalf("ToRemote identity = %+v", r)
	}
	r.LastModified = 1_700_000_000_123

	back, err := r.ToEvent(4)
	if err != nil {
		t.Fatalf("ToEvent: %v", err)
	}
	if back.ContentHash() != e.ContentHash() {
		t.Error("content changed across conversion")
	}
	if back.SyncStatus != StatusSynced {
		t.Errorf("SyncStatus = %q, want SYNCED", back.SyncStatus)
	}
	if back.LastSyncAttempt == nil || back.LastSyncAttempt.UnixMilli() != r.LastModified {
		t.Errorf("LastSyncAttempt = %v, want lastModified", back.LastSyncAttempt)
	}

	// The remote copy must not alias the local attribute pointers.
	*r.BottleAmountML = 10
	if *e.BottleAmountML != 150 {
		t.Error("ToRemote aliased BottleAmountML")
	}
}

func TestToEvent_RejectsUnknownType(t *testing.T) {
	r := &RemoteEvent{ID: "x", Type: "EAT", Timestamp: time.Now()}
	if _, err := r.ToEvent(0); err == nil {
		t.Fatal("expected error for unknown remote type")
	}
}

func TestSyncState_Watermark(t *testing.T) {
	var nilState *SyncState
	if nilState.Watermark() != 0 {
		t.Error("nil state watermark should be 0")
	}
	ts := time.UnixMilli(42_000)
	s := &SyncState{LastSuccessfulSync: &ts}
	if s.Watermark() != 42_000 {
		t.Errorf("Watermark() = %d, want 42000", s.Watermark())
	}
}
