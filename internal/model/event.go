// Package model defines the event records shared by the local store, the
// remote source and the sync engine.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// EventType is the closed set of things that can be logged.
type EventType string

const (
	EventFeeding EventType = "FEEDING"
	EventSleep   EventType = "SLEEP"
	EventDiaper  EventType = "DIAPER"
)

// EventTypes lists every valid EventType in display order.
var EventTypes = []EventType{EventFeeding, EventSleep, EventDiaper}

// ParseEventType accepts the canonical upper-case name or its lower-case form.
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case EventFeeding, EventSleep, EventDiaper:
		return t, nil
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// SyncStatus is the reconciliation state of a single event, and of the
// aggregate [SyncState].
type SyncStatus string

const (
	StatusSynced      SyncStatus = "SYNCED"
	StatusPendingSync SyncStatus = "PENDING_SYNC"
	StatusSyncing     SyncStatus = "SYNCING"
	StatusSyncError   SyncStatus = "SYNC_ERROR"
)

// Valid reports whether s is one of the four known statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusSynced, StatusPendingSync, StatusSyncing, StatusSyncError:
		return true
	}
	return false
}

// Sub-kinds for sleep and diaper events.
const (
	SleepAsleep = "SLEEP"
	SleepWakeUp = "WAKE_UP"

	DiaperWet   = "WET"
	DiaperDirty = "DIRTY"
	DiaperBoth  = "BOTH"

	// MaxBottleAmountML is the largest bottle volume accepted for a feeding.
	MaxBottleAmountML = 180
)

// Event is a locally stored record.
type Event struct {
	// LocalID is assigned by the store on insert and is stable for the
	// record's local lifetime. Zero means "not yet inserted".
	LocalID int64

	// RemoteID is set once the remote store has accepted the record.
	// Empty means the record was never synced.
	RemoteID string

	Type EventType

	// Timestamp is when the event happened, as entered by the user. It is
	// not a modification time.
	Timestamp time.Time

	Note string

	// Type-specific attributes. Nil means unset.
	BottleAmountML *int
	SleepType      *string
	DiaperType     *string

	SyncStatus      SyncStatus
	LastSyncAttempt *time.Time

	// Version starts at 1 and never decreases.
	Version int
}

// NewEvent returns an unsaved event in its initial lifecycle state.
func NewEvent(t EventType, ts time.Time, note string) *Event {
	return &Event{
		Type:       t,
		Timestamp:  ts.UTC(),
		Note:       note,
		SyncStatus: StatusPendingSync,
		Version:    1,
	}
}

// Validate checks the type-specific attribute rules.
func (e *Event) Validate() error {
	if _, err := ParseEventType(string(e.Type)); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event timestamp is required")
	}
	if e.Version < 1 {
		return fmt.Errorf("event version %d must be at least 1", e.Version)
	}
	if e.SyncStatus != "" && !e.SyncStatus.Valid() {
		return fmt.Errorf("unknown sync status %q", e.SyncStatus)
	}

	if e.BottleAmountML != nil {
		if e.Type != EventFeeding {
			return fmt.Errorf("bottle amount is only valid for %s events", EventFeeding)
		}
		if v := *e.BottleAmountML; v < 0 || v > MaxBottleAmountML {
			return fmt.Errorf("bottle amount %d ml out of range 0-%d", v, MaxBottleAmountML)
		}
	}
	if e.SleepType != nil {
		if e.Type != EventSleep {
			return fmt.Errorf("sleep type is only valid for %s events", EventSleep)
		}
		if s := *e.SleepType; s != SleepAsleep && s != SleepWakeUp {
			return fmt.Errorf("unknown sleep type %q", s)
		}
	}
	if e.DiaperType != nil {
		if e.Type != EventDiaper {
			return fmt.Errorf("diaper type is only valid for %s events", EventDiaper)
		}
		switch *e.DiaperType {
		case DiaperWet, DiaperDirty, DiaperBoth:
		default:
			return fmt.Errorf("unknown diaper type %q", *e.DiaperType)
		}
	}
	return nil
}

// Clone returns a deep copy, including the optional attribute pointers.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	cp := *e
	cp.BottleAmountML = cloneInt(e.BottleAmountML)
	cp.SleepType = cloneString(e.SleepType)
	cp.DiaperType = cloneString(e.DiaperType)
	if e.LastSyncAttempt != nil {
		t := *e.LastSyncAttempt
		cp.LastSyncAttempt = &t
	}
	return &cp
}

// ContentHash returns a SHA-256 hex digest of the user-visible content:
// type, timestamp, note and the type-specific attributes. Sync bookkeeping
// (status, remote ID, version, attempt time) is excluded.
func (e *Event) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(e.Type))
	h.Write([]byte("|"))
	h.Write([]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte("|"))
	h.Write([]byte(e.Note))
	h.Write([]byte("|"))
	if e.BottleAmountML != nil {
		_, _ = fmt.Fprintf(h, "%d", *e.BottleAmountML)
	}
	h.Write([]byte("|"))
	if e.SleepType != nil {
		h.Write([]byte(*e.SleepType))
	}
	h.Write([]byte("|"))
	if e.DiaperType != nil {
		h.Write([]byte(*e.DiaperType))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SyncState is the singleton summary of reconciliation health.
type SyncState struct {
	Status             SyncStatus
	LastSyncAttempt    *time.Time
	LastSuccessfulSync *time.Time
	ErrorMessage       string
	PendingEventsCount int
}

// Watermark returns LastSuccessfulSync as epoch milliseconds, or 0 when no
// pass has succeeded yet.
func (s *SyncState) Watermark() int64 {
	if s == nil || s.LastSuccessfulSync == nil {
		return 0
	}
	return s.LastSuccessfulSync.UnixMilli()
}

// IntPtr and StringPtr build optional attribute values.
func IntPtr(v int) *int { return &v }

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
