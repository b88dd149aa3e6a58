package model

import (
	"fmt"
	"time"
)

// RemoteEvent is the document form of an Event in the remote store.
type RemoteEvent struct {
	// ID is the document identity. Empty means "not yet assigned".
	ID string `json:"id"`

	// LocalID is echoed for traceability only; matching is always by ID.
	LocalID int64 `json:"localId"`

	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note"`
	Version   int       `json:"version"`

	// LastModified is the server write time in epoch milliseconds. The
	// remote store overwrites it on every write.
	LastModified int64 `json:"lastModified"`

	// Deleted marks a soft-deleted document.
	Deleted bool `json:"deleted"`

	BottleAmountML *int    `json:"bottleAmountMl,omitempty"`
	SleepType      *string `json:"sleepType,omitempty"`
	DiaperType     *string `json:"diaperType,omitempty"`
}

// LastModifiedTime converts LastModified to a UTC time.
func (r *RemoteEvent) LastModifiedTime() time.Time {
	return time.UnixMilli(r.LastModified).UTC()
}

// Clone returns a deep copy.
func (r *RemoteEvent) Clone() *RemoteEvent {
	if r == nil {
		return nil
	}
	cp := *r
	cp.BottleAmountML = cloneInt(r.BottleAmountML)
	cp.SleepType = cloneString(r.SleepType)
	cp.DiaperType = cloneString(r.DiaperType)
	return &cp
}

// ToRemote builds the document for e. LastModified is left at zero; the
// remote store stamps it.
func (e *Event) ToRemote() *RemoteEvent {
	return &RemoteEvent{
		ID:             e.RemoteID,
		LocalID:        e.LocalID,
		Type:           string(e.Type),
		Timestamp:      e.Timestamp.UTC(),
		Note:           e.Note,
		Version:        e.Version,
		BottleAmountML: cloneInt(e.BottleAmountML),
		SleepType:      cloneString(e.SleepType),
		DiaperType:     cloneString(e.DiaperType),
	}
}

// ToEvent converts r into a SYNCED local event with the given local ID
// (zero for a record that has not been inserted yet). LastSyncAttempt is
// taken from LastModified so the conversion never reads the wall clock.
func (r *RemoteEvent) ToEvent(localID int64) (*Event, error) {
	t, err := ParseEventType(r.Type)
	if err != nil {
		return nil, fmt.Errorf("remote event %q: %w", r.ID, err)
	}
	version := r.Version
	if version < 1 {
		version = 1
	}
	attempt := r.LastModifiedTime()
	return &Event{
		LocalID:         localID,
		RemoteID:        r.ID,
		Type:            t,
		Timestamp:       r.Timestamp.UTC(),
		Note:            r.Note,
		BottleAmountML:  cloneInt(r.BottleAmountML),
		SleepType:       cloneString(r.SleepType),
		DiaperType:      cloneString(r.DiaperType),
		SyncStatus:      StatusSynced,
		LastSyncAttempt: &attempt,
		Version:         version,
	}, nil
}
