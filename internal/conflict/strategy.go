// Package conflict decides whether a local event and its remote document
// disagree, and how to settle it. Everything here is pure: no I/O, no clock
// reads, no shared state, so a [Strategy] can be used from any goroutine.
package conflict

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/sofiatracker/syncengine/internal/model"
)

// Policy selects how a detected conflict is settled.
type Policy string

const (
	// LocalWins keeps the local record verbatim.
	LocalWins Policy = "LOCAL_WINS"
	// RemoteWins adopts the remote content under the local identity.
	RemoteWins Policy = "REMOTE_WINS"
	// LatestTimestamp picks whichever side was written last.
	LatestTimestamp Policy = "LATEST_TIMESTAMP"
	// Merge is a best-effort heuristic on the note field. It is not a CRDT
	// merge: one side's record is taken whole.
	Merge Policy = "MERGE_STRATEGY"
	// UserChoice is reserved for an interactive prompt. Until one exists it
	// resolves like LatestTimestamp and says so in the reason.
	UserChoice Policy = "USER_CHOICE"
)

// DefaultPolicy is used by the download phase unless overridden.
const DefaultPolicy = RemoteWins

// TimestampTolerance absorbs serialization jitter on the event timestamp.
const TimestampTolerance = time.Second

// ErrUnknownPolicy is returned for a Policy value outside the known set.
var ErrUnknownPolicy = errors.New("unknown conflict policy")

// ParsePolicy accepts the canonical names and their lower-case config form
// (e.g. "remote_wins", "merge").
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOCAL_WINS":
		return LocalWins, nil
	case "REMOTE_WINS":
		return RemoteWins, nil
	case "LATEST_TIMESTAMP":
		return LatestTimestamp, nil
	case "MERGE_STRATEGY", "MERGE":
		return Merge, nil
	case "USER_CHOICE":
		return UserChoice, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Side names which record's content a resolution kept.
type Side int

const (
	SideLocal Side = iota
	SideRemote
)

func (s Side) String() string {
	if s == SideRemote {
		return "remote"
	}
	return "local"
}

// Resolution is the outcome of [Strategy.Resolve]. Persisting it is the
// caller's job.
type Resolution struct {
	Policy Policy
	Event  *model.Event
	Winner Side
	Reason string
}

// Strategy implements conflict detection and resolution.
type Strategy struct{}

// NewStrategy returns a Strategy.
func NewStrategy() *Strategy { return &Strategy{} }

// HasConflict reports whether local and remote cannot be assumed identical.
// Checks run cheapest first: version, then note, then the event timestamp
// with a one second tolerance.
func (s *Strategy) HasConflict(local *model.Event, remote *model.RemoteEvent) bool {
	if local.Version != remote.Version {
		return true
	}
	if local.Note != remote.Note {
		return true
	}
	diff := local.Timestamp.Sub(remote.Timestamp)
	if diff < 0 {
		diff = -diff
	}
	return diff > TimestampTolerance
}

// Resolve settles a conflict between local and remote under policy. The
// resolved event always keeps local's LocalID. For identical inputs the
// result is identical.
func (s *Strategy) Resolve(local *model.Event, remote *model.RemoteEvent, policy Policy) (Resolution, error) {
	switch policy {
	case LocalWins:
		return Resolution{
			Policy: policy,
			Event:  local.Clone(),
			Winner: SideLocal,
			Reason: "Local version preserved by policy",
		}, nil

	case RemoteWins:
		ev, err := remote.ToEvent(local.LocalID)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{
			Policy: policy,
			Event:  ev,
			Winner: SideRemote,
			Reason: "Remote version accepted by policy",
		}, nil

	case LatestTimestamp:
		return s.byTimestamp(local, remote)

	case Merge:
		return s.merge(local, remote)

	case UserChoice:
		res, err := s.byTimestamp(local, remote)
		if err != nil {
			return Resolution{}, err
		}
		res.Policy = UserChoice
		res.Reason = "User choice not implemented, using timestamp resolution: " + res.Reason
		return res, nil
	}
	return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
}

// byTimestamp compares the local last sync attempt (or the event timestamp
// when the record was never attempted) against the remote write time. Ties
// go to the remote side.
func (s *Strategy) byTimestamp(local *model.Event, remote *model.RemoteEvent) (Resolution, error) {
	localTime := local.Timestamp
	if local.LastSyncAttempt != nil {
		localTime = *local.LastSyncAttempt
	}
	localTime = localTime.UTC()
	remoteTime := remote.LastModifiedTime()

	if localTime.After(remoteTime) {
		return Resolution{
			Policy: LatestTimestamp,
			Event:  local.Clone(),
			Winner: SideLocal,
			Reason: fmt.Sprintf("Local version is more recent (%s > %s)", fmtTime(localTime), fmtTime(remoteTime)),
		}, nil
	}

	ev, err := remote.ToEvent(local.LocalID)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{
		Policy: LatestTimestamp,
		Event:  ev,
		Winner: SideRemote,
		Reason: fmt.Sprintf("Remote version is more recent (%s >= %s)", fmtTime(remoteTime), fmtTime(localTime)),
	}, nil
}

// noteLen measures s in UTF-16 code units, the unit note lengths are
// compared in across replicas.
func noteLen(s string) int {
	n := 0
	for _, r := range s {
		n += max(utf16.RuneLen(r), 1)
	}
	return n
}

// merge keeps whichever side carries the more detailed note. When neither
// has a note it falls back to byTimestamp.
func (s *Strategy) merge(local *model.Event, remote *model.RemoteEvent) (Resolution, error) {
	localHas := strings.TrimSpace(local.Note) != ""
	remoteHas := strings.TrimSpace(remote.Note) != ""
	bumped := max(local.Version, remote.Version) + 1

	var keepLocal bool
	switch {
	case localHas && !remoteHas:
		keepLocal = true
	case !localHas && remoteHas:
		keepLocal = false
	case localHas && remoteHas:
		keepLocal = noteLen(local.Note) >= noteLen(remote.Note)
	default:
		res, err := s.byTimestamp(local, remote)
		if err != nil {
			return Resolution{}, err
		}
		res.Policy = Merge
		res.Reason = "Smart merge fell back to timestamp resolution"
		return res, nil
	}

	res := Resolution{
		Policy: Merge,
		Reason: "Smart merge: kept the more detailed " + SideLocal.String() + " note",
	}
	if keepLocal {
		res.Event = local.Clone()
		res.Winner = SideLocal
	} else {
		ev, err := remote.ToEvent(local.LocalID)
		if err != nil {
			return Resolution{}, err
		}
		res.Event = ev
		res.Winner = SideRemote
		res.Reason = "Smart merge: kept the more detailed " + SideRemote.String() + " note"
	}
	res.Event.Version = bumped
	return res, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
