package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/sofiatracker/syncengine/internal/conflict"
	"github.com/sofiatracker/syncengine/internal/model"
)

const (
	otelScope        = "sofiasync/sync"
	spanFullPass     = "sync.full_pass"
	spanSingleEvent  = "sync.single_event"
	metricUploaded   = "sofiasync.sync.uploaded"
	metricDownloaded = "sofiasync.sync.downloaded"
	metricDeleted    = "sofiasync.sync.deleted"
	metricConflicts  = "sofiasync.sync.conflicts"
	metricErrors     = "sofiasync.sync.errors"
	metricPasses     = "sofiasync.sync.passes"
)

var (
	// ErrEventNotFound is returned by SyncSingleEvent when the event does
	// not exist or is not PENDING_SYNC.
	ErrEventNotFound = errors.New("event not found")

	// ErrSyncInProgress is returned by SyncSingleEvent while a full pass
	// holds the manager.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrUploadFailed wraps the cause of an upload that aborted a pass.
	ErrUploadFailed = errors.New("Upload failed") //nolint:staticcheck // surfaced verbatim in the sync state
)

// Stats counts what a single pass did.
type Stats struct {
	Uploaded   int
	Downloaded int
	Deleted    int
	Conflicts  int
	Errors     int
}

// Manager runs sync passes against one local store and one remote. At most
// one full pass runs at a time; concurrent callers queue.
type Manager struct {
	local    LocalStore
	remote   RemoteSource
	strategy *conflict.Strategy
	policy   conflict.Policy
	now      func() time.Time
	log      *slog.Logger

	// mu is held for the whole of a full pass.
	mu sync.Mutex

	tracer        trace.Tracer
	cntUploaded   metric.Int64Counter
	cntDownloaded metric.Int64Counter
	cntDeleted    metric.Int64Counter
	cntConflicts  metric.Int64Counter
	cntErrors     metric.Int64Counter
	cntPasses     metric.Int64Counter
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicy sets the conflict policy used by [Manager.Run].
func WithPolicy(p conflict.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. The default conflict policy is
// [conflict.DefaultPolicy].
func NewManager(local LocalStore, remote RemoteSource, logger *slog.Logger, opts ...Option) *Manager {
	meter := otel.Meter(otelScope)
	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	m := &Manager{
		local:    local,
		remote:   remote,
		strategy: conflict.NewStrategy(),
		policy:   conflict.DefaultPolicy,
		now:      time.Now,
		log:      logger,

		tracer:        otel.Tracer(otelScope),
		cntUploaded:   mustCounter(metricUploaded, "Number of local events uploaded"),
		cntDownloaded: mustCounter(metricDownloaded, "Number of remote events inserted or updated locally"),
		cntDeleted:    mustCounter(metricDeleted, "Number of local events removed after a remote soft delete"),
		cntConflicts:  mustCounter(metricConflicts, "Number of conflicts resolved"),
		cntErrors:     mustCounter(metricErrors, "Number of per-event sync errors"),
		cntPasses:     mustCounter(metricPasses, "Number of full sync passes by outcome"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the manager's default conflict policy.
func (m *Manager) Policy() conflict.Policy { return m.policy }

// PerformFullSync starts a pass in the background and returns its result
// stream: InProgress, Progress*, then Success or Error. The channel is
// closed after the terminal result. If ctx is cancelled, results nobody is
// reading are dropped.
func (m *Manager) PerformFullSync(ctx context.Context) <-chan Result {
	ch := make(chan Result)
	go func() {
		defer close(ch)
		m.Run(ctx, func(r Result) {
			select {
			case ch <- r:
			case <-ctx.Done():
			}
		})
	}()
	return ch
}

// Run performs one full pass under the manager's policy, calling emit for
// every result in order, and returns the terminal result.
func (m *Manager) Run(ctx context.Context, emit func(Result)) Result {
	return m.RunWithPolicy(ctx, m.policy, emit)
}

// RunWithPolicy is Run with a per-call conflict policy. Errors, panics
// included, never escape: they end the pass with an Error result and are
// recorded in the sync state.
func (m *Manager) RunWithPolicy(ctx context.Context, policy conflict.Policy, emit func(Result)) (res Result) {
	if emit == nil {
		emit = func(Result) {}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, spanFullPass,
		trace.WithAttributes(attribute.String("sync.policy", string(policy))))
	defer span.End()

	var stats Stats
	defer func() {
		m.record(ctx, span, stats, res)
	}()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("sync pass panicked", "panic", r, "stack", string(debug.Stack()))
			res = m.fail(ctx, &PanicError{Value: r})
			emit(res)
		}
	}()

	emit(inProgress())
	if err := m.pass(ctx, policy, &stats, emit); err != nil {
		res = m.fail(ctx, err)
		emit(res)
		return res
	}
	res = success("Sync completed successfully")
	emit(res)
	return res
}

func (m *Manager) pass(ctx context.Context, policy conflict.Policy, stats *Stats, emit func(Result)) error {
	started := m.now().UTC()
	if _, err := m.local.UpdateSyncState(ctx, func(st *model.SyncState, _ int) {
		st.Status = model.StatusSyncing
		st.LastSyncAttempt = &started
		st.ErrorMessage = ""
	}); err != nil {
		return fmt.Errorf("recording sync start: %w", err)
	}

	if err := m.upload(ctx, stats, emit); err != nil {
		return err
	}

	cutoff, err := m.download(ctx, policy, stats, emit)
	if err != nil {
		return err
	}

	st, err := m.local.UpdateSyncState(ctx, func(st *model.SyncState, pending int) {
		st.Status = model.StatusSynced
		if pending > 0 {
			st.Status = model.StatusPendingSync
		}
		st.LastSuccessfulSync = &cutoff
		st.ErrorMessage = ""
	})
	if err != nil {
		return fmt.Errorf("recording sync completion: %w", err)
	}

	m.log.Info("sync pass complete",
		"uploaded", stats.Uploaded,
		"downloaded", stats.Downloaded,
		"deleted", stats.Deleted,
		"conflicts", stats.Conflicts,
		"errors", stats.Errors,
		"pending", st.PendingEventsCount,
	)
	return nil
}

// upload pushes every PENDING_SYNC event. The first failure aborts the
// pass; events already pushed stay SYNCED.
func (m *Manager) upload(ctx context.Context, stats *Stats, emit func(Result)) error {
	n, err := m.local.RequeueFailed(ctx)
	if err != nil {
		return fmt.Errorf("requeueing failed events: %w", err)
	}
	if n > 0 {
		m.log.Info("requeued events from earlier failed attempts", "count", n)
	}

	pending, err := m.local.ListByStatus(ctx, model.StatusPendingSync)
	if err != nil {
		return fmt.Errorf("listing pending events: %w", err)
	}
	emit(progress("Uploading %d pending events", len(pending)))

	for _, e := range pending {
		if err := m.push(ctx, e); err != nil {
			stats.Errors++
			return fmt.Errorf("%w: event %d: %w", ErrUploadFailed, e.LocalID, err)
		}
		stats.Uploaded++
	}
	return nil
}

// push saves one event remotely and moves it SYNCING -> SYNCED, or to
// SYNC_ERROR when the save fails. The uploaded content is read after the
// move to SYNCING; an edit after that point sends the record back to
// PENDING_SYNC and MarkSynced leaves it there.
func (m *Manager) push(ctx context.Context, e *model.Event) error {
	attempt := m.now().UTC()
	if err := m.local.SetSyncStatus(ctx, e.LocalID, model.StatusSyncing, &attempt); err != nil {
		return fmt.Errorf("marking event %d syncing: %w", e.LocalID, err)
	}
	cur, err := m.local.Get(ctx, e.LocalID)
	if err != nil {
		return fmt.Errorf("reloading event %d: %w", e.LocalID, err)
	}
	if cur == nil {
		m.log.Debug("event deleted before upload", "local_id", e.LocalID)
		return nil
	}
	if cur.RemoteID == "" {
		// Fix the document ID before the first attempt so a create whose
		// response was lost is overwritten, not duplicated, next time.
		if err := m.local.ReserveRemoteID(ctx, cur.LocalID, uuid.NewString()); err != nil {
			return fmt.Errorf("reserving remote id for event %d: %w", cur.LocalID, err)
		}
		if cur, err = m.local.Get(ctx, e.LocalID); err != nil {
			return fmt.Errorf("reloading event %d: %w", e.LocalID, err)
		}
		if cur == nil {
			m.log.Debug("event deleted before upload", "local_id", e.LocalID)
			return nil
		}
	}

	saved, err := m.remote.Save(ctx, cur.ToRemote())
	if err != nil {
		if serr := m.local.SetSyncStatus(context.WithoutCancel(ctx), cur.LocalID, model.StatusSyncError, nil); serr != nil {
			m.log.Error("marking event sync error", "local_id", cur.LocalID, "error", serr)
		}
		m.log.Warn("upload failed", "local_id", cur.LocalID, "error", err)
		return err
	}

	synced, err := m.local.MarkSynced(ctx, cur.LocalID, saved.ID)
	if err != nil {
		return fmt.Errorf("marking event %d synced: %w", cur.LocalID, err)
	}
	if !synced {
		m.log.Info("event edited during upload, left pending", "local_id", cur.LocalID, "remote_id", saved.ID)
		return nil
	}
	m.log.Debug("uploaded event", "local_id", cur.LocalID, "remote_id", saved.ID)
	return nil
}

// download applies every remote change after the watermark. Items are
// applied independently; if any fails the pass fails and the watermark is
// left where it was. It returns the time to store as the new watermark,
// taken before the remote was queried.
func (m *Manager) download(ctx context.Context, policy conflict.Policy, stats *Stats, emit func(Result)) (time.Time, error) {
	st, err := m.local.SyncState(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("reading sync state: %w", err)
	}
	watermark := st.Watermark()
	cutoff := m.now().UTC()

	// The watermark is truncated to milliseconds and ModifiedAfter is
	// exclusive, so step back one millisecond: a write stamped in the same
	// millisecond as the previous cutoff is fetched again rather than lost.
	since := watermark
	if since > 0 {
		since--
	}

	emit(progress("Downloading remote changes since %d", since))
	docs, err := m.remote.ModifiedAfter(ctx, since)
	if err != nil {
		return time.Time{}, fmt.Errorf("downloading remote changes: %w", err)
	}
	emit(progress("Found %d remote events to process", len(docs)))

	var errs []error
	for _, doc := range docs {
		if err := m.apply(ctx, policy, doc, stats, emit); err != nil {
			stats.Errors++
			m.log.Warn("applying remote event failed", "remote_id", doc.ID, "error", err)
			errs = append(errs, fmt.Errorf("remote event %q: %w", doc.ID, err))
		}
	}
	if len(errs) > 0 {
		return time.Time{}, fmt.Errorf("%d of %d remote events failed: %w", len(errs), len(docs), errors.Join(errs...))
	}
	return cutoff, nil
}

func (m *Manager) apply(ctx context.Context, policy conflict.Policy, doc *model.RemoteEvent, stats *Stats, emit func(Result)) error {
	local, err := m.local.FindSyncedByRemoteID(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("looking up local event: %w", err)
	}

	if doc.Deleted {
		if local == nil {
			return nil
		}
		emit(progress("Deleting remote-deleted event %s", doc.ID))
		ok, err := m.local.DeleteIfSynced(ctx, local.LocalID)
		if err != nil {
			return fmt.Errorf("deleting local event %d: %w", local.LocalID, err)
		}
		if !ok {
			m.skipEdited(local.LocalID, doc.ID)
			return nil
		}
		stats.Deleted++
		return nil
	}

	if local == nil {
		// A local edit made after the upload phase owns this remote ID;
		// the next pass pushes it.
		other, err := m.local.FindByRemoteID(ctx, doc.ID)
		if err != nil {
			return fmt.Errorf("looking up local event: %w", err)
		}
		if other != nil {
			m.log.Debug("skipping remote event with pending local edit", "remote_id", doc.ID, "local_id", other.LocalID)
			return nil
		}

		emit(progress("Inserting new remote event %s", doc.ID))
		ev, err := doc.ToEvent(0)
		if err != nil {
			return err
		}
		if err := m.local.Insert(ctx, ev); err != nil {
			return fmt.Errorf("inserting remote event: %w", err)
		}
		stats.Downloaded++
		return nil
	}

	if !m.strategy.HasConflict(local, doc) {
		emit(progress("Updating existing event %s", doc.ID))
		ev, err := doc.ToEvent(local.LocalID)
		if err != nil {
			return err
		}
		ev.Version = max(ev.Version, local.Version)
		ok, err := m.local.UpdateIfSynced(ctx, ev)
		if err != nil {
			return fmt.Errorf("updating local event %d: %w", local.LocalID, err)
		}
		if !ok {
			m.skipEdited(local.LocalID, doc.ID)
			return nil
		}
		stats.Downloaded++
		return nil
	}

	stats.Conflicts++
	emit(progress("Resolving conflict for event %d", local.LocalID))
	res, err := m.strategy.Resolve(local, doc, policy)
	if err != nil {
		return fmt.Errorf("resolving conflict for event %d: %w", local.LocalID, err)
	}

	ev := res.Event
	ev.LocalID = local.LocalID
	ev.RemoteID = doc.ID
	floor := max(local.Version, doc.Version)
	if res.Winner == conflict.SideRemote && ev.Version == doc.Version && doc.Version >= local.Version {
		ev.SyncStatus = model.StatusSynced
	} else {
		// The stored record differs from the remote document, so push it.
		ev.SyncStatus = model.StatusPendingSync
		if ev.Version <= floor {
			ev.Version = floor + 1
		}
	}
	ok, err := m.local.UpdateIfSynced(ctx, ev)
	if err != nil {
		return fmt.Errorf("storing resolution for event %d: %w", local.LocalID, err)
	}
	if !ok {
		m.skipEdited(local.LocalID, doc.ID)
		return nil
	}

	m.log.Info("conflict resolved",
		"local_id", local.LocalID,
		"remote_id", doc.ID,
		"policy", res.Policy,
		"winner", res.Winner.String(),
		"reason", res.Reason,
	)
	emit(progress("Conflict resolved: %s", res.Reason))
	return nil
}

// skipEdited logs a remote change dropped because the local record was
// edited after it was read. The edit is pushed by the next pass.
func (m *Manager) skipEdited(localID int64, remoteID string) {
	m.log.Debug("skipping remote change, local event edited during pass",
		"local_id", localID, "remote_id", remoteID)
}

// fail records err in the sync state and returns the Error result. The
// state write ignores ctx cancellation so a cancelled pass still leaves a
// readable error behind.
func (m *Manager) fail(ctx context.Context, err error) Result {
	now := m.now().UTC()
	if _, serr := m.local.UpdateSyncState(context.WithoutCancel(ctx), func(st *model.SyncState, _ int) {
		st.Status = model.StatusSyncError
		st.LastSyncAttempt = &now
		st.ErrorMessage = "Sync failed: " + err.Error()
	}); serr != nil {
		m.log.Error("recording sync failure", "error", serr)
	}
	m.log.Error("sync pass failed", "error", err)
	return failure(err)
}

func (m *Manager) record(ctx context.Context, span trace.Span, stats Stats, res Result) {
	add := func(c metric.Int64Counter, n int) {
		if n > 0 {
			c.Add(ctx, int64(n))
		}
	}
	add(m.cntUploaded, stats.Uploaded)
	add(m.cntDownloaded, stats.Downloaded)
	add(m.cntDeleted, stats.Deleted)
	add(m.cntConflicts, stats.Conflicts)
	add(m.cntErrors, stats.Errors)
	m.cntPasses.Add(ctx, 1, metric.WithAttributes(attribute.String("result", res.Kind.String())))

	span.SetAttributes(
		attribute.Int("sync.uploaded", stats.Uploaded),
		attribute.Int("sync.downloaded", stats.Downloaded),
		attribute.Int("sync.deleted", stats.Deleted),
		attribute.Int("sync.conflicts", stats.Conflicts),
		attribute.Int("sync.errors", stats.Errors),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
}

// SyncSingleEvent uploads one PENDING_SYNC event. It never downloads and
// never touches the sync state. It returns ErrSyncInProgress instead of
// waiting when a full pass is running.
func (m *Manager) SyncSingleEvent(ctx context.Context, localID int64) error {
	if !m.mu.TryLock() {
		return ErrSyncInProgress
	}
	defer m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, spanSingleEvent,
		trace.WithAttributes(attribute.Int64("sync.local_id", localID)))
	defer span.End()

	e, err := m.local.Get(ctx, localID)
	if err != nil {
		return fmt.Errorf("loading event %d: %w", localID, err)
	}
	if e == nil || e.SyncStatus != model.StatusPendingSync {
		return fmt.Errorf("event %d: %w", localID, ErrEventNotFound)
	}

	if err := m.push(ctx, e); err != nil {
		m.cntErrors.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("syncing event %d: %w", localID, err)
	}
	m.cntUploaded.Add(ctx, 1)
	return nil
}

// DeleteRemoteEvent soft-deletes a remote document: it is re-saved with
// Deleted set so other replicas see the removal as a change. It never
// hard-deletes.
func (m *Manager) DeleteRemoteEvent(ctx context.Context, remoteID string) error {
	doc, err := m.remote.Get(ctx, remoteID)
	if err != nil {
		return fmt.Errorf("fetching remote event %q: %w", remoteID, err)
	}
	doc.Deleted = true
	doc.LastModified = m.now().UnixMilli()
	if _, err := m.remote.Save(ctx, doc); err != nil {
		return fmt.Errorf("marking remote event %q deleted: %w", remoteID, err)
	}
	m.log.Info("remote event soft-deleted", "remote_id", remoteID)
	return nil
}

// SyncState returns the sync state singleton, or nil before the first pass.
func (m *Manager) SyncState(ctx context.Context) (*model.SyncState, error) {
	return m.local.SyncState(ctx)
}

// PendingCount returns the live number of PENDING_SYNC events.
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	return m.local.CountPending(ctx)
}

// WatchSyncState streams the sync state until ctx is cancelled.
func (m *Manager) WatchSyncState(ctx context.Context, fn func(*model.SyncState)) error {
	return m.local.WatchSyncState(ctx, fn)
}

// WatchPendingCount streams the pending count until ctx is cancelled.
func (m *Manager) WatchPendingCount(ctx context.Context, fn func(int)) error {
	return m.local.WatchPendingCount(ctx, fn)
}
