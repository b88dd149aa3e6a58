package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sofiatracker/syncengine/internal/model"
	"github.com/sofiatracker/syncengine/internal/remote"
	"github.com/sofiatracker/syncengine/internal/store"
)

var errInjected = errors.New("injected failure")

// --- Fake clock ---------------------------------------------------------------

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// --- Mock Remote --------------------------------------------------------------

// mockRemote wraps remote.Memory with failure injection and call recording.
type mockRemote struct {
	*remote.Memory

	mu                 sync.Mutex
	saveErr            error
	failSaveOn         int // fail the Nth Save (1-based); 0 disables
	saves              int
	modifiedAfterCalls []int64
	modifiedAfterErr   error
	modifiedAfterPanic any
	extraDocs          []*model.RemoteEvent
	available          bool
	beforeSave         func(*model.RemoteEvent)
	loseResponses      int // commit this many Saves, then report them failed

	downloadDelay time.Duration
	inFlight      int
	maxInFlight   int
}

func newMockRemote(clock *fakeClock) *mockRemote {
	return &mockRemote{Memory: remote.NewMemory(clock.Now), available: true}
}

func (m *mockRemote) Save(ctx context.Context, ev *model.RemoteEvent) (*model.RemoteEvent, error) {
	m.mu.Lock()
	m.saves++
	fail := m.saveErr != nil || (m.failSaveOn > 0 && m.saves == m.failSaveOn)
	hook := m.beforeSave
	lose := m.loseResponses > 0
	if lose {
		m.loseResponses--
	}
	m.mu.Unlock()
	if fail {
		return nil, errInjected
	}
	if hook != nil {
		hook(ev)
	}
	saved, err := m.Memory.Save(ctx, ev)
	if lose && err == nil {
		return nil, errInjected
	}
	return saved, err
}

func (m *mockRemote) ModifiedAfter(ctx context.Context, ms int64) ([]*model.RemoteEvent, error) {
	m.mu.Lock()
	m.modifiedAfterCalls = append(m.modifiedAfterCalls, ms)
	err := m.modifiedAfterErr
	p := m.modifiedAfterPanic
	extra := m.extraDocs
	delay := m.downloadDelay
	m.inFlight++
	m.maxInFlight = max(m.maxInFlight, m.inFlight)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}
	if p != nil {
		panic(p)
	}
	if err != nil {
		return nil, err
	}
	docs, err := m.Memory.ModifiedAfter(ctx, ms)
	if err != nil {
		return nil, err
	}
	return append(docs, extra...), nil
}

func (m *mockRemote) Available(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

func (m *mockRemote) setAvailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = v
}

func (m *mockRemote) setSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

func (m *mockRemote) downloadCalls() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.modifiedAfterCalls...)
}

// --- Mock Runner --------------------------------------------------------------

// mockRunner returns scripted results, one per call, repeating the last.
type mockRunner struct {
	mu      sync.Mutex
	results []Result
	panics  bool
	calls   int
	ran     chan struct{}
}

func newMockRunner(results ...Result) *mockRunner {
	return &mockRunner{results: results, ran: make(chan struct{}, 64)}
}

func (m *mockRunner) Run(_ context.Context, emit func(Result)) Result {
	m.mu.Lock()
	i := min(m.calls, len(m.results)-1)
	m.calls++
	panics := m.panics
	m.mu.Unlock()

	select {
	case m.ran <- struct{}{}:
	default:
	}
	if panics {
		panic("runner exploded")
	}
	emit(inProgress())
	emit(progress("step"))
	res := m.results[i]
	emit(res)
	return res
}

func (m *mockRunner) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type staticConn bool

func (c staticConn) Available(context.Context) bool { return bool(c) }

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

type fixture struct {
	clock  *fakeClock
	local  *store.Store
	remote *mockRemote
	mgr    *Manager
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := newFakeClock()
	local := openTestStore(t)
	rem := newMockRemote(clock)
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &fixture{
		clock:  clock,
		local:  local,
		remote: rem,
		mgr:    NewManager(local, rem, discardLogger(), opts...),
	}
}

// collect runs a full pass and returns every emitted result.
func (f *fixture) collect(t *testing.T) []Result {
	t.Helper()
	var got []Result
	f.mgr.Run(context.Background(), func(r Result) { got = append(got, r) })
	return got
}
