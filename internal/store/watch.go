package store

import (
	"context"
	"sync"

	"github.com/sofiatracker/syncengine/internal/model"
)

// hub fans a "something committed" signal out to subscribers. Each
// subscriber has a one-slot buffer, so bursts of commits coalesce into a
// single wake-up and publish never blocks a writer.
type hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan struct{})}
}

func (h *hub) subscribe() (<-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan struct{}, 1)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *hub) publish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe calls fn after committed writes until cancel is called. Several
// commits in quick succession may produce a single call.
func (s *Store) Subscribe(fn func()) (cancel func()) {
	ch, unsubscribe := s.hub.subscribe()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ch:
				fn()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			close(done)
		})
	}
}

// watch delivers load's result immediately, then again after every commit,
// until ctx is done. The subscription is registered before the first load
// so no commit between the two can be missed. It returns ctx.Err() on
// cancellation or the first load error.
func watch[T any](ctx context.Context, s *Store, load func(context.Context) (T, error), fn func(T)) error {
	ch, unsubscribe := s.hub.subscribe()
	defer unsubscribe()

	for {
		v, err := load(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(v)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// WatchEvents streams snapshots of all events, newest first. It blocks until
// ctx is cancelled.
func (s *Store) WatchEvents(ctx context.Context, fn func([]*model.Event)) error {
	return watch(ctx, s, s.ListAll, fn)
}

// WatchEventsByType streams snapshots of the events of type t.
func (s *Store) WatchEventsByType(ctx context.Context, t model.EventType, fn func([]*model.Event)) error {
	return watch(ctx, s, func(ctx context.Context) ([]*model.Event, error) {
		return s.ListByType(ctx, t)
	}, fn)
}

// WatchSyncState streams the sync state singleton. fn receives nil until
// the first pass writes it.
func (s *Store) WatchSyncState(ctx context.Context, fn func(*model.SyncState)) error {
	return watch(ctx, s, s.SyncState, fn)
}

// WatchPendingCount streams the live PENDING_SYNC count.
func (s *Store) WatchPendingCount(ctx context.Context, fn func(int)) error {
	return watch(ctx, s, s.CountPending, fn)
}
