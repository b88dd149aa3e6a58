package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sofiatracker/syncengine/internal/model"
)

// Memory is an in-process document collection with the same semantics as
// the eventsd server: server-assigned IDs, LastModified stamped on every
// write, and full-collection snapshots for subscribers.
type Memory struct {
	clock *Clock

	mu   sync.Mutex
	docs map[string]*model.RemoteEvent
	next int
	subs map[int]chan struct{}
}

// NewMemory returns an empty collection. now may be nil.
func NewMemory(now func() time.Time) *Memory {
	return &Memory{
		clock: NewClock(now),
		docs:  make(map[string]*model.RemoteEvent),
		subs:  make(map[int]chan struct{}),
	}
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Available always reports true.
func (m *Memory) Available(context.Context) bool { return true }

// Get returns a copy of the document with the given ID.
func (m *Memory) Get(_ context.Context, id string) (*model.RemoteEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("get remote event %q: %w", id, ErrNotFound)
	}
	return doc.Clone(), nil
}

// Save upserts ev, assigning an ID when it has none.
func (m *Memory) Save(_ context.Context, ev *model.RemoteEvent) (*model.RemoteEvent, error) {
	doc := ev.Clone()
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}

	// Stamp under the lock so stamps become visible in order.
	m.mu.Lock()
	doc.LastModified = m.clock.Next()
	m.docs[doc.ID] = doc
	m.mu.Unlock()
	m.notify()
	return doc.Clone(), nil
}

// Delete hard-deletes the document.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.docs[id]
	delete(m.docs, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("delete remote event %q: %w", id, ErrNotFound)
	}
	m.notify()
	return nil
}

// ModifiedAfter returns documents with LastModified > ms, oldest first.
func (m *Memory) ModifiedAfter(_ context.Context, ms int64) ([]*model.RemoteEvent, error) {
	return m.snapshot(ms), nil
}

// All returns the whole collection, oldest first.
func (m *Memory) All(context.Context) ([]*model.RemoteEvent, error) {
	return m.snapshot(-1), nil
}

// Subscribe delivers the collection now and after every write until ctx is
// cancelled.
func (m *Memory) Subscribe(ctx context.Context, fn func([]*model.RemoteEvent)) error {
	m.mu.Lock()
	id := m.next
	m.next++
	ch := make(chan struct{}, 1)
	m.subs[id] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}()

	for {
		fn(m.snapshot(-1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (m *Memory) snapshot(after int64) []*model.RemoteEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.RemoteEvent, 0, len(m.docs))
	for _, doc := range m.docs {
		if doc.LastModified > after {
			out = append(out, doc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastModified < out[j].LastModified })
	return out
}

func (m *Memory) notify() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
