package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"mediary/pkg/types"
)

// MemoryStore keeps the queue in process memory. It is not durable.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]types.QueuedMessage
	closed bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[int64]types.QueuedMessage)}
}

func (m *MemoryStore) Insert(_ context.Context, msg types.Message) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.nextID++
	payload := append([]byte(nil), msg.Payload...)
	msg.Payload = payload
	m.items[m.nextID] = types.QueuedMessage{ID: m.nextID, Message: msg, QueuedAt: time.Now()}
	return m.nextID, nil
}

func (m *MemoryStore) List(_ context.Context) ([]types.QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]types.QueuedMessage, 0, len(m.items))
	for _, qm := range m.items {
		out = append(out, qm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.items, id)
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len returns the number of queued records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
