// Package capability caches what each serving endpoint is known to support.
// Successful streamed replies record that the endpoint streams; the gateway
// reads the cache to decide between streaming and one-shot calls.
package capability

import (
	"context"
	"sync"
	"time"
)

// Entry records what an endpoint supported when it was last checked.
type Entry struct {
	SupportsStreaming bool      `json:"supports_streaming"`
	SupportsTrace     bool      `json:"supports_trace"`
	LastChecked       time.Time `json:"last_checked"`
}

// Store holds one Entry per endpoint. Writes are last-write-wins.
type Store interface {
	Get(ctx context.Context, endpoint string) (Entry, bool, error)
	Set(ctx context.Context, endpoint string, entry Entry) error
	// Prune drops entries last checked before cutoff and reports how many
	// were removed.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Count(ctx context.Context) (int, error)
}

// StreamingAllowed reports whether a request to endpoint should stream.
// Unknown endpoints are assumed to stream so the first reply probes them.
func StreamingAllowed(ctx context.Context, store Store, endpoint string) bool {
	if store == nil {
		return true
	}
	entry, ok, err := store.Get(ctx, endpoint)
	if err != nil || !ok {
		return true
	}
	return entry.SupportsStreaming
}

// MemoryStore is a process-local Store. It starts empty.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory capability store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]Entry{}}
}

func (m *MemoryStore) Get(_ context.Context, endpoint string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[endpoint]
	return entry, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, endpoint string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[endpoint] = entry
	return nil
}

func (m *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for endpoint, entry := range m.entries {
		if entry.LastChecked.Before(cutoff) {
			delete(m.entries, endpoint)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}
