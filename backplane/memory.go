package backplane

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/jonwraymond/swrr/cache"
)

// Memory is an in-process key-value backplane with attached metadata.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	opts    options
}

type memoryEntry struct {
	value     []byte
	metadata  cache.Metadata
	expiresAt time.Time
}

// NewMemory creates an empty in-memory backplane.
func NewMemory(opts ...Option) *Memory {
	return &Memory{
		entries: make(map[string]*memoryEntry),
		opts:    newOptions(opts),
	}
}

// Read returns the stored value and metadata, or an empty Result once the
// entry reaches its horizon.
func (m *Memory) Read(_ context.Context, key string, _ cache.Type, _ time.Duration) (cache.Result, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return cache.Result{}, nil
	}

	if !m.opts.now().Before(entry.expiresAt) {
		m.mu.Lock()
		// Another writer may have replaced it in between.
		if cur, ok := m.entries[key]; ok && cur == entry {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return cache.Result{}, nil
	}

	md := entry.metadata
	return cache.Result{
		Value:    bytes.Clone(entry.value),
		Metadata: &md,
	}, nil
}

// Put stores value until now+maxTTL. A non-positive maxTTL stores nothing.
func (m *Memory) Put(_ context.Context, key string, value []byte, md cache.Metadata, maxTTL time.Duration) (bool, error) {
	if maxTTL <= 0 {
		return false, nil
	}

	stored := bytes.Clone(value)
	if stored == nil {
		stored = []byte{}
	}

	m.mu.Lock()
	m.entries[key] = &memoryEntry{
		value:     stored,
		metadata:  md,
		expiresAt: m.opts.now().Add(maxTTL),
	}
	m.mu.Unlock()

	return true, nil
}

// Defer hands task to the configured Deferrer.
func (m *Memory) Defer(task func(ctx context.Context)) {
	m.opts.deferrer.Defer(task)
}

// Len reports the number of stored entries, including ones past their
// horizon that have not been read since.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

var _ cache.Backplane = (*Memory)(nil)
