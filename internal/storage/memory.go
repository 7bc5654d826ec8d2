package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
)

// MemoryKV keeps records in process memory.
type MemoryKV struct {
	mu      sync.Mutex
	clock   clock.Clock
	records map[string]map[string]Entry
}

// NewMemoryKV creates an empty in-memory store. A nil clock uses wall time.
func NewMemoryKV(clk clock.Clock) *MemoryKV {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryKV{
		clock:   clk,
		records: make(map[string]map[string]Entry),
	}
}

func (m *MemoryKV) Get(_ context.Context, namespace, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.records[namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(entry.Value), nil
}

func (m *MemoryKV) Set(_ context.Context, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.records[namespace]
	if !ok {
		ns = make(map[string]Entry)
		m.records[namespace] = ns
	}
	ns[key] = Entry{Key: key, Value: cloneBytes(value), UpdatedAt: m.clock.Now()}
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records[namespace], key)
	return nil
}

func (m *MemoryKV) Take(_ context.Context, namespace, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.records[namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.records[namespace], key)
	return entry.Value, nil
}

func (m *MemoryKV) List(_ context.Context, namespace, prefix string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for key, entry := range m.records[namespace] {
		if strings.HasPrefix(key, prefix) {
			entry.Value = cloneBytes(entry.Value)
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryKV) Close() error { return nil }

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
