package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory implements Store in memory. It's primarily intended for testing.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

type memEntry struct {
	modTime time.Time
	value   []byte
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry)}
}

func (m *Memory) Backend() Backend { return BackendMemory }

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(entry.value))
	copy(cp, entry.value)
	return cp, nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: cp, modTime: time.Now()}
	return nil
}

func (m *Memory) Keys(ctx context.Context) ([]KeyInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]KeyInfo, 0, len(m.entries))
	for key, entry := range m.entries {
		infos = append(infos, KeyInfo{
			Key:          key,
			Size:         int64(len(entry.value)),
			LastModified: entry.modTime,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (m *Memory) Delete(ctx context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

// SetModTime overrides a key's last write time. Test helper for
// retention-window and sweep-fence behavior.
func (m *Memory) SetModTime(key string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[key]; ok {
		entry.modTime = t
		m.entries[key] = entry
	}
}

// SetModTimePrefix overrides the last write time of every key under prefix.
// Test helper.
func (m *Memory) SetModTimePrefix(prefix string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		if strings.HasPrefix(key, prefix) {
			entry.modTime = t
			m.entries[key] = entry
		}
	}
}

// Len returns the number of stored keys. Test helper.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
