package blob

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. It is primarily intended for
// testing. Multipart uploads are emulated as plain writes.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	modTime time.Time
	data    []byte
	etag    string
}

var (
	_ Store       = (*MemoryStore)(nil)
	_ Multiparter = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string, meta map[string]string) (string, error) {
	cp := make([]byte, len(data))
	copy(cp, data)
	sum := md5.Sum(cp)
	etag := hex.EncodeToString(sum[:])

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: cp, modTime: time.Now(), etag: etag}
	return etag, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, nil
}

func (m *MemoryStore) Head(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var objects []Object
	for key, obj := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		objects = append(objects, Object{
			Key:          key,
			Size:         int64(len(obj.data)),
			LastModified: obj.modTime,
			ETag:         obj.etag,
		})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// SetModTime overrides an object's last-modified time. Test helper for
// age-based cleanup and sweep-fence behavior.
func (m *MemoryStore) SetModTime(key string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objects[key]; ok {
		obj.modTime = t
		m.objects[key] = obj
	}
}

// Corrupt flips the last byte of an object. Test helper for checksum
// verification paths.
func (m *MemoryStore) Corrupt(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok || len(obj.data) == 0 {
		return false
	}
	obj.data[len(obj.data)-1] ^= 0xff
	m.objects[key] = obj
	return true
}

func (m *MemoryStore) CreateMultipart(ctx context.Context, key string) (string, error) {
	return key, nil
}

func (m *MemoryStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj := m.objects[key+".upload"]
	obj.data = append(obj.data, data...)
	obj.modTime = time.Now()
	m.objects[key+".upload"] = obj
	return "", nil
}

func (m *MemoryStore) CompleteMultipart(ctx context.Context, key, uploadID string, etags []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj := m.objects[key+".upload"]
	delete(m.objects, key+".upload")
	obj.modTime = time.Now()
	m.objects[key] = obj
	return nil
}

func (m *MemoryStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key+".upload")
	return nil
}

func (m *MemoryStore) ListMultipart(ctx context.Context) ([]Upload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var uploads []Upload
	for key, obj := range m.objects {
		if strings.HasSuffix(key, ".upload") {
			trimmed := strings.TrimSuffix(key, ".upload")
			uploads = append(uploads, Upload{Key: trimmed, ID: trimmed, Initiated: obj.modTime})
		}
	}
	return uploads, nil
}

func (m *MemoryStore) CleanupMultipartOlderThan(ctx context.Context, age time.Duration) (int, error) {
	uploads, err := m.ListMultipart(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-age)
	cleaned := 0
	for _, u := range uploads {
		if u.Initiated.After(cutoff) {
			continue
		}
		if err := m.AbortMultipart(ctx, u.Key, u.ID); err != nil {
			return cleaned, err
		}
		cleaned++
	}
	return cleaned, nil
}
