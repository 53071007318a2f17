package objectstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ajitpratap0/tributary/pkg/errors"
)

// Object is a stored object in a MemoryStore
type Object struct {
	Body        []byte
	ContentType string
	Metadata    map[string]string
}

// MemoryStore keeps objects in process. FailPut, when set, is consulted
// before every Put and its error returned instead of storing.
type MemoryStore struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]Object

	FailPut func(key string) error
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{bucket: bucket, objects: make(map[string]Object)}
}

// Bucket implements Store
func (m *MemoryStore) Bucket() string { return m.bucket }

// Put implements Store
func (m *MemoryStore) Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "put cancelled")
	}
	if m.FailPut != nil {
		if err := m.FailPut(key); err != nil {
			return err
		}
	}
	buf := make([]byte, len(body))
	copy(buf, body)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = Object{Body: buf, ContentType: contentType, Metadata: metadata}
	return nil
}

// Get implements Store
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, errors.Wrap(ErrObjectNotFound, errors.ErrorTypeNotFound, key)
	}
	return obj.Body, nil
}

// Delete implements Store
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// EnsureBucket implements Store
func (m *MemoryStore) EnsureBucket(context.Context) error { return nil }

// Object returns the stored object at key
func (m *MemoryStore) Object(key string) (Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj, ok
}

// Keys returns stored keys with prefix, sorted
func (m *MemoryStore) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
