package objstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/file-vault/fv/internal/pathkey"
)

// memVersion is one entry in a key's version stack. The newest entry
// is the current version; a marker entry hides the key from reads.
type memVersion struct {
	id          string
	body        []byte
	contentType string
	marker      bool
}

// MemStore is an in-memory Store with S3 versioning semantics. It
// backs tests and the local development mode; version stacks, delete
// markers and version-addressed deletes behave like a versioned
// bucket.
type MemStore struct {
	mu      sync.Mutex
	objects map[string][]memVersion
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]memVersion)}
}

func (m *MemStore) put(key string, body []byte, contentType string, marker bool) string {
	id := uuid.NewString()
	m.objects[key] = append(m.objects[key], memVersion{
		id:          id,
		body:        body,
		contentType: contentType,
		marker:      marker,
	})
	return id
}

// current returns the newest version of key, nil when the key is
// absent or marker-hidden.
func (m *MemStore) current(key string) *memVersion {
	stack := m.objects[key]
	if len(stack) == 0 {
		return nil
	}
	v := &stack[len(stack)-1]
	if v.marker {
		return nil
	}
	return v
}

// version returns the version of key with the given id, markers
// included.
func (m *MemStore) version(key, id string) *memVersion {
	stack := m.objects[key]
	for i := range stack {
		if stack[i].id == id {
			return &stack[i]
		}
	}
	return nil
}

// CreatePlaceholder implements Store.
func (m *MemStore) CreatePlaceholder(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	contentType := pathkey.ContentTypeHint(key)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return m.put(key, nil, contentType, false), nil
}

// Upload implements Store.
func (m *MemStore) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(body))
	copy(buf, body)
	return m.put(key, buf, contentType, false), nil
}

// Download implements Store.
func (m *MemStore) Download(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.current(key)
	if v == nil {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(v.body))
	copy(buf, v.body)
	return buf, nil
}

// CopyVersion implements Store. An empty srcVersionID copies the
// current version; a historic version id works even when a marker
// hides the key, exactly like a versioned GET.
func (m *MemStore) CopyVersion(ctx context.Context, srcKey, srcVersionID, dstKey, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var src *memVersion
	if srcVersionID == "" {
		src = m.current(srcKey)
	} else {
		src = m.version(srcKey, srcVersionID)
	}
	if src == nil || src.marker {
		return "", ErrNotFound
	}

	ct := contentType
	if ct == "" {
		ct = src.contentType
	}
	buf := make([]byte, len(src.body))
	copy(buf, src.body)
	return m.put(dstKey, buf, ct, false), nil
}

// RestoreVersion implements Store.
func (m *MemStore) RestoreVersion(ctx context.Context, key, versionID string) (string, error) {
	return m.CopyVersion(ctx, key, versionID, key, "")
}

// SoftDelete implements Store. Like S3, a delete without a version id
// always creates a marker, even on a key with no versions underneath.
func (m *MemStore) SoftDelete(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(key, nil, "", true), nil
}

// PermanentDelete implements Store. Deleting a version id that does
// not exist is a no-op, matching S3.
func (m *MemStore) PermanentDelete(ctx context.Context, key, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stack := m.objects[key]
	for i := range stack {
		if stack[i].id == versionID {
			stack = append(stack[:i], stack[i+1:]...)
			break
		}
	}
	if len(stack) == 0 {
		delete(m.objects, key)
	} else {
		m.objects[key] = stack
	}
	return nil
}

// BatchSoftDelete implements Store.
func (m *MemStore) BatchSoftDelete(ctx context.Context, keys []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	markers := make(map[string]string, len(keys))
	for _, k := range keys {
		markers[k] = m.put(k, nil, "", true)
	}
	return markers, nil
}

// ListByPrefix implements Store. Output is sorted by key so traversal
// order is deterministic.
func (m *MemStore) ListByPrefix(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var infos []ObjectInfo
	for key := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		v := m.current(key)
		if v == nil {
			continue
		}
		infos = append(infos, ObjectInfo{Key: key, Size: int64(len(v.body))})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// CurrentVersionID implements Store.
func (m *MemStore) CurrentVersionID(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.current(key)
	if v == nil {
		return "", ErrNotFound
	}
	return v.id, nil
}

// ContentType implements Store.
func (m *MemStore) ContentType(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.current(key)
	if v == nil {
		return "", ErrNotFound
	}
	return v.contentType, nil
}

// VersionCount reports how many versions (markers included) key has.
// Test helper.
func (m *MemStore) VersionCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects[key])
}
