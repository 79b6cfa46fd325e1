package blob

import (
	"context"
	"sync"
)

// Memory is an in-memory Bucket for tests and local development.
type Memory struct {
	mu      sync.Mutex
	objects map[string]memObject
	putErr  error
}

type memObject struct {
	data        []byte
	contentType string
}

var _ Bucket = (*Memory)(nil)

// NewMemory returns an empty in-memory bucket.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

// BreakPut makes Put fail with err until cleared with nil.
func (m *Memory) BreakPut(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putErr = err
}

func (m *Memory) Put(_ context.Context, path string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.putErr != nil {
		return m.putErr
	}
	m.objects[path] = memObject{
		data:        append([]byte(nil), data...),
		contentType: contentType,
	}
	return nil
}

func (m *Memory) PublicURL(path string) string { return "memory://" + path }

// Object returns a stored object's bytes and content type. Test helper.
func (m *Memory) Object(path string) (data []byte, contentType string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var obj, found = m.objects[path]
	if !found {
		return nil, "", false
	}
	return append([]byte(nil), obj.data...), obj.contentType, true
}

// Len is the stored object count. Test helper.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
