package blobstore

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

type memoryBlob struct {
	data        []byte
	contentType string
	modified    time.Time
}

// Memory is a Store held in process memory.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string]memoryBlob
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string]memoryBlob)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, "", ErrNotFound
	}
	return slices.Clone(b.data), b.contentType, nil
}

func (m *Memory) Put(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = memoryBlob{data: slices.Clone(data), contentType: contentType, modified: time.Now()}
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Object
	for key, b := range m.blobs {
		if strings.HasPrefix(key, prefix) {
			out = append(out, Object{Key: key, Size: int64(len(b.data)), ContentType: b.contentType, LastModified: b.modified})
		}
	}
	slices.SortFunc(out, func(a, b Object) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[key]; !ok {
		return ErrNotFound
	}
	delete(m.blobs, key)
	return nil
}
