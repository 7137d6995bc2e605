// Package memory keeps screenshots and conversion rows in process memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/JakeFAU/bookingwatch/internal/storage"
)

// Object is one stored blob.
type Object struct {
	ContentType string
	Data        []byte
}

// BlobStore stores screenshots in-memory and returns pseudo URIs. Existing paths are never replaced.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]Object)}
}

// PutObject persists the content and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	clean, err := storage.CleanPath(path)
	if err != nil {
		return "", err
	}
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[clean]; exists {
		return "", fmt.Errorf("put %s: %w", clean, storage.ErrObjectExists)
	}
	s.objects[clean] = Object{ContentType: contentType, Data: byteData}
	return "memory://" + clean, nil
}

// SignedURL returns the memory:// URI of an existing object; ttl is ignored.
func (s *BlobStore) SignedURL(_ context.Context, path string, _ time.Duration) (string, error) {
	clean, err := storage.CleanPath(path)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.objects[clean]; !ok {
		return "", fmt.Errorf("object %s not found", clean)
	}
	return "memory://" + clean, nil
}

// Get returns a copy of the stored object.
func (s *BlobStore) Get(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return Object{}, false
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return obj, true
}

// Len reports the number of stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// ReadObject returns the stored bytes for path. memory:// URIs cannot be fetched, so callers
// that need the raster read it here instead.
func (s *BlobStore) ReadObject(_ context.Context, path string) ([]byte, error) {
	clean, err := storage.CleanPath(path)
	if err != nil {
		return nil, err
	}
	obj, ok := s.Get(clean)
	if !ok {
		return nil, fmt.Errorf("object %s not found", clean)
	}
	return obj.Data, nil
}
