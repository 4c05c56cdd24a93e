// Package memory implements an in-process blob store for tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Object is one stored artifact.
type Object struct {
	ContentType string
	Data        []byte
}

// Store keeps artifacts in a map.
type Store struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// New creates an empty store.
func New() *Store {
	return &Store{objects: make(map[string]Object)}
}

// PutObject stores one artifact and returns a mem:// URI.
func (s *Store) PutObject(_ context.Context, path string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	s.mu.Lock()
	s.objects[path] = Object{ContentType: contentType, Data: stored}
	s.mu.Unlock()
	return fmt.Sprintf("mem://%s", path), nil
}

// Get returns a stored artifact.
func (s *Store) Get(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	return obj, ok
}

// Len reports how many artifacts are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
