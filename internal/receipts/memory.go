// Package receipts persists application confirmation artifacts and hands the
// worker a URI to record in the session log.
package receipts

import (
	"context"
	"fmt"
	"sync"
)

// Memory stores receipts in-memory and returns pseudo URIs. Development and
// test use only.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates a new in-memory receipt store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Put persists the content and returns a memory:// URI.
func (s *Memory) Put(_ context.Context, path string, _ string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", path), nil
}

// Get returns a stored receipt, for test assertions.
func (s *Memory) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	return data, ok
}

// Len returns the number of stored receipts.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
