// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package artifact

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryStore is a map-backed Store (guarded by a sync.RWMutex) for
// unit tests and local
// bring-up without a real blob container — the direct analogue of
// metadata.InMemoryTableService, justified the same way in DESIGN.md.
type InMemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{blobs: map[string][]byte{}}
}

// Upload implements Store.
func (s *InMemoryStore) Upload(ctx context.Context, definition string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(blob))
	copy(cp, blob)
	s.blobs[definition] = cp
	return nil
}

// Download implements Store.
func (s *InMemoryStore) Download(ctx context.Context, definition string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blobs[definition]
	if !ok {
		return nil, fmt.Errorf("artifact: no blob uploaded for definition %q", definition)
	}

	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, nil
}

// Delete implements Store.
func (s *InMemoryStore) Delete(ctx context.Context, definition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blobs, definition)
	return nil
}

// Clear implements Store.
func (s *InMemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blobs = map[string][]byte{}
	return nil
}
