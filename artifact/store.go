// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package artifact is the abstract binary distribution layer spec.md
// §1 names as out of scope: an opaque blob, keyed by vertex-definition
// name, that a worker downloads before it can materialize a vertex of
// that definition. A concrete backend lives in internal/artifact/s3;
// this package defines the interface, a local caching wrapper, and an
// in-memory Store (memstore.go).
package artifact

import (
	"context"
	"sync"
)

// Store uploads and downloads the binary an instantiated vertex needs,
// keyed by VertexDefinition.Name — the artifact container "cra" with
// entries "<definition>/binaries" from spec.md §6.
type Store interface {
	Upload(ctx context.Context, definition string, blob []byte) error
	Download(ctx context.Context, definition string) ([]byte, error)
	Delete(ctx context.Context, definition string) error

	// Clear empties the whole container. It is the artifact-store half
	// of spec.md §6's reset(): the metadata tables are wiped by
	// client.Client.Reset, and the "cra" blob container by this.
	Clear(ctx context.Context) error
}

// CachingStore wraps a Store with a local, process-wide cache keyed by
// definition name, so repeated LOAD_VERTEX calls for the same
// definition on one worker only fetch once (spec.md §4.5's "download
// artifact if not cached").
type CachingStore struct {
	backing Store

	mu    sync.RWMutex
	cache map[string][]byte
}

// NewCachingStore wraps backing with a local cache.
func NewCachingStore(backing Store) *CachingStore {
	return &CachingStore{
		backing: backing,
		cache:   map[string][]byte{},
	}
}

// Upload writes through to the backing store and invalidates any
// locally cached copy, since the blob content has changed.
func (c *CachingStore) Upload(ctx context.Context, definition string, blob []byte) error {
	if err := c.backing.Upload(ctx, definition, blob); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.cache, definition)
	c.mu.Unlock()
	return nil
}

// Download returns the cached blob for definition if present, else
// fetches it from the backing store and caches the result.
func (c *CachingStore) Download(ctx context.Context, definition string) ([]byte, error) {
	c.mu.RLock()
	if b, ok := c.cache[definition]; ok {
		c.mu.RUnlock()
		return b, nil
	}
	c.mu.RUnlock()

	b, err := c.backing.Download(ctx, definition)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[definition] = b
	c.mu.Unlock()

	return b, nil
}

// Delete removes the blob from the backing store and the local cache.
func (c *CachingStore) Delete(ctx context.Context, definition string) error {
	if err := c.backing.Delete(ctx, definition); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.cache, definition)
	c.mu.Unlock()
	return nil
}

// Clear empties the backing store and the local cache.
func (c *CachingStore) Clear(ctx context.Context) error {
	if err := c.backing.Clear(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.cache = map[string][]byte{}
	c.mu.Unlock()
	return nil
}
