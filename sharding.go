// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package cra

import "sync"

// ShardLocator maps a routing key to the shard index that should
// handle it. The source embeds a serialized expression tree for this;
// per spec.md §9 this implementation persists a symbolic name and
// resolves it in a per-process registry, the same substitution used
// for VertexFactory.
type ShardLocator func(key string, shardCount int) int

var (
	locatorMu sync.RWMutex
	locators  = map[string]ShardLocator{}
)

// RegisterShardLocator registers a named shard-locator function.
func RegisterShardLocator(name string, l ShardLocator) {
	locatorMu.Lock()
	defer locatorMu.Unlock()
	locators[name] = l
}

// LookupShardLocator resolves a registered locator by name.
func LookupShardLocator(name string) (ShardLocator, bool) {
	locatorMu.RLock()
	defer locatorMu.RUnlock()
	l, ok := locators[name]
	return l, ok
}

func init() {
	// "key mod N" is the small DSL fragment spec.md §9 offers as the
	// alternative to a registry entry; it's also useful as the
	// default for callers that don't need custom routing.
	RegisterShardLocator("key mod N", func(key string, shardCount int) int {
		if shardCount <= 0 {
			return 0
		}
		h := fnv32(key)
		return int(h % uint32(shardCount))
	})
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h *= prime32
		h ^= uint32(s[i])
	}
	return h
}
