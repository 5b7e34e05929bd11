// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package cra

import (
	"fmt"
	"sync"
)

// VertexFactory creates a fresh, un-initialized Vertex instance. The
// source system embeds a serialized factory expression in the
// VertexDefinition row; this implementation substitutes a process-
// global registry per spec.md §9's Design Note, the same pattern the
// teacher uses for RegisterPluginProvider/pluginProviders.
type VertexFactory func() Vertex

var (
	factoryMu sync.RWMutex
	factories = map[string]VertexFactory{}
)

// RegisterVertexFactory registers a named factory for a vertex
// definition. Every worker process that may host vertices of this
// definition must call this at start, before any LOAD_VERTEX for that
// definition can succeed.
func RegisterVertexFactory(key string, f VertexFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[key] = f
}

// LookupVertexFactory resolves a factory key to its registered
// factory. It returns false if nothing is registered under that key.
func LookupVertexFactory(key string) (VertexFactory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[key]
	return f, ok
}

// NewVertex materializes a fresh Vertex from a VertexDefinition,
// returning VertexNotDefined if no factory is registered for it.
func NewVertex(def *VertexDefinition) (Vertex, error) {
	f, ok := LookupVertexFactory(def.FactoryKey)
	if !ok {
		return nil, fmt.Errorf("%w: no factory registered for key %q (definition %q)", VertexNotDefined, def.FactoryKey, def.Name)
	}
	return f(), nil
}
