// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package cra

import (
	"fmt"
	"regexp"
)

// DefinitionNamePattern is the DNS-style name every VertexDefinition
// must match — the artifact store requires it.
var DefinitionNamePattern = regexp.MustCompile(`^([a-z0-9]([-a-z0-9]){2,62}|\$root)$`)

// ValidDefinitionName reports whether name is a legal vertex-definition
// name.
func ValidDefinitionName(name string) bool {
	return DefinitionNamePattern.MatchString(name)
}

// Direction is the flow direction of an Endpoint.
type Direction string

const (
	// Input marks an endpoint that accepts an inbound byte stream.
	Input Direction = "input"
	// Output marks an endpoint that produces an outbound byte stream.
	Output Direction = "output"
)

// Async marks whether an endpoint's IO loop runs cooperatively
// (yielding between reads/writes) or is permitted to block a
// dedicated goroutine.
type Async string

const (
	// Sync endpoints are allowed to block a dedicated worker goroutine.
	Sync Async = "sync"
	// AsyncMode endpoints cooperatively yield between reads/writes.
	AsyncMode Async = "async"
)

// Instance is a running worker process, identified by name.
type Instance struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// VertexDefinition pairs a registered factory (see RegisterVertexFactory)
// with the artifact blob needed to materialize vertices of this type.
type VertexDefinition struct {
	Name       string `json:"name"`
	FactoryKey string `json:"factory_key"`
	IsSharded  bool   `json:"is_sharded"`
}

// VertexRow is the persisted row for a single materialized vertex.
type VertexRow struct {
	Instance      string `json:"instance"`
	VertexName    string `json:"vertex_name"`
	Definition    string `json:"definition"`
	ParameterBlob []byte `json:"parameter_blob"`
}

// IsInstanceRow reports whether this row represents an instance
// registration rather than a materialized vertex — the vertex table
// represents instances as a row with an empty vertex name.
func (v *VertexRow) IsInstanceRow() bool {
	return v.VertexName == ""
}

// EndpointRow is the persisted row for a named input/output port on a
// vertex.
type EndpointRow struct {
	VertexName   string    `json:"vertex_name"`
	EndpointName string    `json:"endpoint_name"`
	Direction    Direction `json:"direction"`
	Async        Async     `json:"async"`
}

// ConnectionRow is the persisted row for a directed link between an
// output endpoint and an input endpoint. The 4-tuple is its identity.
type ConnectionRow struct {
	FromVertex   string `json:"from_vertex"`
	FromEndpoint string `json:"from_endpoint"`
	ToVertex     string `json:"to_vertex"`
	ToEndpoint   string `json:"to_endpoint"`

	// Initiator records which side dials when this connection is
	// (re-)established: ConnectionInitiatorToSide, or the empty
	// ConnectionInitiatorFromSide for the common case. Persisting it
	// lets a worker's reconcile pass redial from the correct side
	// instead of assuming fromVertex always initiates.
	Initiator string `json:"initiator,omitempty"`
}

// The two values ConnectionRow.Initiator may hold. connection.Initiator
// is defined against these same literals so a row's value converts
// directly to connection.Initiator at the package boundary.
const (
	ConnectionInitiatorFromSide = ""
	ConnectionInitiatorToSide   = "to_side"
)

// Key returns the unique string identity of the connection, used to
// identify it in log fields.
func (c *ConnectionRow) Key() string {
	return fmt.Sprintf("%s/%s->%s/%s", c.FromVertex, c.FromEndpoint, c.ToVertex, c.ToEndpoint)
}

// IsReverseInitiator reports whether ToVertex's worker is responsible
// for (re-)dialing this connection rather than FromVertex's.
func (c *ConnectionRow) IsReverseInitiator() bool {
	return c.Initiator == ConnectionInitiatorToSide
}

// ShardedVertexRow is the persisted descriptor for a sharded vertex
// group. Member vertices carry names of the form baseName + "$" +
// shardIndex.
type ShardedVertexRow struct {
	BaseName      string   `json:"base_name"`
	Epoch         int64    `json:"epoch"`
	AllInstances  []string `json:"all_instances"`
	AllShards     []int    `json:"all_shards"`
	AddedShards   []int    `json:"added_shards,omitempty"`
	RemovedShards []int    `json:"removed_shards,omitempty"`
	ShardLocator  string   `json:"shard_locator,omitempty"`
}

// ShardChildName returns the concrete per-shard vertex name for a
// shard index within a sharded group.
func ShardChildName(base string, shard int) string {
	return fmt.Sprintf("%s$%d", base, shard)
}
