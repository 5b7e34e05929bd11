// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/whitaker-io/cra"
	"github.com/whitaker-io/cra/connection"
)

// InstantiateShardedVertex instantiates shardsPerInstance shards on
// each entry in instances, giving each instance a consecutive run of
// shard indices (the first instance gets 0..shardsPerInstance-1, and
// so on), then writes the sharded descriptor row *after* launching
// every per-shard instantiation — the source writes the sharded row
// this way and does not roll it back on failure, since the shards
// already exist in the vertex table independently of the descriptor.
// Aggregate error is the first non-success code seen, or Success if
// every shard loaded.
func (c *Client) InstantiateShardedVertex(ctx context.Context, instances []string, base, definition string, param []byte, shardsPerInstance int, locator string) cra.ErrorCode {
	totalShards := len(instances) * shardsPerInstance
	shardIdx := 0

	type result struct {
		code cra.ErrorCode
	}
	results := make([]result, totalShards)

	var wg sync.WaitGroup
	allShards := make([]int, 0, totalShards)
	for _, instance := range instances {
		for i := 0; i < shardsPerInstance; i++ {
			idx := shardIdx
			shardIdx++
			allShards = append(allShards, idx)

			wg.Add(1)
			go func(instance string, idx int) {
				defer wg.Done()
				name := cra.ShardChildName(base, idx)
				results[idx] = result{code: c.InstantiateVertex(ctx, instance, name, definition, shardParam(idx, param))}
			}(instance, idx)
		}
	}
	wg.Wait()

	aggregate := cra.Success
	for _, r := range results {
		if !r.code.IsSuccess() && aggregate.IsSuccess() {
			aggregate = r.code
		}
	}

	if err := c.sm.RegisterShardedVertex(ctx, &cra.ShardedVertexRow{
		BaseName:     base,
		Epoch:        nextEpoch(),
		AllInstances: instances,
		AllShards:    allShards,
		ShardLocator: locator,
	}); err != nil {
		log.WithError(err).WithField("base", base).Warn("client: failed to persist sharded descriptor, shards already instantiated")
	}

	return aggregate
}

var epochMu sync.Mutex
var epochCounter int64

// nextEpoch hands out a monotonically increasing epoch for sharded
// descriptors within this process. A real deployment would derive
// this from wall-clock time or a sequencer; tests and this package
// only need strict ordering between successive calls.
func nextEpoch() int64 {
	epochMu.Lock()
	defer epochMu.Unlock()
	epochCounter++
	return epochCounter
}

// shardParam prefixes param with the 4-byte little-endian shard index
// spec.md §4.4 describes for the (shardIndex, userParam) tuple — the
// same encoding worker.splitShardIndex parses back apart.
func shardParam(idx int, param []byte) []byte {
	out := make([]byte, 4+len(param))
	out[0] = byte(idx)
	out[1] = byte(idx >> 8)
	out[2] = byte(idx >> 16)
	out[3] = byte(idx >> 24)
	copy(out[4:], param)
	return out
}

// GetShardingInfo returns the latest sharded-vertex descriptor for
// base, picking the highest epoch as authoritative.
func (c *Client) GetShardingInfo(ctx context.Context, base string) (*cra.ShardedVertexRow, bool, error) {
	return c.sm.LatestShardingInfo(ctx, base)
}

// DeleteShardedVertex removes every shard's vertex row and the
// descriptor row itself, issuing a partition-scoped prefix delete per
// named instance in parallel.
func (c *Client) DeleteShardedVertex(ctx context.Context, base string) error {
	return c.sm.DeleteShardedVertex(ctx, c.vm, base)
}

// ConnectShardedVerticesWithFullMesh wires every shard of fromBase to
// every shard of toBase in a full mesh: shard j's fromEndpoints[k]
// connects to shard k's toEndpoints[j], for j over fromBase's shards
// and k over toBase's shards. This only type-checks when
// len(fromEndpoints) == the number of toBase shards and
// len(toEndpoints) == the number of fromBase shards; any other arity
// creates zero rows and returns VerticesEndpointsNotMatched.
func (c *Client) ConnectShardedVerticesWithFullMesh(ctx context.Context, fromBase string, fromEndpoints []string, toBase string, toEndpoints []string) (int, cra.ErrorCode) {
	fromInfo, found, err := c.sm.LatestShardingInfo(ctx, fromBase)
	if err != nil || !found {
		return 0, cra.VertexNotFound
	}
	toInfo, found, err := c.sm.LatestShardingInfo(ctx, toBase)
	if err != nil || !found {
		return 0, cra.VertexNotFound
	}

	fromShards := len(fromInfo.AllShards)
	toShards := len(toInfo.AllShards)

	if len(fromEndpoints) != toShards || len(toEndpoints) != fromShards {
		return 0, cra.VerticesEndpointsNotMatched
	}

	type link struct {
		fromVertex, fromEndpoint, toVertex, toEndpoint string
	}
	links := make([]link, 0, fromShards*toShards)
	for j := 0; j < fromShards; j++ {
		for k := 0; k < toShards; k++ {
			links = append(links, link{
				fromVertex:   cra.ShardChildName(fromBase, j),
				fromEndpoint: fromEndpoints[k],
				toVertex:     cra.ShardChildName(toBase, k),
				toEndpoint:   toEndpoints[j],
			})
		}
	}

	established := 0
	for _, l := range links {
		code := c.Connect(ctx, l.fromVertex, l.fromEndpoint, l.toVertex, l.toEndpoint, connection.FromSide)
		if code.IsSuccess() {
			established++
		} else {
			log.WithField("link", fmt.Sprintf("%s.%s->%s.%s", l.fromVertex, l.fromEndpoint, l.toVertex, l.toEndpoint)).WithField("code", code).Warn("client: full-mesh link did not establish, row written for later reconciliation")
		}
	}

	return len(links), cra.Success
}
