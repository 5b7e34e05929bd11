// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package metadata

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/whitaker-io/cra"
)

// ShardedVertexManager wraps the sharded-vertex table, keyed by
// (base, epoch) with the highest epoch being authoritative.
type ShardedVertexManager struct {
	ts TableService
}

// NewShardedVertexManager constructs a ShardedVertexManager over ts.
func NewShardedVertexManager(ts TableService) *ShardedVertexManager {
	return &ShardedVertexManager{ts: ts}
}

// RegisterShardedVertex persists a new epoch of the sharded
// descriptor for base. Per spec.md §9's preserved Open Question, this
// is called after the per-shard instantiations have already been
// launched — it is not rolled back if those instantiations fail, and
// this call itself does not inspect their results.
func (m *ShardedVertexManager) RegisterShardedVertex(ctx context.Context, row *cra.ShardedVertexRow) error {
	value, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return m.ts.InsertOrReplace(ctx, ShardedVertexTable, row.BaseName, strconv.FormatInt(row.Epoch, 10), value)
}

// LatestShardingInfo returns the highest-epoch descriptor for base.
func (m *ShardedVertexManager) LatestShardingInfo(ctx context.Context, base string) (*cra.ShardedVertexRow, bool, error) {
	rows, err := m.ts.ScanPartition(ctx, ShardedVertexTable, base)
	if err != nil {
		return nil, false, err
	}

	var best *cra.ShardedVertexRow
	for _, r := range rows {
		var row cra.ShardedVertexRow
		if err := json.Unmarshal(r.Value, &row); err != nil {
			continue
		}
		if best == nil || row.Epoch > best.Epoch {
			best = &row
		}
	}

	if best == nil {
		return nil, false, nil
	}
	return best, true, nil
}

// RowsForShardedVertex returns every materialized member vertex row
// for base (prefix scan on "base$").
func (m *ShardedVertexManager) RowsForShardedVertex(ctx context.Context, vm *VertexManager, base string) ([]*cra.VertexRow, error) {
	return vm.RowsWithPrefix(ctx, base+"$")
}

// DeleteShardedVertex removes every shard's vertex row and the
// descriptor row itself. It groups base's materialized member rows
// (RowsForShardedVertex's "base$" prefix scan) by the instance that
// hosts them and issues one partition-scoped prefix delete per
// instance in parallel, then drops every epoch of the descriptor.
func (m *ShardedVertexManager) DeleteShardedVertex(ctx context.Context, vm *VertexManager, base string) error {
	members, err := m.RowsForShardedVertex(ctx, vm, base)
	if err != nil {
		return err
	}

	byInstance := map[string][]string{}
	for _, r := range members {
		byInstance[r.Instance] = append(byInstance[r.Instance], r.VertexName)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(byInstance))
	for instance, names := range byInstance {
		wg.Add(1)
		go func(instance string, names []string) {
			defer wg.Done()
			errs <- DeleteBatch(ctx, vm.ts, VertexTable, instance, names, 100)
		}(instance, names)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}

	rows, err := m.ts.ScanPartition(ctx, ShardedVertexTable, base)
	if err != nil {
		return err
	}

	epochs := make([]string, len(rows))
	for i, r := range rows {
		epochs[i] = r.RowKey
	}

	return DeleteBatch(ctx, m.ts, ShardedVertexTable, base, epochs, 100)
}
