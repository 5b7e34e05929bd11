// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package metadata

import (
	"context"
	"encoding/json"

	"github.com/whitaker-io/cra"
)

// EndpointManager wraps the endpoint table, keyed by (vertex,
// endpoint).
type EndpointManager struct {
	ts TableService
}

// NewEndpointManager constructs an EndpointManager over ts.
func NewEndpointManager(ts TableService) *EndpointManager {
	return &EndpointManager{ts: ts}
}

// AddEndpoint inserts or replaces an endpoint row. Direction and
// Async are immutable after creation per spec.md §3, so callers
// should not call this twice with different values for the same
// (vertex, endpoint) — nothing here enforces that, matching the
// source's treatment of insert-or-replace as idempotent.
func (m *EndpointManager) AddEndpoint(ctx context.Context, vertex, endpoint string, dir cra.Direction, async cra.Async) error {
	row := cra.EndpointRow{
		VertexName:   vertex,
		EndpointName: endpoint,
		Direction:    dir,
		Async:        async,
	}

	value, err := json.Marshal(&row)
	if err != nil {
		return err
	}

	return m.ts.InsertOrReplace(ctx, EndpointTable, vertex, endpoint, value)
}

// DeleteEndpoint removes a single endpoint row.
func (m *EndpointManager) DeleteEndpoint(ctx context.Context, vertex, endpoint string) error {
	return m.ts.Delete(ctx, EndpointTable, vertex, endpoint)
}

// EndpointsOf returns every endpoint row for vertex matching
// direction. Pass "" for direction to return all of them.
func (m *EndpointManager) EndpointsOf(ctx context.Context, vertex string, direction cra.Direction) ([]*cra.EndpointRow, error) {
	rows, err := m.ts.ScanPartition(ctx, EndpointTable, vertex)
	if err != nil {
		return nil, err
	}

	out := []*cra.EndpointRow{}
	for _, r := range rows {
		var row cra.EndpointRow
		if err := json.Unmarshal(r.Value, &row); err != nil {
			continue
		}
		if direction != "" && row.Direction != direction {
			continue
		}
		out = append(out, &row)
	}
	return out, nil
}

// DeleteAllEndpointsForVertex deletes every endpoint row belonging to
// vertex, using the configured batch fan-in.
func (m *EndpointManager) DeleteAllEndpointsForVertex(ctx context.Context, vertex string, fanIn int) (int, error) {
	rows, err := m.EndpointsOf(ctx, vertex, "")
	if err != nil {
		return 0, err
	}

	names := make([]string, len(rows))
	for i, r := range rows {
		names[i] = r.EndpointName
	}

	if err := DeleteBatch(ctx, m.ts, EndpointTable, vertex, names, fanIn); err != nil {
		return 0, err
	}
	return len(names), nil
}
