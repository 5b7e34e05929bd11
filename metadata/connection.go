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

// ConnectionManager wraps the connection table. Rows are partitioned
// by fromVertex so ConnectionsFrom is a single-partition scan;
// ConnectionsTo has to scan the whole table, which is acceptable
// given spec.md §5's "no ordering guarantees... callers must tolerate
// eventually consistent scans".
type ConnectionManager struct {
	ts TableService
}

// NewConnectionManager constructs a ConnectionManager over ts.
func NewConnectionManager(ts TableService) *ConnectionManager {
	return &ConnectionManager{ts: ts}
}

func connectionRowKey(c *cra.ConnectionRow) string {
	return c.FromEndpoint + "->" + c.ToVertex + "/" + c.ToEndpoint
}

// AddConnection inserts or replaces a connection row. Idempotent:
// calling it twice with the same 4-tuple leaves exactly one row,
// satisfying spec.md §8 invariant 3.
func (m *ConnectionManager) AddConnection(ctx context.Context, c *cra.ConnectionRow) error {
	value, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return m.ts.InsertOrReplace(ctx, ConnectionTable, c.FromVertex, connectionRowKey(c), value)
}

// DeleteConnection removes a single connection row.
func (m *ConnectionManager) DeleteConnection(ctx context.Context, c *cra.ConnectionRow) error {
	return m.ts.Delete(ctx, ConnectionTable, c.FromVertex, connectionRowKey(c))
}

// ConnectionsFrom returns every connection whose fromVertex is vertex.
func (m *ConnectionManager) ConnectionsFrom(ctx context.Context, vertex string) ([]*cra.ConnectionRow, error) {
	rows, err := m.ts.ScanPartition(ctx, ConnectionTable, vertex)
	if err != nil {
		return nil, err
	}
	return decodeConnectionRows(rows), nil
}

// ConnectionsTo returns every connection whose toVertex is vertex.
func (m *ConnectionManager) ConnectionsTo(ctx context.Context, vertex string) ([]*cra.ConnectionRow, error) {
	rows, err := m.ts.ScanTable(ctx, ConnectionTable)
	if err != nil {
		return nil, err
	}

	out := []*cra.ConnectionRow{}
	for _, c := range decodeConnectionRows(rows) {
		if c.ToVertex == vertex {
			out = append(out, c)
		}
	}
	return out, nil
}

func decodeConnectionRows(rows []Row) []*cra.ConnectionRow {
	out := []*cra.ConnectionRow{}
	for _, r := range rows {
		var c cra.ConnectionRow
		if err := json.Unmarshal(r.Value, &c); err != nil {
			continue
		}
		out = append(out, &c)
	}
	return out
}
