// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package metadata

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/whitaker-io/cra"
)

// instanceSentinelVertexName is the vertex-table row key that
// represents an instance registration rather than a materialized
// vertex — spec.md §3's "(instance=name, vertex="")".
const instanceSentinelVertexName = ""

// InstanceManager wraps the vertex table's instance rows.
type InstanceManager struct {
	ts TableService
}

// NewInstanceManager constructs an InstanceManager over ts.
func NewInstanceManager(ts TableService) *InstanceManager {
	return &InstanceManager{ts: ts}
}

// RegisterInstance inserts or replaces the (name, addr, port) row for
// a worker that has just started or is re-registering.
func (m *InstanceManager) RegisterInstance(ctx context.Context, name, addr string, port int) error {
	row := cra.VertexRow{
		Instance:      name,
		VertexName:    instanceSentinelVertexName,
		Definition:    addr,
		ParameterBlob: encodeInt(port),
	}

	value, err := json.Marshal(&row)
	if err != nil {
		return err
	}

	return m.ts.InsertOrReplace(ctx, VertexTable, name, instanceSentinelVertexName, value)
}

// InstanceForName looks up a single instance by name.
func (m *InstanceManager) InstanceForName(ctx context.Context, name string) (*cra.Instance, bool, error) {
	value, err := m.ts.Get(ctx, VertexTable, name, instanceSentinelVertexName)
	if err != nil {
		if errors.Is(err, ErrRowNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var row cra.VertexRow
	if err := json.Unmarshal(value, &row); err != nil {
		return nil, false, err
	}

	return &cra.Instance{
		Name:    row.Instance,
		Address: row.Definition,
		Port:    decodeInt(row.ParameterBlob),
	}, true, nil
}

// AllInstances returns every registered instance. Eventually
// consistent: a scan across the whole vertex table.
func (m *InstanceManager) AllInstances(ctx context.Context) ([]*cra.Instance, error) {
	rows, err := m.ts.ScanTable(ctx, VertexTable)
	if err != nil {
		return nil, err
	}

	out := []*cra.Instance{}
	for _, r := range rows {
		if r.RowKey != instanceSentinelVertexName {
			continue
		}

		var row cra.VertexRow
		if err := json.Unmarshal(r.Value, &row); err != nil {
			continue
		}

		out = append(out, &cra.Instance{
			Name:    row.Instance,
			Address: row.Definition,
			Port:    decodeInt(row.ParameterBlob),
		})
	}
	return out, nil
}

// DeleteInstance removes an instance's registration row. It does not
// cascade to vertices hosted on that instance — those rows remain,
// soft-dangling per spec.md §3's invariant, until reconciled or
// explicitly deleted.
func (m *InstanceManager) DeleteInstance(ctx context.Context, name string) error {
	return m.ts.Delete(ctx, VertexTable, name, instanceSentinelVertexName)
}

func encodeInt(v int) []byte {
	b, _ := json.Marshal(v)
	return b
}

func decodeInt(b []byte) int {
	var v int
	_ = json.Unmarshal(b, &v)
	return v
}
