// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/whitaker-io/cra"
)

// definitionPartition is the vertex-table partition that holds
// VertexDefinition template rows — spec.md §4.3's "rowForDefinition
// (def) — the template row with empty instance".
const definitionPartition = ""

// VertexManager wraps the vertex table's per-instance vertex rows and
// the definition-template rows that share the same table.
type VertexManager struct {
	ts TableService
	im *InstanceManager
}

// NewVertexManager constructs a VertexManager over ts, consulting im
// to determine whether an instance's address is currently known (for
// RowForActiveVertex).
func NewVertexManager(ts TableService, im *InstanceManager) *VertexManager {
	return &VertexManager{ts: ts, im: im}
}

// DefineVertex persists a VertexDefinition as a template row.
func (m *VertexManager) DefineVertex(ctx context.Context, def *cra.VertexDefinition) error {
	if !cra.ValidDefinitionName(def.Name) {
		return errors.New("metadata: invalid vertex definition name " + def.Name)
	}

	value, err := json.Marshal(def)
	if err != nil {
		return err
	}

	return m.ts.InsertOrReplace(ctx, VertexTable, definitionPartition, def.Name, value)
}

// RowForDefinition fetches the template row for a vertex definition.
func (m *VertexManager) RowForDefinition(ctx context.Context, name string) (*cra.VertexDefinition, bool, error) {
	value, err := m.ts.Get(ctx, VertexTable, definitionPartition, name)
	if err != nil {
		if errors.Is(err, ErrRowNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var def cra.VertexDefinition
	if err := json.Unmarshal(value, &def); err != nil {
		return nil, false, err
	}
	return &def, true, nil
}

// InstantiateVertex persists a materialized vertex row on a given
// instance.
func (m *VertexManager) InstantiateVertex(ctx context.Context, instance, vertexName, definition string, paramBlob []byte) error {
	row := cra.VertexRow{
		Instance:      instance,
		VertexName:    vertexName,
		Definition:    definition,
		ParameterBlob: paramBlob,
	}

	value, err := json.Marshal(&row)
	if err != nil {
		return err
	}

	return m.ts.InsertOrReplace(ctx, VertexTable, instance, vertexName, value)
}

// VertexRow fetches the row for (instance, vertex) exactly.
func (m *VertexManager) VertexRow(ctx context.Context, instance, vertex string) (*cra.VertexRow, bool, error) {
	value, err := m.ts.Get(ctx, VertexTable, instance, vertex)
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
	return &row, true, nil
}

// RowForVertex finds any instance hosting vertexName, tie-breaking by
// earliest insertion order (lowest Seq) when more than one row
// somehow claims the same name.
func (m *VertexManager) RowForVertex(ctx context.Context, vertexName string) (*cra.VertexRow, bool, error) {
	return m.rowForVertex(ctx, vertexName, false)
}

// RowForActiveVertex is RowForVertex but skips rows whose instance's
// address is currently unknown.
func (m *VertexManager) RowForActiveVertex(ctx context.Context, vertexName string) (*cra.VertexRow, bool, error) {
	return m.rowForVertex(ctx, vertexName, true)
}

func (m *VertexManager) rowForVertex(ctx context.Context, vertexName string, activeOnly bool) (*cra.VertexRow, bool, error) {
	rows, err := m.ts.ScanTable(ctx, VertexTable)
	if err != nil {
		return nil, false, err
	}

	var best *Row
	for i := range rows {
		r := &rows[i]
		if r.Partition == definitionPartition || r.RowKey != vertexName {
			continue
		}
		if best == nil || r.Seq < best.Seq {
			best = r
		}
	}

	if best == nil {
		return nil, false, nil
	}

	var row cra.VertexRow
	if err := json.Unmarshal(best.Value, &row); err != nil {
		return nil, false, err
	}

	if activeOnly && m.im != nil {
		inst, found, err := m.im.InstanceForName(ctx, row.Instance)
		if err != nil {
			return nil, false, err
		}
		if !found || inst.Address == "" {
			return nil, false, nil
		}
	}

	return &row, true, nil
}

// AllVerticesForInstance returns every materialized vertex row hosted
// on instance (the instance's own sentinel row is excluded).
func (m *VertexManager) AllVerticesForInstance(ctx context.Context, instance string) ([]*cra.VertexRow, error) {
	rows, err := m.ts.ScanPartition(ctx, VertexTable, instance)
	if err != nil {
		return nil, err
	}

	out := []*cra.VertexRow{}
	for _, r := range rows {
		if r.RowKey == "" {
			continue
		}

		var row cra.VertexRow
		if err := json.Unmarshal(r.Value, &row); err != nil {
			continue
		}
		out = append(out, &row)
	}
	return out, nil
}

// DeleteVertex removes a materialized vertex row.
func (m *VertexManager) DeleteVertex(ctx context.Context, instance, vertexName string) error {
	return m.ts.Delete(ctx, VertexTable, instance, vertexName)
}

// RowsWithPrefix scans the whole vertex table for materialized rows
// (excluding definitions) whose name has the given prefix — used to
// enumerate a sharded vertex group's members ("base$").
func (m *VertexManager) RowsWithPrefix(ctx context.Context, prefix string) ([]*cra.VertexRow, error) {
	rows, err := m.ts.ScanTable(ctx, VertexTable)
	if err != nil {
		return nil, err
	}

	out := []*cra.VertexRow{}
	for _, r := range rows {
		if r.Partition == definitionPartition || !strings.HasPrefix(r.RowKey, prefix) {
			continue
		}

		var row cra.VertexRow
		if err := json.Unmarshal(r.Value, &row); err != nil {
			continue
		}
		out = append(out, &row)
	}
	return out, nil
}
