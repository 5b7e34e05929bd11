// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package metadata

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryTableService is a map-backed TableService (guarded by a
// sync.RWMutex) used for
// tests and single-process bring-up without a real cluster store. It
// is a stdlib-only implementation by design — it stands in for the
// explicitly out-of-scope backing store (spec.md §1), not for a
// domain concern a third-party client library would otherwise serve,
// so no ecosystem library is appropriate here (see DESIGN.md).
type InMemoryTableService struct {
	mu     sync.RWMutex
	tables map[string]map[string]map[string]*Row
	seq    int64
}

// NewInMemoryTableService constructs an empty InMemoryTableService.
func NewInMemoryTableService() *InMemoryTableService {
	return &InMemoryTableService{
		tables: map[string]map[string]map[string]*Row{},
	}
}

func (m *InMemoryTableService) partitionMap(table, partition string) map[string]*Row {
	t, ok := m.tables[table]
	if !ok {
		t = map[string]map[string]*Row{}
		m.tables[table] = t
	}
	p, ok := t[partition]
	if !ok {
		p = map[string]*Row{}
		t[partition] = p
	}
	return p
}

// InsertOrReplace implements TableService.
func (m *InMemoryTableService) InsertOrReplace(ctx context.Context, table, partition, row string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	cp := make([]byte, len(value))
	copy(cp, value)

	m.partitionMap(table, partition)[row] = &Row{
		Partition: partition,
		RowKey:    row,
		Value:     cp,
		Seq:       m.seq,
	}
	return nil
}

// Get implements TableService.
func (m *InMemoryTableService) Get(ctx context.Context, table, partition, row string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrRowNotFound, table, partition, row)
	}
	p, ok := t[partition]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrRowNotFound, table, partition, row)
	}
	r, ok := p[row]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrRowNotFound, table, partition, row)
	}

	cp := make([]byte, len(r.Value))
	copy(cp, r.Value)
	return cp, nil
}

// Delete implements TableService.
func (m *InMemoryTableService) Delete(ctx context.Context, table, partition, row string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tables[table]; ok {
		if p, ok := t[partition]; ok {
			delete(p, row)
		}
	}
	return nil
}

// ScanPartition implements TableService.
func (m *InMemoryTableService) ScanPartition(ctx context.Context, table, partition string) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Row{}
	t, ok := m.tables[table]
	if !ok {
		return out, nil
	}
	p, ok := t[partition]
	if !ok {
		return out, nil
	}

	for _, r := range p {
		out = append(out, *r)
	}
	return out, nil
}

// ScanTable implements TableService.
func (m *InMemoryTableService) ScanTable(ctx context.Context, table string) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Row{}
	t, ok := m.tables[table]
	if !ok {
		return out, nil
	}

	for _, p := range t {
		for _, r := range p {
			out = append(out, *r)
		}
	}
	return out, nil
}

// DeleteTable implements TableService.
func (m *InMemoryTableService) DeleteTable(ctx context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tables, table)
	return nil
}
