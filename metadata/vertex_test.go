// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package metadata

import (
	"context"
	"testing"

	"github.com/whitaker-io/cra"
)

func TestDefineVertexThenRowForDefinition(t *testing.T) {
	ts := NewInMemoryTableService()
	vm := NewVertexManager(ts, NewInstanceManager(ts))
	ctx := context.Background()

	def := &cra.VertexDefinition{Name: "echo-vertex", FactoryKey: "echo", IsSharded: false}
	if err := vm.DefineVertex(ctx, def); err != nil {
		t.Fatalf("DefineVertex: %v", err)
	}

	got, found, err := vm.RowForDefinition(ctx, "echo-vertex")
	if err != nil {
		t.Fatalf("RowForDefinition: %v", err)
	}
	if !found {
		t.Fatal("expected definition to be found")
	}
	if got.FactoryKey != "echo" {
		t.Fatalf("unexpected factory key: %s", got.FactoryKey)
	}
}

func TestDefineVertexRejectsInvalidName(t *testing.T) {
	ts := NewInMemoryTableService()
	vm := NewVertexManager(ts, NewInstanceManager(ts))

	err := vm.DefineVertex(context.Background(), &cra.VertexDefinition{Name: "AB", FactoryKey: "x"})
	if err == nil {
		t.Fatal("expected error for invalid definition name")
	}
}

// TestInstantiateThenRowForVertex exercises spec.md §8 invariant 1:
// after a successful DefineVertex + InstantiateVertex, RowForVertex
// finds the materialized row.
func TestInstantiateThenRowForVertex(t *testing.T) {
	ts := NewInMemoryTableService()
	im := NewInstanceManager(ts)
	vm := NewVertexManager(ts, im)
	ctx := context.Background()

	def := &cra.VertexDefinition{Name: "echo-vertex", FactoryKey: "echo"}
	if err := vm.DefineVertex(ctx, def); err != nil {
		t.Fatalf("DefineVertex: %v", err)
	}
	if err := im.RegisterInstance(ctx, "worker-a", "10.0.0.1", 9000); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if err := vm.InstantiateVertex(ctx, "worker-a", "echo-1", "echo-vertex", []byte("params")); err != nil {
		t.Fatalf("InstantiateVertex: %v", err)
	}

	row, found, err := vm.RowForVertex(ctx, "echo-1")
	if err != nil {
		t.Fatalf("RowForVertex: %v", err)
	}
	if !found {
		t.Fatal("expected vertex row to be found")
	}
	if row.Instance != "worker-a" || row.Definition != "echo-vertex" {
		t.Fatalf("unexpected row: %+v", row)
	}
}

func TestRowForActiveVertexSkipsUnknownInstance(t *testing.T) {
	ts := NewInMemoryTableService()
	im := NewInstanceManager(ts)
	vm := NewVertexManager(ts, im)
	ctx := context.Background()

	if err := vm.InstantiateVertex(ctx, "ghost-worker", "echo-1", "echo-vertex", nil); err != nil {
		t.Fatalf("InstantiateVertex: %v", err)
	}

	_, found, err := vm.RowForActiveVertex(ctx, "echo-1")
	if err != nil {
		t.Fatalf("RowForActiveVertex: %v", err)
	}
	if found {
		t.Fatal("expected no active row when hosting instance is unregistered")
	}

	row, found, err := vm.RowForVertex(ctx, "echo-1")
	if err != nil {
		t.Fatalf("RowForVertex: %v", err)
	}
	if !found || row == nil {
		t.Fatal("RowForVertex (non-active) should still find the row")
	}
}

func TestRowForVertexTieBreaksByEarliestInsertion(t *testing.T) {
	ts := NewInMemoryTableService()
	im := NewInstanceManager(ts)
	vm := NewVertexManager(ts, im)
	ctx := context.Background()

	if err := vm.InstantiateVertex(ctx, "worker-a", "dup", "def-a", nil); err != nil {
		t.Fatalf("InstantiateVertex: %v", err)
	}
	if err := vm.InstantiateVertex(ctx, "worker-b", "dup", "def-b", nil); err != nil {
		t.Fatalf("InstantiateVertex: %v", err)
	}

	row, found, err := vm.RowForVertex(ctx, "dup")
	if err != nil {
		t.Fatalf("RowForVertex: %v", err)
	}
	if !found {
		t.Fatal("expected a row")
	}
	if row.Instance != "worker-a" {
		t.Fatalf("expected earliest insertion (worker-a) to win, got %s", row.Instance)
	}
}

func TestRowsWithPrefixFindsShardMembersOnly(t *testing.T) {
	ts := NewInMemoryTableService()
	vm := NewVertexManager(ts, NewInstanceManager(ts))
	ctx := context.Background()

	if err := vm.DefineVertex(ctx, &cra.VertexDefinition{Name: "fan-out", FactoryKey: "x"}); err != nil {
		t.Fatalf("DefineVertex: %v", err)
	}
	if err := vm.InstantiateVertex(ctx, "worker-a", cra.ShardChildName("fan-out", 0), "fan-out", nil); err != nil {
		t.Fatalf("InstantiateVertex: %v", err)
	}
	if err := vm.InstantiateVertex(ctx, "worker-a", cra.ShardChildName("fan-out", 1), "fan-out", nil); err != nil {
		t.Fatalf("InstantiateVertex: %v", err)
	}
	if err := vm.InstantiateVertex(ctx, "worker-a", "unrelated", "fan-out", nil); err != nil {
		t.Fatalf("InstantiateVertex: %v", err)
	}

	rows, err := vm.RowsWithPrefix(ctx, "fan-out$")
	if err != nil {
		t.Fatalf("RowsWithPrefix: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 shard members, got %d", len(rows))
	}
}

func TestDeleteVertex(t *testing.T) {
	ts := NewInMemoryTableService()
	vm := NewVertexManager(ts, NewInstanceManager(ts))
	ctx := context.Background()

	if err := vm.InstantiateVertex(ctx, "worker-a", "echo-1", "echo-vertex", nil); err != nil {
		t.Fatalf("InstantiateVertex: %v", err)
	}
	if err := vm.DeleteVertex(ctx, "worker-a", "echo-1"); err != nil {
		t.Fatalf("DeleteVertex: %v", err)
	}

	_, found, err := vm.VertexRow(ctx, "worker-a", "echo-1")
	if err != nil {
		t.Fatalf("VertexRow: %v", err)
	}
	if found {
		t.Fatal("expected row to be gone")
	}
}
