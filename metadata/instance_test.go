// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package metadata

import (
	"context"
	"testing"
)

func TestRegisterInstanceThenInstanceForName(t *testing.T) {
	ts := NewInMemoryTableService()
	im := NewInstanceManager(ts)
	ctx := context.Background()

	if err := im.RegisterInstance(ctx, "worker-a", "10.0.0.1", 9000); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}

	inst, found, err := im.InstanceForName(ctx, "worker-a")
	if err != nil {
		t.Fatalf("InstanceForName: %v", err)
	}
	if !found {
		t.Fatal("expected instance to be found")
	}
	if inst.Address != "10.0.0.1" || inst.Port != 9000 {
		t.Fatalf("unexpected instance: %+v", inst)
	}
}

func TestInstanceForNameMissing(t *testing.T) {
	ts := NewInMemoryTableService()
	im := NewInstanceManager(ts)

	_, found, err := im.InstanceForName(context.Background(), "nope")
	if err != nil {
		t.Fatalf("InstanceForName: %v", err)
	}
	if found {
		t.Fatal("expected instance to be absent")
	}
}

func TestAllInstancesExcludesVertexRows(t *testing.T) {
	ts := NewInMemoryTableService()
	im := NewInstanceManager(ts)
	vm := NewVertexManager(ts, im)
	ctx := context.Background()

	if err := im.RegisterInstance(ctx, "worker-a", "10.0.0.1", 9000); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if err := im.RegisterInstance(ctx, "worker-b", "10.0.0.2", 9000); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if err := vm.InstantiateVertex(ctx, "worker-a", "my-vertex", "my-def", nil); err != nil {
		t.Fatalf("InstantiateVertex: %v", err)
	}

	instances, err := im.AllInstances(ctx)
	if err != nil {
		t.Fatalf("AllInstances: %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(instances))
	}
}

func TestDeleteInstanceDoesNotCascade(t *testing.T) {
	ts := NewInMemoryTableService()
	im := NewInstanceManager(ts)
	vm := NewVertexManager(ts, im)
	ctx := context.Background()

	if err := im.RegisterInstance(ctx, "worker-a", "10.0.0.1", 9000); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}
	if err := vm.InstantiateVertex(ctx, "worker-a", "my-vertex", "my-def", nil); err != nil {
		t.Fatalf("InstantiateVertex: %v", err)
	}
	if err := im.DeleteInstance(ctx, "worker-a"); err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}

	_, found, err := im.InstanceForName(ctx, "worker-a")
	if err != nil {
		t.Fatalf("InstanceForName: %v", err)
	}
	if found {
		t.Fatal("expected instance row to be gone")
	}

	row, found, err := vm.VertexRow(ctx, "worker-a", "my-vertex")
	if err != nil {
		t.Fatalf("VertexRow: %v", err)
	}
	if !found || row == nil {
		t.Fatal("expected vertex row to survive instance deletion")
	}
}
