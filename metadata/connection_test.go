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

// TestAddConnectionIsIdempotent exercises spec.md §8 invariant 3:
// connecting the same 4-tuple twice leaves exactly one row.
func TestAddConnectionIsIdempotent(t *testing.T) {
	ts := NewInMemoryTableService()
	cm := NewConnectionManager(ts)
	ctx := context.Background()

	c := &cra.ConnectionRow{FromVertex: "a", FromEndpoint: "out", ToVertex: "b", ToEndpoint: "in"}
	if err := cm.AddConnection(ctx, c); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if err := cm.AddConnection(ctx, c); err != nil {
		t.Fatalf("AddConnection (second): %v", err)
	}

	rows, err := cm.ConnectionsFrom(ctx, "a")
	if err != nil {
		t.Fatalf("ConnectionsFrom: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(rows))
	}
}

func TestConnectionsToScansAcrossPartitions(t *testing.T) {
	ts := NewInMemoryTableService()
	cm := NewConnectionManager(ts)
	ctx := context.Background()

	if err := cm.AddConnection(ctx, &cra.ConnectionRow{FromVertex: "a", FromEndpoint: "out", ToVertex: "z", ToEndpoint: "in"}); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if err := cm.AddConnection(ctx, &cra.ConnectionRow{FromVertex: "b", FromEndpoint: "out", ToVertex: "z", ToEndpoint: "in2"}); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if err := cm.AddConnection(ctx, &cra.ConnectionRow{FromVertex: "c", FromEndpoint: "out", ToVertex: "other", ToEndpoint: "in"}); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}

	rows, err := cm.ConnectionsTo(ctx, "z")
	if err != nil {
		t.Fatalf("ConnectionsTo: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 connections to z, got %d", len(rows))
	}
}

func TestDeleteConnection(t *testing.T) {
	ts := NewInMemoryTableService()
	cm := NewConnectionManager(ts)
	ctx := context.Background()

	c := &cra.ConnectionRow{FromVertex: "a", FromEndpoint: "out", ToVertex: "b", ToEndpoint: "in"}
	if err := cm.AddConnection(ctx, c); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if err := cm.DeleteConnection(ctx, c); err != nil {
		t.Fatalf("DeleteConnection: %v", err)
	}

	rows, err := cm.ConnectionsFrom(ctx, "a")
	if err != nil {
		t.Fatalf("ConnectionsFrom: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
}
