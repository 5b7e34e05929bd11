// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package client

import (
	"context"
	"testing"

	"github.com/whitaker-io/cra"
	"github.com/whitaker-io/cra/artifact"
	"github.com/whitaker-io/cra/connection"
	"github.com/whitaker-io/cra/metadata"
)

func TestDefineVertexRejectsInvalidName(t *testing.T) {
	c := New(metadata.NewInMemoryTableService())
	if err := c.DefineVertex(context.Background(), "Not Valid!!", "some-factory", false); err == nil {
		t.Fatal("expected an error for an invalid definition name")
	}
}

func TestInstantiateVertexWithoutInstanceStillPersistsRow(t *testing.T) {
	ts := metadata.NewInMemoryTableService()
	c := New(ts)
	ctx := context.Background()

	if err := c.DefineVertex(ctx, "some-def", "some-factory", false); err != nil {
		t.Fatalf("DefineVertex: %v", err)
	}

	// No instance named "ghost" is registered, so the best-effort
	// LOAD_VERTEX RPC must fail, but the vertex row should still be
	// durable for the next reconcile pass.
	code := c.InstantiateVertex(ctx, "ghost", "v1", "some-def", nil)
	if code != cra.ServerFailed {
		t.Fatalf("expected ServerFailed (unreachable instance), got %v", code)
	}

	vm := metadata.NewVertexManager(ts, metadata.NewInstanceManager(ts))
	row, found, err := vm.RowForVertex(ctx, "v1")
	if err != nil {
		t.Fatalf("RowForVertex: %v", err)
	}
	if !found {
		t.Fatal("expected the vertex row to be persisted despite the unreachable instance")
	}
	if row.Definition != "some-def" {
		t.Fatalf("expected definition %q, got %q", "some-def", row.Definition)
	}
}

func TestConnectMissingVertexReturnsVertexNotFound(t *testing.T) {
	c := New(metadata.NewInMemoryTableService())
	code := c.Connect(context.Background(), "ghost-a", "out", "ghost-b", "in", connection.FromSide)
	if code != cra.VertexNotFound {
		t.Fatalf("expected VertexNotFound, got %v", code)
	}
}

func TestDisconnectIsFireAndForget(t *testing.T) {
	ts := metadata.NewInMemoryTableService()
	c := New(ts)
	ctx := context.Background()

	cm := metadata.NewConnectionManager(ts)
	row := &cra.ConnectionRow{FromVertex: "a", FromEndpoint: "out", ToVertex: "b", ToEndpoint: "in"}
	if err := cm.AddConnection(ctx, row); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}

	c.Disconnect(ctx, "a", "out", "b", "in")

	rows, err := cm.ConnectionsFrom(ctx, "a")
	if err != nil {
		t.Fatalf("ConnectionsFrom: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no connection rows after Disconnect, got %d", len(rows))
	}
}

func TestResetEmptiesVertexTable(t *testing.T) {
	ts := metadata.NewInMemoryTableService()
	c := New(ts)
	ctx := context.Background()

	if err := c.DefineVertex(ctx, "some-def", "some-factory", false); err != nil {
		t.Fatalf("DefineVertex: %v", err)
	}
	if err := c.vm.InstantiateVertex(ctx, "worker-a", "v1", "some-def", nil); err != nil {
		t.Fatalf("InstantiateVertex: %v", err)
	}

	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	rows, err := ts.ScanTable(ctx, metadata.VertexTable)
	if err != nil {
		t.Fatalf("ScanTable: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected an empty vertex table after Reset, got %d rows", len(rows))
	}
}

func TestResetClearsArtifactContainerWhenWired(t *testing.T) {
	ts := metadata.NewInMemoryTableService()
	store := artifact.NewInMemoryStore()
	c := NewWithArtifacts(ts, store)
	ctx := context.Background()

	if err := store.Upload(ctx, "some-def", []byte("binary")); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if _, err := store.Download(ctx, "some-def"); err == nil {
		t.Fatal("expected the artifact container to be empty after Reset")
	}
}
