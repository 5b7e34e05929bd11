// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package worker

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/whitaker-io/cra"
	"github.com/whitaker-io/cra/artifact"
	"github.com/whitaker-io/cra/connection"
	"github.com/whitaker-io/cra/metadata"
)

// echoVertex copies everything it reads on "in" to everything it
// writes on "out", for exercising a full point-to-point connection.
type echoVertex struct {
	buf chan byte
}

func (e *echoVertex) Initialize(ctx context.Context, params []byte, reg cra.EndpointRegistrar) error {
	if err := reg.AddInputEndpoint("in", cra.Sync, func(ctx context.Context, r io.Reader) error {
		b := make([]byte, 4096)
		for {
			n, err := r.Read(b)
			for i := 0; i < n; i++ {
				e.buf <- b[i]
			}
			if err != nil {
				close(e.buf)
				return nil
			}
		}
	}); err != nil {
		return err
	}

	return reg.AddOutputEndpoint("out", cra.Sync, func(ctx context.Context, w io.Writer) error {
		for b := range e.buf {
			if _, err := w.Write([]byte{b}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *echoVertex) Dispose() error { return nil }

func newEchoVertex() cra.Vertex {
	return &echoVertex{buf: make(chan byte, 4096)}
}

func freePort(t *testing.T) int {
	t.Helper()
	// A time-derived spread avoids collisions between the two
	// workers a test stands up without depending on OS port reuse
	// timing.
	return 20000 + int(time.Now().UnixNano()%5000)
}

func TestLoadVertexThenDisposeRoundTrip(t *testing.T) {
	cra.RegisterVertexFactory("echo-test", newEchoVertex)

	ts := metadata.NewInMemoryTableService()
	store := artifact.NewInMemoryStore()
	ctx := context.Background()

	if err := store.Upload(ctx, "echo-def", []byte("binary")); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	vm := metadata.NewVertexManager(ts, metadata.NewInstanceManager(ts))
	if err := vm.DefineVertex(ctx, &cra.VertexDefinition{Name: "echo-def", FactoryKey: "echo-test"}); err != nil {
		t.Fatalf("DefineVertex: %v", err)
	}

	w := New("worker-a", "127.0.0.1", freePort(t), ts, artifact.NewCachingStore(store))

	code := w.LoadVertex(ctx, "echo-1", "echo-def", nil)
	if code != cra.Success {
		t.Fatalf("expected Success, got %v", code)
	}

	handle, found := w.Handle("echo-1")
	if !found {
		t.Fatal("expected handle to be registered")
	}

	if err := handle.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}

	rows, err := metadata.NewEndpointManager(ts).EndpointsOf(ctx, "echo-1", "")
	if err != nil {
		t.Fatalf("EndpointsOf: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no endpoint rows after dispose, got %d", len(rows))
	}
}

func TestLoadVertexUnknownDefinitionReturnsVertexNotDefined(t *testing.T) {
	ts := metadata.NewInMemoryTableService()
	w := New("worker-a", "127.0.0.1", freePort(t), ts, artifact.NewCachingStore(artifact.NewInMemoryStore()))

	code := w.LoadVertex(context.Background(), "echo-1", "nope", nil)
	if code != cra.VertexNotDefined {
		t.Fatalf("expected VertexNotDefined, got %v", code)
	}
}

// TestReloadDisposesPriorInstance exercises spec.md §8 invariant 6:
// re-loading a vertex name disposes the old instance exactly once.
func TestReloadDisposesPriorInstance(t *testing.T) {
	disposed := 0
	cra.RegisterVertexFactory("counting-test", func() cra.Vertex {
		return &countingDisposeVertex{onDispose: func() { disposed++ }}
	})

	ts := metadata.NewInMemoryTableService()
	vm := metadata.NewVertexManager(ts, metadata.NewInstanceManager(ts))
	ctx := context.Background()
	if err := vm.DefineVertex(ctx, &cra.VertexDefinition{Name: "counting-def", FactoryKey: "counting-test"}); err != nil {
		t.Fatalf("DefineVertex: %v", err)
	}

	w := New("worker-a", "127.0.0.1", freePort(t), ts, nil)

	if code := w.LoadVertex(ctx, "v1", "counting-def", nil); code != cra.Success {
		t.Fatalf("first load: expected Success, got %v", code)
	}
	if code := w.LoadVertex(ctx, "v1", "counting-def", nil); code != cra.Success {
		t.Fatalf("second load: expected Success, got %v", code)
	}

	if disposed != 1 {
		t.Fatalf("expected exactly 1 dispose from the reload, got %d", disposed)
	}
}

type countingDisposeVertex struct {
	onDispose func()
}

func (countingDisposeVertex) Initialize(ctx context.Context, params []byte, reg cra.EndpointRegistrar) error {
	return nil
}

func (c countingDisposeVertex) Dispose() error {
	c.onDispose()
	return nil
}

// TestPointToPointEcho is the end-to-end scenario from spec.md §8:
// define echo, start two workers, instantiate on each, connect, and
// confirm bytes round-trip.
func TestPointToPointEcho(t *testing.T) {
	cra.RegisterVertexFactory("echo-e2e", newEchoVertex)

	ts := metadata.NewInMemoryTableService()
	ctx := context.Background()

	vm := metadata.NewVertexManager(ts, metadata.NewInstanceManager(ts))
	if err := vm.DefineVertex(ctx, &cra.VertexDefinition{Name: "echo-e2e-def", FactoryKey: "echo-e2e"}); err != nil {
		t.Fatalf("DefineVertex: %v", err)
	}

	portA := freePort(t)
	portB := portA + 1

	workerA := New("worker-a", "127.0.0.1", portA, ts, nil)
	workerB := New("worker-b", "127.0.0.1", portB, ts, nil)

	if err := workerA.Start(ctx); err != nil {
		t.Fatalf("workerA.Start: %v", err)
	}
	defer workerA.Stop()
	if err := workerB.Start(ctx); err != nil {
		t.Fatalf("workerB.Start: %v", err)
	}
	defer workerB.Stop()

	if code := workerA.LoadVertex(ctx, "ea", "echo-e2e-def", nil); code != cra.Success {
		t.Fatalf("load ea: %v", code)
	}
	if code := workerB.LoadVertex(ctx, "eb", "echo-e2e-def", nil); code != cra.Success {
		t.Fatalf("load eb: %v", code)
	}
	if err := vm.InstantiateVertex(ctx, "worker-a", "ea", "echo-e2e-def", nil); err != nil {
		t.Fatalf("InstantiateVertex ea: %v", err)
	}
	if err := vm.InstantiateVertex(ctx, "worker-b", "eb", "echo-e2e-def", nil); err != nil {
		t.Fatalf("InstantiateVertex eb: %v", err)
	}

	code, err := workerA.engine.Connect(ctx, &cra.ConnectionRow{
		FromVertex: "ea", FromEndpoint: "out", ToVertex: "eb", ToEndpoint: "in",
	}, connection.FromSide)
	if code != cra.Success {
		t.Fatalf("connect: expected Success, got %v (err=%v)", code, err)
	}

	handle, found := workerA.Handle("ea")
	if !found {
		t.Fatal("expected ea handle")
	}
	inHandler, _, found := handle.Input("in")
	if !found {
		t.Fatal("expected ea.in handler")
	}

	eaInClient, eaInServer := net.Pipe()
	go func() { _ = inHandler(ctx, eaInServer) }()
	if _, err := eaInClient.Write([]byte("hello")); err != nil {
		t.Fatalf("write to ea.in: %v", err)
	}
	_ = eaInClient.Close()

	time.Sleep(200 * time.Millisecond)

	ebHandle, found := workerB.Handle("eb")
	if !found {
		t.Fatal("expected eb handle")
	}
	outHandler, _, found := ebHandle.Output("out")
	if !found {
		t.Fatal("expected eb.out handler")
	}

	var got bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- outHandler(ctx, &got) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	if got.String() != "hello" {
		t.Fatalf("expected round-tripped bytes %q, got %q", "hello", got.String())
	}
}

// TestPointToPointEchoReverseInitiator is spec.md §8 scenario 4: the
// consumer's worker (hosting toVertex) dials the producer's worker,
// over CONNECT_VERTEX_INITIATOR_REVERSE / CONNECT_VERTEX_RECEIVER_REVERSE,
// while the actual data still flows fromVertex -> toVertex.
func TestPointToPointEchoReverseInitiator(t *testing.T) {
	cra.RegisterVertexFactory("echo-reverse", newEchoVertex)

	ts := metadata.NewInMemoryTableService()
	ctx := context.Background()

	vm := metadata.NewVertexManager(ts, metadata.NewInstanceManager(ts))
	if err := vm.DefineVertex(ctx, &cra.VertexDefinition{Name: "echo-reverse-def", FactoryKey: "echo-reverse"}); err != nil {
		t.Fatalf("DefineVertex: %v", err)
	}

	portA := freePort(t)
	portB := portA + 1

	workerA := New("worker-a", "127.0.0.1", portA, ts, nil)
	workerB := New("worker-b", "127.0.0.1", portB, ts, nil)

	if err := workerA.Start(ctx); err != nil {
		t.Fatalf("workerA.Start: %v", err)
	}
	defer workerA.Stop()
	if err := workerB.Start(ctx); err != nil {
		t.Fatalf("workerB.Start: %v", err)
	}
	defer workerB.Stop()

	if code := workerA.LoadVertex(ctx, "ea", "echo-reverse-def", nil); code != cra.Success {
		t.Fatalf("load ea: %v", code)
	}
	if code := workerB.LoadVertex(ctx, "eb", "echo-reverse-def", nil); code != cra.Success {
		t.Fatalf("load eb: %v", code)
	}
	if err := vm.InstantiateVertex(ctx, "worker-a", "ea", "echo-reverse-def", nil); err != nil {
		t.Fatalf("InstantiateVertex ea: %v", err)
	}
	if err := vm.InstantiateVertex(ctx, "worker-b", "eb", "echo-reverse-def", nil); err != nil {
		t.Fatalf("InstantiateVertex eb: %v", err)
	}

	// workerB's own engine is the one that must dial, since it hosts
	// toVertex ("eb") — this is the call a Client.Connect(..., ToSide)
	// would route to.
	code, err := workerB.engine.Connect(ctx, &cra.ConnectionRow{
		FromVertex: "ea", FromEndpoint: "out", ToVertex: "eb", ToEndpoint: "in",
	}, connection.ToSide)
	if code != cra.Success {
		t.Fatalf("connect: expected Success, got %v (err=%v)", code, err)
	}

	handle, found := workerA.Handle("ea")
	if !found {
		t.Fatal("expected ea handle")
	}
	inHandler, _, found := handle.Input("in")
	if !found {
		t.Fatal("expected ea.in handler")
	}

	eaInClient, eaInServer := net.Pipe()
	go func() { _ = inHandler(ctx, eaInServer) }()
	if _, err := eaInClient.Write([]byte("hello")); err != nil {
		t.Fatalf("write to ea.in: %v", err)
	}
	_ = eaInClient.Close()

	time.Sleep(200 * time.Millisecond)

	ebHandle, found := workerB.Handle("eb")
	if !found {
		t.Fatal("expected eb handle")
	}
	outHandler, _, found := ebHandle.Output("out")
	if !found {
		t.Fatal("expected eb.out handler")
	}

	var got bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- outHandler(ctx, &got) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	if got.String() != "hello" {
		t.Fatalf("expected round-tripped bytes %q, got %q", "hello", got.String())
	}
}

// TestReconcileRedialsReverseInitiatorConnection exercises the other
// half of this: a connection row marked ConnectionInitiatorToSide that
// was never established is picked up by the toVertex-hosting worker's
// reconcile pass, not dropped because it isn't the fromVertex's
// connection to dial.
func TestReconcileRedialsReverseInitiatorConnection(t *testing.T) {
	cra.RegisterVertexFactory("echo-reconcile", newEchoVertex)

	ts := metadata.NewInMemoryTableService()
	ctx := context.Background()

	vm := metadata.NewVertexManager(ts, metadata.NewInstanceManager(ts))
	if err := vm.DefineVertex(ctx, &cra.VertexDefinition{Name: "echo-reconcile-def", FactoryKey: "echo-reconcile"}); err != nil {
		t.Fatalf("DefineVertex: %v", err)
	}

	portA := freePort(t)
	portB := portA + 1

	workerA := New("worker-a", "127.0.0.1", portA, ts, nil)
	workerB := New("worker-b", "127.0.0.1", portB, ts, nil)

	if err := workerA.Start(ctx); err != nil {
		t.Fatalf("workerA.Start: %v", err)
	}
	defer workerA.Stop()
	if err := workerB.Start(ctx); err != nil {
		t.Fatalf("workerB.Start: %v", err)
	}
	defer workerB.Stop()

	if code := workerA.LoadVertex(ctx, "ea", "echo-reconcile-def", nil); code != cra.Success {
		t.Fatalf("load ea: %v", code)
	}
	if code := workerB.LoadVertex(ctx, "eb", "echo-reconcile-def", nil); code != cra.Success {
		t.Fatalf("load eb: %v", code)
	}
	if err := vm.InstantiateVertex(ctx, "worker-a", "ea", "echo-reconcile-def", nil); err != nil {
		t.Fatalf("InstantiateVertex ea: %v", err)
	}
	if err := vm.InstantiateVertex(ctx, "worker-b", "eb", "echo-reconcile-def", nil); err != nil {
		t.Fatalf("InstantiateVertex eb: %v", err)
	}

	cm := metadata.NewConnectionManager(ts)
	row := &cra.ConnectionRow{
		FromVertex: "ea", FromEndpoint: "out", ToVertex: "eb", ToEndpoint: "in",
		Initiator: cra.ConnectionInitiatorToSide,
	}
	if err := cm.AddConnection(ctx, row); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}

	workerB.reconcileOnce(ctx)

	handle, found := workerA.Handle("ea")
	if !found {
		t.Fatal("expected ea handle")
	}
	inHandler, _, found := handle.Input("in")
	if !found {
		t.Fatal("expected ea.in handler")
	}

	eaInClient, eaInServer := net.Pipe()
	go func() { _ = inHandler(ctx, eaInServer) }()
	if _, err := eaInClient.Write([]byte("hi")); err != nil {
		t.Fatalf("write to ea.in: %v", err)
	}
	_ = eaInClient.Close()

	time.Sleep(200 * time.Millisecond)

	ebHandle, found := workerB.Handle("eb")
	if !found {
		t.Fatal("expected eb handle")
	}
	outHandler, _, found := ebHandle.Output("out")
	if !found {
		t.Fatal("expected eb.out handler")
	}

	var got bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- outHandler(ctx, &got) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	if got.String() != "hi" {
		t.Fatalf("expected reconciled round-tripped bytes %q, got %q", "hi", got.String())
	}
}
