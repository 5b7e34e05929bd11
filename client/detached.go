// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package client

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"

	"github.com/whitaker-io/cra"
	"github.com/whitaker-io/cra/connection"
)

// DetachedVertex is a vertex whose execution lives in the client
// process rather than any worker. It registers itself under an
// instance, adds endpoints through explicit calls instead of a
// Vertex.Initialize callback, and opens connection streams by always
// dialing out — it never accepts an inbound connection, so every
// stream it opens carries killRemote=true.
type DetachedVertex struct {
	c         *Client
	Name      string
	Instance  string
	ephemeral bool

	handle *cra.Handle
	engine *connection.Engine

	mu                sync.Mutex
	inputConnections  []*cra.ConnectionRow
	outputConnections []*cra.ConnectionRow
	streams           map[string]net.Conn
}

type noopDetachedVertex struct{}

func (noopDetachedVertex) Initialize(ctx context.Context, params []byte, reg cra.EndpointRegistrar) error {
	return nil
}

func (noopDetachedVertex) Dispose() error { return nil }

var ephemeralNameMu sync.Mutex

const ephemeralAlphabet = "abcdefghijklmnopqrstuvwxyz"

// newEphemeralInstanceName generates the 16-character lowercase random
// instance name spec.md §9 requires, from a single crypto/rand-backed
// generator guarded by a mutex rather than a shared unsynchronized
// math/rand.Rand.
func newEphemeralInstanceName() (string, error) {
	ephemeralNameMu.Lock()
	defer ephemeralNameMu.Unlock()

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = ephemeralAlphabet[int(b[i])%len(ephemeralAlphabet)]
	}
	return string(b), nil
}

// RegisterAsVertex registers name as a detached vertex. If instance is
// empty, an ephemeral instance with a random 16-character name is
// created and deleted when the returned handle is disposed; otherwise
// the vertex is registered under the already-running instance.
func (c *Client) RegisterAsVertex(ctx context.Context, name, instance string) (*DetachedVertex, error) {
	ephemeral := instance == ""
	if ephemeral {
		n, err := newEphemeralInstanceName()
		if err != nil {
			return nil, fmt.Errorf("client: generate ephemeral instance name: %w", err)
		}
		instance = n
		if err := c.im.RegisterInstance(ctx, instance, "", 0); err != nil {
			return nil, fmt.Errorf("client: register ephemeral instance: %w", err)
		}
	}

	dv := &DetachedVertex{c: c, Name: name, Instance: instance, ephemeral: ephemeral, streams: map[string]net.Conn{}}

	dv.handle = cra.NewHandle(name, "$root", noopDetachedVertex{}, nil, cra.EndpointCallbacks{
		OnEndpointAdded: func(epName string, dir cra.Direction, async cra.Async) error {
			return c.em.AddEndpoint(ctx, name, epName, dir, async)
		},
	})

	if err := dv.handle.Initialize(ctx, nil, nil); err != nil {
		return nil, fmt.Errorf("client: initialize detached vertex handle: %w", err)
	}

	if err := c.vm.InstantiateVertex(ctx, instance, name, "$root", nil); err != nil {
		return nil, fmt.Errorf("client: persist detached vertex row: %w", err)
	}

	dv.engine = connection.NewEngine(instance, dv, c.im, c.vm, c.cm, c.pool)
	dv.engine.KillRemote = true
	dv.engine.Tracker = dv

	return dv, nil
}

// Handle implements connection.Vertices: the only vertex a detached
// Engine ever hosts is itself.
func (dv *DetachedVertex) Handle(name string) (*cra.Handle, bool) {
	if name != dv.Name {
		return nil, false
	}
	return dv.handle, true
}

// TrackStream implements connection.Tracker, recording the live
// stream behind vertex/endpoint so Dispose can close it directly —
// a detached vertex is always the killRemote side, since it can never
// accept a dial to notice the peer disappeared any other way.
func (dv *DetachedVertex) TrackStream(vertex, endpoint string, conn net.Conn, killRemote bool) {
	dv.mu.Lock()
	defer dv.mu.Unlock()
	dv.streams[vertex+"/"+endpoint] = conn
}

// AddInputEndpoint registers a named input endpoint that will receive
// bytes once a connection dials in to it (in practice, a stream this
// DetachedVertex opened itself via ConnectToOutput).
func (dv *DetachedVertex) AddInputEndpoint(name string, handler cra.InputHandler) error {
	return dv.handle.AddInputEndpoint(name, cra.Sync, handler)
}

// AddOutputEndpoint registers a named output endpoint.
func (dv *DetachedVertex) AddOutputEndpoint(name string, handler cra.OutputHandler) error {
	return dv.handle.AddOutputEndpoint(name, cra.Sync, handler)
}

// ConnectToInput opens an outbound stream from this vertex's
// fromEndpoint to toVertex.toEndpoint: this vertex dials toVertex's
// hosting instance and plays the FromSide initiator.
func (dv *DetachedVertex) ConnectToInput(ctx context.Context, fromEndpoint, toVertex, toEndpoint string) cra.ErrorCode {
	row := &cra.ConnectionRow{FromVertex: dv.Name, FromEndpoint: fromEndpoint, ToVertex: toVertex, ToEndpoint: toEndpoint}
	code, _ := dv.engine.Connect(ctx, row, connection.FromSide)
	if code.IsSuccess() {
		dv.mu.Lock()
		dv.outputConnections = append(dv.outputConnections, row)
		dv.mu.Unlock()
	}
	return code
}

// ConnectToOutput opens an inbound stream: this vertex's toEndpoint
// will receive bytes produced by fromVertex.fromEndpoint. Since a
// detached vertex never accepts a dial, this vertex itself dials
// fromVertex's hosting instance and plays the ToSide (reverse)
// initiator.
func (dv *DetachedVertex) ConnectToOutput(ctx context.Context, toEndpoint, fromVertex, fromEndpoint string) cra.ErrorCode {
	row := &cra.ConnectionRow{FromVertex: fromVertex, FromEndpoint: fromEndpoint, ToVertex: dv.Name, ToEndpoint: toEndpoint}
	code, _ := dv.engine.Connect(ctx, row, connection.ToSide)
	if code.IsSuccess() {
		dv.mu.Lock()
		dv.inputConnections = append(dv.inputConnections, row)
		dv.mu.Unlock()
	}
	return code
}

// Restore re-reads this vertex's connections from metadata and
// redials all of them. The source routes inbound restorations into
// OutputConnections, which spec.md §9 identifies as an apparent bug;
// this implementation routes them into InputConnections instead.
func (dv *DetachedVertex) Restore(ctx context.Context) error {
	froms, err := dv.c.cm.ConnectionsFrom(ctx, dv.Name)
	if err != nil {
		return err
	}
	tos, err := dv.c.cm.ConnectionsTo(ctx, dv.Name)
	if err != nil {
		return err
	}

	for _, row := range froms {
		dv.ConnectToInput(ctx, row.FromEndpoint, row.ToVertex, row.ToEndpoint)
	}
	for _, row := range tos {
		dv.ConnectToOutput(ctx, row.ToEndpoint, row.FromVertex, row.FromEndpoint)
	}
	return nil
}

// Dispose deletes every endpoint and connection row this vertex owns,
// releases the streams those connections opened, deletes the vertex
// row, and — for an ephemeral registration — the instance row too.
// Dispose is infallible from the caller's point of view: internal
// errors are logged and suppressed.
func (dv *DetachedVertex) Dispose() {
	ctx := context.Background()

	_ = dv.handle.Dispose()

	if _, err := dv.c.em.DeleteAllEndpointsForVertex(ctx, dv.Name, 100); err != nil {
		log.WithError(err).WithField("vertex", dv.Name).Warn("client: failed to delete detached vertex endpoint rows")
	}

	dv.mu.Lock()
	conns := append(append([]*cra.ConnectionRow{}, dv.inputConnections...), dv.outputConnections...)
	dv.inputConnections = nil
	dv.outputConnections = nil
	streams := dv.streams
	dv.streams = map[string]net.Conn{}
	dv.mu.Unlock()

	for _, row := range conns {
		if err := dv.c.cm.DeleteConnection(ctx, row); err != nil {
			log.WithError(err).WithField("connection", row.Key()).Warn("client: failed to delete detached vertex connection row")
		}
	}

	for _, conn := range streams {
		_ = conn.Close()
	}

	if err := dv.c.vm.DeleteVertex(ctx, dv.Instance, dv.Name); err != nil {
		log.WithError(err).WithField("vertex", dv.Name).Warn("client: failed to delete detached vertex row")
	}

	if dv.ephemeral {
		if err := dv.c.im.DeleteInstance(ctx, dv.Instance); err != nil {
			log.WithError(err).WithField("instance", dv.Instance).Warn("client: failed to delete ephemeral instance row")
		}
	}
}
