// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package client is the external control plane: it mutates the
// metadata store directly and issues best-effort control RPCs to
// workers, mirroring the way the teacher's CLI commands talk to a
// running Pipe rather than embedding one.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/whitaker-io/cra"
	"github.com/whitaker-io/cra/artifact"
	"github.com/whitaker-io/cra/connection"
	"github.com/whitaker-io/cra/metadata"
	"github.com/whitaker-io/cra/streampool"
	"github.com/whitaker-io/cra/wire"
)

var log = logrus.WithField("component", "client")

// Client is the entry point for every control-plane operation:
// defining vertex types, instantiating and wiring vertices, and
// tearing the whole topology down for a fresh run.
type Client struct {
	TableService metadata.TableService
	Artifacts    artifact.Store

	im *metadata.InstanceManager
	vm *metadata.VertexManager
	em *metadata.EndpointManager
	cm *metadata.ConnectionManager
	sm *metadata.ShardedVertexManager

	pool        *streampool.Pool
	dialTimeout time.Duration
}

// New constructs a Client backed by ts, with no artifact container
// wired in — Reset will then only clear the four metadata tables.
// Use NewWithArtifacts to also clear the "cra" blob container on
// Reset.
func New(ts metadata.TableService) *Client {
	return NewWithArtifacts(ts, nil)
}

// NewWithArtifacts constructs a Client backed by ts and store, the
// same pairing worker.New takes. store may be nil, matching New.
func NewWithArtifacts(ts metadata.TableService, store artifact.Store) *Client {
	im := metadata.NewInstanceManager(ts)
	return &Client{
		TableService: ts,
		Artifacts:    store,
		im:           im,
		vm:           metadata.NewVertexManager(ts, im),
		em:           metadata.NewEndpointManager(ts),
		cm:           metadata.NewConnectionManager(ts),
		sm:           metadata.NewShardedVertexManager(ts),
		pool:         streampool.New(streampool.DefaultCapacity),
		dialTimeout:  10 * time.Second,
	}
}

// DefineVertex registers a vertex definition: a name, the registered
// factory key that constructs instances of it, and whether it is
// sharded.
func (c *Client) DefineVertex(ctx context.Context, name, factoryKey string, sharded bool) error {
	return c.vm.DefineVertex(ctx, &cra.VertexDefinition{
		Name:       name,
		FactoryKey: factoryKey,
		IsSharded:  sharded,
	})
}

// InstantiateVertex writes the vertex row for a single, non-sharded
// vertex and then best-effort asks the hosting instance to load it.
func (c *Client) InstantiateVertex(ctx context.Context, instance, vertexName, definition string, param []byte) cra.ErrorCode {
	if err := c.vm.InstantiateVertex(ctx, instance, vertexName, definition, param); err != nil {
		log.WithError(err).WithField("vertex", vertexName).Warn("client: failed to persist vertex row")
		return cra.ServerFailed
	}

	return c.sendLoadVertex(ctx, instance, vertexName, definition, param)
}

// sendLoadVertex dials the named instance and issues LOAD_VERTEX. A
// dial or instance-lookup failure is logged and reported as
// ServerFailed; the row already written lets a later reconcile pass
// (or a retried InstantiateVertex) pick the vertex up once the
// instance is reachable.
func (c *Client) sendLoadVertex(ctx context.Context, instance, vertexName, definition string, param []byte) cra.ErrorCode {
	attempt := uuid.NewString()
	entry := log.WithField("attempt", attempt).WithField("vertex", vertexName)

	inst, found, err := c.im.InstanceForName(ctx, instance)
	if err != nil || !found {
		entry.WithField("instance", instance).Warn("client: instance not registered, vertex row written but not loaded yet")
		return cra.ServerFailed
	}

	conn, reused, err := c.pool.GetOrDial(inst.Address, inst.Port, c.dialTimeout)
	if err != nil {
		entry.WithError(err).WithField("instance", instance).Warn("client: failed to dial instance for LOAD_VERTEX")
		return cra.ServerFailed
	}

	code, err := func() (cra.ErrorCode, error) {
		if err := wire.WriteInt32(conn, int32(wire.LoadVertex)); err != nil {
			return cra.ServerFailed, err
		}
		if err := wire.WriteString(conn, vertexName); err != nil {
			return cra.ServerFailed, err
		}
		if err := wire.WriteString(conn, definition); err != nil {
			return cra.ServerFailed, err
		}
		if err := wire.WriteByteArray(conn, param); err != nil {
			return cra.ServerFailed, err
		}
		raw, err := wire.ReadInt32(conn)
		if err != nil {
			return cra.ServerFailed, err
		}
		return cra.ErrorCode(raw), nil
	}()

	if err != nil {
		_ = conn.Close()
		entry.WithError(err).WithField("instance", instance).Warn("client: LOAD_VERTEX round trip failed")
		return cra.ServerFailed
	}

	if reused {
		c.pool.Release(inst.Address, inst.Port, conn)
	} else {
		_ = conn.Close()
	}

	return code
}

// Connect creates a connection row between two vertex endpoints and
// asks the initiating side's hosting instance to establish the
// stream. initiator chooses which side dials: connection.FromSide
// (the common case) asks fromVertex's instance to dial toVertex's;
// connection.ToSide asks toVertex's instance to dial back to
// fromVertex's, the CONNECT_VERTEX_INITIATOR_REVERSE variant.
func (c *Client) Connect(ctx context.Context, fromVertex, fromEndpoint, toVertex, toEndpoint string, initiator connection.Initiator) cra.ErrorCode {
	fromRow, found, err := c.vm.RowForVertex(ctx, fromVertex)
	if err != nil || !found {
		return cra.VertexNotFound
	}
	toRow, found, err := c.vm.RowForVertex(ctx, toVertex)
	if err != nil || !found {
		return cra.VertexNotFound
	}

	row := &cra.ConnectionRow{
		FromVertex: fromVertex, FromEndpoint: fromEndpoint,
		ToVertex: toVertex, ToEndpoint: toEndpoint,
		Initiator: string(initiator),
	}
	if err := c.cm.AddConnection(ctx, row); err != nil {
		log.WithError(err).WithField("connection", row.Key()).Warn("client: failed to persist connection row")
		return cra.ServerFailed
	}

	tuple := wire.ConnectTuple{FromVertex: fromVertex, FromEndpoint: fromEndpoint, ToVertex: toVertex, ToEndpoint: toEndpoint}

	if initiator == connection.ToSide {
		return c.sendConnectInitiator(ctx, toRow.Instance, wire.ConnectVertexInitiatorReverse, tuple)
	}
	return c.sendConnectInitiator(ctx, fromRow.Instance, wire.ConnectVertexInitiator, tuple)
}

// sendConnectInitiator dials instance and issues tag/tuple. Every call
// gets its own uuid-generated attempt ID attached to its log fields,
// so a failed and a retried establishment for the same (tuple, tag)
// can be told apart in the logs.
func (c *Client) sendConnectInitiator(ctx context.Context, instance string, tag wire.MessageTag, tuple wire.ConnectTuple) cra.ErrorCode {
	entry := log.WithField("attempt", uuid.NewString()).WithField("connection", fmt.Sprintf("%s.%s->%s.%s", tuple.FromVertex, tuple.FromEndpoint, tuple.ToVertex, tuple.ToEndpoint))

	inst, found, err := c.im.InstanceForName(ctx, instance)
	if err != nil || !found {
		entry.WithField("instance", instance).Warn("client: instance not registered, connection row written but not established yet")
		return cra.ServerFailed
	}

	conn, reused, err := c.pool.GetOrDial(inst.Address, inst.Port, c.dialTimeout)
	if err != nil {
		entry.WithError(err).WithField("instance", instance).Warn(fmt.Sprintf("client: failed to dial instance for %s", tag))
		return cra.ServerFailed
	}

	if err := wire.WriteInt32(conn, int32(tag)); err != nil {
		_ = conn.Close()
		return cra.ServerFailed
	}
	if err := connection.WriteTuple(conn, tuple); err != nil {
		_ = conn.Close()
		return cra.ServerFailed
	}
	raw, err := wire.ReadInt32(conn)
	if err != nil {
		_ = conn.Close()
		return cra.ServerFailed
	}

	if reused {
		c.pool.Release(inst.Address, inst.Port, conn)
	} else {
		_ = conn.Close()
	}

	return cra.ErrorCode(raw)
}

// Disconnect is fire-and-forget: it deletes the connection row and
// returns, leaving the established stream (if any) to be closed the
// next time either endpoint is disposed.
func (c *Client) Disconnect(ctx context.Context, fromVertex, fromEndpoint, toVertex, toEndpoint string) {
	row := &cra.ConnectionRow{FromVertex: fromVertex, FromEndpoint: fromEndpoint, ToVertex: toVertex, ToEndpoint: toEndpoint}
	if err := c.cm.DeleteConnection(ctx, row); err != nil {
		log.WithError(err).WithField("connection", row.Key()).Warn("client: failed to delete connection row")
	}
}

// DeleteInstance removes an instance's registration row. It does not
// cascade to the vertices it was hosting.
func (c *Client) DeleteInstance(ctx context.Context, name string) error {
	return c.im.DeleteInstance(ctx, name)
}

// DeleteVertex removes a vertex row. The hosting worker still owns
// disposing the live handle; this only clears the metadata the next
// reconcile/restart would otherwise pick up.
func (c *Client) DeleteVertex(ctx context.Context, instance, vertexName string) error {
	return c.vm.DeleteVertex(ctx, instance, vertexName)
}

// Reset drops every row in all four metadata tables, empties the
// artifact container if one was wired in via NewWithArtifacts, and
// drains the stream pool — the client-side analogue of the teacher's
// shutdown path (app.Shutdown then logStore.Leave): intended for
// tests and fresh bring-up, never for a live cluster.
func (c *Client) Reset(ctx context.Context) error {
	for _, table := range []string{
		metadata.VertexTable,
		metadata.EndpointTable,
		metadata.ConnectionTable,
		metadata.ShardedVertexTable,
	} {
		if err := c.TableService.DeleteTable(ctx, table); err != nil {
			return fmt.Errorf("client: reset table %q: %w", table, err)
		}
	}

	if c.Artifacts != nil {
		if err := c.Artifacts.Clear(ctx); err != nil {
			return fmt.Errorf("client: reset artifact container: %w", err)
		}
	}

	c.pool.CloseAll()
	return nil
}
