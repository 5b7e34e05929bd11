// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package connection implements the connection-establishment
// protocol: initiator/responder roles over the wire codec, the
// reverse-dial variants used for NAT/firewall traversal, and the
// algorithm that decides whether an establishment attempt can
// short-circuit in-process or must go over the network.
package connection

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whitaker-io/cra"
	"github.com/whitaker-io/cra/metadata"
	"github.com/whitaker-io/cra/streampool"
	"github.com/whitaker-io/cra/wire"
)

// Initiator selects which side of a connection dials the other,
// matching spec.md §4.6's ConnectionInitiator ∈ {FromSide, ToSide}.
// The data-flow direction is always from → to regardless of which
// side initiates; only the TCP dial direction changes.
type Initiator string

const (
	// FromSide means the vertex producing data (fromVertex) dials the
	// consumer's worker. This is the common case, and is also
	// ConnectionRow's zero value.
	FromSide Initiator = cra.ConnectionInitiatorFromSide
	// ToSide means the vertex consuming data (toVertex) dials the
	// producer's worker — used when only the consumer can reach the
	// producer (e.g. the producer sits behind a NAT).
	ToSide Initiator = cra.ConnectionInitiatorToSide
)

// Vertices is the capability the owning worker exposes so the engine
// can hand an established data stream to a locally hosted vertex's
// endpoint.
type Vertices interface {
	Handle(name string) (*cra.Handle, bool)
}

// Tracker lets the owning worker remember which endpoint owns a live
// data stream and whether killRemote was requested for it, so that
// disposing the endpoint can force that stream closed immediately
// instead of waiting for the peer to notice — spec.md §9's "if the
// local endpoint disappears, the kept stream is closed so the peer
// learns quickly."
type Tracker interface {
	TrackStream(vertex, endpoint string, conn net.Conn, killRemote bool)
}

var log = logrus.WithField("component", "connection")

// Engine establishes, restores, and tears down vertex-to-vertex
// stream connections. One Engine exists per worker process; the client
// library's DetachedVertex also owns one to open its own streams.
type Engine struct {
	// SelfInstance is this process's own instance name, or "" for a
	// client-only Engine that never hosts vertices locally.
	SelfInstance string

	// KillRemote marks every stream this Engine establishes as "close
	// it immediately if the local endpoint disappears" — set true for
	// the Engine backing a detached vertex, which can never accept an
	// inbound dial to notice the peer is gone any other way.
	KillRemote bool

	Vertices    Vertices
	Tracker     Tracker
	im          *metadata.InstanceManager
	vm          *metadata.VertexManager
	cm          *metadata.ConnectionManager
	pool        *streampool.Pool
	dialTimeout time.Duration
}

// NewEngine constructs an Engine. vertices may be nil for a
// client-only Engine (it will then never take the local short-circuit
// path and always dials over the network, even for its own
// "instance").
func NewEngine(selfInstance string, vertices Vertices, im *metadata.InstanceManager, vm *metadata.VertexManager, cm *metadata.ConnectionManager, pool *streampool.Pool) *Engine {
	return &Engine{
		SelfInstance: selfInstance,
		Vertices:     vertices,
		im:           im,
		vm:           vm,
		cm:           cm,
		pool:         pool,
		dialTimeout:  10 * time.Second,
	}
}

// Connect runs the algorithm from spec.md §4.6: validate both
// vertices exist, make the intent durable, then ask the chosen
// initiator's worker to establish the stream — locally if that
// worker is this process, else over a control RPC.
func (e *Engine) Connect(ctx context.Context, c *cra.ConnectionRow, initiator Initiator) (cra.ErrorCode, error) {
	if _, found, err := e.vm.RowForVertex(ctx, c.FromVertex); err != nil {
		return cra.ServerFailed, err
	} else if !found {
		return cra.VertexNotFound, fmt.Errorf("connection: %w: %s", cra.VertexNotFound, c.FromVertex)
	}
	if _, found, err := e.vm.RowForVertex(ctx, c.ToVertex); err != nil {
		return cra.ServerFailed, err
	} else if !found {
		return cra.VertexNotFound, fmt.Errorf("connection: %w: %s", cra.VertexNotFound, c.ToVertex)
	}

	c.Initiator = string(initiator)
	if err := e.cm.AddConnection(ctx, c); err != nil {
		return cra.ServerFailed, err
	}

	var initiatorVertex string
	var reverse bool
	var tag wire.MessageTag

	switch initiator {
	case ToSide:
		initiatorVertex = c.ToVertex
		reverse = true
		tag = wire.ConnectVertexInitiatorReverse
	default:
		initiatorVertex = c.FromVertex
		reverse = false
		tag = wire.ConnectVertexInitiator
	}

	row, _, err := e.vm.RowForVertex(ctx, initiatorVertex)
	if err != nil {
		return cra.ServerFailed, err
	}

	tuple := wire.ConnectTuple{
		FromVertex:   c.FromVertex,
		FromEndpoint: c.FromEndpoint,
		ToVertex:     c.ToVertex,
		ToEndpoint:   c.ToEndpoint,
	}

	if e.Vertices != nil && row.Instance == e.SelfInstance {
		code := e.HandleInitiator(ctx, tuple, reverse)
		return code, codeErr(code)
	}

	inst, found, err := e.im.InstanceForName(ctx, row.Instance)
	if err != nil {
		return cra.ServerFailed, err
	}
	if !found || inst.Address == "" {
		log.WithField("instance", row.Instance).Warn("connect: initiator instance unreachable, will retry on next reconcile")
		return cra.ConnectionEstablishFailed, fmt.Errorf("connection: %w: instance %q unreachable", cra.ConnectionEstablishFailed, row.Instance)
	}

	code, err := e.sendControlTuple(ctx, inst.Address, inst.Port, tag, tuple)
	if err != nil {
		log.WithError(err).WithField("instance", row.Instance).Warn("connect: control RPC failed, connection row remains for reconcile")
	}
	return code, err
}

// HandleInitiator implements the CONNECT_VERTEX_INITIATOR[_REVERSE]
// dispatch rule: dial the peer worker, ask it to accept a
// CONNECT_VERTEX_RECEIVER[_REVERSE], and on success hand the stream to
// the appropriate local endpoint.
//
// In the non-reverse case this process hosts fromVertex and hands the
// dialed stream to its output endpoint. In the reverse case this
// process hosts toVertex and hands the dialed stream to its input
// endpoint — "the reverse bit drives which endpoint map is consulted
// on each side".
func (e *Engine) HandleInitiator(ctx context.Context, tuple wire.ConnectTuple, reverse bool) cra.ErrorCode {
	var peerVertex string
	var receiverTag wire.MessageTag
	if reverse {
		peerVertex = tuple.FromVertex
		receiverTag = wire.ConnectVertexReceiverReverse
	} else {
		peerVertex = tuple.ToVertex
		receiverTag = wire.ConnectVertexReceiver
	}

	row, found, err := e.vm.RowForActiveVertex(ctx, peerVertex)
	if err != nil || !found {
		log.WithField("vertex", peerVertex).Warn("initiator: peer vertex instance unknown")
		return cra.ConnectionEstablishFailed
	}

	inst, found, err := e.im.InstanceForName(ctx, row.Instance)
	if err != nil || !found || inst.Address == "" {
		return cra.ConnectionEstablishFailed
	}

	conn, reused, err := e.pool.GetOrDial(inst.Address, inst.Port, e.dialTimeout)
	if err != nil {
		return cra.ConnectionEstablishFailed
	}

	if err := WriteReceiverRequest(conn, receiverTag, tuple, e.KillRemote); err != nil {
		_ = conn.Close()
		return cra.ConnectionEstablishFailed
	}

	code, err := wire.ReadInt32(conn)
	if err != nil {
		_ = conn.Close()
		return cra.ConnectionEstablishFailed
	}

	errCode := cra.ErrorCode(code)
	if !errCode.IsSuccess() {
		_ = conn.Close()
		return errCode
	}
	_ = reused

	if e.Vertices == nil {
		_ = conn.Close()
		return cra.ServerFailed
	}

	var localVertex, localEndpoint string
	if reverse {
		localVertex, localEndpoint = tuple.ToVertex, tuple.ToEndpoint
	} else {
		localVertex, localEndpoint = tuple.FromVertex, tuple.FromEndpoint
	}

	handle, found := e.Vertices.Handle(localVertex)
	if !found {
		_ = conn.Close()
		return cra.EndpointNotFound
	}

	if reverse {
		handler, _, found := handle.Input(localEndpoint)
		if !found {
			_ = conn.Close()
			return cra.EndpointNotFound
		}
		e.track(localVertex, localEndpoint, conn, e.KillRemote)
		go runInput(ctx, conn, handler)
	} else {
		handler, _, found := handle.Output(localEndpoint)
		if !found {
			_ = conn.Close()
			return cra.EndpointNotFound
		}
		e.track(localVertex, localEndpoint, conn, e.KillRemote)
		go runOutput(ctx, conn, handler)
	}

	return cra.Success
}

func (e *Engine) track(vertex, endpoint string, conn net.Conn, killRemote bool) {
	if e.Tracker != nil {
		e.Tracker.TrackStream(vertex, endpoint, conn, killRemote)
	}
}

// HandleReceiver implements the CONNECT_VERTEX_RECEIVER[_REVERSE]
// dispatch rule on an accepted socket: resolve the local endpoint
// named by the tuple, reply, and on success detach the socket from
// the dispatch loop to hand it to that endpoint.
func (e *Engine) HandleReceiver(ctx context.Context, conn net.Conn, tuple wire.ConnectTuple, reverse bool, killRemote bool) cra.ErrorCode {
	var localVertex, localEndpoint string
	if reverse {
		localVertex, localEndpoint = tuple.FromVertex, tuple.FromEndpoint
	} else {
		localVertex, localEndpoint = tuple.ToVertex, tuple.ToEndpoint
	}

	handle, found := e.Vertices.Handle(localVertex)
	if !found {
		_ = wire.WriteInt32(conn, int32(cra.EndpointNotFound))
		return cra.EndpointNotFound
	}

	if reverse {
		handler, _, found := handle.Output(localEndpoint)
		if !found {
			_ = wire.WriteInt32(conn, int32(cra.EndpointNotFound))
			return cra.EndpointNotFound
		}
		if err := wire.WriteInt32(conn, int32(cra.Success)); err != nil {
			return cra.ServerFailed
		}
		e.track(localVertex, localEndpoint, conn, killRemote)
		go runOutput(ctx, conn, handler)
	} else {
		handler, _, found := handle.Input(localEndpoint)
		if !found {
			_ = wire.WriteInt32(conn, int32(cra.EndpointNotFound))
			return cra.EndpointNotFound
		}
		if err := wire.WriteInt32(conn, int32(cra.Success)); err != nil {
			return cra.ServerFailed
		}
		e.track(localVertex, localEndpoint, conn, killRemote)
		go runInput(ctx, conn, handler)
	}

	return cra.Success
}

func (e *Engine) sendControlTuple(ctx context.Context, addr string, port int, tag wire.MessageTag, tuple wire.ConnectTuple) (cra.ErrorCode, error) {
	conn, _, err := e.pool.GetOrDial(addr, port, e.dialTimeout)
	if err != nil {
		return cra.ConnectionEstablishFailed, err
	}

	if err := wire.WriteInt32(conn, int32(tag)); err != nil {
		_ = conn.Close()
		return cra.ConnectionEstablishFailed, err
	}
	if err := WriteTuple(conn, tuple); err != nil {
		_ = conn.Close()
		return cra.ConnectionEstablishFailed, err
	}

	code, err := wire.ReadInt32(conn)
	if err != nil {
		_ = conn.Close()
		return cra.ConnectionEstablishFailed, err
	}

	e.pool.Release(addr, port, conn)

	errCode := cra.ErrorCode(code)
	return errCode, codeErr(errCode)
}

func WriteReceiverRequest(w io.Writer, tag wire.MessageTag, tuple wire.ConnectTuple, killRemote bool) error {
	if err := wire.WriteInt32(w, int32(tag)); err != nil {
		return err
	}
	if err := WriteTuple(w, tuple); err != nil {
		return err
	}
	kr := int32(0)
	if killRemote {
		kr = 1
	}
	return wire.WriteInt32(w, kr)
}

// WriteTuple writes a ConnectTuple in the wire format ReadTuple
// expects — exported so detached vertices (client package) can speak
// the same framing when dialing a worker directly.
func WriteTuple(w io.Writer, tuple wire.ConnectTuple) error {
	if err := wire.WriteString(w, tuple.FromVertex); err != nil {
		return err
	}
	if err := wire.WriteString(w, tuple.FromEndpoint); err != nil {
		return err
	}
	if err := wire.WriteString(w, tuple.ToVertex); err != nil {
		return err
	}
	return wire.WriteString(w, tuple.ToEndpoint)
}

// ReadTuple reads a ConnectTuple written by WriteTuple — exported for
// the worker package's dispatch loop.
func ReadTuple(r io.Reader) (wire.ConnectTuple, error) {
	from, err := wire.ReadString(r)
	if err != nil {
		return wire.ConnectTuple{}, err
	}
	fromEp, err := wire.ReadString(r)
	if err != nil {
		return wire.ConnectTuple{}, err
	}
	to, err := wire.ReadString(r)
	if err != nil {
		return wire.ConnectTuple{}, err
	}
	toEp, err := wire.ReadString(r)
	if err != nil {
		return wire.ConnectTuple{}, err
	}
	return wire.ConnectTuple{FromVertex: from, FromEndpoint: fromEp, ToVertex: to, ToEndpoint: toEp}, nil
}

func runInput(ctx context.Context, conn net.Conn, handler cra.InputHandler) {
	err := handler(ctx, conn)
	if err != nil && err != io.EOF {
		log.WithError(err).Debug("input endpoint terminated")
	}
	_ = conn.Close()
}

func runOutput(ctx context.Context, conn net.Conn, handler cra.OutputHandler) {
	err := handler(ctx, conn)
	if err != nil {
		log.WithError(err).Debug("output endpoint terminated")
	}
	_ = conn.Close()
}

func codeErr(code cra.ErrorCode) error {
	if code.IsSuccess() {
		return nil
	}
	return code
}
