// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package worker

import (
	"context"
	"net"

	"github.com/whitaker-io/cra"
	"github.com/whitaker-io/cra/connection"
	"github.com/whitaker-io/cra/wire"
)

// dispatch reads one tagged control message off conn and handles it
// per the table in spec.md §4.5. CONNECT_VERTEX_RECEIVER[_REVERSE]
// detaches the socket from this loop on success — every other tag
// closes the connection once it has replied.
func (w *Worker) dispatch(ctx context.Context, conn net.Conn) {
	tagRaw, err := wire.ReadInt32(conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	tag := wire.MessageTag(tagRaw)

	switch tag {
	case wire.LoadVertex:
		w.handleLoadVertex(ctx, conn)
	case wire.ConnectVertexInitiator:
		w.handleConnectInitiator(ctx, conn, false)
	case wire.ConnectVertexInitiatorReverse:
		w.handleConnectInitiator(ctx, conn, true)
	case wire.ConnectVertexReceiver:
		w.handleConnectReceiver(ctx, conn, false)
	case wire.ConnectVertexReceiverReverse:
		w.handleConnectReceiver(ctx, conn, true)
	default:
		_ = wire.WriteInt32(conn, int32(cra.ServerFailed))
		_ = conn.Close()
	}
}

func (w *Worker) handleLoadVertex(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	vertexName, err := wire.ReadString(conn)
	if err != nil {
		return
	}
	definition, err := wire.ReadString(conn)
	if err != nil {
		return
	}
	paramBytes, err := wire.ReadByteArray(conn)
	if err != nil {
		return
	}

	code := w.LoadVertex(ctx, vertexName, definition, paramBytes)
	_ = wire.WriteInt32(conn, int32(code))
}

// LoadVertex implements the LOAD_VERTEX dispatch rule: fetch the
// definition row, download the artifact if not cached, instantiate,
// register with the in-process table, and initialize. Idempotent:
// re-loading an existing name disposes the old instance first.
func (w *Worker) LoadVertex(ctx context.Context, vertexName, definition string, paramBytes []byte) cra.ErrorCode {
	w.mu.Lock()
	if existing, ok := w.handles[vertexName]; ok {
		delete(w.handles, vertexName)
		w.mu.Unlock()
		_ = existing.Dispose()
	} else {
		w.mu.Unlock()
	}

	def, found, err := w.vm.RowForDefinition(ctx, definition)
	if err != nil || !found {
		return cra.VertexNotDefined
	}

	if w.Artifacts != nil {
		if _, err := w.Artifacts.Download(ctx, definition); err != nil {
			w.logger.WithError(err).WithField("definition", definition).Warn("worker: artifact download failed")
			return cra.InitializationFailed
		}
	}

	v, err := cra.NewVertex(def)
	if err != nil {
		return cra.VertexNotDefined
	}

	handle := cra.NewHandle(vertexName, definition, v, nil, w.endpointCallbacks(vertexName))

	var shardIndex *int
	params := paramBytes
	if def.IsSharded {
		idx, rest, ok := splitShardIndex(paramBytes)
		if ok {
			shardIndex = &idx
			params = rest
		}
	}

	if err := handle.Initialize(ctx, shardIndex, params); err != nil {
		return cra.InitializationFailed
	}

	w.mu.Lock()
	w.handles[vertexName] = handle
	w.mu.Unlock()

	return cra.Success
}

func (w *Worker) endpointCallbacks(vertexName string) cra.EndpointCallbacks {
	return cra.EndpointCallbacks{
		OnEndpointAdded: func(name string, dir cra.Direction, async cra.Async) error {
			return w.em.AddEndpoint(context.Background(), vertexName, name, dir, async)
		},
		OnDispose: func() {
			ctx := context.Background()
			if _, err := w.em.DeleteAllEndpointsForVertex(ctx, vertexName, 100); err != nil {
				w.logger.WithError(err).WithField("vertex", vertexName).Warn("worker: failed to delete endpoint rows on dispose")
			}
			if err := w.vm.DeleteVertex(ctx, w.InstanceName, vertexName); err != nil {
				w.logger.WithError(err).WithField("vertex", vertexName).Warn("worker: failed to delete vertex row on dispose")
			}
			w.closeTrackedStreams(vertexName)
		},
	}
}

func (w *Worker) closeTrackedStreams(vertexName string) {
	w.streamsMu.Lock()
	defer w.streamsMu.Unlock()

	for key, ts := range w.streams {
		if len(key) > len(vertexName) && key[:len(vertexName)+1] == vertexName+"/" {
			_ = ts.conn.Close()
			delete(w.streams, key)
		}
	}
}

func (w *Worker) handleConnectInitiator(ctx context.Context, conn net.Conn, reverse bool) {
	defer conn.Close()

	tuple, err := connection.ReadTuple(conn)
	if err != nil {
		return
	}

	code := w.engine.HandleInitiator(ctx, tuple, reverse)
	_ = wire.WriteInt32(conn, int32(code))
}

func (w *Worker) handleConnectReceiver(ctx context.Context, conn net.Conn, reverse bool) {
	tuple, err := connection.ReadTuple(conn)
	if err != nil {
		_ = conn.Close()
		return
	}

	killRemoteRaw, err := wire.ReadInt32(conn)
	if err != nil {
		_ = conn.Close()
		return
	}

	code := w.engine.HandleReceiver(ctx, conn, tuple, reverse, killRemoteRaw != 0)
	if !code.IsSuccess() {
		_ = conn.Close()
	}
	// On success HandleReceiver has already replied and handed the
	// socket off to the endpoint goroutine; this loop must not read
	// from conn again.
}

// splitShardIndex parses the (shardIndex, userParam) tuple spec.md
// §4.4 describes for sharded vertices: a 4-byte little-endian shard
// index prefix followed by the user parameter blob.
func splitShardIndex(b []byte) (int, []byte, bool) {
	if len(b) < 4 {
		return 0, b, false
	}
	idx := int(int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24)
	return idx, b[4:], true
}
