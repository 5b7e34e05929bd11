// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package worker is the per-machine server that accepts control
// messages, loads vertices, and owns connection-setup responsibility
// for vertices it hosts. It mirrors the teacher's Pipe: a long-running
// process that registers itself, runs its workload, and serves a
// health endpoint over fiber until told to shut down.
package worker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	fiber "github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/whitaker-io/cra"
	"github.com/whitaker-io/cra/artifact"
	"github.com/whitaker-io/cra/connection"
	"github.com/whitaker-io/cra/metadata"
	"github.com/whitaker-io/cra/streampool"
	"github.com/whitaker-io/cra/wire"
)

var defaultLogger = &logrus.Logger{
	Out:       logrus.StandardLogger().Out,
	Formatter: new(logrus.TextFormatter),
	Hooks:     make(logrus.LevelHooks),
	Level:     logrus.InfoLevel,
}

// reconcileBackoff is the schedule spec.md §4.5 step 3 specifies:
// 2s, 4s, 8s, capped at ~60s.
var reconcileBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
var reconcileBackoffCap = 60 * time.Second

// Worker is the per-machine server. One Worker hosts zero or more
// vertices and accepts control connections on a single TCP port.
type Worker struct {
	InstanceName string
	Address      string
	Port         int

	TableService metadata.TableService
	Artifacts    artifact.Store

	logger *logrus.Logger

	im *metadata.InstanceManager
	vm *metadata.VertexManager
	em *metadata.EndpointManager
	cm *metadata.ConnectionManager
	sm *metadata.ShardedVertexManager

	pool   *streampool.Pool
	engine *connection.Engine

	mu       sync.RWMutex
	handles  map[string]*cra.Handle
	started  time.Time
	listener net.Listener
	app      *fiber.App

	streamsMu sync.Mutex
	streams   map[string]trackedStream
}

type trackedStream struct {
	conn       net.Conn
	killRemote bool
}

// New constructs a Worker. Callers must call Start to register the
// instance, load hosted vertices, and bind the listener.
func New(instanceName, address string, port int, ts metadata.TableService, store artifact.Store) *Worker {
	im := metadata.NewInstanceManager(ts)
	vm := metadata.NewVertexManager(ts, im)
	em := metadata.NewEndpointManager(ts)
	cm := metadata.NewConnectionManager(ts)
	sm := metadata.NewShardedVertexManager(ts)
	pool := streampool.New(streampool.DefaultCapacity)

	w := &Worker{
		InstanceName: instanceName,
		Address:      address,
		Port:         port,
		TableService: ts,
		Artifacts:    store,
		logger:       defaultLogger,
		im:           im,
		vm:           vm,
		em:           em,
		cm:           cm,
		sm:           sm,
		pool:         pool,
		handles:      map[string]*cra.Handle{},
		streams:      map[string]trackedStream{},
	}

	w.engine = connection.NewEngine(instanceName, w, im, vm, cm, pool)
	w.engine.Tracker = w
	return w
}

// Handle implements connection.Vertices.
func (w *Worker) Handle(name string) (*cra.Handle, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handles[name]
	return h, ok
}

// TrackStream implements connection.Tracker.
func (w *Worker) TrackStream(vertex, endpoint string, conn net.Conn, killRemote bool) {
	w.streamsMu.Lock()
	defer w.streamsMu.Unlock()
	w.streams[vertex+"/"+endpoint] = trackedStream{conn: conn, killRemote: killRemote}
}

// Start runs the sequence from spec.md §4.5: register the instance,
// load every hosted vertex, schedule reconciliation of local
// connections, and bind the control listener.
func (w *Worker) Start(ctx context.Context) error {
	w.started = time.Now()

	if err := w.im.RegisterInstance(ctx, w.InstanceName, w.Address, w.Port); err != nil {
		return fmt.Errorf("worker: register instance: %w", err)
	}

	if err := w.loadHostedVertices(ctx); err != nil {
		return fmt.Errorf("worker: load hosted vertices: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", w.Port))
	if err != nil {
		return fmt.Errorf("worker: listen on port %d: %w", w.Port, err)
	}
	w.listener = ln

	go w.reconcileLoop(ctx)
	go w.acceptLoop(ctx)

	return nil
}

// Serve binds the /healthz endpoint on port+1 and blocks until ctx is
// done, the teacher's Pipe.Run pattern adapted from "/health" to
// "/healthz" with richer per-instance fields.
func (w *Worker) Serve(ctx context.Context) error {
	w.app = fiber.New()
	w.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(w.healthInfo(ctx))
	})

	go func() {
		<-ctx.Done()
		_ = w.app.Shutdown()
		if w.listener != nil {
			_ = w.listener.Close()
		}
	}()

	return w.app.Listen(fmt.Sprintf(":%d", w.Port+1))
}

type healthPayload struct {
	Instance        string `json:"instance"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	VertexCount     int    `json:"vertex_count"`
	ConnectionCount int    `json:"connection_count"`
}

func (w *Worker) healthInfo(ctx context.Context) healthPayload {
	w.mu.RLock()
	vertexCount := len(w.handles)
	w.mu.RUnlock()

	connCount := 0
	if rows, err := w.TableService.ScanTable(ctx, metadata.ConnectionTable); err == nil {
		connCount = len(rows)
	}

	return healthPayload{
		Instance:        w.InstanceName,
		UptimeSeconds:   int64(time.Since(w.started).Seconds()),
		VertexCount:     vertexCount,
		ConnectionCount: connCount,
	}
}

func (w *Worker) loadHostedVertices(ctx context.Context) error {
	rows, err := w.vm.AllVerticesForInstance(ctx, w.InstanceName)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if code := w.LoadVertex(ctx, row.VertexName, row.Definition, row.ParameterBlob); !code.IsSuccess() {
			w.logger.WithField("code", code).WithField("vertex", row.VertexName).Warn("worker: failed to load hosted vertex at start")
		}
	}
	return nil
}

// reconcileLoop retries connection establishment for every connection
// a locally hosted vertex is responsible for dialing (see
// reconcileVertex), with the exponential backoff
// spec.md §4.5 step 3 requires.
func (w *Worker) reconcileLoop(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.reconcileOnce(ctx)

		delay := reconcileBackoffCap
		if attempt < len(reconcileBackoff) {
			delay = reconcileBackoff[attempt]
			attempt++
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (w *Worker) reconcileOnce(ctx context.Context) {
	w.mu.RLock()
	names := make([]string, 0, len(w.handles))
	for name := range w.handles {
		names = append(names, name)
	}
	w.mu.RUnlock()

	for _, name := range names {
		w.reconcileVertex(ctx, name)
	}
}

// reconcileVertex retries every connection this locally hosted vertex
// is responsible for dialing: FromSide connections where it is
// fromVertex, and ToSide (reverse) connections where it is toVertex.
// A connection whose initiating side is hosted elsewhere is left for
// that instance's own reconcile pass.
func (w *Worker) reconcileVertex(ctx context.Context, name string) {
	fromConns, err := w.cm.ConnectionsFrom(ctx, name)
	if err != nil {
		w.logger.WithError(err).WithField("vertex", name).Debug("reconcile: failed to list outbound connections")
	}
	for _, c := range fromConns {
		if c.IsReverseInitiator() {
			continue
		}
		w.retryInitiator(ctx, c, false)
	}

	toConns, err := w.cm.ConnectionsTo(ctx, name)
	if err != nil {
		w.logger.WithError(err).WithField("vertex", name).Debug("reconcile: failed to list inbound connections")
		return
	}
	for _, c := range toConns {
		if !c.IsReverseInitiator() {
			continue
		}
		w.retryInitiator(ctx, c, true)
	}
}

func (w *Worker) retryInitiator(ctx context.Context, c *cra.ConnectionRow, reverse bool) {
	code := w.engine.HandleInitiator(ctx, wire.ConnectTuple{
		FromVertex:   c.FromVertex,
		FromEndpoint: c.FromEndpoint,
		ToVertex:     c.ToVertex,
		ToEndpoint:   c.ToEndpoint,
	}, reverse)
	if !code.IsSuccess() {
		w.logger.WithField("connection", c.Key()).WithField("code", code).Debug("reconcile: establishment attempt did not succeed, will retry")
	}
}

func (w *Worker) acceptLoop(ctx context.Context) {
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				w.logger.WithError(err).Error("worker: accept failed")
				return
			}
		}

		go w.dispatch(ctx, conn)
	}
}

// Stop closes the control listener, the health server, and every
// hosted vertex, in that order — new work stops being accepted before
// in-flight vertices are disposed.
func (w *Worker) Stop() error {
	if w.listener != nil {
		_ = w.listener.Close()
	}
	if w.app != nil {
		_ = w.app.Shutdown()
	}

	w.mu.Lock()
	handles := make([]*cra.Handle, 0, len(w.handles))
	for _, h := range w.handles {
		handles = append(handles, h)
	}
	w.handles = map[string]*cra.Handle{}
	w.mu.Unlock()

	for _, h := range handles {
		if err := h.Dispose(); err != nil {
			w.logger.WithError(err).WithField("vertex", h.Name).Warn("worker: vertex dispose returned an error during shutdown")
		}
	}

	w.pool.CloseAll()
	return nil
}
