// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package cra

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/trace"
)

var (
	meter  = global.Meter("cra")
	tracer = otel.GetTracerProvider().Tracer("cra")

	bytesCounter  = metric.Must(meter).NewInt64Counter("cra.endpoint.bytes")
	errorsCounter = metric.Must(meter).NewInt64Counter("cra.endpoint.errors")
	openDuration  = metric.Must(meter).NewInt64ValueRecorder("cra.endpoint.duration")
)

// InputHandler consumes an inbound byte stream until it observes EOF.
// The stream is closed by the runtime once the handler returns.
type InputHandler func(ctx context.Context, stream io.Reader) error

// OutputHandler produces bytes onto an outbound stream until the
// vertex has nothing left to send. The stream is closed by the
// runtime once the handler returns.
type OutputHandler func(ctx context.Context, stream io.Writer) error

// Vertex is the capability set every user-supplied computation object
// must implement. Initialize is called once, synchronously, right
// after construction; it is the only place endpoints may be
// registered.
type Vertex interface {
	// Initialize is called once after creation and may register
	// endpoints through reg.
	Initialize(ctx context.Context, params []byte, reg EndpointRegistrar) error
	// Dispose releases resources. It is called at most once.
	Dispose() error
}

// ShardedVertex is implemented by vertices that need their shard
// index. The runtime splits the parameter tuple (shardIndex,
// userParam) and calls InitializeShard in place of Initialize.
type ShardedVertex interface {
	InitializeShard(ctx context.Context, shardIndex int, params []byte, reg EndpointRegistrar) error
	Dispose() error
}

// EndpointRegistrar is the runtime-provided capability passed to
// Vertex.Initialize. Registering an endpoint stores it locally on the
// Handle and fires a runtime callback that persists the endpoint row
// — the Design Notes' "four callbacks" modeled as a capability object
// rather than mutable callback slots.
type EndpointRegistrar interface {
	AddInputEndpoint(name string, async Async, handler InputHandler) error
	AddOutputEndpoint(name string, async Async, handler OutputHandler) error
}

// EndpointCallbacks are injected by whatever owns the Handle (the
// worker's in-process vertex table) to make endpoint registration and
// vertex disposal durable.
type EndpointCallbacks struct {
	// OnEndpointAdded fires synchronously from AddInputEndpoint /
	// AddOutputEndpoint, before the call returns.
	OnEndpointAdded func(name string, dir Direction, async Async) error
	// OnDispose fires after the user Vertex's Dispose returns,
	// regardless of whether it errored.
	OnDispose func()
}

type registeredInput struct {
	direction Async
	handler   InputHandler
}

type registeredOutput struct {
	direction Async
	handler   OutputHandler
}

// Handle wraps a user Vertex with the bookkeeping the runtime needs:
// its name, option set, and the {input, output, asyncInput,
// asyncOutput} endpoint maps spec.md §4.4 requires.
type Handle struct {
	Name       string
	Definition string
	vertex     Vertex
	option     *Option
	callbacks  EndpointCallbacks

	mu          sync.RWMutex
	input       map[string]*registeredInput
	output      map[string]*registeredOutput
	asyncInput  map[string]*registeredInput
	asyncOutput map[string]*registeredOutput

	disposed bool
}

// NewHandle constructs a Handle around a freshly created Vertex. It
// does not call Initialize — callers invoke Handle.Initialize once
// ready.
func NewHandle(name, definition string, v Vertex, opt *Option, callbacks EndpointCallbacks) *Handle {
	return &Handle{
		Name:        name,
		Definition:  definition,
		vertex:      v,
		option:      defaultOptions.merge(opt),
		callbacks:   callbacks,
		input:       map[string]*registeredInput{},
		output:      map[string]*registeredOutput{},
		asyncInput:  map[string]*registeredInput{},
		asyncOutput: map[string]*registeredOutput{},
	}
}

// Initialize calls the wrapped Vertex's Initialize (or InitializeShard
// if it implements ShardedVertex and shardIndex is non-nil) with this
// Handle acting as the EndpointRegistrar.
func (h *Handle) Initialize(ctx context.Context, shardIndex *int, params []byte) error {
	if sv, ok := h.vertex.(ShardedVertex); ok && shardIndex != nil {
		return sv.InitializeShard(ctx, *shardIndex, params, h)
	}
	return h.vertex.Initialize(ctx, params, h)
}

// AddInputEndpoint implements EndpointRegistrar.
func (h *Handle) AddInputEndpoint(name string, async Async, handler InputHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	wrapped := h.wrapInput(name, handler)

	if async == AsyncMode {
		h.asyncInput[name] = &registeredInput{direction: async, handler: wrapped}
	} else {
		h.input[name] = &registeredInput{direction: async, handler: wrapped}
	}

	if h.callbacks.OnEndpointAdded != nil {
		return h.callbacks.OnEndpointAdded(name, Input, async)
	}
	return nil
}

// AddOutputEndpoint implements EndpointRegistrar.
func (h *Handle) AddOutputEndpoint(name string, async Async, handler OutputHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	wrapped := h.wrapOutput(name, handler)

	if async == AsyncMode {
		h.asyncOutput[name] = &registeredOutput{direction: async, handler: wrapped}
	} else {
		h.output[name] = &registeredOutput{direction: async, handler: wrapped}
	}

	if h.callbacks.OnEndpointAdded != nil {
		return h.callbacks.OnEndpointAdded(name, Output, async)
	}
	return nil
}

// Input returns the registered input handler for name, searching both
// the sync and async maps, and whether it was found.
func (h *Handle) Input(name string) (InputHandler, Async, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if r, ok := h.input[name]; ok {
		return r.handler, Sync, true
	}
	if r, ok := h.asyncInput[name]; ok {
		return r.handler, AsyncMode, true
	}
	return nil, "", false
}

// Output returns the registered output handler for name, searching
// both the sync and async maps, and whether it was found.
func (h *Handle) Output(name string) (OutputHandler, Async, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if r, ok := h.output[name]; ok {
		return r.handler, Sync, true
	}
	if r, ok := h.asyncOutput[name]; ok {
		return r.handler, AsyncMode, true
	}
	return nil, "", false
}

// Dispose releases the wrapped Vertex's resources exactly once and then
// runs the OnDispose callback. It returns the wrapped Vertex's Dispose
// error, or nil on every call after the first.
func (h *Handle) Dispose() error {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return nil
	}
	h.disposed = true
	h.mu.Unlock()

	err := h.vertex.Dispose()

	if h.callbacks.OnDispose != nil {
		h.callbacks.OnDispose()
	}

	return err
}

func (h *Handle) wrapInput(name string, handler InputHandler) InputHandler {
	fn := handler

	fn = h.withRecoverInput(name, fn)
	fn = h.withMetricsInput(name, fn)
	fn = h.withSpanInput(name, fn)

	return fn
}

func (h *Handle) wrapOutput(name string, handler OutputHandler) OutputHandler {
	fn := handler

	fn = h.withRecoverOutput(name, fn)
	fn = h.withMetricsOutput(name, fn)
	fn = h.withSpanOutput(name, fn)

	return fn
}

func (h *Handle) withRecoverInput(name string, next InputHandler) InputHandler {
	if h.option.Recover == nil || !*h.option.Recover {
		return next
	}

	return func(ctx context.Context, stream io.Reader) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic recovery in %s.%s: %v", h.Name, name, r)
			}
		}()
		return next(ctx, stream)
	}
}

func (h *Handle) withRecoverOutput(name string, next OutputHandler) OutputHandler {
	if h.option.Recover == nil || !*h.option.Recover {
		return next
	}

	return func(ctx context.Context, stream io.Writer) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic recovery in %s.%s: %v", h.Name, name, r)
			}
		}()
		return next(ctx, stream)
	}
}

func (h *Handle) withMetricsInput(name string, next InputHandler) InputHandler {
	if h.option.Metrics == nil || !*h.option.Metrics {
		return next
	}

	labels := []attribute.KeyValue{
		attribute.String("vertex", h.Name),
		attribute.String("endpoint", name),
		attribute.String("direction", string(Input)),
	}

	return func(ctx context.Context, stream io.Reader) error {
		counting := &countingReader{r: stream}
		start := time.Now()
		err := next(ctx, counting)
		duration := time.Since(start)

		bytesCounter.Add(ctx, counting.n, labels...)
		openDuration.Record(ctx, int64(duration), labels...)
		if err != nil {
			errorsCounter.Add(ctx, 1, labels...)
		}
		return err
	}
}

func (h *Handle) withMetricsOutput(name string, next OutputHandler) OutputHandler {
	if h.option.Metrics == nil || !*h.option.Metrics {
		return next
	}

	labels := []attribute.KeyValue{
		attribute.String("vertex", h.Name),
		attribute.String("endpoint", name),
		attribute.String("direction", string(Output)),
	}

	return func(ctx context.Context, stream io.Writer) error {
		counting := &countingWriter{w: stream}
		start := time.Now()
		err := next(ctx, counting)
		duration := time.Since(start)

		bytesCounter.Add(ctx, counting.n, labels...)
		openDuration.Record(ctx, int64(duration), labels...)
		if err != nil {
			errorsCounter.Add(ctx, 1, labels...)
		}
		return err
	}
}

func (h *Handle) withSpanInput(name string, next InputHandler) InputHandler {
	if h.option.Span == nil || !*h.option.Span {
		return next
	}

	return func(ctx context.Context, stream io.Reader) error {
		ctx, span := tracer.Start(ctx, h.Name+"."+name, trace.WithAttributes(
			attribute.String("vertex", h.Name),
			attribute.String("endpoint", name),
		))
		defer span.End()

		err := next(ctx, stream)
		if err != nil && err != io.EOF {
			span.RecordError(err)
		}
		return err
	}
}

func (h *Handle) withSpanOutput(name string, next OutputHandler) OutputHandler {
	if h.option.Span == nil || !*h.option.Span {
		return next
	}

	return func(ctx context.Context, stream io.Writer) error {
		ctx, span := tracer.Start(ctx, h.Name+"."+name, trace.WithAttributes(
			attribute.String("vertex", h.Name),
			attribute.String("endpoint", name),
		))
		defer span.End()

		err := next(ctx, stream)
		if err != nil {
			span.RecordError(err)
		}
		return err
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
