// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package cra

// Option holds per-vertex runtime settings. Nil fields fall back to
// defaultOptions when merged, mirroring the teacher's Option.merge.
type Option struct {
	// Metrics controls whether otel metrics are recorded for bytes
	// flowing through a vertex's endpoints.
	// Default: true
	Metrics *bool
	// Span controls whether otel spans are created per endpoint
	// connection lifetime.
	// Default: true
	Span *bool
	// Recover controls whether a panic inside a vertex's IO loop is
	// recovered and reported instead of crashing the worker.
	// Default: true
	Recover *bool
}

var defaultOptions = &Option{
	Metrics: boolP(true),
	Span:    boolP(true),
	Recover: boolP(true),
}

func (o *Option) merge(other *Option) *Option {
	if other == nil {
		return o
	}

	out := &Option{
		Metrics: o.Metrics,
		Span:    o.Span,
		Recover: o.Recover,
	}

	if other.Metrics != nil {
		out.Metrics = other.Metrics
	}
	if other.Span != nil {
		out.Span = other.Span
	}
	if other.Recover != nil {
		out.Recover = other.Recover
	}

	return out
}

func boolP(v bool) *bool {
	return &v
}
