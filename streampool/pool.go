// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package streampool is a process-wide cache of idle outbound TCP
// streams keyed by (address, port), so the connection engine can
// reuse a dialed socket for a later control message instead of
// re-dialing. Entries have no TTL in this base design — callers that
// want eviction can wrap Pool with their own sweep.
package streampool

import (
	"net"
	"strconv"
	"sync"
	"time"
)

// DefaultCapacity bounds how many idle streams are kept per
// (address, port) bucket before Release starts closing the excess.
const DefaultCapacity = 8

// Pool is a thread-safe, bounded LIFO cache of idle net.Conn values
// per (address, port).
type Pool struct {
	mu       sync.Mutex
	buckets  map[string][]net.Conn
	capacity int
	dial     func(network, address string, timeout time.Duration) (net.Conn, error)
}

// New creates a Pool with the given per-bucket capacity. A capacity
// of 0 or less uses DefaultCapacity.
func New(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pool{
		buckets:  map[string][]net.Conn{},
		capacity: capacity,
		dial:     net.DialTimeout,
	}
}

func key(addr string, port int) string {
	return addr + ":" + strconv.Itoa(port)
}

// TryGet pops and returns a cached idle stream for (addr, port), or
// nil if none are cached.
func (p *Pool) TryGet(addr string, port int) net.Conn {
	k := key(addr, port)

	p.mu.Lock()
	defer p.mu.Unlock()

	bucket := p.buckets[k]
	if len(bucket) == 0 {
		return nil
	}

	conn := bucket[len(bucket)-1]
	p.buckets[k] = bucket[:len(bucket)-1]
	return conn
}

// Release returns a stream to the pool if it is still healthy and the
// bucket has spare capacity; otherwise it closes the stream. Callers
// that observed an IO error on conn must not call Release — they
// should close it directly instead.
func (p *Pool) Release(addr string, port int, conn net.Conn) {
	k := key(addr, port)

	p.mu.Lock()
	defer p.mu.Unlock()

	bucket := p.buckets[k]
	if len(bucket) >= p.capacity {
		_ = conn.Close()
		return
	}

	p.buckets[k] = append(bucket, conn)
}

// GetOrDial returns a pooled stream for (addr, port) if one is
// available, otherwise dials a fresh one with the given timeout.
func (p *Pool) GetOrDial(addr string, port int, timeout time.Duration) (conn net.Conn, reused bool, err error) {
	if conn := p.TryGet(addr, port); conn != nil {
		return conn, true, nil
	}

	conn, err = p.dial("tcp", key(addr, port), timeout)
	return conn, false, err
}

// CloseAll closes every pooled idle stream and empties the pool. Used
// by Client.Reset to drain outstanding connections on a fresh
// bring-up.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for k, bucket := range p.buckets {
		for _, conn := range bucket {
			_ = conn.Close()
		}
		delete(p.buckets, k)
	}
}

// Size returns the number of idle streams currently cached across all
// buckets, mostly useful for tests.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, bucket := range p.buckets {
		n += len(bucket)
	}
	return n
}
