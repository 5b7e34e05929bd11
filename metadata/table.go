// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package metadata is the persistent representation of instances,
// vertices (incl. sharded groups), endpoints, and connections. It
// wraps an abstract TableService — the actual backing store (a
// partitioned key-value table plus a blob container) is out of scope
// for this repository and modeled purely as an interface; see
// internal/store/cassandra for a concrete backend.
package metadata

import (
	"context"
	"errors"
)

// The four reserved metadata table names. Client.Reset deletes all of them.
const (
	ConnectionTable    = "craconnectiontable"
	VertexTable        = "cravertextable"
	EndpointTable      = "craendpointtable"
	ShardedVertexTable = "crashardedvertextable"
)

// ErrRowNotFound is returned by TableService.Get when no row exists at
// the given (table, partition, row) coordinate.
var ErrRowNotFound = errors.New("metadata: row not found")

// Row is a single persisted record as returned by a scan. Seq is a
// strictly increasing insertion-order marker the managers use to
// break ties between multiple rows matching the same query — the
// abstract table service needn't support ordering itself, only
// attaching a marker that increases monotonically per insert-or-
// replace call against a given (table, partition, row) key.
type Row struct {
	Partition string
	RowKey    string
	Value     []byte
	Seq       int64
}

// TableService is the abstraction the metadata managers are built on:
// strongly consistent single-row operations (insert-or-replace, point
// lookup, delete) and eventually consistent scans with a client- or
// server-side predicate.
type TableService interface {
	// InsertOrReplace performs a strongly consistent upsert of a
	// single row.
	InsertOrReplace(ctx context.Context, table, partition, row string, value []byte) error
	// Get performs a strongly consistent point lookup. It returns
	// ErrRowNotFound (wrapped) when nothing exists at that key.
	Get(ctx context.Context, table, partition, row string) ([]byte, error)
	// Delete removes a single row. Deleting a row that doesn't exist
	// is not an error.
	Delete(ctx context.Context, table, partition, row string) error
	// ScanPartition returns every row in one partition. May be
	// eventually consistent.
	ScanPartition(ctx context.Context, table, partition string) ([]Row, error)
	// ScanTable returns every row in a table, across all partitions.
	// May be eventually consistent; implementations should treat this
	// as an expensive, administrative operation.
	ScanTable(ctx context.Context, table string) ([]Row, error)
	// DeleteTable drops every row in a table. Used by Client.Reset.
	DeleteTable(ctx context.Context, table string) error
}

// DeleteBatch deletes rows in a single partition with a configurable
// fan-in, matching spec.md §4.3's "source uses 100 per batch".
// Partial batch failures are surfaced as the first error;
// previously-committed batches are not rolled back, and — per the
// Open Question in spec.md §9 — an overflowing batch's failure is
// treated as fatal for the remainder of that partition rather than
// silently retried.
func DeleteBatch(ctx context.Context, ts TableService, table, partition string, rows []string, fanIn int) error {
	if fanIn <= 0 {
		fanIn = 100
	}

	for start := 0; start < len(rows); start += fanIn {
		end := start + fanIn
		if end > len(rows) {
			end = len(rows)
		}

		for _, row := range rows[start:end] {
			if err := ts.Delete(ctx, table, partition, row); err != nil {
				return err
			}
		}
	}

	return nil
}
