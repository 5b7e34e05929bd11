// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package cassandra is a gocql-backed metadata.TableService, grounded
// on the cluster setup the teacher's components/cassandra package
// uses for its Initium/Terminus (gocql.NewCluster, Quorum consistency,
// CreateSession) but built around the fixed four-table partition/row
// shape metadata.TableService needs instead of an arbitrary query.
package cassandra

import (
	"context"
	"fmt"
	"strings"

	"github.com/gocql/gocql"

	"github.com/whitaker-io/cra/metadata"
)

// Store is a metadata.TableService backed by a Cassandra keyspace with
// one table per metadata table name, each shaped
// (partition text, row_key text, value blob, PRIMARY KEY(partition, row_key)).
// Row.Seq is Cassandra's own cell WRITETIME rather than an
// application-maintained counter, so it stays monotonic across
// however many coordinator nodes handle the writes.
type Store struct {
	session *gocql.Session
}

// Dial parses a "host1,host2,.../keyspace" connection string, opens a
// session with Quorum consistency, and creates the four tables if
// they don't already exist.
func Dial(connString string) (*Store, error) {
	hosts, keyspace, err := parseConnString(connString)
	if err != nil {
		return nil, err
	}

	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("cassandra: create session: %w", err)
	}

	s := &Store{session: session}
	for _, table := range []string{
		metadata.ConnectionTable,
		metadata.VertexTable,
		metadata.EndpointTable,
		metadata.ShardedVertexTable,
	} {
		if err := s.ensureTable(table); err != nil {
			session.Close()
			return nil, err
		}
	}

	return s, nil
}

func parseConnString(connString string) (hosts []string, keyspace string, err error) {
	parts := strings.SplitN(connString, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, "", fmt.Errorf("cassandra: connection string must be host1,host2/keyspace, got %q", connString)
	}
	return strings.Split(parts[0], ","), parts[1], nil
}

func (s *Store) ensureTable(table string) error {
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (partition text, row_key text, value blob, PRIMARY KEY (partition, row_key))`,
		table,
	)
	return s.session.Query(stmt).Exec()
}

// InsertOrReplace implements metadata.TableService.
func (s *Store) InsertOrReplace(ctx context.Context, table, partition, row string, value []byte) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (partition, row_key, value) VALUES (?, ?, ?)`, table)
	return s.session.Query(stmt, partition, row, value).WithContext(ctx).Exec()
}

// Get implements metadata.TableService.
func (s *Store) Get(ctx context.Context, table, partition, row string) ([]byte, error) {
	stmt := fmt.Sprintf(`SELECT value FROM %s WHERE partition = ? AND row_key = ?`, table)

	var value []byte
	if err := s.session.Query(stmt, partition, row).WithContext(ctx).Scan(&value); err != nil {
		if err == gocql.ErrNotFound {
			return nil, metadata.ErrRowNotFound
		}
		return nil, fmt.Errorf("cassandra: get %s/%s/%s: %w", table, partition, row, err)
	}
	return value, nil
}

// Delete implements metadata.TableService.
func (s *Store) Delete(ctx context.Context, table, partition, row string) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE partition = ? AND row_key = ?`, table)
	return s.session.Query(stmt, partition, row).WithContext(ctx).Exec()
}

// ScanPartition implements metadata.TableService.
func (s *Store) ScanPartition(ctx context.Context, table, partition string) ([]metadata.Row, error) {
	stmt := fmt.Sprintf(`SELECT row_key, value, WRITETIME(value) FROM %s WHERE partition = ?`, table)
	iter := s.session.Query(stmt, partition).WithContext(ctx).Iter()

	var rows []metadata.Row
	var rowKey string
	var value []byte
	var seq int64
	for iter.Scan(&rowKey, &value, &seq) {
		rows = append(rows, metadata.Row{Partition: partition, RowKey: rowKey, Value: value, Seq: seq})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("cassandra: scan partition %s/%s: %w", table, partition, err)
	}
	return rows, nil
}

// ScanTable implements metadata.TableService. It is an unfiltered,
// token-range-unaware full scan, appropriate for the administrative
// uses (Reset, health counts) metadata.TableService documents it for
// and not for a table with production-scale row counts.
func (s *Store) ScanTable(ctx context.Context, table string) ([]metadata.Row, error) {
	stmt := fmt.Sprintf(`SELECT partition, row_key, value, WRITETIME(value) FROM %s`, table)
	iter := s.session.Query(stmt).WithContext(ctx).Iter()

	var rows []metadata.Row
	var partition, rowKey string
	var value []byte
	var seq int64
	for iter.Scan(&partition, &rowKey, &value, &seq) {
		rows = append(rows, metadata.Row{Partition: partition, RowKey: rowKey, Value: value, Seq: seq})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("cassandra: scan table %s: %w", table, err)
	}
	return rows, nil
}

// DeleteTable implements metadata.TableService.
func (s *Store) DeleteTable(ctx context.Context, table string) error {
	return s.session.Query(fmt.Sprintf(`TRUNCATE %s`, table)).WithContext(ctx).Exec()
}

// Close releases the underlying gocql session.
func (s *Store) Close() {
	s.session.Close()
}
