// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package cassandra

import "testing"

func TestParseConnStringSplitsHostsAndKeyspace(t *testing.T) {
	hosts, keyspace, err := parseConnString("10.0.0.1,10.0.0.2/cra")
	if err != nil {
		t.Fatalf("parseConnString: %v", err)
	}
	if keyspace != "cra" {
		t.Fatalf("expected keyspace %q, got %q", "cra", keyspace)
	}
	if len(hosts) != 2 || hosts[0] != "10.0.0.1" || hosts[1] != "10.0.0.2" {
		t.Fatalf("expected two hosts, got %v", hosts)
	}
}

func TestParseConnStringRejectsMissingKeyspace(t *testing.T) {
	if _, _, err := parseConnString("10.0.0.1"); err == nil {
		t.Fatal("expected an error for a connection string with no keyspace")
	}
}
