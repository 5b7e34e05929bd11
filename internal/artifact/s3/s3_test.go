// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package s3

import "testing"

func TestKeyUsesFixedCraPrefix(t *testing.T) {
	s := &Store{bucket: "my-bucket"}
	if got, want := s.key("some-def"), "cra/some-def/binaries"; got != want {
		t.Fatalf("expected key %q, got %q", want, got)
	}
}

func TestDialRejectsEmptyBucket(t *testing.T) {
	if _, err := Dial(""); err == nil {
		t.Fatal("expected an error for an empty connection string")
	}
}
