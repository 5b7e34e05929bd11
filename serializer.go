// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package cra

import (
	"bytes"
	"encoding/gob"
	"encoding/json"

	"github.com/mitchellh/copystructure"
)

// Serializer is the paired (serialize, deserialize) capability
// spec.md §1 abstracts user constructor parameters behind. Callers
// supply their own when the default gob round-trip isn't suitable.
type Serializer interface {
	Serialize(v interface{}) ([]byte, error)
	Deserialize(data []byte, out interface{}) error
}

// GobSerializer round-trips values through encoding/gob, matching the
// teacher's own use of gob for deep-copying packets.
type GobSerializer struct{}

// Serialize implements Serializer.
func (GobSerializer) Serialize(v interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deserialize implements Serializer.
func (GobSerializer) Deserialize(data []byte, out interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(out)
}

// JSONSerializer round-trips values through encoding/json, useful when
// parameter blobs need to stay human-inspectable in tests and CLI
// tooling.
type JSONSerializer struct{}

// Serialize implements Serializer.
func (JSONSerializer) Serialize(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Deserialize implements Serializer.
func (JSONSerializer) Deserialize(data []byte, out interface{}) error {
	return json.Unmarshal(data, out)
}

// DefaultSerializer is used wherever a caller doesn't supply one.
var DefaultSerializer Serializer = GobSerializer{}

// DeepCopyParams returns a deep copy of v made with copystructure, the
// same way the teacher's packet.go clones Packet data before logging
// it. The worker's LoadVertex does not call it: Initialize receives the
// parameter bytes as read from the vertex row.
func DeepCopyParams(v interface{}) (interface{}, error) {
	return copystructure.Copy(v)
}
