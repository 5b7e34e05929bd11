// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package wire implements the length-prefixed framing layer the
// worker control protocol runs over: fixed-width little-endian int32s
// and varint-length-prefixed byte arrays, with no checksums or
// versioning since the stream is point-to-point and trusted
// post-handshake.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxByteArrayLen guards against a corrupt or hostile length prefix
// causing an enormous allocation.
const maxByteArrayLen = 1 << 28

// WriteInt32 writes v to w as 4 little-endian bytes.
func WriteInt32(w io.Writer, v int32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	return err
}

// ReadInt32 reads 4 little-endian bytes from r and returns them as an
// int32.
func ReadInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

// WriteByteArray writes b to w as a 7-bit-encoded (LEB128-like) varint
// length prefix followed by the raw bytes. An empty array is encoded
// as a single zero byte.
func WriteByteArray(w io.Writer, b []byte) error {
	if err := writeVarint(w, uint64(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

// ReadByteArray reads a varint length prefix followed by that many
// bytes from r.
func ReadByteArray(r io.Reader) ([]byte, error) {
	n, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	if n > maxByteArrayLen {
		return nil, fmt.Errorf("wire: byte array length %d exceeds maximum %d", n, maxByteArrayLen)
	}
	if n == 0 {
		return []byte{}, nil
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteString is a convenience wrapper for the common case of a
// length-prefixed UTF-8 string argument.
func WriteString(w io.Writer, s string) error {
	return WriteByteArray(w, []byte(s))
}

// ReadString is the counterpart to WriteString.
func ReadString(r io.Reader) (string, error) {
	b, err := ReadByteArray(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeVarint(w io.Writer, v uint64) error {
	var buf [10]byte
	i := 0
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf[i] = b
		i++
		if v == 0 {
			break
		}
	}
	_, err := w.Write(buf[:i])
	return err
}

func readVarint(r io.Reader) (uint64, error) {
	var result uint64
	var shift uint
	var b [1]byte

	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}

		result |= uint64(b[0]&0x7f) << shift

		if b[0]&0x80 == 0 {
			break
		}

		shift += 7
		if shift >= 64 {
			return 0, fmt.Errorf("wire: varint too long")
		}
	}

	return result, nil
}
