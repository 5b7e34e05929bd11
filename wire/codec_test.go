package wire

import (
	"bytes"
	"math"
	"testing"
)

func TestInt32RoundTrip(t *testing.T) {
	cases := []int32{0, 1, -1, math.MaxInt32, math.MinInt32, 12345, -98765}

	for _, c := range cases {
		buf := &bytes.Buffer{}
		if err := WriteInt32(buf, c); err != nil {
			t.Fatalf("write %d: %v", c, err)
		}

		got, err := ReadInt32(buf)
		if err != nil {
			t.Fatalf("read %d: %v", c, err)
		}

		if got != c {
			t.Errorf("roundtrip %d: got %d", c, got)
		}
	}
}

func TestInt32LittleEndianOnWire(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := WriteInt32(buf, 1); err != nil {
		t.Fatal(err)
	}

	want := []byte{0x01, 0x00, 0x00, 0x00}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("got %x want %x", buf.Bytes(), want)
	}
}

func TestByteArrayRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("a"),
		[]byte("hello, world"),
		bytes.Repeat([]byte{0xAB}, 1000),
	}

	for _, c := range cases {
		buf := &bytes.Buffer{}
		if err := WriteByteArray(buf, c); err != nil {
			t.Fatalf("write len %d: %v", len(c), err)
		}

		got, err := ReadByteArray(buf)
		if err != nil {
			t.Fatalf("read len %d: %v", len(c), err)
		}

		if !bytes.Equal(got, c) {
			t.Errorf("roundtrip len %d: mismatch", len(c))
		}
	}
}

func TestEmptyByteArrayIsSingleZeroByte(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := WriteByteArray(buf, nil); err != nil {
		t.Fatal(err)
	}

	if buf.Len() != 1 || buf.Bytes()[0] != 0 {
		t.Errorf("expected single zero byte, got %x", buf.Bytes())
	}
}

func TestStringRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := WriteString(buf, "vertex-a"); err != nil {
		t.Fatal(err)
	}

	got, err := ReadString(buf)
	if err != nil {
		t.Fatal(err)
	}

	if got != "vertex-a" {
		t.Errorf("got %q", got)
	}
}

func TestReadByteArrayRejectsOversizedLength(t *testing.T) {
	buf := &bytes.Buffer{}
	// encode a length one past maxByteArrayLen
	if err := writeVarint(buf, uint64(maxByteArrayLen)+1); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadByteArray(buf); err == nil {
		t.Error("expected error for oversized length prefix")
	}
}
