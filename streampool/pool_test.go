package streampool

import (
	"net"
	"testing"
)

func pipeConn() net.Conn {
	c1, _ := net.Pipe()
	return c1
}

func TestTryGetEmptyReturnsNil(t *testing.T) {
	p := New(2)
	if got := p.TryGet("host", 1000); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestReleaseThenTryGetReturnsSameConn(t *testing.T) {
	p := New(2)
	conn := pipeConn()
	defer conn.Close()

	p.Release("host", 1000, conn)

	got := p.TryGet("host", 1000)
	if got != conn {
		t.Errorf("expected same conn back")
	}

	if got2 := p.TryGet("host", 1000); got2 != nil {
		t.Errorf("expected pool to be empty after one TryGet, got %v", got2)
	}
}

func TestReleaseOverCapacityClosesExcess(t *testing.T) {
	p := New(1)

	c1, c2 := pipeConn(), pipeConn()
	defer c1.Close()
	defer c2.Close()

	p.Release("host", 1000, c1)
	p.Release("host", 1000, c2)

	if p.Size() != 1 {
		t.Errorf("expected pool size 1, got %d", p.Size())
	}

	// c2 should have been closed since capacity was exceeded; writing
	// to it should fail.
	if _, err := c2.Write([]byte("x")); err == nil {
		t.Errorf("expected c2 to be closed")
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	p := New(2)
	c1 := pipeConn()
	defer c1.Close()

	p.Release("host-a", 1000, c1)

	if got := p.TryGet("host-b", 1000); got != nil {
		t.Errorf("expected nil from a different bucket")
	}
	if got := p.TryGet("host-a", 1001); got != nil {
		t.Errorf("expected nil from a different port")
	}
}

func TestCloseAllEmptiesPool(t *testing.T) {
	p := New(4)
	c1, c2 := pipeConn(), pipeConn()

	p.Release("host", 1000, c1)
	p.Release("host", 1001, c2)

	p.CloseAll()

	if p.Size() != 0 {
		t.Errorf("expected empty pool after CloseAll, got size %d", p.Size())
	}

	if _, err := c1.Write([]byte("x")); err == nil {
		t.Errorf("expected c1 to be closed")
	}
}
