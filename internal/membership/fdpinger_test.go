package membership

import (
	"errors"
	"net"
	"testing"

	"github.com/rs/zerolog"
)

func TestFDPingerAllocateIDIsStableAndBidirectional(t *testing.T) {
	p := NewFDPinger("self:1", NewClient(0), zerolog.Nop())

	id1 := p.AllocateID("peer:1")
	id2 := p.AllocateID("peer:1")
	if id1 != id2 {
		t.Fatalf("AllocateID should be idempotent for the same addr, got %d then %d", id1, id2)
	}

	id3 := p.AllocateID("peer:2")
	if id3 == id1 {
		t.Fatal("distinct addrs must get distinct ids")
	}

	addr, ok := p.ResolveID(id1)
	if !ok || addr != "peer:1" {
		t.Fatalf("ResolveID(%d) = (%v, %v), want (peer:1, true)", id1, addr, ok)
	}

	if _, ok := p.ResolveID(9999); ok {
		t.Fatal("an id never allocated should not resolve")
	}
}

func TestFDPingerSetGeneration(t *testing.T) {
	p := NewFDPinger("self:1", NewClient(0), zerolog.Nop())
	p.SetGeneration(42)
	if p.generation != 42 {
		t.Fatalf("generation = %d, want 42", p.generation)
	}
}

func TestIsConnectionClosed(t *testing.T) {
	if !isConnectionClosed(net.ErrClosed) {
		t.Fatal("net.ErrClosed should be recognized as a closed connection")
	}
	if !isConnectionClosed(&net.OpError{Op: "dial", Err: errors.New("refused")}) {
		t.Fatal("a net.OpError should be recognized as a closed/unreachable connection")
	}
	if isConnectionClosed(errors.New("some other error")) {
		t.Fatal("an unrelated error should not be treated as a closed connection")
	}
}
