package membership

import (
	"testing"

	"github.com/rs/zerolog"
)

type recordingListener struct {
	NoopListener
	joined []Addr
}

func (r *recordingListener) OnJoin(addr Addr, _ EndpointState) {
	r.joined = append(r.joined, addr)
}

type panickyListener struct {
	NoopListener
}

func (panickyListener) OnJoin(Addr, EndpointState) {
	panic("boom")
}

func TestNotifierDispatchesToEveryListener(t *testing.T) {
	n := NewNotifier(zerolog.Nop())
	a := &recordingListener{}
	b := &recordingListener{}
	n.Register(a)
	n.Register(b)

	n.FireJoin("peer", EndpointState{})

	if len(a.joined) != 1 || a.joined[0] != "peer" {
		t.Fatalf("listener a did not observe the join: %v", a.joined)
	}
	if len(b.joined) != 1 || b.joined[0] != "peer" {
		t.Fatalf("listener b did not observe the join: %v", b.joined)
	}
}

func TestNotifierRecoversPanickingListener(t *testing.T) {
	n := NewNotifier(zerolog.Nop())
	n.Register(panickyListener{})
	after := &recordingListener{}
	n.Register(after)

	n.FireJoin("peer", EndpointState{})

	if len(after.joined) != 1 {
		t.Fatal("a panicking listener must not prevent later listeners from running")
	}
}
