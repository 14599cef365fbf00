package membership

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testEngine(t *testing.T, self Addr, cfg Config) *Engine {
	t.Helper()
	store := NewStore(0, nil, zerolog.Nop())
	gen := NewGenerationSource(1, time.Now())
	notifier := NewNotifier(zerolog.Nop())
	client := NewClient(time.Second)
	gate := NewGate()
	return NewEngine(cfg, self, store, gen, notifier, client, gate, zerolog.Nop())
}

func TestHandleSynRejectsClusterMismatch(t *testing.T) {
	e := testEngine(t, "self", Config{ClusterName: "prod"})

	_, err := e.HandleSyn("peer", SynMessage{ClusterName: "staging"})
	if err != ErrProtocolMismatch {
		t.Fatalf("expected ErrProtocolMismatch, got %v", err)
	}
}

func TestHandleSynRequestsFullStateForUnknownPeer(t *testing.T) {
	e := testEngine(t, "self", Config{})

	ack, err := e.HandleSyn("peer", SynMessage{
		Digests: []Digest{{Addr: "unknown-to-me", Generation: 5, MaxVersion: 10}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ack.RequestDigests) != 1 || ack.RequestDigests[0].Addr != "unknown-to-me" {
		t.Fatalf("expected a full-state request for an unknown peer, got %+v", ack.RequestDigests)
	}
}

func TestHandleSynSendsFullStateWhenAheadOfRemote(t *testing.T) {
	e := testEngine(t, "self", Config{})
	st := NewEndpointState(10, 1)
	st.Apps[StatusKey] = VersionedValue{Value: StatusNormal, Version: 1}
	if _, err := e.store.ApplyLocal(context.Background(), "known", func(EndpointState, bool) (EndpointState, []ApplicationStateKey, bool) {
		return st, nil, true
	}); err != nil {
		t.Fatal(err)
	}

	ack, err := e.HandleSyn("peer", SynMessage{
		Digests: []Digest{{Addr: "known", Generation: 1, MaxVersion: 0}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ack.Deltas["known"]; !ok {
		t.Fatalf("expected full state to be sent back for a peer we know more about, got %+v", ack.Deltas)
	}
}

func TestApplyStateLocallyFiresJoinForNewPeer(t *testing.T) {
	e := testEngine(t, "self", Config{})
	rec := &recordingListener{}
	e.notifier.Register(rec)

	st := NewEndpointState(1, 1)
	st.Apps[StatusKey] = VersionedValue{Value: StatusNormal, Version: 1}
	e.applyStateLocally(context.Background(), map[Addr]EndpointState{"newpeer": st})

	if len(rec.joined) != 1 || rec.joined[0] != "newpeer" {
		t.Fatalf("expected OnJoin for a brand new peer, got %v", rec.joined)
	}
}

func TestApplyStateLocallyIgnoresStaleGeneration(t *testing.T) {
	e := testEngine(t, "self", Config{})

	fresh := NewEndpointState(10, 5)
	e.applyStateLocally(context.Background(), map[Addr]EndpointState{"peer": fresh})

	stale := NewEndpointState(5, 999)
	e.applyStateLocally(context.Background(), map[Addr]EndpointState{"peer": stale})

	got, ok := e.store.Get("peer")
	if !ok {
		t.Fatal("peer should exist")
	}
	if got.HeartBeat.Generation != 10 {
		t.Fatalf("a lower-generation delta must not overwrite existing state, got generation %d", got.HeartBeat.Generation)
	}
}

func TestApplyStateLocallyRejectsCorruptGeneration(t *testing.T) {
	e := testEngine(t, "self", Config{})

	corrupt := NewEndpointState(e.gen.StartedAtGeneration()+maxGenerationDifference+1000, 1)
	e.applyStateLocally(context.Background(), map[Addr]EndpointState{"peer": corrupt})

	if _, ok := e.store.Get("peer"); ok {
		t.Fatal("a corrupt-generation delta must be rejected outright")
	}
}

func TestApplyWithoutNotifyDoesNotFireListeners(t *testing.T) {
	e := testEngine(t, "self", Config{})
	rec := &recordingListener{}
	e.notifier.Register(rec)

	st := NewEndpointState(1, 1)
	e.ApplyWithoutNotify(context.Background(), map[Addr]EndpointState{"peer": st})

	if len(rec.joined) != 0 {
		t.Fatal("ApplyWithoutNotify must not fire listener callbacks")
	}
	if _, ok := e.store.Get("peer"); !ok {
		t.Fatal("ApplyWithoutNotify should still apply state to the store")
	}
}

func TestEnableDisable(t *testing.T) {
	e := testEngine(t, "self", Config{})
	if e.isEnabled() {
		t.Fatal("a fresh engine should start disabled")
	}
	e.Enable()
	if !e.isEnabled() {
		t.Fatal("Enable should flip isEnabled to true")
	}
	e.Disable()
	if e.isEnabled() {
		t.Fatal("Disable should flip isEnabled to false")
	}
}
