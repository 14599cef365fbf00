package membership

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testStore(shards int) *Store {
	return NewStore(shards, []Addr{"seed:1"}, zerolog.Nop())
}

func setFull(t *testing.T, s *Store, addr Addr, st EndpointState) EndpointState {
	t.Helper()
	next, err := s.ApplyLocal(context.Background(), addr, func(EndpointState, bool) (EndpointState, []ApplicationStateKey, bool) {
		return st, nil, true
	})
	if err != nil {
		t.Fatal(err)
	}
	return next
}

func TestApplyLocalReplicatesFullToEveryShard(t *testing.T) {
	s := testStore(3)
	st := NewEndpointState(1, 1)
	setFull(t, s, "a", st)

	for i := 0; i < 3; i++ {
		shardState, ok := s.ShardGet(i, "a")
		if !ok {
			t.Fatalf("shard %d missing replicated state", i)
		}
		if shardState.HeartBeat != st.HeartBeat {
			t.Fatalf("shard %d heartbeat mismatch: %+v", i, shardState.HeartBeat)
		}
	}
}

func TestApplyLocalReplicatesKeysOnly(t *testing.T) {
	s := testStore(1)
	base := NewEndpointState(1, 1)
	base.Apps[StatusKey] = VersionedValue{Value: StatusNormal, Version: 1}
	base.Apps[LoadKey] = VersionedValue{Value: "0.1", Version: 1}
	setFull(t, s, "a", base)

	_, err := s.ApplyLocal(context.Background(), "a", func(existing EndpointState, existed bool) (EndpointState, []ApplicationStateKey, bool) {
		next := existing.Clone()
		next.Apps[LoadKey] = VersionedValue{Value: "0.9", Version: 2}
		return next, []ApplicationStateKey{LoadKey}, false
	})
	if err != nil {
		t.Fatal(err)
	}

	shardState, ok := s.ShardGet(0, "a")
	if !ok {
		t.Fatal("shard missing replicated state")
	}
	if shardState.Apps[LoadKey].Version != 2 {
		t.Fatalf("LoadKey should have been replicated, got %+v", shardState.Apps[LoadKey])
	}
	if shardState.Apps[StatusKey].Version != 1 {
		t.Fatalf("StatusKey should have been untouched by a keys-only replicate, got %+v", shardState.Apps[StatusKey])
	}
}

func TestMarkLiveAndUnreachable(t *testing.T) {
	s := testStore(0)
	s.MarkLive("a")

	live, v1 := s.LiveEndpoints()
	if len(live) != 1 || live[0] != "a" {
		t.Fatalf("expected [a] to be live, got %v", live)
	}

	s.MarkUnreachable("a", time.Now())
	live, v2 := s.LiveEndpoints()
	if len(live) != 0 {
		t.Fatalf("expected no live endpoints after MarkUnreachable, got %v", live)
	}
	if v2 == v1 {
		t.Fatal("live-endpoints version should bump on every membership change")
	}

	unreachable := s.UnreachableEndpoints()
	if _, ok := unreachable["a"]; !ok {
		t.Fatal("expected a to be recorded as unreachable")
	}
}

func TestEvictClearsStateAndQuarantines(t *testing.T) {
	s := testStore(2)
	setFull(t, s, "a", NewEndpointState(1, 1))
	s.MarkLive("a")

	now := time.Now()
	s.Evict("a", now)

	if _, ok := s.Get("a"); ok {
		t.Fatal("evicted peer should be gone from the coordinator")
	}
	for i := 0; i < 2; i++ {
		if _, ok := s.ShardGet(i, "a"); ok {
			t.Fatalf("evicted peer should be gone from shard %d", i)
		}
	}
	if !s.IsQuarantined("a", time.Minute, now.Add(time.Second)) {
		t.Fatal("evicted peer should be quarantined immediately after eviction")
	}
	if s.IsQuarantined("a", time.Minute, now.Add(2*time.Minute)) {
		t.Fatal("quarantine should expire after quarantineDelay")
	}
}

func TestExpiredDeadPeers(t *testing.T) {
	s := testStore(0)
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Minute)

	s.SetExpireTime("expired", past)
	s.SetExpireTime("not-yet", future)

	expired := s.ExpiredDeadPeers(time.Now())
	if len(expired) != 1 || expired[0] != "expired" {
		t.Fatalf("expected only 'expired' to be past its expire_time, got %v", expired)
	}
}

func TestIsSeed(t *testing.T) {
	s := testStore(0)
	if !s.IsSeed("seed:1") {
		t.Fatal("seed:1 was configured as a seed")
	}
	if s.IsSeed("not-a-seed") {
		t.Fatal("not-a-seed was never configured as a seed")
	}
}
