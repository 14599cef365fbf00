package membership

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// replicaShard is a read-mostly per-core copy of the coordinator's
// endpoint-state map, as described by §4.1 and the §9 "Cross-core state"
// design note: writes never land here directly, only through Store's
// replicate primitive.
type replicaShard struct {
	states map[Addr]EndpointState
}

func newReplicaShard() *replicaShard {
	return &replicaShard{states: make(map[Addr]EndpointState)}
}

// Store is C1: the authoritative mapping peer→endpoint_state plus the
// ordered live/unreachable/quarantine tables of §3, owned by the
// coordinator core and fanned out to every other core on each mutation.
type Store struct {
	log  zerolog.Logger
	lock *keyedLock

	mu          sync.RWMutex
	coordinator map[Addr]EndpointState
	shards      []*replicaShard

	liveEndpoints        []Addr
	liveEndpointsVersion uint64
	unreachable          map[Addr]time.Time
	justRemoved          map[Addr]time.Time
	expireTime           map[Addr]time.Time
	seeds                map[Addr]struct{}
}

// NewStore creates a Store replicated across nShards additional cores
// (nShards=0 is a valid single-core configuration used by most tests).
func NewStore(nShards int, seeds []Addr, log zerolog.Logger) *Store {
	s := &Store{
		log:         log.With().Str("component", "store").Logger(),
		lock:        newKeyedLock(),
		coordinator: make(map[Addr]EndpointState),
		unreachable: make(map[Addr]time.Time),
		justRemoved: make(map[Addr]time.Time),
		expireTime:  make(map[Addr]time.Time),
		seeds:       make(map[Addr]struct{}, len(seeds)),
	}
	for _, a := range seeds {
		s.seeds[a] = struct{}{}
	}
	for i := 0; i < nShards; i++ {
		s.shards = append(s.shards, newReplicaShard())
	}
	return s
}

// Get returns the coordinator's view of addr's endpoint state.
func (s *Store) Get(addr Addr) (EndpointState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.coordinator[addr]
	return st, ok
}

// ShardGet returns shard i's (possibly lagging) replicated copy, used by
// tests asserting the eventually-consistent fan-out contract of §3
// invariant 6.
func (s *Store) ShardGet(i int, addr Addr) (EndpointState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.shards[i].states[addr]
	return st, ok
}

// All returns a snapshot of every known peer's coordinator-side state.
func (s *Store) All() map[Addr]EndpointState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Addr]EndpointState, len(s.coordinator))
	for a, st := range s.coordinator {
		out[a] = st.Clone()
	}
	return out
}

// IsSeed reports whether addr is configured as a seed.
func (s *Store) IsSeed(addr Addr) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seeds[addr]
	return ok
}

// Seeds returns the configured seed set. Never emptied (§4.5).
func (s *Store) Seeds() []Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Addr, 0, len(s.seeds))
	for a := range s.seeds {
		out = append(out, a)
	}
	return out
}

// IsQuarantined reports whether addr is within its post-eviction
// quarantine window (§3 invariant 3, §4.5).
func (s *Store) IsQuarantined(addr Addr, quarantineDelay time.Duration, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	since, ok := s.justRemoved[addr]
	if !ok {
		return false
	}
	return now.Sub(since) < quarantineDelay
}

// ApplyLocal acquires addr's per-endpoint lock, runs mutate against the
// current (possibly absent) entry, stores the result, replicates it to
// every shard, and only then releases the lock — guaranteeing any
// concurrent reader that waits on the same lock observes a post-fanout
// view, per §4.1.
//
// mutate returns the new state, the list of application-state keys that
// changed, and fullReplicate. When fullReplicate is true the whole entry is
// copied to every shard (used for major state changes); otherwise each shard
// merges the heartbeat, alive bit, update timestamp and only the listed keys
// (an empty or nil list means "heartbeat only").
func (s *Store) ApplyLocal(ctx context.Context, addr Addr, mutate func(existing EndpointState, existed bool) (next EndpointState, keysChanged []ApplicationStateKey, fullReplicate bool)) (EndpointState, error) {
	release, err := s.lock.Acquire(ctx, addr)
	if err != nil {
		return EndpointState{}, err
	}
	defer release()

	s.mu.Lock()
	existing, existed := s.coordinator[addr]
	next, keysChanged, fullReplicate := mutate(existing, existed)
	s.coordinator[addr] = next
	s.mu.Unlock()

	if fullReplicate {
		s.replicateFull(addr, next)
	} else {
		s.replicateKeys(addr, keysChanged, next)
	}
	return next, nil
}

// replicateFull overwrites addr's entry on every shard. Used for major
// state changes (generation bumps), per §4.1's replicate(addr, state) form.
func (s *Store) replicateFull(addr Addr, state EndpointState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, shard := range s.shards {
		shard.states[addr] = state.Clone()
	}
}

// replicateKeys merges only the changed application-state keys (plus the
// heartbeat) into every shard's copy, per §4.1's replicate(addr,
// (keys_changed, map)) form — "each recipient merges per-key, overwriting
// only keys in keys_changed".
func (s *Store) replicateKeys(addr Addr, keysChanged []ApplicationStateKey, state EndpointState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, shard := range s.shards {
		dst, ok := shard.states[addr]
		if !ok {
			dst = EndpointState{Apps: make(AppState)}
		}
		dst.HeartBeat = state.HeartBeat
		dst.Alive = state.Alive
		dst.UpdateTS = state.UpdateTS
		if dst.Apps == nil {
			dst.Apps = make(AppState)
		}
		for _, k := range keysChanged {
			dst.Apps[k] = state.Apps[k]
		}
		shard.states[addr] = dst
	}
}

// ReplicateAliveBits fans out only the `alive` bit of every known peer to
// every shard, per §4.3 step 8 ("only the alive bit is propagated per
// entry in this fan-out").
func (s *Store) ReplicateAliveBits() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, st := range s.coordinator {
		for _, shard := range s.shards {
			dst, ok := shard.states[addr]
			if !ok {
				dst = EndpointState{Apps: make(AppState)}
			}
			dst.Alive = st.Alive
			shard.states[addr] = dst
		}
	}
}

// Evict removes addr from the coordinator and every shard and places it in
// quarantine, per §3 invariant 3 and §4.5.
func (s *Store) Evict(addr Addr, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.coordinator, addr)
	delete(s.unreachable, addr)
	delete(s.expireTime, addr)
	for _, shard := range s.shards {
		delete(shard.states, addr)
	}
	s.justRemoved[addr] = now
	if s.removeFromLiveLocked(addr) {
		s.liveEndpointsVersion++
	}
}

// ClearExpiredQuarantines drops just_removed_endpoints entries older than
// quarantineDelay (§4.3 step 7).
func (s *Store) ClearExpiredQuarantines(quarantineDelay time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, since := range s.justRemoved {
		if now.Sub(since) >= quarantineDelay {
			delete(s.justRemoved, addr)
		}
	}
}

// LiveEndpoints returns a snapshot of the live-endpoints sequence and its
// version.
func (s *Store) LiveEndpoints() ([]Addr, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Addr, len(s.liveEndpoints))
	copy(out, s.liveEndpoints)
	return out, s.liveEndpointsVersion
}

// UnreachableEndpoints returns a snapshot of the unreachable-endpoints map.
func (s *Store) UnreachableEndpoints() map[Addr]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Addr]time.Time, len(s.unreachable))
	for a, t := range s.unreachable {
		out[a] = t
	}
	return out
}

// MarkLive appends addr to live_endpoints (if absent) and removes it from
// unreachable/expire-time, bumping the live-endpoints version (§4.3 "mark
// alive handshake" step 3).
func (s *Store) MarkLive(addr Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.liveEndpoints {
		if a == addr {
			delete(s.unreachable, addr)
			delete(s.expireTime, addr)
			return
		}
	}
	s.liveEndpoints = append(s.liveEndpoints, addr)
	s.liveEndpointsVersion++
	delete(s.unreachable, addr)
	delete(s.expireTime, addr)
}

// MarkUnreachable removes addr from live_endpoints, bumping the
// live-endpoints version when addr was live, and records the time of first
// observed down if not already present.
func (s *Store) MarkUnreachable(addr Addr, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeFromLiveLocked(addr) {
		s.liveEndpointsVersion++
	}
	if _, ok := s.unreachable[addr]; !ok {
		s.unreachable[addr] = now
	}
}

func (s *Store) removeFromLiveLocked(addr Addr) bool {
	for i, a := range s.liveEndpoints {
		if a == addr {
			s.liveEndpoints = append(s.liveEndpoints[:i], s.liveEndpoints[i+1:]...)
			return true
		}
	}
	return false
}

// SetExpireTime records the wall-clock instant at which addr's dead state
// becomes eligible for eviction (§3's expire_time_endpoint_map).
func (s *Store) SetExpireTime(addr Addr, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireTime[addr] = at
}

// ExpiredDeadPeers returns peers whose expire_time has passed.
func (s *Store) ExpiredDeadPeers(now time.Time) []Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Addr
	for addr, at := range s.expireTime {
		if !now.Before(at) {
			out = append(out, addr)
		}
	}
	return out
}

// ReorderLiveEndpoints replaces the live_endpoints sequence with a
// caller-supplied reordering (e.g. a fresh shuffle), bumping the version,
// per §3's "reordered for fairness".
func (s *Store) ReorderLiveEndpoints(order []Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveEndpoints = append([]Addr(nil), order...)
	s.liveEndpointsVersion++
}
