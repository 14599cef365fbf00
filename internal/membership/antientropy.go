package membership

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// roundPeriod is the fixed gossip-round period of §6.
const roundPeriod = 1000 * time.Millisecond

// fanoutRounds is the SWIM-style chunk divisor of §4.3 step 4 / §6.
const fanoutRounds = 10

// markAliveEchoDeadline is the mark-alive handshake's Echo timeout of §6.
const markAliveEchoDeadline = 15 * time.Second

// FatClientChecker answers whether a peer participates in gossip without
// being a ring member, for the status-check fat-client sweep of §4.3 step
// 7 / §4.5. Membership (C5) implements it; a nil checker degrades to
// "nobody is a fat client", which is always a safe default.
type FatClientChecker interface {
	IsGossipOnlyMember(addr Addr) bool
}

// Engine is C3: the periodic anti-entropy round plus the three-phase
// digest exchange (§4.3) and the mark-alive handshake. It also implements
// VerbHandlers, since the SYN/ACK2/Echo/Shutdown/GetEndpointStates verbs
// all bottom out in state owned here.
type Engine struct {
	log      zerolog.Logger
	cfg      Config
	self     Addr
	store    *Store
	gen      *GenerationSource
	notifier *Notifier
	client   *Client
	gate     *Gate
	applyCap *applyConcurrencyCap

	synCo *coalescer[SynMessage]
	ackCo *coalescer[AckMessage]

	fatClients FatClientChecker
	genHook    func(int32)

	mu               sync.Mutex
	enabled          bool
	talkQueue        [][]Addr
	pendingMarkAlive map[Addr]bool
	lastGenSeen      int32
	lastLiveVersion  uint64
	lastUnreachable  map[Addr]time.Time

	roundWG sync.WaitGroup

	// inFlightSignificant counts currently-running applyStateLocally calls
	// whose deltas touch at least one application-state key outside the
	// high-frequency set, for wait_for_gossip_to_settle's "significant
	// message" accounting (§4.9).
	inFlightSignificant int64
}

// InFlightSignificant returns the number of in-progress state applications
// carrying at least one non-high-frequency application-state key.
func (e *Engine) InFlightSignificant() int64 {
	return atomic.LoadInt64(&e.inFlightSignificant)
}

func isSignificantDeltas(deltas map[Addr]EndpointState) bool {
	for _, st := range deltas {
		for k := range st.Apps {
			if !highFrequencyKeys[k] {
				return true
			}
		}
	}
	return false
}

// NewEngine wires C3 against its collaborators. client and gate are shared
// with the RPC surface (C7); store, gen and notifier are C1/C2/C6.
func NewEngine(cfg Config, self Addr, store *Store, gen *GenerationSource, notifier *Notifier, client *Client, gate *Gate, log zerolog.Logger) *Engine {
	return &Engine{
		log:              log.With().Str("component", "antientropy").Logger(),
		cfg:              cfg,
		self:             self,
		store:            store,
		gen:              gen,
		notifier:         notifier,
		client:           client,
		gate:             gate,
		applyCap:         newApplyConcurrencyCap(cfg.ApplyStateConcurrency),
		synCo:            newCoalescer[SynMessage](),
		ackCo:            newCoalescer[AckMessage](),
		pendingMarkAlive: make(map[Addr]bool),
		lastUnreachable:  make(map[Addr]time.Time),
	}
}

// SetFatClientChecker wires C5's membership view in; safe to call once
// before Run starts.
func (e *Engine) SetFatClientChecker(c FatClientChecker) {
	e.fatClients = c
}

// SetGenerationHook registers a callback invoked whenever the local
// heartbeat generation changes, so C8's pinger can propagate it to every
// core (§4.3 step 9, §4.8).
func (e *Engine) SetGenerationHook(fn func(int32)) {
	e.genHook = fn
}

func (e *Engine) Enable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = true
}

func (e *Engine) Disable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = false
}

func (e *Engine) isEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// Run drives the periodic round loop until ctx is cancelled. Rounds never
// overlap: the loop blocks on doRound before considering the next tick,
// matching the cooperative single-core scheduling model of §5.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(roundPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.isEnabled() {
				continue
			}
			e.roundWG.Add(1)
			e.doRound(ctx)
			e.roundWG.Done()
		}
	}
}

// WaitRoundDone blocks until any in-flight round body returns; do_stop_gossiping
// (§4.9) calls this after Disable to honor "wait for running round".
func (e *Engine) WaitRoundDone() {
	e.roundWG.Wait()
}

func (e *Engine) doRound(ctx context.Context) {
	hb := e.gen.Beat()
	e.updateSelfHeartbeat(ctx, hb)

	if hb.Generation != e.lastGenSeen {
		e.lastGenSeen = hb.Generation
		if e.genHook != nil {
			e.genHook(hb.Generation)
		}
	}

	states := e.store.All()
	digests := BuildDigests(states, shuffleDigests)
	syn := SynMessage{ClusterName: e.cfg.ClusterName, PartitionerName: e.cfg.PartitionerName, Digests: digests}

	for _, peer := range e.selectPeersToTalk() {
		go e.sendSynAsync(ctx, peer, syn)
	}
	e.maybeGossipToUnreachable(ctx, syn)

	e.statusCheck(time.Now())
	e.detectAndReplicateLivenessChanges()
}

// updateSelfHeartbeat keeps the local node's own entry in the store current
// so it is included in the digests built every round.
func (e *Engine) updateSelfHeartbeat(ctx context.Context, hb HeartBeatState) {
	_, _ = e.store.ApplyLocal(ctx, e.self, func(existing EndpointState, existed bool) (EndpointState, []ApplicationStateKey, bool) {
		if !existed {
			next := NewEndpointState(hb.Generation, hb.Version)
			next.Alive = true
			return next, nil, true
		}
		next := existing
		next.HeartBeat = hb
		next.UpdateTS = time.Now()
		return next, nil, false
	})
}

// selectPeersToTalk implements §4.3 step 4's FIFO-of-chunks rule.
func (e *Engine) selectPeersToTalk() []Addr {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.talkQueue) == 0 {
		live, _ := e.store.LiveEndpoints()
		shuffled := append([]Addr(nil), live...)
		shuffleAddrs(shuffled)
		if len(shuffled) > 0 {
			e.store.ReorderLiveEndpoints(shuffled)
			e.talkQueue = append(e.talkQueue, chunk(shuffled, chunkSize(len(shuffled)))...)
		}
	}
	if len(e.talkQueue) == 0 {
		if seeds := e.store.Seeds(); len(seeds) > 0 {
			e.talkQueue = append(e.talkQueue, seeds)
		}
	}
	if len(e.talkQueue) == 0 {
		return nil
	}
	front := e.talkQueue[0]
	e.talkQueue = e.talkQueue[1:]
	return front
}

// pushTalkQueue injects addr as its own one-element chunk, used by the
// mark-alive handshake ("append to the round-robin talk queue", §4.3).
func (e *Engine) pushTalkQueue(addr Addr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.talkQueue = append(e.talkQueue, []Addr{addr})
}

func chunkSize(liveCount int) int {
	size := (liveCount + fanoutRounds - 1) / fanoutRounds
	if size < 1 {
		size = 1
	}
	return size
}

// maybeGossipToUnreachable implements §4.3 step 6.
func (e *Engine) maybeGossipToUnreachable(ctx context.Context, syn SynMessage) {
	live, _ := e.store.LiveEndpoints()
	unreach := e.store.UnreachableEndpoints()
	if len(unreach) == 0 {
		return
	}
	prob := float64(len(unreach)) / float64(len(live)+1)
	if rand.Float64() >= prob {
		return
	}
	var candidates []Addr
	for addr := range unreach {
		if st, ok := e.store.Get(addr); ok && st.Status() != StatusLeft {
			candidates = append(candidates, addr)
		}
	}
	if addr, ok := randomElement(candidates); ok {
		go e.sendSynAsync(ctx, addr, syn)
	}
}

func (e *Engine) sendSynAsync(ctx context.Context, peer Addr, syn SynMessage) {
	release, ok := e.gate.Enter()
	if !ok {
		return
	}
	defer release()

	ack, err := e.client.SendSyn(ctx, e.self, peer, syn)
	if err != nil {
		e.log.Trace().Err(err).Str("addr", string(peer)).Msg("syn transport error, swallowed")
		return
	}
	e.onAckReceived(peer, ack)
}

func (e *Engine) sendAck2Async(peer Addr, msg Ack2Message) {
	release, ok := e.gate.Enter()
	if !ok {
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), markAliveEchoDeadline)
	defer cancel()
	if err := e.client.SendAck2(ctx, e.self, peer, msg); err != nil {
		e.log.Trace().Err(err).Str("addr", string(peer)).Msg("ack2 transport error, swallowed")
	}
}

// runCoalesced drives the Submit/Drain loop of a coalescer: if shouldRun is
// false another call for the same source is already running and msg has been
// stashed for that call's Drain loop, so there is nothing left to do here.
func runCoalesced[T any](co *coalescer[T], source Addr, msg T, process func(T)) {
	cur, shouldRun := co.Submit(source, msg)
	if !shouldRun {
		return
	}
	for {
		process(cur)
		next, more := co.Drain(source)
		if !more {
			return
		}
		cur = next
	}
}

// HandleSyn serves GOSSIP_DIGEST_SYN. Its net/rpc reply plays the role of
// GOSSIP_DIGEST_ACK (see rpc.go's AckMessage doc comment). When another
// SYN from the same source is already being processed, this call stashes
// its message (replacing any previously stashed one) and returns a zero
// AckMessage immediately. The call that is already running processes the
// stashed message after its own and returns the ACK of the last message it
// processed; ACKs computed for earlier messages in that loop are discarded.
func (e *Engine) HandleSyn(from Addr, msg SynMessage) (AckMessage, error) {
	if protocolMismatch(e.cfg, msg) {
		return AckMessage{}, ErrProtocolMismatch
	}

	cur, shouldRun := e.synCo.Submit(from, msg)
	if !shouldRun {
		return AckMessage{}, nil
	}

	var final AckMessage
	for {
		final = e.examineGossiper(cur)
		next, more := e.synCo.Drain(from)
		if !more {
			break
		}
		cur = next
	}
	return final, nil
}

func protocolMismatch(cfg Config, msg SynMessage) bool {
	if cfg.ClusterName != "" && msg.ClusterName != cfg.ClusterName {
		return true
	}
	if cfg.PartitionerName != "" && msg.PartitionerName != "" && msg.PartitionerName != cfg.PartitionerName {
		return true
	}
	return false
}

// examineGossiper implements §4.3's "Producing the ACK" rule.
func (e *Engine) examineGossiper(msg SynMessage) AckMessage {
	local := e.store.All()

	digests := msg.Digests
	if len(digests) == 0 {
		// Shadow/empty-SYN probe: synthesize (peer,0,0) for every known
		// peer so CompareDigest's g_r<g_l branch sends full state for
		// everything we know about (§4.5's heterogeneous-cluster fallback).
		digests = make([]Digest, 0, len(local))
		for addr := range local {
			digests = append(digests, Digest{Addr: addr, Generation: 0, MaxVersion: 0})
		}
	}

	SortByDivergence(digests, local)

	var reqDigests []Digest
	deltas := make(map[Addr]EndpointState)
	for _, remote := range digests {
		localState, known := local[remote.Addr]
		var localDigest Digest
		if known {
			localDigest = Digest{Addr: remote.Addr, Generation: localState.HeartBeat.Generation, MaxVersion: localState.MaxVersion()}
		}

		action, reply := CompareDigest(remote, localDigest, known)
		switch action {
		case ActionRequestFullState, ActionRequestDelta:
			reqDigests = append(reqDigests, reply)
		case ActionSendFullState:
			deltas[remote.Addr] = localState.Clone()
		case ActionSendDelta:
			deltas[remote.Addr] = GetStateForVersionBiggerThan(localState, remote.MaxVersion)
		}
	}

	return AckMessage{RequestDigests: reqDigests, Deltas: deltas}
}

// onAckReceived is the "Receive ACK" handler of §4.3, run by whichever
// goroutine's SendSyn call got the reply.
func (e *Engine) onAckReceived(peer Addr, ack AckMessage) {
	runCoalesced(e.ackCo, peer, ack, func(m AckMessage) {
		e.touchUpdateTS(m.Deltas, time.Now())
		e.applyStateLocally(context.Background(), m.Deltas)
		ack2 := e.buildAck2Deltas(m.RequestDigests)
		go e.sendAck2Async(peer, Ack2Message{Deltas: ack2})
	})
}

func (e *Engine) buildAck2Deltas(requested []Digest) map[Addr]EndpointState {
	out := make(map[Addr]EndpointState, len(requested))
	for _, d := range requested {
		if st, ok := e.store.Get(d.Addr); ok {
			out[d.Addr] = GetStateForVersionBiggerThan(st, d.MaxVersion)
		}
	}
	return out
}

// HandleAck2 serves GOSSIP_DIGEST_ACK2: no reply.
func (e *Engine) HandleAck2(from Addr, msg Ack2Message) error {
	e.touchUpdateTS(msg.Deltas, time.Now())
	e.applyStateLocally(context.Background(), msg.Deltas)
	return nil
}

func (e *Engine) touchUpdateTS(deltas map[Addr]EndpointState, now time.Time) {
	for addr := range deltas {
		if addr == e.self {
			continue
		}
		if _, known := e.store.Get(addr); !known {
			continue
		}
		_, _ = e.store.ApplyLocal(context.Background(), addr, func(existing EndpointState, existed bool) (EndpointState, []ApplicationStateKey, bool) {
			if !existed {
				return existing, nil, false
			}
			next := existing
			next.UpdateTS = now
			return next, nil, false
		})
	}
}

// applyStateLocally implements §4.3's apply_state_locally orchestration:
// shuffle, seeds-first stable partition, self/quarantine skip, then one
// applyOne call per remaining peer.
func (e *Engine) applyStateLocally(ctx context.Context, deltas map[Addr]EndpointState) {
	if isSignificantDeltas(deltas) {
		atomic.AddInt64(&e.inFlightSignificant, 1)
		defer atomic.AddInt64(&e.inFlightSignificant, -1)
	}

	addrs := make([]Addr, 0, len(deltas))
	for addr := range deltas {
		addrs = append(addrs, addr)
	}
	shuffleAddrs(addrs)
	e.stablePartitionSeedsFirst(addrs)

	quarantineDelay := e.cfg.QuarantineDelay()
	now := time.Now()
	for _, addr := range addrs {
		if addr == e.self {
			continue
		}
		if e.store.IsQuarantined(addr, quarantineDelay, now) {
			e.log.Trace().Str("addr", string(addr)).Msg("dropping delta for quarantined peer")
			continue
		}
		delta := deltas[addr]
		if err := e.applyOne(ctx, addr, delta); err != nil {
			e.log.Warn().Err(err).Str("addr", string(addr)).Int32("generation", delta.HeartBeat.Generation).Msg("apply_state_locally rejected delta")
		}
	}
}

func (e *Engine) stablePartitionSeedsFirst(addrs []Addr) {
	seeds := make(map[Addr]bool)
	for _, s := range e.store.Seeds() {
		seeds[s] = true
	}
	sort.SliceStable(addrs, func(i, j int) bool {
		return seeds[addrs[i]] && !seeds[addrs[j]]
	})
}

// applyOne implements the per-endpoint branch of apply_state_locally:
// corrupt-generation rejection, major state change, per-key merge, or
// stale-generation ignore — followed by the independent mark-alive check.
// It returns ErrCorruptGeneration when remote's generation is rejected as
// out of sanity bounds; every other early return is a benign skip (lost
// acquire race, superseded ApplyLocal) and reports nil.
func (e *Engine) applyOne(ctx context.Context, addr Addr, remote EndpointState) error {
	if isCorruptGeneration(remote.HeartBeat.Generation, e.gen.StartedAtGeneration()) {
		return ErrCorruptGeneration
	}

	release, err := e.applyCap.Acquire(ctx)
	if err != nil {
		return nil
	}
	defer release()

	var (
		majorChange   bool
		existedBefore bool
		oldState      EndpointState
		changedKeys   []ApplicationStateKey
	)

	next, err := e.store.ApplyLocal(ctx, addr, func(existing EndpointState, existed bool) (EndpointState, []ApplicationStateKey, bool) {
		existedBefore = existed
		oldState = existing

		switch {
		case !existed || remote.HeartBeat.Generation > existing.HeartBeat.Generation:
			majorChange = true
			merged := remote.Clone()
			merged.Alive = !isDeadState(merged.Status()) && merged.Status() != StatusShutdown
			return merged, nil, true

		case remote.HeartBeat.Generation == existing.HeartBeat.Generation:
			merged := existing.Clone()
			merged.HeartBeat = remote.HeartBeat
			merged.UpdateTS = time.Now()
			for k, rv := range remote.Apps {
				lv, ok := merged.Apps[k]
				if !ok || rv.Version > lv.Version {
					changedKeys = append(changedKeys, k)
				}
			}
			sort.Slice(changedKeys, func(i, j int) bool { return changedKeys[i] < changedKeys[j] })
			for _, k := range changedKeys {
				merged.Apps[k] = remote.Apps[k]
			}
			return merged, changedKeys, false

		default:
			// g_r < g_l: ignore.
			return existing, nil, false
		}
	})
	if err != nil {
		return nil
	}

	// Replication (inside ApplyLocal, already completed) always precedes
	// notification, per §4.6/§9.
	if majorChange {
		if existedBefore {
			e.notifier.FireRestart(addr, oldState)
		} else {
			e.notifier.FireJoin(addr, next)
		}
		if isDeadState(next.Status()) || next.Status() == StatusShutdown {
			e.notifier.FireDead(addr, next)
		} else if next.Alive {
			e.notifier.FireAlive(addr, next)
		}
	} else {
		for _, k := range changedKeys {
			e.notifier.FireBeforeChange(addr, next, k, next.Apps[k])
			e.notifier.FireChange(addr, next, k)
		}
	}

	e.maybeMarkAlive(ctx, addr)
	return nil
}

// maybeMarkAlive implements §4.3's mark-alive handshake, steps 1-3.
func (e *Engine) maybeMarkAlive(ctx context.Context, addr Addr) {
	st, ok := e.store.Get(addr)
	if !ok || st.Alive || isDeadState(st.Status()) {
		return
	}

	e.mu.Lock()
	if e.pendingMarkAlive[addr] {
		e.mu.Unlock()
		return
	}
	e.pendingMarkAlive[addr] = true
	e.mu.Unlock()

	go e.runMarkAliveHandshake(addr)
}

func (e *Engine) runMarkAliveHandshake(addr Addr) {
	defer func() {
		e.mu.Lock()
		delete(e.pendingMarkAlive, addr)
		e.mu.Unlock()
	}()

	release, ok := e.gate.Enter()
	if !ok {
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), markAliveEchoDeadline)
	defer cancel()
	if err := e.client.SendEcho(ctx, e.self, addr, EchoRequest{Generation: e.gen.Generation(), HasGeneration: true}); err != nil {
		e.log.Trace().Err(err).Str("addr", string(addr)).Msg("mark-alive echo failed")
		return
	}

	st, ok := e.store.Get(addr)
	if !ok || st.Status() == StatusShutdown {
		return
	}

	next, err := e.store.ApplyLocal(context.Background(), addr, func(existing EndpointState, existed bool) (EndpointState, []ApplicationStateKey, bool) {
		if !existed {
			return existing, nil, false
		}
		updated := existing.Clone()
		updated.Alive = true
		updated.UpdateTS = time.Now()
		return updated, nil, true
	})
	if err != nil {
		return
	}

	e.store.MarkLive(addr)
	e.store.ReplicateAliveBits()
	e.pushTalkQueue(addr)
	e.notifier.FireAlive(addr, next)
}

// ApplyWithoutNotify applies shadow-round deltas (full-state replace only,
// matching examineGossiper's empty-digest synthesis) without ever touching
// the notifier, per §4.5's "applies the replies without firing listeners".
func (e *Engine) ApplyWithoutNotify(ctx context.Context, deltas map[Addr]EndpointState) {
	for addr, remote := range deltas {
		if addr == e.self {
			continue
		}
		addr, remote := addr, remote
		_, _ = e.store.ApplyLocal(ctx, addr, func(existing EndpointState, existed bool) (EndpointState, []ApplicationStateKey, bool) {
			if existed && remote.HeartBeat.Generation <= existing.HeartBeat.Generation {
				return existing, nil, false
			}
			merged := remote.Clone()
			merged.Alive = !isDeadState(merged.Status())
			return merged, nil, true
		})
	}
}

// ShadowProbeSyn sends a completely empty SYN (§4.5's fallback for
// contacts that lack GOSSIP_GET_ENDPOINT_STATES) and returns the raw
// deltas for the caller (membership.go's shadow round) to apply via
// ApplyWithoutNotify.
func (e *Engine) ShadowProbeSyn(ctx context.Context, peer Addr) (map[Addr]EndpointState, error) {
	syn := SynMessage{ClusterName: e.cfg.ClusterName, PartitionerName: e.cfg.PartitionerName}
	ack, err := e.client.SendSyn(ctx, e.self, peer, syn)
	if err != nil {
		return nil, err
	}
	e.touchUpdateTS(ack.Deltas, time.Now())
	return ack.Deltas, nil
}

// HandleEcho serves GOSSIP_ECHO: a bare liveness probe, rejected only when
// this node has been configured not to advertise itself (§6).
func (e *Engine) HandleEcho(from Addr, msg EchoRequest) error {
	if !e.cfg.AdvertiseMyself {
		return fmt.Errorf("membership: echo rejected, advertise_myself disabled")
	}
	return nil
}

// HandleShutdown serves GOSSIP_SHUTDOWN: unconditionally convicts the
// announcer (§8 scenario 6).
func (e *Engine) HandleShutdown(from Addr, msg ShutdownMessage) {
	e.Convict(from, true)
}

// Convict implements C4's convict(peer): shutdownAnnounced distinguishes an
// explicit GOSSIP_SHUTDOWN (or a STATUS already observed as SHUTDOWN) from
// an ordinary failure-detector timeout (§4.4).
func (e *Engine) Convict(addr Addr, shutdownAnnounced bool) {
	st, ok := e.store.Get(addr)
	if !ok {
		return
	}
	if !st.Alive && !shutdownAnnounced {
		return
	}

	next, err := e.store.ApplyLocal(context.Background(), addr, func(existing EndpointState, existed bool) (EndpointState, []ApplicationStateKey, bool) {
		if !existed {
			return existing, nil, false
		}
		updated := existing.Clone()
		updated.Alive = false
		updated.UpdateTS = time.Now()
		if shutdownAnnounced {
			updated.Apps[StatusKey] = VersionedValue{Value: StatusShutdown, Version: updated.MaxVersion() + 1}
		}
		return updated, nil, true
	})
	if err != nil {
		return
	}

	e.store.MarkUnreachable(addr, time.Now())
	e.store.ReplicateAliveBits()
	e.notifier.FireDead(addr, next)
}

// ApplyAdministrative pushes a locally-synthesized endpoint state (used by
// the assassinate and advertise-removal paths of §4.5) through the same
// handle_major_state_change logic and notification ordering as a
// gossip-originated major state change, skipping the corrupt-generation
// check since the caller just minted the generation itself via
// ForceNewerGeneration.
func (e *Engine) ApplyAdministrative(ctx context.Context, addr Addr, synthesized EndpointState) (EndpointState, error) {
	var existedBefore bool
	var oldState EndpointState

	next, err := e.store.ApplyLocal(ctx, addr, func(existing EndpointState, existed bool) (EndpointState, []ApplicationStateKey, bool) {
		existedBefore = existed
		oldState = existing
		merged := synthesized.Clone()
		merged.Alive = !isDeadState(merged.Status()) && merged.Status() != StatusShutdown
		return merged, nil, true
	})
	if err != nil {
		return EndpointState{}, err
	}

	if existedBefore {
		e.notifier.FireRestart(addr, oldState)
	} else {
		e.notifier.FireJoin(addr, next)
	}
	if isDeadState(next.Status()) || next.Status() == StatusShutdown {
		e.notifier.FireDead(addr, next)
	} else if next.Alive {
		e.notifier.FireAlive(addr, next)
	}
	return next, nil
}

// HandleGetEndpointStates serves GOSSIP_GET_ENDPOINT_STATES, filtering
// each peer's application state down to the requested keys (an empty
// WantedKeys returns everything, used by diagnostics rather than the
// shadow round, which always sets a fixed key list per §4.5).
func (e *Engine) HandleGetEndpointStates(from Addr, req GetEndpointStatesRequest) (GetEndpointStatesReply, error) {
	all := e.store.All()
	if len(req.WantedKeys) == 0 {
		return GetEndpointStatesReply{States: all}, nil
	}

	wanted := make(map[ApplicationStateKey]bool, len(req.WantedKeys))
	for _, k := range req.WantedKeys {
		wanted[k] = true
	}
	out := make(map[Addr]EndpointState, len(all))
	for addr, st := range all {
		filtered := EndpointState{HeartBeat: st.HeartBeat, Alive: st.Alive, UpdateTS: st.UpdateTS, Apps: make(AppState)}
		for k, v := range st.Apps {
			if wanted[k] {
				filtered.Apps[k] = v
			}
		}
		out[addr] = filtered
	}
	return GetEndpointStatesReply{States: out}, nil
}

// statusCheck implements §4.3 step 7: fat-client eviction, expired dead
// peer eviction, and quarantine clearing.
func (e *Engine) statusCheck(now time.Time) {
	if e.fatClients != nil {
		fatTimeout := e.cfg.FatClientTimeout()
		for addr, st := range e.store.All() {
			if addr == e.self || !e.fatClients.IsGossipOnlyMember(addr) {
				continue
			}
			if now.Sub(st.UpdateTS) > fatTimeout {
				e.log.Info().Str("addr", string(addr)).Msg("evicting silent fat client")
				e.store.Evict(addr, now)
				e.notifier.FireRemove(addr)
			}
		}
	}

	for _, addr := range e.store.ExpiredDeadPeers(now) {
		st, ok := e.store.Get(addr)
		if !ok || !isDeadState(st.Status()) {
			continue
		}
		e.log.Info().Str("addr", string(addr)).Msg("evicting expired dead peer")
		e.store.Evict(addr, now)
		e.notifier.FireRemove(addr)
	}

	e.store.ClearExpiredQuarantines(e.cfg.QuarantineDelay(), now)
}

// detectAndReplicateLivenessChanges implements §4.3 step 8.
func (e *Engine) detectAndReplicateLivenessChanges() {
	_, liveVer := e.store.LiveEndpoints()
	unreach := e.store.UnreachableEndpoints()

	e.mu.Lock()
	changed := liveVer != e.lastLiveVersion || !unreachableSetEqual(unreach, e.lastUnreachable)
	e.lastLiveVersion = liveVer
	e.lastUnreachable = unreach
	e.mu.Unlock()

	if changed {
		e.store.ReplicateAliveBits()
	}
}

func unreachableSetEqual(a, b map[Addr]time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for addr := range a {
		if _, ok := b[addr]; !ok {
			return false
		}
	}
	return true
}
