package membership

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TokenRingView answers whether addr is a member of the external
// token-metadata view (out of scope, §1's Non-goals): membership only
// needs a yes/no answer to compute is_gossip_only_member. A nil view
// means "unknown, assume ring member" — the safe default that disables
// fat-client eviction rather than evicting everyone.
type TokenRingView interface {
	IsRingMember(addr Addr) bool
}

// shadowWantedKeys is the fixed key list of §4.5's shadow round.
var shadowWantedKeys = []ApplicationStateKey{StatusKey, HostIDKey, TokensKey, SupportedFeaturesKey, SnitchNameKey}

// Membership is C5: seeds (delegated to Store), fat-client detection,
// eviction, the administrative force-remove/assassinate and
// advertise-removal paths, and shadow-round bootstrap.
type Membership struct {
	log      zerolog.Logger
	cfg      Config
	self     Addr
	store    *Store
	gen      *GenerationSource
	notifier *Notifier
	engine   *Engine
	client   *Client
	ring     TokenRingView
}

func NewMembership(cfg Config, self Addr, store *Store, gen *GenerationSource, notifier *Notifier, engine *Engine, client *Client, log zerolog.Logger) *Membership {
	return &Membership{
		log:      log.With().Str("component", "membership").Logger(),
		cfg:      cfg,
		self:     self,
		store:    store,
		gen:      gen,
		notifier: notifier,
		engine:   engine,
		client:   client,
	}
}

// SetTokenRingView wires in the token-ring collaborator; safe to call once
// before the engine's status-check loop starts reading it.
func (m *Membership) SetTokenRingView(v TokenRingView) {
	m.ring = v
}

// IsGossipOnlyMember implements FatClientChecker: a peer is a fat client
// when its last-known STATUS is not a dead state and it is absent from the
// token ring (§4.5).
func (m *Membership) IsGossipOnlyMember(addr Addr) bool {
	st, ok := m.store.Get(addr)
	if !ok || isDeadState(st.Status()) {
		return false
	}
	if m.ring == nil {
		return false
	}
	return !m.ring.IsRingMember(addr)
}

// EvictFromMembership implements §4.5's evict_from_membership: Store.Evict
// already clears unreachable/expire-time, removes the entry from every
// core, and enters quarantine; this wraps it with the remove notification.
func (m *Membership) EvictFromMembership(addr Addr) {
	m.store.Evict(addr, time.Now())
	m.notifier.FireRemove(addr)
}

// Assassinate implements §4.5's force-remove/assassinate path.
//
// §9's open question ("when the target disappears during the ring_delay_ms
// wait, is continuing with the synthesized LEFT state intentional or a
// defect") is resolved conservatively here (see DESIGN.md): any change to
// the verified (generation, heartbeat) pair, including the target
// disappearing outright, is treated as the §7 "administrative failure"
// case and aborts rather than pushing possibly-stale state.
func (m *Membership) Assassinate(ctx context.Context, addr Addr) error {
	before, hadBefore := m.store.Get(addr)

	if m.cfg.RingDelay() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.RingDelay()):
		}

		after, stillPresent := m.store.Get(addr)
		if stillPresent != hadBefore || (stillPresent && after.HeartBeat != before.HeartBeat) {
			return ErrAdministrativeFailure
		}
	}

	gen := m.gen.ForceNewerGeneration(time.Now())
	synthesized := NewEndpointState(gen, 1)
	synthesized.Apps[StatusKey] = VersionedValue{Value: StatusLeft, Version: 1}
	synthesized.Alive = false

	if _, err := m.engine.ApplyAdministrative(ctx, addr, synthesized); err != nil {
		return err
	}
	m.store.SetExpireTime(addr, time.Now().Add(aVeryLongTime))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(4 * roundPeriod):
	}

	m.EvictFromMembership(addr)
	return nil
}

// AdvertiseRemoval implements §4.5's advertise-removal sequence: STATUS
// transitions to "removing" (naming the coordinator), then to
// "removed_nonlocal" with a far-future expiry, each on its own freshly
// bumped generation.
func (m *Membership) AdvertiseRemoval(ctx context.Context, addr Addr, coordinatorHostID string) error {
	removingGen := m.gen.ForceNewerGeneration(time.Now())
	removing := NewEndpointState(removingGen, 1)
	removing.Apps[StatusKey] = VersionedValue{Value: StatusRemoving, Version: 1}
	removing.Apps[RemovalCoordinatorKey] = VersionedValue{Value: coordinatorHostID, Version: 1}
	if _, err := m.engine.ApplyAdministrative(ctx, addr, removing); err != nil {
		return err
	}

	removedGen := m.gen.ForceNewerGeneration(time.Now())
	removed := NewEndpointState(removedGen, 1)
	removed.Apps[StatusKey] = VersionedValue{Value: StatusRemovedNonloc, Version: 1}
	m.store.SetExpireTime(addr, time.Now().Add(aVeryLongTime))
	_, err := m.engine.ApplyAdministrative(ctx, addr, removed)
	return err
}

// DoShadowRound implements §4.5's bootstrap exchange: query every contact
// via GOSSIP_GET_ENDPOINT_STATES, falling back to a completely empty SYN
// probe for contacts that reject or fail the newer verb, applying every
// reply without firing listeners. Retries every second until at least one
// contact has answered or shadow_round_ms elapses.
func (m *Membership) DoShadowRound(ctx context.Context, contacts []Addr) error {
	if len(contacts) == 0 {
		return ErrShadowRoundFailed
	}

	deadline := time.Now().Add(m.cfg.ShadowRoundTimeout())
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		gotAny := false
		for _, contact := range contacts {
			reply, err := m.client.SendGetEndpointStates(ctx, m.self, contact, GetEndpointStatesRequest{WantedKeys: shadowWantedKeys})
			if err != nil {
				deltas, err2 := m.engine.ShadowProbeSyn(ctx, contact)
				if err2 != nil {
					m.log.Trace().Err(err2).Str("addr", string(contact)).Msg("shadow probe failed")
					continue
				}
				m.engine.ApplyWithoutNotify(ctx, deltas)
				if len(deltas) > 0 {
					gotAny = true
				}
				continue
			}
			m.engine.ApplyWithoutNotify(ctx, reply.States)
			if len(reply.States) > 0 {
				gotAny = true
			}
		}

		if gotAny {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrShadowRoundFailed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
