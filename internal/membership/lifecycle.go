package membership

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the top-level lifecycle of §4.9.
type State int

const (
	StateDisabled State = iota
	StateShadowRound
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "DISABLED"
	case StateShadowRound:
		return "SHADOW_ROUND"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Lifecycle is C9: the state machine driving start_gossiping,
// do_shadow_round, do_stop_gossiping and wait_for_gossip_to_settle.
type Lifecycle struct {
	log    zerolog.Logger
	cfg    Config
	self   Addr
	store  *Store
	gen    *GenerationSource
	engine *Engine
	fd     *FailureDetector
	member *Membership
	client *Client
	server *Server

	mu    sync.Mutex
	state State

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLifecycle(cfg Config, self Addr, store *Store, gen *GenerationSource, engine *Engine, fd *FailureDetector, member *Membership, client *Client, server *Server, log zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		log:    log.With().Str("component", "lifecycle").Logger(),
		cfg:    cfg,
		self:   self,
		store:  store,
		gen:    gen,
		engine: engine,
		fd:     fd,
		member: member,
		client: client,
		server: server,
		state:  StateDisabled,
	}
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	l.log.Info().Str("state", s.String()).Msg("lifecycle transition")
}

// DoShadowRound drives §4.5's bootstrap exchange while in the
// SHADOW_ROUND state, preceding StartGossiping. A zero-length contacts
// list (no configured seeds besides self) is treated as an immediate,
// trivial success — a single-node bootstrap cluster.
func (l *Lifecycle) DoShadowRound(ctx context.Context, contacts []Addr) error {
	l.setState(StateShadowRound)
	if len(contacts) == 0 {
		return nil
	}
	return l.member.DoShadowRound(ctx, contacts)
}

// StartGossiping implements §4.9's start_gossiping: set the local entry at
// the given generation with any preloaded application state, enable
// scheduling, and start both the periodic round and the active
// failure-detector loop.
func (l *Lifecycle) StartGossiping(ctx context.Context, generation int32, preload AppState, advertise bool) error {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	version := l.gen.Version()
	self := NewEndpointState(generation, version)
	if preload != nil {
		self.Apps = preload.Clone()
	}
	self.Alive = advertise

	if _, err := l.store.ApplyLocal(runCtx, l.self, func(EndpointState, bool) (EndpointState, []ApplicationStateKey, bool) {
		return self, nil, true
	}); err != nil {
		cancel()
		return err
	}
	if advertise {
		l.store.MarkLive(l.self)
	}

	l.engine.Enable()
	l.setState(StateRunning)

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		l.engine.Run(runCtx)
	}()
	go func() {
		defer l.wg.Done()
		l.fd.Run(runCtx)
	}()

	return nil
}

// DoStopGossiping implements §4.9's do_stop_gossiping: announce
// STATUS=SHUTDOWN with a forced-max version, push the shutdown verb to
// every live peer, disable scheduling, then wait for the running round and
// the FD loop before closing and draining the shared gate, in that order;
// the gate also admits the engine's outbound fire-and-forget sends, so
// closing it here covers both directions (§4.9, §9).
func (l *Lifecycle) DoStopGossiping(ctx context.Context) {
	l.setState(StateStopping)

	shutdownHB := l.gen.ForceHighestPossibleVersionUnsafe()
	next, err := l.store.ApplyLocal(ctx, l.self, func(existing EndpointState, existed bool) (EndpointState, []ApplicationStateKey, bool) {
		if !existed {
			existing = NewEndpointState(shutdownHB.Generation, shutdownHB.Version)
		}
		updated := existing.Clone()
		updated.HeartBeat = shutdownHB
		updated.Apps[StatusKey] = VersionedValue{Value: StatusShutdown, Version: shutdownHB.Version}
		updated.UpdateTS = time.Now()
		return updated, nil, true
	})
	if err == nil {
		live, _ := l.store.LiveEndpoints()
		for _, peer := range live {
			peer := peer
			go func() {
				sctx, cancel := context.WithTimeout(context.Background(), l.cfg.ShutdownAnnounceDelay())
				defer cancel()
				_ = l.client.SendShutdown(sctx, l.self, peer, ShutdownMessage{From: l.self, Generation: next.HeartBeat.Generation, HasGeneration: true})
			}()
		}
	}

	select {
	case <-time.After(l.cfg.ShutdownAnnounceDelay()):
	case <-ctx.Done():
	}

	l.engine.Disable()
	if l.cancel != nil {
		l.cancel()
	}

	l.engine.WaitRoundDone()
	l.wg.Wait()
	if l.server != nil {
		l.server.Gate().SetEnabled(false)
		l.server.Gate().Drain()
	}

	l.setState(StateStopped)
}

// WaitForGossipToSettle implements §4.9: poll (endpoint_count,
// in-flight-significant-count) every second; settle after three
// consecutive stable intervals. skipWaitForGossipToSettle mirrors §6:
// 0 bypasses entirely, a positive value caps the number of polls
// (force-after escape), negative means "use the default cap" of 60 polls.
func (l *Lifecycle) WaitForGossipToSettle(ctx context.Context) {
	if l.cfg.SkipWaitForGossipToSettle == 0 {
		return
	}
	maxPolls := l.cfg.SkipWaitForGossipToSettle
	if maxPolls < 0 {
		maxPolls = 60
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	stable := 0
	lastCount := -1
	for i := 0; i < maxPolls; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		count := len(l.store.All())
		inFlight := l.engine.InFlightSignificant()

		if count == lastCount && inFlight == 0 {
			stable++
		} else {
			stable = 0
		}
		lastCount = count

		if stable >= 3 {
			return
		}
	}
}
