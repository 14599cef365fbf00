package membership

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// echoInterval is the per-peer echo cadence of §6.
const echoInterval = 2 * time.Second

// FailureDetector is C4's active tier: it snapshots live_endpoints, spawns
// one per-peer echo task per snapshot entry distributed across cores via
// golang.org/x/sync/errgroup, and
// convicts peers that miss their grace window or drop out of the live set
// between snapshots (§4.4).
type FailureDetector struct {
	log     zerolog.Logger
	cfg     Config
	self    Addr
	store   *Store
	client  *Client
	gen     *GenerationSource
	engine  *Engine
	cores   int

	mu      sync.Mutex
	running bool
}

// NewFailureDetector wires C4. cores models §4.4's "distributing those
// tasks across all cores (shard = index % core_count)"; with a
// single-process Go binary this only affects which goroutine group a
// peer's task logically belongs to, surfaced through the echo task's
// shard index for logging/metrics rather than true OS-thread pinning
// (§9 "Cross-core state" applies the same reasoning used for C1).
func NewFailureDetector(cfg Config, self Addr, store *Store, client *Client, gen *GenerationSource, engine *Engine, cores int, log zerolog.Logger) *FailureDetector {
	if cores < 1 {
		cores = 1
	}
	return &FailureDetector{
		log:    log.With().Str("component", "failuredetector").Logger(),
		cfg:    cfg,
		self:   self,
		store:  store,
		client: client,
		gen:    gen,
		engine: engine,
		cores:  cores,
	}
}

// Run drives the outer loop of §4.4 until ctx is cancelled: whenever
// live_endpoints is non-empty, snapshot it, run one echo task per peer to
// completion, then convict anyone who dropped out of live_endpoints
// between the snapshot and now.
func (fd *FailureDetector) Run(ctx context.Context) {
	fd.mu.Lock()
	fd.running = true
	fd.mu.Unlock()
	defer func() {
		fd.mu.Lock()
		fd.running = false
		fd.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		live, snapshotVersion := fd.store.LiveEndpoints()
		if len(live) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(echoInterval):
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		for i, peer := range live {
			i, peer := i, peer
			g.Go(func() error {
				fd.runPeerTask(gctx, peer, i%fd.cores, snapshotVersion)
				return nil
			})
		}
		_ = g.Wait()

		afterLive, afterVersion := fd.store.LiveEndpoints()
		if afterVersion == snapshotVersion {
			continue
		}
		stillLive := make(map[Addr]bool, len(afterLive))
		for _, a := range afterLive {
			stillLive[a] = true
		}
		for _, a := range live {
			if !stillLive[a] {
				fd.engine.Convict(a, false)
			}
		}
	}
}

// runPeerTask implements §4.4's per-peer task: ping every echoInterval,
// convict on silence past max_duration, exit early if the live-endpoints
// snapshot version moves (a rebalance is due — the outer loop will pick up
// the new membership on its next pass).
func (fd *FailureDetector) runPeerTask(ctx context.Context, peer Addr, shard int, snapshotVersion uint64) {
	maxDuration := echoInterval + fd.cfg.FailureDetectorTimeout()
	lastOK := time.Now()

	ticker := time.NewTicker(echoInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, curVersion := fd.store.LiveEndpoints(); curVersion != snapshotVersion {
			return
		}

		echoCtx, cancel := context.WithTimeout(ctx, maxDuration)
		err := fd.client.SendEcho(echoCtx, fd.self, peer, EchoRequest{Generation: fd.gen.Generation(), HasGeneration: true})
		cancel()

		if err == nil {
			lastOK = time.Now()
			continue
		}

		fd.log.Trace().Err(err).Str("addr", string(peer)).Int("shard", shard).Msg("echo failed")
		if time.Since(lastOK) > maxDuration {
			st, _ := fd.store.Get(peer)
			fd.engine.Convict(peer, st.Status() == StatusShutdown)
			return
		}
	}
}
