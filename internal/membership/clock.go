package membership

import (
	"math"
	"sync"
	"time"
)

// maxGenerationDifference is MAX_GENERATION_DIFFERENCE of §6: one year, in
// seconds, used as the corrupt-generation sanity bound of §3 invariant 4.
const maxGenerationDifference = int32(365 * 24 * 60 * 60)

// aVeryLongTime is A_VERY_LONG_TIME of §6: the default far-future expiry
// used by force-remove/assassinate (§4.5).
const aVeryLongTime = 3 * 24 * time.Hour

// GenerationSource is C2: the monotonic wall-clock-seconds generation plus
// in-generation heartbeat version used to build digests every round.
//
// Generation is set once at process start (optionally overridden by
// Config.ForceGossipGeneration) and only ever bumped forward by
// ForceNewerGeneration; Version is bumped exactly once per gossip round
// before digests are produced (§4.2, §5 ordering guarantee).
type GenerationSource struct {
	mu         sync.Mutex
	generation int32
	version    int32
	startedAt  int32 // generation value observed at process start, for §3 inv. 4
}

// NewGenerationSource starts a generation source. If override > 0 it is
// used verbatim (operational recovery); otherwise the current wall-clock
// second count is used.
func NewGenerationSource(override int32, now time.Time) *GenerationSource {
	gen := override
	if gen <= 0 {
		gen = int32(now.Unix())
	}
	return &GenerationSource{generation: gen, startedAt: gen}
}

// Generation returns the current generation value.
func (g *GenerationSource) Generation() int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation
}

// StartedAtGeneration returns the generation value observed at process
// start, the basis for the §3 invariant-4 corruption bound.
func (g *GenerationSource) StartedAtGeneration() int32 {
	return g.startedAt
}

// Version returns the current heartbeat version.
func (g *GenerationSource) Version() int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.version
}

// Beat bumps the heartbeat version by exactly one and returns the new pair.
// Called once per gossip round, before digests are built (§4.2).
func (g *GenerationSource) Beat() HeartBeatState {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.version++
	return HeartBeatState{Generation: g.generation, Version: g.version}
}

// ForceNewerGeneration bumps the generation to max(now, current+1), for
// administrative state pushes (§4.2).
func (g *GenerationSource) ForceNewerGeneration(now time.Time) int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	nowS := int32(now.Unix())
	if nowS > g.generation {
		g.generation = nowS
	} else {
		g.generation++
	}
	return g.generation
}

// ForceHighestPossibleVersionUnsafe sets the version to INT32_MAX, used to
// guarantee a shutdown notice wins any concurrent update (§4.2).
func (g *GenerationSource) ForceHighestPossibleVersionUnsafe() HeartBeatState {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.version = math.MaxInt32
	return HeartBeatState{Generation: g.generation, Version: g.version}
}

// isCorruptGeneration reports whether remoteGeneration exceeds the sanity
// bound of §3 invariant 4 relative to the generation observed at this
// process's own start.
func isCorruptGeneration(remoteGeneration, localStartGeneration int32) bool {
	// Guard against overflow: the sum is computed and compared in int64,
	// where it cannot overflow.
	bound := int64(localStartGeneration) + int64(maxGenerationDifference)
	return int64(remoteGeneration) > bound
}
