// Package membership implements the cluster membership and liveness core:
// versioned per-peer state, anti-entropy gossip, an echo-based failure
// detector, and the subscriber/lifecycle machinery that sits on top of them.
package membership

import (
	"fmt"
	"time"
)

// Addr is an opaque, comparable network identifier for a cluster peer
// (typically "host:port"). It is used as a map key throughout the core.
type Addr string

// ApplicationStateKey enumerates the closed set of application-state slots
// a peer can publish.
type ApplicationStateKey int

const (
	StatusKey ApplicationStateKey = iota
	TokensKey
	HostIDKey
	RPCReadyKey
	LoadKey
	ViewBacklogKey
	CacheHitRatesKey
	SupportedFeaturesKey
	InternalIPKey
	SnitchNameKey
	NetVersionKey
	RemovalCoordinatorKey

	numApplicationStateKeys
)

func (k ApplicationStateKey) String() string {
	switch k {
	case StatusKey:
		return "STATUS"
	case TokensKey:
		return "TOKENS"
	case HostIDKey:
		return "HOST_ID"
	case RPCReadyKey:
		return "RPC_READY"
	case LoadKey:
		return "LOAD"
	case ViewBacklogKey:
		return "VIEW_BACKLOG"
	case CacheHitRatesKey:
		return "CACHE_HITRATES"
	case SupportedFeaturesKey:
		return "SUPPORTED_FEATURES"
	case InternalIPKey:
		return "INTERNAL_IP"
	case SnitchNameKey:
		return "SNITCH_NAME"
	case NetVersionKey:
		return "NET_VERSION"
	case RemovalCoordinatorKey:
		return "REMOVAL_COORDINATOR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(k))
	}
}

// highFrequencyKeys are excluded from "significant" traffic accounting by
// wait_for_gossip_to_settle (§4.9).
var highFrequencyKeys = map[ApplicationStateKey]bool{
	LoadKey:          true,
	ViewBacklogKey:   true,
	CacheHitRatesKey: true,
}

// Status values recognized by the membership/liveness rules of §3 invariant 7.
const (
	StatusNormal        = "NORMAL"
	StatusLeft          = "LEFT"
	StatusRemovedToken  = "REMOVED_TOKEN"
	StatusRemovingToken = "REMOVING_TOKEN"
	StatusShutdown      = "SHUTDOWN"
	StatusRemoving      = "removing"
	StatusRemovedNonloc = "removed_nonlocal"
)

// deadStates is the set of STATUS values a peer must never be revived from
// (§3 invariant 7).
var deadStates = map[string]bool{
	StatusLeft:          true,
	StatusRemovedToken:  true,
	StatusRemovingToken: true,
}

// isDeadState reports whether status names a terminal membership state.
func isDeadState(status string) bool {
	return deadStates[status]
}

// HeartBeatState is the per-peer generation/version pair described in §3.
type HeartBeatState struct {
	Generation int32
	Version    int32
}

// VersionedValue is a single application-state entry: a value paired with
// the monotonic version it was written at.
type VersionedValue struct {
	Value   string
	Version int32
}

// AppState is the per-peer application-state map, keyed by the closed enum
// of §3.
type AppState map[ApplicationStateKey]VersionedValue

// Clone returns a shallow copy safe for independent mutation.
func (a AppState) Clone() AppState {
	out := make(AppState, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// MaxVersion returns the maximum of the heartbeat version and every
// application-state version, per the GLOSSARY definition of "max version".
func (e EndpointState) MaxVersion() int32 {
	max := e.HeartBeat.Version
	for _, v := range e.Apps {
		if v.Version > max {
			max = v.Version
		}
	}
	return max
}

// EndpointState is the full per-peer record of §3: heartbeat, application
// state, liveness flag, and the monotonic instant of the last update.
type EndpointState struct {
	HeartBeat HeartBeat
	Apps      AppState
	Alive     bool
	UpdateTS  time.Time // monotonic instant, see §9 "Time"
}

// HeartBeat is an alias kept distinct from HeartBeatState so call sites read
// e.HeartBeat.Generation the way the spec's prose does.
type HeartBeat = HeartBeatState

// Clone returns a deep-enough copy for safe cross-core replication: the Apps
// map is copied, HeartBeat/Alive/UpdateTS are value types.
func (e EndpointState) Clone() EndpointState {
	out := e
	out.Apps = e.Apps.Clone()
	return out
}

// Status returns the peer's current STATUS value, or "" if never published.
func (e EndpointState) Status() string {
	return e.Apps[StatusKey].Value
}

// NewEndpointState creates a fresh entry for generation at the given
// heartbeat version, with an empty application-state map.
func NewEndpointState(generation, version int32) EndpointState {
	return EndpointState{
		HeartBeat: HeartBeat{Generation: generation, Version: version},
		Apps:      make(AppState),
		Alive:     false,
		UpdateTS:  time.Now(),
	}
}

// Digest summarizes a peer's known freshness for the three-phase exchange
// of §4.3: addr plus the (generation, max_version) pair from §3 invariant 1.
type Digest struct {
	Addr       Addr
	Generation int32
	MaxVersion int32
}
