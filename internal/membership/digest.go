package membership

import (
	"sort"
)

// BuildDigests produces a digest covering every known peer, then shuffles
// it (§4.3 step 2). Callers that need the diff-priority ordering of
// examine_gossiper should call SortByDivergence afterward themselves —
// the two orderings serve different call sites (SYN construction shuffles,
// ACK construction sorts by divergence).
func BuildDigests(states map[Addr]EndpointState, shuffle func([]Digest)) []Digest {
	out := make([]Digest, 0, len(states))
	for addr, st := range states {
		out = append(out, Digest{Addr: addr, Generation: st.HeartBeat.Generation, MaxVersion: st.MaxVersion()})
	}
	shuffle(out)
	return out
}

// SortByDivergence orders digests by |local_max_version - remote_max_version|
// descending, so the most-diverged endpoints are discussed first (§4.3,
// "Producing the ACK").
func SortByDivergence(digests []Digest, local map[Addr]EndpointState) {
	divergence := func(d Digest) int64 {
		localMax := int64(0)
		if st, ok := local[d.Addr]; ok {
			localMax = int64(st.MaxVersion())
		}
		delta := localMax - int64(d.MaxVersion)
		if delta < 0 {
			delta = -delta
		}
		return delta
	}
	sort.SliceStable(digests, func(i, j int) bool {
		return divergence(digests[i]) > divergence(digests[j])
	})
}

// DigestAction is the outcome of comparing one incoming digest against
// local state, per the five-way rule of §4.3.
type DigestAction int

const (
	ActionNone DigestAction = iota
	ActionRequestFullState
	ActionSendFullState
	ActionRequestDelta
	ActionSendDelta
)

// CompareDigest implements the examine_gossiper per-digest rule of §4.3:
//
//	g_r > g_l                    -> request full state, reply digest (peer, g_r, 0)
//	g_r < g_l                    -> send full local state
//	g_r = g_l, v_r > v_l         -> request delta beyond v_l, reply digest (peer, g_r, v_l)
//	g_r = g_l, v_r < v_l         -> send local delta strictly above v_r
//	equal everywhere             -> skip
//
// replyDigest is populated for the two "request" actions.
func CompareDigest(remote Digest, local Digest, localKnown bool) (action DigestAction, replyDigest Digest) {
	if !localKnown {
		// We know nothing about this peer at all: treat as a full request,
		// matching the g_r > g_l branch (any generation beats "unknown").
		return ActionRequestFullState, Digest{Addr: remote.Addr, Generation: remote.Generation, MaxVersion: 0}
	}

	switch {
	case remote.Generation > local.Generation:
		return ActionRequestFullState, Digest{Addr: remote.Addr, Generation: remote.Generation, MaxVersion: 0}
	case remote.Generation < local.Generation:
		return ActionSendFullState, Digest{}
	case remote.MaxVersion > local.MaxVersion:
		return ActionRequestDelta, Digest{Addr: remote.Addr, Generation: remote.Generation, MaxVersion: local.MaxVersion}
	case remote.MaxVersion < local.MaxVersion:
		return ActionSendDelta, Digest{}
	default:
		return ActionNone, Digest{}
	}
}

// GetStateForVersionBiggerThan returns a copy of state containing only the
// application-state entries whose version is strictly greater than
// afterVersion, plus the full heartbeat — used to build ACK2 deltas and
// "send local delta" replies (§4.3's get_state_for_version_bigger_than).
func GetStateForVersionBiggerThan(state EndpointState, afterVersion int32) EndpointState {
	out := EndpointState{HeartBeat: state.HeartBeat, Alive: state.Alive, UpdateTS: state.UpdateTS, Apps: make(AppState)}
	for k, v := range state.Apps {
		if v.Version > afterVersion {
			out.Apps[k] = v
		}
	}
	return out
}
