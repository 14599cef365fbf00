package membership

import "errors"

// Error taxonomy of §7. Transport errors are never surfaced through these
// (they're logged at the call site and swallowed); these four are the
// categories callers of administrative or bootstrap operations can act on.
var (
	// ErrProtocolMismatch: cluster-name or partitioner mismatch. The
	// message is dropped with a warning; the peer is not penalized.
	ErrProtocolMismatch = errors.New("membership: cluster-name or partitioner mismatch")

	// ErrCorruptGeneration: remote generation exceeds MAX_GENERATION_DIFFERENCE
	// ahead of local clock. The delta is rejected; local state is untouched.
	ErrCorruptGeneration = errors.New("membership: remote generation exceeds sanity bound")

	// ErrAdministrativeFailure: an administrative operation (assassinate,
	// force-remove) observed state changing underneath it and aborted.
	ErrAdministrativeFailure = errors.New("membership: administrative operation aborted")

	// ErrShadowRoundFailed: no contact replied successfully within
	// shadow_round_ms; the node does not join.
	ErrShadowRoundFailed = errors.New("membership: shadow round failed to converge")
)
