package consensus

import "errors"

// Sentinel errors the core classifies dispatch failures against. A
// handler always wraps one of these with fmt.Errorf("%w: ...", ErrX, ...)
// so callers can errors.Is against the bucket while still getting a
// specific message in logs.
var (
	// ErrStorage covers failures reading or writing the block/recovery
	// store. Logged at error severity and the triggering message is
	// dropped; the core keeps running and relies on sync/loopback replay
	// to recover whatever the failed write or read was for.
	ErrStorage = errors.New("consensus: storage failure")

	// ErrSerialization covers canonical-codec encode/decode failures
	// against data the core itself produced or already validated,
	// meaning the local store holds something it shouldn't be able to.
	// Logged as store corruption and dropped; the core keeps running.
	ErrSerialization = errors.New("consensus: serialization failure")

	// ErrNetwork covers a failed outbound send of a message this replica
	// generated itself: broadcasting its own proposal, delivering its
	// own vote, answering a sync request. Unlike a peer's malformed
	// input, this means the replica itself can no longer reach the
	// network, so it is fatal.
	ErrNetwork = errors.New("consensus: network send failure")

	// ErrStructural covers malformed input from a peer: round
	// inconsistency, a missing QC/TC where one is required, an
	// unparseable payload reference. Logged and dropped, never fatal.
	ErrStructural = errors.New("consensus: structural violation")

	// ErrAuthority covers a message attributed to the wrong author: a
	// proposal from a non-leader, a vote from a non-committee member.
	// Logged and dropped.
	ErrAuthority = errors.New("consensus: authority violation")

	// ErrCrypto covers a signature, QC, or TC that fails verification.
	// Logged and dropped.
	ErrCrypto = errors.New("consensus: cryptographic verification failure")

	// ErrEquivocation covers a second, conflicting vote or proposal from
	// an author that already cast one for the same round. Logged and
	// dropped; a richer implementation would also route this into a
	// slashing pipeline.
	ErrEquivocation = errors.New("consensus: equivocation detected")
)

// errNotReady is returned internally by processBlock when it cannot proceed
// yet (payload not local, or ancestors unresolved) and must wait for a
// future loopback delivery rather than treat the block as invalid.
var errNotReady = errors.New("consensus: dependency not ready")
