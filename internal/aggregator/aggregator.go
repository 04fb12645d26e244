// Package aggregator accumulates votes on behalf of the consensus core
// and reports when a quorum has been reached for a given round and vote
// kind. It is exclusively owned by the core task: the core never calls
// into it concurrently from more than one goroutine, so it needs no
// internal locking of its own.
package aggregator

import (
	"fmt"

	"github.com/echenim/bftnode/internal/types"
)

// defaultMaxPendingRounds bounds how many distinct future rounds the
// aggregator will buffer votes for before evicting the oldest. The core's
// vote handler intentionally admits votes for rounds beyond the current
// one (pipelining is intentional); this cap is what keeps that
// admission policy from being a memory-exhaustion vector.
const defaultMaxPendingRounds = 1024

type key struct {
	round uint64
	kind  types.VoteKind
}

// hashVotes tracks the signers accumulated for one (round, kind, hash)
// bucket. formed latches true the first time the bucket crosses quorum,
// so a late vote arriving after the certificate was already assembled
// is recorded but never reported as completing quorum a second time.
type hashVotes struct {
	signers map[types.PublicKey]types.Signature
	formed  bool
}

// perRoundVotes tracks, for one (round, kind) bucket, the distinct hash a
// quorum is accumulating around. HotStuff-family protocols only ever see
// one honest hash win per round, but a byzantine leader can equivocate, so
// votes are bucketed by hash too.
type perRoundVotes struct {
	byHash map[types.Hash]*hashVotes
	// castBy remembers the hash each signer already voted for in this
	// (round, kind) bucket, to detect equivocation and reject/ignore
	// duplicate or conflicting votes from the same signer.
	castBy map[types.PublicKey]types.Hash
}

// Aggregator accumulates votes per (round, kind, hash) and reports
// quorum completion.
type Aggregator struct {
	committee        *types.Committee
	quorum           int
	maxPendingRounds int

	votes map[key]*perRoundVotes
	// roundOrder preserves insertion order of rounds seen, oldest first,
	// so eviction under maxPendingRounds is FIFO.
	roundOrder []uint64
}

// New builds an Aggregator over committee, requiring quorum distinct
// signers to complete a certificate.
func New(committee *types.Committee, quorum int) *Aggregator {
	return &Aggregator{
		committee:        committee,
		quorum:           quorum,
		maxPendingRounds: defaultMaxPendingRounds,
		votes:            make(map[key]*perRoundVotes),
	}
}

// AddVote records v. It returns (true, votes) the first time the bucket
// for (v.Round, v.Kind, v.Hash) reaches quorum distinct signers; it
// returns (false, nil) otherwise, and an error if v fails committee
// membership or signature checks, or equivocates against an
// already-recorded vote from the same signer.
func (a *Aggregator) AddVote(v *types.Vote) (bool, []types.VoteSig, error) {
	if !a.committee.Contains(v.Author) {
		return false, nil, fmt.Errorf("aggregator: signer %s not in committee", v.Author)
	}
	if !v.Verify() {
		return false, nil, fmt.Errorf("aggregator: invalid signature from %s", v.Author)
	}

	k := key{round: v.Round, kind: v.Kind}
	bucket, ok := a.votes[k]
	if !ok {
		bucket = &perRoundVotes{
			byHash: make(map[types.Hash]*hashVotes),
			castBy: make(map[types.PublicKey]types.Hash),
		}
		a.votes[k] = bucket
		a.roundOrder = append(a.roundOrder, v.Round)
		a.evictIfNeeded()
	}

	if prior, cast := bucket.castBy[v.Author]; cast {
		if prior == v.Hash {
			return false, nil, nil // duplicate of an already-recorded vote, ignore
		}
		return false, nil, fmt.Errorf("aggregator: equivocation by %s at round %d", v.Author, v.Round)
	}
	bucket.castBy[v.Author] = v.Hash

	hv, ok := bucket.byHash[v.Hash]
	if !ok {
		hv = &hashVotes{signers: make(map[types.PublicKey]types.Signature)}
		bucket.byHash[v.Hash] = hv
	}
	hv.signers[v.Author] = v.Signature

	// The certificate for this (round, kind, hash) bucket is formed at
	// most once; a vote arriving after that point is still recorded
	// above (so it counts against equivocation correctly) but must not
	// report quorum again, or the leader would assemble and broadcast a
	// second, conflicting certificate for a round it already proposed.
	if hv.formed || len(hv.signers) < a.quorum {
		return false, nil, nil
	}
	hv.formed = true

	out := make([]types.VoteSig, 0, len(hv.signers))
	for author, sig := range hv.signers {
		out = append(out, types.VoteSig{Author: author, Signature: sig})
	}
	return true, out, nil
}

// Cleanup discards all vote state for rounds strictly below round,
// bounding aggregator memory to active rounds only.
func (a *Aggregator) Cleanup(round uint64) {
	kept := a.roundOrder[:0]
	for _, r := range a.roundOrder {
		if r < round {
			delete(a.votes, key{round: r, kind: types.VoteKindBlock})
			delete(a.votes, key{round: r, kind: types.VoteKindTimeout})
			continue
		}
		kept = append(kept, r)
	}
	a.roundOrder = kept
}

func (a *Aggregator) evictIfNeeded() {
	distinctRounds := make(map[uint64]struct{}, len(a.roundOrder))
	for _, r := range a.roundOrder {
		distinctRounds[r] = struct{}{}
	}
	for len(distinctRounds) > a.maxPendingRounds && len(a.roundOrder) > 0 {
		oldest := a.roundOrder[0]
		a.roundOrder = a.roundOrder[1:]
		delete(a.votes, key{round: oldest, kind: types.VoteKindBlock})
		delete(a.votes, key{round: oldest, kind: types.VoteKindTimeout})
		delete(distinctRounds, oldest)
	}
}
