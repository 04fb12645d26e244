package consensus

import (
	"fmt"

	"github.com/echenim/bftnode/internal/codec"
	"github.com/echenim/bftnode/internal/types"
	"go.uber.org/zap"
)

// processBlock runs a validated block through delivery, durability, round
// advancement, the three-chain commit rule, and safety-gated voting. It
// is where a block moves Core's round state; the pacemaker
// (onTimerFire) is the only other place the round advances.
func (c *Core) processBlock(b *types.Block) error {
	if !c.mempool.Ready(b.Payload) {
		if registrar, ok := c.mempool.(interface {
			AwaitReady(types.Payload, *types.Block)
		}); ok {
			registrar.AwaitReady(b.Payload, b)
		}
		return errNotReady
	}

	ancestors, ok, err := c.synchronizer.GetAncestors(b)
	if err != nil {
		return fmt.Errorf("%w: resolve ancestors of block at round %d: %v", ErrStorage, b.Round, err)
	}
	if !ok {
		// The synchronizer has committed to fetching the missing
		// ancestors and replaying this block via loopback once they
		// land locally.
		return errNotReady
	}

	digest, err := b.Digest()
	if err != nil {
		return fmt.Errorf("%w: digest block at round %d: %v", ErrSerialization, b.Round, err)
	}
	data, err := codec.Marshal(b)
	if err != nil {
		return fmt.Errorf("%w: encode block at round %d: %v", ErrSerialization, b.Round, err)
	}
	if err := c.store.Write(digest, data); err != nil {
		return fmt.Errorf("%w: write block at round %d: %v", ErrStorage, b.Round, err)
	}

	if newRound := b.JustifyingRound() + 1; newRound > c.round {
		c.timers.Cancel(timerID(c.round))
		c.round = newRound
		c.observedRound.Store(c.round)
		c.timers.Schedule(c.timeoutDelay, timerID(c.round))
		c.aggregator.Cleanup(c.round)
	}

	if b.QC != nil && b.QC.Round > c.highestQC.Round {
		c.highestQC = *b.QC
	}

	c.tryCommit(b, ancestors)

	vote, nextLeader, shouldVote, err := c.prepareVote(b, digest, ancestors)
	if err != nil {
		return err
	}

	if err := c.persistRecovery(); err != nil {
		return err
	}

	if shouldVote {
		return c.deliverVote(vote, nextLeader)
	}
	return nil
}

// tryCommit applies the three-chain commit rule: b0, b1, b2, and b itself
// must all be at consecutive rounds, with no intervening timeout skip,
// before the oldest of the three (and by induction everything before it)
// is certified final. Commits are delivered at most once per round.
func (c *Core) tryCommit(b *types.Block, ancestors *Ancestors) {
	if ancestors.B0.Round == 0 {
		return // the genesis block itself is never committed
	}
	if ancestors.B0.Round+1 != ancestors.B1.Round ||
		ancestors.B1.Round+1 != ancestors.B2.Round ||
		ancestors.B2.Round+1 != b.Round {
		return
	}
	if ancestors.B0.Round <= c.lastCommittedRound {
		return
	}
	c.lastCommittedRound = ancestors.B0.Round
	select {
	case c.commitCh <- ancestors.B0:
	default:
		c.logger.Warn("consensus: commit channel full, dropping commit notification",
			zap.Uint64("round", ancestors.B0.Round))
	}
}

// prepareVote checks the two safety rules against b and, if both hold,
// signs a vote and advances the locking state (preferredRound,
// lastVotedRound). It does not send anything — the caller persists
// recovery state first, then delivers the vote it's handed back.
func (c *Core) prepareVote(b *types.Block, digest types.Hash, ancestors *Ancestors) (*types.Vote, types.PublicKey, bool, error) {
	// Safety rule 1 (locking): the block's justifying ancestor must not
	// be older than what this replica is already locked on.
	if ancestors.B2.Round < c.preferredRound {
		return nil, types.PublicKey{}, false, nil
	}
	// Safety rule 2 (non-equivocation): never vote twice for the same or
	// an earlier round.
	if b.Round <= c.lastVotedRound {
		return nil, types.PublicKey{}, false, nil
	}

	v := &types.Vote{Hash: digest, Round: b.Round, Author: c.self, Kind: types.VoteKindBlock}
	sig, err := c.sigService.Sign(v.SigningPayload())
	if err != nil {
		return nil, types.PublicKey{}, false, fmt.Errorf("consensus: sign vote at round %d: %w", b.Round, err)
	}
	v.Signature = sig

	if ancestors.B1.Round > c.preferredRound {
		c.preferredRound = ancestors.B1.Round
	}
	c.lastVotedRound = b.Round

	return v, c.leader.Leader(b.Round + 1), true, nil
}
