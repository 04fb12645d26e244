package consensus

import (
	"fmt"
	"strings"

	"github.com/echenim/bftnode/internal/types"
	"go.uber.org/zap"
)

// handleVote accumulates v and, once it completes a quorum and this
// replica leads the next round, assembles the resulting certificate and
// proposes.
func (c *Core) handleVote(v *types.Vote) error {
	if v == nil {
		return fmt.Errorf("%w: nil vote", ErrStructural)
	}
	if v.Round < c.round {
		c.logger.Debug("consensus: dropping stale vote", zap.Uint64("round", v.Round), zap.Uint64("current_round", c.round))
		return nil
	}

	reached, sigs, err := c.aggregator.AddVote(v)
	if err != nil {
		return fmt.Errorf("%w: %v", classifyAggregatorError(err), err)
	}
	if !reached {
		return nil
	}

	nextRound := v.Round + 1
	if c.leader.Leader(nextRound) != c.self {
		// Quorum reached but this replica doesn't lead the round it
		// would justify; someone else will assemble the certificate from
		// their own copy of the same votes.
		return nil
	}

	switch v.Kind {
	case types.VoteKindBlock:
		qc := &types.QuorumCertificate{Hash: v.Hash, Round: v.Round, Votes: sigs}
		return c.makeBlock(qc, nil, nextRound)
	case types.VoteKindTimeout:
		// A timeout-justified block still carries the highest QC this
		// replica knows of, so the ancestor chain stays reconstructible;
		// the TC only proves the intervening round(s) produced nothing.
		tc := &types.TimeoutCertificate{Round: v.Round, Votes: sigs}
		qc := c.highestQC
		return c.makeBlock(&qc, tc, nextRound)
	default:
		return fmt.Errorf("%w: vote of unknown kind %d reached quorum", ErrStructural, v.Kind)
	}
}

// classifyAggregatorError maps the aggregator's plain-text failures back
// onto the core's sentinel taxonomy so dispatch can classify them.
func classifyAggregatorError(err error) error {
	// The aggregator only ever fails on committee-membership, signature,
	// or equivocation checks; it never touches storage.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not in committee"):
		return ErrAuthority
	case strings.Contains(msg, "invalid signature"):
		return ErrCrypto
	case strings.Contains(msg, "equivocation"):
		return ErrEquivocation
	default:
		return ErrStructural
	}
}
