package consensus

import (
	"fmt"

	"github.com/echenim/bftnode/internal/types"
	"go.uber.org/zap"
)

// handlePropose validates a proposal received from the network in a
// fixed order, then hands it to processBlock. Anything
// that fails validation is reported through the returned error so
// dispatch can classify and log it; nothing here ever mutates Core state
// directly.
func (c *Core) handlePropose(b *types.Block) error {
	if b == nil {
		return fmt.Errorf("%w: nil block", ErrStructural)
	}

	// (1) Freshness: a block for a round we've already moved past can
	// never still be useful. Silent drop, not an error. Round 1 is the
	// replica's starting round (not 0, as genesis already occupies
	// that), so the round it is currently waiting on is b.Round ==
	// c.round, not yet past — only b.Round < c.round is stale.
	if b.Round < c.round {
		c.logger.Debug("consensus: dropping stale proposal", zap.Uint64("round", b.Round), zap.Uint64("current_round", c.round))
		return nil
	}

	// (2) Round-arithmetic consistency against its own QC/TC.
	if err := b.RoundConsistent(); err != nil {
		return fmt.Errorf("%w: %v", ErrStructural, err)
	}

	// (3) Authorship: must come from the round's elected leader.
	if want := c.leader.Leader(b.Round); b.Author != want {
		return fmt.Errorf("%w: block at round %d authored by %s, want leader %s", ErrAuthority, b.Round, b.Author, want)
	}

	// (4) Block signature.
	if !b.VerifySignature() {
		return fmt.Errorf("%w: invalid block signature from %s at round %d", ErrCrypto, b.Author, b.Round)
	}

	// (5) Embedded QC, unless it's the distinguished genesis certificate.
	if b.QC != nil && !b.QC.IsGenesis() {
		if err := b.QC.Verify(c.committee, c.quorum); err != nil {
			return fmt.Errorf("%w: embedded qc at round %d: %v", ErrCrypto, b.Round, err)
		}
	}

	// (6) Embedded TC, when the block justifies itself via a timeout
	// rather than a QC.
	if b.TC != nil {
		if err := b.TC.Verify(c.committee, c.quorum); err != nil {
			return fmt.Errorf("%w: embedded tc at round %d: %v", ErrCrypto, b.Round, err)
		}
	}

	return c.processBlock(b)
}
