package consensus

import (
	"fmt"

	"github.com/echenim/bftnode/internal/types"
)

// makeBlock assembles, signs, and broadcasts a new proposal for round,
// justified by qc or tc (exactly one is expected non-nil, per
// Block.RoundConsistent), then loops it back into this replica's own
// processBlock, without the proposal checks a peer's block goes through.
func (c *Core) makeBlock(qc *types.QuorumCertificate, tc *types.TimeoutCertificate, round uint64) error {
	payload, err := c.mempool.GetPayload()
	if err != nil {
		return fmt.Errorf("consensus: get payload for round %d: %w", round, err)
	}

	b := &types.Block{
		Author:  c.self,
		Round:   round,
		QC:      qc,
		TC:      tc,
		Payload: payload,
	}
	digest, err := b.Digest()
	if err != nil {
		return fmt.Errorf("%w: digest new block at round %d: %v", ErrSerialization, round, err)
	}
	sig, err := c.sigService.Sign(digest[:])
	if err != nil {
		return fmt.Errorf("consensus: sign block at round %d: %w", round, err)
	}
	b.Signature = sig

	if err := c.network.Broadcast(b); err != nil {
		c.abort(fmt.Errorf("%w: broadcast block at round %d: %v", ErrNetwork, round, err))
	}
	c.loopbackSend(Message{Kind: MsgLoopBack, Block: b})
	return nil
}
