package sync

import (
	"errors"
	"fmt"

	"github.com/echenim/bftnode/internal/execution"
	"github.com/echenim/bftnode/internal/types"
)

// Verifier validates blocks and state roots during catch-up sync.
type Verifier struct {
	committee *types.Committee
	quorum    int
	executor  execution.Adapter
}

// NewVerifier creates a block/state verifier over committee with the
// given quorum size.
func NewVerifier(committee *types.Committee, quorum int, executor execution.Adapter) *Verifier {
	return &Verifier{committee: committee, quorum: quorum, executor: executor}
}

// VerifyBlock validates a synced block: round consistency and QC signature
// validity. It does not check digest linkage to the previous round's block.
func (v *Verifier) VerifyBlock(block *types.Block, qc *types.QuorumCertificate, expectedRound uint64) error {
	if block == nil {
		return errors.New("sync: nil block")
	}
	if block.Round != expectedRound {
		return fmt.Errorf("sync: round mismatch: got %d, want %d", block.Round, expectedRound)
	}
	if err := block.RoundConsistent(); err != nil {
		return fmt.Errorf("sync: inconsistent block at round %d: %w", block.Round, err)
	}
	if qc != nil && v.committee != nil {
		if err := qc.Verify(v.committee, v.quorum); err != nil {
			return fmt.Errorf("sync: invalid QC at round %d: %w", block.Round, err)
		}
	}
	return nil
}

// VerifyAndExecuteBlock validates the block and executes its transactions
// to verify the resulting state root matches the committed root.
func (v *Verifier) VerifyAndExecuteBlock(
	block *types.Block,
	qc *types.QuorumCertificate,
	txs [][]byte,
	prevStateRoot types.Hash,
	committedRoot types.Hash,
) (*execution.Result, error) {
	if err := v.VerifyBlock(block, qc, block.Round); err != nil {
		return nil, err
	}
	if v.executor == nil {
		return nil, errors.New("sync: no executor configured")
	}

	result, err := v.executor.ExecuteBlock(block, txs, prevStateRoot)
	if err != nil {
		return nil, fmt.Errorf("sync: execute block at round %d: %w", block.Round, err)
	}

	if committedRoot != types.ZeroHash && result.StateRoot != committedRoot {
		return nil, fmt.Errorf("sync: state root mismatch at round %d: got %s, want %s",
			block.Round, result.StateRoot, committedRoot)
	}

	return result, nil
}
