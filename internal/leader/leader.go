// Package leader implements the deterministic leader-election function
// the consensus core treats as an external collaborator.
package leader

import "github.com/echenim/bftnode/internal/types"

// Elector maps a round to the committee member responsible for proposing
// at that round, via simple round-robin rotation. It is pure and
// deterministic: every replica that agrees on the committee agrees on the
// leader of every round, with no communication required.
//
// Round-robin rotation collapsed to round-only, since this model has no
// notion of block height separate from round.
type Elector struct {
	committee *types.Committee
}

// New builds an Elector over committee.
func New(committee *types.Committee) *Elector {
	return &Elector{committee: committee}
}

// Leader returns the committee member who leads round.
func (e *Elector) Leader(round uint64) types.PublicKey {
	n := uint64(e.committee.Size())
	return e.committee.MemberAt(int(round % n))
}
