package types

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// QuorumCertificate proves that at least a quorum of the committee voted
// for the block identified by Hash at Round.
type QuorumCertificate struct {
	Hash  Hash      `cbor:"hash"`
	Round uint64    `cbor:"round"`
	Votes []VoteSig `cbor:"votes"`
}

// GenesisQC returns the distinguished certificate over the (never
// transmitted) genesis block: round 0, the zero digest, no signatures.
func GenesisQC() QuorumCertificate {
	return QuorumCertificate{Hash: ZeroHash, Round: 0}
}

// IsGenesis reports whether qc is the distinguished genesis certificate.
func (qc *QuorumCertificate) IsGenesis() bool {
	return qc.Round == 0 && qc.Hash == ZeroHash
}

// Verify checks that qc carries at least quorum distinct, valid signatures
// from members of committee, each over the (hash, round, block-vote) vote
// payload qc itself identifies. The genesis QC is trivially valid and
// should be special-cased by the caller before invoking Verify.
func (qc *QuorumCertificate) Verify(committee *Committee, quorum int) error {
	if committee == nil {
		return errors.New("nil committee")
	}
	if len(qc.Votes) < quorum {
		return fmt.Errorf("qc: insufficient votes: got %d, need %d", len(qc.Votes), quorum)
	}

	seen := make(map[PublicKey]struct{}, len(qc.Votes))
	vote := &Vote{Hash: qc.Hash, Round: qc.Round, Kind: VoteKindBlock}
	distinct := 0
	for i, vs := range qc.Votes {
		if !committee.Contains(vs.Author) {
			return fmt.Errorf("qc: vote %d: signer %s not in committee", i, vs.Author)
		}
		if _, dup := seen[vs.Author]; dup {
			return fmt.Errorf("qc: vote %d: duplicate signer %s", i, vs.Author)
		}
		seen[vs.Author] = struct{}{}

		vote.Author = vs.Author
		vote.Signature = vs.Signature
		if !ed25519.Verify(ed25519.PublicKey(vs.Author[:]), vote.SigningPayload(), vs.Signature[:]) {
			return fmt.Errorf("qc: vote %d: invalid signature from %s", i, vs.Author)
		}
		distinct++
	}

	if distinct < quorum {
		return fmt.Errorf("qc: insufficient distinct signers: got %d, need %d", distinct, quorum)
	}
	return nil
}
