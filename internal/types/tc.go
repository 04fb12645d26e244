package types

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// TimeoutCertificate proves that at least a quorum of the committee timed
// out waiting for a proposal at Round.
type TimeoutCertificate struct {
	Round uint64    `cbor:"round"`
	Votes []VoteSig `cbor:"votes"`
}

// Verify checks that tc carries at least quorum distinct, valid timeout
// signatures from members of committee for tc.Round.
func (tc *TimeoutCertificate) Verify(committee *Committee, quorum int) error {
	if committee == nil {
		return errors.New("nil committee")
	}
	if len(tc.Votes) < quorum {
		return fmt.Errorf("tc: insufficient votes: got %d, need %d", len(tc.Votes), quorum)
	}

	seen := make(map[PublicKey]struct{}, len(tc.Votes))
	vote := &Vote{Hash: TimeoutMarker, Round: tc.Round, Kind: VoteKindTimeout}
	distinct := 0
	for i, vs := range tc.Votes {
		if !committee.Contains(vs.Author) {
			return fmt.Errorf("tc: vote %d: signer %s not in committee", i, vs.Author)
		}
		if _, dup := seen[vs.Author]; dup {
			return fmt.Errorf("tc: vote %d: duplicate signer %s", i, vs.Author)
		}
		seen[vs.Author] = struct{}{}

		vote.Author = vs.Author
		vote.Signature = vs.Signature
		if !ed25519.Verify(ed25519.PublicKey(vs.Author[:]), vote.SigningPayload(), vs.Signature[:]) {
			return fmt.Errorf("tc: vote %d: invalid signature from %s", i, vs.Author)
		}
		distinct++
	}

	if distinct < quorum {
		return fmt.Errorf("tc: insufficient distinct signers: got %d, need %d", distinct, quorum)
	}
	return nil
}
