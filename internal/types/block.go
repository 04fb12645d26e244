package types

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"github.com/echenim/bftnode/internal/codec"
)

// Payload is the opaque batch identifier the mempool hands the core when
// it asks for something to propose. The core never interprets its
// contents; it only carries it inside a Block and asks the mempool
// whether a given Payload is locally available.
type Payload []byte

// Block is a leader's proposal for a round: a payload justified by either
// a QC certifying the previous round, or a TC certifying that the
// previous round timed out.
type Block struct {
	Author    PublicKey           `cbor:"author"`
	Round     uint64              `cbor:"round"`
	QC        *QuorumCertificate  `cbor:"qc"`
	TC        *TimeoutCertificate `cbor:"tc,omitempty"`
	Payload   Payload             `cbor:"payload"`
	Signature Signature           `cbor:"signature"`
}

// signingBody is the subset of Block fields that are hashed and signed —
// everything except the signature itself.
type signingBody struct {
	Author  PublicKey
	Round   uint64
	QC      *QuorumCertificate
	TC      *TimeoutCertificate
	Payload Payload
}

// Digest computes the block's content-addressed digest: SHA-256 over the
// canonical CBOR encoding of every field except Signature. This is the
// value the author signs and the store keys blocks by.
func (b *Block) Digest() (Hash, error) {
	body := signingBody{Author: b.Author, Round: b.Round, QC: b.QC, TC: b.TC, Payload: b.Payload}
	data, err := codec.Marshal(body)
	if err != nil {
		return ZeroHash, fmt.Errorf("block: encode for digest: %w", err)
	}
	return sha256.Sum256(data), nil
}

// GenesisBlock returns the distinguished round-0 block. It has an
// all-zero digest by convention and is never transmitted over the wire.
func GenesisBlock() *Block {
	return &Block{Round: 0}
}

// RoundConsistent checks the structural round-arithmetic rule: a block
// carrying a TC must be one round past the timed-out round; a block
// carrying only a QC must be one round past the certified round.
func (b *Block) RoundConsistent() error {
	if b.TC != nil {
		if b.Round != b.TC.Round+1 {
			return fmt.Errorf("block round %d does not follow tc round %d", b.Round, b.TC.Round)
		}
		return nil
	}
	if b.QC == nil {
		return fmt.Errorf("block at round %d carries neither qc nor tc", b.Round)
	}
	if b.Round != b.QC.Round+1 {
		return fmt.Errorf("block round %d does not follow qc round %d", b.Round, b.QC.Round)
	}
	return nil
}

// VerifySignature reports whether Signature is a valid Ed25519 signature
// by Author over the block's digest. It recomputes the digest, so a
// mutated block always fails even if Signature itself is untouched.
func (b *Block) VerifySignature() bool {
	if b.Signature == (Signature{}) {
		return false
	}
	digest, err := b.Digest()
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(b.Author[:]), digest[:], b.Signature[:])
}

// JustifyingRound returns the round this block's QC/TC certifies the
// successor of — used to compute how far the round counter should
// advance when the block is processed.
func (b *Block) JustifyingRound() uint64 {
	if b.TC != nil {
		return b.TC.Round
	}
	return b.QC.Round
}
