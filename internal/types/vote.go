package types

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
)

// VoteKind distinguishes a vote for a proposed block from a vote that a
// round timed out.
type VoteKind uint8

const (
	VoteKindBlock VoteKind = iota
	VoteKindTimeout
)

func (k VoteKind) String() string {
	switch k {
	case VoteKindBlock:
		return "block"
	case VoteKindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Vote is a replica's attestation that it voted for a block at a round,
// or that it timed out waiting for one.
type Vote struct {
	Hash      Hash      `cbor:"hash"`
	Round     uint64    `cbor:"round"`
	Author    PublicKey `cbor:"author"`
	Signature Signature `cbor:"signature"`
	Kind      VoteKind  `cbor:"kind"`
}

// NewTimeoutVote builds an unsigned timeout vote for round.
func NewTimeoutVote(author PublicKey, round uint64) *Vote {
	return &Vote{Hash: TimeoutMarker, Round: round, Author: author, Kind: VoteKindTimeout}
}

// SigningPayload returns the bytes a replica signs (and a verifier checks)
// for this vote: hash || round (8 bytes, little-endian) || kind.
func (v *Vote) SigningPayload() []byte {
	buf := make([]byte, HashSize+8+1)
	copy(buf, v.Hash[:])
	binary.LittleEndian.PutUint64(buf[HashSize:], v.Round)
	buf[HashSize+8] = byte(v.Kind)
	return buf
}

// Verify checks the vote's signature under its own Author field.
func (v *Vote) Verify() bool {
	if v.Signature == (Signature{}) {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(v.Author[:]), v.SigningPayload(), v.Signature[:])
}

// IsEquivocation reports whether a and b are two distinct votes the same
// author cast for the same (round, kind) pair — a safety violation that
// should never show up signed by a correct replica.
func IsEquivocation(a, b *Vote) bool {
	return a.Author == b.Author && a.Round == b.Round && a.Kind == b.Kind && a.Hash != b.Hash
}

// VoteSig is the (signer, signature) pair a QC or TC retains per voter;
// the hash/round/kind a signature was made over is implied by the
// certificate that carries it, so it isn't repeated here.
type VoteSig struct {
	Author    PublicKey `cbor:"author"`
	Signature Signature `cbor:"signature"`
}
