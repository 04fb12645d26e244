package types

import "encoding/hex"

// PublicKeySize and SignatureSize are the Ed25519 key/signature widths.
const (
	PublicKeySize = 32
	SignatureSize = 64
)

// PublicKey identifies a committee member. It is a fixed-width copy of an
// Ed25519 public key, kept as an array (rather than the crypto package's
// slice alias) so it can be used as a map key and embeds cleanly in CBOR
// records.
type PublicKey [PublicKeySize]byte

// Signature is a fixed-width Ed25519 signature.
type Signature [SignatureSize]byte

// ZeroPublicKey is the zero-value public key.
var ZeroPublicKey PublicKey

// String returns the hex-encoded public key.
func (pk PublicKey) String() string { return hex.EncodeToString(pk[:]) }

// Bytes returns the public key as a byte slice.
func (pk PublicKey) Bytes() []byte { return pk[:] }

// IsZero reports whether pk is the zero value.
func (pk PublicKey) IsZero() bool { return pk == ZeroPublicKey }

// Bytes returns the signature as a byte slice.
func (s Signature) Bytes() []byte { return s[:] }

// TimeoutMarker is the distinguished digest value used as a Vote's hash
// field when the vote is a timeout vote rather than a block vote. It must
// never collide with a real block digest (SHA-256 of canonical CBOR); an
// all-0xFF pattern is reserved for this purpose.
var TimeoutMarker = Hash{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}
