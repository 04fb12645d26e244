package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/echenim/bftnode/internal/types"
)

// PrivateKey is an Ed25519 private key (64 bytes).
type PrivateKey = ed25519.PrivateKey

// PublicKey is an Ed25519 public key (32 bytes).
type PublicKey = ed25519.PublicKey

// GenerateKeypair creates a new Ed25519 key pair.
func GenerateKeypair() (PublicKey, PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate keypair: %w", err)
	}
	return pub, priv, nil
}

// Sign signs a message with an Ed25519 private key.
func Sign(privKey PrivateKey, message []byte) []byte {
	return ed25519.Sign(privKey, message)
}

// Verify checks an Ed25519 signature against a public key and message.
func Verify(pubKey PublicKey, message, signature []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubKey, message, signature)
}

// AddressFromPubKey derives a 32-byte address from a public key using SHA-256.
func AddressFromPubKey(pubKey PublicKey) types.Address {
	h := sha256.Sum256(pubKey)
	var addr types.Address
	copy(addr[:], h[:])
	return addr
}

// ToTypesPublicKey converts an ed25519 public key to the fixed-width
// types.PublicKey array used throughout the consensus packages.
func ToTypesPublicKey(pubKey PublicKey) types.PublicKey {
	var out types.PublicKey
	copy(out[:], pubKey)
	return out
}

// ToTypesSignature converts a signature slice to the fixed-width
// types.Signature array.
func ToTypesSignature(sig []byte) types.Signature {
	var out types.Signature
	copy(out[:], sig)
	return out
}

// SigningService is the core's signature-service collaborator: it
// holds the replica's private key and signs digests on its behalf. A
// single SigningService is shared by every component that needs to
// produce a signature; ed25519.Sign has no internal state to race on, so
// no additional serialization is required beyond what the os-level CPU
// scheduler already gives a synchronous function call.
type SigningService struct {
	priv PrivateKey
	pub  types.PublicKey
}

// NewSigningService wraps a private key as a signing collaborator.
func NewSigningService(priv PrivateKey) *SigningService {
	return &SigningService{priv: priv, pub: ToTypesPublicKey(priv.Public().(PublicKey))}
}

// PublicKey returns the replica's public identity.
func (s *SigningService) PublicKey() types.PublicKey { return s.pub }

// Sign signs an arbitrary payload and returns a fixed-width signature.
func (s *SigningService) Sign(payload []byte) (types.Signature, error) {
	return ToTypesSignature(Sign(s.priv, payload)), nil
}
