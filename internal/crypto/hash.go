package crypto

import (
	"crypto/sha256"

	"github.com/echenim/bftnode/internal/types"
)

// HashSHA256 computes the SHA-256 hash of data.
func HashSHA256(data []byte) types.Hash {
	return sha256.Sum256(data)
}

// ComputePayloadDigest computes the Merkle root of a batch of transactions.
// Mempool.GetPayload does not use it: its payload is the CBOR encoding of
// the batch's transaction hashes.
func ComputePayloadDigest(txs [][]byte) types.Hash {
	if len(txs) == 0 {
		return types.ZeroHash
	}
	hashes := make([]types.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = HashSHA256(tx)
	}
	return ComputeMerkleRoot(hashes)
}

// ComputeMerkleRoot computes a binary Merkle tree root from a list of
// hashes. Uses a simple iterative pairing approach; an odd level
// duplicates its last hash.
func ComputeMerkleRoot(hashes []types.Hash) types.Hash {
	if len(hashes) == 0 {
		return types.ZeroHash
	}
	if len(hashes) == 1 {
		return hashes[0]
	}

	for len(hashes) > 1 {
		if len(hashes)%2 != 0 {
			hashes = append(hashes, hashes[len(hashes)-1])
		}
		next := make([]types.Hash, 0, len(hashes)/2)
		for i := 0; i < len(hashes); i += 2 {
			var combined [64]byte
			copy(combined[:32], hashes[i][:])
			copy(combined[32:], hashes[i+1][:])
			next = append(next, HashSHA256(combined[:]))
		}
		hashes = next
	}
	return hashes[0]
}
