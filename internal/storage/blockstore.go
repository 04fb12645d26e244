package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/echenim/bftnode/internal/codec"
	"github.com/echenim/bftnode/internal/types"
)

var recoveryKey = []byte("jolteon:recovery-state")

func blockKey(digest types.Hash) []byte {
	key := make([]byte, 0, 4+types.HashSize)
	key = append(key, "blk:"...)
	key = append(key, digest[:]...)
	return key
}

var latestCommittedKey = []byte("jolteon:latest-committed-round")

func committedRoundKey(round uint64) []byte {
	key := make([]byte, 0, 4+8)
	key = append(key, "crd:"...)
	return binary.BigEndian.AppendUint64(key, round)
}

// BlockStore layers block (de)serialization and crash-recovery
// persistence on top of a raw KV. It satisfies the core's Store
// collaborator interface (Read/Write over digest keys) directly, and
// additionally offers typed GetBlock/PutBlock for the synchronizer.
type BlockStore struct {
	kv KV
}

// NewBlockStore wraps kv.
func NewBlockStore(kv KV) *BlockStore {
	return &BlockStore{kv: kv}
}

// Read implements the core's Store.Read(digest) -> (bytes, found, error).
func (s *BlockStore) Read(digest types.Hash) ([]byte, bool, error) {
	return s.kv.Get(blockKey(digest))
}

// Write implements the core's Store.Write(digest, bytes) -> error.
func (s *BlockStore) Write(digest types.Hash, data []byte) error {
	return s.kv.Put(blockKey(digest), data)
}

// GetBlock reads and decodes the block stored under digest.
func (s *BlockStore) GetBlock(digest types.Hash) (*types.Block, bool, error) {
	data, ok, err := s.Read(digest)
	if err != nil || !ok {
		return nil, ok, err
	}
	var b types.Block
	if err := codec.Unmarshal(data, &b); err != nil {
		return nil, true, fmt.Errorf("storage: decode block %s: %w", digest, err)
	}
	return &b, true, nil
}

// PutBlock canonically encodes and durably writes b, keyed by its own
// digest.
func (s *BlockStore) PutBlock(b *types.Block) (types.Hash, error) {
	digest, err := b.Digest()
	if err != nil {
		return types.ZeroHash, err
	}
	data, err := codec.Marshal(b)
	if err != nil {
		return types.ZeroHash, fmt.Errorf("storage: encode block: %w", err)
	}
	if err := s.Write(digest, data); err != nil {
		return types.ZeroHash, err
	}
	return digest, nil
}

// PutCommittedBlock stores b and additionally records it in the
// round-indexed commit log, advancing the latest-committed-round marker.
// Only the canonical committed chain is indexed this way — the digest
// keyspace alone holds every block a replica ever saw, committed or not.
func (s *BlockStore) PutCommittedBlock(b *types.Block) error {
	digest, err := s.PutBlock(b)
	if err != nil {
		return err
	}
	if err := s.kv.Put(committedRoundKey(b.Round), digest[:]); err != nil {
		return fmt.Errorf("storage: index committed round %d: %w", b.Round, err)
	}
	if err := s.kv.Put(latestCommittedKey, encodeRound(b.Round)); err != nil {
		return fmt.Errorf("storage: advance latest committed round: %w", err)
	}
	return nil
}

// GetBlockByRound resolves a committed round to its block via the
// round-indexed commit log populated by PutCommittedBlock.
func (s *BlockStore) GetBlockByRound(round uint64) (*types.Block, bool, error) {
	data, ok, err := s.kv.Get(committedRoundKey(round))
	if err != nil || !ok {
		return nil, ok, err
	}
	digest, err := types.HashFromBytes(data)
	if err != nil {
		return nil, true, fmt.Errorf("storage: decode committed round digest: %w", err)
	}
	return s.GetBlock(digest)
}

// LatestCommittedRound returns the highest round PutCommittedBlock has
// recorded, if any.
func (s *BlockStore) LatestCommittedRound() (uint64, bool, error) {
	data, ok, err := s.kv.Get(latestCommittedKey)
	if err != nil || !ok {
		return 0, ok, err
	}
	return decodeRound(data), true, nil
}

func encodeRound(round uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, round)
}

func decodeRound(data []byte) uint64 {
	return binary.BigEndian.Uint64(data)
}

// RecoveryState is the small record this implementation persists before
// any outbound vote, so a restarted replica does not risk equivocating
// against votes it cast before a crash (see DESIGN.md decision 3).
type RecoveryState struct {
	Round          uint64                    `cbor:"round"`
	LastVotedRound uint64                    `cbor:"last_voted_round"`
	PreferredRound uint64                    `cbor:"preferred_round"`
	HighestQC      *types.QuorumCertificate  `cbor:"highest_qc"`
}

// GetRecoveryState loads the persisted recovery record, if any.
func (s *BlockStore) GetRecoveryState() (*RecoveryState, bool, error) {
	data, ok, err := s.kv.Get(recoveryKey)
	if err != nil || !ok {
		return nil, ok, err
	}
	var rs RecoveryState
	if err := codec.Unmarshal(data, &rs); err != nil {
		return nil, true, fmt.Errorf("storage: decode recovery state: %w", err)
	}
	return &rs, true, nil
}

// PutRecoveryState durably writes rs, overwriting any prior record.
func (s *BlockStore) PutRecoveryState(rs *RecoveryState) error {
	data, err := codec.Marshal(rs)
	if err != nil {
		return fmt.Errorf("storage: encode recovery state: %w", err)
	}
	return s.kv.Put(recoveryKey, data)
}
