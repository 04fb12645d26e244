package execution

import (
	"fmt"

	"github.com/echenim/bftnode/internal/storage"
	"github.com/echenim/bftnode/internal/types"
)

const stateRootKey = "execution/state_root"

// KVStateStore adapts storage.KV — the same durable key/value contract the
// consensus core uses for blocks — into the narrow StateStore surface
// execution needs, namespacing application writes under an "execution/"
// prefix so they never collide with block or recovery keys.
type KVStateStore struct {
	kv storage.KV
}

// NewKVStateStore wraps kv for use by an Adapter. kv is typically the same
// storage.KV instance the node opens for block storage.
func NewKVStateStore(kv storage.KV) *KVStateStore {
	return &KVStateStore{kv: kv}
}

// ApplyWriteSet persists each key/value pair under the execution namespace.
func (s *KVStateStore) ApplyWriteSet(writes map[string][]byte) error {
	for k, v := range writes {
		if err := s.kv.Put([]byte("execution/"+k), v); err != nil {
			return fmt.Errorf("execution: state store put: %w", err)
		}
	}
	return nil
}

// SetStateRoot records the latest computed state root.
func (s *KVStateStore) SetStateRoot(root types.Hash) error {
	return s.kv.Put([]byte(stateRootKey), root[:])
}

// StateRoot returns the last recorded state root, or the zero hash if none
// has been set yet.
func (s *KVStateStore) StateRoot() (types.Hash, error) {
	data, ok, err := s.kv.Get([]byte(stateRootKey))
	if err != nil {
		return types.Hash{}, fmt.Errorf("execution: state store get: %w", err)
	}
	if !ok || len(data) != 32 {
		return types.Hash{}, nil
	}
	var h types.Hash
	copy(h[:], data)
	return h, nil
}
