package execution

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/echenim/bftnode/internal/config"
	"github.com/echenim/bftnode/internal/types"
)

// StateStore is the narrow write surface execution needs from application
// state. It is satisfied by a thin wrapper over storage.KV (see
// KVStateStore) and is never shared with the consensus core.
type StateStore interface {
	ApplyWriteSet(writes map[string][]byte) error
	SetStateRoot(root types.Hash) error
}

// Sandbox wraps block execution. When a WASM artifact was loaded, Execute
// returns an error: no WASM engine is linked in. Otherwise it runs a
// deterministic Go-native executor that computes state roots from transactions.
type Sandbox struct {
	cfg      config.ExecutionConfig
	wasmCode []byte // loaded WASM bytes, nil if no artifact available
}

// NewSandbox creates a new execution sandbox.
// If the WASM artifact exists, it loads it for future execution.
// If not, it operates in native mode using a deterministic Go executor.
func NewSandbox(cfg config.ExecutionConfig) (*Sandbox, error) {
	s := &Sandbox{cfg: cfg}

	if cfg.WASMPath != "" {
		data, err := os.ReadFile(cfg.WASMPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("execution: read wasm: %w", err)
			}
			// WASM file not found — will use native executor.
		} else {
			s.wasmCode = data
		}
	}

	return s, nil
}

// Execute runs the given transaction set in the sandbox. txs holds the raw
// transaction bytes referenced by a committed block's payload, resolved by
// the caller against its mempool before the block reaches execution.
func (s *Sandbox) Execute(txs [][]byte, prevStateRoot types.Hash, stateStore StateStore) (*Result, error) {
	if s.wasmCode != nil {
		return s.executeWASM(txs, prevStateRoot, stateStore)
	}
	return s.executeNative(txs, prevStateRoot, stateStore)
}

// executeWASM always returns an error: wasmtime-go is not imported, and the
// steps below list what running a module would take.
func (s *Sandbox) executeWASM(txs [][]byte, prevStateRoot types.Hash, stateStore StateStore) (*Result, error) {
	// Full wasmtime-go wiring requires:
	//   1. wasmtime.NewEngine with fuel metering enabled
	//   2. wasmtime.NewModule(engine, s.wasmCode)
	//   3. wasmtime.NewStore(engine), store.AddFuel(s.cfg.FuelLimit)
	//   4. wasmtime.NewLinker(engine) with host imports for state reads
	//   5. linker.Instantiate(store, module)
	//   6. write the encoded tx set + prevStateRoot into guest memory
	//   7. call the module's execute_block export
	//   8. read back the encoded result (state root, gas used)
	//
	// No compiled artifact ships with this tree, so this path is reached
	// only when an operator points execution.wasm_path at a real module.
	return nil, errors.New("execution: WASM execution not yet implemented — use native executor or provide mock")
}

// executeNative is a deterministic Go-native executor.
// It computes state transitions and a new state root without WASM.
//
// State root computation:
//  1. Apply each transaction to state (key = sha256(tx), value = tx)
//  2. Compute new state root from the ordered state entries
//
// This is deterministic: same (prevStateRoot, txs) -> same result.
func (s *Sandbox) executeNative(txs [][]byte, prevStateRoot types.Hash, stateStore StateStore) (*Result, error) {
	var gasUsed uint64
	writes := make(map[string][]byte)

	for _, tx := range txs {
		txGas := uint64(1000) + uint64(len(tx))
		gasUsed += txGas

		if s.cfg.GasLimit > 0 && gasUsed > s.cfg.GasLimit {
			return nil, fmt.Errorf("execution: gas limit exceeded: %d > %d", gasUsed, s.cfg.GasLimit)
		}

		txKey := sha256.Sum256(tx)
		writes[string(txKey[:])] = tx
	}

	if stateStore != nil && len(writes) > 0 {
		if err := stateStore.ApplyWriteSet(writes); err != nil {
			return nil, fmt.Errorf("execution: apply writes: %w", err)
		}
	}

	newRoot := computeStateRoot(prevStateRoot, txs)

	if stateStore != nil {
		if err := stateStore.SetStateRoot(newRoot); err != nil {
			return nil, fmt.Errorf("execution: set state root: %w", err)
		}
	}

	return &Result{
		StateRoot: newRoot,
		GasUsed:   gasUsed,
	}, nil
}

// computeStateRoot computes a deterministic state root from the previous
// root and the list of transactions, hashing prevRoot || numTxs ||
// sorted(sha256(tx_i)).
func computeStateRoot(prevRoot types.Hash, txs [][]byte) types.Hash {
	if len(txs) == 0 {
		return prevRoot
	}

	txHashes := make([][32]byte, len(txs))
	for i, tx := range txs {
		txHashes[i] = sha256.Sum256(tx)
	}
	sort.Slice(txHashes, func(i, j int) bool {
		for k := range 32 {
			if txHashes[i][k] != txHashes[j][k] {
				return txHashes[i][k] < txHashes[j][k]
			}
		}
		return false
	})

	buf := make([]byte, 32+8+32*len(txHashes))
	copy(buf[0:32], prevRoot[:])
	binary.BigEndian.PutUint64(buf[32:40], uint64(len(txHashes)))
	for i, h := range txHashes {
		copy(buf[40+32*i:40+32*(i+1)], h[:])
	}

	return sha256.Sum256(buf)
}

// Close releases sandbox resources.
func (s *Sandbox) Close() error {
	s.wasmCode = nil
	return nil
}
