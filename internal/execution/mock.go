package execution

import (
	"errors"

	"github.com/echenim/bftnode/internal/types"
)

var _ Adapter = (*MockExecutor)(nil)

// MockExecutor implements Adapter for testing. It returns configurable
// results without actual WASM execution.
type MockExecutor struct {
	NextStateRoot types.Hash
	NextGasUsed   uint64
	ShouldFail    bool
	FailError     error

	// CallCount tracks how many times ExecuteBlock was called.
	CallCount int
	// LastBlock records the most recent block passed to ExecuteBlock.
	LastBlock *types.Block
	// LastTxs records the most recent transaction set passed to ExecuteBlock.
	LastTxs [][]byte
	// LastPrevRoot records the most recent prevStateRoot.
	LastPrevRoot types.Hash
}

// NewMockExecutor creates a MockExecutor with default settings.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{}
}

// ExecuteBlock implements Adapter.
func (m *MockExecutor) ExecuteBlock(block *types.Block, txs [][]byte, prevStateRoot types.Hash) (*Result, error) {
	m.CallCount++
	m.LastBlock = block
	m.LastTxs = txs
	m.LastPrevRoot = prevStateRoot

	if m.ShouldFail {
		if m.FailError != nil {
			return nil, m.FailError
		}
		return nil, errors.New("mock: execution failed")
	}

	return &Result{
		StateRoot: m.NextStateRoot,
		GasUsed:   m.NextGasUsed,
	}, nil
}

// Close implements Adapter.
func (m *MockExecutor) Close() error {
	return nil
}
