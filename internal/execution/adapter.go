package execution

import (
	"errors"
	"fmt"

	"github.com/echenim/bftnode/internal/config"
	"github.com/echenim/bftnode/internal/types"
	"go.uber.org/zap"
)

// Result is the outcome of applying a committed block's transactions to
// application state.
type Result struct {
	StateRoot types.Hash
	GasUsed   uint64
}

// Adapter executes a committed block's transactions against application
// state. It sits downstream of the consensus core's commit channel, not
// inside consensus itself: execution of payloads is a separate concern
// from agreeing which block commits.
type Adapter interface {
	ExecuteBlock(b *types.Block, txs [][]byte, prevStateRoot types.Hash) (*Result, error)
	Close() error
}

var _ Adapter = (*WASMAdapter)(nil)

// WASMAdapter executes committed blocks through a Sandbox. When a file is
// present at cfg.WASMPath, execution returns an error (no WASM engine is
// linked in); otherwise a deterministic native executor runs the block.
type WASMAdapter struct {
	sandbox *Sandbox
	cfg     config.ExecutionConfig
	state   StateStore
	logger  *zap.Logger
}

// NewWASMAdapter builds an Adapter over cfg. state may be nil, in which
// case execution still computes a state root but persists nothing.
func NewWASMAdapter(cfg config.ExecutionConfig, state StateStore, logger *zap.Logger) (*WASMAdapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	sandbox, err := NewSandbox(cfg)
	if err != nil {
		return nil, fmt.Errorf("execution: create sandbox: %w", err)
	}

	return &WASMAdapter{
		sandbox: sandbox,
		cfg:     cfg,
		state:   state,
		logger:  logger,
	}, nil
}

// ExecuteBlock runs b's transactions through the sandbox: f(prevStateRoot,
// txs) -> newStateRoot, a pure function of the previous root and the
// transaction set, independent of how block b itself reached commitment.
func (w *WASMAdapter) ExecuteBlock(b *types.Block, txs [][]byte, prevStateRoot types.Hash) (*Result, error) {
	if b == nil {
		return nil, errors.New("execution: nil block")
	}

	w.logger.Debug("executing committed block",
		zap.Uint64("round", b.Round),
		zap.Int("tx_count", len(txs)),
	)

	result, err := w.sandbox.Execute(txs, prevStateRoot, w.state)
	if err != nil {
		return nil, fmt.Errorf("execution: block at round %d: %w", b.Round, err)
	}

	w.logger.Debug("block executed",
		zap.Uint64("round", b.Round),
		zap.Uint64("gas_used", result.GasUsed),
		zap.String("state_root", result.StateRoot.String()),
	)

	return result, nil
}

// Close releases the sandbox's WASM engine and module.
func (w *WASMAdapter) Close() error {
	if w.sandbox != nil {
		return w.sandbox.Close()
	}
	return nil
}
