package sync

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/echenim/bftnode/internal/execution"
	"github.com/echenim/bftnode/internal/storage"
	"github.com/echenim/bftnode/internal/types"
	"go.uber.org/zap"
)

// State represents the current state of the block syncer.
type State int32

const (
	Idle      State = iota // not syncing
	FastSync               // downloading and executing committed rounds sequentially
	StateSync              // downloading a full state snapshot
	CaughtUp               // caught up, ready to hand off to live consensus
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case FastSync:
		return "FastSync"
	case StateSync:
		return "StateSync"
	case CaughtUp:
		return "CaughtUp"
	default:
		return "Unknown"
	}
}

// snapshotThreshold is the round-gap threshold for choosing snapshot sync
// over sequential fast sync.
const snapshotThreshold = 100

// BlockSyncer drives catch-up for a replica that has fallen behind the
// committed chain: fast sync replays rounds one at a time through the
// execution adapter, snapshot sync installs a full state image when the
// gap is too wide for sequential replay to be practical.
type BlockSyncer struct {
	blocks   *storage.BlockStore
	state    StateApplier
	provider BlockProvider
	executor execution.Adapter
	verifier *Verifier
	logger   *zap.Logger

	syncState atomic.Int32
	targetR   atomic.Uint64
	localR    atomic.Uint64
}

// NewBlockSyncer creates a new block syncer.
func NewBlockSyncer(
	blocks *storage.BlockStore,
	state StateApplier,
	provider BlockProvider,
	executor execution.Adapter,
	committee *types.Committee,
	logger *zap.Logger,
) *BlockSyncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	var quorum int
	if committee != nil {
		quorum = committee.Quorum()
	}
	return &BlockSyncer{
		blocks:   blocks,
		state:    state,
		provider: provider,
		executor: executor,
		verifier: NewVerifier(committee, quorum, executor),
		logger:   logger,
	}
}

// Start begins the sync process: query peers for the latest committed
// round, then choose fast sync or snapshot sync based on the gap.
func (bs *BlockSyncer) Start(ctx context.Context, localRound uint64) error {
	bs.localR.Store(localRound)

	targetRound, err := bs.provider.GetLatestRound(ctx)
	if err != nil {
		return fmt.Errorf("sync: get latest round: %w", err)
	}
	bs.targetR.Store(targetRound)

	bs.logger.Info("sync starting",
		zap.Uint64("local_round", localRound),
		zap.Uint64("target_round", targetRound),
	)

	if localRound >= targetRound {
		bs.setState(CaughtUp)
		bs.logger.Info("already caught up")
		return nil
	}

	gap := targetRound - localRound
	if gap > snapshotThreshold {
		return bs.doSnapshotSync(ctx, targetRound)
	}
	return bs.doFastSync(ctx, localRound+1, targetRound)
}

// doFastSync downloads and executes committed rounds sequentially.
func (bs *BlockSyncer) doFastSync(ctx context.Context, startRound, endRound uint64) error {
	bs.setState(FastSync)
	bs.logger.Info("fast sync starting", zap.Uint64("start", startRound), zap.Uint64("end", endRound))

	prevRoot := types.ZeroHash

	for r := startRound; r <= endRound; r++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		block, qc, err := bs.provider.GetBlock(ctx, r)
		if err != nil {
			return fmt.Errorf("sync: fetch block at round %d: %w", r, err)
		}
		if err := bs.verifier.VerifyBlock(block, qc, r); err != nil {
			return err
		}

		txs, err := bs.provider.GetTransactions(ctx, block.Payload)
		if err != nil {
			return fmt.Errorf("sync: resolve payload at round %d: %w", r, err)
		}

		result, err := bs.executor.ExecuteBlock(block, txs, prevRoot)
		if err != nil {
			return fmt.Errorf("sync: execute block at round %d: %w", r, err)
		}

		if _, err := bs.blocks.PutBlock(block); err != nil {
			return fmt.Errorf("sync: save block at round %d: %w", r, err)
		}

		prevRoot = result.StateRoot
		bs.localR.Store(r)

		bs.logger.Debug("synced round",
			zap.Uint64("round", r),
			zap.String("state_root", result.StateRoot.String()),
		)
	}

	bs.setState(CaughtUp)
	bs.logger.Info("fast sync complete", zap.Uint64("round", endRound))
	return nil
}

// doSnapshotSync downloads a state snapshot and applies it.
func (bs *BlockSyncer) doSnapshotSync(ctx context.Context, targetRound uint64) error {
	bs.setState(StateSync)
	bs.logger.Info("snapshot sync starting", zap.Uint64("target", targetRound))

	ss := NewSnapshotSyncer(bs.provider, bs.blocks, bs.state, bs.logger)
	if err := ss.SyncToRound(ctx, targetRound); err != nil {
		return err
	}

	bs.localR.Store(targetRound)
	bs.setState(CaughtUp)
	return nil
}

// IsSynced returns true if the node is caught up.
func (bs *BlockSyncer) IsSynced() bool {
	return bs.Status() == CaughtUp
}

// Status returns the current sync state.
func (bs *BlockSyncer) Status() State {
	return State(bs.syncState.Load())
}

func (bs *BlockSyncer) setState(s State) {
	bs.syncState.Store(int32(s))
}

// CurrentRound returns the latest synced round.
func (bs *BlockSyncer) CurrentRound() uint64 {
	return bs.localR.Load()
}

// TargetRound returns the round being synced to.
func (bs *BlockSyncer) TargetRound() uint64 {
	return bs.targetR.Load()
}
