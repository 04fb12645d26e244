// Package synchronizer implements the consensus core's ancestor-
// resolution collaborator: given a block, walk its QC-linked parent
// chain three deep, fetching from peers and replaying via loopback
// whatever isn't already stored locally.
//
// It depends on the consensus package only for the Ancestors return type
// consensus.Synchronizer's method signature names; consensus itself never
// imports this package; the core is wired to a *Synchronizer through the
// Synchronizer interface it declares, so there is no import cycle.
// Grounded on a classic fetch-on-miss block synchronizer, adapted to
// walk a three-deep QC chain instead of a linear height range.
package synchronizer

import (
	"fmt"
	"sync"

	"github.com/echenim/bftnode/internal/consensus"
	"github.com/echenim/bftnode/internal/types"
	"go.uber.org/zap"
)

// Store is the subset of the block store the synchronizer needs: typed
// decode/encode on top of the core's raw digest-keyed Store.
type Store interface {
	GetBlock(digest types.Hash) (*types.Block, bool, error)
	PutBlock(b *types.Block) (types.Hash, error)
}

// Requester asks the network for a block this replica doesn't have yet.
// Fire-and-forget: the reply, if any, arrives later through Deliver.
type Requester interface {
	RequestBlock(digest types.Hash) error
}

// LoopbackSender redelivers a block the synchronizer previously blocked
// on for re-evaluation. The core takes it straight into block processing,
// without the proposal checks a peer's block goes through.
type LoopbackSender interface {
	Loopback(b *types.Block)
}

// Synchronizer resolves ancestor chains and tracks which blocks are
// waiting on which missing digest.
type Synchronizer struct {
	store     Store
	requester Requester
	loopback  LoopbackSender
	logger    *zap.Logger

	mu       sync.Mutex
	pending  map[types.Hash][]*types.Block
	inFlight map[types.Hash]bool
}

// New builds a Synchronizer. loopback may be nil if the core that
// satisfies LoopbackSender does not exist yet at construction time; wire
// it in afterward with SetLoopback. logger may be nil (defaults to a
// no-op).
func New(store Store, requester Requester, loopback LoopbackSender, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		store:     store,
		requester: requester,
		loopback:  loopback,
		logger:    logger,
		pending:   make(map[types.Hash][]*types.Block),
		inFlight:  make(map[types.Hash]bool),
	}
}

// SetLoopback wires the replayer once it exists. Construction order
// requires this as a setter rather than a constructor argument: the
// core that implements LoopbackSender is itself built from a Config
// naming this synchronizer.
func (s *Synchronizer) SetLoopback(ls LoopbackSender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loopback = ls
}

// GetAncestors implements consensus.Synchronizer. It walks b's QC chain
// three blocks deep, substituting the genesis block once the chain
// bottoms out at the genesis QC.
func (s *Synchronizer) GetAncestors(b *types.Block) (*consensus.Ancestors, bool, error) {
	if b.QC == nil || b.QC.IsGenesis() {
		g := types.GenesisBlock()
		return &consensus.Ancestors{B0: g, B1: g, B2: g}, true, nil
	}

	b2, ok, err := s.resolve(b.QC.Hash, b)
	if err != nil || !ok {
		return nil, false, err
	}
	if b2.QC == nil || b2.QC.IsGenesis() {
		g := types.GenesisBlock()
		return &consensus.Ancestors{B0: g, B1: g, B2: b2}, true, nil
	}

	b1, ok, err := s.resolve(b2.QC.Hash, b)
	if err != nil || !ok {
		return nil, false, err
	}
	if b1.QC == nil || b1.QC.IsGenesis() {
		g := types.GenesisBlock()
		return &consensus.Ancestors{B0: g, B1: b1, B2: b2}, true, nil
	}

	b0, ok, err := s.resolve(b1.QC.Hash, b)
	if err != nil || !ok {
		return nil, false, err
	}
	return &consensus.Ancestors{B0: b0, B1: b1, B2: b2}, true, nil
}

// resolve returns the block stored under digest, or registers pending as
// waiting on it and issues a fetch request if it isn't local yet.
func (s *Synchronizer) resolve(digest types.Hash, pending *types.Block) (*types.Block, bool, error) {
	blk, ok, err := s.store.GetBlock(digest)
	if err != nil {
		return nil, false, fmt.Errorf("synchronizer: read %s: %w", digest, err)
	}
	if ok {
		return blk, true, nil
	}

	s.mu.Lock()
	s.pending[digest] = append(s.pending[digest], pending)
	alreadyFetching := s.inFlight[digest]
	s.inFlight[digest] = true
	s.mu.Unlock()

	if !alreadyFetching {
		if err := s.requester.RequestBlock(digest); err != nil {
			s.logger.Warn("synchronizer: request block failed", zap.Stringer("digest", digest), zap.Error(err))
		}
	}
	return nil, false, nil
}

// Deliver stores a block that arrived in answer to an earlier request
// and replays everything that was waiting on it, in the order they were
// originally blocked.
func (s *Synchronizer) Deliver(b *types.Block) error {
	digest, err := s.store.PutBlock(b)
	if err != nil {
		return fmt.Errorf("synchronizer: store delivered block: %w", err)
	}

	s.mu.Lock()
	waiters := s.pending[digest]
	delete(s.pending, digest)
	delete(s.inFlight, digest)
	s.mu.Unlock()

	for _, w := range waiters {
		s.loopback.Loopback(w)
	}
	return nil
}
