package mempool

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/echenim/bftnode/internal/codec"
	"github.com/echenim/bftnode/internal/config"
	"github.com/echenim/bftnode/internal/types"
	"go.uber.org/zap"
)

func sha256Sum(b []byte) types.Hash {
	return sha256.Sum256(b)
}

// MempoolTx is a validated transaction in the mempool.
type MempoolTx struct {
	Hash    types.Hash
	Data    []byte
	Fee     uint64
	Nonce   uint64
	Sender  types.Address
	Size    int
	AddedAt time.Time

	// Internal fields not exported.
	sig     [64]byte
	payload []byte
}

// loopbackSender redelivers a block that was blocked on a payload not yet
// locally available, once that payload's transactions have all arrived.
// Satisfied by *consensus.Core without either package importing the
// other.
type loopbackSender interface {
	Loopback(b *types.Block)
}

// payloadBody is what a types.Payload actually contains: a reference to
// the set of transactions a block proposes, by hash. Any replica that
// holds all of them locally can reconstruct the full transaction list
// deterministically via ReapMaxTxs-style ordering without the proposer
// having to ship transaction bodies inline in every block.
type payloadBody struct {
	TxHashes []types.Hash `cbor:"tx_hashes"`
}

// Mempool manages pending transactions before block inclusion and
// implements the consensus core's Mempool collaborator.
type Mempool struct {
	mu       sync.RWMutex
	txs      *PriorityQueue
	txByHash map[types.Hash]*MempoolTx
	cache    *EvictionCache
	cfg      config.MempoolConfig
	nonces   NonceStore
	logger   *zap.Logger

	loopback loopbackSender
	// awaiting tracks blocks blocked on a payload this replica doesn't
	// yet hold every transaction for, keyed by the payload's raw bytes.
	awaiting map[string][]*types.Block
}

// NewMempool creates a new transaction mempool. nonces may be nil, in
// which case stateful nonce validation is skipped.
func NewMempool(cfg config.MempoolConfig, nonces NonceStore, logger *zap.Logger) *Mempool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mempool{
		txs:      NewPriorityQueue(),
		txByHash: make(map[types.Hash]*MempoolTx),
		cache:    NewEvictionCache(cfg.CacheSize),
		cfg:      cfg,
		nonces:   nonces,
		logger:   logger,
		awaiting: make(map[string][]*types.Block),
	}
}

// SetLoopback wires the replica that re-delivers blocks once a payload
// they were waiting on becomes fully available. Construction order
// requires this as a setter rather than a constructor argument: the
// core that implements loopbackSender is itself built from a Config
// naming this mempool.
func (m *Mempool) SetLoopback(ls loopbackSender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loopback = ls
}

// AddTx validates and adds a transaction to the mempool: stateless
// validation, then stateful validation, then insertion. Returns the tx
// hash on success or an error if validation fails or the mempool is
// full.
func (m *Mempool) AddTx(tx []byte) (types.Hash, error) {
	mtx, err := ValidateStateless(tx, m.cfg)
	if err != nil {
		return types.ZeroHash, err
	}

	m.mu.Lock()

	if _, exists := m.txByHash[mtx.Hash]; exists {
		m.mu.Unlock()
		return mtx.Hash, errors.New("mempool: duplicate transaction")
	}

	if m.cache.Contains(mtx.Hash) {
		m.mu.Unlock()
		return mtx.Hash, errors.New("mempool: transaction recently processed")
	}

	if err := ValidateStateful(mtx, m.nonces); err != nil {
		m.mu.Unlock()
		return types.ZeroHash, err
	}

	if len(m.txByHash) >= m.cfg.MaxSize {
		lowest := m.txs.LowestFee()
		if lowest == nil || mtx.Fee <= lowest.Fee {
			m.mu.Unlock()
			return types.ZeroHash, errors.New("mempool: full and tx fee too low")
		}
		m.removeTxLocked(lowest.Hash)
		m.cache.Add(lowest.Hash)
	}

	mtx.AddedAt = time.Now()
	m.txByHash[mtx.Hash] = mtx
	m.txs.PushTx(mtx)

	m.logger.Debug("transaction added to mempool",
		zap.String("hash", mtx.Hash.String()),
		zap.Uint64("fee", mtx.Fee),
		zap.Int("pool_size", len(m.txByHash)),
	)

	m.mu.Unlock()
	m.wakeAwaiting()
	return mtx.Hash, nil
}

// ReapMaxTxs returns up to maxBytes worth of transactions in deterministic
// fee order, for direct inclusion in a block proposal.
func (m *Mempool) ReapMaxTxs(maxBytes int) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.txs.Len() == 0 {
		return nil
	}

	// Get all transactions in priority order.
	sorted := m.txs.All()

	var (
		result    [][]byte
		totalSize int
	)

	for _, tx := range sorted {
		if totalSize+tx.Size > maxBytes {
			continue
		}
		result = append(result, tx.Data)
		totalSize += tx.Size
	}

	return result
}

// RemoveTxs removes committed transactions from the mempool.
func (m *Mempool) RemoveTxs(txHashes []types.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, hash := range txHashes {
		m.removeTxLocked(hash)
		m.cache.Add(hash)
	}
}

// removeTxLocked removes a single tx from the pool. Must be called with mu held.
func (m *Mempool) removeTxLocked(hash types.Hash) {
	if _, exists := m.txByHash[hash]; !exists {
		return
	}
	delete(m.txByHash, hash)
	m.txs.Remove(hash)
}

// Size returns the current number of transactions in the mempool.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txByHash)
}

// Flush removes all transactions from the mempool.
func (m *Mempool) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txByHash = make(map[types.Hash]*MempoolTx)
	m.txs = NewPriorityQueue()
}

// Has checks if a transaction hash is in the mempool.
func (m *Mempool) Has(hash types.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.txByHash[hash]
	return ok
}

// Get returns a transaction by its hash, if present.
func (m *Mempool) Get(hash types.Hash) *MempoolTx {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.txByHash[hash]
}

// ResolvePayload decodes p's referenced transaction hashes into their
// bodies, for the catch-up sync path: a replica that fast-syncs a
// committed round didn't necessarily see that round's transactions over
// gossip, so it resolves them from whichever peer answers instead of
// requiring every replica to have an already-complete mempool. Returns
// an error naming the first hash this replica doesn't hold locally.
func (m *Mempool) ResolvePayload(p types.Payload) ([][]byte, error) {
	var body payloadBody
	if err := codec.Unmarshal(p, &body); err != nil {
		return nil, fmt.Errorf("mempool: decode payload: %w", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, 0, len(body.TxHashes))
	for _, h := range body.TxHashes {
		tx, ok := m.txByHash[h]
		if !ok {
			return nil, fmt.Errorf("mempool: transaction %s not held locally", h)
		}
		out = append(out, tx.Data)
	}
	return out, nil
}

// GetPayload implements consensus.Mempool. It reaps the highest-fee
// transactions up to the configured batch limit and encodes their
// hashes as the proposal's payload. The transaction bodies are not part
// of the payload; AddTx keeps them only in this replica's pool.
func (m *Mempool) GetPayload() (types.Payload, error) {
	raw := m.ReapMaxTxs(m.cfg.MaxTxBytes)
	hashes := make([]types.Hash, 0, len(raw))
	for _, tx := range raw {
		h := sha256Sum(tx)
		hashes = append(hashes, h)
	}
	data, err := codec.Marshal(payloadBody{TxHashes: hashes})
	if err != nil {
		return nil, err
	}
	return types.Payload(data), nil
}

// Ready implements consensus.Mempool: p is ready once every transaction
// it references is present in this replica's pool.
func (m *Mempool) Ready(p types.Payload) bool {
	var body payloadBody
	if err := codec.Unmarshal(p, &body); err != nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range body.TxHashes {
		if _, ok := m.txByHash[h]; !ok {
			return false
		}
	}
	return true
}

// AwaitReady registers b to be replayed through the wired loopback
// sender once p's transactions have all arrived. The consensus core
// calls this, via an optional-interface type assertion, immediately
// after Ready(p) reports false for b's payload.
func (m *Mempool) AwaitReady(p types.Payload, b *types.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(p)
	m.awaiting[key] = append(m.awaiting[key], b)
}

// wakeAwaiting replays every awaiting block whose payload has become
// fully satisfied. Called after each successful AddTx; O(awaiting
// payloads) per call, acceptable since a replica is rarely blocked on
// more than a handful of proposals at once.
func (m *Mempool) wakeAwaiting() {
	m.mu.Lock()
	if len(m.awaiting) == 0 || m.loopback == nil {
		m.mu.Unlock()
		return
	}
	var ready []*types.Block
	for key, blocks := range m.awaiting {
		if !m.readyLocked(types.Payload(key)) {
			continue
		}
		ready = append(ready, blocks...)
		delete(m.awaiting, key)
	}
	loopback := m.loopback
	m.mu.Unlock()

	for _, b := range ready {
		loopback.Loopback(b)
	}
}

func (m *Mempool) readyLocked(p types.Payload) bool {
	var body payloadBody
	if err := codec.Unmarshal(p, &body); err != nil {
		return false
	}
	for _, h := range body.TxHashes {
		if _, ok := m.txByHash[h]; !ok {
			return false
		}
	}
	return true
}

// OnCommit removes a committed block's transactions from the pool and
// marks them as recently processed, so a late-arriving duplicate isn't
// re-admitted. Wired to the consensus core's commit channel by node
// startup.
func (m *Mempool) OnCommit(b *types.Block) error {
	var body payloadBody
	if err := codec.Unmarshal(b.Payload, &body); err != nil {
		return fmt.Errorf("mempool: decode committed payload at round %d: %w", b.Round, err)
	}
	m.RemoveTxs(body.TxHashes)
	return nil
}
