package rpc

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/echenim/bftnode/internal/consensus"
	"github.com/echenim/bftnode/internal/execution"
	"github.com/echenim/bftnode/internal/mempool"
	"github.com/echenim/bftnode/internal/storage"
	bsync "github.com/echenim/bftnode/internal/sync"
	"github.com/echenim/bftnode/internal/types"
	"go.uber.org/zap"
)

// NodeServiceImpl backs the HTTP handlers the Server registers: one method
// per endpoint, each reading/writing plain JSON instead of a generated
// request/response pair.
type NodeServiceImpl struct {
	store     *storage.BlockStore
	mempool   *mempool.Mempool
	core      *consensus.Core
	syncer    *bsync.BlockSyncer
	state     execution.StateStore
	committee *types.Committee
	nodeID    string
	moniker   string
	chainID   string
	logger    *zap.Logger

	hub    *blockHub
	latest atomic.Pointer[types.Block]
}

// NodeServiceConfig holds the collaborators a NodeServiceImpl is built
// from.
type NodeServiceConfig struct {
	Store     *storage.BlockStore
	Mempool   *mempool.Mempool
	Core      *consensus.Core
	Syncer    *bsync.BlockSyncer
	State     execution.StateStore
	Committee *types.Committee
	NodeID    string
	Moniker   string
	ChainID   string
	Logger    *zap.Logger
}

// NewNodeService builds the RPC-facing node service.
func NewNodeService(cfg NodeServiceConfig) *NodeServiceImpl {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &NodeServiceImpl{
		store:     cfg.Store,
		mempool:   cfg.Mempool,
		core:      cfg.Core,
		syncer:    cfg.Syncer,
		state:     cfg.State,
		committee: cfg.Committee,
		nodeID:    cfg.NodeID,
		moniker:   cfg.Moniker,
		chainID:   cfg.ChainID,
		logger:    cfg.Logger,
		hub:       newBlockHub(),
	}
}

// RecordCommit records b as the latest committed block and fans it out to
// any open /blocks/subscribe connections. The node wires this to the
// consensus core's Commit channel; it is not called from inside Core
// itself, keeping execution and notification downstream of agreement.
func (s *NodeServiceImpl) RecordCommit(b *types.Block) {
	s.latest.Store(b)
	s.hub.publish(b)
}

type statusResponse struct {
	NodeID    string `json:"node_id"`
	Moniker   string `json:"moniker"`
	ChainID   string `json:"chain_id"`
	Round     uint64 `json:"round"`
	Syncing   bool   `json:"syncing"`
	StateRoot string `json:"state_root,omitempty"`
}

func (s *NodeServiceImpl) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{
		NodeID:  s.nodeID,
		Moniker: s.moniker,
		ChainID: s.chainID,
	}
	if s.core != nil {
		resp.Round = s.core.Round()
	}
	if s.syncer != nil {
		resp.Syncing = !s.syncer.IsSynced()
	}
	if s.state != nil {
		if root, err := s.state.StateRoot(); err == nil {
			resp.StateRoot = root.String()
		}
	}

	writeJSON(w, resp)
}

type submitTxResponse struct {
	TxHash string `json:"tx_hash"`
	Code   int    `json:"code"`
	Log    string `json:"log"`
}

func (s *NodeServiceImpl) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Tx []byte `json:"tx"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(body.Tx) == 0 {
		http.Error(w, "tx is required", http.StatusBadRequest)
		return
	}
	if s.mempool == nil {
		http.Error(w, "mempool not available", http.StatusServiceUnavailable)
		return
	}

	txHash, err := s.mempool.AddTx(body.Tx)
	if err != nil {
		writeJSON(w, submitTxResponse{TxHash: txHash.String(), Code: 1, Log: err.Error()})
		return
	}
	writeJSON(w, submitTxResponse{TxHash: txHash.String(), Code: 0, Log: "ok"})
}

type blockResponse struct {
	Author    string `json:"author"`
	Round     uint64 `json:"round"`
	Digest    string `json:"digest"`
	QCRound   uint64 `json:"qc_round"`
	PayloadSz int    `json:"payload_size"`
}

func toBlockResponse(b *types.Block) (blockResponse, error) {
	digest, err := b.Digest()
	if err != nil {
		return blockResponse{}, err
	}
	resp := blockResponse{
		Author:    b.Author.String(),
		Round:     b.Round,
		Digest:    digest.String(),
		PayloadSz: len(b.Payload),
	}
	if b.QC != nil {
		resp.QCRound = b.QC.Round
	}
	return resp, nil
}

// handleGetBlock looks a block up by its digest (?digest=<hex>), or
// returns the most recently committed block when no digest is given.
// There is no height index here: blocks are addressed by content, and
// "latest" means "most recently committed", tracked by RecordCommit.
func (s *NodeServiceImpl) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	digestParam := r.URL.Query().Get("digest")
	if digestParam == "" {
		b := s.latest.Load()
		if b == nil {
			http.Error(w, "no committed blocks yet", http.StatusNotFound)
			return
		}
		resp, err := toBlockResponse(b)
		if err != nil {
			http.Error(w, "encode block: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, resp)
		return
	}

	digest, err := types.HashFromHex(digestParam)
	if err != nil {
		http.Error(w, "invalid digest", http.StatusBadRequest)
		return
	}
	if s.store == nil {
		http.Error(w, "store not available", http.StatusServiceUnavailable)
		return
	}
	b, ok, err := s.store.GetBlock(digest)
	if err != nil {
		http.Error(w, "read block: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "block not found", http.StatusNotFound)
		return
	}
	resp, err := toBlockResponse(b)
	if err != nil {
		http.Error(w, "encode block: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, resp)
}

// handleSubscribeBlocks streams newline-delimited JSON blocks as they
// commit, flushing after each so a client sees them as they arrive rather
// than buffered until the connection closes.
func (s *NodeServiceImpl) handleSubscribeBlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, cancel := s.hub.subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)

	for {
		select {
		case <-r.Context().Done():
			return
		case b, ok := <-ch:
			if !ok {
				return
			}
			resp, err := toBlockResponse(b)
			if err != nil {
				continue
			}
			if err := enc.Encode(resp); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type validatorsResponse struct {
	Members []string `json:"members"`
	F       int      `json:"f"`
	Quorum  int      `json:"quorum"`
}

func (s *NodeServiceImpl) handleGetValidators(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.committee == nil {
		http.Error(w, "committee not available", http.StatusServiceUnavailable)
		return
	}

	members := make([]string, len(s.committee.Members))
	for i, m := range s.committee.Members {
		members[i] = m.String()
	}
	writeJSON(w, validatorsResponse{
		Members: members,
		F:       s.committee.F(),
		Quorum:  s.committee.Quorum(),
	})
}

// blockHub fans out committed blocks to any number of active subscribers.
// A slow or absent subscriber never blocks commit delivery: publish drops
// on a full per-subscriber buffer rather than wait for it to drain.
type blockHub struct {
	mu   sync.Mutex
	subs map[chan *types.Block]struct{}
}

func newBlockHub() *blockHub {
	return &blockHub{subs: make(map[chan *types.Block]struct{})}
}

func (h *blockHub) subscribe() (<-chan *types.Block, func()) {
	ch := make(chan *types.Block, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *blockHub) publish(b *types.Block) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- b:
		default:
		}
	}
}
