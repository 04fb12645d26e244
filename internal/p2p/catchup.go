package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/network"

	"github.com/echenim/bftnode/internal/codec"
	"github.com/echenim/bftnode/internal/mempool"
	"github.com/echenim/bftnode/internal/storage"
	bsync "github.com/echenim/bftnode/internal/sync"
	"github.com/echenim/bftnode/internal/types"
	"go.uber.org/zap"
)

// catchupProtocol is a separate stream protocol from unicastProtocol: the
// consensus wire messages are one-shot sends, while catch-up is a
// request/response exchange the caller blocks on, so it gets its own
// handler rather than overloading the envelope framing in protocol.go.
const catchupProtocol = "/bftnode/catchup/v1"

const maxCatchupMessageSize = 16 * 1024 * 1024

type catchupReqKind byte

const (
	reqGetBlock catchupReqKind = iota + 1
	reqLatestRound
	reqTransactions
)

type catchupRequest struct {
	Kind    catchupReqKind `cbor:"kind"`
	Round   uint64         `cbor:"round,omitempty"`
	Payload types.Payload  `cbor:"payload,omitempty"`
}

type catchupResponse struct {
	Found bool                       `cbor:"found"`
	Error string                     `cbor:"error,omitempty"`
	Block *types.Block               `cbor:"block,omitempty"`
	QC    *types.QuorumCertificate   `cbor:"qc,omitempty"`
	Round uint64                     `cbor:"round,omitempty"`
	Txs   [][]byte                   `cbor:"txs,omitempty"`
}

// CatchupServer answers a peer's bulk catch-up requests from this
// replica's own durable state: the committed-round index for block and
// round lookups, the mempool for resolving a payload's transaction
// bodies. Registered as a stream handler on the Host alongside the
// consensus unicast handler.
type CatchupServer struct {
	store   *storage.BlockStore
	mempool *mempool.Mempool
	logger  *zap.Logger
}

// NewCatchupServer builds a catch-up responder over store and mempool.
func NewCatchupServer(store *storage.BlockStore, mp *mempool.Mempool, logger *zap.Logger) *CatchupServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatchupServer{store: store, mempool: mp, logger: logger}
}

// Register installs the server as h's stream handler for catchupProtocol.
func (cs *CatchupServer) Register(h *Host) {
	h.LibP2PHost().SetStreamHandler(catchupProtocol, cs.handleStream)
}

func (cs *CatchupServer) handleStream(s network.Stream) {
	defer s.Close()

	data, err := io.ReadAll(bufio.NewReader(io.LimitReader(s, maxCatchupMessageSize+1)))
	if err != nil {
		cs.logger.Debug("catchup: read request failed", zap.Error(err))
		return
	}

	var req catchupRequest
	if err := codec.Unmarshal(data, &req); err != nil {
		cs.logger.Debug("catchup: decode request failed", zap.Error(err))
		return
	}

	resp := cs.answer(&req)
	out, err := codec.Marshal(resp)
	if err != nil {
		cs.logger.Warn("catchup: encode response failed", zap.Error(err))
		return
	}
	if _, err := s.Write(out); err != nil {
		cs.logger.Debug("catchup: write response failed", zap.Error(err))
	}
}

func (cs *CatchupServer) answer(req *catchupRequest) *catchupResponse {
	switch req.Kind {
	case reqGetBlock:
		b, ok, err := cs.store.GetBlockByRound(req.Round)
		if err != nil {
			return &catchupResponse{Error: err.Error()}
		}
		if !ok {
			return &catchupResponse{Found: false}
		}
		return &catchupResponse{Found: true, Block: b, QC: b.QC}
	case reqLatestRound:
		round, ok, err := cs.store.LatestCommittedRound()
		if err != nil {
			return &catchupResponse{Error: err.Error()}
		}
		return &catchupResponse{Found: ok, Round: round}
	case reqTransactions:
		if cs.mempool == nil {
			return &catchupResponse{Error: "mempool not available"}
		}
		txs, err := cs.mempool.ResolvePayload(req.Payload)
		if err != nil {
			return &catchupResponse{Error: err.Error()}
		}
		return &catchupResponse{Found: true, Txs: txs}
	default:
		return &catchupResponse{Error: fmt.Sprintf("catchup: unknown request kind %d", req.Kind)}
	}
}

// CatchupClient implements sync.BlockProvider by sending each catch-up
// request to the committee members in list order (skipping self) over
// direct libp2p streams, moving on to the next member whenever one doesn't
// answer.
type CatchupClient struct {
	transport *Transport
	committee *types.Committee
	self      types.PublicKey
	logger    *zap.Logger
}

var _ bsync.BlockProvider = (*CatchupClient)(nil)

// NewCatchupClient builds a BlockProvider that queries committee members
// other than self through t.
func NewCatchupClient(t *Transport, committee *types.Committee, self types.PublicKey, logger *zap.Logger) *CatchupClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatchupClient{transport: t, committee: committee, self: self, logger: logger}
}

func (c *CatchupClient) ask(ctx context.Context, req *catchupRequest) (*catchupResponse, error) {
	data, err := codec.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("p2p: encode catchup request: %w", err)
	}

	var lastErr error
	for _, peer := range c.committee.Members {
		if peer == c.self {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		resp, err := c.roundTrip(ctx, peer, data)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Error != "" {
			lastErr = errors.New(resp.Error)
			continue
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = errors.New("p2p: no committee peer answered catch-up request")
	}
	return nil, lastErr
}

func (c *CatchupClient) roundTrip(ctx context.Context, peer types.PublicKey, data []byte) (*catchupResponse, error) {
	pid, err := peerIDFor(peer)
	if err != nil {
		return nil, fmt.Errorf("p2p: resolve peer id for %s: %w", peer, err)
	}
	s, err := c.transport.host.LibP2PHost().NewStream(ctx, pid, catchupProtocol)
	if err != nil {
		return nil, fmt.Errorf("p2p: open catchup stream to %s: %w", peer, err)
	}
	defer s.Close()

	if _, err := s.Write(data); err != nil {
		return nil, fmt.Errorf("p2p: write catchup request: %w", err)
	}
	if err := s.CloseWrite(); err != nil {
		return nil, fmt.Errorf("p2p: close catchup write side: %w", err)
	}

	out, err := io.ReadAll(bufio.NewReader(io.LimitReader(s, maxCatchupMessageSize+1)))
	if err != nil {
		return nil, fmt.Errorf("p2p: read catchup response: %w", err)
	}

	var resp catchupResponse
	if err := codec.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("p2p: decode catchup response: %w", err)
	}
	return &resp, nil
}

// GetBlock implements sync.BlockProvider.
func (c *CatchupClient) GetBlock(ctx context.Context, round uint64) (*types.Block, *types.QuorumCertificate, error) {
	resp, err := c.ask(ctx, &catchupRequest{Kind: reqGetBlock, Round: round})
	if err != nil {
		return nil, nil, err
	}
	if !resp.Found {
		return nil, nil, fmt.Errorf("p2p: round %d not found on any peer", round)
	}
	return resp.Block, resp.QC, nil
}

// GetLatestRound implements sync.BlockProvider.
func (c *CatchupClient) GetLatestRound(ctx context.Context) (uint64, error) {
	resp, err := c.ask(ctx, &catchupRequest{Kind: reqLatestRound})
	if err != nil {
		return 0, err
	}
	return resp.Round, nil
}

// GetStateSnapshot implements sync.BlockProvider. Snapshot/state sync has
// no wire support here: the durable KV store exposes no enumeration
// primitive to serve a bulk key range over, only point Get/Put, so a
// replica that falls more than snapshotThreshold rounds behind fails
// catch-up rather than silently skipping state. Small committees and
// devnets are not expected to fall that far behind live consensus.
func (c *CatchupClient) GetStateSnapshot(ctx context.Context, round uint64) (types.Hash, map[string][]byte, error) {
	return types.ZeroHash, nil, errors.New("p2p: state snapshot sync is not supported by this transport")
}

// GetTransactions implements sync.BlockProvider.
func (c *CatchupClient) GetTransactions(ctx context.Context, payload types.Payload) ([][]byte, error) {
	resp, err := c.ask(ctx, &catchupRequest{Kind: reqTransactions, Payload: payload})
	if err != nil {
		return nil, err
	}
	return resp.Txs, nil
}
