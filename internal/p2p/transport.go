package p2p

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/echenim/bftnode/internal/consensus"
	"github.com/echenim/bftnode/internal/synchronizer"
	"github.com/echenim/bftnode/internal/types"
	"go.uber.org/zap"
)

// unicastProtocol is the libp2p stream protocol used for point-to-point
// delivery: votes to the round's leader, and sync replies. Proposals and
// sync requests go out over gossip instead, since the sender doesn't
// know in advance who can answer them.
const unicastProtocol = "/bftnode/unicast/v1"

var (
	_ consensus.Network      = (*Transport)(nil)
	_ synchronizer.Requester = (*Transport)(nil)
)

// Dispatcher is what Transport hands decoded messages to once it has
// read them off the wire. consensus.Core satisfies it via its Submit*
// methods.
type Dispatcher interface {
	SubmitPropose(ctx context.Context, b *types.Block) error
	SubmitVote(ctx context.Context, v *types.Vote) error
	SubmitSyncRequest(ctx context.Context, digest types.Hash, requester types.PublicKey) error
}

// SyncReplyReceiver accepts a block delivered in answer to this
// replica's own earlier RequestBlock call. Routed separately from
// Dispatcher: a sync reply resolves one specific ancestor fetch the
// synchronizer is tracking, it is not a fresh proposal for the core to
// evaluate on its own terms. *synchronizer.Synchronizer satisfies this.
type SyncReplyReceiver interface {
	Deliver(b *types.Block) error
}

// Transport implements consensus.Network and synchronizer.Requester over
// a libp2p host. Proposals are flooded on the consensus gossip topic;
// sync requests are flooded on the sync topic since no single peer is
// known to hold the missing block; votes and sync replies are unicast
// over direct streams to a peer whose ID is derived from the Ed25519 key
// already used for consensus signing, so no separate key-to-peer-ID
// registry is needed.
type Transport struct {
	host    *Host
	self    types.PublicKey
	metrics *Metrics
	logger  *zap.Logger

	mu         sync.RWMutex
	dispatcher Dispatcher
	syncReply  SyncReplyReceiver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTransport wraps a started Host. self is this replica's own
// consensus public key, stamped on outgoing sync requests so replies
// know where to go.
func NewTransport(h *Host, self types.PublicKey, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := h.metrics
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Transport{host: h, self: self, metrics: metrics, logger: logger}
}

// SetDispatcher wires the recipient of decoded inbound messages. Must be
// called before Start; node wiring constructs Transport and the
// consensus core together, so this breaks the cycle between them.
func (t *Transport) SetDispatcher(d Dispatcher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dispatcher = d
}

// SetSyncReplyReceiver wires the recipient of inbound sync replies.
// Separate setter from SetDispatcher for the same construction-order
// reason: the synchronizer and the consensus core are built together by
// node wiring, neither before the other.
func (t *Transport) SetSyncReplyReceiver(r SyncReplyReceiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncReply = r
}

// Start joins the consensus and sync gossip topics, launches their read
// loops, and registers the unicast stream handler.
func (t *Transport) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.ctx = ctx
	t.cancel = cancel

	gossip := t.host.Gossip()
	consensusSub, err := t.joinAndSubscribe(gossip, TopicConsensus)
	if err != nil {
		cancel()
		return err
	}
	syncSub, err := t.joinAndSubscribe(gossip, TopicSync)
	if err != nil {
		cancel()
		return err
	}

	t.host.LibP2PHost().SetStreamHandler(unicastProtocol, t.handleStream)

	t.wg.Add(2)
	go t.readGossipLoop(ctx, consensusSub)
	go t.readGossipLoop(ctx, syncSub)

	return nil
}

func (t *Transport) joinAndSubscribe(gossip *GossipManager, topic string) (*pubsub.Subscription, error) {
	if _, err := gossip.JoinTopic(topic); err != nil {
		return nil, fmt.Errorf("p2p: join topic %s: %w", topic, err)
	}
	sub, err := gossip.Subscribe(topic)
	if err != nil {
		return nil, fmt.Errorf("p2p: subscribe topic %s: %w", topic, err)
	}
	return sub, nil
}

// Stop cancels the read loops and removes the stream handler.
func (t *Transport) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.host.LibP2PHost().RemoveStreamHandler(unicastProtocol)
	t.wg.Wait()
}

// Broadcast floods a proposed block to the whole committee over gossip.
func (t *Transport) Broadcast(b *types.Block) error {
	data, err := EncodeBlock(b, MsgPropose)
	if err != nil {
		return err
	}
	t.metrics.MessagesSent.WithLabelValues("propose").Inc()
	return t.host.Gossip().Publish(t.ctx, TopicConsensus, data)
}

// SendVote unicasts v to the replica identified by to, normally the
// round's leader.
func (t *Transport) SendVote(v *types.Vote, to types.PublicKey) error {
	data, err := EncodeVote(v)
	if err != nil {
		return err
	}
	t.metrics.MessagesSent.WithLabelValues("vote").Inc()
	return t.sendTo(to, data)
}

// SendSyncReply unicasts a block this replica had stored back to the
// peer whose sync request asked for it.
func (t *Transport) SendSyncReply(b *types.Block, to types.PublicKey) error {
	data, err := EncodeBlock(b, MsgSyncReply)
	if err != nil {
		return err
	}
	t.metrics.MessagesSent.WithLabelValues("sync_reply").Inc()
	return t.sendTo(to, data)
}

// RequestBlock asks the network for a block this replica is missing. No
// single peer is known to have it, so the request is flooded on the
// sync topic; whoever has the block answers directly via SendSyncReply.
func (t *Transport) RequestBlock(digest types.Hash) error {
	data, err := EncodeSyncRequest(&SyncRequest{Digest: digest, Requester: t.self})
	if err != nil {
		return err
	}
	t.metrics.MessagesSent.WithLabelValues("sync_request").Inc()
	return t.host.Gossip().Publish(t.ctx, TopicSync, data)
}

// peerIDFor derives a libp2p peer.ID from a replica's Ed25519 consensus
// public key, the same identity already used for signing, so no
// separate runtime table mapping consensus keys to peer IDs is needed.
func peerIDFor(pub types.PublicKey) (peer.ID, error) {
	libp2pPub, err := libp2pcrypto.UnmarshalEd25519PublicKey(pub[:])
	if err != nil {
		return "", fmt.Errorf("p2p: unmarshal peer public key: %w", err)
	}
	id, err := peer.IDFromPublicKey(libp2pPub)
	if err != nil {
		return "", fmt.Errorf("p2p: derive peer id: %w", err)
	}
	return id, nil
}

func (t *Transport) sendTo(to types.PublicKey, data []byte) error {
	pid, err := peerIDFor(to)
	if err != nil {
		return err
	}
	s, err := t.host.LibP2PHost().NewStream(t.ctx, pid, unicastProtocol)
	if err != nil {
		return fmt.Errorf("p2p: open stream to %s: %w", pid, err)
	}
	defer s.Close()
	if _, err := s.Write(data); err != nil {
		return fmt.Errorf("p2p: write stream to %s: %w", pid, err)
	}
	return s.CloseWrite()
}

func (t *Transport) handleStream(s network.Stream) {
	defer s.Close()
	data, err := io.ReadAll(bufio.NewReader(io.LimitReader(s, MaxMessageSize+1)))
	if err != nil {
		t.logger.Warn("p2p: read unicast stream failed", zap.Error(err))
		return
	}
	t.handleMessage(data)
}

func (t *Transport) readGossipLoop(ctx context.Context, sub *pubsub.Subscription) {
	defer t.wg.Done()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("p2p: gossip read failed", zap.Error(err))
			return
		}
		if msg.ReceivedFrom == t.host.ID() {
			continue
		}
		t.handleMessage(msg.Data)
	}
}

func (t *Transport) handleMessage(data []byte) {
	t.mu.RLock()
	d := t.dispatcher
	sr := t.syncReply
	t.mu.RUnlock()
	if d == nil {
		return
	}

	kind, payload, err := DecodeMessage(data)
	if err != nil {
		t.metrics.MessagesRejected.WithLabelValues("decode_error").Inc()
		t.logger.Debug("p2p: decode message failed", zap.Error(err))
		return
	}

	switch kind {
	case MsgPropose:
		b := payload.(*types.Block)
		t.metrics.MessagesReceived.WithLabelValues("propose").Inc()
		if err := d.SubmitPropose(t.ctx, b); err != nil {
			t.logger.Warn("p2p: submit propose failed", zap.Error(err))
		}
	case MsgVote:
		v := payload.(*types.Vote)
		t.metrics.MessagesReceived.WithLabelValues("vote").Inc()
		if err := d.SubmitVote(t.ctx, v); err != nil {
			t.logger.Warn("p2p: submit vote failed", zap.Error(err))
		}
	case MsgSyncRequest:
		req := payload.(*SyncRequest)
		t.metrics.MessagesReceived.WithLabelValues("sync_request").Inc()
		if err := d.SubmitSyncRequest(t.ctx, req.Digest, req.Requester); err != nil {
			t.logger.Warn("p2p: submit sync request failed", zap.Error(err))
		}
	case MsgSyncReply:
		b := payload.(*types.Block)
		t.metrics.MessagesReceived.WithLabelValues("sync_reply").Inc()
		if sr == nil {
			t.logger.Warn("p2p: dropping sync reply, no receiver wired")
			return
		}
		if err := sr.Deliver(b); err != nil {
			t.logger.Warn("p2p: deliver sync reply failed", zap.Error(err))
		}
	default:
		t.logger.Warn("p2p: unhandled message type", zap.String("type", kind.String()))
	}
}
