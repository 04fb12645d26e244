package p2p

import (
	"context"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/echenim/bftnode/internal/crypto"
	"github.com/echenim/bftnode/internal/types"
)

// --- Test helpers ---

func makeTestSigner(t *testing.T) (types.PublicKey, *crypto.SigningService) {
	t.Helper()
	pub, priv, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return crypto.ToTypesPublicKey(pub), crypto.NewSigningService(priv)
}

func makeTestBlock(t *testing.T, round uint64) *types.Block {
	t.Helper()
	author, signer := makeTestSigner(t)
	qc := types.GenesisQC()
	b := &types.Block{
		Author:  author,
		Round:   round,
		QC:      &qc,
		Payload: types.Payload("payload-" + fmt.Sprint(round)),
	}
	digest, err := b.Digest()
	if err != nil {
		t.Fatalf("digest block: %v", err)
	}
	sig, err := signer.Sign(digest[:])
	if err != nil {
		t.Fatalf("sign block: %v", err)
	}
	b.Signature = sig
	return b
}

func makeTestVote(t *testing.T) *types.Vote {
	t.Helper()
	author, signer := makeTestSigner(t)
	var hash types.Hash
	copy(hash[:], []byte("test-block-digest-padded-to-32!"))

	vote := &types.Vote{Hash: hash, Round: 1, Author: author, Kind: types.VoteKindBlock}
	sig, err := signer.Sign(vote.SigningPayload())
	if err != nil {
		t.Fatalf("sign vote: %v", err)
	}
	vote.Signature = sig
	return vote
}

func makeTestSyncRequest(t *testing.T) *SyncRequest {
	t.Helper()
	author, _ := makeTestSigner(t)
	var digest types.Hash
	copy(digest[:], []byte("requested-block-digest-padded32"))
	return &SyncRequest{Digest: digest, Requester: author}
}

func makeTestHost(t *testing.T, port int) host.Host {
	t.Helper()
	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("generate libp2p key: %v", err)
	}
	addr, _ := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", port))
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(addr),
	)
	if err != nil {
		t.Fatalf("create host: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

// --- Protocol tests ---

func TestEncodeDecodeBlockRoundTrip(t *testing.T) {
	block := makeTestBlock(t, 1)

	data, err := EncodeBlock(block, MsgPropose)
	if err != nil {
		t.Fatalf("encode block: %v", err)
	}

	if data[0] != byte(MsgPropose) {
		t.Fatalf("expected type byte 0x%02x, got 0x%02x", MsgPropose, data[0])
	}

	msgType, decoded, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msgType != MsgPropose {
		t.Fatalf("expected MsgPropose, got %v", msgType)
	}

	b := decoded.(*types.Block)
	if b.Round != block.Round {
		t.Fatalf("round mismatch: got %d, want %d", b.Round, block.Round)
	}
	if b.Author != block.Author {
		t.Fatal("author mismatch")
	}
	if b.Signature != block.Signature {
		t.Fatal("signature mismatch")
	}
}

func TestEncodeDecodeSyncReplyRoundTrip(t *testing.T) {
	block := makeTestBlock(t, 2)

	data, err := EncodeBlock(block, MsgSyncReply)
	if err != nil {
		t.Fatalf("encode block: %v", err)
	}
	if data[0] != byte(MsgSyncReply) {
		t.Fatalf("expected type byte 0x%02x, got 0x%02x", MsgSyncReply, data[0])
	}

	msgType, decoded, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msgType != MsgSyncReply {
		t.Fatalf("expected MsgSyncReply, got %v", msgType)
	}
	if decoded.(*types.Block).Round != block.Round {
		t.Fatal("round mismatch")
	}
}

func TestEncodeDecodeVoteRoundTrip(t *testing.T) {
	vote := makeTestVote(t)

	data, err := EncodeVote(vote)
	if err != nil {
		t.Fatalf("encode vote: %v", err)
	}

	if data[0] != byte(MsgVote) {
		t.Fatalf("expected type byte 0x%02x, got 0x%02x", MsgVote, data[0])
	}

	msgType, decoded, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msgType != MsgVote {
		t.Fatalf("expected MsgVote, got %v", msgType)
	}

	v := decoded.(*types.Vote)
	if v.Hash != vote.Hash {
		t.Fatal("hash mismatch")
	}
	if v.Author != vote.Author {
		t.Fatal("author mismatch")
	}
	if v.Signature != vote.Signature {
		t.Fatal("signature mismatch")
	}
	if !v.Verify() {
		t.Fatal("decoded vote should verify")
	}
}

func TestEncodeDecodeSyncRequestRoundTrip(t *testing.T) {
	req := makeTestSyncRequest(t)

	data, err := EncodeSyncRequest(req)
	if err != nil {
		t.Fatalf("encode sync request: %v", err)
	}

	if data[0] != byte(MsgSyncRequest) {
		t.Fatalf("expected type byte 0x%02x, got 0x%02x", MsgSyncRequest, data[0])
	}

	msgType, decoded, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msgType != MsgSyncRequest {
		t.Fatalf("expected MsgSyncRequest, got %v", msgType)
	}

	got := decoded.(*SyncRequest)
	if got.Digest != req.Digest {
		t.Fatal("digest mismatch")
	}
	if got.Requester != req.Requester {
		t.Fatal("requester mismatch")
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	data := []byte{0xFF, 0x01, 0x02, 0x03}
	_, _, err := DecodeMessage(data)
	if err == nil {
		t.Fatal("expected error for unknown message type")
	}
}

func TestDecodeRejectsEmpty(t *testing.T) {
	_, _, err := DecodeMessage(nil)
	if err == nil {
		t.Fatal("expected error for nil data")
	}
	_, _, err = DecodeMessage([]byte{})
	if err == nil {
		t.Fatal("expected error for empty data")
	}
}

func TestDecodeRejectsOversize(t *testing.T) {
	data := make([]byte, MaxMessageSize+1)
	data[0] = byte(MsgVote)
	_, _, err := DecodeMessage(data)
	if err == nil {
		t.Fatal("expected error for oversize message")
	}
}

// --- Scoring tests ---

func TestScoringValidMessage(t *testing.T) {
	ps := NewPeerScoring()
	pid := peer.ID("test-peer")

	ps.RecordValidMessage(pid)
	ps.RecordValidMessage(pid)

	score := ps.Score(pid)
	if score != 2.0 {
		t.Fatalf("expected score 2.0, got %f", score)
	}
}

func TestScoringInvalidMessage(t *testing.T) {
	ps := NewPeerScoring()
	pid := peer.ID("test-peer")

	ps.RecordInvalidMessage(pid, "bad data")

	score := ps.Score(pid)
	if score != -10.0 {
		t.Fatalf("expected score -10.0, got %f", score)
	}
}

func TestScoringAutoBan(t *testing.T) {
	ps := NewPeerScoring()
	pid := peer.ID("test-peer")

	// 10 invalid messages = score -100 = auto-ban.
	for range 10 {
		ps.RecordInvalidMessage(pid, "spam")
	}

	if !ps.IsBanned(pid) {
		t.Fatal("expected peer to be auto-banned at -100 score")
	}
}

func TestScoringBanExpiry(t *testing.T) {
	ps := NewPeerScoring()
	pid := peer.ID("test-peer")

	// Ban for a tiny duration.
	ps.Ban(pid, "test", 1*time.Millisecond)
	if !ps.IsBanned(pid) {
		t.Fatal("expected peer to be banned")
	}

	time.Sleep(5 * time.Millisecond)
	if ps.IsBanned(pid) {
		t.Fatal("expected ban to have expired")
	}

	// CleanupExpiredBans should remove it.
	removed := ps.CleanupExpiredBans()
	if removed != 1 {
		t.Fatalf("expected 1 expired ban removed, got %d", removed)
	}
}

func TestScoringUnban(t *testing.T) {
	ps := NewPeerScoring()
	pid := peer.ID("test-peer")

	ps.Ban(pid, "test", 1*time.Hour)
	if !ps.IsBanned(pid) {
		t.Fatal("expected peer to be banned")
	}

	ps.Unban(pid)
	if ps.IsBanned(pid) {
		t.Fatal("expected peer to be unbanned")
	}

	// Score should be reset to 0.
	if score := ps.Score(pid); score != 0 {
		t.Fatalf("expected score 0 after unban, got %f", score)
	}
}

// --- Rate limiter tests ---

func TestRateLimiterAllows(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimitConfig())
	pid := peer.ID("test-peer")

	// First message should always be allowed (bucket starts full).
	if !rl.Allow(pid, MsgVote) {
		t.Fatal("expected first vote to be allowed")
	}
}

func TestRateLimiterBlocks(t *testing.T) {
	cfg := RateLimitConfig{
		ProposeRate:     1,
		VoteRate:        1,
		SyncRate:        1,
		GlobalRate:      2,
		BurstMultiplier: 1, // No burst — exactly 1 token.
	}
	rl := NewRateLimiter(cfg)
	pid := peer.ID("test-peer")

	// First message allowed.
	if !rl.Allow(pid, MsgVote) {
		t.Fatal("first vote should be allowed")
	}

	// Second immediate message should be blocked (type bucket exhausted).
	if rl.Allow(pid, MsgVote) {
		t.Fatal("second immediate vote should be blocked")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	cfg := RateLimitConfig{
		ProposeRate:     100, // 100/s = refills fast
		VoteRate:        100,
		SyncRate:        100,
		GlobalRate:      200,
		BurstMultiplier: 1,
	}
	rl := NewRateLimiter(cfg)
	pid := peer.ID("test-peer")

	// Drain the bucket.
	rl.Allow(pid, MsgVote)

	// Wait a bit for refill.
	time.Sleep(20 * time.Millisecond)

	// Should be allowed again after refill.
	if !rl.Allow(pid, MsgVote) {
		t.Fatal("expected vote to be allowed after refill")
	}
}

func TestRateLimiterPerType(t *testing.T) {
	cfg := RateLimitConfig{
		ProposeRate:     1,
		VoteRate:        1,
		SyncRate:        1,
		GlobalRate:      100, // High global limit.
		BurstMultiplier: 1,
	}
	rl := NewRateLimiter(cfg)
	pid := peer.ID("test-peer")

	// Use up propose bucket.
	rl.Allow(pid, MsgPropose)

	// Propose blocked, but vote should still work (different type bucket).
	if rl.Allow(pid, MsgPropose) {
		t.Fatal("second propose should be blocked")
	}
	if !rl.Allow(pid, MsgVote) {
		t.Fatal("vote should be allowed (separate bucket)")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimitConfig())
	pid := peer.ID("old-peer")
	rl.Allow(pid, MsgVote)

	// Cleanup with zero stale duration — should remove the peer.
	removed := rl.Cleanup(0)
	if removed != 1 {
		t.Fatalf("expected 1 stale peer removed, got %d", removed)
	}
}

// --- Peer manager tests ---

func TestPeerManagerAddRemove(t *testing.T) {
	pm := NewPeerManager(10, NewPeerScoring())

	pid := peer.ID("test-peer-1")
	pm.AddPeer(&PeerInfo{ID: pid, Direction: Inbound})

	if pm.PeerCount() != 1 {
		t.Fatalf("expected 1 peer, got %d", pm.PeerCount())
	}

	peers := pm.ConnectedPeers()
	if len(peers) != 1 || peers[0] != pid {
		t.Fatal("ConnectedPeers mismatch")
	}

	pm.RemovePeer(pid)
	if pm.PeerCount() != 0 {
		t.Fatalf("expected 0 peers after remove, got %d", pm.PeerCount())
	}
}

func TestPeerManagerMaxPeers(t *testing.T) {
	pm := NewPeerManager(2, NewPeerScoring())

	pm.AddPeer(&PeerInfo{ID: peer.ID("p1"), Direction: Inbound})
	pm.AddPeer(&PeerInfo{ID: peer.ID("p2"), Direction: Inbound})

	// At max peers, should reject new connections.
	if pm.ShouldAcceptConnection(peer.ID("p3"), network.DirInbound) {
		t.Fatal("should reject when at max peers")
	}

	// Already connected peer should still be accepted.
	if !pm.ShouldAcceptConnection(peer.ID("p1"), network.DirInbound) {
		t.Fatal("already connected peer should be accepted")
	}
}

func TestPeerManagerValidatorPriority(t *testing.T) {
	scoring := NewPeerScoring()
	pm := NewPeerManager(2, scoring)

	pm.AddPeer(&PeerInfo{ID: peer.ID("p1"), Direction: Inbound})
	pm.AddPeer(&PeerInfo{ID: peer.ID("p2"), Direction: Inbound, IsValidator: true})

	// Give p1 a low score.
	scoring.RecordInvalidMessage(peer.ID("p1"), "bad")

	worst := pm.EvictWorstPeer()
	if worst != peer.ID("p1") {
		t.Fatalf("expected p1 to be evicted (non-validator, low score), got %s", worst)
	}
}

func TestPeerManagerBannedRejected(t *testing.T) {
	scoring := NewPeerScoring()
	pm := NewPeerManager(10, scoring)

	pid := peer.ID("bad-peer")
	scoring.Ban(pid, "malicious", 1*time.Hour)

	if pm.ShouldAcceptConnection(pid, network.DirInbound) {
		t.Fatal("banned peer should be rejected")
	}
}

func TestPeerManagerMarkValidator(t *testing.T) {
	pm := NewPeerManager(10, NewPeerScoring())
	pid := peer.ID("validator-1")
	pm.AddPeer(&PeerInfo{ID: pid, Direction: Outbound})

	var addr types.Address
	copy(addr[:], []byte("validator-address-padded-to-32!"))
	pm.MarkValidator(pid, addr)

	info, ok := pm.GetPeer(pid)
	if !ok {
		t.Fatal("peer not found")
	}
	if !info.IsValidator {
		t.Fatal("expected peer to be marked as validator")
	}
	if info.ValidatorAddr != addr {
		t.Fatal("validator address mismatch")
	}
}

func TestPeerManagerOutboundCount(t *testing.T) {
	pm := NewPeerManager(10, NewPeerScoring())
	pm.AddPeer(&PeerInfo{ID: peer.ID("in1"), Direction: Inbound})
	pm.AddPeer(&PeerInfo{ID: peer.ID("out1"), Direction: Outbound})
	pm.AddPeer(&PeerInfo{ID: peer.ID("out2"), Direction: Outbound})

	if pm.OutboundCount() != 2 {
		t.Fatalf("expected 2 outbound, got %d", pm.OutboundCount())
	}
}

// --- Scoring additional tests ---

func TestScoringBannedCount(t *testing.T) {
	ps := NewPeerScoring()
	ps.Ban(peer.ID("p1"), "test", 1*time.Hour)
	ps.Ban(peer.ID("p2"), "test", 1*time.Hour)

	if ps.BannedCount() != 2 {
		t.Fatalf("expected 2 banned, got %d", ps.BannedCount())
	}
}

// --- Discovery tests ---

func TestParseSeedAddrs(t *testing.T) {
	// Create a valid peer ID for testing.
	priv, _, _ := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	pid, _ := peer.IDFromPrivateKey(priv)

	addrs := []string{
		fmt.Sprintf("/ip4/127.0.0.1/tcp/26656/p2p/%s", pid),
	}

	infos, err := ParseSeedAddrs(addrs)
	if err != nil {
		t.Fatalf("parse seed addrs: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 addr info, got %d", len(infos))
	}
	if infos[0].ID != pid {
		t.Fatal("peer ID mismatch")
	}
}

func TestParseSeedAddrsInvalid(t *testing.T) {
	// Invalid multiaddr.
	_, err := ParseSeedAddrs([]string{"not-a-multiaddr"})
	if err == nil {
		t.Fatal("expected error for invalid multiaddr")
	}

	// Valid multiaddr but missing /p2p/ component.
	_, err = ParseSeedAddrs([]string{"/ip4/127.0.0.1/tcp/26656"})
	if err == nil {
		t.Fatal("expected error for multiaddr without p2p component")
	}
}

// --- MessageType String tests ---

func TestMessageTypeString(t *testing.T) {
	tests := []struct {
		mt   MessageType
		want string
	}{
		{MsgPropose, "propose"},
		{MsgVote, "vote"},
		{MsgSyncRequest, "sync_request"},
		{MsgSyncReply, "sync_reply"},
		{MessageType(0xFF), "unknown(0xff)"},
	}
	for _, tt := range tests {
		if got := tt.mt.String(); got != tt.want {
			t.Errorf("MessageType(%d).String() = %q, want %q", tt.mt, got, tt.want)
		}
	}
}

// --- Envelope tests ---

func TestEnvelopeEncodeDecode(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	env := &Envelope{Type: MsgVote, Payload: payload}

	data := env.Encode()
	if len(data) != 4 {
		t.Fatalf("encoded length = %d, want 4", len(data))
	}
	if data[0] != byte(MsgVote) {
		t.Fatalf("type byte = 0x%02x, want 0x%02x", data[0], MsgVote)
	}

	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if decoded.Type != MsgVote {
		t.Fatalf("decoded type = %v, want %v", decoded.Type, MsgVote)
	}
	if len(decoded.Payload) != 3 {
		t.Fatalf("decoded payload length = %d, want 3", len(decoded.Payload))
	}
}

// --- Host integration tests ---

func TestHostStartStop(t *testing.T) {
	pub, priv, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	_ = pub

	ctx := context.Background()
	bh, err := NewHost(ctx, HostConfig{
		PrivateKey: priv,
		ListenAddr: "/ip4/127.0.0.1/tcp/0",
		MaxPeers:   10,
	})
	if err != nil {
		t.Fatalf("create host: %v", err)
	}

	if err := bh.Start(ctx); err != nil {
		t.Fatalf("start host: %v", err)
	}

	// Verify host has a peer ID and addresses.
	if bh.ID() == "" {
		t.Fatal("host should have a peer ID")
	}
	if len(bh.Addrs()) == 0 {
		t.Fatal("host should have listen addresses")
	}

	if err := bh.Stop(); err != nil {
		t.Fatalf("stop host: %v", err)
	}
}

// recordingDispatcher captures decoded inbound messages for assertions.
type recordingDispatcher struct {
	proposes chan *types.Block
	votes    chan *types.Vote
	requests chan types.Hash
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{
		proposes: make(chan *types.Block, 16),
		votes:    make(chan *types.Vote, 16),
		requests: make(chan types.Hash, 16),
	}
}

func (d *recordingDispatcher) SubmitPropose(ctx context.Context, b *types.Block) error {
	d.proposes <- b
	return nil
}

func (d *recordingDispatcher) SubmitVote(ctx context.Context, v *types.Vote) error {
	d.votes <- v
	return nil
}

func (d *recordingDispatcher) SubmitSyncRequest(ctx context.Context, digest types.Hash, requester types.PublicKey) error {
	d.requests <- digest
	return nil
}

func TestTwoNodeGossipRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, priv1, _ := crypto.GenerateKeypair()
	_, priv2, _ := crypto.GenerateKeypair()

	host1, err := NewHost(ctx, HostConfig{
		PrivateKey: priv1,
		ListenAddr: "/ip4/127.0.0.1/tcp/0",
		MaxPeers:   10,
	})
	if err != nil {
		t.Fatalf("create host1: %v", err)
	}

	host2, err := NewHost(ctx, HostConfig{
		PrivateKey: priv2,
		ListenAddr: "/ip4/127.0.0.1/tcp/0",
		MaxPeers:   10,
	})
	if err != nil {
		t.Fatalf("create host2: %v", err)
	}

	if err := host1.Start(ctx); err != nil {
		t.Fatalf("start host1: %v", err)
	}
	if err := host2.Start(ctx); err != nil {
		t.Fatalf("start host2: %v", err)
	}
	defer host1.Stop()
	defer host2.Stop()

	self1, _, _ := crypto.GenerateKeypair()
	self2, _, _ := crypto.GenerateKeypair()
	transport1 := NewTransport(host1, crypto.ToTypesPublicKey(self1), nil)
	transport2 := NewTransport(host2, crypto.ToTypesPublicKey(self2), nil)

	disp2 := newRecordingDispatcher()
	transport2.SetDispatcher(disp2)

	if err := transport1.Start(ctx); err != nil {
		t.Fatalf("start transport1: %v", err)
	}
	defer transport1.Stop()
	if err := transport2.Start(ctx); err != nil {
		t.Fatalf("start transport2: %v", err)
	}
	defer transport2.Stop()

	// Connect host2 to host1.
	host1Info := peer.AddrInfo{
		ID:    host1.ID(),
		Addrs: host1.LibP2PHost().Addrs(),
	}
	if err := host2.LibP2PHost().Connect(ctx, host1Info); err != nil {
		t.Fatalf("connect host2 to host1: %v", err)
	}

	// Wait for GossipSub mesh to form (needs heartbeat cycles).
	time.Sleep(3 * time.Second)

	block := makeTestBlock(t, 1)
	if err := transport1.Broadcast(block); err != nil {
		t.Fatalf("broadcast block: %v", err)
	}

	select {
	case received := <-disp2.proposes:
		if received.Round != block.Round {
			t.Fatalf("block round mismatch: got %d, want %d", received.Round, block.Round)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for proposed block")
	}
}

func TestTransportUnicastVote(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pub1, priv1, _ := crypto.GenerateKeypair()
	pub2, priv2, _ := crypto.GenerateKeypair()

	host1, err := NewHost(ctx, HostConfig{PrivateKey: priv1, ListenAddr: "/ip4/127.0.0.1/tcp/0", MaxPeers: 10})
	if err != nil {
		t.Fatalf("create host1: %v", err)
	}
	host2, err := NewHost(ctx, HostConfig{PrivateKey: priv2, ListenAddr: "/ip4/127.0.0.1/tcp/0", MaxPeers: 10})
	if err != nil {
		t.Fatalf("create host2: %v", err)
	}
	if err := host1.Start(ctx); err != nil {
		t.Fatalf("start host1: %v", err)
	}
	if err := host2.Start(ctx); err != nil {
		t.Fatalf("start host2: %v", err)
	}
	defer host1.Stop()
	defer host2.Stop()

	transport1 := NewTransport(host1, crypto.ToTypesPublicKey(pub1), nil)
	transport2 := NewTransport(host2, crypto.ToTypesPublicKey(pub2), nil)
	disp2 := newRecordingDispatcher()
	transport2.SetDispatcher(disp2)

	if err := transport1.Start(ctx); err != nil {
		t.Fatalf("start transport1: %v", err)
	}
	defer transport1.Stop()
	if err := transport2.Start(ctx); err != nil {
		t.Fatalf("start transport2: %v", err)
	}
	defer transport2.Stop()

	host2Info := peer.AddrInfo{ID: host2.ID(), Addrs: host2.LibP2PHost().Addrs()}
	if err := host1.LibP2PHost().Connect(ctx, host2Info); err != nil {
		t.Fatalf("connect host1 to host2: %v", err)
	}

	vote := makeTestVote(t)
	if err := transport1.SendVote(vote, crypto.ToTypesPublicKey(pub2)); err != nil {
		t.Fatalf("send vote: %v", err)
	}

	select {
	case received := <-disp2.votes:
		if received.Hash != vote.Hash {
			t.Fatal("vote hash mismatch")
		}
		if received.Author != vote.Author {
			t.Fatal("vote author mismatch")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for unicast vote")
	}
}

// recordingSyncReplyReceiver captures blocks delivered as sync replies,
// standing in for a *synchronizer.Synchronizer without importing it (which
// would cycle back through consensus).
type recordingSyncReplyReceiver struct {
	delivered chan *types.Block
}

func (r *recordingSyncReplyReceiver) Deliver(b *types.Block) error {
	r.delivered <- b
	return nil
}

func TestTransportRoutesSyncReplyToReceiverNotDispatcher(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pub1, priv1, _ := crypto.GenerateKeypair()
	pub2, priv2, _ := crypto.GenerateKeypair()

	host1, err := NewHost(ctx, HostConfig{PrivateKey: priv1, ListenAddr: "/ip4/127.0.0.1/tcp/0", MaxPeers: 10})
	if err != nil {
		t.Fatalf("create host1: %v", err)
	}
	host2, err := NewHost(ctx, HostConfig{PrivateKey: priv2, ListenAddr: "/ip4/127.0.0.1/tcp/0", MaxPeers: 10})
	if err != nil {
		t.Fatalf("create host2: %v", err)
	}
	if err := host1.Start(ctx); err != nil {
		t.Fatalf("start host1: %v", err)
	}
	if err := host2.Start(ctx); err != nil {
		t.Fatalf("start host2: %v", err)
	}
	defer host1.Stop()
	defer host2.Stop()

	transport1 := NewTransport(host1, crypto.ToTypesPublicKey(pub1), nil)
	transport2 := NewTransport(host2, crypto.ToTypesPublicKey(pub2), nil)

	disp2 := newRecordingDispatcher()
	transport2.SetDispatcher(disp2)
	recv2 := &recordingSyncReplyReceiver{delivered: make(chan *types.Block, 1)}
	transport2.SetSyncReplyReceiver(recv2)

	if err := transport1.Start(ctx); err != nil {
		t.Fatalf("start transport1: %v", err)
	}
	defer transport1.Stop()
	if err := transport2.Start(ctx); err != nil {
		t.Fatalf("start transport2: %v", err)
	}
	defer transport2.Stop()

	host2Info := peer.AddrInfo{ID: host2.ID(), Addrs: host2.LibP2PHost().Addrs()}
	if err := host1.LibP2PHost().Connect(ctx, host2Info); err != nil {
		t.Fatalf("connect host1 to host2: %v", err)
	}

	block := makeTestBlock(t, 1)
	if err := transport1.SendSyncReply(block, crypto.ToTypesPublicKey(pub2)); err != nil {
		t.Fatalf("send sync reply: %v", err)
	}

	select {
	case received := <-recv2.delivered:
		if received.Round != block.Round {
			t.Fatalf("block round mismatch: got %d, want %d", received.Round, block.Round)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sync reply delivery")
	}

	select {
	case <-disp2.proposes:
		t.Fatal("sync reply must not be routed to the propose dispatcher")
	default:
	}
}
