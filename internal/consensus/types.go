// Package consensus is the replica's decision engine: a single
// cooperatively-scheduled core that validates proposals, enforces the
// HotStuff-style three-chain safety rules, aggregates votes into quorum
// and timeout certificates, drives round progression through a
// pacemaker, and emits committed blocks downstream.
//
// The core treats everything around it — storage, the mempool, the
// synchronizer, the network, signing, timers, leader election — as a
// narrow external collaborator reachable only through the interfaces
// declared in this file. That boundary is what keeps the core itself
// single-threaded and lock-free: nothing outside this package ever
// touches Core's fields directly.
package consensus

import (
	"strconv"
	"time"

	"github.com/echenim/bftnode/internal/storage"
	"github.com/echenim/bftnode/internal/types"
	"go.uber.org/zap"
)

// MessageKind discriminates the four variants the core's inbound channel
// carries.
type MessageKind int

const (
	MsgPropose MessageKind = iota
	MsgVote
	MsgLoopBack
	MsgSyncRequest
)

func (k MessageKind) String() string {
	switch k {
	case MsgPropose:
		return "propose"
	case MsgVote:
		return "vote"
	case MsgLoopBack:
		return "loopback"
	case MsgSyncRequest:
		return "sync_request"
	default:
		return "unknown"
	}
}

// Message is the tagged union the core's inbound channel delivers.
// Exactly one payload field is populated, selected by Kind.
type Message struct {
	Kind MessageKind

	Block *types.Block // MsgPropose, MsgLoopBack
	Vote  *types.Vote  // MsgVote

	SyncDigest    types.Hash      // MsgSyncRequest
	SyncRequester types.PublicKey // MsgSyncRequest
}

// Ancestors is the three-block window the synchronizer resolves for a
// block under consideration: b0 <- qc0; b1 <- qc1; b2 <- qc2; b (the
// block being processed, carried separately).
type Ancestors struct {
	B0, B1, B2 *types.Block
}

// Mempool is the core's payload collaborator.
type Mempool interface {
	// GetPayload returns an opaque batch identifier to embed in a new
	// proposal. Must not block indefinitely.
	GetPayload() (types.Payload, error)
	// Ready reports whether p's contents are locally available. If
	// false, the mempool commits to re-injecting the dependent block via
	// loopback once the payload arrives.
	Ready(p types.Payload) bool
}

// Synchronizer is the core's ancestor-resolution collaborator.
type Synchronizer interface {
	// GetAncestors returns the three immediate ancestors of b, or
	// (nil, false, nil) if any are still missing — in which case the
	// synchronizer commits to fetching them and eventually replaying b
	// via loopback. The fetched ancestors are stored, not replayed; only
	// the blocks that were waiting on them go back through loopback.
	GetAncestors(b *types.Block) (*Ancestors, bool, error)
}

// LeaderElector is the core's leader-election collaborator: a pure,
// deterministic function from round to replica identity.
type LeaderElector interface {
	Leader(round uint64) types.PublicKey
}

// SignatureService is the core's signing collaborator.
type SignatureService interface {
	Sign(payload []byte) (types.Signature, error)
}

// Store is the core's durable content-addressed block store.
type Store interface {
	Read(digest types.Hash) ([]byte, bool, error)
	Write(digest types.Hash, data []byte) error
}

// Network is the core's outbound transport collaborator.
type Network interface {
	// Broadcast sends b to the entire committee.
	Broadcast(b *types.Block) error
	// SendVote unicasts v to recipient.
	SendVote(v *types.Vote, to types.PublicKey) error
	// SendSyncReply unicasts a stored block back to a peer that asked
	// for it.
	SendSyncReply(b *types.Block, to types.PublicKey) error
}

// TimerManager is the core's named one-shot timer collaborator.
type TimerManager interface {
	Schedule(delay time.Duration, id string)
	Cancel(id string)
}

// Aggregator accumulates votes and reports quorum completion. Unlike the
// other collaborators it is exclusively owned by the core: nothing
// else calls into it, so implementations need no internal locking, but
// it is still expressed as an interface to keep the core testable
// against fakes.
type Aggregator interface {
	AddVote(v *types.Vote) (quorum bool, votes []types.VoteSig, err error)
	Cleanup(belowRound uint64)
}

// RecoveryStore persists the small piece of round state that must
// survive a restart without risking equivocation against votes already
// cast before a crash (DESIGN.md decision 3). It is optional: a nil
// Config.Recovery means the replica always boots fresh at round 1, which
// is acceptable for tests and ephemeral nodes but not for a production
// replica sharing a committee with others.
type RecoveryStore interface {
	GetRecoveryState() (*storage.RecoveryState, bool, error)
	PutRecoveryState(rs *storage.RecoveryState) error
}

// Config assembles a Core. All collaborator fields except Recovery are
// required; New returns an error if any are nil.
type Config struct {
	Self      types.PublicKey
	Committee *types.Committee

	TimeoutDelay time.Duration

	Store             Store
	SignatureService  SignatureService
	Leader            LeaderElector
	Mempool           Mempool
	Synchronizer      Synchronizer
	Aggregator        Aggregator
	Timers            TimerManager
	TimerFire         <-chan string
	Network           Network
	Recovery          RecoveryStore
	Logger            *zap.Logger

	// InboundBufferSize bounds the core's inbound message channel
	// (roughly 1000 is a reasonable default). Zero selects the default.
	InboundBufferSize int
	// CommitBufferSize bounds the commit channel. Zero selects the
	// default.
	CommitBufferSize int
}

const (
	defaultInboundBuffer = 1000
	defaultCommitBuffer  = 64
)

func timerID(round uint64) string {
	return "round:" + strconv.FormatUint(round, 10)
}
