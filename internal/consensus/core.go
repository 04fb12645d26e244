package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/echenim/bftnode/internal/storage"
	"github.com/echenim/bftnode/internal/types"
	"go.uber.org/zap"
)

// Core is the replica's single decision engine. Every field below is
// touched only from the goroutine running Run; external producers reach
// it exclusively through the Submit* methods and the Commit channel, all
// of which are safe for concurrent use precisely because they do nothing
// but send on channels Core itself owns and reads.
type Core struct {
	self      types.PublicKey
	committee *types.Committee
	quorum    int

	timeoutDelay time.Duration

	store        Store
	sigService   SignatureService
	leader       LeaderElector
	mempool      Mempool
	synchronizer Synchronizer
	aggregator   Aggregator
	timers       TimerManager
	timerFire    <-chan string
	network      Network
	recovery     RecoveryStore

	inbound  chan Message
	commitCh chan *types.Block

	logger *zap.Logger

	// round state. Invariants maintained throughout: highestQC.Round
	// < round, lastVotedRound <= round, preferredRound <= lastVotedRound.
	round              uint64
	lastVotedRound     uint64
	preferredRound     uint64
	highestQC          types.QuorumCertificate
	lastCommittedRound uint64

	// observedRound mirrors round for status reporting (admin/RPC) from
	// outside the Run goroutine; round itself stays unsynchronized since
	// only Run ever reads or writes it.
	observedRound atomic.Uint64
}

// New validates cfg and builds a Core, restoring round state from
// Recovery if one was supplied and it holds a prior record.
func New(cfg Config) (*Core, error) {
	if cfg.Committee == nil {
		return nil, errors.New("consensus: Config.Committee is required")
	}
	if !cfg.Committee.Contains(cfg.Self) {
		return nil, errors.New("consensus: Config.Self is not a committee member")
	}
	if cfg.Store == nil || cfg.SignatureService == nil || cfg.Leader == nil ||
		cfg.Mempool == nil || cfg.Synchronizer == nil || cfg.Aggregator == nil ||
		cfg.Timers == nil || cfg.TimerFire == nil || cfg.Network == nil {
		return nil, errors.New("consensus: Config is missing a required collaborator")
	}
	if cfg.TimeoutDelay <= 0 {
		return nil, errors.New("consensus: Config.TimeoutDelay must be positive")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	inboundSize := cfg.InboundBufferSize
	if inboundSize == 0 {
		inboundSize = defaultInboundBuffer
	}
	commitSize := cfg.CommitBufferSize
	if commitSize == 0 {
		commitSize = defaultCommitBuffer
	}

	c := &Core{
		self:         cfg.Self,
		committee:    cfg.Committee,
		quorum:       cfg.Committee.Quorum(),
		timeoutDelay: cfg.TimeoutDelay,
		store:        cfg.Store,
		sigService:   cfg.SignatureService,
		leader:       cfg.Leader,
		mempool:      cfg.Mempool,
		synchronizer: cfg.Synchronizer,
		aggregator:   cfg.Aggregator,
		timers:       cfg.Timers,
		timerFire:    cfg.TimerFire,
		network:      cfg.Network,
		recovery:     cfg.Recovery,
		inbound:      make(chan Message, inboundSize),
		commitCh:     make(chan *types.Block, commitSize),
		logger:       logger,
		round:        1,
		highestQC:    types.GenesisQC(),
	}

	if c.recovery != nil {
		rs, found, err := c.recovery.GetRecoveryState()
		if err != nil {
			return nil, fmt.Errorf("%w: consensus: load recovery state: %v", ErrStorage, err)
		}
		if found {
			c.round = rs.Round
			c.lastVotedRound = rs.LastVotedRound
			c.preferredRound = rs.PreferredRound
			if rs.HighestQC != nil {
				c.highestQC = *rs.HighestQC
			}
			logger.Info("consensus: restored recovery state",
				zap.Uint64("round", c.round),
				zap.Uint64("last_voted_round", c.lastVotedRound),
				zap.Uint64("preferred_round", c.preferredRound))
		}
	}
	c.observedRound.Store(c.round)

	return c, nil
}

// Self returns this replica's own committee identity.
func (c *Core) Self() types.PublicKey { return c.self }

// Round returns the round the core is currently in, safe to call from
// outside the Run goroutine (e.g. an admin/status endpoint).
func (c *Core) Round() uint64 { return c.observedRound.Load() }

// Commit returns the channel committed blocks are delivered on, in
// commit order. The caller must keep reading it; Core drops a commit
// notification (logging a warning) rather than block the core goroutine
// if the channel is full: commit delivery is best-effort, not itself
// persisted.
func (c *Core) Commit() <-chan *types.Block {
	return c.commitCh
}

// SubmitPropose delivers a peer's proposal to the core. Blocks if the
// inbound channel is full; callers should select against ctx.Done.
func (c *Core) SubmitPropose(ctx context.Context, b *types.Block) error {
	return c.submit(ctx, Message{Kind: MsgPropose, Block: b})
}

// SubmitVote delivers a peer's vote to the core.
func (c *Core) SubmitVote(ctx context.Context, v *types.Vote) error {
	return c.submit(ctx, Message{Kind: MsgVote, Vote: v})
}

// SubmitSyncRequest delivers a peer's request for a stored block.
func (c *Core) SubmitSyncRequest(ctx context.Context, digest types.Hash, requester types.PublicKey) error {
	return c.submit(ctx, Message{Kind: MsgSyncRequest, SyncDigest: digest, SyncRequester: requester})
}

func (c *Core) submit(ctx context.Context, msg Message) error {
	select {
	case c.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loopbackSend redelivers msg to the core's own inbound channel from a
// separate goroutine. A direct, synchronous send from within Run's own
// goroutine risks self-deadlock once the channel fills — unlike a
// cooperatively-scheduled async runtime, nothing else advances while this
// goroutine blocks on its own channel. Spawning the send lets Run keep
// draining inbound and unblock it.
func (c *Core) loopbackSend(msg Message) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("consensus: loopback send panicked", zap.Any("recover", r))
			}
		}()
		c.inbound <- msg
	}()
}

// Loopback redelivers b for re-processing as though it had just arrived
// from the network. Satisfies the synchronizer's LoopbackSender
// interface, letting it replay a block once the ancestor it was waiting
// on is fetched.
func (c *Core) Loopback(b *types.Block) {
	c.loopbackSend(Message{Kind: MsgLoopBack, Block: b})
}

// Run drives the core's event loop until ctx is cancelled. It must be
// called from exactly one goroutine.
func (c *Core) Run(ctx context.Context) error {
	if err := c.boot(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			c.timers.Cancel(timerID(c.round))
			return ctx.Err()
		case msg := <-c.inbound:
			c.dispatch(msg)
		case id := <-c.timerFire:
			c.onTimerFire(id)
		}
	}
}

// boot arms the timer for the current round (round 1 on a fresh start,
// the recovered round after a restart) and, if this replica is in round 1
// and leads it, immediately proposes the genesis successor.
func (c *Core) boot() error {
	c.timers.Schedule(c.timeoutDelay, timerID(c.round))
	if c.round == 1 && c.leader.Leader(1) == c.self {
		genesisQC := types.GenesisQC()
		return c.makeBlock(&genesisQC, nil, 1)
	}
	return nil
}

// dispatch classifies and handles one inbound message, logging and
// dropping anything that does not indicate a fatal local condition.
func (c *Core) dispatch(msg Message) {
	var err error
	switch msg.Kind {
	case MsgPropose:
		err = c.handlePropose(msg.Block)
	case MsgLoopBack:
		// A loopback replay is a block this replica already validated
		// once (its own proposal, or a peer's that passed handlePropose
		// before being deferred on a missing dependency); it goes
		// straight back into processing rather than through proposal
		// validation a second time.
		err = c.processBlock(msg.Block)
	case MsgVote:
		err = c.handleVote(msg.Vote)
	case MsgSyncRequest:
		err = c.handleSyncRequest(msg.SyncDigest, msg.SyncRequester)
	default:
		c.logger.Warn("consensus: dropping message of unknown kind", zap.Int("kind", int(msg.Kind)))
		return
	}
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, errNotReady):
		// Expected: a dependency (payload or ancestors) is still in
		// flight. The collaborator that owns it has already committed to
		// replaying this message via loopback.
	case errors.Is(err, ErrStorage):
		c.logger.Error("consensus: store I/O failed, dropping message", zap.String("kind", msg.Kind.String()), zap.Error(err))
	case errors.Is(err, ErrSerialization):
		c.logger.Error("consensus: store corrupted, dropping message", zap.String("kind", msg.Kind.String()), zap.Error(err))
	case errors.Is(err, ErrNetwork):
		c.abort(err)
	case errors.Is(err, ErrStructural), errors.Is(err, ErrAuthority),
		errors.Is(err, ErrCrypto), errors.Is(err, ErrEquivocation):
		c.logger.Warn("consensus: dropping message", zap.String("kind", msg.Kind.String()), zap.Error(err))
	default:
		c.logger.Warn("consensus: dropping message", zap.String("kind", msg.Kind.String()), zap.Error(err))
	}
}

// abort logs err as fatal and panics: this replica generated a message
// of its own (a proposal, a vote, a sync reply) and failed to get it
// onto the network. It can no longer participate and must stop rather
// than silently fall behind the rest of the committee.
func (c *Core) abort(err error) {
	c.logger.Fatal("consensus: fatal error, replica stopping", zap.Error(err))
	panic(err)
}

// persistRecovery durably records the replica's current round state.
// Called after the round state changes in memory and before any
// outbound vote is delivered; a nil Recovery
// collaborator makes this a no-op (accepted only for tests/ephemeral
// nodes, see RecoveryStore's doc comment).
func (c *Core) persistRecovery() error {
	if c.recovery == nil {
		return nil
	}
	qc := c.highestQC
	rs := &storage.RecoveryState{
		Round:          c.round,
		LastVotedRound: c.lastVotedRound,
		PreferredRound: c.preferredRound,
		HighestQC:      &qc,
	}
	if err := c.recovery.PutRecoveryState(rs); err != nil {
		return fmt.Errorf("%w: consensus: persist recovery state: %v", ErrStorage, err)
	}
	return nil
}

// deliverVote routes a freshly signed vote to the leader of round+1: to
// itself via loopback if this replica is that leader, over the network
// otherwise.
func (c *Core) deliverVote(v *types.Vote, nextLeader types.PublicKey) error {
	if nextLeader == c.self {
		c.loopbackSend(Message{Kind: MsgVote, Vote: v})
		return nil
	}
	if err := c.network.SendVote(v, nextLeader); err != nil {
		return fmt.Errorf("%w: send vote to %s: %v", ErrNetwork, nextLeader, err)
	}
	return nil
}
