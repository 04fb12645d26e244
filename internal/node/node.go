// Package node wires every subsystem — storage, execution, mempool,
// consensus, networking, catch-up sync, and the external RPC/admin
// surfaces — into one replica process, in dependency order.
package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/echenim/bftnode/internal/admin"
	"github.com/echenim/bftnode/internal/aggregator"
	"github.com/echenim/bftnode/internal/config"
	"github.com/echenim/bftnode/internal/consensus"
	"github.com/echenim/bftnode/internal/crypto"
	"github.com/echenim/bftnode/internal/execution"
	"github.com/echenim/bftnode/internal/leader"
	"github.com/echenim/bftnode/internal/mempool"
	"github.com/echenim/bftnode/internal/p2p"
	"github.com/echenim/bftnode/internal/rpc"
	"github.com/echenim/bftnode/internal/storage"
	bsync "github.com/echenim/bftnode/internal/sync"
	"github.com/echenim/bftnode/internal/synchronizer"
	"github.com/echenim/bftnode/internal/telemetry"
	"github.com/echenim/bftnode/internal/timer"
	"github.com/echenim/bftnode/internal/types"
	"go.uber.org/zap"
)

// timerFireBuffer sizes the pacemaker's shared timer-fire channel. A
// single-digit committee never has more than a couple of timers in
// flight at once.
const timerFireBuffer = 100

// Node is the top-level replica process: it owns every subsystem and
// drives their lifecycle together.
type Node struct {
	cfg       *config.Config
	privKey   crypto.PrivateKey
	self      types.PublicKey
	committee *types.Committee
	nodeID    string

	kv         storage.KV
	blockStore *storage.BlockStore
	stateStore *execution.KVStateStore
	executor   execution.Adapter
	mempool    *mempool.Mempool

	timers     *timer.Manager
	aggregator *aggregator.Aggregator
	leader     *leader.Elector
	synch      *synchronizer.Synchronizer
	sigService *crypto.SigningService
	core       *consensus.Core

	host          *p2p.Host
	transport     *p2p.Transport
	catchupServer *p2p.CatchupServer
	catchupClient *p2p.CatchupClient
	syncer        *bsync.BlockSyncer

	rpcServer   *rpc.Server
	nodeService *rpc.NodeServiceImpl
	adminServer *admin.Server
	metrics     *telemetry.Metrics
	metricsSrv  *telemetry.MetricsServer
	svcMgr      *ServiceManager

	logger *zap.Logger

	// rootCtx roots every subsystem whose internal lifetime must outlive
	// Start's ctx argument (libp2p's GossipSub binds
	// its shutdown to the context it was constructed with, not to the
	// context of whichever call happens to invoke Start). Node owns it
	// independently of Start's ctx parameter and cancels it in Stop.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewNode creates and wires every subsystem without starting any of
// them.
func NewNode(cfg *config.Config, privKey crypto.PrivateKey, committee *types.Committee, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	sigService := crypto.NewSigningService(privKey)
	self := sigService.PublicKey()
	nodeID := nodeIDFromKey(self)
	logger = logger.With(zap.String("node_id", nodeID))

	if !committee.Contains(self) {
		return nil, fmt.Errorf("node: self %s is not a committee member", self)
	}

	// 1. Storage.
	kv, err := openKV(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("node: open storage: %w", err)
	}
	blockStore := storage.NewBlockStore(kv)
	stateStore := execution.NewKVStateStore(kv)

	// 2. Execution adapter.
	executor, err := execution.NewWASMAdapter(cfg.Execution, stateStore, logger.Named("execution"))
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("node: create execution adapter: %w", err)
	}

	// 3. Mempool. No NonceStore is wired: stateful nonce validation is
	// opt-in, and this tree has no account-nonce index yet.
	mp := mempool.NewMempool(cfg.Mempool, nil, logger.Named("mempool"))

	// 4. Metrics.
	metrics := telemetry.NopMetrics()
	var metricsSrv *telemetry.MetricsServer
	if cfg.Telemetry.Enabled {
		metrics = telemetry.NewMetrics("bftnode")
		metricsSrv = telemetry.NewMetricsServer(cfg.Telemetry.Addr, metrics, logger.Named("metrics"))
	}

	// 5. Pacemaker timer, vote aggregator, leader election.
	timers := timer.NewManager(timerFireBuffer)
	agg := aggregator.New(committee, committee.Quorum())
	elector := leader.New(committee)

	// 6. P2P host and transport. Host owns the long-lived rootCtx since
	// GossipSub's internal shutdown is bound to the context it was
	// constructed with, not to whatever ctx Start later receives.
	rootCtx, rootCancel := context.WithCancel(context.Background())
	p2pMetrics := p2p.NopMetrics()
	host, err := p2p.NewHost(rootCtx, p2p.HostConfig{
		PrivateKey:    []byte(privKey),
		ListenAddr:    cfg.P2P.ListenAddr,
		MaxPeers:      cfg.P2P.MaxPeers,
		Seeds:         cfg.P2P.Seeds,
		EnableScoring: cfg.P2P.PeerScoring,
		Logger:        logger.Named("p2p"),
		Metrics:       p2pMetrics,
	})
	if err != nil {
		rootCancel()
		executor.Close()
		kv.Close()
		return nil, fmt.Errorf("node: create p2p host: %w", err)
	}
	transport := p2p.NewTransport(host, self, logger.Named("p2p"))

	// 7. Synchronizer (reactive ancestor resolution for an in-flight
	// proposal) and catch-up provider (bulk round-indexed resync for a
	// replica that is altogether behind). Distinct concerns, see
	// internal/sync vs internal/synchronizer package docs.
	synch := synchronizer.New(blockStore, transport, nil, logger.Named("synchronizer"))

	catchupServer := p2p.NewCatchupServer(blockStore, mp, logger.Named("catchup"))
	catchupServer.Register(host)
	catchupClient := p2p.NewCatchupClient(transport, committee, self, logger.Named("catchup"))
	syncer := bsync.NewBlockSyncer(blockStore, stateStore, catchupClient, executor, committee, logger.Named("sync"))

	// 8. Consensus core.
	ccfg := consensus.Config{
		Self:             self,
		Committee:        committee,
		TimeoutDelay:     cfg.Consensus.TimeoutDelay.Duration,
		Store:            blockStore,
		SignatureService: sigService,
		Leader:           elector,
		Mempool:          mp,
		Synchronizer:     synch,
		Aggregator:       agg,
		Timers:           timers,
		TimerFire:        timers.Fire(),
		Network:          transport,
		Recovery:         blockStore,
		Logger:           logger.Named("consensus"),
	}
	core, err := consensus.New(ccfg)
	if err != nil {
		host.Stop()
		rootCancel()
		executor.Close()
		kv.Close()
		return nil, fmt.Errorf("node: create consensus core: %w", err)
	}

	// Wire the loopback edges that would otherwise create an import
	// cycle: the mempool and the synchronizer each replay a block once
	// whatever they were blocked on arrives, and the network dispatches
	// decoded messages straight into the core. All three collaborators
	// were built before core existed, so each is wired via a setter.
	mp.SetLoopback(core)
	synch.SetLoopback(core)
	transport.SetDispatcher(core)
	transport.SetSyncReplyReceiver(synch)

	// 9. RPC server.
	rpcServer := rpc.NewServer(cfg.RPC, logger.Named("rpc"))
	nodeSvc := rpc.NewNodeService(rpc.NodeServiceConfig{
		Store:     blockStore,
		Mempool:   mp,
		Core:      core,
		Syncer:    syncer,
		State:     stateStore,
		Committee: committee,
		NodeID:    nodeID,
		Moniker:   cfg.Moniker,
		ChainID:   cfg.ChainID,
		Logger:    logger.Named("rpc"),
	})
	rpcServer.RegisterNodeService(nodeSvc)

	// 10. Admin server.
	adminSrv := admin.NewServer("127.0.0.1:26661", core, mp, syncer, logger.Named("admin"))

	return &Node{
		cfg:           cfg,
		privKey:       privKey,
		self:          self,
		committee:     committee,
		nodeID:        nodeID,
		kv:            kv,
		blockStore:    blockStore,
		stateStore:    stateStore,
		executor:      executor,
		mempool:       mp,
		timers:        timers,
		aggregator:    agg,
		leader:        elector,
		synch:         synch,
		sigService:    sigService,
		core:          core,
		host:          host,
		transport:     transport,
		catchupServer: catchupServer,
		catchupClient: catchupClient,
		syncer:        syncer,
		rpcServer:     rpcServer,
		nodeService:   nodeSvc,
		adminServer:   adminSrv,
		metrics:       metrics,
		metricsSrv:    metricsSrv,
		svcMgr:        NewServiceManager(logger.Named("services")),
		logger:        logger,
		rootCtx:       rootCtx,
		rootCancel:    rootCancel,
		done:          make(chan struct{}),
	}, nil
}

func openKV(cfg config.StorageConfig) (storage.KV, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemKV(), nil
	default:
		return storage.OpenPebble(cfg.DBPath)
	}
}

// Start boots every subsystem in dependency order: networking first, so
// the replica can hear from peers, then catch-up sync against the
// committee, then the consensus core's own event loop, then the
// external RPC/admin surfaces.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.logger.Info("node starting",
		zap.String("moniker", n.cfg.Moniker),
		zap.String("chain_id", n.cfg.ChainID),
	)

	if err := n.host.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("node: start p2p host: %w", err)
	}
	if err := n.transport.Start(ctx); err != nil {
		n.host.Stop()
		cancel()
		return fmt.Errorf("node: start p2p transport: %w", err)
	}

	if err := n.syncer.Start(ctx, n.core.Round()); err != nil {
		n.logger.Warn("initial catch-up sync failed, continuing from local state", zap.Error(err))
	}

	n.wg.Add(2)
	go n.runCore(ctx)
	go n.drainCommits(ctx)

	n.svcMgr.Add(n.rpcServer)
	n.svcMgr.Add(n.adminServer)
	if err := n.svcMgr.StartAll(ctx); err != nil {
		n.stopNetworking()
		cancel()
		return fmt.Errorf("node: start external services: %w", err)
	}

	if n.metricsSrv != nil {
		go n.metricsSrv.Start()
	}

	n.logger.Info("node started successfully", zap.String("rpc_addr", n.rpcServer.Addr()))
	return nil
}

// runCore drives the consensus core's event loop until ctx is cancelled.
func (n *Node) runCore(ctx context.Context) {
	defer n.wg.Done()
	if err := n.core.Run(ctx); err != nil && ctx.Err() == nil {
		n.logger.Error("consensus core stopped unexpectedly", zap.Error(err))
	}
}

// drainCommits applies each committed block to execution state, prunes
// its transactions from the mempool, advances the durable committed-
// round index, and fans the block out to RPC subscribers — every
// downstream effect of commitment, kept outside the core itself.
func (n *Node) drainCommits(ctx context.Context) {
	defer n.wg.Done()
	var prevRoot types.Hash
	var lastCommitAt time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-n.core.Commit():
			if !ok {
				return
			}
			n.applyCommit(b, &prevRoot, &lastCommitAt)
		}
	}
}

func (n *Node) applyCommit(b *types.Block, prevRoot *types.Hash, lastCommitAt *time.Time) {
	txs, err := n.mempool.ResolvePayload(b.Payload)
	if err != nil {
		n.logger.Error("resolve committed payload failed", zap.Uint64("round", b.Round), zap.Error(err))
		return
	}

	execStart := time.Now()
	result, err := n.executor.ExecuteBlock(b, txs, *prevRoot)
	if err != nil {
		n.logger.Error("execute committed block failed", zap.Uint64("round", b.Round), zap.Error(err))
		return
	}
	execLatency := time.Since(execStart)
	*prevRoot = result.StateRoot

	if err := n.blockStore.PutCommittedBlock(b); err != nil {
		n.logger.Error("persist committed block failed", zap.Uint64("round", b.Round), zap.Error(err))
	}
	if err := n.mempool.OnCommit(b); err != nil {
		n.logger.Error("prune committed transactions failed", zap.Uint64("round", b.Round), zap.Error(err))
	}
	n.nodeService.RecordCommit(b)

	n.metrics.ConsensusRound.Set(float64(b.Round))
	n.metrics.ConsensusHeight.Set(float64(b.Round))
	n.metrics.ExecutionLatency.Observe(execLatency.Seconds())
	n.metrics.BlockGasUsed.Observe(float64(result.GasUsed))
	n.metrics.MempoolSize.Set(float64(n.mempool.Size()))
	if !lastCommitAt.IsZero() {
		n.metrics.BlockTime.Observe(time.Since(*lastCommitAt).Seconds())
	}
	*lastCommitAt = time.Now()

	n.logger.Info("block committed",
		zap.Uint64("round", b.Round),
		zap.String("state_root", result.StateRoot.String()),
	)
}

func (n *Node) stopNetworking() {
	n.transport.Stop()
	n.host.Stop()
}

// Stop gracefully shuts down every subsystem in reverse dependency
// order.
func (n *Node) Stop() error {
	n.logger.Info("node stopping")

	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	if err := n.svcMgr.StopAll(); err != nil {
		n.logger.Warn("error stopping external services", zap.Error(err))
	}
	if n.metricsSrv != nil {
		n.metricsSrv.Stop()
	}

	n.stopNetworking()
	n.rootCancel()

	n.timers.StopAll()

	if n.executor != nil {
		n.executor.Close()
	}
	if n.kv != nil {
		n.kv.Close()
	}

	n.logger.Info("node stopped")
	close(n.done)
	return nil
}

// Wait blocks until the node is stopped.
func (n *Node) Wait() error {
	<-n.done
	return nil
}

// BlockStore returns the node's block store (for testing).
func (n *Node) BlockStore() *storage.BlockStore {
	return n.blockStore
}

// Core returns the consensus core (for testing).
func (n *Node) Core() *consensus.Core {
	return n.core
}

// RPCServer returns the RPC server (for testing).
func (n *Node) RPCServer() *rpc.Server {
	return n.rpcServer
}

func nodeIDFromKey(pub types.PublicKey) string {
	addr := crypto.AddressFromPubKey(crypto.PublicKey(pub[:]))
	return hex.EncodeToString(addr[:8])
}
