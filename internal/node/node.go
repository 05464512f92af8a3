// Package node assembles storage, the chain, authorship, the bridges, RPC and
// P2P into one runnable node. It is embedded by the daemon and by the
// foreign boundary.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/metachain/config"
	"github.com/Klingon-tech/metachain/internal/authorship"
	"github.com/Klingon-tech/metachain/internal/bridge"
	"github.com/Klingon-tech/metachain/internal/chain"
	"github.com/Klingon-tech/metachain/internal/consensus"
	klog "github.com/Klingon-tech/metachain/internal/log"
	"github.com/Klingon-tech/metachain/internal/mempool"
	"github.com/Klingon-tech/metachain/internal/metrics"
	"github.com/Klingon-tech/metachain/internal/p2p"
	"github.com/Klingon-tech/metachain/internal/rpc"
	"github.com/Klingon-tech/metachain/internal/runtime"
	"github.com/Klingon-tech/metachain/internal/storage"
	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/crypto"
	"github.com/Klingon-tech/metachain/pkg/types"
)

const (
	evictInterval     = time.Minute
	syncCheckInterval = 10 * time.Second
	syncRequestTime   = 30 * time.Second
)

// ErrAlreadyRun is returned when Run is called on a node that already ran.
var ErrAlreadyRun = errors.New("node already ran")

// Options tune New for embedding.
type Options struct {
	// SkipLogInit keeps the caller's logger configuration.
	SkipLogInit bool
}

// Node is a fully wired node. New builds it, Run serves it until shutdown.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	db        storage.DB
	ch        *chain.Chain
	seal      *consensus.ManualSeal
	pool      *mempool.Pool
	authorKey *crypto.PrivateKey

	commands  *authorship.Channel
	engine    *authorship.Engine
	trigger   *authorship.Trigger
	minter    *bridge.Minter
	connector *bridge.Connector

	p2pNode   *p2p.Node
	syncer    *p2p.Syncer
	rpcServer *rpc.Server

	// Background tasks started outside Run's errgroup, such as syncs
	// triggered by gossip. Close cancels and waits for them.
	bgMu     sync.Mutex
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup

	syncing   atomic.Bool
	ran       atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New opens storage and wires every component. Nothing listens or runs
// until Run is called.
func New(cfg *config.Config, opts ...Options) (*Node, error) {
	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}

	if !opt.SkipLogInit {
		logFile := cfg.Log.File
		if logFile == "" {
			if err := os.MkdirAll(cfg.LogsDir(), 0755); err != nil {
				return nil, fmt.Errorf("creating logs dir: %w", err)
			}
			logFile = filepath.Join(cfg.LogsDir(), "metachain.log")
		}
		if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
			return nil, fmt.Errorf("initializing logger: %w", err)
		}
	}
	logger := klog.WithComponent("node")

	genesis := config.GenesisFor(cfg.Node.Network)
	if err := genesis.Validate(); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}
	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Node.Network)).
		Str("sealing", cfg.Authorship.Sealing).
		Msg("Starting Metachain node")

	db, err := storage.NewBadger(cfg.BlocksDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.BlocksDir(), err)
	}
	n := &Node{cfg: cfg, genesis: genesis, logger: logger, db: db}
	n.bgCtx, n.bgCancel = context.WithCancel(context.Background())
	if err := n.build(); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) build() error {
	cfg := n.cfg

	n.seal = consensus.NewManualSeal(consensus.ManualSealConfig{
		SlotDuration: cfg.Authorship.SlotDuration,
		Authorities:  cfg.AuthorityKeys(),
		RequireSeal:  cfg.Connect.RequireSeal,
	})
	if err := n.setupAuthorKey(); err != nil {
		return err
	}

	ch, err := chain.New(n.db, chain.Verifiers{n.seal, runtime.New()})
	if err != nil {
		return fmt.Errorf("create chain: %w", err)
	}
	n.ch = ch
	genesisBlock := runtime.GenesisBlock(n.genesis.ChainID, n.genesis.Timestamp, []byte(n.genesis.ExtraData))
	if err := ch.InitGenesis(genesisBlock); err != nil {
		return fmt.Errorf("init genesis: %w", err)
	}
	best := ch.BestBlock()
	n.logger.Info().
		Uint32("height", uint32(best.Number)).
		Str("hash", best.Hash.Short()).
		Str("genesis", ch.GenesisHash().Short()).
		Msg("Chain ready")

	n.pool = mempool.New(func(ext []byte) error {
		_, err := runtime.DecodeExtrinsic(ext)
		return err
	}, cfg.Mempool.MaxSize)
	n.pool.SetPolicy(&mempool.Policy{MaxExtrinsicSize: cfg.Mempool.MaxExtrinsicSize})

	mode, err := authorship.ParseSealingMode(cfg.Authorship.Sealing)
	if err != nil {
		return err
	}
	n.commands = authorship.NewChannel(cfg.Authorship.ChannelCapacity)
	proposer := runtime.NewProposer(n.seal, cfg.Authorship.MaxBlockExtrinsics)
	n.engine = authorship.NewEngine(n.commands, ch, proposer, n.pool, cfg.Authorship.MaxBlockExtrinsics)
	n.trigger = authorship.NewTrigger(mode, cfg.Authorship.BlockTime, n.commands, n.pool)
	n.minter = bridge.NewMinter(n.commands, ch, n.pool)
	n.connector = bridge.NewConnector(ch, bridge.ConnectConfig{TrustFinality: cfg.Connect.TrustFinality})

	if cfg.P2P.Enabled {
		n.setupP2P()
	}
	if cfg.RPC.Enabled {
		n.rpcServer = rpc.New(fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port), ch, n.pool, cfg.RPC)
		n.rpcServer.SetBridges(n.minter, n.connector)
		if cfg.Metrics.Enabled {
			n.rpcServer.EnableMetrics()
		}
		if n.p2pNode != nil {
			n.rpcServer.SetPeerCounter(n.p2pNode)
		}
	}

	ch.OnImport(n.onImport)
	metrics.SetBestNumber(uint32(best.Number))
	metrics.SetFinalizedNumber(uint32(ch.FinalizedBlock().Number))
	return nil
}

func (n *Node) setupAuthorKey() error {
	key, source, err := loadAuthorKey(n.cfg.Authorship)
	if err != nil {
		return fmt.Errorf("load author key: %w", err)
	}
	if key == nil {
		n.logger.Warn().Msg("No author key configured; authored blocks are unsigned")
		return nil
	}
	if err := n.seal.SetSigner(key); err != nil {
		if source == "dev" {
			// The dev key is a convenience, not a requirement.
			n.logger.Warn().Err(err).Msg("Dev key is not an authority; authored blocks are unsigned")
			key.Zero()
			return nil
		}
		key.Zero()
		return fmt.Errorf("author key: %w", err)
	}
	n.authorKey = key
	n.logger.Info().
		Str("source", source).
		Str("pubkey", fmt.Sprintf("%x", key.PublicKey()[:8])+"...").
		Msg("Author key loaded")
	return nil
}

func (n *Node) setupP2P() {
	cfg := n.cfg.P2P
	n.p2pNode = p2p.New(p2p.Config{
		ListenAddr: cfg.ListenAddr,
		Port:       cfg.Port,
		Seeds:      cfg.Seeds,
		MaxPeers:   cfg.MaxPeers,
		DHT:        cfg.DHT,
		DHTServer:  cfg.DHTServer,
		MDNS:       cfg.MDNS,
		DB:         storage.NewPrefixDB(n.db, []byte("p2p/")),
		DataDir:    n.cfg.ChainDataDir(),
	})
	n.syncer = p2p.NewSyncer(n.p2pNode)
	n.p2pNode.SetGenesisHash(n.ch.GenesisHash())
	n.p2pNode.SetBestNumberFn(func() uint64 { return uint64(n.ch.BestBlock().Number) })
	n.p2pNode.SetBlockHandler(n.handleGossipBlock)
	n.p2pNode.SetPeerAheadHandler(func(id peer.ID, best uint64) {
		n.spawn(func(ctx context.Context) { n.syncFrom(ctx, id, best) })
	})
	n.p2pNode.SetPeerConnectedHandler(func(peer.ID) {
		metrics.SetPeerCount(n.p2pNode.PeerCount())
	})
}

// onImport keeps the backlog, the gauges and the network in step with the chain.
func (n *Node) onImport(note chain.Notification) {
	if note.Origin != chain.OriginOwn && note.Block != nil {
		if removed := n.pool.RemoveIncluded(note.Block.Extrinsics); removed > 0 {
			n.logger.Debug().Int("removed", removed).Str("hash", note.Hash.Short()).Msg("Pruned included extrinsics")
		}
	}
	if len(note.Retracted) > 0 {
		n.requeueRetracted(note)
	}
	metrics.SetBestNumber(uint32(n.ch.BestBlock().Number))
	metrics.SetFinalizedNumber(uint32(n.ch.FinalizedBlock().Number))
	metrics.SetMempoolSize(n.pool.Count())

	if n.p2pNode == nil || note.Block == nil || !note.IsNewBest {
		return
	}
	if note.Origin == chain.OriginNetworkBroadcast {
		return
	}
	if err := n.p2pNode.BroadcastBlock(note.Block); err != nil {
		n.logger.Debug().Err(err).Str("hash", note.Hash.Short()).Msg("Block broadcast failed")
	}
}

// requeueRetracted returns the extrinsics of blocks that a reorg dropped from
// the canonical chain to the backlog, unless the new branch includes them.
func (n *Node) requeueRetracted(note chain.Notification) {
	retracted := make([]*block.SignedBlock, 0, len(note.Retracted))
	for _, hash := range note.Retracted {
		sb, err := n.ch.BlockByHash(hash)
		if err != nil {
			n.logger.Warn().Err(err).Str("hash", hash.Short()).Msg("Retracted block unreadable")
			continue
		}
		retracted = append(retracted, sb)
	}
	if len(retracted) == 0 || note.Block == nil {
		return
	}
	forkNumber := retracted[0].Header.Number - 1

	// Walk the new branch down to the fork point.
	enacted := make(map[string]struct{})
	var enactedExts [][]byte
	for sb := note.Block; sb != nil && sb.Header.Number > forkNumber; {
		for _, ext := range sb.Extrinsics {
			enacted[string(ext)] = struct{}{}
			enactedExts = append(enactedExts, ext)
		}
		parent, err := n.ch.BlockByHash(sb.Header.ParentHash)
		if err != nil {
			break
		}
		sb = parent
	}
	n.pool.RemoveIncluded(enactedExts)

	requeued := 0
	for _, sb := range retracted {
		for _, ext := range sb.Extrinsics {
			if _, ok := enacted[string(ext)]; ok {
				continue
			}
			if _, err := n.pool.Add(ext); err != nil {
				if !errors.Is(err, mempool.ErrAlreadyExists) {
					n.logger.Debug().Err(err).Msg("Retracted extrinsic not requeued")
				}
				continue
			}
			requeued++
		}
	}
	n.logger.Info().
		Int("retracted", len(retracted)).
		Int("requeued", requeued).
		Str("new_best", note.Hash.Short()).
		Msg("Requeued extrinsics from retracted blocks")
}

func (n *Node) handleGossipBlock(from peer.ID, sb *block.SignedBlock) {
	params := chain.NewImportParams(chain.OriginNetworkBroadcast, &sb.Block, chain.LongestChain(), false)
	params.Justifications = sb.Justifications
	out := n.ch.ImportBlock(params)

	switch out.Status {
	case chain.StatusImported:
		n.logger.Info().
			Uint32("height", uint32(out.Number)).
			Str("hash", out.Hash.Short()).
			Int("extrinsics", len(sb.Extrinsics)).
			Msg("Block received and imported")
	case chain.StatusAlreadyInChain:
	case chain.StatusUnknownParent:
		target := uint64(sb.Header.Number)
		n.spawn(func(ctx context.Context) { n.syncFrom(ctx, from, target) })
	default:
		n.logger.Debug().
			Str("outcome", out.Status.String()).
			Str("reason", out.Reason).
			Str("hash", out.Hash.Short()).
			Msg("Gossiped block rejected")
	}
}

// provideBlocks serves canonical blocks to syncing peers.
func (n *Node) provideBlocks(from uint64, max uint32) [][]byte {
	var out [][]byte
	for num := from; num < from+uint64(max); num++ {
		sb, err := n.ch.BlockAt(types.BlockNumber(num))
		if err != nil {
			break
		}
		raw, err := block.EncodeSignedBlock(sb)
		if err != nil {
			n.logger.Error().Err(err).Uint64("height", num).Msg("Encode block for sync")
			break
		}
		out = append(out, raw)
	}
	return out
}

// syncFrom pulls canonical blocks from a peer until target is reached.
// When the first block of a batch has an unknown parent the peer is on a
// different fork, so the request window walks back toward finality.
func (n *Node) syncFrom(ctx context.Context, id peer.ID, target uint64) {
	if n.syncer == nil || !n.syncing.CompareAndSwap(false, true) {
		return
	}
	defer n.syncing.Store(false)

	start := time.Now()
	local := uint64(n.ch.BestBlock().Number)
	n.logger.Info().Uint64("local", local).Uint64("remote", target).Str("peer", id.String()).Msg("Syncing chain")

	from := local + 1
	backoff := uint64(1)
	for from <= target {
		reqCtx, cancel := context.WithTimeout(ctx, syncRequestTime)
		blocks, err := n.syncer.RequestBlocks(reqCtx, id, from, p2p.MaxSyncBlocks)
		cancel()
		if err != nil {
			n.logger.Warn().Err(err).Uint64("from", from).Msg("Sync request failed")
			return
		}
		if len(blocks) == 0 {
			break
		}

		next, forked, ok := n.importSynced(blocks)
		if !ok {
			return
		}
		if forked {
			floor := uint64(n.ch.FinalizedBlock().Number) + 1
			if from <= floor {
				n.logger.Warn().Str("peer", id.String()).Msg("Peer fork is below finality, giving up")
				return
			}
			if from-floor < backoff {
				from = floor
			} else {
				from -= backoff
			}
			backoff *= 2
			continue
		}
		from = next
	}

	n.logger.Info().
		Uint32("height", uint32(n.ch.BestBlock().Number)).
		Dur("elapsed", time.Since(start)).
		Msg("Sync complete")
}

// importSynced imports a batch in order. It returns the next number to
// request, whether the batch does not attach to our chain, and whether
// syncing may continue.
func (n *Node) importSynced(blocks []*block.SignedBlock) (next uint64, forked, ok bool) {
	for i, sb := range blocks {
		params := chain.NewImportParams(chain.OriginNetworkBroadcast, &sb.Block, chain.LongestChain(), false)
		params.Justifications = sb.Justifications
		out := n.ch.ImportBlock(params)
		switch out.Status {
		case chain.StatusImported, chain.StatusAlreadyInChain:
		case chain.StatusUnknownParent:
			if i == 0 {
				return 0, true, true
			}
			n.logger.Warn().Uint32("height", uint32(sb.Header.Number)).Msg("Synced batch is not linked")
			return 0, false, false
		default:
			n.logger.Warn().
				Str("outcome", out.Status.String()).
				Str("reason", out.Reason).
				Uint32("height", uint32(sb.Header.Number)).
				Msg("Sync block rejected")
			return 0, false, false
		}
	}
	return uint64(blocks[len(blocks)-1].Header.Number) + 1, false, true
}

func (n *Node) runSyncLoop(ctx context.Context) error {
	ticker := time.NewTicker(syncCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			metrics.SetPeerCount(n.p2pNode.PeerCount())
			best := uint64(n.ch.BestBlock().Number)
			for _, p := range n.p2pNode.PeerList() {
				if p.BestNumber > best {
					n.syncFrom(ctx, p.ID, p.BestNumber)
					break
				}
			}
		}
	}
}

func (n *Node) runEviction(ctx context.Context) error {
	if n.cfg.Mempool.MaxAge <= 0 {
		return nil
	}
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if evicted := n.pool.Evict(n.cfg.Mempool.MaxAge); evicted > 0 {
				n.logger.Info().Int("evicted", evicted).Msg("Expired extrinsics evicted")
			}
			metrics.SetMempoolSize(n.pool.Count())
		}
	}
}

// Run starts the listeners and serves until shutdown is signalled or ctx
// ends. Its signature matches lifecycle.Worker. Storage is closed on return.
func (n *Node) Run(ctx context.Context, shutdown <-chan struct{}) error {
	if !n.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	defer n.Close()

	if n.p2pNode != nil {
		if err := n.p2pNode.Start(); err != nil {
			return fmt.Errorf("start P2P: %w", err)
		}
		n.syncer.RegisterHandler(n.provideBlocks)
		defer n.p2pNode.Stop()
	}
	if n.rpcServer != nil {
		if err := n.rpcServer.Start(); err != nil {
			return fmt.Errorf("start RPC: %w", err)
		}
		defer n.rpcServer.Stop()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		select {
		case <-shutdown:
			n.logger.Info().Msg("Shutdown requested")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	g.Go(func() error { return n.engine.Run(gctx) })
	g.Go(func() error { return n.trigger.Run(gctx) })
	g.Go(func() error { return n.runEviction(gctx) })
	if n.p2pNode != nil {
		g.Go(func() error { return n.runSyncLoop(gctx) })
	}

	best := n.ch.BestBlock()
	n.logger.Info().
		Uint32("height", uint32(best.Number)).
		Str("tip", best.Hash.Short()).
		Str("rpc", n.RPCAddr()).
		Msg("Node started successfully")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	n.logger.Info().Msg("Node stopped")
	return err
}

// spawn runs fn in the background until Close. It reports false once the
// node is closing.
func (n *Node) spawn(fn func(ctx context.Context)) bool {
	n.bgMu.Lock()
	defer n.bgMu.Unlock()
	if n.bgCtx.Err() != nil {
		return false
	}
	n.bg.Add(1)
	go func() {
		defer n.bg.Done()
		fn(n.bgCtx)
	}()
	return true
}

// Close stops background tasks, then releases storage and the author key.
// Safe to call more than once.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.bgMu.Lock()
		n.bgCancel()
		n.bgMu.Unlock()
		n.bg.Wait()

		if n.commands != nil {
			n.commands.Close()
		}
		if n.authorKey != nil {
			n.authorKey.Zero()
		}
		if n.db != nil {
			n.closeErr = n.db.Close()
		}
	})
	return n.closeErr
}

// Minter returns the mint bridge.
func (n *Node) Minter() *bridge.Minter { return n.minter }

// Connector returns the connect bridge.
func (n *Node) Connector() *bridge.Connector { return n.connector }

// Chain returns the node's chain.
func (n *Node) Chain() *chain.Chain { return n.ch }

// Pool returns the extrinsic backlog.
func (n *Node) Pool() *mempool.Pool { return n.pool }

// P2P returns the gossip node, nil when P2P is disabled.
func (n *Node) P2P() *p2p.Node { return n.p2pNode }

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}
