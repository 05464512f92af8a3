// Package p2p implements block gossip and catch-up sync over libp2p.
package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	klog "github.com/Klingon-tech/metachain/internal/log"
	"github.com/Klingon-tech/metachain/internal/storage"
	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/types"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
)

const (
	rendezvousBase = "metachain"

	dhtDiscoveryInterval = 30 * time.Second
	peerConnectTimeout   = 5 * time.Second
	seedRetryInterval    = 10 * time.Second
)

// ErrNotStarted is returned by operations that need a running host.
var ErrNotStarted = errors.New("p2p node not started")

// Config holds P2P node configuration.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string
	MaxPeers   int
	DHT        bool
	DHTServer  bool       // Run the DHT in server mode (seed nodes).
	MDNS       bool
	DB         storage.DB // Peer persistence, nil disables it.
	DataDir    string     // Holds node.key, empty means an ephemeral identity.
}

// BlockHandler receives a decoded block from a gossip peer.
type BlockHandler func(from peer.ID, sb *block.SignedBlock)

// Node is a libp2p host that gossips sealed blocks.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	config Config
	ctx    context.Context
	cancel context.CancelFunc

	topicBlock *pubsub.Topic
	subBlock   *pubsub.Subscription

	mu    sync.RWMutex
	peers map[peer.ID]*Peer

	blockHandler    BlockHandler
	onPeerConnected func(peer.ID)
	onPeerAhead     func(peer.ID, uint64)

	peerStore *PeerStore
	dht       *dht.IpfsDHT
	mdns      mdns.Service

	genesisHash  types.Hash
	bestNumberFn func() uint64
}

// New creates a P2P node. Handlers and the genesis hash must be set before Start.
func New(cfg Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[peer.ID]*Peer),
	}
	if cfg.DB != nil {
		n.peerStore = NewPeerStore(cfg.DB)
	}
	return n
}

func (n *Node) rendezvous() string {
	if n.genesisHash.IsZero() {
		return rendezvousBase
	}
	return rendezvousBase + "/" + n.genesisHash.String()[:16]
}

func (n *Node) blockTopic() string {
	if n.genesisHash.IsZero() {
		return TopicBlocks
	}
	return NetworkTopic(TopicBlocks, n.genesisHash.String())
}

// Start initializes the libp2p host, pubsub and discovery.
func (n *Node) Start() error {
	addr := fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port)
	opts := []libp2p.Option{libp2p.ListenAddrStrings(addr)}

	if n.config.DataDir != "" {
		privKey, err := loadOrCreateIdentity(n.config.DataDir)
		if err != nil {
			return fmt.Errorf("load p2p identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(privKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	n.host = h
	h.Network().Notify(&connNotifier{node: n})

	if n.config.DHT {
		if err := n.initDHT(); err != nil {
			h.Close()
			return fmt.Errorf("init dht: %w", err)
		}
	}

	ps, err := pubsub.NewGossipSub(n.ctx, h, pubsub.WithMaxMessageSize(maxMessageSize))
	if err != nil {
		n.closeDHT()
		h.Close()
		return fmt.Errorf("create pubsub: %w", err)
	}
	n.pubsub = ps

	if err := n.joinTopics(); err != nil {
		n.closeDHT()
		h.Close()
		return err
	}

	if n.handshakeEnabled() {
		n.registerHandshakeHandler()
	}

	go n.readLoop()
	go n.loadPersistedPeers()

	if len(n.config.Seeds) > 0 {
		klog.P2P.Info().Int("seeds", len(n.config.Seeds)).Msg("Connecting to seeds...")
		n.connectSeedsOnce()
		go n.connectSeedsLoop()
	}

	if n.config.MDNS {
		n.startMDNS()
	}
	if n.dht != nil {
		go n.runDHTDiscovery()
	}
	if n.peerStore != nil {
		go n.runPersistLoop()
	}

	klog.P2P.Info().
		Str("id", h.ID().String()).
		Strs("addrs", n.Addrs()).
		Str("topic", n.blockTopic()).
		Msg("P2P node started")
	return nil
}

// Stop shuts down the node. Safe to call on a node that never started.
func (n *Node) Stop() error {
	n.persistPeers()

	n.cancel()
	if n.subBlock != nil {
		n.subBlock.Cancel()
	}
	if n.topicBlock != nil {
		n.topicBlock.Close()
	}
	if n.mdns != nil {
		n.mdns.Close()
	}
	n.closeDHT()
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// Host returns the underlying libp2p host (nil before Start).
func (n *Node) Host() host.Host {
	return n.host
}

// SetGenesisHash scopes topics and discovery to one chain and enables the
// handshake. Must be called before Start.
func (n *Node) SetGenesisHash(h types.Hash) {
	n.genesisHash = h
}

func (n *Node) handshakeEnabled() bool {
	return !n.genesisHash.IsZero()
}

// SetBestNumberFn sets the function used to report the best block number during handshake.
func (n *Node) SetBestNumberFn(fn func() uint64) {
	n.bestNumberFn = fn
}

// SetBlockHandler registers the callback for gossiped blocks.
func (n *Node) SetBlockHandler(fn BlockHandler) {
	n.blockHandler = fn
}

// SetPeerConnectedHandler registers a callback invoked when a new peer connects.
func (n *Node) SetPeerConnectedHandler(fn func(peer.ID)) {
	n.onPeerConnected = fn
}

// SetPeerAheadHandler registers a callback invoked when a compatible peer
// reports a best block above ours.
func (n *Node) SetPeerAheadHandler(fn func(id peer.ID, best uint64)) {
	n.onPeerAhead = fn
}

// DisconnectPeer closes all connections to a peer.
func (n *Node) DisconnectPeer(id peer.ID) error {
	if n.host == nil {
		return ErrNotStarted
	}
	n.removePeer(id)
	return n.host.Network().ClosePeer(id)
}

// ID returns the peer ID of this node.
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the full multiaddrs of this node.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	var addrs []string
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return addrs
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// PeerList returns a snapshot of connected peers.
func (n *Node) PeerList() []Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, *p)
	}
	return out
}

func (n *Node) atCapacity() bool {
	return n.config.MaxPeers > 0 && n.PeerCount() >= n.config.MaxPeers
}

func (n *Node) addPeer(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.peers[id]; !exists {
		n.peers[id] = &Peer{ID: id, ConnectedAt: time.Now()}
	}
}

func (n *Node) removePeer(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, id)
}

// tagPeer records how a peer was found, keeping the first source.
func (n *Node) tagPeer(id peer.ID, source string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok && p.Source == "" {
		p.Source = source
	}
}

func (n *Node) setPeerBest(id peer.ID, best uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok {
		p.BestNumber = best
	}
}

func (n *Node) joinTopics() error {
	var err error
	n.topicBlock, err = n.pubsub.Join(n.blockTopic())
	if err != nil {
		return fmt.Errorf("join block topic: %w", err)
	}
	n.subBlock, err = n.topicBlock.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe block: %w", err)
	}
	return nil
}

func (n *Node) readLoop() {
	for {
		msg, err := n.subBlock.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		n.handleBlockMessage(msg)
	}
}

func (n *Node) handleBlockMessage(msg *pubsub.Message) {
	defer func() {
		if r := recover(); r != nil {
			klog.P2P.Error().Interface("panic", r).Msg("Block handler panicked")
		}
	}()
	n.addPeer(msg.ReceivedFrom)

	sb, err := block.DecodeSignedBlock(msg.Data)
	if err != nil {
		klog.P2P.Debug().Err(err).Str("peer", shortID(msg.ReceivedFrom)).Msg("Dropping undecodable block")
		return
	}
	if n.blockHandler != nil {
		n.blockHandler(msg.ReceivedFrom, sb)
	}
}

func (n *Node) startMDNS() {
	svc := mdns.NewMdnsService(n.host, n.rendezvous(), &discoveryNotifee{node: n})
	if err := svc.Start(); err != nil {
		klog.P2P.Warn().Err(err).Msg("mDNS unavailable")
		return
	}
	n.mdns = svc
}

// connectSeedsOnce dials every seed once. Reports whether any connected.
func (n *Node) connectSeedsOnce() bool {
	connected := false
	for _, addr := range n.config.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			klog.P2P.Warn().Str("addr", addr).Err(err).Msg("Bad seed address")
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, 2*peerConnectTimeout)
		err = n.host.Connect(ctx, *info)
		cancel()
		if err != nil {
			klog.P2P.Warn().Str("peer", shortID(info.ID)).Err(err).Msg("Seed connect failed")
			continue
		}
		n.addPeer(info.ID)
		n.tagPeer(info.ID, "seed")
		klog.P2P.Info().Str("peer", shortID(info.ID)).Msg("Seed connected")
		connected = true
	}
	return connected
}

func (n *Node) connectSeedsLoop() {
	ticker := time.NewTicker(seedRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if n.PeerCount() == 0 {
				klog.P2P.Info().Int("seeds", len(n.config.Seeds)).Msg("No peers, retrying seeds...")
				n.connectSeedsOnce()
			}
		}
	}
}

// --- DHT ---

func (n *Node) initDHT() error {
	mode := dht.ModeClient
	if n.config.DHTServer {
		mode = dht.ModeServer
	}
	kadDHT, err := dht.New(n.ctx, n.host, dht.Mode(mode))
	if err != nil {
		return fmt.Errorf("create kad-dht: %w", err)
	}
	n.dht = kadDHT
	return kadDHT.Bootstrap(n.ctx)
}

func (n *Node) closeDHT() {
	if n.dht != nil {
		n.dht.Close()
		n.dht = nil
	}
}

func (n *Node) runDHTDiscovery() {
	routingDiscovery := drouting.NewRoutingDiscovery(n.dht)
	dutil.Advertise(n.ctx, routingDiscovery, n.rendezvous())

	ticker := time.NewTicker(dhtDiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.findDHTPeers(routingDiscovery)
		}
	}
}

func (n *Node) findDHTPeers(routingDiscovery *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(n.ctx, 20*time.Second)
	defer cancel()

	peerCh, err := routingDiscovery.FindPeers(ctx, n.rendezvous())
	if err != nil {
		return
	}
	for p := range peerCh {
		if p.ID == n.host.ID() || len(p.Addrs) == 0 {
			continue
		}
		if n.atCapacity() {
			return
		}
		connectCtx, connectCancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		if err := n.host.Connect(connectCtx, p); err == nil {
			n.tagPeer(p.ID, "dht")
		}
		connectCancel()
	}
}

// --- Peer persistence ---

func (n *Node) persistPeers() {
	if n.peerStore == nil || n.host == nil {
		return
	}
	now := time.Now().Unix()
	for _, p := range n.PeerList() {
		addrs := n.host.Peerstore().Addrs(p.ID)
		rec := PeerRecord{
			ID:       p.ID.String(),
			Addrs:    make([]string, len(addrs)),
			LastSeen: now,
			Source:   p.Source,
		}
		for i, a := range addrs {
			rec.Addrs[i] = a.String()
		}
		if err := n.peerStore.Save(rec); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", shortID(p.ID)).Msg("Persist peer failed")
		}
	}
}

func (n *Node) loadPersistedPeers() {
	if n.peerStore == nil {
		return
	}
	if _, err := n.peerStore.PruneStale(staleThreshold); err != nil {
		klog.P2P.Debug().Err(err).Msg("Prune stored peers failed")
	}
	records, err := n.peerStore.LoadAll()
	if err != nil {
		return
	}
	for _, rec := range records {
		info, ok := rec.AddrInfo()
		if !ok || info.ID == n.host.ID() {
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, peerConnectTimeout)
		if err := n.host.Connect(ctx, info); err == nil {
			n.tagPeer(info.ID, "stored")
		}
		cancel()
	}
}

func (n *Node) runPersistLoop() {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.persistPeers()
			n.peerStore.PruneStale(staleThreshold)
		}
	}
}

// loadOrCreateIdentity keeps the peer ID stable across restarts.
func loadOrCreateIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, "node.key")

	data, err := os.ReadFile(keyPath)
	if err == nil {
		keyBytes, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode node key: %w", err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(keyBytes)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}
	return priv, nil
}

func shortID(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
