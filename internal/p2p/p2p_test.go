package p2p

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Klingon-tech/metachain/internal/storage"
	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// --- Helpers ---

func testSignedBlock(number types.BlockNumber) *block.SignedBlock {
	hdr := &block.Header{
		ParentHash: types.Hash{byte(number)},
		Number:     number,
		Digest:     block.Digest{block.NewTimestampDigest(uint64(1000 * number))},
	}
	exts := [][]byte{{0x01, byte(number)}}
	hdr.ExtrinsicsRoot = block.ExtrinsicsRoot(exts)
	return &block.SignedBlock{Block: *block.NewBlock(hdr, exts)}
}

// startTestNode creates, starts, and returns a P2P node on a random port.
func startTestNode(t *testing.T) *Node {
	t.Helper()
	return startConfiguredNode(t, Config{ListenAddr: "127.0.0.1", Port: 0}, nil)
}

func startConfiguredNode(t *testing.T, cfg Config, setup func(*Node)) *Node {
	t.Helper()
	n := New(cfg)
	if setup != nil {
		setup(n)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { n.Stop() })
	return n
}

// connectNodes connects node B to node A via direct libp2p connect.
func connectNodes(t *testing.T, a, b *Node) {
	t.Helper()
	aInfo := peer.AddrInfo{ID: a.host.ID(), Addrs: a.host.Addrs()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.host.Connect(ctx, aInfo); err != nil {
		t.Fatalf("connect nodes: %v", err)
	}
	// Give GossipSub time to establish the mesh.
	time.Sleep(300 * time.Millisecond)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// --- Node lifecycle ---

func TestNode_New(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0})
	if n.host != nil {
		t.Error("host should be nil before Start")
	}
	if n.ID() != "" {
		t.Error("ID should be empty before Start")
	}
	if n.Addrs() != nil {
		t.Error("Addrs should be nil before Start")
	}
	if n.peerStore != nil {
		t.Error("peerStore should be nil without a DB")
	}
}

func TestNode_StartStop(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0})
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n.ID() == "" {
		t.Error("ID should not be empty after Start")
	}
	if len(n.Addrs()) == 0 {
		t.Error("should have at least one address")
	}
	for _, a := range n.Addrs() {
		if !strings.Contains(a, "/p2p/"+n.ID().String()) {
			t.Errorf("address %q missing peer id", a)
		}
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNode_StopBeforeStart(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0})
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop before Start should not error: %v", err)
	}
}

func TestNode_PersistentIdentity(t *testing.T) {
	dir := t.TempDir()

	first := New(Config{ListenAddr: "127.0.0.1", Port: 0, DataDir: dir})
	if err := first.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	id := first.ID()
	first.Stop()

	second := New(Config{ListenAddr: "127.0.0.1", Port: 0, DataDir: dir})
	if err := second.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer second.Stop()
	if second.ID() != id {
		t.Errorf("peer id changed across restarts: %s != %s", second.ID(), id)
	}
}

// --- Peer management ---

func TestNode_AddRemovePeer(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0})
	id := peer.ID("peer-a")

	n.addPeer(id)
	n.addPeer(id)
	if n.PeerCount() != 1 {
		t.Fatalf("expected 1 peer, got %d", n.PeerCount())
	}

	n.tagPeer(id, "seed")
	n.tagPeer(id, "dht")
	n.setPeerBest(id, 7)
	list := n.PeerList()
	if list[0].Source != "seed" {
		t.Errorf("source = %q, want first tag", list[0].Source)
	}
	if list[0].BestNumber != 7 {
		t.Errorf("best = %d, want 7", list[0].BestNumber)
	}

	n.removePeer(id)
	if n.PeerCount() != 0 {
		t.Errorf("expected 0 peers, got %d", n.PeerCount())
	}
}

func TestNode_AtCapacity(t *testing.T) {
	n := New(Config{MaxPeers: 1})
	if n.atCapacity() {
		t.Error("empty node should not be at capacity")
	}
	n.addPeer(peer.ID("x"))
	if !n.atCapacity() {
		t.Error("expected capacity reached")
	}

	unlimited := New(Config{})
	unlimited.addPeer(peer.ID("x"))
	if unlimited.atCapacity() {
		t.Error("MaxPeers=0 means unlimited")
	}
}

// --- Topics ---

func TestNetworkTopic(t *testing.T) {
	if got := NetworkTopic(TopicBlocks, ""); got != TopicBlocks {
		t.Errorf("empty genesis: got %q", got)
	}
	got := NetworkTopic(TopicBlocks, "0123456789abcdef0123")
	if got != TopicBlocks+"/0123456789abcdef" {
		t.Errorf("got %q", got)
	}
}

func TestNode_TopicScopedByGenesis(t *testing.T) {
	n := New(Config{})
	if n.blockTopic() != TopicBlocks || n.rendezvous() != rendezvousBase {
		t.Error("zero genesis should use base names")
	}
	n.SetGenesisHash(types.Hash{0xab})
	if !strings.HasPrefix(n.blockTopic(), TopicBlocks+"/ab") {
		t.Errorf("topic = %q", n.blockTopic())
	}
	if n.rendezvous() != rendezvousBase+"/ab00000000000000" {
		t.Errorf("rendezvous = %q", n.rendezvous())
	}
}

func TestNode_BroadcastBlock_NotStarted(t *testing.T) {
	n := New(Config{})
	if err := n.BroadcastBlock(testSignedBlock(1)); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

// --- Gossip ---

func TestTwoNodes_BlockGossip(t *testing.T) {
	nodeA := startTestNode(t)

	var received atomic.Pointer[block.SignedBlock]
	var from atomic.Value
	nodeB := startConfiguredNode(t, Config{ListenAddr: "127.0.0.1"}, func(n *Node) {
		n.SetBlockHandler(func(p peer.ID, sb *block.SignedBlock) {
			from.Store(p)
			received.Store(sb)
		})
	})
	connectNodes(t, nodeA, nodeB)

	sent := testSignedBlock(42)
	if err := nodeA.BroadcastBlock(sent); err != nil {
		t.Fatalf("BroadcastBlock: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return received.Load() != nil }, "block gossip")

	got := received.Load()
	if got.Hash() != sent.Hash() {
		t.Errorf("hash mismatch: %s != %s", got.Hash(), sent.Hash())
	}
	if len(got.Extrinsics) != 1 {
		t.Errorf("expected 1 extrinsic, got %d", len(got.Extrinsics))
	}
	if from.Load().(peer.ID) != nodeA.ID() {
		t.Error("sender should be nodeA")
	}
}

func TestTwoNodes_DifferentGenesisDoNotGossip(t *testing.T) {
	nodeA := startConfiguredNode(t, Config{ListenAddr: "127.0.0.1"}, func(n *Node) {
		n.SetGenesisHash(types.Hash{0x01})
	})

	var count atomic.Int32
	nodeB := startConfiguredNode(t, Config{ListenAddr: "127.0.0.1"}, func(n *Node) {
		n.SetGenesisHash(types.Hash{0x02})
		n.SetBlockHandler(func(peer.ID, *block.SignedBlock) { count.Add(1) })
	})
	connectNodes(t, nodeA, nodeB)

	if err := nodeA.BroadcastBlock(testSignedBlock(1)); err != nil {
		t.Fatalf("BroadcastBlock: %v", err)
	}
	time.Sleep(500 * time.Millisecond)
	if count.Load() != 0 {
		t.Error("block crossed chains")
	}
}

func TestPanicRecovery_HandleBlock(t *testing.T) {
	nodeA := startTestNode(t)

	var calls atomic.Int32
	nodeB := startConfiguredNode(t, Config{ListenAddr: "127.0.0.1"}, func(n *Node) {
		n.SetBlockHandler(func(peer.ID, *block.SignedBlock) {
			calls.Add(1)
			panic("test panic in block handler")
		})
	})
	connectNodes(t, nodeA, nodeB)

	if err := nodeA.BroadcastBlock(testSignedBlock(1)); err != nil {
		t.Fatalf("BroadcastBlock: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return calls.Load() >= 1 }, "first handler call")

	// The read loop must survive the panic.
	if err := nodeA.BroadcastBlock(testSignedBlock(2)); err != nil {
		t.Fatalf("second BroadcastBlock: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return calls.Load() >= 2 }, "second handler call")
}

// --- Sync ---

func TestTwoNodes_SyncBlocks(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	connectNodes(t, nodeA, nodeB)

	var chain [][]byte
	for i := 0; i < 3; i++ {
		raw, err := block.EncodeSignedBlock(testSignedBlock(types.BlockNumber(i)))
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		chain = append(chain, raw)
	}

	NewSyncer(nodeA).RegisterHandler(func(from uint64, max uint32) [][]byte {
		var out [][]byte
		for i := from; i < uint64(len(chain)) && uint32(len(out)) < max; i++ {
			out = append(out, chain[i])
		}
		return out
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	blocks, err := NewSyncer(nodeB).RequestBlocks(ctx, nodeA.ID(), 1, 10)
	if err != nil {
		t.Fatalf("RequestBlocks: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].Header.Number != 1 || blocks[1].Header.Number != 2 {
		t.Errorf("unexpected numbers: %d, %d", blocks[0].Header.Number, blocks[1].Header.Number)
	}
}

func TestTwoNodes_SyncBlocks_Empty(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	connectNodes(t, nodeA, nodeB)

	NewSyncer(nodeA).RegisterHandler(func(uint64, uint32) [][]byte { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	blocks, err := NewSyncer(nodeB).RequestBlocks(ctx, nodeA.ID(), 0, 10)
	if err != nil {
		t.Fatalf("RequestBlocks: %v", err)
	}
	if len(blocks) != 0 {
		t.Errorf("expected 0 blocks, got %d", len(blocks))
	}
}

func TestTwoNodes_SyncBlocks_MaxClamped(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	connectNodes(t, nodeA, nodeB)

	var gotMax atomic.Uint32
	NewSyncer(nodeA).RegisterHandler(func(_ uint64, max uint32) [][]byte {
		gotMax.Store(max)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := NewSyncer(nodeB).RequestBlocks(ctx, nodeA.ID(), 0, 0); err != nil {
		t.Fatalf("RequestBlocks: %v", err)
	}
	if gotMax.Load() != MaxSyncBlocks {
		t.Errorf("max = %d, want %d", gotMax.Load(), MaxSyncBlocks)
	}
}

func TestTwoNodes_SyncBlocks_CorruptPayload(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	connectNodes(t, nodeA, nodeB)

	NewSyncer(nodeA).RegisterHandler(func(uint64, uint32) [][]byte {
		return [][]byte{{0xde, 0xad}}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := NewSyncer(nodeB).RequestBlocks(ctx, nodeA.ID(), 0, 1); err == nil {
		t.Error("expected decode error")
	}
}

func TestSyncer_NotStarted(t *testing.T) {
	s := NewSyncer(New(Config{}))
	if _, err := s.RequestBlocks(context.Background(), peer.ID("x"), 0, 1); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

// --- DHT + persistence ---

func TestNode_StartStop_WithDHT(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0, DHT: true, DB: storage.NewMemory()})
	if err := n.Start(); err != nil {
		t.Fatalf("Start with DHT: %v", err)
	}
	if n.dht == nil {
		t.Error("DHT should be initialized when enabled")
	}
	if n.peerStore == nil {
		t.Error("peerStore should be initialized when DB is provided")
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n.dht != nil {
		t.Error("DHT should be nil after Stop")
	}
}

func TestNode_PeerPersistence(t *testing.T) {
	db := storage.NewMemory()

	nodeA := New(Config{ListenAddr: "127.0.0.1", Port: 0, DB: db})
	if err := nodeA.Start(); err != nil {
		t.Fatalf("Start nodeA: %v", err)
	}
	defer nodeA.Stop()
	nodeB := startTestNode(t)

	aInfo := peer.AddrInfo{ID: nodeA.host.ID(), Addrs: nodeA.host.Addrs()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := nodeB.host.Connect(ctx, aInfo); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return nodeA.PeerCount() >= 1 }, "peer on nodeA")

	nodeA.persistPeers()

	records, err := NewPeerStore(db).LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	found := false
	for _, rec := range records {
		if rec.ID == nodeB.ID().String() {
			found = true
			if _, ok := rec.AddrInfo(); !ok {
				t.Error("persisted record should be dialable")
			}
		}
	}
	if !found {
		t.Error("nodeB not found in persisted peers")
	}
}

func TestNode_SeedConnect(t *testing.T) {
	seed := startTestNode(t)
	n := startConfiguredNode(t, Config{ListenAddr: "127.0.0.1", Seeds: seed.Addrs()}, nil)

	waitFor(t, 5*time.Second, func() bool { return n.PeerCount() >= 1 }, "seed connection")
	list := n.PeerList()
	if list[0].ID != seed.ID() || list[0].Source != "seed" {
		t.Errorf("unexpected peer %+v", list[0])
	}
}

func TestNode_BadSeedIgnored(t *testing.T) {
	n := startConfiguredNode(t, Config{ListenAddr: "127.0.0.1", Seeds: []string{"not-a-multiaddr"}}, nil)
	if n.PeerCount() != 0 {
		t.Errorf("expected no peers, got %d", n.PeerCount())
	}
}
