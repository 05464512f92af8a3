package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestConnNotifier_Connected(t *testing.T) {
	nodeA := startTestNode(t)

	connected := make(chan peer.ID, 1)
	nodeB := startConfiguredNode(t, Config{ListenAddr: "127.0.0.1"}, func(n *Node) {
		n.SetPeerConnectedHandler(func(id peer.ID) { connected <- id })
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := nodeB.host.Connect(ctx, peer.AddrInfo{ID: nodeA.ID(), Addrs: nodeA.host.Addrs()}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case id := <-connected:
		if id != nodeA.ID() {
			t.Errorf("connected callback got %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("peer connected callback not invoked")
	}

	waitFor(t, 5*time.Second, func() bool { return nodeA.PeerCount() >= 1 }, "nodeA to track nodeB")

	found := false
	for _, p := range nodeA.PeerList() {
		if p.ID == nodeB.ID() {
			found = true
		}
	}
	if !found {
		t.Error("nodeA does not have nodeB in PeerList")
	}
}

func TestConnNotifier_Disconnected(t *testing.T) {
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	connectNodes(t, nodeA, nodeB)

	if nodeB.PeerCount() < 1 {
		t.Fatalf("nodeB should have a peer before disconnect, got %d", nodeB.PeerCount())
	}

	for _, conn := range nodeB.host.Network().ConnsToPeer(nodeA.ID()) {
		conn.Close()
	}

	waitFor(t, 5*time.Second, func() bool {
		for _, p := range nodeB.PeerList() {
			if p.ID == nodeA.ID() {
				return false
			}
		}
		return true
	}, "nodeB to drop nodeA")
}
