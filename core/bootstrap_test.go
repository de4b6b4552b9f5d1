package core

import (
	"testing"

	"auctionmesh/pkg/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Network.NodeTimeout = 1
	cfg.DHT.K = 20
	cfg.DHT.Alpha = 3
	cfg.DHT.TReplicate = 3600
	cfg.DHT.RPCTimeout = 2
	return cfg
}

func TestBootstrapInitSyncNoPeers(t *testing.T) {
	self := NewNode("127.0.0.1", 19300)
	b, err := NewBootstrap(self, nil, testConfig())
	if err != nil {
		t.Fatalf("new bootstrap: %v", err)
	}
	defer b.Stop()

	b.InitSync()
	if b.Chain().Len() != 1 {
		t.Fatalf("expected genesis-only chain with no peers, got length %d", b.Chain().Len())
	}
}

func TestBootstrapRegisterWithPeer(t *testing.T) {
	bootA := newBootstrapForTest(t, 19301, nil)
	defer bootA.Stop()
	bootB := newBootstrapForTest(t, 19302, []Node{bootA.self})
	defer bootB.Stop()

	ok := bootB.registerWith(bootA.self)
	if !ok {
		t.Fatalf("expected register_with to succeed against a reachable peer")
	}
	if bootA.Chain().Len() != 2 {
		t.Fatalf("expected bootA to have accepted the register block, got length %d", bootA.Chain().Len())
	}
}

func newBootstrapForTest(t *testing.T, port uint16, peers []Node) *Bootstrap {
	t.Helper()
	self := NewNode("127.0.0.1", port)
	b, err := NewBootstrap(self, peers, testConfig())
	if err != nil {
		t.Fatalf("new bootstrap on port %d: %v", port, err)
	}
	return b
}

func TestBootstrapFullBkSyncDetectsDivergence(t *testing.T) {
	bootA := newBootstrapForTest(t, 19303, nil)
	defer bootA.Stop()
	bootB := newBootstrapForTest(t, 19304, []Node{bootA.self})
	bootB.peers = []Node{bootA.self}
	defer bootB.Stop()

	// Diverge: bootA mines an extra block bootB never saw.
	tip := bootA.chain.Tip()
	bootA.chain.AddBlock(NewBlock(tip.ID+1, tip.Hash, "extra"))

	bootB.fullBkSyncOnce()
	if bootB.chain.Len() != bootA.chain.Len() {
		t.Fatalf("expected bootB to converge to bootA's longer chain, got %d vs %d", bootB.chain.Len(), bootA.chain.Len())
	}
}
