package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"auctionmesh/pkg/config"
)

// Bootstrap is a well-known entry point peer. It runs the same DHT and
// blockchain machinery as any App node, but instead of publishing or
// subscribing to topics it exists to answer NodeJoin requests and to keep
// its own chain converged with the other configured bootstrap peers via a
// full-mesh reconciliation loop.
type Bootstrap struct {
	self   Node
	peers  []Node
	dht    *DHT
	chain  *Blockchain
	rpc    *RPC
	server *Server
	cfg    *config.Config
	log    *logrus.Entry

	stop     chan struct{}
	stopOnce sync.Once
}

// NewBootstrap binds self's UDP socket and wires it against the other
// bootstrap peers it should converge with.
func NewBootstrap(self Node, peers []Node, cfg *config.Config) (*Bootstrap, error) {
	timeout := time.Duration(cfg.DHT.RPCTimeout) * time.Second
	rpc, inbound, err := NewRPC(self, timeout)
	if err != nil {
		return nil, err
	}

	rt := NewRoutingTable(self, cfg.DHT.K, nil)
	dht := NewDHT(self, rpc, rt, cfg.DHT.Alpha, cfg.DHT.K, time.Duration(cfg.DHT.TReplicate)*time.Second)
	chain := NewBlockchain()
	chain.Genesis()
	server := NewServer(self, rpc, dht, chain)

	b := &Bootstrap{
		self:   self,
		peers:  peers,
		dht:    dht,
		chain:  chain,
		rpc:    rpc,
		server: server,
		cfg:    cfg,
		log:    logrus.WithField("component", "bootstrap").WithField("node", self.DialAddr()),
		stop:   make(chan struct{}),
	}

	server.OnJoin(func(joining Node) {
		b.log.Infof("node %s joined via %s", joining.ID, joining.DialAddr())
	})

	go server.Serve(inbound)
	return b, nil
}

func (b *Bootstrap) nodeTimeout() time.Duration {
	return time.Duration(b.cfg.Network.NodeTimeout) * time.Second
}

// InitSync performs the initial full-mesh reconciliation against every
// configured peer: it pings and queries each one's chain, folding in
// whichever side wins ChooseChain. Then, visiting the peers in random
// order, it mines a REGISTER block announcing itself on its current tip
// and sends it to that peer; a block the peer rejects is rolled back
// locally. Registration is not retried; the sync loop started here only
// reconciles chains.
func (b *Bootstrap) InitSync() {
	for _, peer := range b.peers {
		b.reconcileWith(peer)
	}

	accepted := false
	for _, peer := range SamplePeers(b.peers, len(b.peers)) {
		if b.registerWith(peer) {
			accepted = true
		}
	}
	if !accepted && len(b.peers) > 0 {
		b.log.Debug("init_sync: no peer accepted the register block")
	}

	go b.fullBkSyncLoop()
}

func (b *Bootstrap) reconcileWith(peer Node) {
	if _, err := b.rpc.Call(peer, Request{Kind: ReqPing, Node: &b.self}); err != nil {
		b.log.Debugf("ping %s failed: %v", peer.DialAddr(), err)
		return
	}
	b.dht.RoutingTable().Update(peer)

	resp, err := b.rpc.Call(peer, Request{Kind: ReqQueryChain})
	if err != nil {
		b.log.Debugf("query_chain %s failed: %v", peer.DialAddr(), err)
		return
	}

	local := b.chain.Blocks()
	chosen := ChooseChain(local, resp.Chain)
	if !sameChain(chosen, local) {
		b.chain.ReplaceChain(chosen)
	}
}

func (b *Bootstrap) registerWith(peer Node) bool {
	tip := b.chain.Tip()
	event := NewEvent(b.self.DialAddr(), EventRegister, nil)
	block := NewBlock(tip.ID+1, tip.Hash, event.ToJSON())
	if !b.chain.AddBlock(block) {
		return false
	}

	resp, err := b.rpc.Call(peer, Request{Kind: ReqAddBlock, Block: &block})
	if err != nil || !resp.Accepted {
		b.chain.RemoveLastBlock()
		return false
	}
	return true
}

// fullBkSyncLoop re-reconciles against every peer every NodeTimeout,
// detecting chain divergence via the cheap Hash sentinel before paying
// for a full ChooseChain comparison.
func (b *Bootstrap) fullBkSyncLoop() {
	ticker := time.NewTicker(b.nodeTimeout())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.fullBkSyncOnce()
		case <-b.stop:
			return
		}
	}
}

func (b *Bootstrap) fullBkSyncOnce() {
	localHash := b.chain.Hash()
	for _, peer := range b.peers {
		resp, err := b.rpc.Call(peer, Request{Kind: ReqQueryChain})
		if err != nil {
			continue
		}
		remoteHash := HashBlocks(resp.Chain)
		if string(remoteHash) == string(localHash) {
			continue
		}
		local := b.chain.Blocks()
		chosen := ChooseChain(local, resp.Chain)
		if !sameChain(chosen, local) {
			b.chain.ReplaceChain(chosen)
			localHash = b.chain.Hash()
		}
	}
}

// Stop halts the full-mesh sync loop and closes the underlying socket.
func (b *Bootstrap) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.dht.Stop()
	b.rpc.Close()
}

// RoutingTable exposes the underlying routing table, e.g. for CLI status
// output.
func (b *Bootstrap) RoutingTable() *RoutingTable { return b.dht.RoutingTable() }

// Chain exposes the underlying chain, e.g. for CLI status output.
func (b *Bootstrap) Chain() *Blockchain { return b.chain }
