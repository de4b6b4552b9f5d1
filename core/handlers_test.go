package core

import "testing"

func TestServerPingUpdatesRoutingTable(t *testing.T) {
	server := newTestPeer(t, 19230)
	defer server.rpc.Close()
	client := newTestPeer(t, 19231)
	defer client.rpc.Close()

	resp, err := client.rpc.Call(server.node, Request{Kind: ReqPing, Node: &client.node})
	if err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if resp.Kind != RespPing || !resp.Accepted {
		t.Fatalf("unexpected ping response: %+v", resp)
	}

	found := false
	for _, n := range server.rt.AllNodes() {
		if n.ID == client.node.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected server's routing table to learn about the client from the ping")
	}
}

func TestServerStoreAndFindValue(t *testing.T) {
	server := newTestPeer(t, 19232)
	defer server.rpc.Close()
	client := newTestPeer(t, 19233)
	defer client.rpc.Close()

	key := NewKey("a-topic")
	if _, err := client.rpc.Call(server.node, Request{Kind: ReqStore, StoreKey: "a-topic", StoreValue: "v1"}); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	resp, err := client.rpc.Call(server.node, Request{Kind: ReqFindValue, Target: &key})
	if err != nil {
		t.Fatalf("find_value failed: %v", err)
	}
	if !resp.Found || resp.Value != "v1" {
		t.Fatalf("expected to find stored value, got %+v", resp)
	}
}

func TestServerFindNodeReturnsKnownPeers(t *testing.T) {
	server := newTestPeer(t, 19234)
	defer server.rpc.Close()
	known := newTestPeer(t, 19235)
	defer known.rpc.Close()
	client := newTestPeer(t, 19236)
	defer client.rpc.Close()

	server.rt.Update(known.node)

	resp, err := client.rpc.Call(server.node, Request{Kind: ReqFindNode, Target: &known.node.ID})
	if err != nil {
		t.Fatalf("find_node failed: %v", err)
	}
	found := false
	for _, nd := range resp.Nodes {
		if nd.Node.ID == known.node.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected find_node to return the known peer, got %+v", resp.Nodes)
	}
}

func TestServerQueryChainAndAddBlock(t *testing.T) {
	server := newTestPeer(t, 19237)
	defer server.rpc.Close()
	client := newTestPeer(t, 19238)
	defer client.rpc.Close()

	resp, err := client.rpc.Call(server.node, Request{Kind: ReqQueryChain})
	if err != nil {
		t.Fatalf("query_chain failed: %v", err)
	}
	if len(resp.Chain) != 1 {
		t.Fatalf("expected genesis-only chain, got %d blocks", len(resp.Chain))
	}

	tip := resp.Chain[len(resp.Chain)-1]
	block := NewBlock(tip.ID+1, tip.Hash, "payload")
	addResp, err := client.rpc.Call(server.node, Request{Kind: ReqAddBlock, Block: &block})
	if err != nil {
		t.Fatalf("add_block failed: %v", err)
	}
	if !addResp.Accepted {
		t.Fatalf("expected valid block to be accepted")
	}
}

func TestServerNodeJoin(t *testing.T) {
	server := newTestPeer(t, 19239)
	defer server.rpc.Close()
	client := newTestPeer(t, 19240)
	defer client.rpc.Close()

	resp, err := client.rpc.Call(server.node, Request{Kind: ReqNodeJoin, Node: &client.node})
	if err != nil {
		t.Fatalf("node_join failed: %v", err)
	}
	if resp.Kind != RespNodeJoin {
		t.Fatalf("expected node_join response, got %+v", resp)
	}
	if len(resp.Chain) == 0 {
		t.Fatalf("expected node_join to return the bootstrap's chain")
	}
}
