package core

import (
	"testing"
	"time"
)

func mustRPC(t *testing.T, addr string, port uint16) (*RPC, Node, <-chan InboundRequest) {
	t.Helper()
	self := NewNode(addr, port)
	rpc, inbound, err := NewRPC(self, 2*time.Second)
	if err != nil {
		t.Fatalf("bind %s:%d: %v", addr, port, err)
	}
	return rpc, self, inbound
}

func TestRPCCallAndReply(t *testing.T) {
	serverRPC, serverNode, inbound := mustRPC(t, "127.0.0.1", 19100)
	defer serverRPC.Close()

	go func() {
		for in := range inbound {
			_ = serverRPC.Reply(in.ID, in.Src, Response{Kind: RespPing, Accepted: true})
		}
	}()

	clientRPC, _, clientInbound := mustRPC(t, "127.0.0.1", 19101)
	defer clientRPC.Close()
	go func() {
		for range clientInbound {
		}
	}()

	resp, err := clientRPC.Call(serverNode, Request{Kind: ReqPing})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if resp.Kind != RespPing || !resp.Accepted {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRPCCallTimeout(t *testing.T) {
	clientRPC, _, clientInbound := mustRPC(t, "127.0.0.1", 19102)
	defer clientRPC.Close()
	go func() {
		for range clientInbound {
		}
	}()

	unreachable := NewNode("127.0.0.1", 19199)
	fastTimeout := &RPC{self: clientRPC.self, conn: clientRPC.conn, timeout: 50 * time.Millisecond, pending: clientRPC.pending, log: clientRPC.log}
	_, err := fastTimeout.Call(unreachable, Request{Kind: ReqPing})
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
