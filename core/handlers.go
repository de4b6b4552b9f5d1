package core

import (
	"github.com/sirupsen/logrus"
)

// Server answers inbound RPCs for a single node: Kademlia routing
// maintenance (Ping/Store/FindNode/FindValue) and chain propagation
// (QueryChain/AddBlock/NodeJoin). It owns no network socket of its own —
// it drains the inbound channel handed back by NewRPC.
type Server struct {
	self  Node
	rpc   *RPC
	dht   *DHT
	chain *Blockchain
	log   *logrus.Entry

	// onJoin is invoked, if set, whenever a NodeJoin request is accepted.
	// Bootstrap uses this to log the joining peer; a plain peer leaves it
	// nil. Either way the reply carries the routing table and chain.
	onJoin func(joining Node)
}

// NewServer builds a Server bound to rpc/dht/chain.
func NewServer(self Node, rpc *RPC, dht *DHT, chain *Blockchain) *Server {
	return &Server{
		self:  self,
		rpc:   rpc,
		dht:   dht,
		chain: chain,
		log:   logrus.WithField("component", "handlers").WithField("node", self.DialAddr()),
	}
}

// OnJoin registers the hook invoked when this node accepts a NodeJoin
// request.
func (s *Server) OnJoin(fn func(joining Node)) { s.onJoin = fn }

// Serve drains inbound until it is closed (i.e. until the RPC's socket is
// closed), dispatching each request from its own goroutine so a slow
// handler never blocks routine Ping/FindNode traffic.
func (s *Server) Serve(inbound <-chan InboundRequest) {
	for in := range inbound {
		go s.dispatch(in)
	}
}

func (s *Server) dispatch(in InboundRequest) {
	if in.Request.Node != nil {
		s.dht.RoutingTable().Update(*in.Request.Node)
	}

	switch in.Request.Kind {
	case ReqPing:
		s.reply(in, Response{Kind: RespPing, Accepted: true})

	case ReqStore:
		s.dht.insertLocal(NewKey(in.Request.StoreKey), in.Request.StoreValue)
		s.reply(in, Response{Kind: RespStore, Accepted: true})

	case ReqFindNode:
		if in.Request.Target == nil {
			s.log.Warn("find_node request missing target")
			return
		}
		nodes := s.dht.RoutingTable().Closest(*in.Request.Target)
		s.reply(in, Response{Kind: RespFindNode, Nodes: nodes})

	case ReqFindValue:
		if in.Request.Target == nil {
			s.log.Warn("find_value request missing target")
			return
		}
		if v, ok := s.dht.localGet(*in.Request.Target); ok {
			s.reply(in, Response{Kind: RespFindValue, Value: v, Found: true})
			return
		}
		nodes := s.dht.RoutingTable().Closest(*in.Request.Target)
		s.reply(in, Response{Kind: RespFindValue, Nodes: nodes, Found: false})

	case ReqQueryChain:
		s.reply(in, Response{Kind: RespQueryChain, Chain: s.chain.Blocks()})

	case ReqAddBlock:
		if in.Request.Block == nil {
			s.log.Warn("add_block request missing block")
			return
		}
		accepted := s.chain.AddBlock(*in.Request.Block)
		s.reply(in, Response{Kind: RespAddBlock, Accepted: accepted})

	case ReqNodeJoin:
		if in.Request.Node == nil {
			s.log.Warn("node_join request missing node")
			return
		}
		if s.onJoin != nil {
			s.onJoin(*in.Request.Node)
		}
		s.reply(in, Response{
			Kind:   RespNodeJoin,
			Chain:  s.chain.Blocks(),
			Joined: s.dht.RoutingTable().AllNodes(),
		})

	default:
		s.log.Warnf("unhandled request kind %q", in.Request.Kind)
	}
}

func (s *Server) reply(in InboundRequest, resp Response) {
	if err := s.rpc.Reply(in.ID, in.Src, resp); err != nil {
		s.log.Debugf("reply to %s failed: %v", in.Src, err)
	}
}
