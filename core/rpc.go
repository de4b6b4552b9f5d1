package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// recvBufSize is the maximum UDP datagram this transport will read. Every
// RPC envelope, request or response, is a single self-contained JSON
// document in a single datagram — there is no multi-packet framing.
const recvBufSize = 8192

// RequestKind identifies the variant carried by a Request envelope.
type RequestKind string

const (
	ReqPing       RequestKind = "ping"
	ReqStore      RequestKind = "store"
	ReqFindNode   RequestKind = "find_node"
	ReqFindValue  RequestKind = "find_value"
	ReqQueryChain RequestKind = "query_chain"
	ReqAddBlock   RequestKind = "add_block"
	ReqNodeJoin   RequestKind = "node_join"
)

// Request is the wire shape of every outbound Kademlia/chain RPC. Only the
// fields relevant to Kind are populated; this mirrors the original
// implementation's request enum with one Go struct instead of Rust enum
// variants.
type Request struct {
	Kind       RequestKind `json:"kind"`
	StoreKey   string      `json:"store_key,omitempty"`
	StoreValue string      `json:"store_value,omitempty"`
	Target     *Key        `json:"target,omitempty"`
	Block      *Block      `json:"block,omitempty"`
	Node       *Node       `json:"node,omitempty"`
}

// ResponseKind identifies the variant carried by a Response envelope.
type ResponseKind string

const (
	RespPing       ResponseKind = "ping"
	RespStore      ResponseKind = "store"
	RespFindNode   ResponseKind = "find_node"
	RespFindValue  ResponseKind = "find_value"
	RespQueryChain ResponseKind = "query_chain"
	RespAddBlock   ResponseKind = "add_block"
	RespNodeJoin   ResponseKind = "node_join"
)

// Response is the wire shape of every RPC reply.
type Response struct {
	Kind     ResponseKind       `json:"kind"`
	Nodes    []NodeWithDistance `json:"nodes,omitempty"`
	Value    string             `json:"value,omitempty"`
	Found    bool               `json:"found"`
	Chain    []Block            `json:"chain,omitempty"`
	Accepted bool               `json:"accepted"`
	Joined   []Node             `json:"joined,omitempty"`
}

type payloadType string

const (
	payloadRequest  payloadType = "request"
	payloadResponse payloadType = "response"
	payloadEnd      payloadType = "end"
)

// envelope is the single JSON document sent per datagram.
type envelope struct {
	ID       Key         `json:"id"`
	Src      string      `json:"src"`
	Dst      string      `json:"dst"`
	Type     payloadType `json:"type"`
	Request  *Request    `json:"request,omitempty"`
	Response *Response   `json:"response,omitempty"`
}

// InboundRequest is handed to the server side (handlers.go) for every
// incoming Request envelope addressed to this node.
type InboundRequest struct {
	ID      Key
	Src     string
	Request Request
}

// ErrTimeout is returned by Call when no response arrives within the
// configured RPC timeout.
var ErrTimeout = errors.New("rpc: timed out waiting for response")

// RPC is the connectionless UDP transport shared by every component that
// needs to talk to a remote peer: the DHT, the blockchain sync loops and
// the App/Bootstrap join protocol.
type RPC struct {
	self    Node
	conn    *net.UDPConn
	timeout time.Duration
	log     *logrus.Entry

	mu      sync.Mutex
	pending map[Key]chan *Response

	closeOnce sync.Once
}

// NewRPC binds a UDP socket on self's address and starts the background
// receive loop. Every decoded Request envelope not addressed elsewhere is
// delivered on the returned channel for handlers.go to process.
func NewRPC(self Node, timeout time.Duration) (*RPC, <-chan InboundRequest, error) {
	addr, err := net.ResolveUDPAddr("udp", self.DialAddr())
	if err != nil {
		return nil, nil, fmt.Errorf("rpc: resolve %s: %w", self.DialAddr(), err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("rpc: bind %s: %w", self.DialAddr(), err)
	}

	r := &RPC{
		self:    self,
		conn:    conn,
		timeout: timeout,
		log:     logrus.WithField("component", "rpc").WithField("node", self.DialAddr()),
		pending: make(map[Key]chan *Response),
	}

	inbound := make(chan InboundRequest, 64)
	go r.receiveLoop(inbound)
	return r, inbound, nil
}

func (r *RPC) receiveLoop(inbound chan<- InboundRequest) {
	defer close(inbound)
	buf := make([]byte, recvBufSize)
	for {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			r.log.Debugf("receive loop exiting: %v", err)
			return
		}

		var env envelope
		if err := json.Unmarshal(buf[:n], &env); err != nil {
			r.log.Warnf("discarding malformed envelope: %v", err)
			continue
		}

		if env.Dst != r.self.DialAddr() {
			continue
		}

		switch env.Type {
		case payloadRequest:
			if env.Request == nil {
				continue
			}
			select {
			case inbound <- InboundRequest{ID: env.ID, Src: env.Src, Request: *env.Request}:
			default:
				r.log.Warn("inbound request queue full, dropping")
			}
		case payloadResponse:
			r.handleResponse(env.ID, env.Response)
		case payloadEnd:
			return
		}
	}
}

func (r *RPC) handleResponse(id Key, resp *Response) {
	r.mu.Lock()
	ch, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		r.log.Debugf("response for unknown correlation id %s", id)
		return
	}
	ch <- resp
}

// Call sends req to dst and blocks until a matching response arrives or the
// RPC timeout elapses. A nil response with ErrTimeout indicates the remote
// peer should be considered unreachable by the caller (e.g. evicted from
// the routing table).
func (r *RPC) Call(dst Node, req Request) (*Response, error) {
	id := NewKey(dst.DialAddr() + ":" + strconv.FormatInt(time.Now().UnixNano(), 10))
	ch := make(chan *Response, 1)

	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()

	env := envelope{ID: id, Src: r.self.DialAddr(), Dst: dst.DialAddr(), Type: payloadRequest, Request: &req}
	if err := r.send(dst.DialAddr(), env); err != nil {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(r.timeout):
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		return nil, ErrTimeout
	}
}

// Reply sends resp back to an inbound request's originator, correlated by
// the request's id.
func (r *RPC) Reply(id Key, dstAddr string, resp Response) error {
	env := envelope{ID: id, Src: r.self.DialAddr(), Dst: dstAddr, Type: payloadResponse, Response: &resp}
	return r.send(dstAddr, env)
}

func (r *RPC) send(dstAddr string, env envelope) error {
	addr, err := net.ResolveUDPAddr("udp", dstAddr)
	if err != nil {
		return fmt.Errorf("rpc: resolve dst %s: %w", dstAddr, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("rpc: encode envelope: %w", err)
	}
	_, err = r.conn.WriteToUDP(data, addr)
	if err != nil {
		return fmt.Errorf("rpc: send to %s: %w", dstAddr, err)
	}
	return nil
}

// Close shuts down the socket, ending the receive loop.
func (r *RPC) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.conn.Close()
	})
	return err
}
