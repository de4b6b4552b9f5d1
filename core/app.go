package core

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"auctionmesh/pkg/config"
)

// ErrJoinFailed is returned by App.Join once every retry has been
// exhausted without a bootstrap peer accepting this node's REGISTER
// block.
var ErrJoinFailed = errors.New("app: failed to join network after retries")

// ErrTopicNotFound is returned when a topic name has no session stored in
// the DHT.
var ErrTopicNotFound = errors.New("app: topic not found")

// ErrTopicExpired is returned when a topic's session exists but its TTL
// has elapsed.
var ErrTopicExpired = errors.New("app: topic expired")

// ErrNotAuthorized is returned when an address that is neither the
// publisher nor a subscriber tries to bid on a topic.
var ErrNotAuthorized = errors.New("app: address not authorized for this topic")

const joinRetries = 5

// Topic is the locally-tracked metadata for a bidding session this node
// knows about, projected out of PUB_TOPIC/END_TOPIC events seen on the
// chain. It lets the CLI list active auctions without walking the
// whole chain on every call.
type Topic struct {
	Name      string
	TTL       time.Time
	Publisher string
}

// App is a bidding peer: a DHT/blockchain node plus the pub/sub surface
// (Publish/Subscribe/AddMsg) and the background loops that keep its topic
// table in sync with the chain and retire sessions once their TTL elapses.
type App struct {
	self      Node
	bootstrap Node
	dht       *DHT
	chain     *Blockchain
	rpc       *RPC
	server    *Server
	cfg       *config.Config
	log       *logrus.Entry

	mu     sync.Mutex
	topics map[string]*Topic

	stop     chan struct{}
	stopOnce sync.Once
}

// NewApp binds a UDP socket for self, wires a fresh DHT and blockchain and
// starts serving inbound RPCs. bootstrap is the peer used by Join;
// it must already be reachable.
func NewApp(self, bootstrap Node, cfg *config.Config) (*App, error) {
	timeout := time.Duration(cfg.DHT.RPCTimeout) * time.Second
	rpc, inbound, err := NewRPC(self, timeout)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	rt := NewRoutingTable(self, cfg.DHT.K, nil)
	dht := NewDHT(self, rpc, rt, cfg.DHT.Alpha, cfg.DHT.K, time.Duration(cfg.DHT.TReplicate)*time.Second)
	chain := NewBlockchain()
	chain.Genesis()
	server := NewServer(self, rpc, dht, chain)

	a := &App{
		self:      self,
		bootstrap: bootstrap,
		dht:       dht,
		chain:     chain,
		rpc:       rpc,
		server:    server,
		cfg:       cfg,
		log:       logrus.WithField("component", "app").WithField("node", self.DialAddr()),
		topics:    make(map[string]*Topic),
		stop:      make(chan struct{}),
	}

	go server.Serve(inbound)
	return a, nil
}

func (a *App) nodeTimeout() time.Duration {
	return time.Duration(a.cfg.Network.NodeTimeout) * time.Second
}

// Join registers this node with its bootstrap peer, retrying up to 5
// times with a NodeTimeout pause between attempts. On success it starts
// the DHT republish loop and the background chain-projection/teardown
// loops.
func (a *App) Join() error {
	for attempt := 0; attempt < joinRetries; attempt++ {
		if err := a.tryJoin(); err != nil {
			a.log.Debugf("join attempt %d failed: %v", attempt+1, err)
			time.Sleep(a.nodeTimeout())
			continue
		}
		a.dht.StartRepublish()
		go a.pullBkLoop()
		go a.teardownLoop()
		return nil
	}
	return ErrJoinFailed
}

func (a *App) tryJoin() error {
	resp, err := a.rpc.Call(a.bootstrap, Request{Kind: ReqNodeJoin, Node: &a.self})
	if err != nil {
		return err
	}

	chosen := ChooseChain(a.chain.Blocks(), resp.Chain)
	if !sameChain(chosen, a.chain.Blocks()) {
		a.chain.ReplaceChain(chosen)
	}

	a.dht.RoutingTable().Update(a.bootstrap)
	for _, n := range resp.Joined {
		a.dht.RoutingTable().Update(n)
	}

	if !a.pullBkAddBlock(a.bootstrap, a.self.DialAddr(), EventRegister, nil) {
		return fmt.Errorf("app: bootstrap rejected register block")
	}
	return nil
}

func sameChain(a, b []Block) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Hash != b[i].Hash {
			return false
		}
	}
	return true
}

// pullBkAddBlock is the shared "reconcile against target, mine a new
// block for the local event, append it, broadcast it" sequence used by
// Join, Publish and the teardown loop. It rolls back the local append if
// target rejects the AddBlock RPC.
func (a *App) pullBkAddBlock(target Node, msg string, kind EventKind, expTime *string) bool {
	resp, err := a.rpc.Call(target, Request{Kind: ReqQueryChain})
	if err != nil {
		a.log.Debugf("query_chain to %s failed: %v", target.DialAddr(), err)
		return false
	}

	chosen := ChooseChain(a.chain.Blocks(), resp.Chain)
	if !sameChain(chosen, a.chain.Blocks()) {
		a.chain.ReplaceChain(chosen)
	}

	tip := a.chain.Tip()
	event := NewEvent(msg, kind, expTime)
	block := NewBlock(tip.ID+1, tip.Hash, event.ToJSON())
	if !a.chain.AddBlock(block) {
		return false
	}

	addResp, err := a.rpc.Call(target, Request{Kind: ReqAddBlock, Block: &block})
	if err != nil || !addResp.Accepted {
		a.chain.RemoveLastBlock()
		return false
	}
	return true
}

// Publish starts a new bidding session under topic, active for ttl, and
// records a PUB_TOPIC event on the chain.
func (a *App) Publish(topic string, ttl time.Duration) (*PubSubSession, error) {
	session := NewPubSubSession(a.self.DialAddr())
	session.SetTTL(time.Now().Add(ttl))
	a.dht.Insert(topic, session.Encode())

	expTime := session.TTL().Format(time.RFC3339Nano)
	msg := fmt.Sprintf("PUB_TOPIC: %s|PUBLISHER: %s", topic, a.self.DialAddr())
	if !a.pullBkAddBlock(a.bootstrap, msg, EventPubTopic, &expTime) {
		return nil, fmt.Errorf("app: bootstrap rejected publish block")
	}

	a.mu.Lock()
	a.topics[topic] = &Topic{Name: topic, TTL: *session.TTL(), Publisher: a.self.DialAddr()}
	a.mu.Unlock()
	return session, nil
}

func (a *App) fetchSession(topic string) (*PubSubSession, error) {
	val, ok := a.dht.Get(topic)
	if !ok {
		return nil, ErrTopicNotFound
	}
	session, err := DecodePubSubSession(val)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return session, nil
}

// Subscribe registers addr as a subscriber of topic, provided the session
// is still active.
func (a *App) Subscribe(topic, addr string) error {
	session, err := a.fetchSession(topic)
	if err != nil {
		return err
	}
	if !session.Active() {
		return ErrTopicExpired
	}
	session.AddSub(addr)
	a.dht.Insert(topic, session.Encode())
	return nil
}

// AddMsg raises a bid on topic, parsed from a "bid <amount>" command, on
// behalf of addr.
func (a *App) AddMsg(topic, addr, cmd string) error {
	session, err := a.fetchSession(topic)
	if err != nil {
		return err
	}
	if !session.VerifyAddr(addr) {
		return ErrNotAuthorized
	}
	raise, err := parseBidRaise(cmd)
	if err != nil {
		return err
	}
	msg, err := encodeBid(raise, addr)
	if err != nil {
		return err
	}
	switch session.AddMsg(msg) {
	case 1:
		return fmt.Errorf("app: bid does not raise current highest bid")
	case 2:
		return ErrTopicExpired
	}
	a.dht.Insert(topic, session.Encode())
	return nil
}

// GetTopics returns a snapshot of every topic this node currently tracks.
func (a *App) GetTopics() []Topic {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Topic, 0, len(a.topics))
	for _, t := range a.topics {
		out = append(out, *t)
	}
	return out
}

// GetJSON returns the CLI-facing view of topic's session.
func (a *App) GetJSON(topic string) (map[string]interface{}, error) {
	session, err := a.fetchSession(topic)
	if err != nil {
		return nil, err
	}
	return session.ToJSON(), nil
}

// pullBkLoop periodically reconciles against the bootstrap's chain and
// projects any new PUB_TOPIC/END_TOPIC events into the local topic table,
// every 2*NodeTimeout. REGISTER events are skipped.
func (a *App) pullBkLoop() {
	ticker := time.NewTicker(2 * a.nodeTimeout())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.pullBkOnce()
		case <-a.stop:
			return
		}
	}
}

func (a *App) pullBkOnce() {
	resp, err := a.rpc.Call(a.bootstrap, Request{Kind: ReqQueryChain})
	if err != nil {
		a.log.Debugf("pull_bk query_chain failed: %v", err)
		return
	}

	local := a.chain.Blocks()
	diff := GetDiffFromChains(local, resp.Chain)
	chosen := ChooseChain(local, resp.Chain)
	if !sameChain(chosen, local) {
		a.chain.ReplaceChain(chosen)
	}
	if diff == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, block := range diff {
		event, err := ParseEvent(block.Data)
		if err != nil {
			continue
		}
		switch event.Kind {
		case EventPubTopic:
			topic, publisher, ok := parsePubTopicMsg(event.Msg)
			if !ok {
				continue
			}
			ttl := time.Now().Add(a.nodeTimeout())
			if event.ExpTime != nil {
				if parsed, err := time.Parse(time.RFC3339Nano, *event.ExpTime); err == nil {
					ttl = parsed
				}
			}
			if _, exists := a.topics[topic]; !exists {
				a.topics[topic] = &Topic{Name: topic, TTL: ttl, Publisher: publisher}
			}
		case EventEndTopic:
			topic, _, _, ok := parseEndTopicMsg(event.Msg)
			if ok {
				delete(a.topics, topic)
			}
		}
	}
}

// teardownLoop retires this node's own expired topics: it freezes the
// highest bid into an END_TOPIC event and removes the topic from the
// table. It sleeps for 50*NodeTimeout whenever none of this node's own
// topics has expired.
func (a *App) teardownLoop() {
	for {
		select {
		case <-a.stop:
			return
		default:
		}

		expired := a.findExpiredOwnTopic()
		if expired == nil {
			select {
			case <-time.After(50 * a.nodeTimeout()):
			case <-a.stop:
				return
			}
			continue
		}

		a.teardownTopic(expired)
	}
}

func (a *App) findExpiredOwnTopic() *Topic {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.topics {
		if t.Publisher == a.self.DialAddr() && time.Now().After(t.TTL) {
			cp := *t
			return &cp
		}
	}
	return nil
}

func (a *App) teardownTopic(t *Topic) {
	var bid uint
	bidder := "unknown"
	if session, err := a.fetchSession(t.Name); err == nil {
		if b, addr, ok := session.HighestBid(); ok {
			bid, bidder = b, addr
		}
	}

	msg := fmt.Sprintf("END_TOPIC: %s|BID: %d|BIDDER: %s", t.Name, bid, bidder)
	a.pullBkAddBlock(a.bootstrap, msg, EventEndTopic, nil)

	a.mu.Lock()
	delete(a.topics, t.Name)
	a.mu.Unlock()
}

// Stop halts every background loop and closes the underlying socket.
func (a *App) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.dht.Stop()
	a.rpc.Close()
}

func encodeBid(raise uint, addr string) (string, error) {
	return fmt.Sprintf(`{"data":%d,"sender_addr":%q}`, raise, addr), nil
}

func parsePubTopicMsg(msg string) (topic, publisher string, ok bool) {
	parts := strings.Split(msg, "|")
	if len(parts) != 2 {
		return "", "", false
	}
	topic, ok1 := strings.CutPrefix(parts[0], "PUB_TOPIC: ")
	publisher, ok2 := strings.CutPrefix(parts[1], "PUBLISHER: ")
	return topic, publisher, ok1 && ok2
}

func parseEndTopicMsg(msg string) (topic string, bid uint, bidder string, ok bool) {
	parts := strings.Split(msg, "|")
	if len(parts) != 3 {
		return "", 0, "", false
	}
	topic, ok1 := strings.CutPrefix(parts[0], "END_TOPIC: ")
	bidStr, ok2 := strings.CutPrefix(parts[1], "BID: ")
	bidder, ok3 := strings.CutPrefix(parts[2], "BIDDER: ")
	if !ok1 || !ok2 || !ok3 {
		return "", 0, "", false
	}
	fmt.Sscanf(bidStr, "%d", &bid)
	return topic, bid, bidder, true
}
