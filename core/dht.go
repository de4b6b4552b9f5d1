package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DHT combines the routing table, the RPC transport and a local key/value
// store into the Kademlia operations every node exposes: Insert and Get,
// plus a background loop that republishes locally-inserted keys every
// TReplicate so they survive beyond any single node's churn.
type DHT struct {
	self   Node
	rpc    *RPC
	rt     *RoutingTable
	lookup *Lookup
	log    *logrus.Entry

	mu      sync.RWMutex
	store   map[Key]string
	origins map[Key]string // key -> original string form, for republish

	replicate time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewDHT wires a DHT around an already-bound RPC transport and routing
// table.
func NewDHT(self Node, rpc *RPC, rt *RoutingTable, alpha, k int, replicate time.Duration) *DHT {
	return &DHT{
		self:      self,
		rpc:       rpc,
		rt:        rt,
		lookup:    NewLookup(rpc, rt, alpha, k),
		log:       logrus.WithField("component", "dht").WithField("node", self.DialAddr()),
		store:     make(map[Key]string),
		origins:   make(map[Key]string),
		replicate: replicate,
		stop:      make(chan struct{}),
	}
}

// Insert stores value under key, both locally and replicated out to the
// closest known peers via a Store RPC. A key inserted this way is tracked
// for periodic republish.
func (d *DHT) Insert(keyStr string, value string) {
	key := NewKey(keyStr)

	d.mu.Lock()
	d.store[key] = value
	d.origins[key] = keyStr
	d.mu.Unlock()

	d.replicateTo(key, keyStr, value)
}

// localGet reads key from the local store only, without falling back to a
// network lookup. Used by the RPC handler answering a FindValue request,
// where recursing into Get would risk an unbounded lookup chain across
// peers that don't hold the value either.
func (d *DHT) localGet(key Key) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.store[key]
	return v, ok
}

// insertLocal stores value under key without replicating or tracking it
// for republish — used for read-repair and for handling inbound Store
// RPCs, where re-broadcasting would cause the replication traffic to
// cascade across the network.
func (d *DHT) insertLocal(key Key, value string) {
	d.mu.Lock()
	d.store[key] = value
	d.mu.Unlock()
}

// replicateTo runs an iterative FindNode(hash(k)) per §4.4 and issues a
// Store RPC to every node it returns, in parallel. Using the local
// routing table's single target bucket instead would only reach peers
// already known to self, not the globally closest nodes a real lookup
// would discover.
func (d *DHT) replicateTo(key Key, keyStr, value string) {
	for _, nd := range d.lookup.FindNode(key) {
		if nd.Node.ID == d.self.ID {
			continue
		}
		go func(n Node) {
			if _, err := d.rpc.Call(n, Request{Kind: ReqStore, StoreKey: keyStr, StoreValue: value}); err != nil {
				d.log.Debugf("replicate to %s failed: %v", n.DialAddr(), err)
			}
		}(nd.Node)
	}
}

// Get returns the value stored under keyStr, checking the local store
// first and falling back to an iterative FIND_VALUE lookup across the
// network. On a network hit, the value is read-repaired into the local
// store and into every peer visited during the lookup.
func (d *DHT) Get(keyStr string) (string, bool) {
	key := NewKey(keyStr)

	d.mu.RLock()
	v, ok := d.store[key]
	d.mu.RUnlock()
	if ok {
		return v, true
	}

	value, visited, found := d.lookup.FindValue(key)
	if !found {
		return "", false
	}

	d.insertLocal(key, value)
	for _, nd := range visited {
		if nd.Node.ID == d.self.ID {
			continue
		}
		go func(n Node) {
			if _, err := d.rpc.Call(n, Request{Kind: ReqStore, StoreKey: keyStr, StoreValue: value}); err != nil {
				d.log.Debugf("read-repair to %s failed: %v", n.DialAddr(), err)
			}
		}(nd.Node)
	}
	return value, true
}

// StartRepublish launches the background loop that re-inserts every
// locally-originated key every TReplicate, keeping it alive in the DHT
// beyond this node's own churn.
func (d *DHT) StartRepublish() {
	go func() {
		ticker := time.NewTicker(d.replicate)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.republishOnce()
			case <-d.stop:
				return
			}
		}
	}()
}

func (d *DHT) republishOnce() {
	d.mu.RLock()
	origins := make(map[Key]string, len(d.origins))
	for k, s := range d.origins {
		origins[k] = s
	}
	d.mu.RUnlock()

	for key, keyStr := range origins {
		d.mu.RLock()
		value := d.store[key]
		d.mu.RUnlock()
		d.replicateTo(key, keyStr, value)
	}
}

// Stop halts the republish loop.
func (d *DHT) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// RoutingTable exposes the underlying table for components (App, Bootstrap)
// that need to enumerate or seed known peers directly.
func (d *DHT) RoutingTable() *RoutingTable { return d.rt }

// RPC exposes the underlying transport for components issuing RPCs outside
// the DHT's own Insert/Get (NodeJoin, chain sync, AddBlock).
func (d *DHT) RPC() *RPC { return d.rpc }
