package core

import (
	"sort"
	"sync"
)

// Bucket holds up to K nodes whose distance to the owning table's node
// falls in [2^i, 2^(i+1)).
type Bucket struct {
	Nodes []Node
}

// RoutingTable is a node's view of the network: one Bucket per bit of the
// key space, each holding at most K contacts.
type RoutingTable struct {
	self Node
	k    int
	mu   sync.RWMutex
	buck [NBuckets]Bucket
}

// NewRoutingTable creates a table for self, pre-seeded with self and an
// optional bootstrap contact.
func NewRoutingTable(self Node, k int, bootstrap *Node) *RoutingTable {
	rt := &RoutingTable{self: self, k: k}
	rt.Update(self)
	if bootstrap != nil {
		rt.Update(*bootstrap)
	}
	return rt
}

func (rt *RoutingTable) indexFor(id Key) int {
	return bucketIndex(NewDistance(rt.self.ID, id))
}

// Update inserts or refreshes node in its bucket. If the node is already
// present it is moved to the most-recently-seen slot (the tail). If the
// bucket is full and the node is new, it is dropped silently — no
// ping-and-evict probing is performed, matching the original design's
// insertion semantics.
func (rt *RoutingTable) Update(node Node) {
	if node.ID == rt.self.ID {
		idx := rt.indexFor(node.ID)
		rt.mu.Lock()
		defer rt.mu.Unlock()
		rt.insertOrMove(idx, node)
		return
	}
	idx := rt.indexFor(node.ID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := &rt.buck[idx]
	for i, n := range b.Nodes {
		if n.ID == node.ID {
			b.Nodes = append(b.Nodes[:i], b.Nodes[i+1:]...)
			b.Nodes = append(b.Nodes, node)
			return
		}
	}
	if len(b.Nodes) < rt.k {
		b.Nodes = append(b.Nodes, node)
	}
}

func (rt *RoutingTable) insertOrMove(idx int, node Node) {
	b := &rt.buck[idx]
	for i, n := range b.Nodes {
		if n.ID == node.ID {
			b.Nodes = append(b.Nodes[:i], b.Nodes[i+1:]...)
			break
		}
	}
	b.Nodes = append(b.Nodes, node)
}

// Remove drops a node from its bucket, used when a ping/RPC to it fails.
func (rt *RoutingTable) Remove(id Key) {
	idx := rt.indexFor(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := &rt.buck[idx]
	for i, n := range b.Nodes {
		if n.ID == id {
			b.Nodes = append(b.Nodes[:i], b.Nodes[i+1:]...)
			return
		}
	}
}

// Closest returns up to K nodes from the bucket that key maps to, sorted
// by ascending distance to key. It does not widen the search into
// neighbouring buckets — callers needing a broader frontier use the
// iterative lookup in lookup.go instead.
func (rt *RoutingTable) Closest(key Key) []NodeWithDistance {
	idx := rt.indexFor(key)
	rt.mu.RLock()
	nodes := append([]Node(nil), rt.buck[idx].Nodes...)
	rt.mu.RUnlock()

	res := make([]NodeWithDistance, 0, len(nodes))
	for _, n := range nodes {
		res = append(res, NodeWithDistance{Node: n, Distance: NewDistance(n.ID, key)})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Less(res[j]) })
	if len(res) > rt.k {
		res = res[:rt.k]
	}
	return res
}

// AllNodes returns every node currently known across all buckets, used by
// the NodeJoin handler to hand a joining peer its list of contacts.
func (rt *RoutingTable) AllNodes() []Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var out []Node
	for _, b := range rt.buck {
		out = append(out, b.Nodes...)
	}
	return out
}

// WidenFromBucket returns nodes from buckets further from self than key's
// own target bucket, concatenated and sorted by ascending distance to key,
// capped at K. Used to top up a lookup frontier when the target bucket
// yields fewer than alpha candidates.
func (rt *RoutingTable) WidenFromBucket(key Key) []NodeWithDistance {
	idx := rt.indexFor(key)
	rt.mu.RLock()
	var nodes []Node
	for i := idx + 1; i < NBuckets; i++ {
		nodes = append(nodes, rt.buck[i].Nodes...)
	}
	rt.mu.RUnlock()
	return sortedByDistance(nodes, key, rt.k)
}

// AllNodesByDistance is the last-resort fan-out: every node from bucket 1
// upward, sorted by ascending distance to key and capped at K. Used when
// Closest and WidenFromBucket together yield fewer than alpha candidates.
func (rt *RoutingTable) AllNodesByDistance(key Key) []NodeWithDistance {
	rt.mu.RLock()
	var nodes []Node
	for i := 1; i < NBuckets; i++ {
		nodes = append(nodes, rt.buck[i].Nodes...)
	}
	rt.mu.RUnlock()
	return sortedByDistance(nodes, key, rt.k)
}

func sortedByDistance(nodes []Node, key Key, limit int) []NodeWithDistance {
	res := make([]NodeWithDistance, 0, len(nodes))
	for _, n := range nodes {
		res = append(res, NodeWithDistance{Node: n, Distance: NewDistance(n.ID, key)})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Less(res[j]) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res
}

// Contains reports whether key's target bucket currently holds an entry
// for key.
func (rt *RoutingTable) Contains(key Key) bool {
	idx := rt.indexFor(key)
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, n := range rt.buck[idx].Nodes {
		if n.ID == key {
			return true
		}
	}
	return false
}

// Self returns the table owner's own Node.
func (rt *RoutingTable) Self() Node { return rt.self }
