package core

import (
	"sort"
	"sync"
)

// Lookup implements the iterative FIND_NODE / FIND_VALUE procedure: each
// round queries up to Alpha of the closest not-yet-visited candidates in
// parallel, folding every node the replies mention into the frontier until
// nothing new is discovered.
type Lookup struct {
	rpc   *RPC
	rt    *RoutingTable
	alpha int
	k     int
}

// NewLookup builds a Lookup bound to rpc/rt with the given alpha/k
// parameters (mirroring Config.DHT.Alpha / Config.DHT.K).
func NewLookup(rpc *RPC, rt *RoutingTable, alpha, k int) *Lookup {
	return &Lookup{rpc: rpc, rt: rt, alpha: alpha, k: k}
}

type queryResult struct {
	node  NodeWithDistance
	nodes []NodeWithDistance
	value string
	found bool
	err   error
}

// nextBatch pops up to alpha of the closest entries off frontier, mutating
// it in place. frontier must already be sorted by ascending distance.
func nextBatch(frontier *[]NodeWithDistance, alpha int) []NodeWithDistance {
	f := *frontier
	n := alpha
	if n > len(f) {
		n = len(f)
	}
	batch := f[:n]
	*frontier = f[n:]
	return batch
}

func sortFrontier(frontier []NodeWithDistance) {
	sort.Slice(frontier, func(i, j int) bool { return frontier[i].Less(frontier[j]) })
}

// seedFrontier builds the initial lookup frontier for key: the target
// bucket's own contents first, widened into further buckets and finally
// into a full-table scan if that isn't enough to reach alpha candidates.
// Matches §4.3 step 1 (bucket_nodes, then closest_nodes, then all_nodes).
// Every node added is recorded in history so later rounds don't re-queue it.
func (l *Lookup) seedFrontier(key Key, history map[Key]bool) []NodeWithDistance {
	var frontier []NodeWithDistance
	add := func(entries []NodeWithDistance) {
		for _, nd := range entries {
			if !history[nd.Node.ID] {
				history[nd.Node.ID] = true
				frontier = append(frontier, nd)
			}
		}
	}
	add(l.rt.Closest(key))
	if len(frontier) < l.alpha {
		add(l.rt.WidenFromBucket(key))
	}
	if len(frontier) < l.alpha {
		add(l.rt.AllNodesByDistance(key))
	}
	sortFrontier(frontier)
	return frontier
}

// FindNode runs the iterative lookup for target and returns up to k nodes
// sorted by ascending distance to it.
func (l *Lookup) FindNode(target Key) []NodeWithDistance {
	history := map[Key]bool{}
	frontier := l.seedFrontier(target, history)

	var visited []NodeWithDistance

	for len(frontier) > 0 {
		batch := nextBatch(&frontier, l.alpha)
		results := l.queryBatch(batch, Request{Kind: ReqFindNode, Target: &target})

		for _, qr := range results {
			if qr.err != nil {
				l.rt.Remove(qr.node.Node.ID)
				continue
			}
			visited = append(visited, qr.node)
			l.rt.Update(qr.node.Node)
			for _, entry := range qr.nodes {
				if !history[entry.Node.ID] {
					history[entry.Node.ID] = true
					frontier = append(frontier, entry)
				}
			}
		}
		sortFrontier(frontier)
	}

	sort.Slice(visited, func(i, j int) bool { return visited[i].Less(visited[j]) })
	if len(visited) > l.k {
		visited = visited[:l.k]
	}
	return visited
}

// FindValue runs the iterative lookup for key. A value response does not
// terminate the round immediately: every result in the current batch is
// collected first, and the longest value seen in that batch is returned
// (longer serialized pub/sub sessions carry more subs/msgs, so length is a
// freshness proxy — see §4.3/§9). It returns the value (if found), the set
// of peers that answered without the value (so the caller can read-repair
// them), and whether the value was found at all.
func (l *Lookup) FindValue(key Key) (value string, visited []NodeWithDistance, found bool) {
	history := map[Key]bool{}
	frontier := l.seedFrontier(key, history)

	for len(frontier) > 0 {
		batch := nextBatch(&frontier, l.alpha)
		results := l.queryBatch(batch, Request{Kind: ReqFindValue, Target: &key})

		var best string
		foundAny := false
		for _, qr := range results {
			if qr.err != nil {
				l.rt.Remove(qr.node.Node.ID)
				continue
			}
			l.rt.Update(qr.node.Node)
			if qr.found {
				foundAny = true
				if len(qr.value) > len(best) {
					best = qr.value
				}
				continue
			}
			visited = append(visited, qr.node)
			for _, entry := range qr.nodes {
				if !history[entry.Node.ID] {
					history[entry.Node.ID] = true
					frontier = append(frontier, entry)
				}
			}
		}
		if foundAny {
			return best, visited, true
		}
		sortFrontier(frontier)
	}

	return "", visited, false
}

func (l *Lookup) queryBatch(batch []NodeWithDistance, req Request) []queryResult {
	results := make([]queryResult, len(batch))
	var wg sync.WaitGroup
	for i, nd := range batch {
		wg.Add(1)
		go func(i int, nd NodeWithDistance) {
			defer wg.Done()
			resp, err := l.rpc.Call(nd.Node, req)
			if err != nil {
				results[i] = queryResult{node: nd, err: err}
				return
			}
			switch resp.Kind {
			case RespFindNode:
				results[i] = queryResult{node: nd, nodes: resp.Nodes}
			case RespFindValue:
				results[i] = queryResult{node: nd, nodes: resp.Nodes, value: resp.Value, found: resp.Found}
			default:
				results[i] = queryResult{node: nd, err: ErrTimeout}
			}
		}(i, nd)
	}
	wg.Wait()
	return results
}
