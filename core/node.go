package core

import "fmt"

// Node is a single auctionmesh peer identity: its DHT key plus the address
// it can be reached at. There is no role hierarchy — every peer in the
// network is the same Node type, behaving as a bootstrap peer or a bidding
// peer purely according to how its Config and App/Bootstrap wiring are set
// up at construction time.
type Node struct {
	ID   Key    `json:"id"`
	Addr string `json:"addr"`
	Port uint16 `json:"port"`
}

// NewNode derives a Node's ID by hashing its "addr:port" dial string.
func NewNode(addr string, port uint16) Node {
	full := fmt.Sprintf("%s:%d", addr, port)
	return Node{ID: NewKey(full), Addr: addr, Port: port}
}

// DialAddr is the "host:port" string used to reach this node over UDP.
func (n Node) DialAddr() string {
	return fmt.Sprintf("%s:%d", n.Addr, n.Port)
}

func (n Node) String() string {
	return fmt.Sprintf("%s %s", n.ID, n.DialAddr())
}

// NodeWithDistance pairs a Node with its distance to some lookup target.
// Only the distance participates in ordering.
type NodeWithDistance struct {
	Node     Node     `json:"node"`
	Distance Distance `json:"distance"`
}

// Less orders by distance only, for use with sort.Slice.
func (a NodeWithDistance) Less(b NodeWithDistance) bool {
	return a.Distance.Less(b.Distance)
}
