package core

import "crypto/rand"

// ShufflePeers returns a copy of nodes in Fisher-Yates shuffled order,
// seeded from crypto/rand rather than math/rand so peer order can't be
// biased by an observer who knows the process start time.
func ShufflePeers(nodes []Node) []Node {
	shuffled := append([]Node(nil), nodes...)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := randIntn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled
}

// SamplePeers returns up to n distinct nodes chosen uniformly at random
// from nodes. Bootstrap.InitSync calls it with n equal to the number of
// peers, so every peer is visited, in random order.
func SamplePeers(nodes []Node, n int) []Node {
	shuffled := ShufflePeers(nodes)
	if n > len(shuffled) {
		n = len(shuffled)
	}
	return shuffled[:n]
}

// randIntn returns a uniform random int in [0, n) using crypto/rand,
// avoiding the bias of naive modulo reduction.
func randIntn(n int) int {
	if n <= 0 {
		return 0
	}
	max := uint64(n)
	limit := (^uint64(0)) - (^uint64(0))%max
	for {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0
		}
		v := uint64(0)
		for _, b := range buf {
			v = v<<8 | uint64(b)
		}
		if v < limit {
			return int(v % max)
		}
	}
}
