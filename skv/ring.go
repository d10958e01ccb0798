package skv

import (
	"math/rand"

	"github.com/mcastellin/distnode/protocol"
)

// DefaultN and DefaultK are the standard ring dimensions: 100 logical
// slots, 1000 virtual nodes each.
const (
	DefaultN = 100
	DefaultK = 1000
)

// RingTopology is the immutable virtual-node assignment shared across
// every node of a cluster: a single value, built once and passed by
// pointer to each Node, rather than a package-level singleton any node
// could mutate.
//
// All nodes of a deployment must be constructed against the same
// RingTopology; an explicit shared value makes that agreement
// structural instead of incidental.
type RingTopology struct {
	nodeIDs []protocol.NodeId
	k       int
	r       int

	indexOf         map[protocol.NodeId]int
	ownerOfPosition []int
	positionsByNode [][]int
}

// NewRingTopology builds the ring assignment for a fixed set of
// logical node ids: a permutation of [0,R) is generated from seed,
// and virtual node positions are assigned to logical nodes in
// contiguous blocks of k. The same (nodeIDs, k, seed) triple always
// produces the same assignment.
func NewRingTopology(nodeIDs []protocol.NodeId, k int, seed int64) *RingTopology {
	if k <= 0 {
		k = DefaultK
	}
	n := len(nodeIDs)
	r := n * k

	perm := rand.New(rand.NewSource(seed)).Perm(r)

	owner := make([]int, r)
	byNode := make([][]int, n)
	for x, pos := range perm {
		idx := x / k
		owner[pos] = idx
		byNode[idx] = append(byNode[idx], pos)
	}

	indexOf := make(map[protocol.NodeId]int, n)
	for i, id := range nodeIDs {
		indexOf[id] = i
	}

	return &RingTopology{
		nodeIDs:         append([]protocol.NodeId(nil), nodeIDs...),
		k:               k,
		r:               r,
		indexOf:         indexOf,
		ownerOfPosition: owner,
		positionsByNode: byNode,
	}
}

// R is the total ring size, N*K.
func (t *RingTopology) R() int { return t.r }

// OwnerAt returns the logical node id owning virtual position pos.
func (t *RingTopology) OwnerAt(pos int) protocol.NodeId {
	return t.nodeIDs[t.ownerOfPosition[pos]]
}

// PositionsOf returns the (unsorted) virtual node positions assigned
// to id, or nil if id is not part of this topology.
func (t *RingTopology) PositionsOf(id protocol.NodeId) []int {
	idx, ok := t.indexOf[id]
	if !ok {
		return nil
	}
	return t.positionsByNode[idx]
}
