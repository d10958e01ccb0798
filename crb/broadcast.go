// Package crb implements causal reliable broadcast: gossip-style
// reliable broadcast with causal, FIFO-per-source delivery through a
// hold-back queue.
package crb

import (
	"math/rand"
	"sort"

	"go.uber.org/zap"

	"github.com/mcastellin/distnode/protocol"
)

const (
	kindBcast   = "BCAST"
	kindDeliver = "DELIVER"
)

// Option configures a Node at construction time.
type Option func(*Node)

// WithRand injects the PRNG used to choose gossip-forward targets,
// making runs reproducible in tests.
func WithRand(r *rand.Rand) Option {
	return func(n *Node) { n.rand = r }
}

// WithLogger attaches a structured logger; defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// NewNode creates a CRB node. peers is the full membership of the
// broadcast group, self included.
func NewNode(id protocol.NodeId, peers []protocol.NodeId, opts ...Option) *Node {
	n := &Node{
		id:          id,
		peers:       append([]protocol.NodeId(nil), peers...),
		firstStage:  map[string]nodeSet{},
		secondStage: map[string]nodeSet{},
		receivedCnt: map[protocol.NodeId]int64{},
		sentCnt:     map[protocol.NodeId]int64{},
		holdback:    map[string]broadcastMsg{},
		rand:        rand.New(rand.NewSource(1)),
		logger:      zap.NewNop(),
	}
	for _, p := range peers {
		n.receivedCnt[p] = 0
		n.sentCnt[p] = 0
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Node is the per-process state of one member of a causal-broadcast
// group: per-text stage sets, per-source vector counters, and the
// hold-back queue of messages awaiting causal predecessors.
type Node struct {
	id    protocol.NodeId
	peers []protocol.NodeId

	firstStage  map[string]nodeSet // have seen, not yet locally delivered
	secondStage map[string]nodeSet // have locally delivered
	receivedCnt map[protocol.NodeId]int64
	sentCnt     map[protocol.NodeId]int64
	cnt         int64
	holdback    map[string]broadcastMsg

	rand   *rand.Rand
	logger *zap.Logger
}

// broadcastMsg is the typed wire envelope for a BCAST message, parsed
// once at callback entry.
type broadcastMsg struct {
	text        string
	firstStage  nodeSet
	secondStage nodeSet
	receivedCnt map[protocol.NodeId]int64
	from        protocol.NodeId
}

func encodeBcast(m broadcastMsg) protocol.Message {
	rc := make(protocol.Fields, len(m.receivedCnt))
	for k, v := range m.receivedCnt {
		rc[string(k)] = v
	}
	return protocol.NewMessage(kindBcast, protocol.Fields{
		"text":         m.text,
		"first_stage":  m.firstStage.strings(),
		"second_stage": m.secondStage.strings(),
		"received_cnt": rc,
		"from":         string(m.from),
	})
}

func decodeBcast(msg protocol.Message) broadcastMsg {
	rc := map[protocol.NodeId]int64{}
	if sub := msg.Fields.Sub("received_cnt"); sub != nil {
		for k, v := range sub {
			if i, ok := v.(int64); ok {
				rc[protocol.NodeId(k)] = i
			}
		}
	}
	return broadcastMsg{
		text:        msg.Fields.Str("text"),
		firstStage:  newNodeSet(msg.Fields.Strings("first_stage")),
		secondStage: newNodeSet(msg.Fields.Strings("second_stage")),
		receivedCnt: rc,
		from:        protocol.NodeId(msg.Fields.Str("from")),
	}
}

// OnLocalMessage handles the local SEND{text} request: it stamps the
// message with this node's view and processes it exactly as an
// arriving BCAST. A local submit is not routed through the transport,
// so the initiator's own copy is never subject to loss or duplication.
func (n *Node) OnLocalMessage(msg protocol.Message, ctx protocol.Context) {
	if msg.Kind != "SEND" {
		return
	}
	text := msg.Fields.Str("text")
	n.receivedCnt[n.id]++

	m := broadcastMsg{
		text:        text,
		firstStage:  newNodeSet([]string{string(n.id)}),
		secondStage: newNodeSet(nil),
		receivedCnt: copyCounts(n.receivedCnt),
		from:        n.id,
	}
	n.handleBroadcast(m, n.id, ctx)
}

func (n *Node) OnMessage(msg protocol.Message, sender protocol.NodeId, ctx protocol.Context) {
	if msg.Kind != kindBcast {
		return
	}
	n.handleBroadcast(decodeBcast(msg), sender, ctx)
}

func (n *Node) OnTimer(timerID string, ctx protocol.Context) {}

// handleBroadcast runs the four broadcast steps: merge stages, local
// echo, causal release, gossip forward.
func (n *Node) handleBroadcast(m broadcastMsg, sender protocol.NodeId, ctx protocol.Context) {
	text := m.text
	if _, ok := n.firstStage[text]; !ok {
		n.firstStage[text] = newNodeSet([]string{string(n.id)})
	}
	if _, ok := n.secondStage[text]; !ok {
		n.secondStage[text] = newNodeSet(nil)
	}

	// 1. Merge stages: second dominates first.
	unionSecond := n.secondStage[text].union(m.secondStage)
	n.secondStage[text] = unionSecond
	m.secondStage = unionSecond
	for p := range unionSecond {
		n.firstStage[text].discard(p)
		m.firstStage.discard(p)
	}
	unionFirst := n.firstStage[text].union(m.firstStage)
	n.firstStage[text] = unionFirst
	m.firstStage = unionFirst

	// 2. Local echo: commit to delivering once a majority has seen it.
	majority := len(n.peers) / 2
	if len(unionFirst)+len(unionSecond) > majority && !unionSecond.has(n.id) {
		n.firstStage[text].discard(n.id)
		m.firstStage.discard(n.id)
		n.secondStage[text].add(n.id)
		m.secondStage.add(n.id)
		n.holdback[text] = m
	}

	// 3. Causal release: scan the hold-back queue for messages whose
	// causal predecessors have all been delivered locally.
	n.releaseHoldback(ctx)

	// 4. Gossip forward: send the (possibly updated) message to up to
	// floor(n/2)+1 peers that have not yet reached second_stage.
	n.gossipForward(m, ctx)
}

func (n *Node) releaseHoldback(ctx protocol.Context) {
	var delivered []string
	for text, hm := range n.holdback {
		if !n.readyToRelease(hm) {
			continue
		}
		if hm.from == n.id {
			n.cnt++
		} else {
			n.receivedCnt[hm.from]++
		}
		n.sentCnt[hm.from]++
		ctx.SendLocal(protocol.NewMessage(kindDeliver, protocol.Fields{"text": text}))
		delivered = append(delivered, text)
	}
	for _, text := range delivered {
		delete(n.holdback, text)
	}
}

// readyToRelease reports whether every peer's local sent counter has
// caught up with the message's received counters, with a +1
// compensation on the source's own counter since the source counted
// the message itself at submit time.
func (n *Node) readyToRelease(hm broadcastMsg) bool {
	for _, p := range n.peers {
		want := hm.receivedCnt[p]
		if hm.from == n.id {
			if p != hm.from && n.sentCnt[p] < want {
				return false
			}
			if p == hm.from && n.cnt+1 < want {
				return false
			}
		} else {
			if p != hm.from && n.sentCnt[p] < want {
				return false
			}
			if p == hm.from && n.sentCnt[p]+1 < want {
				return false
			}
		}
	}
	return true
}

func (n *Node) gossipForward(m broadcastMsg, ctx protocol.Context) {
	limit := len(n.peers)/2 + 1
	candidates := make([]protocol.NodeId, 0, len(n.peers))
	for _, p := range n.peers {
		if p == n.id || m.secondStage.has(p) {
			continue
		}
		candidates = append(candidates, p)
	}
	n.rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	wire := encodeBcast(m)
	for _, p := range candidates {
		ctx.Send(wire, p)
	}
}

func copyCounts(m map[protocol.NodeId]int64) map[protocol.NodeId]int64 {
	out := make(map[protocol.NodeId]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// nodeSet is a set of NodeId values used for stage membership.
type nodeSet map[protocol.NodeId]struct{}

func newNodeSet(ids []string) nodeSet {
	s := make(nodeSet, len(ids))
	for _, id := range ids {
		s[protocol.NodeId(id)] = struct{}{}
	}
	return s
}

func (s nodeSet) has(id protocol.NodeId) bool {
	_, ok := s[id]
	return ok
}

func (s nodeSet) add(id protocol.NodeId) { s[id] = struct{}{} }

func (s nodeSet) discard(id protocol.NodeId) { delete(s, id) }

func (s nodeSet) union(other nodeSet) nodeSet {
	out := make(nodeSet, len(s)+len(other))
	for id := range s {
		out[id] = struct{}{}
	}
	for id := range other {
		out[id] = struct{}{}
	}
	return out
}

func (s nodeSet) strings() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, string(id))
	}
	sort.Strings(out)
	return out
}
