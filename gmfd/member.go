// Package gmfd implements gossip membership with failure detection:
// heartbeat gossip plus a SWIM-like direct/indirect ping detector, with
// join, voluntary leave, suspicion, and rejoin.
package gmfd

import (
	"math/rand"
	"slices"

	"go.uber.org/zap"

	"github.com/mcastellin/distnode/protocol"
)

const (
	// Eps nudges a recovered peer's timestamp strictly positive so the
	// sign convention below never lands on an ambiguous zero.
	Eps = 1e-4

	heartbeatNotifyPositiveNodesCnt = 3
	heartbeatNotifyNegativeNodesCnt = 3
	pingPeriod                      = 4.5
	findNodeToPingTries             = 10
	ping2Cnt                        = 3
)

const (
	kindJoin            = "JOIN"
	kindHeartbeat       = "HEARTBEAT"
	kindLeftNotify      = "LEFT_NOTIFY"
	kindTryRecover      = "TRY_RECOVER"
	kindTryRecoverOK    = "TRY_RECOVER_APPROVE"
	kindPing            = "PING"
	kindPingApprove     = "PING_APPROVE"
	kindPing2Forward    = "PING2_FORWARD"
	kindPing2Final      = "PING2_FINAL"
	kindPing2Backward   = "PING2_BACKWARD"
	kindPing2Approve    = "PING2_APPROVE"

	timerHeartbeat = "HEARTBEAT"
	timerPing      = "PING"
)

// Option configures a Node at construction time.
type Option func(*Node)

// WithRand injects the PRNG used for peer sampling, making runs
// reproducible in tests.
func WithRand(r *rand.Rand) Option {
	return func(n *Node) { n.rand = r }
}

// WithLogger attaches a structured logger; defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// NewNode creates a membership/failure-detector node. It starts
// unjoined; a local JOIN message is required before it participates.
func NewNode(id protocol.NodeId, opts ...Option) *Node {
	n := &Node{
		id:               id,
		members:          map[protocol.NodeId]float64{},
		waitingFirstAck:  map[protocol.NodeId]float64{},
		waitingSecondAck: map[protocol.NodeId]float64{},
		rand:             rand.New(rand.NewSource(1)),
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Node is one member's local view of the group. The sign of
// members[id] encodes alive (positive) vs suspected-or-left
// (negative); the magnitude is the last observed liveness timestamp.
type Node struct {
	id      protocol.NodeId
	joined  bool
	members map[protocol.NodeId]float64

	waitingFirstAck  map[protocol.NodeId]float64
	waitingSecondAck map[protocol.NodeId]float64

	rand   *rand.Rand
	logger *zap.Logger
}

func (n *Node) OnLocalMessage(msg protocol.Message, ctx protocol.Context) {
	switch msg.Kind {
	case kindJoin:
		n.joined = true
		seed := protocol.NodeId(msg.Fields.Str("seed"))
		n.members[n.id] = ctx.Time()
		if seed != n.id {
			n.members[seed] = ctx.Time()
			ctx.Send(protocol.NewMessage(kindJoin, protocol.Fields{
				"self": string(n.id), "t": ctx.Time(),
			}), seed)
		}
		ctx.SetTimer(timerHeartbeat, n.heartbeatPeriod())
		ctx.SetTimer(timerPing, pingPeriod)

	case "LEAVE":
		n.joined = false
		n.members[n.id] = -ctx.Time()
		notifyMsg := protocol.NewMessage(kindLeftNotify, protocol.Fields{
			"self": string(n.id), "t": n.members[n.id],
		})
		for _, p := range n.randomAlivePeers(heartbeatNotifyPositiveNodesCnt) {
			ctx.Send(notifyMsg, p)
		}

	case "GET_MEMBERS":
		var alive []string
		for id, t := range n.members {
			if t > 0 {
				alive = append(alive, string(id))
			}
		}
		slices.Sort(alive)
		ctx.SendLocal(protocol.NewMessage("MEMBERS", protocol.Fields{"members": alive}))
	}
}

func (n *Node) OnMessage(msg protocol.Message, sender protocol.NodeId, ctx protocol.Context) {
	switch msg.Kind {
	case kindHeartbeat:
		n.onHeartbeat(msg, ctx)
	case kindJoin:
		n.members[protocol.NodeId(msg.Fields.Str("self"))] = msg.Fields.Float("t")
	case kindLeftNotify:
		node := protocol.NodeId(msg.Fields.Str("self"))
		if _, known := n.members[node]; known {
			n.members[node] = msg.Fields.Float("t")
		}
	case kindTryRecover:
		if n.joined {
			ctx.Send(protocol.NewMessage(kindTryRecoverOK, protocol.Fields{
				"self": string(n.id), "t": ctx.Time(),
			}), sender)
		}
	case kindTryRecoverOK:
		node := protocol.NodeId(msg.Fields.Str("self"))
		t := msg.Fields.Float("t")
		if cur, known := n.members[node]; !known || cur < 0 {
			n.members[node] = absF(t) + Eps
		}
	case kindPing:
		n.onPing(msg, sender, ctx)
	case kindPingApprove:
		node := protocol.NodeId(msg.Fields.Str("self"))
		n.members[node] = msg.Fields.Float("t")
		delete(n.waitingFirstAck, node)
	case kindPing2Forward:
		ctx.Send(protocol.NewMessage(kindPing2Final, msg.Fields), protocol.NodeId(msg.Fields.Str("target")))
	case kindPing2Final:
		if n.members[n.id] > 0 {
			ctx.Send(protocol.NewMessage(kindPing2Backward, msg.Fields), protocol.NodeId(msg.Fields.Str("intermediary")))
		}
	case kindPing2Backward:
		ctx.Send(protocol.NewMessage(kindPing2Approve, msg.Fields), protocol.NodeId(msg.Fields.Str("requester")))
	case kindPing2Approve:
		target := protocol.NodeId(msg.Fields.Str("target"))
		delete(n.waitingSecondAck, target)
	}
}

// onHeartbeat merges the sender's group view into ours, but only when
// the sender itself is new to us or we still consider it alive. A
// heartbeat relayed by a peer we already suspect is not trusted to
// carry a fresher picture of everyone else; that peer must first heal
// through the recover handshake.
func (n *Node) onHeartbeat(msg protocol.Message, ctx protocol.Context) {
	from := protocol.NodeId(msg.Fields.Str("self"))
	cur, known := n.members[from]
	if known && cur <= 0 {
		return
	}
	sub := msg.Fields.Sub("group")
	for k, v := range sub {
		t, ok := v.(float64)
		if !ok {
			continue
		}
		node := protocol.NodeId(k)
		if existing, present := n.members[node]; !present || absF(existing) < absF(t) {
			n.members[node] = t
		}
	}
}

func (n *Node) onPing(msg protocol.Message, sender protocol.NodeId, ctx protocol.Context) {
	if n.members[n.id] <= 0 {
		return
	}
	node := protocol.NodeId(msg.Fields.Str("self"))
	if existing, present := n.members[node]; !present || existing > 0 {
		n.members[node] = msg.Fields.Float("t")
	}
	ctx.Send(protocol.NewMessage(kindPingApprove, protocol.Fields{
		"self": string(n.id), "t": ctx.Time(),
	}), sender)
}

func (n *Node) OnTimer(timerID string, ctx protocol.Context) {
	if self, ok := n.members[n.id]; ok {
		if self > 0 {
			n.members[n.id] = ctx.Time()
		} else {
			n.members[n.id] = -ctx.Time()
		}
	}

	switch timerID {
	case timerHeartbeat:
		n.runHeartbeat(ctx)
		ctx.SetTimer(timerHeartbeat, n.heartbeatPeriod())
	case timerPing:
		n.runPing(ctx)
		ctx.SetTimer(timerPing, pingPeriod+n.rand.Float64()/10)
	}

	n.escalate(ctx)
}

func (n *Node) runHeartbeat(ctx protocol.Context) {
	group := make(protocol.Fields, len(n.members))
	for id, t := range n.members {
		group[string(id)] = t
	}
	heartbeatMsg := protocol.NewMessage(kindHeartbeat, protocol.Fields{
		"self": string(n.id), "group": group,
	})
	for _, p := range n.randomAlivePeers(heartbeatNotifyPositiveNodesCnt) {
		ctx.Send(heartbeatMsg, p)
	}

	tryRecoverMsg := protocol.NewMessage(kindTryRecover, protocol.Fields{"self": string(n.id)})
	for _, p := range n.randomSuspectedPeers(heartbeatNotifyNegativeNodesCnt) {
		ctx.Send(tryRecoverMsg, p)
	}
}

func (n *Node) runPing(ctx protocol.Context) {
	ids := n.shuffledMemberIDs()
	tries := findNodeToPingTries
	if tries > len(ids) {
		tries = len(ids)
	}
	for i := 0; i < tries; i++ {
		candidate := ids[i]
		if candidate == n.id || n.members[candidate] <= 0 {
			continue
		}
		if _, waiting := n.waitingFirstAck[candidate]; waiting {
			continue
		}
		ctx.Send(protocol.NewMessage(kindPing, protocol.Fields{
			"self": string(n.id), "t": ctx.Time(),
		}), candidate)
		n.waitingFirstAck[candidate] = ctx.Time()
		return
	}
}

func (n *Node) escalate(ctx protocol.Context) {
	now := ctx.Time()
	waitFirst := 2 * n.heartbeatPeriod()
	waitSecond := 3 * n.heartbeatPeriod()

	for node, t := range n.waitingFirstAck {
		if now-t <= waitFirst {
			continue
		}
		delete(n.waitingFirstAck, node)
		if _, already := n.waitingSecondAck[node]; already {
			continue
		}
		n.waitingSecondAck[node] = now

		target := node
		forwardMsg := protocol.NewMessage(kindPing2Forward, protocol.Fields{
			"requester": string(n.id), "target": string(target),
		})
		count := 0
		for _, intermediary := range n.shuffledMemberIDs() {
			if intermediary == n.id || n.members[intermediary] <= 0 {
				continue
			}
			withIntermediary := forwardMsg.With("intermediary", string(intermediary))
			ctx.Send(withIntermediary, intermediary)
			count++
			if count >= ping2Cnt {
				break
			}
		}
	}

	for node, t := range n.waitingSecondAck {
		if now-t <= waitSecond {
			continue
		}
		delete(n.waitingSecondAck, node)
		n.members[node] = -(absF(n.members[node]) + 1)
	}
}

// heartbeatPeriod adapts the gossip period to the known group size.
// It is recomputed on every timer fire so the cadence tracks joins and
// suspicions as they happen.
func (n *Node) heartbeatPeriod() float64 {
	switch sz := len(n.members); {
	case sz <= 10:
		return 4
	case sz <= 20:
		return 7.5
	default:
		return 15
	}
}

func (n *Node) shuffledMemberIDs() []protocol.NodeId {
	ids := make([]protocol.NodeId, 0, len(n.members))
	for id := range n.members {
		ids = append(ids, id)
	}
	n.rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	return ids
}

func (n *Node) randomAlivePeers(limit int) []protocol.NodeId {
	var out []protocol.NodeId
	for _, id := range n.shuffledMemberIDs() {
		if id == n.id || n.members[id] <= 0 {
			continue
		}
		out = append(out, id)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func (n *Node) randomSuspectedPeers(limit int) []protocol.NodeId {
	var out []protocol.NodeId
	for _, id := range n.shuffledMemberIDs() {
		if id == n.id || n.members[id] > 0 {
			continue
		}
		out = append(out, id)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
