// Package skv implements a sharded key-value router: a consistent-hash
// ring with virtual nodes routing get/put/delete requests, rebalancing
// data as nodes join and leave.
package skv

import (
	"slices"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/mcastellin/distnode/protocol"
)

const (
	kindGetFrom    = "GET_FROM"
	kindPutFrom    = "PUT_FROM"
	kindDeleteFrom = "DELETE_FROM"

	kindGetResp          = "GET_RESP"
	kindPutResp          = "PUT_RESP"
	kindDeleteResp       = "DELETE_RESP"
	kindCountRecordsResp = "COUNT_RECORDS_RESP"
	kindDumpKeysResp     = "DUMP_KEYS_RESP"
	kindNoOwner          = "NO_OWNER"

	kindTransferKeys = "TRANSFER_KEYS"
)

// replyKinds is the set of response kinds that, on arrival over the
// network at the original requester, are re-emitted as a local upcall
// rather than processed as a routed request.
var replyKinds = map[string]bool{
	kindGetResp:    true,
	kindPutResp:    true,
	kindDeleteResp: true,
}

// Option configures a Node at construction time.
type Option func(*Node)

// WithLogger attaches a structured logger; defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// NewNode creates a sharded KV node. topo must be the same
// RingTopology value shared by every node in the cluster. members is
// the initial known membership, self included.
func NewNode(id protocol.NodeId, topo *RingTopology, members []protocol.NodeId, opts ...Option) *Node {
	n := &Node{
		id:     id,
		topo:   topo,
		nodes:  map[protocol.NodeId]struct{}{},
		data:   map[string]string{},
		logger: zap.NewNop(),
	}
	for _, m := range members {
		n.nodes[m] = struct{}{}
	}
	n.rebuildActive()
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Node is one shard's local state: the cluster-shared RingTopology,
// the locally known live membership, and this node's own key/value
// store.
type Node struct {
	id    protocol.NodeId
	topo  *RingTopology
	nodes map[protocol.NodeId]struct{}
	data  map[string]string

	activeVnodes []int // sorted ring positions whose owner is currently live

	logger *zap.Logger
}

func (n *Node) OnLocalMessage(msg protocol.Message, ctx protocol.Context) {
	switch msg.Kind {
	case "GET":
		n.route(msg.Fields.Str("key"), ctx, func(owner protocol.NodeId, key string) {
			if owner == n.id {
				ctx.SendLocal(n.localGet(key))
			} else {
				ctx.Send(protocol.NewMessage(kindGetFrom, protocol.Fields{
					"requester": string(n.id), "key": key,
				}), owner)
			}
		})

	case "PUT":
		key := msg.Fields.Str("key")
		value := msg.Fields.Str("value")
		n.route(key, ctx, func(owner protocol.NodeId, key string) {
			if owner == n.id {
				n.data[key] = value
				ctx.SendLocal(protocol.NewMessage(kindPutResp, protocol.Fields{"key": key, "value": value}))
			} else {
				ctx.Send(protocol.NewMessage(kindPutFrom, protocol.Fields{
					"requester": string(n.id), "key": key, "value": value,
				}), owner)
			}
		})

	case "DELETE":
		n.route(msg.Fields.Str("key"), ctx, func(owner protocol.NodeId, key string) {
			if owner == n.id {
				ctx.SendLocal(n.localDelete(key))
			} else {
				ctx.Send(protocol.NewMessage(kindDeleteFrom, protocol.Fields{
					"requester": string(n.id), "key": key,
				}), owner)
			}
		})

	case "NODE_ADDED":
		n.onNodeAdded(protocol.NodeId(msg.Fields.Str("id")), ctx)

	case "NODE_REMOVED":
		n.onNodeRemoved(protocol.NodeId(msg.Fields.Str("id")), ctx)

	case "COUNT_RECORDS":
		ctx.SendLocal(protocol.NewMessage(kindCountRecordsResp, protocol.Fields{"count": int64(len(n.data))}))

	case "DUMP_KEYS":
		keys := make([]string, 0, len(n.data))
		for k := range n.data {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		ctx.SendLocal(protocol.NewMessage(kindDumpKeysResp, protocol.Fields{"keys": keys}))
	}
}

// route resolves key's owner and hands it to fn, or upcalls NO_OWNER
// when membership is currently empty.
func (n *Node) route(key string, ctx protocol.Context, fn func(owner protocol.NodeId, key string)) {
	owner, ok := n.ownerOf(key)
	if !ok {
		ctx.SendLocal(protocol.NewMessage(kindNoOwner, protocol.Fields{"key": key}))
		return
	}
	fn(owner, key)
}

func (n *Node) localGet(key string) protocol.Message {
	v, ok := n.data[key]
	fields := protocol.Fields{"key": key}
	if ok {
		fields["value"] = v
	}
	return protocol.NewMessage(kindGetResp, fields)
}

func (n *Node) localDelete(key string) protocol.Message {
	v, ok := n.data[key]
	delete(n.data, key)
	fields := protocol.Fields{"key": key}
	if ok {
		fields["value"] = v
	}
	return protocol.NewMessage(kindDeleteResp, fields)
}

func (n *Node) OnMessage(msg protocol.Message, sender protocol.NodeId, ctx protocol.Context) {
	if replyKinds[msg.Kind] {
		ctx.SendLocal(msg)
		return
	}

	switch msg.Kind {
	case kindGetFrom:
		requester := protocol.NodeId(msg.Fields.Str("requester"))
		ctx.Send(n.localGet(msg.Fields.Str("key")), requester)

	case kindPutFrom:
		key := msg.Fields.Str("key")
		value := msg.Fields.Str("value")
		requester := protocol.NodeId(msg.Fields.Str("requester"))
		n.data[key] = value
		ctx.Send(protocol.NewMessage(kindPutResp, protocol.Fields{"key": key, "value": value}), requester)

	case kindDeleteFrom:
		requester := protocol.NodeId(msg.Fields.Str("requester"))
		ctx.Send(n.localDelete(msg.Fields.Str("key")), requester)

	case kindTransferKeys:
		sub := msg.Fields.Sub("data")
		for k, v := range sub {
			if s, ok := v.(string); ok {
				n.data[k] = s
			}
		}
	}
}

func (n *Node) OnTimer(timerID string, ctx protocol.Context) {}

// onNodeAdded admits id into the membership, then scans local data for
// keys whose ownership moved to id and batches them into one
// TRANSFER_KEYS.
func (n *Node) onNodeAdded(id protocol.NodeId, ctx protocol.Context) {
	if _, known := n.nodes[id]; known {
		return
	}
	n.nodes[id] = struct{}{}
	n.rebuildActive()

	moved := map[string]string{}
	for key, value := range n.data {
		owner, ok := n.ownerOf(key)
		if ok && owner == id {
			moved[key] = value
		}
	}
	if len(moved) == 0 {
		return
	}
	for key := range moved {
		delete(n.data, key)
	}
	n.sendTransfer(id, moved, ctx)
}

// onNodeRemoved drops id from membership. Only the departing node
// redistributes data: it groups its keys by each one's new owner and
// sends one TRANSFER_KEYS per owner.
func (n *Node) onNodeRemoved(id protocol.NodeId, ctx protocol.Context) {
	if _, known := n.nodes[id]; !known {
		return
	}
	delete(n.nodes, id)
	n.rebuildActive()

	if id != n.id {
		return
	}
	byOwner := map[protocol.NodeId]map[string]string{}
	for key, value := range n.data {
		owner, ok := n.ownerOf(key)
		if !ok || owner == n.id {
			continue
		}
		if byOwner[owner] == nil {
			byOwner[owner] = map[string]string{}
		}
		byOwner[owner][key] = value
	}
	for owner, keys := range byOwner {
		for key := range keys {
			delete(n.data, key)
		}
		n.sendTransfer(owner, keys, ctx)
	}
}

func (n *Node) sendTransfer(dest protocol.NodeId, data map[string]string, ctx protocol.Context) {
	fields := make(protocol.Fields, len(data))
	for k, v := range data {
		fields[k] = v
	}
	ctx.Send(protocol.NewMessage(kindTransferKeys, protocol.Fields{
		"batch": xid.New().String(),
		"data":  fields,
	}), dest)
}

// ownerOf returns the current owner of key's ring position, or false
// if membership is empty.
func (n *Node) ownerOf(key string) (protocol.NodeId, bool) {
	if len(n.activeVnodes) == 0 {
		return "", false
	}
	pos := posForKey(key, n.topo.R())
	idx, _ := slices.BinarySearch(n.activeVnodes, pos)
	if idx == len(n.activeVnodes) {
		idx = 0
	}
	return n.topo.OwnerAt(n.activeVnodes[idx]), true
}

// rebuildActive recomputes the sorted subset of ring positions owned
// by currently live nodes. activeVnodes is always a sorted,
// duplicate-free subsequence of the full permutation.
func (n *Node) rebuildActive() {
	positions := make([]int, 0, len(n.nodes)*n.topo.k)
	for id := range n.nodes {
		positions = append(positions, n.topo.PositionsOf(id)...)
	}
	slices.Sort(positions)
	n.activeVnodes = positions
}
