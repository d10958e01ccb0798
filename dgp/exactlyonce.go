package dgp

import (
	"go.uber.org/zap"

	"github.com/mcastellin/distnode/protocol"
)

// NewExactlyOnceSender creates a sender for the exactly-once variant.
// It resends like at-least-once, but additionally re-forwards every
// ack it receives back to the receiver as a liveness signal the
// receiver uses to garbage-collect its delivered-set. If that
// forwarded ack is lost the entry is retained rather than risk a
// duplicate delivery; see DESIGN.md for the memory trade-off.
func NewExactlyOnceSender(id, receiverID protocol.NodeId, logger *zap.Logger) *ExactlyOnceSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExactlyOnceSender{
		inner: NewAtLeastOnceSender(id, receiverID, logger),
	}
}

// ExactlyOnceSender wraps AtLeastOnceSender's retransmission machinery
// and adds the ack-forwarding liveness signal.
type ExactlyOnceSender struct {
	inner *AtLeastOnceSender
}

func (s *ExactlyOnceSender) OnLocalMessage(msg protocol.Message, ctx protocol.Context) {
	s.inner.OnLocalMessage(msg, ctx)
}

func (s *ExactlyOnceSender) OnMessage(msg protocol.Message, sender protocol.NodeId, ctx protocol.Context) {
	if msg.Kind != kindAck {
		return
	}
	seq := decodeAckSeq(msg)
	s.inner.acknowledge(seq, ctx)
	ctx.Send(encodeAck(seq), s.inner.receiverID)
}

func (s *ExactlyOnceSender) OnTimer(timerID string, ctx protocol.Context) {
	s.inner.OnTimer(timerID, ctx)
}

// NewExactlyOnceReceiver creates a receiver for the exactly-once
// variant: it delivers each distinct seq exactly once, and garbage
// collects its delivered-set when the sender's liveness ack arrives.
func NewExactlyOnceReceiver(id protocol.NodeId) *ExactlyOnceReceiver {
	return &ExactlyOnceReceiver{id: id, delivered: map[uint64]struct{}{}}
}

// ExactlyOnceReceiver is the receiver half of the exactly-once variant.
type ExactlyOnceReceiver struct {
	id        protocol.NodeId
	delivered map[uint64]struct{}
}

func (r *ExactlyOnceReceiver) OnLocalMessage(msg protocol.Message, ctx protocol.Context) {}

func (r *ExactlyOnceReceiver) OnMessage(msg protocol.Message, sender protocol.NodeId, ctx protocol.Context) {
	switch msg.Kind {
	case kindData:
		env := decodeData(msg)
		ctx.Send(encodeAck(env.seq), sender)
		if _, already := r.delivered[env.seq]; !already {
			r.delivered[env.seq] = struct{}{}
			ctx.SendLocal(env.payload)
		}
	case kindAck:
		delete(r.delivered, decodeAckSeq(msg))
	}
}

func (r *ExactlyOnceReceiver) OnTimer(timerID string, ctx protocol.Context) {}
