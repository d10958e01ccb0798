package dgp

import (
	"go.uber.org/zap"

	"github.com/mcastellin/distnode/protocol"
)

// NewAtLeastOnceSender creates a sender for the at-least-once variant:
// every submitted payload is resent on a fixed period until
// acknowledged, giving a >=1 delivery guarantee with possible
// duplicates.
func NewAtLeastOnceSender(id, receiverID protocol.NodeId, logger *zap.Logger) *AtLeastOnceSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AtLeastOnceSender{
		id:         id,
		receiverID: receiverID,
		unacked:    map[uint64]protocol.Message{},
		timerSeq:   map[string]uint64{},
		logger:     logger,
	}
}

// AtLeastOnceSender is the sender half of the at-least-once variant.
type AtLeastOnceSender struct {
	id         protocol.NodeId
	receiverID protocol.NodeId
	nextSeq    uint64
	unacked    map[uint64]protocol.Message
	timerSeq   map[string]uint64
	logger     *zap.Logger
}

func (s *AtLeastOnceSender) OnLocalMessage(msg protocol.Message, ctx protocol.Context) {
	seq := s.nextSeq
	s.nextSeq++
	s.unacked[seq] = msg

	name := resendTimerName(seq)
	s.timerSeq[name] = seq
	ctx.Send(encodeData(seq, msg), s.receiverID)
	ctx.SetTimer(name, ResendPeriod)
}

func (s *AtLeastOnceSender) OnMessage(msg protocol.Message, sender protocol.NodeId, ctx protocol.Context) {
	if msg.Kind != kindAck {
		return
	}
	seq := decodeAckSeq(msg)
	s.acknowledge(seq, ctx)
}

func (s *AtLeastOnceSender) acknowledge(seq uint64, ctx protocol.Context) {
	name := resendTimerName(seq)
	ctx.CancelTimer(name)
	delete(s.timerSeq, name)
	delete(s.unacked, seq)
}

func (s *AtLeastOnceSender) OnTimer(timerID string, ctx protocol.Context) {
	seq, ok := s.timerSeq[timerID]
	if !ok {
		return
	}
	payload, stillPending := s.unacked[seq]
	if !stillPending {
		delete(s.timerSeq, timerID)
		return
	}
	ctx.Send(encodeData(seq, payload), s.receiverID)
	ctx.SetTimer(timerID, ResendPeriod)
	s.logger.Debug("at-least-once: resent", zap.Uint64("seq", seq))
}

// NewAtLeastOnceReceiver creates a receiver for the at-least-once
// variant: every delivery is acked and passed to the local user,
// duplicates included.
func NewAtLeastOnceReceiver(id, senderID protocol.NodeId) *AtLeastOnceReceiver {
	return &AtLeastOnceReceiver{id: id, senderID: senderID}
}

// AtLeastOnceReceiver is the receiver half of the at-least-once
// variant.
type AtLeastOnceReceiver struct {
	id       protocol.NodeId
	senderID protocol.NodeId
}

func (r *AtLeastOnceReceiver) OnLocalMessage(msg protocol.Message, ctx protocol.Context) {}

func (r *AtLeastOnceReceiver) OnMessage(msg protocol.Message, sender protocol.NodeId, ctx protocol.Context) {
	if msg.Kind != kindData {
		return
	}
	env := decodeData(msg)
	ctx.Send(encodeAck(env.seq), r.replyTo(sender))
	ctx.SendLocal(env.payload)
}

// replyTo prefers the configured senderID when set, otherwise acks
// whoever the message arrived from; this lets tests wire a receiver
// without fixing its sender ahead of time.
func (r *AtLeastOnceReceiver) replyTo(sender protocol.NodeId) protocol.NodeId {
	if r.senderID != "" {
		return r.senderID
	}
	return sender
}

func (r *AtLeastOnceReceiver) OnTimer(timerID string, ctx protocol.Context) {}
