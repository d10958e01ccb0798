package dgp

import (
	"sort"

	"go.uber.org/zap"

	"github.com/mcastellin/distnode/protocol"
)

// NewExactlyOnceOrderedSender creates a sender for the exactly-once,
// FIFO-ordered variant. It resends like at-least-once, and in addition
// answers gap probes from the receiver with its first unacknowledged
// sequence number so the receiver knows it is safe to drain.
func NewExactlyOnceOrderedSender(id, receiverID protocol.NodeId, logger *zap.Logger) *ExactlyOnceOrderedSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExactlyOnceOrderedSender{
		id:         id,
		receiverID: receiverID,
		unacked:    map[uint64]protocol.Message{},
		timerSeq:   map[string]uint64{},
		logger:     logger,
	}
}

// ExactlyOnceOrderedSender is the sender half of the exactly-once,
// FIFO-ordered variant.
type ExactlyOnceOrderedSender struct {
	id         protocol.NodeId
	receiverID protocol.NodeId
	nextSeq    uint64
	unacked    map[uint64]protocol.Message
	timerSeq   map[string]uint64
	logger     *zap.Logger
}

func (s *ExactlyOnceOrderedSender) OnLocalMessage(msg protocol.Message, ctx protocol.Context) {
	seq := s.nextSeq
	s.nextSeq++
	s.unacked[seq] = msg

	name := resendTimerName(seq)
	s.timerSeq[name] = seq
	ctx.Send(encodeData(seq, msg), s.receiverID)
	ctx.SetTimer(name, ResendPeriod)
}

func (s *ExactlyOnceOrderedSender) OnMessage(msg protocol.Message, sender protocol.NodeId, ctx protocol.Context) {
	switch msg.Kind {
	case kindAck:
		seq := decodeAckSeq(msg)
		name := resendTimerName(seq)
		ctx.CancelTimer(name)
		delete(s.timerSeq, name)
		delete(s.unacked, seq)

	case kindGapProbe:
		ctx.Send(protocol.NewMessage(kindGapReply, protocol.Fields{
			"first_unacked": int64(s.firstUnacked()),
		}), sender)
	}
}

func (s *ExactlyOnceOrderedSender) firstUnacked() uint64 {
	if len(s.unacked) == 0 {
		return s.nextSeq
	}
	min := s.nextSeq
	for seq := range s.unacked {
		if seq < min {
			min = seq
		}
	}
	return min
}

func (s *ExactlyOnceOrderedSender) OnTimer(timerID string, ctx protocol.Context) {
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
}

// GapProbeInterval is how often the receiver probes the sender for its
// first-unacknowledged sequence while messages are buffered. Probes are
// sent only when this timer fires; arriving data arms the timer but
// does not send a probe itself.
const GapProbeInterval = 10.0

const gapProbeTimer = "gap-probe"

// NewExactlyOnceOrderedReceiver creates a receiver for the
// exactly-once, FIFO-ordered variant.
func NewExactlyOnceOrderedReceiver(id, senderID protocol.NodeId) *ExactlyOnceOrderedReceiver {
	return &ExactlyOnceOrderedReceiver{
		id:       id,
		senderID: senderID,
		buffer:   map[uint64]protocol.Message{},
	}
}

// ExactlyOnceOrderedReceiver buffers out-of-order deliveries and only
// releases a prefix-strict, gap-free run of them to the local user once
// the sender confirms there is nothing still outstanding below it.
type ExactlyOnceOrderedReceiver struct {
	id           protocol.NodeId
	senderID     protocol.NodeId
	nextExpected uint64
	buffer       map[uint64]protocol.Message
	probeArmed   bool
}

func (r *ExactlyOnceOrderedReceiver) OnLocalMessage(msg protocol.Message, ctx protocol.Context) {}

func (r *ExactlyOnceOrderedReceiver) OnMessage(msg protocol.Message, sender protocol.NodeId, ctx protocol.Context) {
	switch msg.Kind {
	case kindData:
		env := decodeData(msg)
		ctx.Send(encodeAck(env.seq), sender)
		if env.seq >= r.nextExpected {
			if _, already := r.buffer[env.seq]; !already {
				r.buffer[env.seq] = env.payload
			}
		}
		r.armProbe(ctx)

	case kindGapReply:
		firstUnacked := uint64(msg.Fields.Int("first_unacked"))
		r.drain(firstUnacked, ctx)
	}
}

func (r *ExactlyOnceOrderedReceiver) armProbe(ctx protocol.Context) {
	if r.probeArmed || len(r.buffer) == 0 {
		return
	}
	r.probeArmed = true
	ctx.SetTimer(gapProbeTimer, GapProbeInterval)
}

func (r *ExactlyOnceOrderedReceiver) OnTimer(timerID string, ctx protocol.Context) {
	if timerID != gapProbeTimer {
		return
	}
	r.probeArmed = false
	ctx.Send(protocol.NewMessage(kindGapProbe, nil), r.senderID)
	r.armProbe(ctx)
}

// drain delivers every contiguous buffered message starting at
// nextExpected whose seq is strictly less than firstUnacked, in order,
// advancing nextExpected past each one. A gap (a seq still missing
// from the buffer) stops the drain even if later seqs are present and
// already below firstUnacked: ordering must never skip an outstanding
// predecessor.
func (r *ExactlyOnceOrderedReceiver) drain(firstUnacked uint64, ctx protocol.Context) {
	for {
		payload, ok := r.buffer[r.nextExpected]
		if !ok || r.nextExpected >= firstUnacked {
			return
		}
		delete(r.buffer, r.nextExpected)
		ctx.SendLocal(payload)
		r.nextExpected++
	}
}

// pendingSeqs returns the buffered sequence numbers in ascending
// order, useful for tests and diagnostics.
func (r *ExactlyOnceOrderedReceiver) pendingSeqs() []uint64 {
	out := make([]uint64, 0, len(r.buffer))
	for seq := range r.buffer {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
