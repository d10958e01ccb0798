package dgp

import (
	"strconv"

	"go.uber.org/zap"

	"github.com/mcastellin/distnode/protocol"
)

// NewAtMostOnceSender creates a sender for the at-most-once variant: it
// transmits once and forgets, giving a <=1 delivery guarantee with
// possible drops.
func NewAtMostOnceSender(id, receiverID protocol.NodeId, logger *zap.Logger) *AtMostOnceSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AtMostOnceSender{id: id, receiverID: receiverID, logger: logger}
}

// AtMostOnceSender is the sender half of the at-most-once variant.
type AtMostOnceSender struct {
	id         protocol.NodeId
	receiverID protocol.NodeId
	nextSeq    uint64
	logger     *zap.Logger
}

func (s *AtMostOnceSender) OnLocalMessage(msg protocol.Message, ctx protocol.Context) {
	seq := s.nextSeq
	s.nextSeq++
	ctx.Send(encodeData(seq, msg), s.receiverID)
	s.logger.Debug("at-most-once: sent", zap.Uint64("seq", seq))
}

func (s *AtMostOnceSender) OnMessage(msg protocol.Message, sender protocol.NodeId, ctx protocol.Context) {
	// At-most-once never acknowledges; nothing to react to.
}

func (s *AtMostOnceSender) OnTimer(timerID string, ctx protocol.Context) {}

// NewAtMostOnceReceiver creates a receiver for the at-most-once
// variant. maxSeenEntries bounds the seen-set (0 selects the default).
func NewAtMostOnceReceiver(id protocol.NodeId, maxSeenEntries int, logger *zap.Logger) *AtMostOnceReceiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AtMostOnceReceiver{
		id:        id,
		seen:      NewSeenSet(maxSeenEntries),
		timerSeq:  map[string]uint64{},
		logger:    logger,
	}
}

// AtMostOnceReceiver delivers a payload locally at most once per
// distinct seq, then forgets it after AtMostOnceTTL time units.
type AtMostOnceReceiver struct {
	id       protocol.NodeId
	seen     *SeenSet
	timerSeq map[string]uint64
	logger   *zap.Logger
}

func (r *AtMostOnceReceiver) OnLocalMessage(msg protocol.Message, ctx protocol.Context) {
	// Not part of this variant's local vocabulary.
}

func (r *AtMostOnceReceiver) OnMessage(msg protocol.Message, sender protocol.NodeId, ctx protocol.Context) {
	if msg.Kind != kindData {
		return
	}
	env := decodeData(msg)
	if r.seen.Contains(env.seq) {
		return
	}

	r.seen.Add(env.seq, ctx.Time()+AtMostOnceTTL)
	name := cleanupTimerName(env.seq)
	r.timerSeq[name] = env.seq
	ctx.SetTimer(name, AtMostOnceTTL)

	ctx.SendLocal(env.payload)
}

func (r *AtMostOnceReceiver) OnTimer(timerID string, ctx protocol.Context) {
	seq, ok := r.timerSeq[timerID]
	if !ok {
		return
	}
	delete(r.timerSeq, timerID)
	r.seen.Remove(seq)
}

func cleanupTimerName(seq uint64) string {
	return "cleanup:" + strconv.FormatUint(seq, 10)
}
