package dgp

import (
	"testing"

	"github.com/mcastellin/distnode/protocol"
)

func TestExactlyOnceOrderedReceiverBuffersOutOfOrderArrivals(t *testing.T) {
	r := NewExactlyOnceOrderedReceiver("r", "s")
	ctx := newFakeCtx()

	// seq 1 arrives before seq 0: it must be buffered, not delivered.
	r.OnMessage(encodeData(1, protocol.NewMessage("B", nil)), "s", ctx)
	if len(ctx.local) != 0 {
		t.Fatalf("expected the out-of-order message to be buffered, not delivered, got %d deliveries", len(ctx.local))
	}
	if got := r.pendingSeqs(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected seq 1 buffered, got %v", got)
	}
}

func TestExactlyOnceOrderedReceiverDrainsInOrderOnGapReply(t *testing.T) {
	r := NewExactlyOnceOrderedReceiver("r", "s")
	ctx := newFakeCtx()

	r.OnMessage(encodeData(1, protocol.NewMessage("B", nil)), "s", ctx)
	r.OnMessage(encodeData(0, protocol.NewMessage("A", nil)), "s", ctx)
	if len(ctx.local) != 0 {
		t.Fatalf("expected nothing delivered before the sender confirms there's nothing below, got %d", len(ctx.local))
	}

	// Sender reports first_unacked=2: both 0 and 1 are safe to release.
	r.OnMessage(protocol.NewMessage(kindGapReply, protocol.Fields{"first_unacked": int64(2)}), "s", ctx)

	if len(ctx.local) != 2 {
		t.Fatalf("expected both buffered messages drained in order, got %d", len(ctx.local))
	}
	if ctx.local[0].Kind != "A" || ctx.local[1].Kind != "B" {
		t.Fatalf("expected in-order delivery A then B, got %v", ctx.local)
	}
	if r.nextExpected != 2 {
		t.Fatalf("expected nextExpected advanced to 2, got %d", r.nextExpected)
	}
}

func TestExactlyOnceOrderedReceiverStopsAtGap(t *testing.T) {
	r := NewExactlyOnceOrderedReceiver("r", "s")
	ctx := newFakeCtx()

	// seq 1 buffered but seq 0 never arrives: a firstUnacked of 2 must
	// not let the drain skip the still-missing predecessor.
	r.OnMessage(encodeData(1, protocol.NewMessage("B", nil)), "s", ctx)
	r.OnMessage(protocol.NewMessage(kindGapReply, protocol.Fields{"first_unacked": int64(2)}), "s", ctx)

	if len(ctx.local) != 0 {
		t.Fatalf("expected drain to stop at the gap, got %d deliveries", len(ctx.local))
	}
	if r.nextExpected != 0 {
		t.Fatalf("expected nextExpected to remain 0, got %d", r.nextExpected)
	}
}

func TestExactlyOnceOrderedSenderReportsFirstUnacked(t *testing.T) {
	s := NewExactlyOnceOrderedSender("s", "r", nil)
	ctx := newFakeCtx()

	s.OnLocalMessage(protocol.NewMessage("A", nil), ctx) // seq 0
	s.OnLocalMessage(protocol.NewMessage("B", nil), ctx) // seq 1
	s.OnMessage(encodeAck(0), "r", ctx)

	s.OnMessage(protocol.NewMessage(kindGapProbe, nil), "r", ctx)
	reply, ok := ctx.lastSentTo("r")
	if !ok || reply.Kind != kindGapReply {
		t.Fatal("expected a gap reply sent back to r")
	}
	if got := uint64(reply.Fields.Int("first_unacked")); got != 1 {
		t.Fatalf("expected first_unacked=1 (seq 0 acked, seq 1 still outstanding), got %d", got)
	}
}

func TestExactlyOnceOrderedSenderFirstUnackedWhenAllAcked(t *testing.T) {
	s := NewExactlyOnceOrderedSender("s", "r", nil)
	ctx := newFakeCtx()

	s.OnLocalMessage(protocol.NewMessage("A", nil), ctx) // seq 0
	s.OnMessage(encodeAck(0), "r", ctx)

	if got := s.firstUnacked(); got != 1 {
		t.Fatalf("expected firstUnacked to report nextSeq (1) once nothing is outstanding, got %d", got)
	}
}

func TestExactlyOnceOrderedReceiverArmsProbeOnce(t *testing.T) {
	r := NewExactlyOnceOrderedReceiver("r", "s")
	ctx := newFakeCtx()

	r.OnMessage(encodeData(1, protocol.NewMessage("B", nil)), "s", ctx)
	r.OnMessage(encodeData(2, protocol.NewMessage("C", nil)), "s", ctx)

	if _, armed := ctx.timers[gapProbeTimer]; !armed {
		t.Fatal("expected the gap-probe timer to be armed while the buffer is non-empty")
	}

	sentBefore := len(ctx.sent) // the two acks
	r.OnTimer(gapProbeTimer, ctx)
	if len(ctx.sent) != sentBefore+1 || ctx.sent[sentBefore].msg.Kind != kindGapProbe {
		t.Fatalf("expected a single gap probe sent to s, got %v", ctx.sent)
	}
	if _, rearmed := ctx.timers[gapProbeTimer]; !rearmed {
		t.Fatal("expected the probe timer to rearm while the buffer remains non-empty")
	}
}
