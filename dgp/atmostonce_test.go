package dgp

import (
	"math/rand"
	"testing"
	"time"

	"github.com/mcastellin/distnode/protocol"
)

func TestAtMostOnceReceiverDeliversNewSeqOnce(t *testing.T) {
	r := NewAtMostOnceReceiver("r", 0, nil)
	ctx := newFakeCtx()

	env := encodeData(0, protocol.NewMessage("HELLO", nil))
	r.OnMessage(env, "s", ctx)

	if len(ctx.local) != 1 {
		t.Fatalf("expected one local delivery, got %d", len(ctx.local))
	}
	if !r.seen.Contains(0) {
		t.Fatal("expected seq 0 recorded as seen")
	}

	// A second copy of the same seq must not be redelivered.
	r.OnMessage(env, "s", ctx)
	if len(ctx.local) != 1 {
		t.Fatalf("expected duplicate to be suppressed, got %d deliveries", len(ctx.local))
	}
}

func TestAtMostOnceReceiverForgetsAfterCleanupTimer(t *testing.T) {
	r := NewAtMostOnceReceiver("r", 0, nil)
	ctx := newFakeCtx()

	env := encodeData(7, protocol.NewMessage("HELLO", nil))
	r.OnMessage(env, "s", ctx)

	name := cleanupTimerName(7)
	if _, armed := ctx.timers[name]; !armed {
		t.Fatal("expected cleanup timer to be armed")
	}

	r.OnTimer(name, ctx)
	if r.seen.Contains(7) {
		t.Fatal("expected seq 7 to be forgotten once the cleanup timer fires")
	}

	// Now a re-delivery of seq 7 is treated as new.
	r.OnMessage(env, "s", ctx)
	if len(ctx.local) != 2 {
		t.Fatalf("expected re-delivery after forgetting, got %d deliveries", len(ctx.local))
	}
}

func TestAtMostOnceSenderStampsIncreasingSeq(t *testing.T) {
	s := NewAtMostOnceSender("s", "r", nil)
	ctx := newFakeCtx()

	s.OnLocalMessage(protocol.NewMessage("A", nil), ctx)
	s.OnLocalMessage(protocol.NewMessage("B", nil), ctx)

	if len(ctx.sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(ctx.sent))
	}
	if decodeData(ctx.sent[0].msg).seq != 0 || decodeData(ctx.sent[1].msg).seq != 1 {
		t.Fatal("expected seq numbers 0 then 1")
	}
}

func TestAtMostOnceEndToEndOverBus(t *testing.T) {
	bus := protocol.NewBus(protocol.WithRand(rand.New(rand.NewSource(1))), protocol.WithUnit(time.Millisecond))
	defer bus.Shutdown()

	bus.Register("s", NewAtMostOnceSender("s", "r", nil))
	bus.Register("r", NewAtMostOnceReceiver("r", 0, nil))

	if err := bus.SendLocalMessage("s", protocol.NewMessage("PAYLOAD", protocol.Fields{"n": int64(1)})); err != nil {
		t.Fatal(err)
	}

	if _, ok := bus.Upcalls().WaitFor("r", time.Second, func(u protocol.Upcall) bool {
		return u.Msg.Kind == "PAYLOAD"
	}); !ok {
		t.Fatal("expected the payload to arrive at r")
	}
}
