package dgp

import (
	"math/rand"
	"testing"
	"time"

	"github.com/mcastellin/distnode/protocol"
)

func TestExactlyOnceReceiverSuppressesDuplicateBeforeGC(t *testing.T) {
	r := NewExactlyOnceReceiver("r")
	ctx := newFakeCtx()

	env := encodeData(5, protocol.NewMessage("X", nil))
	r.OnMessage(env, "s", ctx)
	r.OnMessage(env, "s", ctx)

	if len(ctx.local) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(ctx.local))
	}
	if _, still := r.delivered[5]; !still {
		t.Fatal("expected seq 5 to remain in the delivered set until GC'd")
	}
}

func TestExactlyOnceSenderForwardsAckAsGCSignal(t *testing.T) {
	s := NewExactlyOnceSender("s", "r", nil)
	ctx := newFakeCtx()

	s.OnLocalMessage(protocol.NewMessage("X", nil), ctx)
	s.OnMessage(encodeAck(0), "r", ctx)

	forwarded, ok := ctx.lastSentTo("r")
	if !ok || forwarded.Kind != kindAck || decodeAckSeq(forwarded) != 0 {
		t.Fatal("expected the sender to forward the ack back to the receiver as a GC signal")
	}
}

func TestExactlyOnceReceiverGCsOnForwardedAck(t *testing.T) {
	r := NewExactlyOnceReceiver("r")
	ctx := newFakeCtx()

	r.OnMessage(encodeData(2, protocol.NewMessage("X", nil)), "s", ctx)
	if _, present := r.delivered[2]; !present {
		t.Fatal("expected seq 2 to be recorded as delivered")
	}

	r.OnMessage(encodeAck(2), "s", ctx)
	if _, present := r.delivered[2]; present {
		t.Fatal("expected the forwarded ack to garbage-collect the delivered entry")
	}

	// Once GC'd, a late copy of the same seq is delivered anew: the
	// receiver no longer remembers it.
	r.OnMessage(encodeData(2, protocol.NewMessage("X", nil)), "s", ctx)
	if len(ctx.local) != 2 {
		t.Fatalf("expected redelivery after GC, got %d", len(ctx.local))
	}
}

func TestExactlyOnceEndToEndDespiteDuplication(t *testing.T) {
	bus := protocol.NewBus(
		protocol.WithRand(rand.New(rand.NewSource(3))),
		protocol.WithUnit(time.Millisecond),
		protocol.WithDuplicateProbability(1),
	)
	defer bus.Shutdown()

	bus.Register("s", NewExactlyOnceSender("s", "r", nil))
	bus.Register("r", NewExactlyOnceReceiver("r"))

	if err := bus.SendLocalMessage("s", protocol.NewMessage("PAYLOAD", nil)); err != nil {
		t.Fatal(err)
	}

	if _, ok := bus.Upcalls().WaitFor("r", time.Second, func(u protocol.Upcall) bool {
		return u.Msg.Kind == "PAYLOAD"
	}); !ok {
		t.Fatal("expected delivery")
	}

	time.Sleep(100 * time.Millisecond)
	deliveries := 0
	for _, u := range bus.Upcalls().For("r") {
		if u.Msg.Kind == "PAYLOAD" {
			deliveries++
		}
	}
	if deliveries != 1 {
		t.Fatalf("expected exactly one delivery despite network duplication, got %d", deliveries)
	}
}
