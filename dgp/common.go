// Package dgp implements four delivery-guarantee sender/receiver
// pairs: at-most-once, at-least-once, exactly-once, and exactly-once
// with FIFO ordering. Each variant is a pair of protocol.Node
// implementations sharing the stamped-sequence wire convention
// described below.
package dgp

import (
	"strconv"

	"github.com/mcastellin/distnode/protocol"
)

// MaxDelay is the assumed upper bound on network delivery delay, in
// logical time units.
const MaxDelay = 3.0

// Eps is the epsilon added to retransmission periods so they strictly
// exceed a round trip under MaxDelay.
const Eps = 1e-4

// ResendPeriod is the fixed retransmission period used by every
// variant that retransmits: one full round trip plus epsilon.
const ResendPeriod = 2*MaxDelay + Eps

// AtMostOnceTTL is the cleanup TTL for the at-most-once receiver's
// seen-set. A duplicate delayed past this window can be re-delivered;
// the bounded SeenSet caps how much state the window costs. See
// DESIGN.md for the trade-off.
const AtMostOnceTTL = 2.0

const (
	kindData     = "DATA"
	kindAck      = "ACK"
	kindGapProbe = "GAP_PROBE"
	kindGapReply = "GAP_REPLY"
)

// dataEnvelope is the typed variant of a stamped DATA message, used
// instead of a duck-typed dict per design note "Replacing dynamic
// dispatch and reflection".
type dataEnvelope struct {
	seq     uint64
	payload protocol.Message
}

func encodeData(seq uint64, payload protocol.Message) protocol.Message {
	return protocol.NewMessage(kindData, protocol.Fields{
		"seq":          int64(seq),
		"payload_kind": payload.Kind,
		"payload":      payload.Fields,
	})
}

func decodeData(msg protocol.Message) dataEnvelope {
	fields, _ := msg.Fields["payload"].(protocol.Fields)
	return dataEnvelope{
		seq: uint64(msg.Fields.Int("seq")),
		payload: protocol.Message{
			Kind:   msg.Fields.Str("payload_kind"),
			Fields: fields,
		},
	}
}

func encodeAck(seq uint64) protocol.Message {
	return protocol.NewMessage(kindAck, protocol.Fields{"seq": int64(seq)})
}

func decodeAckSeq(msg protocol.Message) uint64 {
	return uint64(msg.Fields.Int("seq"))
}

// resendTimerName returns the timer name used to key a per-sequence
// retransmission timer. Callers never parse the sequence back out of
// this string; they look it up in a map<TimerName, seq> metadata table
// kept alongside the timer, per design note "Timers as values".
func resendTimerName(seq uint64) string {
	return "resend:" + strconv.FormatUint(seq, 10)
}
