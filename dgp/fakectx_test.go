package dgp

import "github.com/mcastellin/distnode/protocol"

// sentMsg records one outbound Context.Send call.
type sentMsg struct {
	msg  protocol.Message
	dest protocol.NodeId
}

// fakeCtx is a synchronous, single-threaded protocol.Context used to
// exercise sender/receiver callbacks deterministically, without the
// real Bus's wall-clock timer and delay machinery.
type fakeCtx struct {
	now    float64
	sent   []sentMsg
	local  []protocol.Message
	timers map[string]float64
}

func newFakeCtx() *fakeCtx {
	return &fakeCtx{timers: map[string]float64{}}
}

func (c *fakeCtx) Send(msg protocol.Message, dest protocol.NodeId) {
	c.sent = append(c.sent, sentMsg{msg: msg, dest: dest})
}

func (c *fakeCtx) SendLocal(msg protocol.Message) {
	c.local = append(c.local, msg)
}

func (c *fakeCtx) SetTimer(name string, delay float64) {
	c.timers[name] = c.now + delay
}

func (c *fakeCtx) CancelTimer(name string) {
	delete(c.timers, name)
}

func (c *fakeCtx) Time() float64 {
	return c.now
}

// lastSentTo returns the most recent message sent to dest, if any.
func (c *fakeCtx) lastSentTo(dest protocol.NodeId) (protocol.Message, bool) {
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].dest == dest {
			return c.sent[i].msg, true
		}
	}
	return protocol.Message{}, false
}
