package gmfd

import "github.com/mcastellin/distnode/protocol"

type sentMsg struct {
	msg  protocol.Message
	dest protocol.NodeId
}

// fakeCtx is a synchronous protocol.Context used to exercise callbacks
// deterministically without the Bus's wall-clock timer machinery.
type fakeCtx struct {
	now   float64
	sent  []sentMsg
	local []protocol.Message
}

func newFakeCtx() *fakeCtx { return &fakeCtx{} }

func newFakeCtxAt(now float64) *fakeCtx { return &fakeCtx{now: now} }

func (c *fakeCtx) Send(msg protocol.Message, dest protocol.NodeId) {
	c.sent = append(c.sent, sentMsg{msg: msg, dest: dest})
}

func (c *fakeCtx) SendLocal(msg protocol.Message) { c.local = append(c.local, msg) }

func (c *fakeCtx) SetTimer(name string, delay float64) {}

func (c *fakeCtx) CancelTimer(name string) {}

func (c *fakeCtx) Time() float64 { return c.now }
