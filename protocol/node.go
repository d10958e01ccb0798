package protocol

// Context is the capability set a node is handed on every callback. It
// is the node's only way to affect the outside world: send a message,
// emit an upcall to the co-located user, or arm/cancel a named timer.
//
// Implementations (see Bus) must guarantee that a Context handed to one
// callback invocation is not retained and reused after that callback
// returns: each node is a single-threaded cooperative event loop whose
// callbacks run to completion without interleaving.
type Context interface {
	// Send enqueues a point-to-point message to dest. The substrate may
	// lose, delay (up to MaxDelay), reorder, or duplicate it.
	Send(msg Message, dest NodeId)

	// SendLocal emits an upcall to the co-located user.
	SendLocal(msg Message)

	// SetTimer arms or replaces a named one-shot timer.
	SetTimer(name string, delay float64)

	// CancelTimer disarms a named timer. Idempotent.
	CancelTimer(name string)

	// Time returns the current monotonically nondecreasing logical time.
	Time() float64
}

// Node is the lifecycle interface every component's node type
// implements. The host invokes exactly one of these methods per
// callback and waits for it to return before invoking another on the
// same node.
type Node interface {
	// OnLocalMessage handles an upcall from the co-located user.
	OnLocalMessage(msg Message, ctx Context)

	// OnMessage handles a delivery from the network.
	OnMessage(msg Message, sender NodeId, ctx Context)

	// OnTimer handles a timer firing.
	OnTimer(timerID string, ctx Context)
}
