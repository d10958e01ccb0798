package protocol

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultUnit is the wall-clock duration that stands in for one logical
// time unit when a Bus is not configured with WithUnit. Protocol
// periods such as the maximum delivery delay or a resend interval are
// expressed in these units.
const DefaultUnit = 20 * time.Millisecond

// DefaultMaxDelay is the default upper bound on delivery delay, in
// logical time units.
const DefaultMaxDelay = 3.0

// BusOption configures a Bus at construction time.
type BusOption func(*Bus)

// WithRand injects the PRNG used for delay/loss/duplication decisions,
// making runs reproducible in tests (design note "Random choice
// determinism").
func WithRand(r *rand.Rand) BusOption {
	return func(b *Bus) { b.rand = r }
}

// WithUnit sets the wall-clock duration of one logical time unit.
func WithUnit(d time.Duration) BusOption {
	return func(b *Bus) { b.unit = d }
}

// WithMaxDelay sets MAX_DELAY in logical time units.
func WithMaxDelay(units float64) BusOption {
	return func(b *Bus) { b.maxDelay = units }
}

// WithLossProbability sets the chance [0,1) that a Send is dropped
// before delivery.
func WithLossProbability(p float64) BusOption {
	return func(b *Bus) { b.lossProb = p }
}

// WithDuplicateProbability sets the chance [0,1) that a Send is
// delivered twice.
func WithDuplicateProbability(p float64) BusOption {
	return func(b *Bus) { b.dupProb = p }
}

// WithLogger attaches a structured logger; defaults to a no-op logger.
func WithLogger(l *zap.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// NewBus constructs a Bus: the minimal host runtime of point-to-point
// send with bounded delay/loss/reorder/duplication, one-shot timers,
// local upcalls, and a logical clock, shared by every node personality.
// It is an in-process substrate, not a network server; it exists so
// the protocol packages are independently drivable without a real
// socket layer.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		unit:     DefaultUnit,
		maxDelay: DefaultMaxDelay,
		rand:     rand.New(rand.NewSource(1)),
		nodes:    map[NodeId]*nodeRuntime{},
		upcalls:  NewUpcallSink(),
		logger:   zap.NewNop(),
		start:    time.Now(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bus is the in-memory host runtime. It is safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	unit     time.Duration
	maxDelay float64
	lossProb float64
	dupProb  float64
	rand     *rand.Rand
	randMu   sync.Mutex
	start    time.Time
	nodes    map[NodeId]*nodeRuntime
	upcalls  *UpcallSink
	logger   *zap.Logger
}

// Upcalls returns the sink recording every send_local delivery.
func (b *Bus) Upcalls() *UpcallSink { return b.upcalls }

// Time returns the bus's current logical time.
func (b *Bus) Time() float64 {
	return float64(time.Since(b.start)) / float64(b.unit)
}

type inboundNetMsg struct {
	msg  Message
	from NodeId
}

type timerFire struct {
	name string
	gen  uint64
}

type timerHandle struct {
	gen   uint64
	timer *time.Timer
}

type nodeRuntime struct {
	id        NodeId
	node      Node
	bus       *Bus
	localCh   chan Message
	netCh     chan inboundNetMsg
	timerCh   chan timerFire
	closing   chan chan error
	timers    map[string]*timerHandle
	timerGen  uint64
}

// Register starts a node's dispatch loop and makes it reachable by
// Send/SendLocalMessage. Registering the same id twice replaces the
// prior node without stopping it; callers should Shutdown first.
func (b *Bus) Register(id NodeId, node Node) {
	rt := &nodeRuntime{
		id:      id,
		node:    node,
		bus:     b,
		localCh: make(chan Message, 256),
		netCh:   make(chan inboundNetMsg, 256),
		timerCh: make(chan timerFire, 64),
		closing: make(chan chan error),
		timers:  map[string]*timerHandle{},
	}

	b.mu.Lock()
	b.nodes[id] = rt
	b.mu.Unlock()

	go rt.dispatchLoop()
}

// Unregister stops a node's dispatch loop, cancels its outstanding
// timers, and removes it from the routing table.
func (b *Bus) Unregister(id NodeId) error {
	b.mu.Lock()
	rt, ok := b.nodes[id]
	delete(b.nodes, id)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	errCh := make(chan error)
	rt.closing <- errCh
	return <-errCh
}

// Shutdown stops every registered node's dispatch loop.
func (b *Bus) Shutdown() error {
	b.mu.Lock()
	ids := make([]NodeId, 0, len(b.nodes))
	for id := range b.nodes {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	var err error
	for _, id := range ids {
		err = multierr.Append(err, b.Unregister(id))
	}
	return err
}

// SendLocalMessage delivers a local request to node, as if its
// co-located user had issued it. Used by tests and cmd/simulate to
// drive a node's local-message vocabulary (JOIN, SEND, GET, ...).
func (b *Bus) SendLocalMessage(node NodeId, msg Message) error {
	b.mu.RLock()
	rt, ok := b.nodes[node]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("protocol: no such node %q", node)
	}
	rt.localCh <- msg
	return nil
}

// send is the Context.Send implementation: it resolves dest, applies
// the configured loss/duplication/delay model, and schedules async
// delivery. A message to an unknown destination is silently dropped,
// matching the substrate's opaque, best-effort nature.
func (b *Bus) send(from NodeId, msg Message, dest NodeId) {
	b.mu.RLock()
	rt, ok := b.nodes[dest]
	b.mu.RUnlock()
	if !ok {
		return
	}

	copies := 1
	if b.chance(b.dupProb) {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		if b.chance(b.lossProb) {
			continue
		}
		delay := b.randomDelay()
		time.AfterFunc(delay, func() {
			select {
			case rt.netCh <- inboundNetMsg{msg: msg, from: from}:
			default:
				b.logger.Debug("dropping message, destination inbox full",
					zap.String("dest", string(dest)), zap.String("kind", msg.Kind))
			}
		})
	}
}

func (b *Bus) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	b.randMu.Lock()
	defer b.randMu.Unlock()
	return b.rand.Float64() < p
}

func (b *Bus) randomDelay() time.Duration {
	b.randMu.Lock()
	units := b.rand.Float64() * b.maxDelay
	b.randMu.Unlock()
	return time.Duration(units * float64(b.unit))
}

func (rt *nodeRuntime) dispatchLoop() {
	for {
		ctx := &busContext{rt: rt}
		select {
		case errCh := <-rt.closing:
			for _, th := range rt.timers {
				th.timer.Stop()
			}
			rt.timers = map[string]*timerHandle{}
			errCh <- nil
			return

		case msg := <-rt.localCh:
			rt.node.OnLocalMessage(msg, ctx)

		case in := <-rt.netCh:
			rt.node.OnMessage(in.msg, in.from, ctx)

		case fired := <-rt.timerCh:
			th, ok := rt.timers[fired.name]
			if !ok || th.gen != fired.gen {
				continue // stale fire from a since-cancelled/rearmed timer
			}
			delete(rt.timers, fired.name)
			rt.node.OnTimer(fired.name, ctx)
		}
	}
}

// busContext is the per-callback Context implementation. It is only
// valid for the duration of the callback it was created for.
type busContext struct {
	rt *nodeRuntime
}

func (c *busContext) Send(msg Message, dest NodeId) {
	c.rt.bus.send(c.rt.id, msg, dest)
}

func (c *busContext) SendLocal(msg Message) {
	c.rt.bus.upcalls.Record(c.rt.id, msg, c.rt.bus.Time())
}

func (c *busContext) SetTimer(name string, delay float64) {
	rt := c.rt
	if existing, ok := rt.timers[name]; ok {
		existing.timer.Stop()
	}
	rt.timerGen++
	gen := rt.timerGen
	wallDelay := time.Duration(delay * float64(rt.bus.unit))
	t := time.AfterFunc(wallDelay, func() {
		select {
		case rt.timerCh <- timerFire{name: name, gen: gen}:
		default:
		}
	})
	rt.timers[name] = &timerHandle{gen: gen, timer: t}
}

func (c *busContext) CancelTimer(name string) {
	rt := c.rt
	if existing, ok := rt.timers[name]; ok {
		existing.timer.Stop()
		delete(rt.timers, name)
	}
}

func (c *busContext) Time() float64 {
	return c.rt.bus.Time()
}
