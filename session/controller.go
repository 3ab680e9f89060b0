// Package session runs the token-exchange handshake and ranging bootstrap
// state machine on top of a transport driver and a ranging engine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/user/nearby-blue/logger"
	"github.com/user/nearby-blue/ranging"
	"github.com/user/nearby-blue/token"
	"github.com/user/nearby-blue/transport"
	"github.com/user/nearby-blue/util"
)

// ErrAlreadyRunning is returned by a second concurrent Run
var ErrAlreadyRunning = errors.New("session: controller already running")

// Options wires a controller to its collaborators
type Options struct {
	Driver transport.Driver
	Engine ranging.Engine
	// DeviceID is used for log prefixes
	DeviceID string
	// Now is the clock for Status.Since; defaults to time.Now
	Now func() time.Time
}

type eventKind int

const (
	evTransport eventKind = iota
	evEngineStarted
	evSample
	evSessionEnded
	evReset
)

// event is one inbox entry. gen ties it to the session it belongs to.
type event struct {
	kind      eventKind
	gen       uint64
	transport transport.Event
	session   ranging.Session
	sample    ranging.Sample
	err       error
}

// Controller is the session bootstrap state machine. All state changes
// happen on the goroutine running Run; everything else posts to its inbox.
type Controller struct {
	driver transport.Driver
	engine ranging.Engine
	prefix string
	now    func() time.Time
	inbox  *mailbox

	running sync.Mutex

	// owned by the loop
	gen        uint64
	local      token.Token
	peerToken  token.Token
	rangingSes ranging.Session
	driverUp   bool
	ctx        context.Context

	statusMu sync.RWMutex
	status   Status

	cbMu      sync.RWMutex
	onState   func(Status)
	onSample  func(ranging.Sample)
	onEvent   func(transport.Event)
}

// New creates a controller in Idle. Nothing happens until Run.
func New(opts Options) *Controller {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		driver: opts.Driver,
		engine: opts.Engine,
		prefix: fmt.Sprintf("%s Session", util.ShortHash(opts.DeviceID)),
		now:    now,
		inbox:  newMailbox(),
		ctx:    context.Background(),
	}
	c.status = Status{State: StateIdle, Since: now()}
	if opts.Driver != nil {
		c.status.Role = opts.Driver.Role()
	}
	return c
}

// SetStateCallback registers fn for every state change. It runs on the
// controller loop and must not block.
func (c *Controller) SetStateCallback(fn func(Status)) {
	c.cbMu.Lock()
	c.onState = fn
	c.cbMu.Unlock()
}

// SetSampleCallback registers fn for measurement samples, delivered one at
// a time while Ranging
func (c *Controller) SetSampleCallback(fn func(ranging.Sample)) {
	c.cbMu.Lock()
	c.onSample = fn
	c.cbMu.Unlock()
}

// SetEventCallback registers fn for every driver event of the current
// session, before it is applied
func (c *Controller) SetEventCallback(fn func(transport.Event)) {
	c.cbMu.Lock()
	c.onEvent = fn
	c.cbMu.Unlock()
}

// Status returns a snapshot of the current state
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Reset asks the loop to tear the session down and start over from Idle
func (c *Controller) Reset() {
	c.inbox.put(event{kind: evReset})
}

// Run initializes the local token, activates the driver and processes
// events until ctx is done. Teardown happens before it returns.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.TryLock() {
		return ErrAlreadyRunning
	}
	defer c.running.Unlock()
	c.ctx = ctx

	local, err := ranging.Initialize(c.engine)
	if err != nil {
		logger.Error(c.prefix, "🚫 ranging unavailable: %v", err)
		c.fail(ReasonUnsupported)
	} else {
		c.local = local
		logger.Info(c.prefix, "🔑 local token %s", local)
		c.activate()
	}

	for {
		select {
		case <-ctx.Done():
			c.cleanup()
			logger.Debug(c.prefix, "stopped")
			return ctx.Err()
		case <-c.inbox.notify:
			for _, ev := range c.inbox.take() {
				c.handle(ev)
			}
		}
	}
}

// emitterFor binds driver events to generation gen
func (c *Controller) emitterFor(gen uint64) transport.Emitter {
	return func(ev transport.Event) {
		c.inbox.put(event{kind: evTransport, gen: gen, transport: ev})
	}
}

func (c *Controller) activate() {
	if c.driver == nil {
		return
	}
	if err := c.driver.Activate(token.Encode(c.local), c.emitterFor(c.gen)); err != nil {
		logger.Error(c.prefix, "❌ activate %s driver: %v", c.driver.Role(), err)
		c.fail(ReasonLinkLost)
		return
	}
	c.driverUp = true
}

// handle applies one event. Every (state, event) pair is defined; pairs
// not listed in the transition table leave the state unchanged.
func (c *Controller) handle(ev event) {
	if ev.kind == evReset {
		c.reset()
		return
	}
	if ev.gen != c.gen {
		if ev.kind == evEngineStarted && ev.session != nil {
			ev.session.Stop()
		}
		logger.Trace(c.prefix, "dropping stale event %d from generation %d", ev.kind, ev.gen)
		return
	}

	switch ev.kind {
	case evTransport:
		c.handleTransport(ev.transport)
	case evEngineStarted:
		c.handleEngineStarted(ev.session, ev.err)
	case evSample:
		if c.state() == StateRanging {
			c.cbMu.RLock()
			fn := c.onSample
			c.cbMu.RUnlock()
			if fn != nil {
				fn(ev.sample)
			}
		}
	case evSessionEnded:
		if c.state() == StateRanging {
			logger.Warn(c.prefix, "📉 ranging session ended: %v", ev.err)
			c.fail(ReasonEngineInvalidated)
		}
	}
}

func (c *Controller) handleTransport(ev transport.Event) {
	c.cbMu.RLock()
	fn := c.onEvent
	c.cbMu.RUnlock()
	if fn != nil {
		fn(ev)
	}

	state := c.state()
	switch ev.Kind {
	case transport.EventPowerChanged:
		c.statusMu.Lock()
		c.status.Power = ev.Power
		c.statusMu.Unlock()
		if ev.Power == transport.PowerUnsupported {
			c.fail(ReasonUnsupported)
		}

	case transport.EventLinked:
		if state == StateIdle {
			c.transition(StateLinked, ReasonNone, ev.Peer)
		}

	case transport.EventPeerToken:
		if state != StateLinked {
			logger.Debug(c.prefix, "ignoring peer token in %s", state)
			return
		}
		peer, err := token.Decode(ev.Data)
		if err != nil {
			logger.Warn(c.prefix, "🧩 bad peer token from %s: %v", util.ShortHash(ev.Peer), err)
			c.fail(ReasonMalformedToken)
			return
		}
		c.peerToken = peer
		c.transition(StateTokenExchanged, ReasonNone, c.Status().Peer)
		c.startEngine(peer)

	case transport.EventFailed, transport.EventLinkLost:
		if state != StateFailed {
			logger.Warn(c.prefix, "💔 transport %s: %v", ev.Kind, ev.Err)
			c.fail(ReasonLinkLost)
		}
	}
}

// startEngine starts ranging off the loop; the result comes back as an
// evEngineStarted for this generation
func (c *Controller) startEngine(peer token.Token) {
	gen := c.gen
	ctx := c.ctx
	go func() {
		s, err := c.engine.Start(ctx, peer)
		c.inbox.put(event{kind: evEngineStarted, gen: gen, session: s, err: err})
	}()
}

func (c *Controller) handleEngineStarted(s ranging.Session, err error) {
	if c.state() != StateTokenExchanged {
		if s != nil {
			s.Stop()
		}
		return
	}
	if err != nil {
		logger.Warn(c.prefix, "🚫 engine refused peer token: %v", err)
		c.fail(ReasonEngineRejectedPeer)
		return
	}

	c.rangingSes = s
	c.transition(StateRanging, ReasonNone, c.Status().Peer)

	gen := c.gen
	go func() {
		for sample := range s.Samples() {
			c.inbox.put(event{kind: evSample, gen: gen, sample: sample})
		}
		c.inbox.put(event{kind: evSessionEnded, gen: gen, err: s.Err()})
	}()
}

// fail enters Failed(reason) and releases the engine session and the link
// in one step. A later Unsupported overrides an earlier reason.
func (c *Controller) fail(reason Reason) {
	if c.state() == StateFailed && (reason != ReasonUnsupported || c.Status().Reason == ReasonUnsupported) {
		return
	}
	c.cleanup()
	c.transition(StateFailed, reason, c.Status().Peer)
}

// cleanup stops the engine and the driver and invalidates every event
// still in flight
func (c *Controller) cleanup() {
	c.gen++
	if c.rangingSes != nil {
		c.rangingSes.Stop()
		c.rangingSes = nil
	}
	if c.driverUp {
		c.driver.Teardown()
		c.driverUp = false
	}
	c.peerToken = token.Token{}
}

func (c *Controller) reset() {
	st := c.Status()
	if st.State == StateFailed && st.Reason == ReasonUnsupported {
		logger.Info(c.prefix, "reset ignored, ranging is unsupported")
		return
	}
	logger.Info(c.prefix, "🔄 reset from %s", st.State)
	c.cleanup()
	c.transition(StateIdle, ReasonNone, "")
	c.activate()
}

func (c *Controller) state() State {
	return c.Status().State
}

func (c *Controller) transition(to State, reason Reason, peer string) {
	c.statusMu.Lock()
	from := c.status.State
	c.status.State = to
	c.status.Reason = reason
	c.status.Peer = peer
	c.status.Since = c.now()
	snapshot := c.status
	c.statusMu.Unlock()

	if to == StateFailed {
		logger.Warn(c.prefix, "⛔ %s → failed(%s)", from, reason)
	} else {
		logger.Info(c.prefix, "➡️  %s → %s", from, to)
	}

	c.cbMu.RLock()
	fn := c.onState
	c.cbMu.RUnlock()
	if fn != nil {
		fn(snapshot)
	}
}
