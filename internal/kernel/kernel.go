package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/haggle-project/haggled/pkg/log"
)

// EventHandler is implemented by every manager the kernel drives. HandleEvent
// is called synchronously on the kernel's control goroutine, so it must
// never block; long-running work belongs in a worker goroutine that
// reports its result back via Post/PostPrivate.
//
// The three lifecycle methods implement spec §4.1's phases: Start moves a
// manager from startup into running, PrepareShutdown quiesces outstanding
// work, and Shutdown releases resources. The kernel waits for each phase
// to return (subject to the context deadline) before advancing every
// manager to the next phase together.
type EventHandler interface {
	Name() string
	HandleEvent(ctx context.Context, ev *Event)
	Start(ctx context.Context) error
	PrepareShutdown(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// ShutdownGrace bounds how long PrepareShutdown/Shutdown may take per
// manager before the kernel gives up waiting and proceeds anyway (spec
// §5 "Cancellation & timeouts": a second interrupt escalates to forced
// exit).
const ShutdownGrace = 10 * time.Second

// scheduleRequest is how external goroutines ask the control loop to add
// a timer entry without touching the timer queue directly.
type scheduleRequest struct {
	at  time.Time
	ev  *Event
	ack chan *timerEntry
}

type cancelRequest struct {
	entry *timerEntry
}

// subscriber pairs a handler with its refcount, kept in a slice rather
// than a map so a type's subscriber list preserves registration order
// (spec §5 "Ordering guarantees": handlers registered at scheduling time
// are invoked before handlers registered afterwards on the same instant —
// plain map iteration order is randomized per run and cannot satisfy
// that).
type subscriber struct {
	handler EventHandler
	count   int
}

// Kernel is the single control goroutine described in spec §4.1: a
// priority timer queue plus a channel-fed dispatch loop serialising every
// manager's handling of public and private events.
type Kernel struct {
	log zerolog.Logger

	handlers []EventHandler
	subs     map[Type][]*subscriber

	eventCh    chan *Event
	scheduleCh chan scheduleRequest
	cancelCh   chan cancelRequest

	timers *timerQueue

	shuttingDown bool

	monitor ResourceMonitor
}

// New creates a kernel with no handlers registered yet.
func New() *Kernel {
	return &Kernel{
		log:        log.WithComponent("kernel"),
		subs:       make(map[Type][]*subscriber),
		eventCh:    make(chan *Event, 256),
		scheduleCh: make(chan scheduleRequest),
		cancelCh:   make(chan cancelRequest),
		timers:     newTimerQueue(),
		monitor:    NoopResourceMonitor{},
	}
}

// SetResourceMonitor wires in a backpressure collaborator (spec §1's
// resource monitoring is an out-of-scope external concern; this lets a
// caller supply a real one without the kernel importing anything
// platform-specific). Must be called before Run.
func (k *Kernel) SetResourceMonitor(m ResourceMonitor) {
	k.monitor = m
}

// LowOnResources reports the wired ResourceMonitor's current signal, so
// managers can shed non-essential periodic work under pressure.
func (k *Kernel) LowOnResources() bool {
	return k.monitor.LowOnResources()
}

// Register adds a manager to the kernel's handler set. Must be called
// before Run.
func (k *Kernel) Register(h EventHandler) {
	k.handlers = append(k.handlers, h)
}

// Subscribe registers interest in a public event type. Registration is
// refcounted per spec §4.1: calling Subscribe twice for the same
// (handler, type) pair requires two Unsubscribe calls to stop delivery.
// A handler's position in the type's subscriber list is fixed at its
// first Subscribe call, so dispatch order reflects registration order
// (spec §5's ordering guarantee) rather than map iteration order.
func (k *Kernel) Subscribe(h EventHandler, t Type) {
	for _, sub := range k.subs[t] {
		if sub.handler == h {
			sub.count++
			return
		}
	}
	k.subs[t] = append(k.subs[t], &subscriber{handler: h, count: 1})
}

// Unsubscribe decrements the refcount for (handler, type), removing the
// subscription once it reaches zero.
func (k *Kernel) Unsubscribe(h EventHandler, t Type) {
	subs := k.subs[t]
	for i, sub := range subs {
		if sub.handler != h {
			continue
		}
		sub.count--
		if sub.count <= 0 {
			k.subs[t] = append(subs[:i], subs[i+1:]...)
		}
		return
	}
}

// Post enqueues a public or private event for dispatch on the control
// goroutine. Safe to call from any goroutine.
func (k *Kernel) Post(ev *Event) {
	ev.firedAt = time.Now()
	k.eventCh <- ev
}

// PostPrivate is a convenience wrapper creating and posting a private
// event bound to reply.
func (k *Kernel) PostPrivate(payload any, reply func(*Event)) {
	k.Post(NewPrivate(payload, reply))
}

// ScheduleAt asks the control goroutine to fire ev at (or soon after) at.
// Safe to call from any goroutine; blocks only until the control loop
// acknowledges the request, never until ev actually fires.
func (k *Kernel) ScheduleAt(at time.Time, ev *Event) *timerEntry {
	ack := make(chan *timerEntry, 1)
	k.scheduleCh <- scheduleRequest{at: at, ev: ev, ack: ack}
	return <-ack
}

// ScheduleAfter is ScheduleAt(time.Now().Add(d), ev).
func (k *Kernel) ScheduleAfter(d time.Duration, ev *Event) *timerEntry {
	return k.ScheduleAt(time.Now().Add(d), ev)
}

// Cancel removes a previously scheduled timer entry before it fires, if
// it has not already fired.
func (k *Kernel) Cancel(entry *timerEntry) {
	k.cancelCh <- cancelRequest{entry: entry}
}

// Shutdown requests an orderly shutdown by posting the TypeShutdown
// broadcast; Run returns once every manager has completed both shutdown
// phases.
func (k *Kernel) Shutdown() {
	k.Post(NewPublic(TypeShutdown, nil))
}

// Run starts every registered handler, then serves the dispatch loop
// until a shutdown is requested or ctx is cancelled, then drives every
// handler through PrepareShutdown and Shutdown before returning.
func (k *Kernel) Run(ctx context.Context) error {
	for _, h := range k.handlers {
		if err := h.Start(ctx); err != nil {
			return fmt.Errorf("kernel: starting %s: %w", h.Name(), err)
		}
		k.log.Info().Str("manager", h.Name()).Msg("manager started")
	}

	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		if entry, ok := k.timers.Peek(); ok {
			d := time.Until(entry.Time)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			k.drainShutdown(context.Background())
			return ctx.Err()

		case ev := <-k.eventCh:
			if timer != nil {
				timer.Stop()
			}
			k.dispatch(ctx, ev)
			if ev.Type == TypeShutdown && !k.shuttingDown {
				k.shuttingDown = true
				k.drainShutdown(ctx)
				return nil
			}

		case req := <-k.scheduleCh:
			if timer != nil {
				timer.Stop()
			}
			entry := k.timers.Schedule(req.at, req.ev)
			req.ack <- entry

		case req := <-k.cancelCh:
			if timer != nil {
				timer.Stop()
			}
			k.timers.Cancel(req.entry)

		case now := <-timerC:
			for _, entry := range k.timers.PopReady(now) {
				k.dispatch(ctx, entry.Event)
			}
		}
	}
}

// dispatch delivers ev to its recipients: the bound Reply closure for a
// private event, or every handler currently subscribed to Type for a
// public event.
func (k *Kernel) dispatch(ctx context.Context, ev *Event) {
	if ev.IsPrivate() {
		ev.Reply(ev)
		return
	}
	for _, sub := range k.subs[ev.Type] {
		sub.handler.HandleEvent(ctx, ev)
	}
}

// drainShutdown runs the two-phase teardown (spec §4.1/§5): every manager
// quiesces via PrepareShutdown, then releases resources via Shutdown.
// Each phase is bounded by ShutdownGrace so one slow manager cannot wedge
// the daemon.
func (k *Kernel) drainShutdown(ctx context.Context) {
	k.runPhase("prepare_shutdown", func(c context.Context, h EventHandler) error {
		return h.PrepareShutdown(c)
	})
	k.runPhase("shutdown", func(c context.Context, h EventHandler) error {
		return h.Shutdown(c)
	})
}

func (k *Kernel) runPhase(name string, call func(context.Context, EventHandler) error) {
	for _, h := range k.handlers {
		c, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
		if err := call(c, h); err != nil {
			k.log.Error().Err(err).Str("manager", h.Name()).Str("phase", name).Msg("manager shutdown phase failed")
		}
		cancel()
	}
}
