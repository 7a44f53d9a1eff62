// Package bus is the runtime's mailbox: three typed channels with bounded
// queues, one dispatch loop per channel, and handler fan-out.
//
// Producers block when a queue is full instead of losing events. Handlers
// never block their own dispatch loop on a failure: errors and panics are
// recovered per invocation and reported as a HandlerError on the model
// channel.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultCapacity is the per-channel queue size used when Options.Capacity is zero.
const DefaultCapacity = 256

// DefaultHandlerConcurrency caps in-flight handler invocations on unordered channels.
const DefaultHandlerConcurrency = 16

// ErrClosed is returned by Send after Stop has begun.
var ErrClosed = errors.New("bus closed")

// Handler is invoked once per event on the channel it is registered for.
type Handler func(ctx context.Context, env Envelope) error

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", p.Value)
}

// Options configures a Bus.
type Options struct {
	// Capacity is the queue size of each channel.
	Capacity int
	// HandlerConcurrency bounds handlers running at once on unordered channels.
	HandlerConcurrency int64
	// Unordered lists channels whose handlers are scheduled independently
	// instead of being awaited before the next event is pulled.
	Unordered []Channel
	Logger    *slog.Logger
}

// Stats is a point-in-time view of one channel.
type Stats struct {
	Channel   Channel
	Sent      uint64
	Delivered uint64
	Depth     int
	Handlers  int
}

type lane struct {
	channel   Channel
	queue     chan Envelope
	ordered   bool
	seq       atomic.Uint64
	sent      atomic.Uint64
	delivered atomic.Uint64
}

// Bus routes events from producers to registered handlers.
type Bus struct {
	lanes    [numChannels]*lane
	handlers [numChannels][]Handler
	sem      *semaphore.Weighted
	logger   *slog.Logger

	mu       sync.RWMutex // guards handlers and started
	started  bool
	sendMu   sync.RWMutex // held shared by Send, exclusively by Stop
	closed   bool
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	loops    sync.WaitGroup
	inflight sync.WaitGroup
}

// New creates a Bus. It does not dispatch until Start is called, but Send
// may be used beforehand and will queue up to Capacity events per channel.
func New(opts Options) *Bus {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	concurrency := opts.HandlerConcurrency
	if concurrency <= 0 {
		concurrency = DefaultHandlerConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bus{
		sem:    semaphore.NewWeighted(concurrency),
		logger: logger,
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	for _, c := range Channels() {
		b.lanes[c] = &lane{
			channel: c,
			queue:   make(chan Envelope, capacity),
			ordered: true,
		}
	}
	for _, c := range opts.Unordered {
		if l := b.lane(c); l != nil {
			l.ordered = false
		}
	}
	return b
}

func (b *Bus) lane(c Channel) *lane {
	if c < 0 || c >= numChannels {
		return nil
	}
	return b.lanes[c]
}

// RegisterHandler adds h to the handlers of channel c. Handlers may be added
// while the bus is running; they see events dequeued after registration.
func (b *Bus) RegisterHandler(c Channel, h Handler) error {
	if b.lane(c) == nil {
		return fmt.Errorf("register handler: unknown channel %s", c)
	}
	if h == nil {
		return fmt.Errorf("register handler: nil handler for %s", c)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[c] = append(b.handlers[c], h)
	return nil
}

func (b *Bus) handlersFor(c Channel) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hs := make([]Handler, len(b.handlers[c]))
	copy(hs, b.handlers[c])
	return hs
}

// Start spawns one dispatch loop per channel. ctx is passed to every handler
// invocation; cancelling it does not stop the loops, Stop does.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("start bus: already started")
	}
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	b.started = true
	for _, l := range b.lanes {
		b.loops.Add(1)
		go b.run(ctx, l)
	}
	return nil
}

// Stop rejects further sends, drains queued events to their handlers, and
// waits for every in-flight handler invocation to return. It must not be
// called from inside a handler.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		// Wait for senders that already passed the closed check.
		b.sendMu.Lock()
		b.closed = true
		b.sendMu.Unlock()

		close(b.stop)
		b.loops.Wait()
		b.inflight.Wait()

		b.mu.RLock()
		started := b.started
		b.mu.RUnlock()
		if !started {
			for _, l := range b.lanes {
				if n := len(l.queue); n > 0 {
					b.logger.Warn("bus stopped before start, queued events discarded", "channel", l.channel, "count", n)
				}
			}
		}
	})
}

// Send enqueues ev on its channel. When the queue is full Send blocks until
// a slot frees, ctx is done, or the bus is stopped.
func (b *Bus) Send(ctx context.Context, ev Event) error {
	if ev == nil {
		return fmt.Errorf("send: nil event")
	}
	l := b.lane(ev.Channel())
	if l == nil {
		return fmt.Errorf("send %s: unknown channel %s", ev.Kind(), ev.Channel())
	}

	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	env := Envelope{Channel: l.channel, At: time.Now(), Event: ev}
	select {
	case l.queue <- env:
		l.sent.Add(1)
		recordSent(l.channel, len(l.queue))
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues ev only if its queue has room. It reports whether the
// event was accepted.
func (b *Bus) TrySend(ev Event) bool {
	l := b.lane(ev.Channel())
	if l == nil {
		return false
	}
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case l.queue <- Envelope{Channel: l.channel, At: time.Now(), Event: ev}:
		l.sent.Add(1)
		recordSent(l.channel, len(l.queue))
		return true
	default:
		return false
	}
}

// Ordered reports whether c hands events to its handlers one at a time in
// sequence order.
func (b *Bus) Ordered(c Channel) bool {
	l := b.lane(c)
	return l != nil && l.ordered
}

// Stats returns counters for every channel.
func (b *Bus) Stats() []Stats {
	out := make([]Stats, 0, numChannels)
	for _, l := range b.lanes {
		out = append(out, Stats{
			Channel:   l.channel,
			Sent:      l.sent.Load(),
			Delivered: l.delivered.Load(),
			Depth:     len(l.queue),
			Handlers:  len(b.handlersFor(l.channel)),
		})
	}
	return out
}

// run pulls events in FIFO order until Stop, then drains whatever is left.
func (b *Bus) run(ctx context.Context, l *lane) {
	defer b.loops.Done()
	for {
		select {
		case env := <-l.queue:
			b.dispatch(ctx, l, env)
		case <-b.stop:
			for {
				select {
				case env := <-l.queue:
					b.dispatch(ctx, l, env)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, l *lane, env Envelope) {
	env.Seq = l.seq.Add(1)
	l.delivered.Add(1)
	recordDelivered(l.channel, len(l.queue))

	handlers := b.handlersFor(l.channel)
	switch {
	case len(handlers) == 0:
		b.logger.Debug("event without handlers", "channel", l.channel, "kind", env.Event.Kind(), "seq", env.Seq)
	case l.ordered && len(handlers) == 1:
		b.invoke(ctx, l, handlers[0], env)
	case l.ordered:
		var wg sync.WaitGroup
		for _, h := range handlers {
			wg.Add(1)
			go func(h Handler) {
				defer wg.Done()
				b.invoke(ctx, l, h, env)
			}(h)
		}
		wg.Wait()
	default:
		for _, h := range handlers {
			if err := b.sem.Acquire(ctx, 1); err != nil {
				// Context gone: deliver inline rather than lose the event.
				b.invoke(context.WithoutCancel(ctx), l, h, env)
				continue
			}
			b.inflight.Add(1)
			go func(h Handler) {
				defer b.inflight.Done()
				defer b.sem.Release(1)
				b.invoke(ctx, l, h, env)
			}(h)
		}
	}
}

func (b *Bus) invoke(ctx context.Context, l *lane, h Handler, env Envelope) {
	err := safeCall(ctx, h, env)
	if err == nil {
		return
	}

	var pe *PanicError
	panicked := errors.As(err, &pe)
	recordHandlerError(l.channel, panicked)
	attrs := []any{"channel", l.channel, "kind", env.Event.Kind(), "seq", env.Seq, "error", err}
	if panicked {
		attrs = append(attrs, "stack", string(pe.Stack))
	}
	b.logger.Error("bus handler failed", attrs...)

	// A failing HandlerError consumer must not feed itself.
	if _, isReport := env.Event.(HandlerError); isReport {
		return
	}
	report := HandlerError{
		Source:    l.channel,
		Seq:       env.Seq,
		EventKind: env.Event.Kind(),
		Err:       err,
		Panicked:  panicked,
	}
	if !b.TrySend(report) {
		b.logger.Warn("handler error report dropped", "channel", l.channel, "seq", env.Seq)
	}
}

func safeCall(ctx context.Context, h Handler, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return h(ctx, env)
}
