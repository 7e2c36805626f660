package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Config controls buffering. With DropIfFull, Emit never blocks and overflow
// is counted; otherwise Emit waits for room or for its context.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
	// Logger receives recovered sink panics. Nil discards them.
	Logger *slog.Logger
}

// Dispatcher hands events to a Sink from one goroutine, so a sink sees
// events in emission order and needs no locking of its own.
type Dispatcher struct {
	sink   Sink
	drop   bool
	logger *slog.Logger

	queue   chan Event
	stop    chan struct{}
	stopped chan struct{}
	closing atomic.Bool
	once    sync.Once

	delivered atomic.Uint64
	dropped   atomic.Uint64
	panicked  atomic.Uint64
}

// NewDispatcher starts a dispatcher, or returns nil when cfg is disabled.
// Every method is safe on a nil dispatcher.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		sink:    sink,
		drop:    cfg.DropIfFull,
		logger:  cfg.Logger,
		queue:   make(chan Event, max(cfg.BufferSize, 1)),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.stopped)

	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		case <-d.stop:
			d.drain()
			return
		}
	}
}

// drain delivers what was queued before Close.
func (d *Dispatcher) drain() {
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		default:
			return
		}
	}
}

// deliver keeps a panicking sink from taking the loop down with it.
func (d *Dispatcher) deliver(event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.panicked.Add(1)
			if d.logger != nil {
				d.logger.Error("audit sink panicked", "event_type", event.EventType, "panic", r)
			}
		}
	}()

	d.sink.Emit(context.Background(), event)
	d.delivered.Add(1)
}

// Emit queues event. Events emitted after Close are discarded.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || d.closing.Load() {
		return
	}

	if d.drop {
		select {
		case d.queue <- event:
		case <-d.stop:
		default:
			d.dropped.Add(1)
		}
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.queue <- event:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.stop:
	}
}

// Close stops accepting events and returns once the queue is delivered.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.once.Do(func() {
		d.closing.Store(true)
		close(d.stop)
	})
	<-d.stopped
}

// Dropped counts events lost to a full buffer or a cancelled Emit.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

func (d *Dispatcher) Delivered() uint64 {
	if d == nil {
		return 0
	}
	return d.delivered.Load()
}

func (d *Dispatcher) SinkPanics() uint64 {
	if d == nil {
		return 0
	}
	return d.panicked.Load()
}
