package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the emitter channel capacity used when none is configured.
const DefaultBuffer = 32

// Emitter is the producer side of a request's event stream. One goroutine emits
// and then calls Close; the transport drains Events and calls Stop when the client
// goes away. After Stop, Emit drops events instead of blocking.
type Emitter struct {
	ch       chan Event
	done     chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	closed   bool
	dropped  atomic.Int64
	logger   *slog.Logger
}

// NewEmitter creates an emitter with the given channel capacity.
func NewEmitter(buffer int, logger *slog.Logger) *Emitter {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		ch:     make(chan Event, buffer),
		done:   make(chan struct{}),
		logger: logger.With("component", "stream"),
	}
}

// Emit queues an event. It blocks while the buffer is full and returns false when
// the event was dropped because the consumer stopped or the emitter is closed.
func (e *Emitter) Emit(name string, data any) bool {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		e.drop(name)
		return false
	}

	select {
	case <-e.done:
		e.drop(name)
		return false
	default:
	}

	select {
	case e.ch <- Event{Name: name, Data: data}:
		return true
	case <-e.done:
		e.drop(name)
		return false
	}
}

func (e *Emitter) drop(name string) {
	e.dropped.Add(1)
	e.logger.Debug("event dropped", "event", name)
}

// Events returns the channel the transport drains. It is closed by Close.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Done is closed once the consumer has stopped.
func (e *Emitter) Done() <-chan struct{} {
	return e.done
}

// Close ends the stream. Only the producer calls it.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.ch)
}

// Stop signals that nobody is reading any more. It is safe to call repeatedly and
// concurrently with Emit.
func (e *Emitter) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
}

// Dropped reports how many events were discarded.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}
