// Package bridge carries progress events from a run's worker goroutine to the
// one consumer streaming them to a client.
//
// A Bridge is single-producer single-consumer. Emit never blocks, so a slow
// or vanished consumer cannot stall an investigation. Events are delivered in
// emission order. The first terminal event (run_complete or error) closes the
// bridge; nothing can follow it.
package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
)

var (
	// ErrClosed is returned by Emit after the bridge was closed.
	ErrClosed = errors.New("bridge: closed")
)

// Bridge is an unbounded FIFO of events.
type Bridge struct {
	mu       sync.Mutex
	queue    []Event
	closed   bool
	detached bool
	emitted  int

	ready chan struct{}
}

// New creates an open bridge.
func New() *Bridge {
	return &Bridge{ready: make(chan struct{}, 1)}
}

// Emit enqueues ev. A terminal event closes the bridge after it is queued.
func (b *Bridge) Emit(ev Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.emitted++
	if !b.detached {
		b.queue = append(b.queue, ev)
	}
	if ev.Type.Terminal() {
		b.closed = true
	}
	b.mu.Unlock()

	b.wake()
	return nil
}

// Close ends the stream without a terminal event. Idempotent.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wake()
}

// Closed reports whether the producer side is finished.
func (b *Bridge) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Emitted returns the number of events accepted so far.
func (b *Bridge) Emitted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.emitted
}

// Detach tells the bridge its consumer is gone. Buffered events are dropped
// and later ones are accepted but discarded.
func (b *Bridge) Detach() {
	b.mu.Lock()
	b.detached = true
	b.queue = nil
	b.mu.Unlock()
}

// Next blocks until an event is available, the bridge is closed and drained
// (io.EOF), or ctx is done.
func (b *Bridge) Next(ctx context.Context) (Event, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			ev := b.queue[0]
			b.queue[0] = Event{}
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return ev, nil
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return Event{}, io.EOF
		}

		select {
		case <-b.ready:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Stream adapts Next to a channel, closed at EOF or when ctx is done.
func (b *Bridge) Stream(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			ev, err := b.Next(ctx)
			if err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (b *Bridge) wake() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}
