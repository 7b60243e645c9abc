package event

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

var (
	// ErrBusClosed is returned by Send after Close.
	ErrBusClosed = errors.New("event bus closed")
	// ErrProducerStopped reports that a producer's input failed and it will
	// send nothing more.
	ErrProducerStopped = errors.New("event producer stopped")
)

// DefaultCapacity is the buffer size used when none is given.
const DefaultCapacity = 64

// Bus is a multi-producer, single-consumer queue. Events from one producer
// are received in the order they were sent.
type Bus struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewBus constructs a bus buffering up to capacity events.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		ch:   make(chan Event, capacity),
		done: make(chan struct{}),
	}
}

// Send enqueues ev, blocking while the buffer is full. It is safe for
// concurrent use.
func (b *Bus) Send(ctx context.Context, ev Event) error {
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}

	select {
	case b.ch <- ev:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side for the single consumer.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Done is closed by Close.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Close releases producers blocked in Send. The event channel itself is
// never closed, so late senders cannot panic.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

// Producer feeds events into a bus until it has nothing more to send.
type Producer interface {
	Run(ctx context.Context, bus *Bus) error
}

// Start runs every producer in its own goroutine. A failing producer is
// logged and does not affect the others. The returned function waits for
// all producers that can still return.
func Start(ctx context.Context, bus *Bus, logger *slog.Logger, producers ...Producer) (wait func()) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var wg sync.WaitGroup
	for _, p := range producers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("%T", p)
			if err := p.Run(ctx, bus); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrBusClosed) {
				logger.Warn("event producer stopped", "producer", name, "err", err)
				return
			}
			logger.Debug("event producer finished", "producer", name)
		}()
	}
	return wg.Wait
}
