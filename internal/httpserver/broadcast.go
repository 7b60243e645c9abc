package httpserver

import (
	"sync"

	"github.com/skobkin/tracetop/internal/engine"
)

// broadcaster fans published states out to WebSocket connections. Each
// subscriber only ever holds the newest state.
type broadcaster struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subscribers: make(map[*subscriber]struct{})}
}

func (b *broadcaster) subscribe() (<-chan engine.State, func()) {
	sub := newSubscriber()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub.channel(), func() {}
	}
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	return sub.channel(), func() { b.remove(sub) }
}

func (b *broadcaster) publish(st engine.State) {
	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.send(st)
	}
}

func (b *broadcaster) remove(sub *subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub)
	b.mu.Unlock()
	sub.close()
}

func (b *broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// close ends every subscription; later subscribers get a closed channel.
func (b *broadcaster) close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[*subscriber]struct{})
	b.closed = true
	b.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
}

type subscriber struct {
	ch     chan engine.State
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan engine.State, 1)}
}

func (s *subscriber) channel() <-chan engine.State {
	return s.ch
}

func (s *subscriber) send(st engine.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- st:
		return
	default:
		// Replace the unread state.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- st:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
