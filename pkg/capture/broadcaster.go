package capture

import (
	"errors"
	"sync"
)

var errStopped = errors.New("capture: broadcaster stopped")

// broadcaster fans a message out to every subscriber with non-blocking,
// drop-oldest delivery. Subscribers use the messages as wake-ups, not
// as data, so losing one under load is fine: the receiver re-checks
// its source either way.
type broadcaster[T any] struct {
	in chan T

	mu          sync.Mutex
	subscribers map[chan T]struct{}
	stopped     bool
}

func newBroadcaster[T any]() *broadcaster[T] {
	b := &broadcaster[T]{
		in:          make(chan T, 1),
		subscribers: make(map[chan T]struct{}),
	}
	go b.loop()
	return b
}

func (b *broadcaster[T]) loop() {
	for msg := range b.in {
		b.mu.Lock()
		subs := make([]chan T, 0, len(b.subscribers))
		for s := range b.subscribers {
			subs = append(subs, s)
		}
		b.mu.Unlock()

		for _, s := range subs {
			select {
			case s <- msg:
			default:
				// Full: drop the stale message and push the new one.
				select {
				case <-s:
				default:
				}
				s <- msg
			}
		}
	}

	b.mu.Lock()
	for s := range b.subscribers {
		close(s)
	}
	b.stopped = true
	b.mu.Unlock()
}

func (b *broadcaster[T]) publish(msg T) {
	select {
	case b.in <- msg:
	default:
		select {
		case <-b.in:
		default:
		}
		b.in <- msg
	}
}

func (b *broadcaster[T]) subscribe() (chan T, error) {
	ch := make(chan T, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil, errStopped
	}
	b.subscribers[ch] = struct{}{}
	return ch, nil
}

func (b *broadcaster[T]) stop() {
	close(b.in)
}
