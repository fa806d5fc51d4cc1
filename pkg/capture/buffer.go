// Package capture provides an in-memory destination for command
// output: an append-only chunk buffer usable as an io.Writer, with
// subscription support for consuming the captured bytes as they
// arrive.
package capture

import (
	"sync/atomic"
)

// chunk is one element of the append-only list. The sentinel head
// keeps the append path branch-free.
type chunk struct {
	data []byte
	next atomic.Pointer[chunk]
}

// Buffer is an append-only sequence of byte chunks. One goroutine may
// Write while any number of goroutines read via ForEach, Bytes or a
// Subscribe channel; readers see a prefix of the writes without locks.
type Buffer struct {
	head *chunk // sentinel, immutable
	tail *chunk
	bc   *broadcaster[struct{}]
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	sentinel := &chunk{}
	return &Buffer{head: sentinel, tail: sentinel, bc: newBroadcaster[struct{}]()}
}

// Write appends a copy of p, satisfying io.Writer semantics: the
// caller may reuse p after Write returns.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	cp := append([]byte(nil), p...)
	next := &chunk{data: cp}
	b.tail.next.Store(next)
	b.tail = next
	b.bc.publish(struct{}{})
	return len(p), nil
}

// Stop marks the buffer complete: subscribers drain what is stored and
// their channels close. Write must not be called after Stop.
func (b *Buffer) Stop() {
	b.bc.stop()
}

// ForEach visits the stored chunks in insertion order until iter
// returns false.
func (b *Buffer) ForEach(iter func([]byte) bool) {
	for cur := b.head.next.Load(); cur != nil; cur = cur.next.Load() {
		if !iter(cur.data) {
			return
		}
	}
}

// Bytes concatenates the stored chunks.
func (b *Buffer) Bytes() []byte {
	total := 0
	chunks := make([][]byte, 0, 16)
	b.ForEach(func(d []byte) bool {
		chunks = append(chunks, d)
		total += len(d)
		return true
	})
	out := make([]byte, 0, total)
	for _, d := range chunks {
		out = append(out, d...)
	}
	return out
}

func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Subscribe returns a channel that first replays the chunks already
// stored and then follows new appends. The channel closes once the
// buffer is stopped and the subscriber has caught up. capacity sets
// the channel buffer.
func (b *Buffer) Subscribe(capacity int) <-chan []byte {
	ch := make(chan []byte, capacity)
	notify, err := b.bc.subscribe()
	if err != nil {
		// Already stopped: replay what is stored and close.
		go b.replay(ch)
		return ch
	}
	go b.follow(notify, ch)
	return ch
}

func (b *Buffer) replay(ch chan []byte) {
	for cur := b.head.next.Load(); cur != nil; cur = cur.next.Load() {
		ch <- cur.data
	}
	close(ch)
}

func (b *Buffer) follow(notify chan struct{}, ch chan []byte) {
	prev := b.head
	for {
		cur := prev.next.Load()
		if cur == nil {
			if _, ok := <-notify; !ok {
				// Stopped; one final pass catches appends that raced
				// the stop.
				for cur := prev.next.Load(); cur != nil; cur = cur.next.Load() {
					ch <- cur.data
				}
				close(ch)
				return
			}
			continue
		}
		prev = cur
		ch <- cur.data
	}
}
