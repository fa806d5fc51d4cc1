package capture

import (
	"testing"
	"time"
)

func TestBroadcasterDeliversToAllSubscribers(t *testing.T) {
	bc := newBroadcaster[int]()
	a, err := bc.subscribe()
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	b, err := bc.subscribe()
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	bc.publish(7)
	for _, ch := range []chan int{a, b} {
		select {
		case v := <-ch:
			if v != 7 {
				t.Fatalf("got %d, want 7", v)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("subscriber never received")
		}
	}
	bc.stop()
}

func TestBroadcasterDropsOldest(t *testing.T) {
	bc := newBroadcaster[int]()
	ch, err := bc.subscribe()
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// A slow subscriber keeps a stale wake-up queued; later publishes
	// replace it instead of blocking the fan-out.
	for i := 0; i < 10; i++ {
		bc.publish(i)
	}
	// Intermediate values may be dropped, but the last publish is never
	// replaced and must arrive.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case v := <-ch:
			if v == 9 {
				bc.stop()
				return
			}
		case <-deadline:
			t.Fatal("last publish never delivered")
		}
	}
}

func TestBroadcasterStopClosesSubscribers(t *testing.T) {
	bc := newBroadcaster[struct{}]()
	ch, err := bc.subscribe()
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	bc.stop()
	select {
	case _, ok := <-ch:
		if ok {
			// A queued wake-up may arrive first; the close must follow.
			if _, ok := <-ch; ok {
				t.Fatal("subscriber channel not closed after stop")
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber channel not closed after stop")
	}

	if _, err := bc.subscribe(); err == nil {
		t.Fatal("subscribe after stop succeeded")
	}
}
