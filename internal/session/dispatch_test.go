package session

import (
	"testing"
)

func TestDispatchDelivery(t *testing.T) {
	d := newDispatcher[int]()
	a := d.subscribe(4)
	b := d.subscribe(4)

	d.publish(1)
	d.publish(2)

	for _, sub := range []*Subscription[int]{a, b} {
		if got := <-sub.C(); got != 1 {
			t.Errorf("first value = %d, want 1", got)
		}
		if got := <-sub.C(); got != 2 {
			t.Errorf("second value = %d, want 2", got)
		}
	}
}

func TestDispatchDropsOldest(t *testing.T) {
	d := newDispatcher[int]()
	sub := d.subscribe(2)

	// Nobody reading: the third publish evicts the first value.
	d.publish(1)
	d.publish(2)
	d.publish(3)

	if got := <-sub.C(); got != 2 {
		t.Errorf("first read = %d, want 2 (oldest dropped)", got)
	}
	if got := <-sub.C(); got != 3 {
		t.Errorf("second read = %d, want 3", got)
	}
	if got := d.droppedCount(); got != 1 {
		t.Errorf("droppedCount = %d, want 1", got)
	}
}

func TestDispatchPublishNeverBlocks(t *testing.T) {
	d := newDispatcher[int]()
	d.subscribe(1)

	// A stalled subscriber must not stall the producer.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			d.publish(i)
		}
		close(done)
	}()
	<-done
}

func TestDispatchCancel(t *testing.T) {
	d := newDispatcher[int]()
	sub := d.subscribe(4)
	sub.Cancel()

	if _, ok := <-sub.C(); ok {
		t.Error("cancelled subscription channel still open")
	}
	// Publishing after cancel only reaches remaining subscribers.
	d.publish(7)

	// Cancel is idempotent.
	sub.Cancel()
}

func TestDispatchClose(t *testing.T) {
	d := newDispatcher[int]()
	sub := d.subscribe(4)
	d.publish(1)
	d.close()

	// Buffered values drain, then the channel closes.
	if got, ok := <-sub.C(); !ok || got != 1 {
		t.Errorf("buffered value lost at close: %d %v", got, ok)
	}
	if _, ok := <-sub.C(); ok {
		t.Error("channel open after dispatcher close")
	}

	// Subscribing after close yields an already-closed channel.
	late := d.subscribe(4)
	if _, ok := <-late.C(); ok {
		t.Error("late subscription channel should be closed")
	}
	d.close()
}
