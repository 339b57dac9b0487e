package events

import (
	"sync"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int](nil)
	q.Put(1)
	q.Put(2)
	q.Put(3)
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}
	for want := 1; want <= 3; want++ {
		got, ok := q.TryGet()
		if !ok || got != want {
			t.Fatalf("TryGet = %d,%v, want %d", got, ok, want)
		}
	}
	if _, ok := q.TryGet(); ok {
		t.Fatal("empty queue should report no event")
	}
}

func TestQueueDrain(t *testing.T) {
	q := NewQueue[string](nil)
	q.Put("a")
	q.Put("b")
	got := q.Drain()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Drain = %v", got)
	}
	if q.Len() != 0 {
		t.Fatal("Drain should empty the queue")
	}
}

func TestQueueWakesOnPut(t *testing.T) {
	var mu sync.Mutex
	wake := sync.NewCond(&mu)
	q := NewQueue[int](wake)

	woke := make(chan struct{})
	go func() {
		mu.Lock()
		for q.Len() == 0 {
			wake.Wait()
		}
		mu.Unlock()
		close(woke)
	}()

	time.Sleep(10 * time.Millisecond)
	q.Put(7)
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("Put should signal the wake condition")
	}
}

func TestBusFanout(t *testing.T) {
	b := NewBus(4)
	a := b.Subscribe()
	c := b.Subscribe()
	b.Emit(ObserverEvent{Type: BuildCompleted, Job: "lint"})

	for _, ch := range []chan ObserverEvent{a, c} {
		select {
		case ev := <-ch:
			if ev.Type != BuildCompleted || ev.Job != "lint" {
				t.Fatalf("unexpected event %+v", ev)
			}
			if ev.Time.IsZero() {
				t.Fatal("emit should stamp the event time")
			}
		default:
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	b := NewBus(1)
	ch := b.Subscribe()
	b.Emit(ObserverEvent{Type: ItemEnqueued})
	b.Emit(ObserverEvent{Type: ItemDequeued}) // dropped, channel full

	ev := <-ch
	if ev.Type != ItemEnqueued {
		t.Fatalf("first event should survive, got %s", ev.Type)
	}
	select {
	case ev := <-ch:
		t.Fatalf("second event should be dropped, got %s", ev.Type)
	default:
	}
}

func TestBusUnsubscribeCloses(t *testing.T) {
	b := NewBus(1)
	ch := b.Subscribe()
	b.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Fatal("unsubscribed channel should be closed")
	}
	// double unsubscribe must not panic
	b.Unsubscribe(ch)
}

func TestManagementEventCompletion(t *testing.T) {
	ev := NewReconfigureEvent()
	go ev.Done(nil)
	if err := ev.Wait(); err != nil {
		t.Fatalf("Wait = %v", err)
	}
}
