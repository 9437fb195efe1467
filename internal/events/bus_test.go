package events

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	ch1, cancel1 := bus.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(4)
	defer cancel2()

	bus.Publish(Event{Type: TypeStatus, TaskID: "t1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.TaskID != "t1" || e.Type != TypeStatus {
				t.Fatalf("unexpected event: %+v", e)
			}
			if e.Time.IsZero() {
				t.Fatalf("publish must stamp the event time")
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber did not receive event")
		}
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: TypeLog, TaskID: "noisy"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}

	// The one buffered event is still readable.
	select {
	case <-ch:
	default:
		t.Fatalf("buffered event lost")
	}
}

func TestLateSubscriberSeesOnlyFutureEvents(t *testing.T) {
	bus := NewBus()
	bus.Publish(Event{Type: TypeStatus, TaskID: "early"})

	ch, cancel := bus.Subscribe(4)
	defer cancel()

	select {
	case e := <-ch:
		t.Fatalf("late subscriber replayed old event: %+v", e)
	default:
	}

	bus.Publish(Event{Type: TypeStatus, TaskID: "late"})
	select {
	case e := <-ch:
		if e.TaskID != "late" {
			t.Fatalf("got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("future event not delivered")
	}
}

func TestCancelClosesChannelAndPublishSurvives(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(4)
	cancel()
	cancel() // safe to call again

	if _, open := <-ch; open {
		t.Fatalf("channel not closed after cancel")
	}

	// Publishing with no live subscribers must not panic.
	bus.Publish(Event{Type: TypeLog, TaskID: "t1"})
}
