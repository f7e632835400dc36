package events

import (
	"testing"
	"time"
)

func TestPublishReachesSubscribers(t *testing.T) {
	b := NewBus()
	ch1, cancel1 := b.Subscribe(4)
	ch2, cancel2 := b.Subscribe(4)
	defer cancel1()
	defer cancel2()

	b.Publish(Event{Type: TypeEnqueued, Group: "g", Count: 1})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != TypeEnqueued || ev.Group != "g" {
				t.Fatalf("subscriber %d: got %+v", i, ev)
			}
			if ev.TimestampMs == 0 {
				t.Fatalf("subscriber %d: event not timestamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := NewBus()
	_, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypeEnqueued})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(4)
	cancel()

	b.Publish(Event{Type: TypeSuspended})

	if _, ok := <-ch; ok {
		t.Fatal("cancelled subscription received an event")
	}
}

func TestNilBusDropsEverything(t *testing.T) {
	var b *Bus
	b.Publish(Event{Type: TypeResumed})
}
