package eventbus

import (
	"testing"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	bus := New()
	a, unsubA := bus.Subscribe(4)
	defer unsubA()
	b, unsubB := bus.Subscribe(4)
	defer unsubB()

	bus.Publish(Event{Type: "task.started", Data: "t1"})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case e := <-ch:
			if e.Type != "task.started" || e.Data != "t1" {
				t.Fatalf("subscriber %s got %+v", name, e)
			}
		default:
			t.Fatalf("subscriber %s never received the event", name)
		}
	}
}

func TestPublishStampsTime(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: "tick"})
	if e := <-ch; e.Time.IsZero() {
		t.Fatalf("publish left Time zero")
	}
}

func TestSubscribeTopicFilter(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := bus.Subscribe(16, "queue.changed", "task.*", "retry.*", "breaker.*")
	defer unsub()

	types := []string{
		"queue.changed",
		"task.started",
		"task.finished",
		"retry.attempt",
		"breaker.state",
		"notifier.sent",
		"notifier.deduped",
		"config.reloaded",
	}
	for _, typ := range types {
		bus.Publish(Event{Type: typ})
	}

	var got []string
	for drained := false; !drained; {
		select {
		case e := <-ch:
			got = append(got, e.Type)
		default:
			drained = true
		}
	}
	want := []string{"queue.changed", "task.started", "task.finished", "retry.attempt", "breaker.state"}
	if len(got) != len(want) {
		t.Fatalf("received %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("received %v, want %v", got, want)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := bus.Subscribe(2)
	defer unsub()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: "tick"})
	}

	if st := bus.Stats(); st.Published != 5 || st.Delivered != 2 || st.Dropped != 3 {
		t.Fatalf("stats = %+v", st)
	}
	// The buffered events are still readable.
	<-ch
	<-ch
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := bus.Subscribe(1)

	unsub()
	unsub()

	bus.Publish(Event{Type: "tick"})
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
}
