package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, ua := b.Subscribe(4)
	c, uc := b.Subscribe(4)
	defer ua()
	defer uc()

	b.Publish(Event{Type: "task.finished", Data: 1})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != "task.finished" || e.Data != 1 || e.Time.IsZero() {
				t.Fatalf("unexpected event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSubscribeFiltersTypes(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, "task.failed", "task.timeout")
	defer unsub()

	b.Publish(Event{Type: "task.started"})
	b.Publish(Event{Type: "task.timeout"})
	b.Publish(Event{Type: "task.finished"})
	b.Publish(Event{Type: "task.failed"})

	for _, want := range []string{"task.timeout", "task.failed"} {
		if e := <-ch; e.Type != want {
			t.Fatalf("got %s, want %s", e.Type, want)
		}
	}
	select {
	case e := <-ch:
		t.Fatalf("filtered event delivered: %s", e.Type)
	default:
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if d := b.(Dropper).Dropped(); d != 9 {
		t.Fatalf("dropped = %d, want 9", d)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}
