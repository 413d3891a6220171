package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: PostNew, Data: PostEvent{Fanout: true}})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != PostNew || e.Time.IsZero() {
				t.Fatalf("unexpected event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: PostTouched})
	b.Publish(Event{Type: PostTouched})
	if b.Dropped() != 1 {
		t.Fatalf("expected one dropped delivery, got %d", b.Dropped())
	}
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	b.Publish(Event{Type: StreamState})
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	b := New()
	states, unsub := b.Subscribe(4, PollState, StreamState)
	defer unsub()

	b.Publish(Event{Type: PostNew})
	b.Publish(Event{Type: StreamState, Data: StateEvent{State: "running"}})
	b.Publish(Event{Type: RenderDone})

	select {
	case e := <-states:
		if e.Type != StreamState {
			t.Fatalf("got %q", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("state event not delivered")
	}
	select {
	case e := <-states:
		t.Fatalf("unexpected extra event %q", e.Type)
	default:
	}
	if b.Dropped() != 0 {
		t.Fatalf("filtered events must not count as dropped")
	}
}
