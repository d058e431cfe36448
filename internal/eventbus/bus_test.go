package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Topic: TopicSessionStatus, Session: 2, Data: "ready"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Topic != TopicSessionStatus || ev.Session != 2 {
				t.Fatalf("subscriber %d got %+v", i, ev)
			}
			if ev.Time.IsZero() {
				t.Fatalf("subscriber %d: Time not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Topic: TopicDelivery})
	// Buffer is full; this publish must not block.
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Topic: TopicDelivery})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	<-ch
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub() // double unsubscribe is a no-op

	// Must neither panic nor block.
	b.Publish(Event{Topic: TopicSessionQR})
}

func TestSubscribeDefaultBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(0)
	defer unsub()
	if cap(ch) == 0 {
		t.Fatal("subscribe must never hand out an unbuffered channel")
	}
}
