package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()

	ch1, unsub1 := b.Subscribe(4)
	defer unsub1()
	ch2, unsub2 := b.Subscribe(4)
	defer unsub2()

	b.Publish(Event{Topic: TopicTaskDone, Data: "payload"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Topic != TopicTaskDone || e.Data != "payload" {
				t.Fatalf("subscriber %d got %+v", i, e)
			}
			if e.At.IsZero() {
				t.Fatalf("subscriber %d event has no timestamp", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestSubscribeFiltersTopics(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, TopicBatchCompleted, TopicBatchFailed)
	defer unsub()

	b.Publish(Event{Topic: TopicTaskProgress})
	b.Publish(Event{Topic: TopicBatchCompleted})
	b.Publish(Event{Topic: TopicBatchStarted})

	select {
	case e := <-ch:
		if e.Topic != TopicBatchCompleted {
			t.Fatalf("got %q, want only the subscribed topic", e.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribed topic never delivered")
	}
	if got := len(ch); got != 0 {
		t.Fatalf("%d unsubscribed-topic events buffered, want 0", got)
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	// Second publish must not block even though nobody is reading.
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Topic: TopicTaskProgress})
		b.Publish(Event{Topic: TopicTaskProgress})
		b.Publish(Event{Topic: TopicTaskProgress})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if got := len(ch); got != 1 {
		t.Fatalf("buffered %d events, want 1 (rest dropped)", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub() // idempotent
	b.Publish(Event{Topic: TopicBatchCompleted})

	if e, open := <-ch; open {
		t.Fatalf("received %+v on a closed subscription", e)
	}
}
