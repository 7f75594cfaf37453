// Package eventbus carries transfer lifecycle and progress signals between
// the engine and its consumers without coupling them.
package eventbus

import (
	"sync"
	"time"
)

// Topic names one kind of signal. Subscribers may filter on topics instead
// of switching on every event they receive.
type Topic string

// Topics published by the transfer engine and the progress aggregator.
const (
	TopicTaskProgress   Topic = "transfer.task.progress"
	TopicTaskDone       Topic = "transfer.task.done"
	TopicTaskFailed     Topic = "transfer.task.failed"
	TopicBatchStarted   Topic = "transfer.batch.started"
	TopicBatchPaused    Topic = "transfer.batch.paused"
	TopicBatchResumed   Topic = "transfer.batch.resumed"
	TopicBatchCancelled Topic = "transfer.batch.cancelled"
	TopicBatchCompleted Topic = "transfer.batch.completed"
	TopicBatchFailed    Topic = "transfer.batch.failed"
)

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST drain their channel; a full buffer drops events.
//
// Data should be small; progress snapshots and batch summaries qualify.
type Event struct {
	Topic Topic
	At    time.Time
	Data  any
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered delivery channel and an idempotent
	// unsubscribe. With no topics given, every event is delivered;
	// otherwise only the listed topics.
	Subscribe(buffer int, topics ...Topic) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines; delivery
// happens on the publisher's stack.
func New() Bus {
	return &fanout{}
}

type subscriber struct {
	ch     chan Event
	topics map[Topic]struct{} // nil means all topics
}

func (s *subscriber) wants(topic Topic) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

type fanout struct {
	mu   sync.RWMutex
	subs []*subscriber
}

func (b *fanout) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	// Snapshot under a read lock; the sends happen without it so a slow
	// subscriber cannot stall a concurrent Subscribe.
	b.mu.RLock()
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.wants(e.Topic) {
			continue
		}
		b.deliver(sub.ch, e)
	}
}

// deliver is a non-blocking send. A concurrent unsubscribe may close the
// channel; the recover absorbs that race.
func (b *fanout) deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *fanout) Subscribe(buffer int, topics ...Topic) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.subs {
				if s == sub {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, unsub
}
