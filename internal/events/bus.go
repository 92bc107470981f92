package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/angelmondragon/packfinderz-offline/pkg/logger"
)

// Topic names a stream of engine events.
type Topic string

const (
	// TopicConnectivityChanged carries ConnectivityChanged.
	TopicConnectivityChanged Topic = "connectivity.changed"
	// TopicSyncStatus carries SyncStatus on every scheduler state change.
	TopicSyncStatus Topic = "sync.status"
	// TopicMutationFailed carries MutationFailed when an entry becomes failed.
	TopicMutationFailed Topic = "sync.mutation_failed"
	// TopicMutationSynced carries MutationSynced after a server confirmation is applied.
	TopicMutationSynced Topic = "sync.mutation_synced"
)

// Event is one published message.
type Event struct {
	Topic     Topic
	Timestamp time.Time
	Data      any
}

// Subscriber receives events on its own goroutine, in publish order.
type Subscriber func(Event)

type subscription struct {
	ch   chan Event
	once sync.Once
}

// Bus delivers events through one bounded channel per subscriber. Publish never blocks:
// when a subscriber's buffer is full the event is dropped for that subscriber only.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]*subscription
	bufferSize  int
	closed      bool
	dropped     atomic.Int64
	logg        *logger.Logger
}

// NewBus creates a bus with the given buffer size per subscriber.
func NewBus(bufferSize int, logg *logger.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Bus{
		subscribers: make(map[Topic][]*subscription),
		bufferSize:  bufferSize,
		logg:        logg,
	}
}

// Subscribe registers fn for topic and returns an idempotent unsubscribe function.
func (b *Bus) Subscribe(topic Topic, fn Subscriber) func() {
	sub := &subscription{ch: make(chan Event, b.bufferSize)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()

	go func() {
		for event := range sub.ch {
			b.deliver(fn, event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[topic]
		for i, candidate := range subs {
			if candidate == sub {
				b.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
				sub.close()
				break
			}
		}
	}
}

func (b *Bus) deliver(fn Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			ctx := b.logg.WithField(context.Background(), "topic", string(event.Topic))
			b.logg.Error(ctx, "event subscriber panicked", fmt.Errorf("panic: %v", r))
		}
	}()
	fn(event)
}

// Publish fans data out to the topic's subscribers.
func (b *Bus) Publish(topic Topic, data any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	event := Event{
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	for _, sub := range b.subscribers[topic] {
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber fell behind.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops every subscriber. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.subscribers {
		for _, sub := range subs {
			sub.close()
		}
		delete(b.subscribers, topic)
	}
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}
