// Package eventbus is the event bus (C12): a broadcast pub/sub of
// task.UpdateEvent to every active subscriber, generalized from the
// teacher's internal/materials/events keyed Watch(ctx, key) pattern to
// a topic-wide broadcast (every subscriber sees every event, since the
// engine has exactly one topic: task updates).
package eventbus

import (
	"context"
	"sync"

	"github.com/duckling-run/duckling/internal/task"
)

// DefaultBufferSize is the per-subscriber channel depth; a slow
// subscriber that falls behind this many events starts dropping events
// rather than blocking the publisher.
const DefaultBufferSize = 64

// Bus broadcasts task.UpdateEvent to every live subscriber.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int64]chan task.UpdateEvent
	nextID      int64
	bufferSize  int
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[int64]chan task.UpdateEvent),
		bufferSize:  DefaultBufferSize,
	}
}

// Subscribe returns a channel that receives every event published after
// this call, until ctx is cancelled, at which point the channel is
// closed and the subscription removed.
func (b *Bus) Subscribe(ctx context.Context) <-chan task.UpdateEvent {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan task.UpdateEvent, b.bufferSize)
	b.subscribers[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}()

	return ch
}

// Publish broadcasts evt to every current subscriber. Delivery is
// best-effort: a subscriber whose buffer is full has the event dropped
// rather than blocking the publisher (the executor's worker goroutine
// for pipeline and review steps, or the caller's goroutine for
// CreateTask, CancelTask, RetryTask and MarkComplete).
func (b *Bus) Publish(_ context.Context, evt task.UpdateEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// SubscriberCount reports how many subscriptions are currently live,
// used by tests and diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
