// ABOUTME: In-memory fan-out broadcaster for newly persisted project events
// ABOUTME: Implements the push-notification side of the event store contract

package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/driftbuild/forge/internal/event"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	// The push channel carries no backpressure contract; slow consumers
	// drop rather than stall the writer.
	subscriberBufferSize = 64
)

// Broadcaster provides in-memory pub/sub for persisted events.
// Subscribers register for a project id and receive events as they are
// inserted. Delivery may race with a concurrent catch-up fetch, so
// subscribers must deduplicate by event id; the channel promises
// at-least-zero, at-most-once delivery per subscriber, nothing more.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *event.Event // projectID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *event.Event),
		logger:      logger.With("component", "eventbus"),
	}
}

// Subscribe registers a subscriber for events on the given project.
// Returns a channel that receives events and a subscription ID for
// later unsubscription. The subscription is automatically cleaned up
// when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, projectID string) (<-chan *event.Event, string) {
	subID := uuid.New().String()
	ch := make(chan *event.Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[projectID]; !ok {
		b.subscribers[projectID] = make(map[string]chan *event.Event)
	}
	b.subscribers[projectID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"project_id", projectID,
		"sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(projectID, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the given project.
// Non-blocking: events are dropped for subscribers whose channels are
// full. Dropped events are recovered by the client's catch-up fetch.
func (b *Broadcaster) Publish(projectID string, ev *event.Event) {
	b.mu.RLock()
	subs, ok := b.subscribers[projectID]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	// Copy subscriber channels under read lock to avoid holding lock during sends
	targets := make([]chan *event.Event, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"project_id", projectID,
				"event_id", ev.ID)
		}
	}
}

// Notify implements the store's insert-notification hook.
func (b *Broadcaster) Notify(ev *event.Event) {
	b.Publish(ev.ProjectID, ev)
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(projectID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[projectID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, projectID)
	}

	b.logger.Debug("subscriber removed",
		"project_id", projectID,
		"sub_id", subID)
}

// SubscriberCount returns the number of active subscribers for a project.
func (b *Broadcaster) SubscriberCount(projectID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[projectID])
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for projectID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, projectID)
	}

	b.logger.Debug("broadcaster closed")
}
