package events

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"ml-scheduler/core/models"
)

const subscriberBuffer = 64

// Bus fans out job lifecycle events to subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu          sync.Mutex
	subscribers []chan models.LifecycleEvent
	closed      bool
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new listener and returns its channel.
func (b *Bus) Subscribe() <-chan models.LifecycleEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan models.LifecycleEvent, subscriberBuffer)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish delivers an event to all subscribers.
func (b *Bus) Publish(event models.LifecycleEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			log.WithFields(log.Fields{
				"type": event.Type,
				"job":  event.JobID,
			}).Warn("dropping lifecycle event for slow subscriber")
		}
	}
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
