// Package bus broadcasts video status changes to interested consumers: the
// lifecycle reconciler and the websocket fan-out hub.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"vidgate/internal/models"
)

// StatusEvent announces a video's status change on the video:status topic.
// Terminal events from the worker carry the processing outcome so the
// reconciler can satisfy the ready invariant without a second round trip.
type StatusEvent struct {
	VideoID    string             `json:"videoId"`
	Status     models.VideoStatus `json:"status"`
	Error      string             `json:"error,omitempty"`
	Attempt    int                `json:"attempt,omitempty"`
	DurationS  float64            `json:"durationS,omitempty"`
	OccurredAt time.Time          `json:"ts"`
}

// Bus publishes status events to every active subscription. Delivery is
// at-least-once; consumers must tolerate duplicates.
type Bus interface {
	Publish(ctx context.Context, event StatusEvent) error
	Subscribe() Subscription
}

// Subscription represents an active event stream.
type Subscription interface {
	Events() <-chan StatusEvent
	Close()
}

// NewMemory initialises an in-memory bus suitable for tests and
// single-process deployments.
func NewMemory(buffer int) Bus {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryBus{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (b *memoryBus) Publish(ctx context.Context, event StatusEvent) error {
	if event.VideoID == "" {
		return errors.New("event video id is required")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking so one stalled consumer cannot
			// back up publishers.
		}
	}
	return nil
}

func (b *memoryBus) Subscribe() Subscription {
	sub := &memorySubscription{
		bus: b,
		ch:  make(chan StatusEvent, b.buffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once sync.Once
	bus  *memoryBus
	ch   chan StatusEvent
}

func (s *memorySubscription) Events() <-chan StatusEvent {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
