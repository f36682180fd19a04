package engine

import (
	"sync"
	"time"

	"github.com/flemzord/cronkeep/internal/job"
)

// EventType names a run lifecycle event.
type EventType string

// Run lifecycle events.
const (
	EventRunStarted  EventType = "run.started"
	EventRunFinished EventType = "run.finished"
	EventRunSkipped  EventType = "run.skipped"
	EventJobDisabled EventType = "job.disabled"
)

// Event is published on the Feed.
type Event struct {
	Type    EventType     `json:"type"`
	At      time.Time     `json:"at"`
	JobName string        `json:"job_name"`
	Run     job.RunRecord `json:"run"`
}

// Feed fans events out to subscribers. Slow subscribers lose events rather
// than stall the scheduler. A nil *Feed drops everything.
type Feed struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel receiving future events and a function that
// unsubscribes and closes it.
func (f *Feed) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber with room in its buffer.
func (f *Feed) Publish(ev Event) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (f *Feed) Subscribers() int {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
