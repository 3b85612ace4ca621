package events

import (
	"sync"
	"time"

	"tunefetch/internal/domain"
)

type Type string

const (
	TypeSubmitted    Type = "submitted"
	TypeTransition   Type = "transition"
	TypeProgress     Type = "progress"
	TypeOffloaded    Type = "offloaded"
	TypeOffloadAlert Type = "offload_alert"
)

// Event is one notification about a job.
type Event struct {
	Type     Type            `json:"type"`
	JobID    string          `json:"job_id"`
	State    domain.JobState `json:"state,omitempty"`
	From     domain.JobState `json:"from,omitempty"`
	Tier     domain.Tier     `json:"tier,omitempty"`
	Progress int             `json:"progress,omitempty"`
	Detail   string          `json:"detail,omitempty"`
	At       time.Time       `json:"at"`
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	buffer int
}

type subscription struct {
	jobID string
	ch    chan Event
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[*subscription]struct{}), buffer: buffer}
}

// Subscribe returns a channel of events for jobID, or for every job when jobID
// is empty, and a function that ends the subscription and closes the channel.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	sub := &subscription{jobID: jobID, ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			close(sub.ch)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.jobID != "" && sub.jobID != e.JobID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}
