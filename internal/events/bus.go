package events

import (
	"sync"
	"time"
)

// Event types pushed to external observers.
const (
	TypeLog    = "log"
	TypeStatus = "status"
)

// Event is a lightweight signal carrying either a log record or a task
// status change. Publish never blocks; slow subscribers drop events.
type Event struct {
	Type    string    `json:"type"`
	TaskID  string    `json:"task_id,omitempty"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Bus is an in-memory fanout. The sequence it yields is unbounded and not
// restartable; late subscribers only see future events.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Publish delivers the event to every subscriber without blocking. An event
// a subscriber has no buffer space for is dropped for that subscriber only.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. A subscriber can unsubscribe (and close its
		// channel) between the snapshot above and this send, so recover from
		// the resulting panic rather than locking across sends.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

// Subscribe registers a buffered receiver. Calling cancel unregisters the
// subscriber and closes the channel; extra calls are no-ops.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
