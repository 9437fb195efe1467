// Package logsink keeps a capped, append-only buffer of execution output so
// observers joining late can still render recent lines, while live lines are
// fanned out through the event bus.
package logsink

import (
	"strings"
	"sync"
	"time"

	"jobtab/internal/events"
)

// Level classifies a single output line.
type Level string

const (
	LevelDebug   Level = "DEBUG"
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// Record is one line of task output or engine commentary.
type Record struct {
	TaskID  string    `json:"task_id"`
	Time    time.Time `json:"timestamp"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
}

// Sink is safe for one concurrent writer per task id (enforced by the
// no-overlap invariant upstream) and any number of concurrent readers.
// Eviction is FIFO: logs have no re-access pattern worth an LRU.
type Sink struct {
	mu       sync.RWMutex
	capacity int
	records  []Record
	start    int // ring head
	count    int

	bus *events.Bus
}

const defaultCapacity = 1000

// New creates a sink holding at most capacity records. The bus may be nil.
func New(capacity int, bus *events.Bus) *Sink {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Sink{
		capacity: capacity,
		records:  make([]Record, capacity),
		bus:      bus,
	}
}

// Append records one line, evicting the oldest record when full, and pushes
// it to subscribers.
func (s *Sink) Append(taskID string, level Level, message string) {
	rec := Record{
		TaskID:  taskID,
		Time:    time.Now().UTC(),
		Level:   level,
		Message: message,
	}

	s.mu.Lock()
	idx := (s.start + s.count) % s.capacity
	if s.count == s.capacity {
		s.records[s.start] = rec
		s.start = (s.start + 1) % s.capacity
	} else {
		s.records[idx] = rec
		s.count++
	}
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.TypeLog, TaskID: taskID, Time: rec.Time, Payload: rec})
	}
}

// Tail returns up to n most recent records, oldest first. taskID filters to
// one task when non-empty.
func (s *Sink) Tail(taskID string, n int) []Record {
	s.mu.RLock()
	all := make([]Record, 0, s.count)
	for i := 0; i < s.count; i++ {
		rec := s.records[(s.start+i)%s.capacity]
		if taskID == "" || rec.TaskID == taskID {
			all = append(all, rec)
		}
	}
	s.mu.RUnlock()

	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Len returns the number of buffered records.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// InferLevel classifies a raw output line by its markers; unmarked lines are
// INFO.
func InferLevel(line string) Level {
	switch {
	case strings.Contains(line, "ERROR"):
		return LevelError
	case strings.Contains(line, "WARNING"), strings.Contains(line, "WARN"):
		return LevelWarning
	case strings.Contains(line, "DEBUG"):
		return LevelDebug
	default:
		return LevelInfo
	}
}
