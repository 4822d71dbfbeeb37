// Package events carries job lifecycle notifications from the controller to
// whoever is listening (the websocket hub, tests, logs).
package events

import (
	"sync"
	"time"
)

// Type 事件類型
type Type string

const (
	JobEnqueued       Type = "enqueued"
	JobStarted        Type = "started"
	JobDeferred       Type = "deferred"
	JobSucceeded      Type = "succeeded"
	JobRetryScheduled Type = "retry_scheduled"
	JobFailed         Type = "failed"
	JobCancelled      Type = "cancelled"
	SyncCompleted     Type = "sync_completed"
)

// Event 單一生命週期事件
type Event struct {
	Type       Type      `json:"type"`
	JobID      string    `json:"job_id,omitempty"`
	FactoryKey string    `json:"factory_key,omitempty"`
	QueueKey   string    `json:"queue_key,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Time       time.Time `json:"time"`
}

// Listener receives events. Publish must not block.
type Listener interface {
	Publish(Event)
}

// ListenerFunc 函數適配器
type ListenerFunc func(Event)

// Publish implements Listener.
func (f ListenerFunc) Publish(e Event) { f(e) }

// Recorder keeps every event in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Listener.
func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of type t were recorded for jobID.
// An empty jobID matches every job.
func (r *Recorder) Count(t Type, jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t && (jobID == "" || e.JobID == jobID) {
			n++
		}
	}
	return n
}

// Multi fans an event out to several listeners.
type Multi []Listener

// Publish implements Listener.
func (m Multi) Publish(e Event) {
	for _, l := range m {
		if l != nil {
			l.Publish(e)
		}
	}
}
