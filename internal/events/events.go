// Package events publishes domain events after the ledger has committed them.
// Delivery is best effort: a failed publish is logged and never undoes or
// fails the operation that produced the event.
package events

import (
	"context"
	"sync"
	"time"
)

const (
	TransactionCompleted = "transaction.completed"
	TransactionFailed    = "transaction.failed"
	RequestCreated       = "request.created"
	RequestAccepted      = "request.accepted"
	RequestRejected      = "request.rejected"
	RequestCancelled     = "request.cancelled"
)

// Event is one published fact about a transaction or money request.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	SubjectID  string    `json:"subject_id"`
	Data       any       `json:"data,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Recorder keeps events in memory. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
