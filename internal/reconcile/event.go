// Package reconcile drives a crawl job to a terminal state and mirrors its
// progress onto a live event stream. One reconciler run serves one stream
// connection; job state itself lives in the job store.
package reconcile

import (
	"fmt"
	"time"
)

// EventType is the kind of stream event.
type EventType string

// Stream event types. A stream opens with a status event and ends with a
// complete or error event; non-gateway provider errors below the failure
// threshold also surface as mid-stream error events while polling continues.
const (
	EventStatus      EventType = "status"
	EventProgress    EventType = "progress"
	EventURLComplete EventType = "url_complete"
	EventError       EventType = "error"
	EventComplete    EventType = "complete"
)

// Event is one unit of stream output.
type Event struct {
	Type        EventType `json:"type"`
	JobID       string    `json:"job_id"`
	Status      string    `json:"status,omitempty"`
	Completed   int       `json:"completed,omitempty"`
	Total       int       `json:"total,omitempty"`
	CreditsUsed int       `json:"credits_used,omitempty"`
	URL         string    `json:"url,omitempty"`
	Cached      bool      `json:"cached,omitempty"`
	Content     string    `json:"content,omitempty"`
	ContentSize int       `json:"content_size,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Validate checks structural soundness before an event is emitted.
func (e Event) Validate() error {
	if e.JobID == "" {
		return fmt.Errorf("event: missing job id")
	}
	switch e.Type {
	case EventStatus:
		if e.Status == "" {
			return fmt.Errorf("event: status event without status")
		}
	case EventURLComplete:
		if e.URL == "" {
			return fmt.Errorf("event: url_complete event without url")
		}
	case EventError:
		if e.Message == "" {
			return fmt.Errorf("event: error event without message")
		}
	case EventProgress, EventComplete:
	default:
		return fmt.Errorf("event: unknown type %q", e.Type)
	}
	return nil
}

// Sink receives stream events in order. A Sink error means the consumer is
// gone and the stream should stop; it never fails the job.
type Sink interface {
	Send(event Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(event Event) error

// Send calls f(event).
func (f SinkFunc) Send(event Event) error {
	return f(event)
}
