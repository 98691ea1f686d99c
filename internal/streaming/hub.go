// Package streaming fans live pipeline and workflow events out to in-process
// subscribers: the SSE route, the MCP notifier and tests.
package streaming

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrHubClosed is returned by Publish and Subscribe after Close.
var ErrHubClosed = errors.New("event hub closed")

// StreamEvent is a real-time event from a pipeline execution or a workflow instance.
// Seq and Time are stamped by the hub on publish.
type StreamEvent struct {
	Seq         uint64    `json:"seq"`
	Time        time.Time `json:"time"`
	ExecutionID string    `json:"execution_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	StepID      string    `json:"step_id,omitempty"`
	EventType   string    `json:"event_type"`
	Payload     any       `json:"payload,omitempty"`
}

// EventFilter selects events. Empty fields match everything.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// Match reports whether e passes the filter.
func (f EventFilter) Match(e StreamEvent) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.EventType)
}

// EventHub provides pub/sub for real-time events. The returned channel is
// closed when the subscription is cancelled or the hub shuts down.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
