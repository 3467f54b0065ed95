// Package audit records the externally visible history of replication tasks:
// lifecycle events for every task and full error reports for quarantined
// ones.
//
// The coordinator talks to the Sink and QuarantineSink interfaces only; the
// SQLite store in this package is the default implementation and alternate
// sinks can be injected without touching the pipeline.
package audit

import (
	"context"
	"time"

	"fanout/internal/task"
)

// EventType enumerates audited task lifecycle moments.
type EventType string

const (
	EventAdmitted             EventType = "admitted"
	EventCopyStarted          EventType = "copy_started"
	EventDestinationCommitted EventType = "destination_committed"
	EventVerified             EventType = "verified"
	EventRetrying             EventType = "retrying"
	EventQuarantined          EventType = "quarantined"
)

// Event is one audited lifecycle record.
type Event struct {
	Timestamp     time.Time
	TaskID        string
	Type          EventType
	SourcePath    string
	DestinationID string
	Detail        string
}

// Sink receives lifecycle events.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// QuarantineSink stores terminal error reports for failed tasks.
type QuarantineSink interface {
	Store(ctx context.Context, t *task.Task, disposition string) error
}

// NopSink discards events and reports. Used in tests.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) error { return nil }

func (NopSink) Store(context.Context, *task.Task, string) error { return nil }
