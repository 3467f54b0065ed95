package task

import (
	"fmt"
	"path/filepath"
	"time"
)

// Status represents the lifecycle of a replication task.
type Status string

// Tasks are created at admission; the detection and stabilizing phases that
// precede them are tracked inside the detector, not here.
const (
	StatusAdmitted    Status = "admitted"
	StatusCopying     Status = "copying"
	StatusVerifying   Status = "verifying"
	StatusCommitted   Status = "committed"
	StatusFailed      Status = "failed"
	StatusQuarantined Status = "quarantined"
)

var statusOrder = map[Status]int{
	StatusAdmitted:    0,
	StatusCopying:     1,
	StatusVerifying:   2,
	StatusCommitted:   3,
	StatusFailed:      4,
	StatusQuarantined: 5,
}

// IsTerminal reports whether a task in this status leaves the active set.
func (s Status) IsTerminal() bool {
	return s == StatusCommitted || s == StatusQuarantined
}

// CanTransitionTo enforces monotonic progression. The only permitted edge out
// of a later status into an "earlier" looking one does not exist; failed may
// only advance to quarantined.
func (s Status) CanTransitionTo(next Status) bool {
	from, ok := statusOrder[s]
	if !ok {
		return false
	}
	to, ok := statusOrder[next]
	if !ok {
		return false
	}
	if s == StatusFailed {
		return next == StatusQuarantined
	}
	if s.IsTerminal() {
		return false
	}
	return to > from
}

// DestinationStatus tracks one destination's progress within a task.
type DestinationStatus string

const (
	DestPending              DestinationStatus = "pending"
	DestWriting              DestinationStatus = "writing"
	DestWrittenPendingVerify DestinationStatus = "written_pending_verify"
	DestVerified             DestinationStatus = "verified"
	DestFailed               DestinationStatus = "failed"
)

// DestinationState holds per-destination replication progress.
type DestinationState struct {
	ID           string
	RootPath     string
	FinalPath    string
	TempPath     string
	Status       DestinationStatus
	BytesWritten int64
	Attempts     int
	LastCategory string
	LastError    string
}

// Attempt records one classified failure for the task's error report.
type Attempt struct {
	At          time.Time
	Destination string
	Category    string
	Message     string
}

// Task is a single replication unit: one source file fanned out to every
// enabled destination, committed all-or-nothing.
type Task struct {
	ID           string
	SourcePath   string
	RelPath      string
	Key          string
	Size         int64
	ModTime      time.Time
	StableSince  time.Time
	AdmittedAt   time.Time
	Status       Status
	SourceDigest string
	Destinations []*DestinationState
	SchedulerTry int
	History      []Attempt
}

// New constructs an admitted task for the given source file and destinations.
func New(id, sourcePath, relPath, key string, size int64, modTime, stableSince time.Time, dests []*DestinationState) *Task {
	return &Task{
		ID:           id,
		SourcePath:   sourcePath,
		RelPath:      relPath,
		Key:          key,
		Size:         size,
		ModTime:      modTime,
		StableSince:  stableSince,
		AdmittedAt:   time.Now().UTC(),
		Status:       StatusAdmitted,
		Destinations: dests,
	}
}

// NewDestination builds the initial per-destination state. The final path
// mirrors the source file's path relative to the watch root.
func NewDestination(id, rootPath, relPath string) *DestinationState {
	return &DestinationState{
		ID:        id,
		RootPath:  rootPath,
		FinalPath: filepath.Join(rootPath, relPath),
		Status:    DestPending,
	}
}

// Transition advances the task status, rejecting any move the state machine
// forbids.
func (t *Task) Transition(next Status) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("invalid task transition %s -> %s (task %s)", t.Status, next, t.ID)
	}
	t.Status = next
	return nil
}

// Destination returns the state for the given destination id, or nil.
func (t *Task) Destination(id string) *DestinationState {
	for _, dest := range t.Destinations {
		if dest.ID == id {
			return dest
		}
	}
	return nil
}

// RecordFailure appends an attempt record and updates destination bookkeeping.
func (t *Task) RecordFailure(destID, category, message string) {
	t.History = append(t.History, Attempt{
		At:          time.Now().UTC(),
		Destination: destID,
		Category:    category,
		Message:     message,
	})
	if dest := t.Destination(destID); dest != nil {
		dest.Attempts++
		dest.LastCategory = category
		dest.LastError = message
		dest.Status = DestFailed
	}
}

// ResetForRetry returns destination states to pending so a rescheduled task
// starts the fan-out from scratch. Attempt bookkeeping is preserved.
func (t *Task) ResetForRetry() {
	for _, dest := range t.Destinations {
		dest.Status = DestPending
		dest.TempPath = ""
		dest.BytesWritten = 0
	}
	t.SourceDigest = ""
}

// AllVerified reports whether every destination reached the verified state.
func (t *Task) AllVerified() bool {
	for _, dest := range t.Destinations {
		if dest.Status != DestVerified {
			return false
		}
	}
	return len(t.Destinations) > 0
}

// MaxAttempts returns the highest per-destination attempt count, which drives
// quarantine decisions for the task as a whole.
func (t *Task) MaxAttempts() int {
	max := 0
	for _, dest := range t.Destinations {
		if dest.Attempts > max {
			max = dest.Attempts
		}
	}
	return max
}
