package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a download task.
//
// Transitions:
//
//	Created -> Queued -> Running <-> Paused
//	Running -> Completed | Failed
//	any non-terminal -> Canceled
type TaskStatus string

const (
	// TaskCreated means the task exists but has not been submitted.
	TaskCreated TaskStatus = "created"
	// TaskQueued means the task is waiting for an admission slot.
	TaskQueued TaskStatus = "queued"
	// TaskRunning means segment fetches are being dispatched.
	TaskRunning TaskStatus = "running"
	// TaskPaused means dispatch is suspended and in-flight fetches drained.
	TaskPaused TaskStatus = "paused"
	// TaskCompleted means all segments merged into the final artifact.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed means an unrecoverable error stopped the task.
	TaskFailed TaskStatus = "failed"
	// TaskCanceled means the task was canceled by the user.
	TaskCanceled TaskStatus = "canceled"
)

// Terminal returns true for states with no outgoing transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCanceled
}

// CanTransition reports whether moving from s to next is a legal step of
// the task state machine.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch next {
	case TaskQueued:
		return s == TaskCreated
	case TaskRunning:
		return s == TaskQueued || s == TaskPaused
	case TaskPaused:
		return s == TaskRunning
	case TaskCompleted, TaskFailed:
		return s == TaskRunning
	case TaskCanceled:
		return !s.Terminal()
	default:
		return false
	}
}

// Priority orders tasks within the admission queue.
type Priority int

const (
	// PriorityLow tasks are admitted after all others.
	PriorityLow Priority = iota
	// PriorityNormal is the default class.
	PriorityNormal
	// PriorityHigh tasks are admitted first.
	PriorityHigh
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// TaskID uniquely identifies a task for its whole retained lifetime.
type TaskID string

// NewTaskID generates a new random task identifier.
func NewTaskID() TaskID {
	return TaskID(uuid.NewString())
}

// TaskSnapshot is a consistent read-only view of one task, copied out
// under the task's own lock.
type TaskSnapshot struct {
	ID       TaskID     `json:"id"`
	Name     string     `json:"name"`
	Status   TaskStatus `json:"status"`
	Priority Priority   `json:"priority"`

	Progress Progress `json:"progress"`

	// SubmittedAt orders tasks within a priority class.
	SubmittedAt time.Time `json:"submitted_at"`

	// Error holds the failure description for Failed tasks.
	Error *TaskError `json:"error,omitempty"`

	// OutputPath is the final artifact path, set once Completed.
	OutputPath string `json:"output_path,omitempty"`
}

// ErrorKind classifies task failures by kind rather than by Go type, so
// front-ends can present and group them uniformly.
type ErrorKind string

const (
	// ErrorKindInput covers malformed URLs and unparseable playlists.
	ErrorKindInput ErrorKind = "input"
	// ErrorKindTransientExhausted covers retryable network failures whose
	// budget ran out.
	ErrorKindTransientExhausted ErrorKind = "transient-network-exhausted"
	// ErrorKindPermanentNetwork covers non-retryable HTTP and DNS failures.
	ErrorKindPermanentNetwork ErrorKind = "permanent-network"
	// ErrorKindCrypto covers key fetch and key size failures.
	ErrorKindCrypto ErrorKind = "crypto"
	// ErrorKindDisk covers staging write failures.
	ErrorKindDisk ErrorKind = "disk"
	// ErrorKindMerge covers final concatenation failures.
	ErrorKindMerge ErrorKind = "merge"
	// ErrorKindCanceled marks cancellation, which is not an error kind the
	// user can act on but still travels the same path.
	ErrorKindCanceled ErrorKind = "canceled"
)

// TaskError describes why a task failed, including the failing segment
// when the failure is segment-scoped.
type TaskError struct {
	Kind ErrorKind `json:"kind"`

	// SegmentIndex is the failing segment, or -1 for task-level failures.
	SegmentIndex int `json:"segment_index"`

	// Attempts is the attempt count for the failing segment.
	Attempts int `json:"attempts,omitempty"`

	Message string `json:"message"`
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	if e.SegmentIndex >= 0 {
		return fmt.Sprintf("%s: segment %d after %d attempts: %s", e.Kind, e.SegmentIndex, e.Attempts, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
