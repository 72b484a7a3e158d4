package model

import (
	"time"
)

// SessionStatus represents the lifecycle state of an extraction session.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionPartial   SessionStatus = "partial"
	SessionFailed    SessionStatus = "failed"
)

// IsTerminal reports whether the status ends a run.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionPartial, SessionFailed:
		return true
	}
	return false
}

// IsResumable reports whether a session in this status may be resumed.
func (s SessionStatus) IsResumable() bool {
	return s == SessionPartial || s == SessionFailed
}

// CanTransition reports whether moving from s to next is allowed. Forward
// moves only, except PARTIAL/FAILED back to RUNNING via resume.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case SessionCreated:
		return next == SessionRunning || next == SessionFailed
	case SessionRunning:
		return next.IsTerminal()
	case SessionPartial, SessionFailed:
		return next == SessionRunning
	}
	return false
}

// Counters are the progress counters of a session.
type Counters struct {
	HotelsFound    int `json:"hotels_found"`
	RoomsExtracted int `json:"rooms_extracted"`
	Attempts       int `json:"attempts"`
	Errors         int `json:"errors"`
}

// Session is one tracked extraction run for a trip/site/search.
type Session struct {
	ID          string        `json:"id"`
	TripID      string        `json:"trip_id"`
	Site        Site          `json:"site"`
	Search      SearchParams  `json:"search"`
	Options     Options       `json:"options"`
	Fingerprint string        `json:"fingerprint"`
	Status      SessionStatus `json:"status"`
	Counters    Counters      `json:"counters"`
	Cancelled   bool          `json:"cancelled,omitempty"`
	Tasks       []Task        `json:"tasks,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	ArchivedAt  *time.Time    `json:"archived_at,omitempty"`
}

// TaskKind is the kind of unit of work.
type TaskKind string

const (
	TaskSearch    TaskKind = "search"
	TaskRoomRates TaskKind = "room_rates"
)

// TaskStatus is the state of one task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskSucceeded  TaskStatus = "succeeded"
	// TaskFailed marks a task whose work was lost outside the retry loop
	// (sink delivery failure, interrupted process).
	TaskFailed TaskStatus = "failed"
	// TaskExhausted marks a task the retry coordinator gave up on.
	TaskExhausted TaskStatus = "exhausted"
)

// NeedsRerun reports whether resume should re-queue the task.
func (s TaskStatus) NeedsRerun() bool {
	return s == TaskPending || s == TaskFailed || s == TaskExhausted
}

// Task is one retryable unit of extraction work.
type Task struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Kind      TaskKind   `json:"kind"`
	Target    string     `json:"target,omitempty"`
	Rank      int        `json:"rank"`
	Status    TaskStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	LastClass string     `json:"last_class,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	// Seq is the completion order within the session (0 while unfinished).
	Seq       int       `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecordError is a record-level problem kept for diagnosis: a validation
// rejection, an undecomposable package, or a delivery failure.
type RecordError struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Site      Site      `json:"site"`
	RecordKey string    `json:"record_key,omitempty"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Raw       []byte    `json:"raw,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
