package models

import "time"

type EventKind string

const (
	EventRunStarted       EventKind = "run_started"
	EventStepStarted      EventKind = "step_started"
	EventStepCompleted    EventKind = "step_completed"
	EventStepFailed       EventKind = "step_failed"
	EventApprovalRequired EventKind = "approval_requested"
	EventApprovalResolved EventKind = "approval_resolved"
	EventMessage          EventKind = "message"
	EventError            EventKind = "error"
	EventRunCompleted     EventKind = "run_completed"
)

// Event is one entry in a run's append-only event log. Seq is assigned by
// the log on append and is contiguous from 1 within a run.
type Event struct {
	Seq       int       `json:"seq"`
	RunID     string    `json:"run_id"`
	Kind      EventKind `json:"kind"`
	Step      string    `json:"step,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
