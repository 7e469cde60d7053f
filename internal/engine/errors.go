package engine

import "errors"

var (
	// ErrInvalidState is returned when an operation's precondition on the
	// run or step status does not hold. Callers that want a silent no-op
	// must check the status first; the engine never swallows these.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrNotFound is returned when a run, step, or binding does not exist.
	ErrNotFound = errors.New("not found")

	// ErrApprovalTimeout means the gate expired with no human decision.
	// Treated as cancellation: the current step fails and the run ends.
	ErrApprovalTimeout = errors.New("approval timed out")

	// ErrApprovalRejected means a human explicitly declined the approval.
	ErrApprovalRejected = errors.New("approval rejected")
)
