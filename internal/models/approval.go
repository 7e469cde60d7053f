package models

import "time"

// ApprovalRequest is published on a conversation thread when a gated step
// needs a human decision before it may proceed.
type ApprovalRequest struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	ThreadID    string    `json:"thread_id"`
	Phase       string    `json:"phase"`
	Question    string    `json:"question"`
	Context     string    `json:"context"`
	Payload     string    `json:"payload,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// ApprovalResponse records the human decision for a pending approval.
type ApprovalResponse struct {
	ApprovalID string    `json:"approval_id"`
	Approved   bool      `json:"approved"`
	Feedback   string    `json:"feedback,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// HistoryEntry is one message on a conversation thread.
type HistoryEntry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ThreadState is a point-in-time copy of a conversation thread: its
// history and the approvals still awaiting a decision.
type ThreadState struct {
	ThreadID string
	History  []HistoryEntry
	Pending  []ApprovalRequest
}
