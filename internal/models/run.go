package models

import "time"

type RunStatus string

const (
	RunStatusPending         RunStatus = "pending"
	RunStatusInProgress      RunStatus = "in_progress"
	RunStatusWaitingApproval RunStatus = "waiting_for_approval"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusFailed          RunStatus = "failed"
	RunStatusRejected        RunStatus = "rejected"
	RunStatusCancelled       RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusRejected, RunStatusCancelled:
		return true
	}
	return false
}

type StepStatus string

const (
	StepStatusPending         StepStatus = "pending"
	StepStatusInProgress      StepStatus = "in_progress"
	StepStatusWaitingApproval StepStatus = "waiting_for_approval"
	StepStatusApproved        StepStatus = "approved"
	StepStatusRejected        StepStatus = "rejected"
	StepStatusCompleted       StepStatus = "completed"
	StepStatusFailed          StepStatus = "failed"
)

// StepKind names the operation a step performs. The engine treats kinds as
// opaque strings; the pipeline resolves each kind to a registered handler.
type StepKind string

const (
	StepValidateInput     StepKind = "validate_input"
	StepQueryTelemetry    StepKind = "query_telemetry"
	StepCreateBranch      StepKind = "create_branch"
	StepAnalyzeHistory    StepKind = "analyze_history"
	StepGenerateCode      StepKind = "generate_code"
	StepCreatePullRequest StepKind = "create_pr"
	StepMonitorDeployment StepKind = "monitor_deployment"
)

type Step struct {
	ID          string
	RunID       string
	Kind        StepKind
	Name        string
	Description string
	Status      StepStatus
	Sequence    int // 1-based, contiguous
	Input       string
	Output      string
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

type Run struct {
	ID           string
	UserID       string
	ChainName    string
	InitialInput string
	Status       RunStatus
	CurrentStep  string
	Error        string
	StartedAt    time.Time
	CompletedAt  *time.Time
	Steps        []*Step
}

// Clone returns a deep copy safe to hand across goroutines.
func (r *Run) Clone() *Run {
	out := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	out.Steps = make([]*Step, len(r.Steps))
	for i, s := range r.Steps {
		sc := *s
		if s.StartedAt != nil {
			t := *s.StartedAt
			sc.StartedAt = &t
		}
		if s.CompletedAt != nil {
			t := *s.CompletedAt
			sc.CompletedAt = &t
		}
		out.Steps[i] = &sc
	}
	return &out
}
