package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/forge/internal/models"
)

// Run is the concurrency-safe ledger of one workflow run. All transitions
// go through its methods; preconditions that do not hold return
// ErrInvalidState rather than silently doing nothing.
type Run struct {
	mu sync.Mutex
	r  *models.Run
}

// NewRun builds a pending run with one pending step per definition.
// Sequence numbers are 1-based and contiguous in declaration order.
func NewRun(userID, chainName, input string, defs []*models.StepDef) *Run {
	id := uuid.NewString()
	r := &models.Run{
		ID:           id,
		UserID:       userID,
		ChainName:    chainName,
		InitialInput: input,
		Status:       models.RunStatusPending,
		StartedAt:    time.Now().UTC(),
	}
	for i, d := range defs {
		r.Steps = append(r.Steps, &models.Step{
			ID:          uuid.NewString(),
			RunID:       id,
			Kind:        d.Kind,
			Name:        d.Name,
			Description: d.Description,
			Status:      models.StepStatusPending,
			Sequence:    i + 1,
		})
	}
	return &Run{r: r}
}

// Restore wraps an existing record, e.g. one loaded from storage.
func Restore(r *models.Run) *Run {
	return &Run{r: r}
}

func (run *Run) ID() string { return run.r.ID }

// Snapshot returns a point-in-time deep copy of the run record.
func (run *Run) Snapshot() *models.Run {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.r.Clone()
}

// current returns the lowest-sequence step that is in progress or waiting
// for approval. Steps are held in sequence order, so the first match wins.
// Callers must hold run.mu.
func (run *Run) current() *models.Step {
	for _, s := range run.r.Steps {
		if s.Status == models.StepStatusInProgress || s.Status == models.StepStatusWaitingApproval {
			return s
		}
	}
	return nil
}

// nextPending returns the lowest-sequence pending step, or nil.
func (run *Run) nextPending() *models.Step {
	for _, s := range run.r.Steps {
		if s.Status == models.StepStatusPending {
			return s
		}
	}
	return nil
}

// Start moves a pending run to in-progress and begins its first step.
func (run *Run) Start(input string) error {
	run.mu.Lock()
	defer run.mu.Unlock()

	if run.r.Status != models.RunStatusPending {
		return fmt.Errorf("%w: start requires a pending run, run %s is %s", ErrInvalidState, run.r.ID, run.r.Status)
	}
	first := run.nextPending()
	if first == nil {
		return fmt.Errorf("%w: run %s has no steps", ErrInvalidState, run.r.ID)
	}
	run.r.Status = models.RunStatusInProgress
	run.beginStep(first, input)
	return nil
}

func (run *Run) beginStep(s *models.Step, input string) {
	now := time.Now().UTC()
	s.Status = models.StepStatusInProgress
	s.Input = input
	s.StartedAt = &now
	run.r.CurrentStep = s.Name
}

// CompleteCurrentStep finishes the active step with the given output and
// advances to the next pending step, or completes the run if none remain.
func (run *Run) CompleteCurrentStep(output string) error {
	run.mu.Lock()
	defer run.mu.Unlock()

	s := run.current()
	if s == nil || run.r.Status != models.RunStatusInProgress {
		return fmt.Errorf("%w: no step in progress on run %s (status %s)", ErrInvalidState, run.r.ID, run.r.Status)
	}
	if s.Status != models.StepStatusInProgress {
		return fmt.Errorf("%w: step %q is %s, expected in_progress", ErrInvalidState, s.Name, s.Status)
	}
	run.finishStep(s, models.StepStatusCompleted, output)
	run.advance(output)
	return nil
}

// RequestApproval suspends the active step pending a human decision.
func (run *Run) RequestApproval() error {
	run.mu.Lock()
	defer run.mu.Unlock()

	s := run.current()
	if s == nil || s.Status != models.StepStatusInProgress {
		return fmt.Errorf("%w: approval requires a step in progress on run %s", ErrInvalidState, run.r.ID)
	}
	s.Status = models.StepStatusWaitingApproval
	run.r.Status = models.RunStatusWaitingApproval
	return nil
}

// ApproveCurrentStep records the approval, finishes the step as Approved,
// and advances the run the same way CompleteCurrentStep does.
func (run *Run) ApproveCurrentStep(output string) error {
	run.mu.Lock()
	defer run.mu.Unlock()

	s := run.current()
	if s == nil || s.Status != models.StepStatusWaitingApproval {
		return fmt.Errorf("%w: no step waiting for approval on run %s", ErrInvalidState, run.r.ID)
	}
	run.finishStep(s, models.StepStatusApproved, output)
	run.advance(output)
	return nil
}

// RejectCurrentStep records an explicit human rejection. Terminal.
func (run *Run) RejectCurrentStep(reason string) error {
	run.mu.Lock()
	defer run.mu.Unlock()

	s := run.current()
	if s == nil || s.Status != models.StepStatusWaitingApproval {
		return fmt.Errorf("%w: no step waiting for approval on run %s", ErrInvalidState, run.r.ID)
	}
	now := time.Now().UTC()
	s.Status = models.StepStatusRejected
	s.Error = reason
	s.CompletedAt = &now
	run.terminate(models.RunStatusRejected, reason)
	return nil
}

// FailCurrentStep fails the active step (in progress or waiting) and ends
// the run. Used for handler errors and approval timeouts.
func (run *Run) FailCurrentStep(msg string) error {
	run.mu.Lock()
	defer run.mu.Unlock()

	s := run.current()
	if s == nil {
		return fmt.Errorf("%w: no active step on run %s (status %s)", ErrInvalidState, run.r.ID, run.r.Status)
	}
	now := time.Now().UTC()
	s.Status = models.StepStatusFailed
	s.Error = msg
	s.CompletedAt = &now
	run.terminate(models.RunStatusFailed, msg)
	return nil
}

// Cancel ends the run without finishing it. Completed and failed runs
// cannot be cancelled; cancelling twice is also an error.
func (run *Run) Cancel() error {
	run.mu.Lock()
	defer run.mu.Unlock()

	if run.r.Status.Terminal() {
		return fmt.Errorf("%w: run %s already %s", ErrInvalidState, run.r.ID, run.r.Status)
	}
	if s := run.current(); s != nil {
		now := time.Now().UTC()
		s.Status = models.StepStatusFailed
		s.Error = "run cancelled"
		s.CompletedAt = &now
	}
	run.terminate(models.RunStatusCancelled, "run cancelled")
	return nil
}

func (run *Run) finishStep(s *models.Step, status models.StepStatus, output string) {
	now := time.Now().UTC()
	s.Status = status
	s.Output = output
	s.CompletedAt = &now
}

// advance starts the next pending step, feeding it the previous step's
// output, or completes the run when the chain is exhausted.
func (run *Run) advance(prevOutput string) {
	if next := run.nextPending(); next != nil {
		run.r.Status = models.RunStatusInProgress
		run.beginStep(next, prevOutput)
		return
	}
	now := time.Now().UTC()
	run.r.Status = models.RunStatusCompleted
	run.r.CurrentStep = ""
	run.r.CompletedAt = &now
}

func (run *Run) terminate(status models.RunStatus, msg string) {
	now := time.Now().UTC()
	run.r.Status = status
	run.r.Error = msg
	run.r.CurrentStep = ""
	run.r.CompletedAt = &now
}
