package engine

import (
	"errors"
	"testing"

	"github.com/forgeworks/forge/internal/models"
)

func chainDefs() []*models.StepDef {
	return []*models.StepDef{
		{Kind: models.StepValidateInput, Name: "validate"},
		{Kind: models.StepCreateBranch, Name: "branch", Gated: true},
		{Kind: models.StepGenerateCode, Name: "generate"},
	}
}

func TestRun_HappyPath(t *testing.T) {
	run := NewRun("user-1", "detector", "make a detector", chainDefs())

	snap := run.Snapshot()
	if snap.Status != models.RunStatusPending {
		t.Fatalf("new run status = %s, want pending", snap.Status)
	}
	if len(snap.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(snap.Steps))
	}
	for i, s := range snap.Steps {
		if s.Sequence != i+1 {
			t.Errorf("step %d sequence = %d", i, s.Sequence)
		}
	}

	if err := run.Start("make a detector"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap = run.Snapshot()
	if snap.Status != models.RunStatusInProgress {
		t.Errorf("status after start = %s", snap.Status)
	}
	if snap.CurrentStep != "validate" {
		t.Errorf("current step = %q, want validate", snap.CurrentStep)
	}

	if err := run.CompleteCurrentStep("validated"); err != nil {
		t.Fatalf("CompleteCurrentStep: %v", err)
	}
	snap = run.Snapshot()
	if snap.CurrentStep != "branch" {
		t.Errorf("current step = %q, want branch", snap.CurrentStep)
	}
	if snap.Steps[1].Input != "validated" {
		t.Errorf("next step input = %q, want previous output", snap.Steps[1].Input)
	}

	if err := run.CompleteCurrentStep("branched"); err != nil {
		t.Fatalf("CompleteCurrentStep: %v", err)
	}
	if err := run.CompleteCurrentStep("generated"); err != nil {
		t.Fatalf("CompleteCurrentStep: %v", err)
	}

	snap = run.Snapshot()
	if snap.Status != models.RunStatusCompleted {
		t.Errorf("final status = %s, want completed", snap.Status)
	}
	if snap.CompletedAt == nil {
		t.Error("CompletedAt not set on completed run")
	}
	if snap.CurrentStep != "" {
		t.Errorf("current step on completed run = %q", snap.CurrentStep)
	}
}

func TestRun_ApprovalFlow(t *testing.T) {
	run := NewRun("user-1", "detector", "input", chainDefs())
	if err := run.Start("input"); err != nil {
		t.Fatal(err)
	}
	if err := run.CompleteCurrentStep("ok"); err != nil {
		t.Fatal(err)
	}

	if err := run.RequestApproval(); err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	snap := run.Snapshot()
	if snap.Status != models.RunStatusWaitingApproval {
		t.Errorf("run status = %s, want waiting_for_approval", snap.Status)
	}
	if snap.Steps[1].Status != models.StepStatusWaitingApproval {
		t.Errorf("step status = %s", snap.Steps[1].Status)
	}

	if err := run.ApproveCurrentStep("branch made"); err != nil {
		t.Fatalf("ApproveCurrentStep: %v", err)
	}
	snap = run.Snapshot()
	if snap.Status != models.RunStatusInProgress {
		t.Errorf("run status after approval = %s, want in_progress", snap.Status)
	}
	if snap.Steps[1].Status != models.StepStatusApproved {
		t.Errorf("approved step status = %s", snap.Steps[1].Status)
	}
	if snap.CurrentStep != "generate" {
		t.Errorf("current step = %q, want generate", snap.CurrentStep)
	}
}

func TestRun_Rejection(t *testing.T) {
	run := NewRun("user-1", "detector", "input", chainDefs())
	run.Start("input")
	run.CompleteCurrentStep("ok")
	run.RequestApproval()

	if err := run.RejectCurrentStep("wrong repo"); err != nil {
		t.Fatalf("RejectCurrentStep: %v", err)
	}
	snap := run.Snapshot()
	if snap.Status != models.RunStatusRejected {
		t.Errorf("run status = %s, want rejected", snap.Status)
	}
	if snap.Steps[1].Status != models.StepStatusRejected {
		t.Errorf("step status = %s", snap.Steps[1].Status)
	}
	if snap.Steps[1].Error != "wrong repo" {
		t.Errorf("step error = %q", snap.Steps[1].Error)
	}
	if snap.Steps[2].Status != models.StepStatusPending {
		t.Errorf("later step status = %s, should remain pending", snap.Steps[2].Status)
	}
}

func TestRun_FailWhileWaiting(t *testing.T) {
	run := NewRun("user-1", "detector", "input", chainDefs())
	run.Start("input")
	run.CompleteCurrentStep("ok")
	run.RequestApproval()

	if err := run.FailCurrentStep("approval timed out"); err != nil {
		t.Fatalf("FailCurrentStep: %v", err)
	}
	snap := run.Snapshot()
	if snap.Status != models.RunStatusFailed {
		t.Errorf("run status = %s, want failed", snap.Status)
	}
	if snap.Error != "approval timed out" {
		t.Errorf("run error = %q", snap.Error)
	}
}

func TestRun_InvalidTransitions(t *testing.T) {
	run := NewRun("user-1", "detector", "input", chainDefs())

	// Nothing in progress yet.
	if err := run.CompleteCurrentStep("x"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("complete before start: err = %v, want ErrInvalidState", err)
	}
	if err := run.ApproveCurrentStep("x"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("approve before start: err = %v", err)
	}

	run.Start("input")

	// No approval pending.
	if err := run.ApproveCurrentStep("x"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("approve without request: err = %v", err)
	}
	if err := run.RejectCurrentStep("x"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("reject without request: err = %v", err)
	}

	// Double start.
	if err := run.Start("input"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("double start: err = %v", err)
	}
}

func TestRun_CancelRules(t *testing.T) {
	run := NewRun("user-1", "detector", "input", chainDefs())
	run.Start("input")

	if err := run.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	snap := run.Snapshot()
	if snap.Status != models.RunStatusCancelled {
		t.Errorf("status = %s, want cancelled", snap.Status)
	}
	if err := run.Cancel(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("double cancel: err = %v, want ErrInvalidState", err)
	}

	done := NewRun("user-1", "detector", "input", []*models.StepDef{{Kind: models.StepValidateInput, Name: "validate"}})
	done.Start("input")
	done.CompleteCurrentStep("ok")
	if err := done.Cancel(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("cancel completed run: err = %v, want ErrInvalidState", err)
	}
}

func TestRun_SnapshotIsCopy(t *testing.T) {
	run := NewRun("user-1", "detector", "input", chainDefs())
	run.Start("input")

	snap := run.Snapshot()
	snap.Steps[0].Status = models.StepStatusFailed
	snap.Status = models.RunStatusFailed

	again := run.Snapshot()
	if again.Status != models.RunStatusInProgress {
		t.Errorf("mutating a snapshot leaked into the run: %s", again.Status)
	}
	if again.Steps[0].Status != models.StepStatusInProgress {
		t.Errorf("mutating a snapshot step leaked: %s", again.Steps[0].Status)
	}
}
