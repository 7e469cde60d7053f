package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forgeworks/forge/internal/engine"
	"github.com/forgeworks/forge/internal/models"
	"github.com/forgeworks/forge/internal/observability"
	"github.com/forgeworks/forge/internal/storage"
)

func testChain(steps ...*models.StepDef) map[string]*models.Chain {
	return map[string]*models.Chain{
		"test": {Name: "test", Steps: steps},
	}
}

func newTestService(chains map[string]*models.Chain, handlers map[models.StepKind]Handler) *Service {
	return NewService(Options{
		Store:           storage.NewMemory(),
		Logger:          observability.NewTestLogger(&strings.Builder{}),
		Chains:          chains,
		Handlers:        handlers,
		ApprovalTimeout: time.Second,
		ApprovalPoll:    time.Millisecond,
		StreamPoll:      time.Millisecond,
		RetentionGrace:  time.Minute,
	})
}

func waitStatus(t *testing.T, s *Service, runID string, want models.RunStatus) *models.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := s.GetRunStatus(runID)
		if err != nil {
			t.Fatalf("GetRunStatus: %v", err)
		}
		if run.Status == want {
			return run
		}
		if run.Status.Terminal() {
			t.Fatalf("run settled at %s (error %q), want %s", run.Status, run.Error, want)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("run never reached %s", want)
	return nil
}

func echoHandler(suffix string) Handler {
	return HandlerFunc(func(sc *StepContext, input any) (any, error) {
		return fmt.Sprintf("%v>%s", input, suffix), nil
	})
}

func TestService_HappyPath(t *testing.T) {
	chains := testChain(
		&models.StepDef{Kind: "a", Name: "first"},
		&models.StepDef{Kind: "b", Name: "second"},
	)
	s := newTestService(chains, map[models.StepKind]Handler{
		"a": echoHandler("a"),
		"b": echoHandler("b"),
	})

	runID, err := s.StartRun("user-1", "test", "seed")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	run := waitStatus(t, s, runID, models.RunStatusCompleted)
	if run.Steps[0].Output != "seed>a" {
		t.Errorf("step 1 output = %q", run.Steps[0].Output)
	}
	// Output of step i is input of step i+1.
	if run.Steps[1].Input != "seed>a" || run.Steps[1].Output != "seed>a>b" {
		t.Errorf("step 2 = in %q out %q", run.Steps[1].Input, run.Steps[1].Output)
	}

	events, err := s.OpenReader(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	var kinds []models.EventKind
	for e := range events {
		kinds = append(kinds, e.Kind)
	}
	want := []models.EventKind{
		models.EventRunStarted,
		models.EventStepStarted, models.EventStepCompleted,
		models.EventStepStarted, models.EventStepCompleted,
		models.EventRunCompleted,
	}
	if len(kinds) != len(want) {
		t.Fatalf("event kinds = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestService_UnknownChain(t *testing.T) {
	s := newTestService(nil, nil)
	if _, err := s.StartRun("user-1", "no-such-chain", "x"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestService_HandlerFailureIsIsolated(t *testing.T) {
	chains := testChain(&models.StepDef{Kind: "flaky", Name: "only"})
	s := newTestService(chains, map[models.StepKind]Handler{
		"flaky": HandlerFunc(func(sc *StepContext, input any) (any, error) {
			if strings.Contains(fmt.Sprint(input), "boom") {
				return nil, errors.New("handler exploded")
			}
			return "fine", nil
		}),
	})

	badID, err := s.StartRun("user-1", "test", "boom")
	if err != nil {
		t.Fatal(err)
	}
	goodID, err := s.StartRun("user-1", "test", "calm")
	if err != nil {
		t.Fatal(err)
	}

	bad := waitStatus(t, s, badID, models.RunStatusFailed)
	if bad.Steps[0].Status != models.StepStatusFailed {
		t.Errorf("failed step status = %s", bad.Steps[0].Status)
	}
	if !strings.Contains(bad.Error, "handler exploded") {
		t.Errorf("run error = %q", bad.Error)
	}

	good := waitStatus(t, s, goodID, models.RunStatusCompleted)
	if good.Error != "" {
		t.Errorf("good run contaminated: %q", good.Error)
	}
}

func gatedChain() map[string]*models.Chain {
	return testChain(
		&models.StepDef{Kind: "gated", Name: "branch", Gated: true},
		&models.StepDef{Kind: "plain", Name: "after"},
	)
}

func gatedHandlers() map[models.StepKind]Handler {
	return map[models.StepKind]Handler{
		"gated": HandlerFunc(func(sc *StepContext, input any) (any, error) {
			if err := sc.RequestApproval("Create the branch?", "detectors/x", ""); err != nil {
				return nil, err
			}
			return "branch created", nil
		}),
		"plain": echoHandler("done"),
	}
}

func approvalOf(t *testing.T, s *Service, runID string) models.ApprovalRequest {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pending, err := s.PendingApprovals(runID)
		if err == nil && len(pending) > 0 {
			return pending[0]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no approval ever published")
	return models.ApprovalRequest{}
}

func TestService_ApprovalApproved(t *testing.T) {
	s := newTestService(gatedChain(), gatedHandlers())

	runID, err := s.StartRun("user-1", "test", "go")
	if err != nil {
		t.Fatal(err)
	}

	waitStatus(t, s, runID, models.RunStatusWaitingApproval)
	req := approvalOf(t, s, runID)

	found, err := s.SubmitApproval(runID, req.ID, true, "ship it")
	if err != nil || !found {
		t.Fatalf("SubmitApproval = %v, %v", found, err)
	}

	run := waitStatus(t, s, runID, models.RunStatusCompleted)
	if run.Steps[0].Status != models.StepStatusApproved {
		t.Errorf("gated step status = %s, want approved", run.Steps[0].Status)
	}
	if run.Steps[1].Status != models.StepStatusCompleted {
		t.Errorf("follow-up step status = %s", run.Steps[1].Status)
	}
}

func TestService_ApprovalRejected(t *testing.T) {
	s := newTestService(gatedChain(), gatedHandlers())

	runID, _ := s.StartRun("user-1", "test", "go")
	waitStatus(t, s, runID, models.RunStatusWaitingApproval)
	req := approvalOf(t, s, runID)

	found, err := s.SubmitApproval(runID, req.ID, false, "wrong repo")
	if err != nil || !found {
		t.Fatalf("SubmitApproval = %v, %v", found, err)
	}

	run := waitStatus(t, s, runID, models.RunStatusRejected)
	if run.Steps[0].Status != models.StepStatusRejected {
		t.Errorf("gated step status = %s", run.Steps[0].Status)
	}
	if !strings.Contains(run.Error, "wrong repo") {
		t.Errorf("run error = %q", run.Error)
	}
	if run.Steps[1].Status != models.StepStatusPending {
		t.Errorf("later step ran after rejection: %s", run.Steps[1].Status)
	}
}

func TestService_ApprovalTimeout(t *testing.T) {
	s := newTestService(gatedChain(), gatedHandlers())
	s.approvalTimeout = 200 * time.Millisecond

	runID, _ := s.StartRun("user-1", "test", "go")
	req := approvalOf(t, s, runID)

	run := waitStatus(t, s, runID, models.RunStatusFailed)
	if run.Steps[0].Status != models.StepStatusFailed {
		t.Errorf("gated step status = %s", run.Steps[0].Status)
	}
	if !strings.Contains(run.Error, "timed out") {
		t.Errorf("run error = %q", run.Error)
	}

	// The expired approval was withdrawn, so a decision arriving after
	// the run failed finds nothing and writes nothing.
	found, err := s.SubmitApproval(runID, req.ID, true, "too late")
	if err != nil || found {
		t.Errorf("late submission = %v, %v, want found=false", found, err)
	}
}

func TestService_SubmitApprovalUnknown(t *testing.T) {
	s := newTestService(gatedChain(), gatedHandlers())

	// Unknown run.
	found, err := s.SubmitApproval("no-such-run", "ap", true, "")
	if err != nil || found {
		t.Errorf("unknown run = %v, %v", found, err)
	}

	runID, _ := s.StartRun("user-1", "test", "go")
	waitStatus(t, s, runID, models.RunStatusWaitingApproval)

	// Unknown approval ID on a live run.
	found, err = s.SubmitApproval(runID, "bogus", true, "")
	if err != nil || found {
		t.Errorf("unknown approval = %v, %v", found, err)
	}

	// The run is still waiting.
	run, _ := s.GetRunStatus(runID)
	if run.Status != models.RunStatusWaitingApproval {
		t.Errorf("run moved on a bogus submission: %s", run.Status)
	}

	req := approvalOf(t, s, runID)
	s.SubmitApproval(runID, req.ID, true, "")
	waitStatus(t, s, runID, models.RunStatusCompleted)
}

func TestService_Cancel(t *testing.T) {
	chains := testChain(&models.StepDef{Kind: "slow", Name: "slow"})
	s := newTestService(chains, map[models.StepKind]Handler{
		"slow": HandlerFunc(func(sc *StepContext, input any) (any, error) {
			<-sc.Context().Done()
			return nil, sc.Context().Err()
		}),
	})

	runID, _ := s.StartRun("user-1", "test", "go")
	waitStatus(t, s, runID, models.RunStatusInProgress)

	if err := s.Cancel(runID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	run := waitStatus(t, s, runID, models.RunStatusCancelled)
	if run.Steps[0].Status != models.StepStatusFailed {
		t.Errorf("step status after cancel = %s", run.Steps[0].Status)
	}

	if err := s.Cancel(runID); !errors.Is(err, engine.ErrInvalidState) {
		t.Errorf("second cancel err = %v, want ErrInvalidState", err)
	}
}

func TestService_CancelCompletedRunRejected(t *testing.T) {
	chains := testChain(&models.StepDef{Kind: "a", Name: "only"})
	s := newTestService(chains, map[models.StepKind]Handler{"a": echoHandler("x")})

	runID, _ := s.StartRun("user-1", "test", "go")
	waitStatus(t, s, runID, models.RunStatusCompleted)

	if err := s.Cancel(runID); !errors.Is(err, engine.ErrInvalidState) {
		t.Errorf("cancel completed run err = %v, want ErrInvalidState", err)
	}
}

func TestService_LateReaderGetsBacklog(t *testing.T) {
	chains := testChain(&models.StepDef{Kind: "a", Name: "only"})
	s := newTestService(chains, map[models.StepKind]Handler{"a": echoHandler("x")})

	runID, _ := s.StartRun("user-1", "test", "go")
	waitStatus(t, s, runID, models.RunStatusCompleted)

	// Attach after the run finished; backlog must replay in order.
	events, err := s.OpenReader(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	var seqs []int
	for e := range events {
		seqs = append(seqs, e.Seq)
	}
	if len(seqs) == 0 {
		t.Fatal("no events replayed")
	}
	for i, seq := range seqs {
		if seq != i+1 {
			t.Fatalf("seqs out of order: %v", seqs)
		}
	}
}

func TestService_NarrationEvents(t *testing.T) {
	chains := testChain(&models.StepDef{Kind: "chatty", Name: "chatty"})
	s := newTestService(chains, map[models.StepKind]Handler{
		"chatty": HandlerFunc(func(sc *StepContext, input any) (any, error) {
			sc.Say("working on %s", "it")
			return "done", nil
		}),
	})

	runID, _ := s.StartRun("user-1", "test", "go")
	waitStatus(t, s, runID, models.RunStatusCompleted)

	events, _ := s.OpenReader(context.Background(), runID)
	var sawMessage bool
	for e := range events {
		if e.Kind == models.EventMessage && e.Payload == "working on it" {
			sawMessage = true
		}
	}
	if !sawMessage {
		t.Error("narration never reached the event log")
	}
}

func TestService_DeleteRun(t *testing.T) {
	block := make(chan struct{})
	chains := testChain(&models.StepDef{Kind: "slow", Name: "slow"})
	s := newTestService(chains, map[models.StepKind]Handler{
		"slow": HandlerFunc(func(sc *StepContext, input any) (any, error) {
			<-block
			return "done", nil
		}),
	})

	runID, _ := s.StartRun("user-1", "test", "go")
	waitStatus(t, s, runID, models.RunStatusInProgress)

	if err := s.DeleteRun(runID); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("delete active run err = %v, want ErrInvalidState", err)
	}

	close(block)
	waitStatus(t, s, runID, models.RunStatusCompleted)

	// Terminal but still retained in memory: delete evicts and removes.
	if err := s.DeleteRun(runID); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, err := s.GetRunStatus(runID); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("status after delete err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteRun(runID); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestService_CancelImmediatelyAfterStart(t *testing.T) {
	chains := testChain(&models.StepDef{Kind: "a", Name: "only"})
	s := newTestService(chains, map[models.StepKind]Handler{"a": echoHandler("a")})

	// Cancel races the run goroutine; when it wins, the run goes terminal
	// before Start ever happens. Whichever side wins, the event log must
	// complete so readers terminate instead of hanging.
	for i := 0; i < 25; i++ {
		runID, err := s.StartRun("user-1", "test", "seed")
		if err != nil {
			t.Fatal(err)
		}
		_ = s.Cancel(runID) // may lose to a completed run

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		events, err := s.OpenReader(ctx, runID)
		if err != nil {
			cancel()
			t.Fatal(err)
		}
		var last models.EventKind
		for e := range events {
			last = e.Kind
		}
		expired := ctx.Err() != nil
		cancel()
		if expired {
			t.Fatalf("iteration %d: event stream never completed", i)
		}
		if last != models.EventRunCompleted {
			t.Fatalf("iteration %d: last event = %s", i, last)
		}
	}
}

func TestService_UngatedStepSkipsApproval(t *testing.T) {
	// Same handler as the gated tests, but the chain does not declare the
	// step gated, so RequestApproval is a no-op and nothing pauses.
	chains := testChain(&models.StepDef{Kind: "gated", Name: "branch"})
	s := newTestService(chains, gatedHandlers())

	runID, _ := s.StartRun("user-1", "test", "go")
	run := waitStatus(t, s, runID, models.RunStatusCompleted)
	if run.Steps[0].Status != models.StepStatusCompleted {
		t.Errorf("ungated step status = %s, want completed", run.Steps[0].Status)
	}

	events, err := s.Events(runID)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range events {
		if e.Kind == models.EventApprovalRequired {
			t.Error("ungated step published an approval request")
		}
	}
}

func newArtifactService(t *testing.T, artifactsDir string, logged *syncBuffer) *Service {
	t.Helper()
	return NewService(Options{
		Store:           storage.NewMemory(),
		Logger:          observability.NewTestLogger(logged),
		Chains:          testChain(&models.StepDef{Kind: "a", Name: "only"}),
		Handlers:        map[models.StepKind]Handler{"a": echoHandler("x")},
		ArtifactsDir:    artifactsDir,
		ApprovalTimeout: time.Second,
		ApprovalPoll:    time.Millisecond,
		StreamPoll:      time.Millisecond,
		RetentionGrace:  time.Minute,
	})
}

type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestService_Artifacts(t *testing.T) {
	base := t.TempDir()
	s := newArtifactService(t, base, &syncBuffer{})

	runID, _ := s.StartRun("user-1", "test", "go")
	waitStatus(t, s, runID, models.RunStatusCompleted)

	dir, err := s.Artifacts(runID)
	if err != nil {
		t.Fatalf("Artifacts: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir.Path, "run.json")); err != nil {
		t.Errorf("run metadata missing: %v", err)
	}

	// Past retention the directory is reopened from disk.
	st, ok := s.state(runID)
	if !ok {
		t.Fatal("run state already evicted")
	}
	s.evict(runID, st.threadID)
	reopened, err := s.Artifacts(runID)
	if err != nil {
		t.Fatalf("Artifacts after eviction: %v", err)
	}
	if reopened.Path != dir.Path {
		t.Errorf("reopened path = %q, want %q", reopened.Path, dir.Path)
	}
}

func TestService_ArtifactFailureLoggedNotFatal(t *testing.T) {
	// A file where the artifacts dir should be: Create fails, the run
	// keeps going, and the failure lands in the structured log.
	base := filepath.Join(t.TempDir(), "blocked")
	if err := os.WriteFile(base, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	logged := &syncBuffer{}
	s := newArtifactService(t, base, logged)

	runID, _ := s.StartRun("user-1", "test", "go")
	waitStatus(t, s, runID, models.RunStatusCompleted)

	if !strings.Contains(logged.String(), `"type":"error"`) {
		t.Error("artifact failure never reached the log")
	}
}
