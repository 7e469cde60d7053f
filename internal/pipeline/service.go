// Package pipeline runs chains: it owns the run lifecycle from StartRun
// through the final event, wrapping each handler invocation with state
// machine transitions, persistence, and event log appends.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/forgeworks/forge/internal/artifacts"
	"github.com/forgeworks/forge/internal/chain"
	"github.com/forgeworks/forge/internal/config"
	"github.com/forgeworks/forge/internal/conversation"
	"github.com/forgeworks/forge/internal/engine"
	"github.com/forgeworks/forge/internal/models"
	"github.com/forgeworks/forge/internal/observability"
	"github.com/forgeworks/forge/internal/storage"
)

// Options wires a Service. Store and Logger are required; everything else
// has a working default.
type Options struct {
	Store    storage.Store
	Logger   *observability.Logger
	Chains   map[string]*models.Chain
	Handlers map[models.StepKind]Handler

	ArtifactsDir string

	ApprovalTimeout time.Duration
	ApprovalPoll    time.Duration
	StreamPoll      time.Duration
	RetentionGrace  time.Duration
}

// OptionsFromConfig copies the tuning knobs out of a Config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ArtifactsDir:    cfg.ArtifactsDir(),
		ApprovalTimeout: cfg.ApprovalTimeout,
		ApprovalPoll:    cfg.ApprovalPoll,
		StreamPoll:      cfg.StreamPoll,
		RetentionGrace:  cfg.RetentionGrace,
	}
}

type runState struct {
	run       *engine.Run
	log       *engine.EventLog
	threadID  string
	artifacts *artifacts.Dir
	cancel    context.CancelFunc
}

// Service is the orchestrator. One Service drives any number of
// concurrent runs; steps within a run are strictly sequential.
type Service struct {
	store    storage.Store
	threads  *conversation.Service
	registry *conversation.Registry
	logger   *observability.Logger
	chains   map[string]*models.Chain
	handlers map[models.StepKind]Handler

	artifactsDir string

	approvalTimeout time.Duration
	approvalPoll    time.Duration
	streamPoll      time.Duration
	retentionGrace  time.Duration

	mu     sync.Mutex
	active map[string]*runState
}

func NewService(opts Options) *Service {
	chains := opts.Chains
	if chains == nil {
		chains = make(map[string]*models.Chain)
	}
	if _, ok := chains[chain.DefaultName]; !ok {
		chains[chain.DefaultName] = chain.Default()
	}

	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger("")
	}

	return &Service{
		store:           opts.Store,
		threads:         conversation.NewService(),
		registry:        conversation.NewRegistry(),
		logger:          logger,
		chains:          chains,
		handlers:        opts.Handlers,
		artifactsDir:    opts.ArtifactsDir,
		approvalTimeout: opts.ApprovalTimeout,
		approvalPoll:    opts.ApprovalPoll,
		streamPoll:      opts.StreamPoll,
		retentionGrace:  opts.RetentionGrace,
		active:          make(map[string]*runState),
	}
}

// Threads exposes the conversation service for transports that render
// thread history.
func (s *Service) Threads() *conversation.Service { return s.threads }

// Chains lists the loaded chain definitions.
func (s *Service) Chains() map[string]*models.Chain { return s.chains }

// StartRun creates a run for the named chain and returns its ID
// immediately; the chain executes on its own goroutine. An empty
// chainName selects the default chain.
func (s *Service) StartRun(userID, chainName, input string) (string, error) {
	if chainName == "" {
		chainName = chain.DefaultName
	}
	c, ok := s.chains[chainName]
	if !ok {
		return "", fmt.Errorf("chain %q: %w", chainName, engine.ErrNotFound)
	}

	run := engine.NewRun(userID, chainName, input, c.Steps)
	runID := run.ID()

	threadID := s.threads.CreateThread(userID)
	if err := s.registry.Bind(runID, threadID); err != nil {
		return "", err
	}

	st := &runState{
		run:      run,
		log:      engine.NewEventLog(runID),
		threadID: threadID,
	}

	if s.artifactsDir != "" {
		dir, err := artifacts.Create(s.artifactsDir, runID)
		if err != nil {
			s.logger.LogError(runID, "", err)
		} else {
			st.artifacts = dir
			if err := dir.WriteRunMetadata(&artifacts.RunMetadata{
				RunID:        runID,
				ChainName:    chainName,
				UserID:       userID,
				InitialInput: input,
				ThreadID:     threadID,
			}); err != nil {
				s.logger.LogError(runID, "", err)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel

	s.mu.Lock()
	s.active[runID] = st
	s.mu.Unlock()

	s.persist(st)
	s.logger.LogRun(runID, string(models.RunStatusPending))

	go s.execute(conversation.WithThread(ctx, threadID), st, c, input)

	return runID, nil
}

// execute drives one run to a terminal status. It is the only writer of
// the run's event log.
func (s *Service) execute(ctx context.Context, st *runState, c *models.Chain, input string) {
	runID := st.run.ID()

	if err := st.run.Start(input); err != nil {
		// A cancel can land before this goroutine gets going. The run is
		// already terminal, but the log still has to complete and the
		// state still has to age out, so settle through finish.
		s.logger.LogError(runID, "", err)
		s.finish(st)
		return
	}
	s.persist(st)
	s.appendEvent(st, models.EventRunStarted, "", input)
	s.logger.LogRun(runID, string(models.RunStatusInProgress))

	var prev any = input
	for _, def := range c.Steps {
		if ctx.Err() != nil || st.run.Snapshot().Status.Terminal() {
			break
		}

		s.appendEvent(st, models.EventStepStarted, def.Name, "")
		s.logger.LogStep(runID, def.Name, string(models.StepStatusInProgress))

		sc := &StepContext{svc: s, state: st, def: def, ctx: ctx}
		out, err := s.invoke(sc, def, prev)
		if err != nil {
			s.settleFailure(st, def, err)
			break
		}

		payload := marshalPayload(out)
		if sc.approved {
			err = st.run.ApproveCurrentStep(payload)
		} else {
			err = st.run.CompleteCurrentStep(payload)
		}
		if err != nil {
			// The run moved under us, e.g. a concurrent cancel.
			s.logger.LogError(runID, def.Name, err)
			break
		}
		s.persist(st)
		s.appendEvent(st, models.EventStepCompleted, def.Name, payload)
		s.logger.LogStep(runID, def.Name, string(models.StepStatusCompleted))
		prev = out
	}

	s.finish(st)
}

func (s *Service) invoke(sc *StepContext, def *models.StepDef, input any) (any, error) {
	handler, ok := s.handlers[def.Kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for step kind %q", def.Kind)
	}
	return handler.Execute(sc, input)
}

// settleFailure classifies a handler error and transitions the run.
// Rejections terminate the run as Rejected; everything else, approval
// timeouts included, fails the current step.
func (s *Service) settleFailure(st *runState, def *models.StepDef, err error) {
	runID := st.run.ID()
	s.logger.LogError(runID, def.Name, err)

	if errors.Is(err, context.Canceled) && st.run.Snapshot().Status.Terminal() {
		// Cancel already settled the ledger.
		return
	}

	if errors.Is(err, engine.ErrApprovalRejected) {
		if rerr := st.run.RejectCurrentStep(err.Error()); rerr != nil {
			s.logger.LogError(runID, def.Name, rerr)
			return
		}
	} else {
		if ferr := st.run.FailCurrentStep(err.Error()); ferr != nil {
			s.logger.LogError(runID, def.Name, ferr)
			return
		}
		s.appendEvent(st, models.EventError, def.Name, err.Error())
	}
	s.persist(st)
	s.appendEvent(st, models.EventStepFailed, def.Name, err.Error())
}

// finish emits the terminal event, closes the log, saves the transcript,
// and schedules eviction of the run's in-memory state.
func (s *Service) finish(st *runState) {
	snap := st.run.Snapshot()
	runID := snap.ID

	s.appendEvent(st, models.EventRunCompleted, "", string(snap.Status))
	st.log.Complete()
	s.persist(st)
	s.logger.LogRun(runID, string(snap.Status))

	if st.artifacts != nil {
		if transcript, err := s.threads.Transcript(st.threadID); err == nil {
			st.artifacts.WriteTranscript(transcript)
		}
	}

	grace := s.retentionGrace
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	time.AfterFunc(grace, func() { s.evict(runID, st.threadID) })
}

func (s *Service) evict(runID, threadID string) {
	s.mu.Lock()
	delete(s.active, runID)
	s.mu.Unlock()
	s.registry.Evict(runID)
	s.threads.DeleteThread(threadID)
}

func (s *Service) persist(st *runState) {
	if err := s.store.SaveRun(st.run.Snapshot()); err != nil {
		s.logger.LogStore(st.run.ID(), err)
	}
}

func (s *Service) appendEvent(st *runState, kind models.EventKind, step, payload string) {
	e := st.log.Append(kind, step, payload)
	if err := s.store.AppendEvent(e); err != nil {
		s.logger.LogStore(st.run.ID(), err)
	}
}

func (s *Service) state(runID string) (*runState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.active[runID]
	return st, ok
}

// GetRunStatus returns a point-in-time snapshot of the run, live or
// historical.
func (s *Service) GetRunStatus(runID string) (*models.Run, error) {
	if st, ok := s.state(runID); ok {
		return st.run.Snapshot(), nil
	}
	return s.store.GetRun(runID)
}

// ListRuns returns recent runs, newest first.
func (s *Service) ListRuns(limit int) ([]*models.Run, error) {
	return s.store.ListRuns(limit)
}

// SubmitApproval routes a human decision to the run's thread. It reports
// found=false, harmlessly, when the run has no binding or the approval ID
// is unknown or already resolved.
func (s *Service) SubmitApproval(runID, approvalID string, approved bool, feedback string) (bool, error) {
	threadID, err := s.registry.Thread(runID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return s.threads.ResolveApproval(threadID, approvalID, approved, feedback), nil
}

// PendingApprovals lists the approvals a run is currently blocked on.
func (s *Service) PendingApprovals(runID string) ([]models.ApprovalRequest, error) {
	threadID, err := s.registry.Thread(runID)
	if err != nil {
		return nil, err
	}
	state, err := s.threads.ThreadState(threadID)
	if err != nil {
		return nil, err
	}
	return state.Pending, nil
}

// Cancel stops a run. Terminal runs cannot be cancelled.
func (s *Service) Cancel(runID string) error {
	st, ok := s.state(runID)
	if !ok {
		if _, err := s.store.GetRun(runID); err != nil {
			return err
		}
		return fmt.Errorf("%w: run %s is no longer active", engine.ErrInvalidState, runID)
	}

	if err := st.run.Cancel(); err != nil {
		return err
	}
	s.persist(st)
	st.cancel()
	return nil
}

// OpenReader attaches an event stream to a run. Live runs stream from the
// in-memory log, backlog first; finished runs replay from storage.
func (s *Service) OpenReader(ctx context.Context, runID string) (<-chan models.Event, error) {
	if st, ok := s.state(runID); ok {
		return st.log.Stream(ctx, s.streamPoll), nil
	}

	if _, err := s.store.GetRun(runID); err != nil {
		return nil, err
	}
	events, err := s.store.EventsForRun(runID)
	if err != nil {
		return nil, err
	}

	ch := make(chan models.Event)
	go func() {
		defer close(ch)
		for _, e := range events {
			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Events returns a snapshot of a run's event history.
func (s *Service) Events(runID string) ([]models.Event, error) {
	if st, ok := s.state(runID); ok {
		return st.log.Snapshot(), nil
	}
	if _, err := s.store.GetRun(runID); err != nil {
		return nil, err
	}
	return s.store.EventsForRun(runID)
}

// Artifacts returns a run's artifact directory, from the live state or
// reopened from disk for runs past retention.
func (s *Service) Artifacts(runID string) (*artifacts.Dir, error) {
	if st, ok := s.state(runID); ok && st.artifacts != nil {
		return st.artifacts, nil
	}
	if s.artifactsDir == "" {
		return nil, fmt.Errorf("artifacts disabled: %w", engine.ErrNotFound)
	}
	return artifacts.Open(s.artifactsDir, runID)
}

// DeleteRun removes a finished run and its artifacts from storage. A
// terminal run still inside its retention window is evicted first.
func (s *Service) DeleteRun(runID string) error {
	if st, ok := s.state(runID); ok {
		if !st.run.Snapshot().Status.Terminal() {
			return fmt.Errorf("%w: run %s is still active", engine.ErrInvalidState, runID)
		}
		s.evict(runID, st.threadID)
	}
	if _, err := s.store.GetRun(runID); err != nil {
		return err
	}
	if s.artifactsDir != "" {
		if err := artifacts.Remove(s.artifactsDir, runID); err != nil {
			s.logger.LogError(runID, "", err)
		}
	}
	return s.store.DeleteRun(runID)
}
