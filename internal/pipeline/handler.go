package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/forge/internal/artifacts"
	"github.com/forgeworks/forge/internal/engine"
	"github.com/forgeworks/forge/internal/models"
	"github.com/forgeworks/forge/internal/observability"
)

// Handler executes one step of a chain. The input is the previous step's
// output (the run's initial input for the first step); the returned value
// becomes the next step's input. Handlers are registered per step kind.
type Handler interface {
	Execute(sc *StepContext, input any) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(sc *StepContext, input any) (any, error)

func (f HandlerFunc) Execute(sc *StepContext, input any) (any, error) {
	return f(sc, input)
}

// StepContext is handed to a handler for the duration of one step. It
// carries the run identity, the conversation thread, and the operations a
// step may perform: narrating progress, requesting human approval, and
// writing artifacts.
type StepContext struct {
	svc   *Service
	state *runState
	def   *models.StepDef
	ctx   context.Context

	// approved flips when RequestApproval resolves positively; the
	// runner then advances the ledger with ApproveCurrentStep instead
	// of CompleteCurrentStep.
	approved bool
}

func (sc *StepContext) Context() context.Context { return sc.ctx }
func (sc *StepContext) RunID() string            { return sc.state.run.ID() }
func (sc *StepContext) ThreadID() string         { return sc.state.threadID }
func (sc *StepContext) StepName() string         { return sc.def.Name }

func (sc *StepContext) UserID() string { return sc.state.run.Snapshot().UserID }

// Artifacts returns the run's artifact directory, or nil when artifacts
// are disabled.
func (sc *StepContext) Artifacts() *artifacts.Dir { return sc.state.artifacts }

// Logger exposes the service logger so handlers can record structured
// events, e.g. LLM usage.
func (sc *StepContext) Logger() *observability.Logger { return sc.svc.logger }

// Say narrates progress: the message lands on the conversation thread and
// in the run's event log.
func (sc *StepContext) Say(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if err := sc.svc.threads.AddMessage(sc.state.threadID, models.RoleAssistant, msg); err != nil {
		sc.svc.logger.LogError(sc.RunID(), sc.def.Name, err)
	}
	sc.svc.appendEvent(sc.state, models.EventMessage, sc.def.Name, msg)
}

// RequestApproval publishes an approval request on the run's thread,
// suspends the run, and blocks until a human decides or the gate times
// out. On approval it returns nil and the step later finishes as
// Approved. Rejection and timeout return errors the runner classifies.
// The handler asks, the chain decides: on a step declared gated: false
// the request is a no-op and the run proceeds without pausing.
func (sc *StepContext) RequestApproval(question, contextMsg, payload string) error {
	if !sc.def.Gated {
		return nil
	}

	req := models.ApprovalRequest{
		ID:          uuid.NewString(),
		RunID:       sc.RunID(),
		ThreadID:    sc.state.threadID,
		Phase:       string(sc.def.Kind),
		Question:    question,
		Context:     contextMsg,
		Payload:     payload,
		RequestedAt: time.Now().UTC(),
	}

	if err := sc.svc.threads.PublishApproval(req); err != nil {
		return err
	}
	if err := sc.state.run.RequestApproval(); err != nil {
		return err
	}
	sc.svc.persist(sc.state)
	sc.svc.appendEvent(sc.state, models.EventApprovalRequired, sc.def.Name, approvalPayload(req))

	gate := engine.Gate{Poll: sc.svc.approvalPoll, Timeout: sc.svc.approvalTimeout}
	resp, err := gate.Wait(sc.ctx, sc.svc.threads, sc.state.threadID, req.ID)
	switch {
	case err == nil:
		sc.svc.appendEvent(sc.state, models.EventApprovalResolved, sc.def.Name,
			fmt.Sprintf(`{"approval_id":%q,"approved":true,"feedback":%q}`, req.ID, resp.Feedback))
		sc.svc.logger.LogApproval(sc.RunID(), req.ID, "approved")
		sc.approved = true
		return nil

	case errors.Is(err, engine.ErrApprovalRejected):
		sc.svc.appendEvent(sc.state, models.EventApprovalResolved, sc.def.Name,
			fmt.Sprintf(`{"approval_id":%q,"approved":false,"feedback":%q}`, req.ID, resp.Feedback))
		sc.svc.logger.LogApproval(sc.RunID(), req.ID, "rejected")
		if resp.Feedback != "" {
			return fmt.Errorf("%w: %s", engine.ErrApprovalRejected, resp.Feedback)
		}
		return err

	default:
		// Timeout or cancellation; no human decision was recorded. Drop
		// the pending entry so a late submission cannot write a
		// resolution onto a dead run.
		sc.svc.threads.ClearPending(sc.state.threadID, req.ID)
		sc.svc.logger.LogApproval(sc.RunID(), req.ID, "unresolved")
		return err
	}
}

func approvalPayload(req models.ApprovalRequest) string {
	data, err := json.Marshal(req)
	if err != nil {
		return req.Question
	}
	return string(data)
}

// marshalPayload renders a step output for the ledger and event log.
func marshalPayload(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
