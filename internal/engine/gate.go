package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/forgeworks/forge/internal/models"
)

const (
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultApprovalTimeout = 30 * time.Minute
)

// ThreadStates exposes the conversation state the gate polls. Implemented
// by conversation.Service.
type ThreadStates interface {
	ThreadState(threadID string) (models.ThreadState, error)
}

// Gate waits for a human decision on a published approval. It polls the
// thread until the approval ID leaves the pending set, then reads the
// outcome from the most recent history entry referencing the ID.
type Gate struct {
	Poll    time.Duration
	Timeout time.Duration
}

// Wait blocks until the approval is resolved, the timeout elapses, or ctx
// is cancelled. A timeout counts as not approved and returns
// ErrApprovalTimeout; an explicit rejection returns ErrApprovalRejected
// alongside the response carrying the human's feedback.
func (g Gate) Wait(ctx context.Context, threads ThreadStates, threadID, approvalID string) (models.ApprovalResponse, error) {
	poll := g.Poll
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		state, err := threads.ThreadState(threadID)
		if err != nil {
			return models.ApprovalResponse{}, fmt.Errorf("reading thread %s: %w", threadID, err)
		}
		if !pending(state, approvalID) {
			resp := resolution(state, approvalID)
			if !resp.Approved {
				return resp, fmt.Errorf("approval %s: %w", approvalID, ErrApprovalRejected)
			}
			return resp, nil
		}
		if time.Now().After(deadline) {
			return models.ApprovalResponse{ApprovalID: approvalID}, fmt.Errorf("approval %s: %w", approvalID, ErrApprovalTimeout)
		}
		select {
		case <-time.After(poll):
		case <-ctx.Done():
			return models.ApprovalResponse{ApprovalID: approvalID}, ctx.Err()
		}
	}
}

func pending(state models.ThreadState, approvalID string) bool {
	for _, p := range state.Pending {
		if p.ID == approvalID {
			return true
		}
	}
	return false
}

// resolution scans the history newest-first for the entry recording the
// decision. Entries are written as "[<id>] Approved: …" or
// "[<id>] Rejected: …"; an ID with no such entry reads as not approved.
func resolution(state models.ThreadState, approvalID string) models.ApprovalResponse {
	marker := "[" + approvalID + "]"
	for i := len(state.History) - 1; i >= 0; i-- {
		entry := state.History[i]
		if !strings.HasPrefix(entry.Content, marker) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(entry.Content, marker))
		resp := models.ApprovalResponse{
			ApprovalID: approvalID,
			ResolvedAt: entry.Timestamp,
		}
		if strings.HasPrefix(rest, "Approved") {
			resp.Approved = true
			resp.Feedback = feedbackOf(rest, "Approved")
		} else {
			resp.Feedback = feedbackOf(rest, "Rejected")
		}
		return resp
	}
	return models.ApprovalResponse{ApprovalID: approvalID}
}

func feedbackOf(rest, verb string) string {
	rest = strings.TrimPrefix(rest, verb)
	rest = strings.TrimPrefix(rest, ":")
	return strings.TrimSpace(rest)
}
