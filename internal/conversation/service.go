// Package conversation holds the human side of a run: per-thread message
// history, pending approvals, and the registry binding runs to threads.
package conversation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/forge/internal/engine"
	"github.com/forgeworks/forge/internal/models"
)

type thread struct {
	id      string
	userID  string
	history []models.HistoryEntry
	pending []models.ApprovalRequest
}

// Service manages conversation threads. It implements engine.ThreadStates,
// which the approval gate polls while waiting for a decision.
type Service struct {
	mu      sync.Mutex
	threads map[string]*thread
}

func NewService() *Service {
	return &Service{threads: make(map[string]*thread)}
}

// CreateThread opens a new thread for a user and returns its ID.
func (s *Service) CreateThread(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.threads[id] = &thread{id: id, userID: userID}
	return id
}

// AddMessage appends one history entry to a thread.
func (s *Service) AddMessage(threadID string, role models.Role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s: %w", threadID, engine.ErrNotFound)
	}
	th.history = append(th.history, models.HistoryEntry{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// PublishApproval places an approval request on the thread's pending set
// and narrates it into the history.
func (s *Service) PublishApproval(req models.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[req.ThreadID]
	if !ok {
		return fmt.Errorf("thread %s: %w", req.ThreadID, engine.ErrNotFound)
	}
	th.pending = append(th.pending, req)
	th.history = append(th.history, models.HistoryEntry{
		Role:      models.RoleAssistant,
		Content:   fmt.Sprintf("Approval needed (%s): %s", req.Phase, req.Question),
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// ResolveApproval records a human decision. It removes the approval from
// the pending set and writes the resolution entry the gate looks for,
// "[<id>] Approved: …" or "[<id>] Rejected: …". An unknown thread or an
// ID that is not pending returns found=false and changes nothing.
func (s *Service) ResolveApproval(threadID, approvalID string, approved bool, feedback string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return false
	}
	idx := -1
	for i, p := range th.pending {
		if p.ID == approvalID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	th.pending = append(th.pending[:idx], th.pending[idx+1:]...)

	verb := "Rejected"
	if approved {
		verb = "Approved"
	}
	content := fmt.Sprintf("[%s] %s", approvalID, verb)
	if feedback != "" {
		content += ": " + feedback
	}
	th.history = append(th.history, models.HistoryEntry{
		Role:      models.RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	return true
}

// ClearPending withdraws an unresolved approval without recording a
// decision. The gate calls this when it gives up waiting, so that a late
// SubmitApproval finds nothing to resolve.
func (s *Service) ClearPending(threadID, approvalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return false
	}
	for i, p := range th.pending {
		if p.ID == approvalID {
			th.pending = append(th.pending[:i], th.pending[i+1:]...)
			return true
		}
	}
	return false
}

// ThreadState returns a point-in-time copy of the thread.
func (s *Service) ThreadState(threadID string) (models.ThreadState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return models.ThreadState{}, fmt.Errorf("thread %s: %w", threadID, engine.ErrNotFound)
	}
	state := models.ThreadState{ThreadID: th.id}
	state.History = append(state.History, th.history...)
	state.Pending = append(state.Pending, th.pending...)
	return state, nil
}

// Transcript renders the thread history as plain text, one line per entry.
func (s *Service) Transcript(threadID string) (string, error) {
	state, err := s.ThreadState(threadID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, e := range state.History {
		fmt.Fprintf(&b, "[%s] %s: %s\n", e.Timestamp.Format(time.RFC3339), e.Role, e.Content)
	}
	return b.String(), nil
}

// DeleteThread drops a thread. Used by retention eviction.
func (s *Service) DeleteThread(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
}
