package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/forgeworks/forge/internal/models"
)

// fakeThreads is an in-memory ThreadStates with a single thread.
type fakeThreads struct {
	mu    sync.Mutex
	state models.ThreadState
}

func (f *fakeThreads) ThreadState(threadID string) (models.ThreadState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeThreads) resolve(approvalID, entry string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.state.Pending[:0]
	for _, p := range f.state.Pending {
		if p.ID != approvalID {
			kept = append(kept, p)
		}
	}
	f.state.Pending = kept
	f.state.History = append(f.state.History, models.HistoryEntry{
		Role:      models.RoleUser,
		Content:   entry,
		Timestamp: time.Now().UTC(),
	})
}

func pendingThread(approvalID string) *fakeThreads {
	return &fakeThreads{state: models.ThreadState{
		ThreadID: "thread-1",
		Pending:  []models.ApprovalRequest{{ID: approvalID, ThreadID: "thread-1"}},
	}}
}

func TestGate_Approved(t *testing.T) {
	threads := pendingThread("ap-1")
	gate := Gate{Poll: time.Millisecond, Timeout: time.Second}

	go func() {
		time.Sleep(10 * time.Millisecond)
		threads.resolve("ap-1", "[ap-1] Approved: looks good")
	}()

	resp, err := gate.Wait(context.Background(), threads, "thread-1", "ap-1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !resp.Approved {
		t.Error("response not approved")
	}
	if resp.Feedback != "looks good" {
		t.Errorf("feedback = %q", resp.Feedback)
	}
}

func TestGate_Rejected(t *testing.T) {
	threads := pendingThread("ap-1")
	gate := Gate{Poll: time.Millisecond, Timeout: time.Second}

	go func() {
		time.Sleep(10 * time.Millisecond)
		threads.resolve("ap-1", "[ap-1] Rejected: wrong branch name")
	}()

	resp, err := gate.Wait(context.Background(), threads, "thread-1", "ap-1")
	if !errors.Is(err, ErrApprovalRejected) {
		t.Fatalf("err = %v, want ErrApprovalRejected", err)
	}
	if resp.Approved {
		t.Error("response marked approved on rejection")
	}
	if resp.Feedback != "wrong branch name" {
		t.Errorf("feedback = %q", resp.Feedback)
	}
}

func TestGate_Timeout(t *testing.T) {
	threads := pendingThread("ap-1")
	gate := Gate{Poll: time.Millisecond, Timeout: 20 * time.Millisecond}

	_, err := gate.Wait(context.Background(), threads, "thread-1", "ap-1")
	if !errors.Is(err, ErrApprovalTimeout) {
		t.Fatalf("err = %v, want ErrApprovalTimeout", err)
	}
}

func TestGate_ContextCancel(t *testing.T) {
	threads := pendingThread("ap-1")
	gate := Gate{Poll: time.Millisecond, Timeout: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := gate.Wait(ctx, threads, "thread-1", "ap-1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestGate_LatestEntryWins(t *testing.T) {
	threads := pendingThread("ap-1")
	threads.resolve("ap-1", "[ap-1] Rejected: first thoughts")
	threads.mu.Lock()
	threads.state.History = append(threads.state.History, models.HistoryEntry{
		Role:      models.RoleUser,
		Content:   "[ap-1] Approved: changed my mind",
		Timestamp: time.Now().UTC(),
	})
	threads.mu.Unlock()

	gate := Gate{Poll: time.Millisecond, Timeout: time.Second}
	resp, err := gate.Wait(context.Background(), threads, "thread-1", "ap-1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !resp.Approved {
		t.Error("most recent entry should win")
	}
}
