package conversation

import (
	"context"
	"fmt"
	"sync"

	"github.com/forgeworks/forge/internal/engine"
)

// Registry maps run IDs to the conversation thread each run talks on.
// A binding is written once when the run starts and read by anything that
// needs to reach the run's thread (approval submission, streaming, steps).
type Registry struct {
	mu      sync.RWMutex
	threads map[string]string
}

func NewRegistry() *Registry {
	return &Registry{threads: make(map[string]string)}
}

// Bind associates a run with its thread. Rebinding is a programming error
// and is rejected.
func (r *Registry) Bind(runID, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.threads[runID]; ok {
		return fmt.Errorf("%w: run %s already bound", engine.ErrInvalidState, runID)
	}
	r.threads[runID] = threadID
	return nil
}

// Thread resolves the thread a run is bound to. An unbound run is an
// error, never a default value.
func (r *Registry) Thread(runID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	threadID, ok := r.threads[runID]
	if !ok {
		return "", fmt.Errorf("no thread bound for run %s: %w", runID, engine.ErrNotFound)
	}
	return threadID, nil
}

// Evict drops a run's binding once the run is terminal and out of its
// retention window.
func (r *Registry) Evict(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.threads, runID)
}

type threadKey struct{}

// WithThread binds the thread ID into a context. The run's goroutine sets
// this once and all work spawned under it inherits the binding.
func WithThread(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, threadKey{}, threadID)
}

// ThreadFrom reads the ambient thread binding, if any.
func ThreadFrom(ctx context.Context) (string, bool) {
	threadID, ok := ctx.Value(threadKey{}).(string)
	return threadID, ok
}
