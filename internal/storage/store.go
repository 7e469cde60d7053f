package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/forgeworks/forge/internal/engine"
	"github.com/forgeworks/forge/internal/models"
)

// Store persists run records and their event history. The pipeline writes
// a fresh snapshot after every state transition, so implementations treat
// SaveRun as an upsert of the run and all of its steps.
type Store interface {
	SaveRun(run *models.Run) error
	GetRun(id string) (*models.Run, error)
	ListRuns(limit int) ([]*models.Run, error)
	DeleteRun(id string) error
	AppendEvent(e models.Event) error
	EventsForRun(runID string) ([]models.Event, error)
	Close() error
}

// Memory is the in-process Store used by tests and by default when no
// database path is configured.
type Memory struct {
	mu     sync.Mutex
	runs   map[string]*models.Run
	events map[string][]models.Event
}

func NewMemory() *Memory {
	return &Memory{
		runs:   make(map[string]*models.Run),
		events: make(map[string][]models.Event),
	}
}

func (m *Memory) SaveRun(run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *Memory) GetRun(id string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, engine.ErrNotFound)
	}
	return run.Clone(), nil
}

func (m *Memory) ListRuns(limit int) ([]*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := make([]*models.Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r.Clone())
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *Memory) DeleteRun(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, id)
	delete(m.events, id)
	return nil
}

func (m *Memory) AppendEvent(e models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.RunID] = append(m.events[e.RunID], e)
	return nil
}

func (m *Memory) EventsForRun(runID string) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := make([]models.Event, len(m.events[runID]))
	copy(events, m.events[runID])
	return events, nil
}

func (m *Memory) Close() error { return nil }
