package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for:
//   - Testing and development
//   - Single-process runs where persistence isn't required
//
// Everything is held in maps behind an RWMutex, and the inspection
// helpers (Steps, Attempts, Snapshots, Events, Execution) expose copies
// of what was written so tests can assert on persisted history.
//
// Data is lost when the process terminates; use SQLiteStore or one of the
// server-backed stores when history must survive restarts.
type MemStore struct {
	mu         sync.RWMutex
	closed     bool
	workflows  map[string]*WorkflowRecord
	executions map[string]*ExecutionRow
	steps      map[string][]StepRecord
	attempts   map[string][]StepAttempts
	snapshots  map[string][]SnapshotRecord
	events     map[string][]EventRecord
}

// ExecutionRow is MemStore's view of one execution lifecycle row.
type ExecutionRow struct {
	ID           string
	WorkflowID   string
	UserID       string
	Status       string
	ErrorMessage string
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// StepAttempts groups the persisted attempt trail of one step.
type StepAttempts struct {
	NodeID   string
	NodeType string
	Attempts []AttemptRecord
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows:  make(map[string]*WorkflowRecord),
		executions: make(map[string]*ExecutionRow),
		steps:      make(map[string][]StepRecord),
		attempts:   make(map[string][]StepAttempts),
		snapshots:  make(map[string][]SnapshotRecord),
		events:     make(map[string][]EventRecord),
	}
}

// SaveWorkflow stores a workflow definition, replacing any previous
// version under the same ID.
func (m *MemStore) SaveWorkflow(_ context.Context, rec *WorkflowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	cp := *rec
	m.workflows[rec.ID] = &cp
	return nil
}

// CreateExecution seeds a pending execution row. Re-seeding an existing
// ID is a no-op, matching the SQL backends.
func (m *MemStore) CreateExecution(_ context.Context, executionID, workflowID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	if _, exists := m.executions[executionID]; exists {
		return nil
	}
	m.executions[executionID] = &ExecutionRow{
		ID:         executionID,
		WorkflowID: workflowID,
		UserID:     userID,
		Status:     "pending",
	}
	return nil
}

// LoadWorkflow retrieves a workflow definition (implements Store).
func (m *MemStore) LoadWorkflow(_ context.Context, workflowID string) (*WorkflowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fmt.Errorf("store is closed")
	}
	rec, exists := m.workflows[workflowID]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// UpdateExecutionStatus transitions an execution row (implements Store).
// Unknown IDs create the row so handler tests need no seeding step.
func (m *MemStore) UpdateExecutionStatus(_ context.Context, executionID, status string,
	startedAt, finishedAt *time.Time, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	row, exists := m.executions[executionID]
	if !exists {
		row = &ExecutionRow{ID: executionID}
		m.executions[executionID] = row
	}
	row.Status = status
	row.ErrorMessage = errorMessage
	if startedAt != nil {
		t := *startedAt
		row.StartedAt = &t
	}
	if finishedAt != nil {
		t := *finishedAt
		row.FinishedAt = &t
	}
	return nil
}

// InsertStep appends one step (implements Store).
func (m *MemStore) InsertStep(_ context.Context, executionID string, step StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	m.steps[executionID] = append(m.steps[executionID], step)
	return nil
}

// InsertStepAttempts appends one step's attempt trail (implements Store).
func (m *MemStore) InsertStepAttempts(_ context.Context, executionID, nodeID, nodeType string,
	attempts []AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	trail := make([]AttemptRecord, len(attempts))
	copy(trail, attempts)
	m.attempts[executionID] = append(m.attempts[executionID], StepAttempts{
		NodeID:   nodeID,
		NodeType: nodeType,
		Attempts: trail,
	})
	return nil
}

// InsertContextSnapshot appends one context snapshot (implements Store).
func (m *MemStore) InsertContextSnapshot(_ context.Context, executionID string, snap SnapshotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	m.snapshots[executionID] = append(m.snapshots[executionID], snap)
	return nil
}

// InsertRetrievalEvent appends one retrieval event (implements Store).
func (m *MemStore) InsertRetrievalEvent(_ context.Context, executionID string, event EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	m.events[executionID] = append(m.events[executionID], event)
	return nil
}

// Close marks the store closed. Operations after Close fail; a second
// Close is a no-op.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Execution returns a copy of the lifecycle row, or false when the
// execution was never written.
func (m *MemStore) Execution(executionID string) (ExecutionRow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, exists := m.executions[executionID]
	if !exists {
		return ExecutionRow{}, false
	}
	return *row, true
}

// Steps returns the persisted steps of one execution in insertion order.
func (m *MemStore) Steps(executionID string) []StepRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StepRecord, len(m.steps[executionID]))
	copy(out, m.steps[executionID])
	return out
}

// Attempts returns the persisted attempt trails of one execution in
// insertion order.
func (m *MemStore) Attempts(executionID string) []StepAttempts {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StepAttempts, len(m.attempts[executionID]))
	copy(out, m.attempts[executionID])
	return out
}

// Snapshots returns the persisted context snapshots of one execution in
// insertion order.
func (m *MemStore) Snapshots(executionID string) []SnapshotRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SnapshotRecord, len(m.snapshots[executionID]))
	copy(out, m.snapshots[executionID])
	return out
}

// Events returns the persisted retrieval events of one execution in
// insertion order.
func (m *MemStore) Events(executionID string) []EventRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]EventRecord, len(m.events[executionID]))
	copy(out, m.events[executionID])
	return out
}
