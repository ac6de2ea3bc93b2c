// Package store provides persistence for workflow definitions and
// execution history.
//
// The engine itself never touches a store; the worker wires engine
// callbacks to Insert* calls, so persistence stays an observability
// concern that cannot fail an execution. Four backends share one schema
// shape: MemStore for tests, SQLiteStore for single-process setups, and
// MySQLStore/PostgresStore for shared deployments.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dshills/flowrun-go/flow"
)

// ErrNotFound is returned when a requested workflow or execution does not
// exist.
var ErrNotFound = errors.New("not found")

// Store persists workflow definitions and per-execution history.
//
// LoadWorkflow feeds the worker; the Insert* methods receive the engine's
// callback payloads. Implementations must be safe for concurrent use: a
// parallel-wave execution delivers callbacks from one goroutine, but one
// store instance serves many concurrent executions.
type Store interface {
	// LoadWorkflow retrieves a workflow definition by ID.
	// Returns ErrNotFound if the ID does not exist.
	LoadWorkflow(ctx context.Context, workflowID string) (*WorkflowRecord, error)

	// UpdateExecutionStatus transitions an execution's lifecycle row.
	// Nil timestamps leave the stored values untouched.
	UpdateExecutionStatus(ctx context.Context, executionID, status string,
		startedAt, finishedAt *time.Time, errorMessage string) error

	// InsertStep appends one step of an execution's history.
	InsertStep(ctx context.Context, executionID string, step StepRecord) error

	// InsertStepAttempts appends the attempt trail of one step.
	InsertStepAttempts(ctx context.Context, executionID, nodeID, nodeType string,
		attempts []AttemptRecord) error

	// InsertContextSnapshot appends one context snapshot.
	InsertContextSnapshot(ctx context.Context, executionID string, snap SnapshotRecord) error

	// InsertRetrievalEvent appends one retrieval attempt event.
	InsertRetrievalEvent(ctx context.Context, executionID string, event EventRecord) error

	// Close releases the backend. Operations after Close fail.
	Close() error
}

// WorkflowRecord is the persisted form of a workflow definition.
type WorkflowRecord struct {
	ID          string
	UserID      string
	Name        string
	Description string
	Status      string
	Version     int
	Nodes       []flow.Node
	Edges       []flow.Edge
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Workflow converts the record into the engine's workflow type.
func (r *WorkflowRecord) Workflow() *flow.Workflow {
	return &flow.Workflow{
		ID:          r.ID,
		UserID:      r.UserID,
		Name:        r.Name,
		Description: r.Description,
		Status:      r.Status,
		Version:     r.Version,
		Nodes:       r.Nodes,
		Edges:       r.Edges,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// StepRecord is the persisted form of one executed or skipped step.
type StepRecord struct {
	NodeID     string
	NodeType   string
	Status     string
	Input      map[string]interface{}
	Output     map[string]interface{}
	Error      string
	DurationMs int64
}

// StepRecordOf converts an engine step result into its persisted form.
// The attempt trail travels separately through InsertStepAttempts.
func StepRecordOf(step flow.StepResult) StepRecord {
	return StepRecord{
		NodeID:     step.NodeID,
		NodeType:   step.NodeType,
		Status:     step.Status,
		Input:      step.Input,
		Output:     step.Output,
		Error:      step.Error,
		DurationMs: step.DurationMs,
	}
}

// AttemptRecord is the persisted form of one attempt of one step.
type AttemptRecord struct {
	Attempt    int
	Status     string
	DurationMs int64
	Reason     string
}

// AttemptRecordsOf converts an engine attempt trail into its persisted
// form.
func AttemptRecordsOf(attempts []flow.Attempt) []AttemptRecord {
	records := make([]AttemptRecord, len(attempts))
	for i, a := range attempts {
		records[i] = AttemptRecord{
			Attempt:    a.Attempt,
			Status:     a.Status,
			DurationMs: a.DurationMs,
			Reason:     a.Reason,
		}
	}
	return records
}

// SnapshotRecord is the persisted form of one context snapshot.
type SnapshotRecord struct {
	Sequence int
	Reason   string
	NodeID   string
	NodeType string
	State    *flow.Snapshot
}

// EventRecord is the persisted form of one retrieval attempt. It matches
// flow.RetrievalEvent field for field; the alias avoids a parallel struct
// that would drift.
type EventRecord = flow.RetrievalEvent

// IsMissingRelation reports whether err is a missing-table error from any
// supported backend. The worker downgrades these to warnings so an
// unmigrated database never fails an execution.
func IsMissingRelation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P01" // undefined_table
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1146 // ER_NO_SUCH_TABLE
	}
	msg := err.Error()
	return strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "does not exist")
}
