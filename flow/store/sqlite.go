package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps workflow definitions and execution history in a single-file
// database. Designed for:
//   - Development and testing with zero setup
//   - Single-process workers
//   - Prototyping before migrating to MySQL or Postgres
//
// The store enables WAL mode so history reads don't block the worker's
// writes, and creates its schema on open.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a SQLite-backed store.
//
// The path names the database file ("./dev.db", "/tmp/flowrun.db") or
// ":memory:" for a throwaway in-memory database. The store automatically
// creates the file and the schema, enables WAL mode, and sets a 5 second
// busy timeout.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./dev.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// createTables creates the schema if it doesn't exist.
func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []struct {
		name string
		sql  string
	}{
		{"workflows", `
			CREATE TABLE IF NOT EXISTS workflows (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL DEFAULT '',
				name TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT '',
				version INTEGER NOT NULL DEFAULT 1,
				nodes TEXT NOT NULL,
				edges TEXT NOT NULL,
				created_at TEXT NOT NULL DEFAULT '',
				updated_at TEXT NOT NULL DEFAULT ''
			)`},
		{"executions", `
			CREATE TABLE IF NOT EXISTS executions (
				id TEXT PRIMARY KEY,
				workflow_id TEXT NOT NULL,
				user_id TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending',
				error_message TEXT NOT NULL DEFAULT '',
				started_at TEXT NULL,
				finished_at TEXT NULL,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`},
		{"idx_executions_workflow", `
			CREATE INDEX IF NOT EXISTS idx_executions_workflow
			ON executions(workflow_id)`},
		{"execution_steps", `
			CREATE TABLE IF NOT EXISTS execution_steps (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				execution_id TEXT NOT NULL,
				node_id TEXT NOT NULL,
				node_type TEXT NOT NULL,
				status TEXT NOT NULL,
				input TEXT,
				output TEXT,
				error_message TEXT NOT NULL DEFAULT '',
				duration_ms INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(execution_id, node_id)
			)`},
		{"idx_steps_execution", `
			CREATE INDEX IF NOT EXISTS idx_steps_execution
			ON execution_steps(execution_id)`},
		{"step_attempts", `
			CREATE TABLE IF NOT EXISTS step_attempts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				execution_id TEXT NOT NULL,
				node_id TEXT NOT NULL,
				node_type TEXT NOT NULL,
				attempt INTEGER NOT NULL,
				status TEXT NOT NULL,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				reason TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(execution_id, node_id, attempt)
			)`},
		{"context_snapshots", `
			CREATE TABLE IF NOT EXISTS context_snapshots (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				execution_id TEXT NOT NULL,
				sequence INTEGER NOT NULL,
				reason TEXT NOT NULL,
				node_id TEXT NOT NULL DEFAULT '',
				node_type TEXT NOT NULL DEFAULT '',
				state TEXT NOT NULL,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(execution_id, sequence)
			)`},
		{"idx_snapshots_execution", `
			CREATE INDEX IF NOT EXISTS idx_snapshots_execution
			ON context_snapshots(execution_id, sequence)`},
		{"retrieval_events", `
			CREATE TABLE IF NOT EXISTS retrieval_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				execution_id TEXT NOT NULL,
				node_id TEXT NOT NULL,
				retriever_key TEXT NOT NULL DEFAULT '',
				attempt INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				matches_count INTEGER NOT NULL DEFAULT 0,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				selected INTEGER NOT NULL DEFAULT 0,
				payload TEXT NOT NULL,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`},
		{"idx_events_execution", `
			CREATE INDEX IF NOT EXISTS idx_events_execution
			ON retrieval_events(execution_id)`},
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", stmt.name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// SaveWorkflow inserts or replaces a workflow definition.
func (s *SQLiteStore) SaveWorkflow(ctx context.Context, rec *WorkflowRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	nodesJSON, err := json.Marshal(rec.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(rec.Edges)
	if err != nil {
		return fmt.Errorf("failed to marshal edges: %w", err)
	}
	query := `
		INSERT INTO workflows (id, user_id, name, description, status, version, nodes, edges, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			name = excluded.name,
			description = excluded.description,
			status = excluded.status,
			version = excluded.version,
			nodes = excluded.nodes,
			edges = excluded.edges,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.UserID, rec.Name, rec.Description, rec.Status, rec.Version,
		string(nodesJSON), string(edgesJSON),
		rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// CreateExecution seeds a pending execution row. Re-seeding an existing
// ID is a no-op so queue redelivery stays idempotent.
func (s *SQLiteStore) CreateExecution(ctx context.Context, executionID, workflowID, userID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	query := `
		INSERT INTO executions (id, workflow_id, user_id, status)
		VALUES (?, ?, ?, 'pending')
		ON CONFLICT(id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, executionID, workflowID, userID); err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// LoadWorkflow retrieves a workflow definition (implements Store).
func (s *SQLiteStore) LoadWorkflow(ctx context.Context, workflowID string) (*WorkflowRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `
		SELECT id, user_id, name, description, status, version, nodes, edges, created_at, updated_at
		FROM workflows
		WHERE id = ?
	`
	var (
		rec        WorkflowRecord
		nodesJSON  string
		edgesJSON  string
		createdStr string
		updatedStr string
	)
	err := s.db.QueryRowContext(ctx, query, workflowID).Scan(
		&rec.ID, &rec.UserID, &rec.Name, &rec.Description, &rec.Status, &rec.Version,
		&nodesJSON, &edgesJSON, &createdStr, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	if err := json.Unmarshal([]byte(nodesJSON), &rec.Nodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal([]byte(edgesJSON), &rec.Edges); err != nil {
		return nil, fmt.Errorf("failed to unmarshal edges: %w", err)
	}
	rec.CreatedAt = parseStoredTime(createdStr)
	rec.UpdatedAt = parseStoredTime(updatedStr)
	return &rec, nil
}

// UpdateExecutionStatus transitions an execution row (implements Store).
// Nil timestamps keep the stored values.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, executionID, status string,
	startedAt, finishedAt *time.Time, errorMessage string) error {
	if err := s.guard(); err != nil {
		return err
	}
	query := `
		UPDATE executions
		SET status = ?,
			error_message = ?,
			started_at = COALESCE(?, started_at),
			finished_at = COALESCE(?, finished_at)
		WHERE id = ?
	`
	_, err := s.db.ExecContext(ctx, query,
		status, errorMessage, timeArg(startedAt), timeArg(finishedAt), executionID)
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}
	return nil
}

// InsertStep appends one step (implements Store). A redelivered execution
// overwrites its own rows instead of failing the unique key.
func (s *SQLiteStore) InsertStep(ctx context.Context, executionID string, step StepRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	inputJSON, err := json.Marshal(step.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal step input: %w", err)
	}
	outputJSON, err := json.Marshal(step.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal step output: %w", err)
	}
	query := `
		INSERT INTO execution_steps (execution_id, node_id, node_type, status, input, output, error_message, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, node_id) DO UPDATE SET
			node_type = excluded.node_type,
			status = excluded.status,
			input = excluded.input,
			output = excluded.output,
			error_message = excluded.error_message,
			duration_ms = excluded.duration_ms
	`
	_, err = s.db.ExecContext(ctx, query,
		executionID, step.NodeID, step.NodeType, step.Status,
		string(inputJSON), string(outputJSON), step.Error, step.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}
	return nil
}

// InsertStepAttempts appends one step's attempt trail in a single
// transaction (implements Store).
func (s *SQLiteStore) InsertStepAttempts(ctx context.Context, executionID, nodeID, nodeType string,
	attempts []AttemptRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(attempts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	query := `
		INSERT INTO step_attempts (execution_id, node_id, node_type, attempt, status, duration_ms, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, node_id, attempt) DO UPDATE SET
			status = excluded.status,
			duration_ms = excluded.duration_ms,
			reason = excluded.reason
	`
	for _, a := range attempts {
		if _, err := tx.ExecContext(ctx, query,
			executionID, nodeID, nodeType, a.Attempt, a.Status, a.DurationMs, a.Reason); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert attempt %d: %w", a.Attempt, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attempts: %w", err)
	}
	return nil
}

// InsertContextSnapshot appends one context snapshot (implements Store).
func (s *SQLiteStore) InsertContextSnapshot(ctx context.Context, executionID string, snap SnapshotRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	stateJSON, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot state: %w", err)
	}
	query := `
		INSERT INTO context_snapshots (execution_id, sequence, reason, node_id, node_type, state)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, sequence) DO UPDATE SET
			reason = excluded.reason,
			node_id = excluded.node_id,
			node_type = excluded.node_type,
			state = excluded.state
	`
	_, err = s.db.ExecContext(ctx, query,
		executionID, snap.Sequence, snap.Reason, snap.NodeID, snap.NodeType, string(stateJSON))
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// InsertRetrievalEvent appends one retrieval event (implements Store).
// Events are append-only; the full event travels in the payload column.
func (s *SQLiteStore) InsertRetrievalEvent(ctx context.Context, executionID string, event EventRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	payloadJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	query := `
		INSERT INTO retrieval_events
		(execution_id, node_id, retriever_key, attempt, status, matches_count, duration_ms, selected, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		executionID, event.NodeID, event.RetrieverKey, event.Attempt, event.Status,
		event.MatchesCount, event.DurationMs, event.Selected, string(payloadJSON))
	if err != nil {
		return fmt.Errorf("failed to insert retrieval event: %w", err)
	}
	return nil
}

// Close closes the database connection. A second Close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// timeArg converts an optional timestamp into its stored form. Nil stays
// NULL so COALESCE keeps the existing column value.
func timeArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

// parseStoredTime reads a stored RFC 3339 timestamp; malformed or empty
// values come back as the zero time rather than failing the row.
func parseStoredTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
