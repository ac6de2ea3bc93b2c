package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for:
//   - Production deployments with multiple workers
//   - Executions that must survive process restarts
//   - Audit trails over execution history
//
// Timestamps the store reads back are kept as RFC 3339 strings so the
// DSN needs no parseTime flag.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a MySQL-backed store.
//
// The DSN follows the go-sql-driver format:
//
//	user:password@tcp(localhost:3306)/flowrun
//
// Never hardcode credentials; read the DSN from the environment. The
// store pings the server, creates its schema, and configures pooling on
// open.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// createTables creates the schema if it doesn't exist.
func (m *MySQLStore) createTables(ctx context.Context) error {
	statements := []struct {
		name string
		sql  string
	}{
		{"workflows", `
			CREATE TABLE IF NOT EXISTS workflows (
				id VARCHAR(255) PRIMARY KEY,
				user_id VARCHAR(255) NOT NULL DEFAULT '',
				name VARCHAR(512) NOT NULL DEFAULT '',
				description TEXT,
				status VARCHAR(64) NOT NULL DEFAULT '',
				version INT NOT NULL DEFAULT 1,
				nodes JSON NOT NULL,
				edges JSON NOT NULL,
				created_at VARCHAR(64) NOT NULL DEFAULT '',
				updated_at VARCHAR(64) NOT NULL DEFAULT ''
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`},
		{"executions", `
			CREATE TABLE IF NOT EXISTS executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				user_id VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(64) NOT NULL DEFAULT 'pending',
				error_message TEXT,
				started_at VARCHAR(64) NULL,
				finished_at VARCHAR(64) NULL,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				INDEX idx_executions_workflow (workflow_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`},
		{"execution_steps", `
			CREATE TABLE IF NOT EXISTS execution_steps (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL,
				node_id VARCHAR(255) NOT NULL,
				node_type VARCHAR(128) NOT NULL,
				status VARCHAR(64) NOT NULL,
				input JSON,
				output JSON,
				error_message TEXT,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				INDEX idx_steps_execution (execution_id),
				UNIQUE KEY unique_execution_node (execution_id, node_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`},
		{"step_attempts", `
			CREATE TABLE IF NOT EXISTS step_attempts (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL,
				node_id VARCHAR(255) NOT NULL,
				node_type VARCHAR(128) NOT NULL,
				attempt INT NOT NULL,
				status VARCHAR(64) NOT NULL,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				reason TEXT,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				UNIQUE KEY unique_execution_node_attempt (execution_id, node_id, attempt)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`},
		{"context_snapshots", `
			CREATE TABLE IF NOT EXISTS context_snapshots (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL,
				sequence INT NOT NULL,
				reason VARCHAR(64) NOT NULL,
				node_id VARCHAR(255) NOT NULL DEFAULT '',
				node_type VARCHAR(128) NOT NULL DEFAULT '',
				state JSON NOT NULL,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				INDEX idx_snapshots_execution (execution_id, sequence),
				UNIQUE KEY unique_execution_sequence (execution_id, sequence)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`},
		{"retrieval_events", `
			CREATE TABLE IF NOT EXISTS retrieval_events (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL,
				node_id VARCHAR(255) NOT NULL,
				retriever_key VARCHAR(255) NOT NULL DEFAULT '',
				attempt INT NOT NULL DEFAULT 0,
				status VARCHAR(64) NOT NULL,
				matches_count INT NOT NULL DEFAULT 0,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				selected TINYINT(1) NOT NULL DEFAULT 0,
				payload JSON NOT NULL,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				INDEX idx_events_execution (execution_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`},
	}
	for _, stmt := range statements {
		if _, err := m.db.ExecContext(ctx, stmt.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", stmt.name, err)
		}
	}
	return nil
}

func (m *MySQLStore) guard() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// SaveWorkflow inserts or replaces a workflow definition.
func (m *MySQLStore) SaveWorkflow(ctx context.Context, rec *WorkflowRecord) error {
	if err := m.guard(); err != nil {
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
		ON DUPLICATE KEY UPDATE
			user_id = VALUES(user_id),
			name = VALUES(name),
			description = VALUES(description),
			status = VALUES(status),
			version = VALUES(version),
			nodes = VALUES(nodes),
			edges = VALUES(edges),
			updated_at = VALUES(updated_at)
	`
	_, err = m.db.ExecContext(ctx, query,
		rec.ID, rec.UserID, rec.Name, rec.Description, rec.Status, rec.Version,
		string(nodesJSON), string(edgesJSON),
		rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// CreateExecution seeds a pending execution row. Re-seeding an existing
// ID is a no-op.
func (m *MySQLStore) CreateExecution(ctx context.Context, executionID, workflowID, userID string) error {
	if err := m.guard(); err != nil {
		return err
	}
	query := `
		INSERT IGNORE INTO executions (id, workflow_id, user_id, status)
		VALUES (?, ?, ?, 'pending')
	`
	if _, err := m.db.ExecContext(ctx, query, executionID, workflowID, userID); err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// LoadWorkflow retrieves a workflow definition (implements Store).
func (m *MySQLStore) LoadWorkflow(ctx context.Context, workflowID string) (*WorkflowRecord, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	query := `
		SELECT id, user_id, name, description, status, version, nodes, edges, created_at, updated_at
		FROM workflows
		WHERE id = ?
	`
	var (
		rec         WorkflowRecord
		description sql.NullString
		nodesJSON   string
		edgesJSON   string
		createdStr  string
		updatedStr  string
	)
	err := m.db.QueryRowContext(ctx, query, workflowID).Scan(
		&rec.ID, &rec.UserID, &rec.Name, &description, &rec.Status, &rec.Version,
		&nodesJSON, &edgesJSON, &createdStr, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	rec.Description = description.String
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
func (m *MySQLStore) UpdateExecutionStatus(ctx context.Context, executionID, status string,
	startedAt, finishedAt *time.Time, errorMessage string) error {
	if err := m.guard(); err != nil {
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
	_, err := m.db.ExecContext(ctx, query,
		status, errorMessage, timeArg(startedAt), timeArg(finishedAt), executionID)
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}
	return nil
}

// InsertStep appends one step (implements Store).
func (m *MySQLStore) InsertStep(ctx context.Context, executionID string, step StepRecord) error {
	if err := m.guard(); err != nil {
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
		ON DUPLICATE KEY UPDATE
			node_type = VALUES(node_type),
			status = VALUES(status),
			input = VALUES(input),
			output = VALUES(output),
			error_message = VALUES(error_message),
			duration_ms = VALUES(duration_ms)
	`
	_, err = m.db.ExecContext(ctx, query,
		executionID, step.NodeID, step.NodeType, step.Status,
		string(inputJSON), string(outputJSON), step.Error, step.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}
	return nil
}

// InsertStepAttempts appends one step's attempt trail in a single
// transaction (implements Store).
func (m *MySQLStore) InsertStepAttempts(ctx context.Context, executionID, nodeID, nodeType string,
	attempts []AttemptRecord) error {
	if err := m.guard(); err != nil {
		return err
	}
	if len(attempts) == 0 {
		return nil
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	query := `
		INSERT INTO step_attempts (execution_id, node_id, node_type, attempt, status, duration_ms, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			duration_ms = VALUES(duration_ms),
			reason = VALUES(reason)
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
func (m *MySQLStore) InsertContextSnapshot(ctx context.Context, executionID string, snap SnapshotRecord) error {
	if err := m.guard(); err != nil {
		return err
	}
	stateJSON, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot state: %w", err)
	}
	query := `
		INSERT INTO context_snapshots (execution_id, sequence, reason, node_id, node_type, state)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			reason = VALUES(reason),
			node_id = VALUES(node_id),
			node_type = VALUES(node_type),
			state = VALUES(state)
	`
	_, err = m.db.ExecContext(ctx, query,
		executionID, snap.Sequence, snap.Reason, snap.NodeID, snap.NodeType, string(stateJSON))
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// InsertRetrievalEvent appends one retrieval event (implements Store).
func (m *MySQLStore) InsertRetrievalEvent(ctx context.Context, executionID string, event EventRecord) error {
	if err := m.guard(); err != nil {
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
	_, err = m.db.ExecContext(ctx, query,
		executionID, event.NodeID, event.RetrieverKey, event.Attempt, event.Status,
		event.MatchesCount, event.DurationMs, event.Selected, string(payloadJSON))
	if err != nil {
		return fmt.Errorf("failed to insert retrieval event: %w", err)
	}
	return nil
}

// Close closes the database connection. A second Close is a no-op.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}
