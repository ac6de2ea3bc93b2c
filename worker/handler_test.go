package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/flowrun-go/flow"
	"github.com/dshills/flowrun-go/flow/nodes"
	"github.com/dshills/flowrun-go/flow/store"
)

func newTestEngine(t *testing.T) *flow.Engine {
	t.Helper()
	registry := flow.NewRegistry()
	if err := nodes.RegisterBuiltins(registry, nodes.Deps{}); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}
	engine, err := flow.New(registry)
	if err != nil {
		t.Fatalf("flow.New failed: %v", err)
	}
	return engine
}

func greeterRecord(id string) *store.WorkflowRecord {
	return &store.WorkflowRecord{
		ID:      id,
		UserID:  "u1",
		Name:    "Greeter",
		Status:  "active",
		Version: 1,
		Nodes: []flow.Node{
			{ID: "start", Type: "manual-trigger"},
			{ID: "greet", Type: "transformer", Config: map[string]interface{}{
				"assignments": map[string]interface{}{
					"greeting": `"Hello, " + data.name + "!"`,
				},
			}},
			{ID: "done", Type: "output"},
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "start", Target: "greet"},
			{ID: "e2", Source: "greet", Target: "done"},
		},
	}
}

func TestHandler_CompletedExecution(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	h := NewHandler(st, newTestEngine(t), zerolog.Nop())

	if err := st.SaveWorkflow(ctx, greeterRecord("wf-1")); err != nil {
		t.Fatalf("SaveWorkflow failed: %v", err)
	}
	if err := st.CreateExecution(ctx, "exec-1", "wf-1", "u1"); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}

	err := h.Handle(ctx, Job{
		ExecutionID:    "exec-1",
		WorkflowID:     "wf-1",
		TriggerPayload: map[string]interface{}{"name": "Grace"},
		UserID:         "u1",
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	row, ok := st.Execution("exec-1")
	if !ok {
		t.Fatal("execution row missing")
	}
	if row.Status != flow.ExecutionCompleted {
		t.Errorf("Status = %q, want completed", row.Status)
	}
	if row.StartedAt == nil || row.FinishedAt == nil {
		t.Errorf("timestamps = %v / %v, want both set", row.StartedAt, row.FinishedAt)
	}
	if row.ErrorMessage != "" {
		t.Errorf("ErrorMessage = %q, want empty", row.ErrorMessage)
	}

	steps := st.Steps("exec-1")
	if len(steps) != 3 {
		t.Fatalf("len(Steps) = %d, want 3", len(steps))
	}
	last := steps[len(steps)-1]
	if last.NodeID != "done" || last.Output["greeting"] != "Hello, Grace!" {
		t.Errorf("final step = %q %v, want the greeting from done", last.NodeID, last.Output)
	}

	trails := st.Attempts("exec-1")
	if len(trails) != 3 {
		t.Fatalf("len(Attempts) = %d, want one trail per executed step", len(trails))
	}
	for _, trail := range trails {
		if len(trail.Attempts) != 1 || trail.Attempts[0].Status != flow.AttemptCompleted {
			t.Errorf("trail %s = %+v, want a single completed attempt", trail.NodeID, trail.Attempts)
		}
	}

	snaps := st.Snapshots("exec-1")
	if len(snaps) != 5 {
		t.Fatalf("len(Snapshots) = %d, want init + 3 steps + final", len(snaps))
	}
	if snaps[0].Reason != flow.SnapshotInit || snaps[len(snaps)-1].Reason != flow.SnapshotFinal {
		t.Errorf("snapshot reasons = %q..%q, want init..final",
			snaps[0].Reason, snaps[len(snaps)-1].Reason)
	}
	for i, snap := range snaps {
		if snap.Sequence != i+1 {
			t.Errorf("snapshot[%d].Sequence = %d, want %d", i, snap.Sequence, i+1)
		}
	}
}

func TestHandler_FailedExecutionReturnsError(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	h := NewHandler(st, newTestEngine(t), zerolog.Nop())

	rec := greeterRecord("wf-2")
	rec.Nodes = []flow.Node{
		{ID: "start", Type: "manual-trigger"},
		{ID: "check", Type: "json-validator", Config: map[string]interface{}{
			"requiredFields": []interface{}{"email"},
			"strict":         true,
		}},
	}
	rec.Edges = []flow.Edge{{ID: "e1", Source: "start", Target: "check"}}
	if err := st.SaveWorkflow(ctx, rec); err != nil {
		t.Fatalf("SaveWorkflow failed: %v", err)
	}

	err := h.Handle(ctx, Job{ExecutionID: "exec-2", WorkflowID: "wf-2", UserID: "u1"})
	if err == nil {
		t.Fatal("Handle succeeded, want the execution failure")
	}
	if !strings.HasPrefix(err.Error(), "execution exec-2 failed:") {
		t.Errorf("err = %q, want the execution failure prefix", err)
	}
	if !strings.Contains(err.Error(), `missing required field "email"`) {
		t.Errorf("err = %q, want the node's validation message", err)
	}

	row, _ := st.Execution("exec-2")
	if row.Status != flow.ExecutionFailed {
		t.Errorf("Status = %q, want failed", row.Status)
	}
	if row.ErrorMessage == "" || row.FinishedAt == nil {
		t.Errorf("row = %+v, want error message and finish time recorded", row)
	}
}

func TestHandler_WorkflowNotFound(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	h := NewHandler(st, newTestEngine(t), zerolog.Nop())

	err := h.Handle(ctx, Job{ExecutionID: "exec-3", WorkflowID: "wf-missing", UserID: "u1"})
	if err == nil || err.Error() != "Workflow wf-missing not found" {
		t.Fatalf("err = %v, want the not-found message", err)
	}

	row, ok := st.Execution("exec-3")
	if !ok {
		t.Fatal("execution row missing; the failure must still be recorded")
	}
	if row.Status != flow.ExecutionFailed || row.ErrorMessage != "Workflow wf-missing not found" {
		t.Errorf("row = %+v, want failed with the not-found message", row)
	}
}

func TestHandler_LoadFailureMentionsCause(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{
		MemStore: store.NewMemStore(),
		loadErr:  errors.New("connection refused"),
	}
	h := NewHandler(st, newTestEngine(t), zerolog.Nop())

	err := h.Handle(ctx, Job{ExecutionID: "exec-4", WorkflowID: "wf-1", UserID: "u1"})
	if err == nil {
		t.Fatal("Handle succeeded, want the load failure")
	}
	want := "failed to load workflow wf-1: connection refused"
	if err.Error() != want {
		t.Errorf("err = %q, want %q", err, want)
	}
}

func TestHandler_PersistenceFailuresDoNotFailExecution(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{
		MemStore: store.NewMemStore(),
		writeErr: errors.New("disk full"),
	}
	if err := st.MemStore.SaveWorkflow(ctx, greeterRecord("wf-1")); err != nil {
		t.Fatalf("SaveWorkflow failed: %v", err)
	}
	h := NewHandler(st, newTestEngine(t), zerolog.Nop())

	err := h.Handle(ctx, Job{
		ExecutionID:    "exec-5",
		WorkflowID:     "wf-1",
		TriggerPayload: map[string]interface{}{"name": "Grace"},
		UserID:         "u1",
	})
	if err != nil {
		t.Fatalf("Handle = %v, want nil despite failing writes", err)
	}
}

// flakyStore wraps a MemStore to inject load and write failures.
type flakyStore struct {
	*store.MemStore
	loadErr  error
	writeErr error
}

func (f *flakyStore) LoadWorkflow(ctx context.Context, workflowID string) (*store.WorkflowRecord, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.MemStore.LoadWorkflow(ctx, workflowID)
}

func (f *flakyStore) UpdateExecutionStatus(ctx context.Context, executionID, status string,
	startedAt, finishedAt *time.Time, errorMessage string) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	return f.MemStore.UpdateExecutionStatus(ctx, executionID, status, startedAt, finishedAt, errorMessage)
}

func (f *flakyStore) InsertStep(ctx context.Context, executionID string, step store.StepRecord) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	return f.MemStore.InsertStep(ctx, executionID, step)
}

func (f *flakyStore) InsertStepAttempts(ctx context.Context, executionID, nodeID, nodeType string,
	attempts []store.AttemptRecord) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	return f.MemStore.InsertStepAttempts(ctx, executionID, nodeID, nodeType, attempts)
}

func (f *flakyStore) InsertContextSnapshot(ctx context.Context, executionID string, snap store.SnapshotRecord) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	return f.MemStore.InsertContextSnapshot(ctx, executionID, snap)
}

func (f *flakyStore) InsertRetrievalEvent(ctx context.Context, executionID string, event store.EventRecord) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	return f.MemStore.InsertRetrievalEvent(ctx, executionID, event)
}
