package flow

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dshills/flowrun-go/flow/emit"
	"github.com/dshills/flowrun-go/flow/knowledge"
)

// Execution statuses. The engine itself only produces completed and failed;
// the remaining values belong to the persistence lifecycle around it
// (pending before pickup, running while the handler owns the job, canceled
// and timeout from external control).
const (
	ExecutionPending   = "pending"
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionCanceled  = "canceled"
	ExecutionTimeout   = "timeout"
)

// Step statuses.
const (
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// Attempt statuses. The last attempt's status determines the step status.
const (
	AttemptCompleted = "completed"
	AttemptRetry     = "retry"
	AttemptFailed    = "failed"
)

// Context snapshot reasons, in emission order.
const (
	SnapshotInit  = "init"
	SnapshotStep  = "step"
	SnapshotFinal = "final"
	SnapshotError = "error"
)

// Skip reasons recorded in a skipped step's error field.
const (
	SkipNoBranch     = "No parent branch satisfied edge conditions"
	SkipAfterFailure = "Skipped due to previous node failure"
	SkipTerminated   = "Skipped due to execution termination"
)

// NodeTypeKnowledgeRetrieve is the one node tag the runner treats
// specially: its whole config is the retrieval opt-in, not just a
// "retrieval" sub-map.
const NodeTypeKnowledgeRetrieve = "knowledge-retrieve"

// RunRequest describes one execution.
type RunRequest struct {
	ExecutionID    string
	WorkflowID     string
	UserID         string
	Workflow       *Workflow
	TriggerPayload map[string]interface{}
	Callbacks      Callbacks
}

// Callbacks observe the execution as it runs. All callbacks are invoked
// from the engine's goroutine in a deterministic order; nil callbacks are
// skipped. Persistence hangs off these (see the worker package).
type Callbacks struct {
	OnStepComplete   func(StepResult)
	OnContextUpdate  func(ContextUpdate)
	OnRetrievalEvent func(RetrievalEvent)
}

// Attempt records one try of a node's execute operation.
type Attempt struct {
	Attempt    int    `json:"attempt"`
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs"`
	Reason     string `json:"reason,omitempty"`
}

// StepResult is the terminal record of one node in one execution.
type StepResult struct {
	NodeID     string
	NodeType   string
	Status     string
	Input      map[string]interface{}
	Output     map[string]interface{}
	Error      string
	DurationMs int64
	Attempts   []Attempt
}

// ContextUpdate carries one context snapshot to the OnContextUpdate
// callback. Sequence starts at 1 and strictly increases; Reason is init for
// the first update, step after each executed step, and final or error last.
type ContextUpdate struct {
	Sequence int
	Reason   string
	NodeID   string
	NodeType string
	State    *Snapshot
}

// ExecutionResult is the engine's verdict on one run.
type ExecutionResult struct {
	Status          string
	Steps           []StepResult
	TotalDurationMs int64
	ErrorMessage    string
	Context         *Snapshot
}

// Engine executes workflows. One engine serves many executions; per-run
// state lives in the execution context and the runner, never on the engine.
type Engine struct {
	registry  *Registry
	knowledge knowledge.Service
	emitter   emit.Emitter
	metrics   *PrometheusMetrics
	clock     func() time.Time
	sleep     func(context.Context, time.Duration)

	maxRequests   int
	maxFailures   int
	maxDurationMs int64
	maxLoops      int
	maxRetries    int

	waveParallelism int

	// emitMu serializes emitter and retrieval-event callback invocations
	// when intra-wave parallelism is on.
	emitMu sync.Mutex
}

// New creates an engine over a node registry.
//
// Example:
//
//	registry := flow.NewRegistry()
//	// ... register node definitions ...
//	engine, err := flow.New(registry,
//	    flow.WithKnowledge(knowledge.NewMemIndex()),
//	    flow.WithEmitter(emit.NewLogEmitter(os.Stderr, false)),
//	)
func New(registry *Registry, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, NewValidationError("engine requires a node registry")
	}
	e := &Engine{
		registry:        registry,
		emitter:         emit.NewNullEmitter(),
		clock:           time.Now,
		sleep:           defaultSleep,
		maxRequests:     DefaultMaxRequests,
		maxFailures:     DefaultMaxFailures,
		maxDurationMs:   DefaultMaxDurationMs,
		maxLoops:        DefaultMaxLoops,
		maxRetries:      DefaultMaxRetries,
		waveParallelism: 1,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func defaultSleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Execute runs one workflow to its terminal state. It never returns an
// error: every failure mode is folded into the result so callers always get
// the steps, context, and timings that were produced before the failure.
func (e *Engine) Execute(ctx context.Context, req RunRequest) *ExecutionResult {
	start := e.clock()

	if req.Workflow == nil {
		e.metrics.RecordExecution(ExecutionFailed)
		return &ExecutionResult{
			Status:       ExecutionFailed,
			ErrorMessage: "run request has no workflow",
		}
	}

	report := ValidateDAG(req.Workflow.Nodes, req.Workflow.Edges)
	if !report.Valid {
		msg := strings.Join(report.Errors, "; ")
		e.emitEvent(req.ExecutionID, 0, "", "execution_invalid", map[string]interface{}{"error": msg})
		e.metrics.RecordExecution(ExecutionFailed)
		return &ExecutionResult{
			Status:          ExecutionFailed,
			ErrorMessage:    msg,
			TotalDurationMs: e.clock().Sub(start).Milliseconds(),
		}
	}

	waves := PlanWaves(report.ExecutionOrder, req.Workflow.Edges)

	ec := NewExecutionContext(
		WithContextClock(e.clock),
		WithContextBudgets(e.maxRequests, e.maxFailures, e.maxDurationMs),
		WithContextLimits(e.maxLoops, e.maxRetries),
	)
	ec.ApplyPatch(Patch{Knowledge: map[string]interface{}{
		"scheduler.waves": waveNodeLists(waves),
	}})

	run := newExecution(e, req, ec, waves)

	e.metrics.ExecutionStarted()
	defer e.metrics.ExecutionFinished()

	e.emitEvent(req.ExecutionID, 0, "", "execution_start", map[string]interface{}{
		"workflow_id": req.WorkflowID,
		"nodes":       len(req.Workflow.Nodes),
		"waves":       len(waves),
	})
	run.snapshot(SnapshotInit, "", "")

	for _, wave := range waves {
		run.runWave(ctx, wave)
	}

	result := &ExecutionResult{Steps: run.steps}
	if run.failure != nil {
		result.Status = ExecutionFailed
		result.ErrorMessage = sanitizeErrorMessage(run.failure)
		run.snapshot(SnapshotError, run.failureNodeID, run.failureNodeType)
		e.emitEvent(req.ExecutionID, 0, "", "execution_error", map[string]interface{}{
			"error": result.ErrorMessage,
		})
	} else {
		result.Status = ExecutionCompleted
		run.snapshot(SnapshotFinal, "", "")
		e.emitEvent(req.ExecutionID, 0, "", "execution_complete", map[string]interface{}{
			"steps": len(run.steps),
		})
	}
	result.Context = ec.Snapshot()
	result.TotalDurationMs = e.clock().Sub(start).Milliseconds()
	e.metrics.RecordExecution(result.Status)
	return result
}

func (e *Engine) emitEvent(executionID string, seq int, nodeID, msg string, meta map[string]interface{}) {
	if e.emitter == nil {
		return
	}
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	e.emitter.Emit(emit.Event{
		ExecutionID: executionID,
		Seq:         seq,
		NodeID:      nodeID,
		Msg:         msg,
		Meta:        meta,
	})
}
