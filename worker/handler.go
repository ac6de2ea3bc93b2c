package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/flowrun-go/flow"
	"github.com/dshills/flowrun-go/flow/store"
)

// Handler runs one execution per job: it loads the workflow, drives the
// engine, and persists everything the engine reports. Persistence is an
// observability concern here; a failed write is logged and the execution
// carries on. Only a failed execution itself is reported back to the queue
// so its redelivery policy can apply.
type Handler struct {
	store  store.Store
	engine *flow.Engine
	logger zerolog.Logger
	clock  func() time.Time
}

// NewHandler wires a handler over its collaborators. The engine is shared
// and reusable; per-execution state lives inside Execute.
func NewHandler(st store.Store, engine *flow.Engine, logger zerolog.Logger) *Handler {
	return &Handler{
		store:  st,
		engine: engine,
		logger: logger,
		clock:  time.Now,
	}
}

// Handle processes one job to its terminal state. The returned error is
// non-nil only when the execution failed (or never started), which tells
// the queue to redeliver per its MaxDeliver policy.
func (h *Handler) Handle(ctx context.Context, job Job) error {
	logger := h.logger.With().
		Str("executionId", job.ExecutionID).
		Str("workflowId", job.WorkflowID).
		Logger()

	startedAt := h.clock()
	h.persist(logger, "execution status",
		h.store.UpdateExecutionStatus(ctx, job.ExecutionID, flow.ExecutionRunning, &startedAt, nil, ""))

	record, err := h.store.LoadWorkflow(ctx, job.WorkflowID)
	if err != nil {
		msg := fmt.Sprintf("Workflow %s not found", job.WorkflowID)
		if !errors.Is(err, store.ErrNotFound) {
			msg = fmt.Sprintf("failed to load workflow %s: %v", job.WorkflowID, err)
		}
		h.finalize(ctx, logger, job.ExecutionID, flow.ExecutionFailed, msg)
		return errors.New(msg)
	}

	result := h.engine.Execute(ctx, flow.RunRequest{
		ExecutionID:    job.ExecutionID,
		WorkflowID:     job.WorkflowID,
		UserID:         job.UserID,
		Workflow:       record.Workflow(),
		TriggerPayload: job.TriggerPayload,
		Callbacks:      h.callbacks(ctx, logger, job.ExecutionID),
	})

	h.finalize(ctx, logger, job.ExecutionID, result.Status, result.ErrorMessage)

	if result.Status == flow.ExecutionFailed {
		return fmt.Errorf("execution %s failed: %s", job.ExecutionID, result.ErrorMessage)
	}
	logger.Info().
		Int("steps", len(result.Steps)).
		Int64("durationMs", result.TotalDurationMs).
		Msg("execution completed")
	return nil
}

// callbacks adapts the persistence port to the engine's observation
// callbacks. Every write goes through persist, so a missing table or a
// failed insert never interrupts the run.
func (h *Handler) callbacks(ctx context.Context, logger zerolog.Logger, executionID string) flow.Callbacks {
	return flow.Callbacks{
		OnStepComplete: func(step flow.StepResult) {
			h.persist(logger, "step",
				h.store.InsertStep(ctx, executionID, store.StepRecordOf(step)))
			if len(step.Attempts) > 0 {
				h.persist(logger, "step attempts",
					h.store.InsertStepAttempts(ctx, executionID, step.NodeID, step.NodeType,
						store.AttemptRecordsOf(step.Attempts)))
			}
		},
		OnContextUpdate: func(update flow.ContextUpdate) {
			h.persist(logger, "context snapshot",
				h.store.InsertContextSnapshot(ctx, executionID, store.SnapshotRecord{
					Sequence: update.Sequence,
					Reason:   update.Reason,
					NodeID:   update.NodeID,
					NodeType: update.NodeType,
					State:    update.State,
				}))
		},
		OnRetrievalEvent: func(event flow.RetrievalEvent) {
			h.persist(logger, "retrieval event",
				h.store.InsertRetrievalEvent(ctx, executionID, event))
		},
	}
}

func (h *Handler) finalize(ctx context.Context, logger zerolog.Logger, executionID, status, errorMessage string) {
	finishedAt := h.clock()
	h.persist(logger, "execution status",
		h.store.UpdateExecutionStatus(ctx, executionID, status, nil, &finishedAt, errorMessage))
}

// persist logs a persistence failure without propagating it. Missing
// relations are expected on partially migrated databases and only warrant
// a warning.
func (h *Handler) persist(logger zerolog.Logger, what string, err error) {
	if err == nil {
		return
	}
	if store.IsMissingRelation(err) {
		logger.Warn().Err(err).Str("write", what).Msg("persistence relation missing; continuing")
		return
	}
	logger.Error().Err(err).Str("write", what).Msg("persistence write failed; continuing")
}
