// Package worker connects the execution engine to its operational
// surroundings: jobs arrive over a NATS JetStream work queue, the handler
// drives one engine execution per job, and every observation the engine
// makes is written through the persistence port without ever failing the
// execution.
package worker

// Job is the queue-borne request to run one workflow execution.
type Job struct {
	// ExecutionID identifies the execution row created by the enqueuer.
	// It doubles as the message deduplication ID on the queue.
	ExecutionID string `json:"executionId"`

	// WorkflowID names the workflow definition to load and run.
	WorkflowID string `json:"workflowId"`

	// TriggerPayload is the trigger data handed to the workflow's
	// trigger node verbatim.
	TriggerPayload map[string]interface{} `json:"triggerPayload,omitempty"`

	// UserID is the owner on whose behalf the execution runs; key
	// resolution and knowledge scoping use it.
	UserID string `json:"userId"`
}
