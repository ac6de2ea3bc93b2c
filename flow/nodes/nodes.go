// Package nodes provides the built-in node library: triggers, LLM calls,
// HTTP requests, transforms, validation, branching, memory access,
// execution control, and knowledge operations. Every node registers on a
// flow.Registry through RegisterBuiltins with its external collaborators
// supplied once via Deps.
package nodes

import (
	"context"
	"net/http"
	"time"

	"github.com/dshills/flowrun-go/flow"
	"github.com/dshills/flowrun-go/flow/knowledge"
	"github.com/dshills/flowrun-go/flow/model"
)

// Node type tags registered by RegisterBuiltins.
const (
	TypeManualTrigger     = "manual-trigger"
	TypeWebhookTrigger    = "webhook-trigger"
	TypeScheduleTrigger   = "schedule-trigger"
	TypeLLM               = "llm"
	TypeHTTPRequest       = "http-request"
	TypeTransformer       = "transformer"
	TypeCode              = "code"
	TypeDataCleaner       = "data-cleaner"
	TypeJSONValidator     = "json-validator"
	TypeCondition         = "condition"
	TypeMemoryRead        = "memory-read"
	TypeMemoryWrite       = "memory-write"
	TypeEvaluation        = "evaluation"
	TypeExecutionControl  = "execution-control"
	TypeKnowledgeIngest   = "knowledge-ingest"
	TypeKnowledgeRetrieve = "knowledge-retrieve"
	TypeOutput            = "output"
	TypeLog               = "log"
)

// ModelProvider resolves an LLM client for a step. model.Selector satisfies
// it; tests substitute fakes.
type ModelProvider interface {
	ClientFor(ctx context.Context, userID, provider, model string) (model.Client, error)
}

// Deps carries the external collaborators the built-in nodes use. Zero
// values are tolerated: nodes that need a missing dependency fail their
// step with a node execution error instead of panicking.
type Deps struct {
	// Models resolves LLM clients for llm nodes.
	Models ModelProvider

	// Knowledge backs knowledge-ingest. Retrieval for knowledge-retrieve
	// nodes runs in the engine, which holds its own reference.
	Knowledge knowledge.Service

	// HTTPClient is used by http-request nodes. Nil falls back to a
	// client without a global timeout; per-call timeouts still apply.
	HTTPClient *http.Client

	// Clock substitutes the time source in tests.
	Clock func() time.Time
}

func (d Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

func (d Deps) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return http.DefaultClient
}

// RegisterBuiltins registers every built-in node type on reg. Registration
// is all-or-nothing: the first failure aborts and is returned.
func RegisterBuiltins(reg *flow.Registry, deps Deps) error {
	defs := []flow.Definition{
		triggerDefinition(TypeManualTrigger),
		triggerDefinition(TypeWebhookTrigger),
		triggerDefinition(TypeScheduleTrigger),
		llmDefinition(deps),
		httpRequestDefinition(deps),
		transformerDefinition(),
		codeDefinition(),
		dataCleanerDefinition(),
		jsonValidatorDefinition(),
		conditionDefinition(),
		memoryReadDefinition(),
		memoryWriteDefinition(),
		evaluationDefinition(),
		executionControlDefinition(),
		knowledgeIngestDefinition(deps),
		knowledgeRetrieveDefinition(),
		outputDefinition(),
		logDefinition(deps),
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// passthrough copies the node's merged input data as the base of its
// output. Nodes add their own marker keys on top.
func passthrough(in *flow.Input) map[string]interface{} {
	out := make(map[string]interface{}, len(in.Data)+2)
	for k, v := range in.Data {
		out[k] = v
	}
	return out
}

// nodeErr builds a NODE_EXECUTION error carrying the step's node ID.
func nodeErr(in *flow.Input, message string) *flow.NodeError {
	return &flow.NodeError{
		Message: message,
		Code:    flow.CodeNodeExecution,
		NodeID:  in.Metadata.NodeID,
	}
}

// configErr builds a VALIDATION error for config problems only detectable
// at execute time (mutually exclusive fields, missing alternates).
func configErr(in *flow.Input, message string) *flow.NodeError {
	return &flow.NodeError{
		Message: message,
		Code:    flow.CodeValidation,
		NodeID:  in.Metadata.NodeID,
	}
}

// retryDirective builds the reserved metadata block that asks the runner
// for another attempt.
func retryDirective(reason string, delayMs int) map[string]interface{} {
	directive := map[string]interface{}{
		"requested": true,
		"reason":    reason,
	}
	if delayMs > 0 {
		directive["delayMs"] = delayMs
	}
	return map[string]interface{}{"retry": directive}
}
