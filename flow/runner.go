package flow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Retry outcome statuses recorded under _retryOutcome and the retry.*
// memory keys.
const (
	RetryOutcomeFirstAttempt = "succeeded_first_attempt"
	RetryOutcomeAfterRetries = "retry_succeeded_after_n"
)

// execution is the per-run state: one instance per Execute call, owned by
// the engine goroutine. Node goroutines under intra-wave parallelism touch
// only the execution context, the emit helpers, and the usage tracker, all
// of which synchronize internally.
type execution struct {
	engine *Engine
	req    RunRequest
	ec     *ExecutionContext
	usage  *UsageTracker

	nodes   map[string]Node
	inbound map[string][]Edge // target node ID -> inbound edges in edge-list order
	seqOf   map[string]int    // node ID -> 1-based position in the run order

	steps   []StepResult
	status  map[string]string                 // node ID -> step status
	outputs map[string]map[string]interface{} // completed node outputs

	snapshotSeq int

	halted          bool
	skipReason      string
	failure         error
	failureNodeID   string
	failureNodeType string
}

// nodeOutcome is what runNode hands back to the wave driver.
type nodeOutcome struct {
	step      StepResult
	executed  bool // the node's Execute ran (completed or failed, not skipped)
	fatal     error
	violation bool // fatal came from a control-limit violation
}

func newExecution(e *Engine, req RunRequest, ec *ExecutionContext, waves []Wave) *execution {
	x := &execution{
		engine:  e,
		req:     req,
		ec:      ec,
		usage:   NewUsageTracker(),
		nodes:   nodeByID(req.Workflow.Nodes),
		inbound: make(map[string][]Edge),
		seqOf:   make(map[string]int),
		status:  make(map[string]string),
		outputs: make(map[string]map[string]interface{}),
	}
	for _, edge := range req.Workflow.Edges {
		x.inbound[edge.Target] = append(x.inbound[edge.Target], edge)
	}
	seq := 0
	for _, wave := range waves {
		for _, nodeID := range wave.NodeIDs {
			seq++
			x.seqOf[nodeID] = seq
		}
	}
	return x
}

// runWave executes one wave. Once the run is halted every remaining node
// yields a skipped step with the halt reason. With parallelism above 1 the
// whole wave runs before halt conditions apply: same-wave nodes are never
// upstream of each other, so a sibling failure cannot invalidate them.
func (x *execution) runWave(ctx context.Context, wave Wave) {
	x.checkCanceled(ctx)
	if x.halted {
		for _, nodeID := range wave.NodeIDs {
			x.recordSkip(nodeID, x.skipReason)
		}
		return
	}

	if x.engine.waveParallelism > 1 && len(wave.NodeIDs) > 1 {
		outcomes := make([]*nodeOutcome, len(wave.NodeIDs))
		sem := make(chan struct{}, x.engine.waveParallelism)
		var wg sync.WaitGroup
		for i, nodeID := range wave.NodeIDs {
			wg.Add(1)
			go func(i int, nodeID string) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				outcomes[i] = x.runNode(ctx, nodeID)
			}(i, nodeID)
		}
		wg.Wait()
		for _, outcome := range outcomes {
			x.finishStep(outcome)
			x.applyHaltChecks(outcome)
		}
		return
	}

	for _, nodeID := range wave.NodeIDs {
		x.checkCanceled(ctx)
		if x.halted {
			x.recordSkip(nodeID, x.skipReason)
			continue
		}
		outcome := x.runNode(ctx, nodeID)
		x.finishStep(outcome)
		x.applyHaltChecks(outcome)
	}
}

// checkCanceled folds context cancellation into the halt state between
// steps; attempts in flight see it through their own ctx.
func (x *execution) checkCanceled(ctx context.Context) {
	if x.halted || ctx.Err() == nil {
		return
	}
	x.halted = true
	x.skipReason = SkipTerminated
	if x.failure == nil {
		x.failure = ctx.Err()
	}
	x.ec.ApplyPatch(Patch{Control: map[string]interface{}{"terminate": true}})
}

// finishStep records one outcome: step list, status index, output registry,
// metrics, callback, and the per-step context snapshot for executed nodes.
// Always called from the engine goroutine.
func (x *execution) finishStep(o *nodeOutcome) {
	x.steps = append(x.steps, o.step)
	x.status[o.step.NodeID] = o.step.Status
	if o.step.Status == StepCompleted {
		x.outputs[o.step.NodeID] = o.step.Output
	}
	x.engine.metrics.RecordStep(o.step.NodeType, o.step.Status, o.step.DurationMs)
	if x.req.Callbacks.OnStepComplete != nil {
		x.req.Callbacks.OnStepComplete(o.step)
	}
	if o.executed {
		x.snapshot(SnapshotStep, o.step.NodeID, o.step.NodeType)
	}
}

// applyHaltChecks updates the halt state after one outcome. The first fatal
// outcome wins; cooperative termination halts without failing the run.
func (x *execution) applyHaltChecks(o *nodeOutcome) {
	if o.fatal != nil {
		if x.failure == nil {
			x.failure = o.fatal
			x.failureNodeID = o.step.NodeID
			x.failureNodeType = o.step.NodeType
			if o.violation {
				x.skipReason = SkipTerminated
			} else {
				x.skipReason = SkipAfterFailure
			}
		}
		x.halted = true
		return
	}
	if !x.halted && x.ec.Terminated() {
		x.halted = true
		x.skipReason = SkipTerminated
	}
}

// recordSkip emits a skipped step for a node that never ran.
func (x *execution) recordSkip(nodeID, reason string) {
	node := x.nodes[nodeID]
	outcome := &nodeOutcome{
		step: StepResult{
			NodeID:   nodeID,
			NodeType: node.Type,
			Status:   StepSkipped,
			Error:    reason,
		},
	}
	x.emitNode(nodeID, "node_skipped", map[string]interface{}{"reason": reason})
	x.finishStep(outcome)
}

func (x *execution) snapshot(reason, nodeID, nodeType string) {
	x.snapshotSeq++
	if x.req.Callbacks.OnContextUpdate == nil {
		return
	}
	x.req.Callbacks.OnContextUpdate(ContextUpdate{
		Sequence: x.snapshotSeq,
		Reason:   reason,
		NodeID:   nodeID,
		NodeType: nodeType,
		State:    x.ec.Snapshot(),
	})
}

// runNode drives one node through the full step lifecycle: parent
// resolution, retrieval injection, the retry-aware attempt loop, and the
// context bookkeeping around it.
func (x *execution) runNode(ctx context.Context, nodeID string) *nodeOutcome {
	node := x.nodes[nodeID]
	out := &nodeOutcome{step: StepResult{NodeID: nodeID, NodeType: node.Type}}
	started := x.engine.clock()

	x.ec.ApplyPatch(Patch{Runtime: map[string]interface{}{"activeNodeId": nodeID}})
	x.emitNode(nodeID, "node_start", nil)

	data, matched := x.resolveParents(node)
	if !matched {
		x.ec.ApplyPatch(Patch{Runtime: map[string]interface{}{"activeNodeId": ""}})
		out.step.Status = StepSkipped
		out.step.Error = SkipNoBranch
		x.emitNode(nodeID, "node_skipped", map[string]interface{}{"reason": SkipNoBranch})
		return out
	}

	def, err := x.engine.registry.Resolve(node.Type)
	if err != nil {
		return x.failNode(out, started, nil, err)
	}

	schema := def.Schema()
	if validation := schema.Validate(node.Config); !validation.Valid {
		verr := &NodeError{
			NodeID:  nodeID,
			Code:    CodeValidation,
			Message: fmt.Sprintf("invalid config: %s", strings.Join(validation.Errors, "; ")),
		}
		return x.failNode(out, started, nil, verr)
	}
	config := schema.Apply(node.Config)

	input := &Input{
		Data:    data,
		Trigger: deepCopyMap(x.req.TriggerPayload),
		Metadata: InputMetadata{
			NodeID:      nodeID,
			NodeType:    node.Type,
			ExecutionID: x.req.ExecutionID,
			WorkflowID:  x.req.WorkflowID,
			UserID:      x.req.UserID,
			NodeConfig:  config,
		},
	}

	if rcfg := retrievalConfigFor(node, config); rcfg != nil {
		res, rerr := x.runRetrieval(ctx, rcfg, node, input.Data)
		if rerr != nil {
			return x.failNode(out, started, input.Data, rerr)
		}
		input.Data[rcfg.InjectAs] = retrievalResultMap(res)
		x.ec.ApplyPatch(Patch{Knowledge: map[string]interface{}{
			"retrieval." + nodeID: retrievalSummary(res),
		}})
	}

	policy := ResolveRetryPolicy(config)
	attempts, output, violation, execErr := x.attemptLoop(ctx, def, input, policy, nodeID)
	out.step.Input = input.Data
	out.step.Attempts = attempts
	out.step.DurationMs = x.engine.clock().Sub(started).Milliseconds()
	out.executed = true

	if violation != nil {
		x.ec.ApplyPatch(Patch{
			Memory: map[string]interface{}{
				"execution.outcome": map[string]interface{}{
					"status":     "terminated_by_control",
					"reason":     violation.Message,
					"nodeId":     nodeID,
					"retryCount": x.ec.Control().RetryCount,
					"loopCount":  x.ec.Control().LoopCount,
				},
			},
			Control: map[string]interface{}{"terminate": true},
			Runtime: map[string]interface{}{"activeNodeId": ""},
		})
		out.step.Status = StepFailed
		out.step.Error = sanitizeErrorMessage(violation)
		out.fatal = violation
		out.violation = true
		x.emitNode(nodeID, "node_error", map[string]interface{}{"error": out.step.Error})
		return out
	}

	if execErr != nil {
		x.ec.ApplyPatch(Patch{
			Control: map[string]interface{}{"terminate": true},
			Runtime: map[string]interface{}{"activeNodeId": ""},
		})
		out.step.Status = StepFailed
		out.step.Error = sanitizeErrorMessage(execErr)
		out.fatal = execErr
		x.emitNode(nodeID, "node_error", map[string]interface{}{
			"error":    out.step.Error,
			"attempts": len(attempts),
		})
		return out
	}

	if output == nil {
		output = make(map[string]interface{})
	}
	finalPatch := Patch{Runtime: map[string]interface{}{
		"activeNodeId":        "",
		"lastCompletedNodeId": nodeID,
	}}
	if policy.Enabled {
		retryOutcome := retryOutcomeMap(attempts)
		output["_attempts"] = attemptMaps(attempts)
		output["_attemptCount"] = len(attempts)
		output["_retryOutcome"] = retryOutcome
		finalPatch.Memory = map[string]interface{}{
			"retry.outcome." + nodeID: retryOutcome,
			"retry.lastOutcome":       retryOutcome,
		}
	}
	x.recordUsage(output)
	x.ec.ApplyPatch(finalPatch)

	out.step.Status = StepCompleted
	out.step.Output = output
	x.emitNode(nodeID, "node_complete", map[string]interface{}{
		"status":      StepCompleted,
		"duration_ms": out.step.DurationMs,
		"attempts":    len(attempts),
	})
	return out
}

// failNode finalizes a step that failed outside the attempt loop
// (unknown type, invalid config, fatal retrieval error).
func (x *execution) failNode(out *nodeOutcome, started time.Time, inputData map[string]interface{}, err error) *nodeOutcome {
	x.ec.ApplyPatch(Patch{
		Control: map[string]interface{}{"terminate": true},
		Runtime: map[string]interface{}{"activeNodeId": ""},
	})
	out.executed = true
	out.step.Status = StepFailed
	out.step.Input = inputData
	out.step.Error = sanitizeErrorMessage(err)
	out.step.DurationMs = x.engine.clock().Sub(started).Milliseconds()
	out.fatal = err
	x.emitNode(out.step.NodeID, "node_error", map[string]interface{}{"error": out.step.Error})
	return out
}

// attemptLoop runs Execute up to policy.MaxAttempts times, honoring retry
// directives and error retries. It returns the recorded attempts, the final
// cleaned output (nil when the step failed), a control violation if one was
// crossed, and the terminal execution error.
func (x *execution) attemptLoop(ctx context.Context, def Definition, input *Input, policy RetryPolicy, nodeID string) ([]Attempt, map[string]interface{}, *FlowError, error) {
	var attempts []Attempt
	var output map[string]interface{}
	var execErr error

	for attemptNo := 1; attemptNo <= policy.MaxAttempts; attemptNo++ {
		attemptStart := x.engine.clock()
		raw, err := x.safeExecute(ctx, def, input)
		durationMs := x.engine.clock().Sub(attemptStart).Milliseconds()

		if err == nil {
			if meta, ok := AsMap(raw["metadata"]); ok {
				if patchRaw, ok := AsMap(meta["contextPatch"]); ok {
					x.ec.ApplyPatch(ParsePatch(patchRaw))
				}
			}
			directive := parseRetryDirective(raw)
			cleaned := stripReservedKeys(raw)

			if directive.requested && policy.Enabled && policy.RetryOnDirective {
				if attemptNo < policy.MaxAttempts {
					attempts = append(attempts, Attempt{
						Attempt: attemptNo, Status: AttemptRetry,
						DurationMs: durationMs, Reason: directive.reason,
					})
					x.emitNode(nodeID, "node_retry", map[string]interface{}{
						"attempt": attemptNo,
						"reason":  directive.reason,
					})
					if v := x.ec.RegisterRetry(policy.IncrementLoopOnRetry); v != nil {
						return attempts, nil, v, nil
					}
					x.engine.metrics.RecordRetry()
					delay := directive.delayMs
					if delay <= 0 {
						delay = policy.DelayMs
					}
					x.sleepMs(ctx, delay)
					continue
				}
				// Directive on the last attempt: the policy decides
				// whether exhaustion fails the step.
				if policy.FailOnMaxAttempts {
					attempts = append(attempts, Attempt{
						Attempt: attemptNo, Status: AttemptFailed,
						DurationMs: durationMs, Reason: directive.reason,
					})
					execErr = &NodeError{
						NodeID:  nodeID,
						Code:    CodeNodeExecution,
						Message: "retry attempts exhausted: " + directive.reason,
					}
					break
				}
				attempts = append(attempts, Attempt{
					Attempt: attemptNo, Status: AttemptCompleted,
					DurationMs: durationMs, Reason: directive.reason,
				})
				output = cleaned
				break
			}

			attempts = append(attempts, Attempt{
				Attempt: attemptNo, Status: AttemptCompleted, DurationMs: durationMs,
			})
			output = cleaned
			break
		}

		reason := sanitizeErrorMessage(err)
		attempts = append(attempts, Attempt{
			Attempt: attemptNo, Status: AttemptFailed,
			DurationMs: durationMs, Reason: reason,
		})
		if policy.Enabled && policy.RetryOnError && attemptNo < policy.MaxAttempts {
			x.emitNode(nodeID, "node_retry", map[string]interface{}{
				"attempt": attemptNo,
				"reason":  reason,
			})
			if v := x.ec.RegisterRetry(policy.IncrementLoopOnRetry); v != nil {
				return attempts, nil, v, nil
			}
			x.engine.metrics.RecordRetry()
			x.sleepMs(ctx, policy.DelayMs)
			continue
		}
		execErr = err
		break
	}

	return attempts, output, nil, execErr
}

// safeExecute shields the engine from panicking node implementations.
func (x *execution) safeExecute(ctx context.Context, def Definition, in *Input) (out map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &NodeError{
				NodeID:  in.Metadata.NodeID,
				Code:    CodeNodeExecution,
				Message: fmt.Sprintf("node panic: %v", r),
			}
		}
	}()
	return def.Execute(ctx, in, x.ec)
}

// resolveParents builds the node's input data: the trigger payload merged
// with the outputs of every matched parent in edge order. The second return
// is false when the node has parents but none matched.
func (x *execution) resolveParents(node Node) (map[string]interface{}, bool) {
	data := deepCopyMap(x.req.TriggerPayload)
	if data == nil {
		data = make(map[string]interface{})
	}

	inbound := x.inbound[node.ID]
	if len(inbound) == 0 {
		return data, true
	}

	matched := false
	for _, edge := range inbound {
		// Skipped and failed parents never satisfy an edge condition.
		if x.status[edge.Source] != StepCompleted {
			continue
		}
		parentOutput := x.outputs[edge.Source]
		if !ParseEdgeCondition(edge.Condition).Matches(parentOutput) {
			continue
		}
		matched = true
		for k, v := range parentOutput {
			data[k] = deepCopyValue(v)
		}
	}
	return data, matched
}

// retrievalConfigFor extracts a node's retrieval opt-in, if any.
func retrievalConfigFor(node Node, config map[string]interface{}) *RetrievalConfig {
	if node.Type == NodeTypeKnowledgeRetrieve {
		return ParseRetrievalConfig(config)
	}
	if m, ok := AsMap(config["retrieval"]); ok {
		return ParseRetrievalConfig(m)
	}
	return nil
}

func (x *execution) runRetrieval(ctx context.Context, cfg *RetrievalConfig, node Node, data map[string]interface{}) (*RetrievalResult, error) {
	if x.engine.knowledge == nil {
		return nil, &NodeError{
			NodeID:  node.ID,
			Code:    CodeNodeExecution,
			Message: "retrieval requested but no knowledge service is configured",
		}
	}
	orch := &orchestrator{
		svc:         x.engine.knowledge,
		ec:          x.ec,
		onEvent:     x.emitRetrievalEvent,
		sleep:       x.engine.sleep,
		clock:       x.engine.clock,
		executionID: x.req.ExecutionID,
		workflowID:  x.req.WorkflowID,
		userID:      x.req.UserID,
		nodeID:      node.ID,
		nodeType:    node.Type,
	}
	return orch.Run(ctx, cfg, data)
}

// emitRetrievalEvent fans one attempt event out to metrics, the emitter,
// and the callback. Serialized because speculative plans and parallel waves
// emit concurrently.
func (x *execution) emitRetrievalEvent(ev RetrievalEvent) {
	x.engine.metrics.RecordRetrieval(ev.Status, ev.DurationMs)
	if strings.HasPrefix(ev.ErrorMessage, CodeRetrievalBudget) {
		x.engine.metrics.RecordBudgetDenial()
	}
	x.engine.emitEvent(x.req.ExecutionID, x.seqOf[ev.NodeID], ev.NodeID, "retrieval_attempt", map[string]interface{}{
		"retriever_key": ev.RetrieverKey,
		"attempt":       ev.Attempt,
		"status":        ev.Status,
		"matches":       ev.MatchesCount,
	})
	if x.req.Callbacks.OnRetrievalEvent != nil {
		x.engine.emitMu.Lock()
		defer x.engine.emitMu.Unlock()
		x.req.Callbacks.OnRetrievalEvent(ev)
	}
}

// recordUsage scans a completed output for an LLM usage block and folds it
// into the execution's usage summary and the token metric.
func (x *execution) recordUsage(output map[string]interface{}) {
	provider, ok := AsString(output["provider"])
	if !ok || provider == "" {
		return
	}
	usageMap, ok := AsMap(output["usage"])
	if !ok {
		return
	}
	promptTokens, _ := AsInt(usageMap["promptTokens"])
	completionTokens, _ := AsInt(usageMap["completionTokens"])
	totalTokens, _ := AsInt(usageMap["totalTokens"])
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens <= 0 {
		return
	}
	model, _ := AsString(output["model"])
	x.usage.Record(provider, model, promptTokens, completionTokens, totalTokens)
	x.engine.metrics.RecordLLMTokens(provider, totalTokens)
	x.ec.ApplyPatch(Patch{Knowledge: map[string]interface{}{
		"llm.usage": x.usage.Summary(),
	}})
}

func (x *execution) emitNode(nodeID, msg string, meta map[string]interface{}) {
	x.engine.emitEvent(x.req.ExecutionID, x.seqOf[nodeID], nodeID, msg, meta)
}

func (x *execution) sleepMs(ctx context.Context, delayMs int) {
	if delayMs <= 0 {
		return
	}
	x.engine.sleep(ctx, time.Duration(delayMs)*time.Millisecond)
}

// retryDirective is a node's request to be re-run.
type retryDirective struct {
	requested bool
	reason    string
	delayMs   int
}

// parseRetryDirective reads metadata.retry{requested, reason, delayMs} or
// the boolean shorthands retry / shouldRetry.
func parseRetryDirective(output map[string]interface{}) retryDirective {
	var d retryDirective
	if meta, ok := AsMap(output["metadata"]); ok {
		if m, ok := AsMap(meta["retry"]); ok {
			if b, ok := AsBool(m["requested"]); ok {
				d.requested = b
			}
			if s, ok := AsString(m["reason"]); ok {
				d.reason = s
			}
			if n, ok := AsInt(m["delayMs"]); ok {
				d.delayMs = n
			}
		}
	}
	if !d.requested {
		if b, ok := AsBool(output["retry"]); ok && b {
			d.requested = true
		} else if b, ok := AsBool(output["shouldRetry"]); ok && b {
			d.requested = true
		}
	}
	if d.requested && d.reason == "" {
		d.reason = "retry requested"
	}
	return d
}

// stripReservedKeys removes the control-signal keys from a node output
// before it is recorded and merged downstream.
func stripReservedKeys(output map[string]interface{}) map[string]interface{} {
	if output == nil {
		return nil
	}
	cleaned := make(map[string]interface{}, len(output))
	for k, v := range output {
		switch k {
		case "metadata", "retry", "shouldRetry":
		default:
			cleaned[k] = v
		}
	}
	return cleaned
}

func attemptMaps(attempts []Attempt) []interface{} {
	list := make([]interface{}, len(attempts))
	for i, a := range attempts {
		m := map[string]interface{}{
			"attempt":    a.Attempt,
			"status":     a.Status,
			"durationMs": a.DurationMs,
		}
		if a.Reason != "" {
			m["reason"] = a.Reason
		}
		list[i] = m
	}
	return list
}

func retryOutcomeMap(attempts []Attempt) map[string]interface{} {
	outcome := map[string]interface{}{
		"attempts": len(attempts),
	}
	if len(attempts) <= 1 {
		outcome["status"] = RetryOutcomeFirstAttempt
	} else {
		outcome["status"] = RetryOutcomeAfterRetries
		if reason := attempts[len(attempts)-2].Reason; reason != "" {
			outcome["lastReason"] = reason
		}
	}
	return outcome
}

func retrievalSummary(res *RetrievalResult) map[string]interface{} {
	tried := make([]interface{}, len(res.Orchestration.RetrieversTried))
	for i, k := range res.Orchestration.RetrieversTried {
		tried[i] = k
	}
	return map[string]interface{}{
		"query":           res.Query,
		"matches":         len(res.Matches),
		"strategy":        res.Orchestration.Strategy,
		"selected":        res.Orchestration.SelectedRetrieverKey,
		"retrieversTried": tried,
	}
}
