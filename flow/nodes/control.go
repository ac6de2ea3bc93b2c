package nodes

import (
	"context"

	"github.com/dshills/flowrun-go/flow"
)

// executionControlDefinition builds the execution-control node. It mutates
// the context control subtree through a contextPatch in the reserved
// metadata block, so the change flows through the runner's single patch
// path. Counter increments read the live value at execute time; the limit
// checks themselves stay in the engine.
func executionControlDefinition() flow.FuncDefinition {
	return flow.FuncDefinition{
		NodeType: TypeExecutionControl,
		ConfigSchema: flow.ConfigSchema{
			Fields: []flow.ConfigField{
				{Name: "action", Kind: flow.KindString, Required: true,
					Enum: []string{
						"increment-retry", "increment-loop", "reset-retry",
						"reset-loop", "set-max-retries", "set-max-loops",
						"terminate", "clear-terminate",
					}},
				{Name: "value", Kind: flow.KindNumber},
				{Name: "terminateReason", Kind: flow.KindString},
			},
		},
		Fn: func(_ context.Context, in *flow.Input, ec *flow.ExecutionContext) (map[string]interface{}, error) {
			cfg := in.Metadata.NodeConfig
			action, _ := flow.AsString(cfg["action"])
			control := ec.Control()

			patch := map[string]interface{}{}
			var memory map[string]interface{}

			switch action {
			case "increment-retry":
				patch["retryCount"] = control.RetryCount + 1
			case "increment-loop":
				patch["loopCount"] = control.LoopCount + 1
			case "reset-retry":
				patch["retryCount"] = 0
			case "reset-loop":
				patch["loopCount"] = 0
			case "set-max-retries":
				n, ok := flow.AsInt(cfg["value"])
				if !ok {
					return nil, configErr(in, "set-max-retries requires a numeric value")
				}
				patch["maxRetries"] = n
			case "set-max-loops":
				n, ok := flow.AsInt(cfg["value"])
				if !ok {
					return nil, configErr(in, "set-max-loops requires a numeric value")
				}
				patch["maxLoops"] = n
			case "terminate":
				patch["terminate"] = true
				if reason, ok := flow.AsString(cfg["terminateReason"]); ok && reason != "" {
					memory = map[string]interface{}{"control.terminateReason": reason}
				}
			case "clear-terminate":
				patch["terminate"] = false
			}

			contextPatch := map[string]interface{}{"control": patch}
			if memory != nil {
				contextPatch["memory"] = memory
			}

			out := passthrough(in)
			out["metadata"] = map[string]interface{}{"contextPatch": contextPatch}
			return out, nil
		},
	}
}
