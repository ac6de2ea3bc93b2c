package nodes

import (
	"context"
	"time"

	"github.com/dshills/flowrun-go/flow"
)

// outputDefinition builds the output node, the terminal passthrough marker
// of a workflow.
func outputDefinition() flow.FuncDefinition {
	return flow.FuncDefinition{
		NodeType: TypeOutput,
		Fn: func(_ context.Context, in *flow.Input, _ *flow.ExecutionContext) (map[string]interface{}, error) {
			return passthrough(in), nil
		},
	}
}

// logDefinition builds the log node: passthrough plus a `_logged` marker.
// The engine's step events already carry the output to the emitter, so the
// marker is what makes the logging visible downstream.
func logDefinition(deps Deps) flow.FuncDefinition {
	return flow.FuncDefinition{
		NodeType: TypeLog,
		ConfigSchema: flow.ConfigSchema{
			Fields: []flow.ConfigField{
				{Name: "label", Kind: flow.KindString},
			},
		},
		Fn: func(_ context.Context, in *flow.Input, _ *flow.ExecutionContext) (map[string]interface{}, error) {
			label, _ := flow.AsString(in.Metadata.NodeConfig["label"])
			if label == "" {
				label = in.Metadata.NodeID
			}
			out := passthrough(in)
			out["_logged"] = map[string]interface{}{
				"at":    deps.now().UTC().Format(time.RFC3339),
				"label": label,
			}
			return out, nil
		},
	}
}
