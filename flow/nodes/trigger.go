package nodes

import (
	"context"

	"github.com/dshills/flowrun-go/flow"
)

// triggerDefinition builds a trigger node. All three trigger variants pass
// the trigger payload through verbatim; they differ only in how the outer
// system decides to enqueue the execution, which is outside the engine.
func triggerDefinition(tag string) flow.FuncDefinition {
	return flow.FuncDefinition{
		NodeType: tag,
		Fn: func(_ context.Context, in *flow.Input, _ *flow.ExecutionContext) (map[string]interface{}, error) {
			out := make(map[string]interface{}, len(in.Trigger))
			for k, v := range in.Trigger {
				out[k] = v
			}
			return out, nil
		},
	}
}
