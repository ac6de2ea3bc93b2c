package nodes

import (
	"context"
	"fmt"
	"sort"

	"github.com/expr-lang/expr"

	"github.com/dshills/flowrun-go/flow"
)

// transformerDefinition builds the transformer node. Transforms are
// expr-lang programs evaluated against {data, memory, trigger}; the
// language is expression-only, so programs cannot perform I/O or reach
// outside their environment.
//
// Two config shapes are accepted: `assignments` maps output keys to
// expressions, evaluated in key order; `expression` is a single program
// whose map result merges into the output and whose scalar result lands
// under "result".
func transformerDefinition() flow.FuncDefinition {
	return flow.FuncDefinition{
		NodeType: TypeTransformer,
		ConfigSchema: flow.ConfigSchema{
			Fields: []flow.ConfigField{
				{Name: "assignments", Kind: flow.KindMap},
				{Name: "expression", Kind: flow.KindString},
			},
		},
		Fn: func(_ context.Context, in *flow.Input, ec *flow.ExecutionContext) (map[string]interface{}, error) {
			cfg := in.Metadata.NodeConfig
			env := exprEnv(in, ec)
			out := passthrough(in)

			if assignments, ok := flow.AsMap(cfg["assignments"]); ok && len(assignments) > 0 {
				keys := make([]string, 0, len(assignments))
				for k := range assignments {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, key := range keys {
					src, ok := flow.AsString(assignments[key])
					if !ok || src == "" {
						return nil, configErr(in, fmt.Sprintf("assignment %q must be an expression string", key))
					}
					result, err := evalExpression(src, env)
					if err != nil {
						return nil, nodeErr(in, fmt.Sprintf("assignment %q: %v", key, err))
					}
					out[key] = result
				}
				return out, nil
			}

			if src, ok := flow.AsString(cfg["expression"]); ok && src != "" {
				result, err := evalExpression(src, env)
				if err != nil {
					return nil, nodeErr(in, err.Error())
				}
				mergeExprResult(out, result)
				return out, nil
			}

			return nil, configErr(in, "transformer requires assignments or expression")
		},
	}
}

// codeDefinition builds the code node: a single required expr-lang
// expression with the same environment and merge semantics as the
// transformer's `expression` form.
func codeDefinition() flow.FuncDefinition {
	return flow.FuncDefinition{
		NodeType: TypeCode,
		ConfigSchema: flow.ConfigSchema{
			Fields: []flow.ConfigField{
				{Name: "expression", Kind: flow.KindString, Required: true},
			},
		},
		Fn: func(_ context.Context, in *flow.Input, ec *flow.ExecutionContext) (map[string]interface{}, error) {
			src, _ := flow.AsString(in.Metadata.NodeConfig["expression"])
			result, err := evalExpression(src, exprEnv(in, ec))
			if err != nil {
				return nil, nodeErr(in, err.Error())
			}
			out := passthrough(in)
			mergeExprResult(out, result)
			return out, nil
		},
	}
}

// exprEnv assembles the expression environment. Memory is a snapshot copy,
// so programs cannot mutate live context state.
func exprEnv(in *flow.Input, ec *flow.ExecutionContext) map[string]interface{} {
	memory := map[string]interface{}{}
	if ec != nil {
		memory = ec.Snapshot().Memory
	}
	return map[string]interface{}{
		"data":    in.Data,
		"memory":  memory,
		"trigger": in.Trigger,
	}
}

func evalExpression(src string, env map[string]interface{}) (interface{}, error) {
	program, err := expr.Compile(src, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("expression compile failed: %v", err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("expression failed: %v", err)
	}
	return result, nil
}

func mergeExprResult(out map[string]interface{}, result interface{}) {
	if m, ok := flow.AsMap(result); ok {
		for k, v := range m {
			out[k] = v
		}
		return
	}
	out["result"] = result
}
