package nodes

import (
	"context"
	"strings"

	"github.com/dshills/flowrun-go/flow"
)

// conditionDefinition builds the condition node: one (field, operator,
// value) predicate over the merged input. The outcome lands under
// `_condition{result, field, operator}`; routeOnTrue/routeOnFalse
// additionally set `_route` so downstream edges can match on it.
func conditionDefinition() flow.FuncDefinition {
	return flow.FuncDefinition{
		NodeType: TypeCondition,
		ConfigSchema: flow.ConfigSchema{
			Fields: []flow.ConfigField{
				{Name: "field", Kind: flow.KindString, Required: true},
				{Name: "operator", Kind: flow.KindString, Required: true,
					Enum: []string{
						"equals", "not-equals", "contains", "not-contains",
						"greater-than", "less-than", "greater-or-equal",
						"less-or-equal", "exists", "not-exists",
					}},
				{Name: "value", Kind: flow.KindAny},
				{Name: "routeOnTrue", Kind: flow.KindString},
				{Name: "routeOnFalse", Kind: flow.KindString},
			},
		},
		Fn: func(_ context.Context, in *flow.Input, _ *flow.ExecutionContext) (map[string]interface{}, error) {
			cfg := in.Metadata.NodeConfig
			field, _ := flow.AsString(cfg["field"])
			operator, _ := flow.AsString(cfg["operator"])

			actual, found := flow.LookupPath(in.Data, field)
			result := evaluateOperator(operator, actual, found, cfg["value"])

			out := passthrough(in)
			out["_condition"] = map[string]interface{}{
				"result":   result,
				"field":    field,
				"operator": operator,
			}

			route := ""
			if result {
				route, _ = flow.AsString(cfg["routeOnTrue"])
			} else {
				route, _ = flow.AsString(cfg["routeOnFalse"])
			}
			if route != "" {
				out["_route"] = route
			}
			return out, nil
		},
	}
}

func evaluateOperator(operator string, actual interface{}, found bool, expected interface{}) bool {
	switch operator {
	case "exists":
		return found
	case "not-exists":
		return !found
	}
	if !found {
		return false
	}

	switch operator {
	case "equals":
		return looseEquals(actual, expected)
	case "not-equals":
		return !looseEquals(actual, expected)
	case "contains":
		return containsValue(actual, expected)
	case "not-contains":
		return !containsValue(actual, expected)
	case "greater-than":
		return compareNumbers(actual, expected, func(a, b float64) bool { return a > b })
	case "less-than":
		return compareNumbers(actual, expected, func(a, b float64) bool { return a < b })
	case "greater-or-equal":
		return compareNumbers(actual, expected, func(a, b float64) bool { return a >= b })
	case "less-or-equal":
		return compareNumbers(actual, expected, func(a, b float64) bool { return a <= b })
	default:
		return false
	}
}

// looseEquals compares across the JSON-decoded type zoo: numbers compare
// numerically regardless of Go type, everything else by stringified form.
func looseEquals(a, b interface{}) bool {
	if af, aok := flow.AsFloat(a); aok {
		if bf, bok := flow.AsFloat(b); bok {
			return af == bf
		}
	}
	return flow.Stringify(a) == flow.Stringify(b)
}

// containsValue handles substring checks for strings and element checks
// for lists.
func containsValue(actual, expected interface{}) bool {
	if s, ok := flow.AsString(actual); ok {
		return strings.Contains(s, flow.Stringify(expected))
	}
	if list, ok := flow.AsSlice(actual); ok {
		for _, item := range list {
			if looseEquals(item, expected) {
				return true
			}
		}
	}
	return false
}

func compareNumbers(a, b interface{}, cmp func(float64, float64) bool) bool {
	af, aok := flow.AsFloat(a)
	bf, bok := flow.AsFloat(b)
	if !aok || !bok {
		return false
	}
	return cmp(af, bf)
}
