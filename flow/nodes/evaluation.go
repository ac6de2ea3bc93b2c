package nodes

import (
	"context"
	"fmt"

	"github.com/dshills/flowrun-go/flow"
)

// evaluationDefinition builds the evaluation node: a list of checks scored
// against the value at valuePath. The score is the fraction of passing
// checks; the node passes when score >= passThreshold. With
// requestRetryOnFail set, a failing evaluation asks the runner for another
// attempt instead of merely recording the result.
func evaluationDefinition() flow.FuncDefinition {
	return flow.FuncDefinition{
		NodeType: TypeEvaluation,
		ConfigSchema: flow.ConfigSchema{
			Fields: []flow.ConfigField{
				{Name: "valuePath", Kind: flow.KindString, Required: true},
				{Name: "checks", Kind: flow.KindList, Required: true},
				{Name: "passThreshold", Kind: flow.KindNumber, Default: 1.0},
				{Name: "requestRetryOnFail", Kind: flow.KindBool, Default: false},
			},
		},
		Fn: func(_ context.Context, in *flow.Input, _ *flow.ExecutionContext) (map[string]interface{}, error) {
			cfg := in.Metadata.NodeConfig
			valuePath, _ := flow.AsString(cfg["valuePath"])
			value, _ := flow.LookupPath(in.Data, valuePath)

			rawChecks, _ := flow.AsSlice(cfg["checks"])
			results := make([]interface{}, 0, len(rawChecks))
			passedCount := 0
			for i, item := range rawChecks {
				check, ok := flow.AsMap(item)
				if !ok {
					return nil, configErr(in, fmt.Sprintf("check %d must be an object", i))
				}
				checkType, _ := flow.AsString(check["type"])
				passed, err := runCheck(checkType, value, check["value"])
				if err != nil {
					return nil, configErr(in, fmt.Sprintf("check %d: %v", i, err))
				}
				if passed {
					passedCount++
				}
				entry := map[string]interface{}{
					"type":   checkType,
					"passed": passed,
				}
				if expected, present := check["value"]; present {
					entry["value"] = expected
				}
				results = append(results, entry)
			}

			score := 1.0
			if len(rawChecks) > 0 {
				score = float64(passedCount) / float64(len(rawChecks))
			}
			threshold := 1.0
			if f, ok := flow.AsFloat(cfg["passThreshold"]); ok {
				threshold = f
			}
			passed := score >= threshold

			out := passthrough(in)
			out["_evaluation"] = map[string]interface{}{
				"passed":       passed,
				"score":        score,
				"totalChecks":  len(rawChecks),
				"passedChecks": passedCount,
				"checks":       results,
			}

			if !passed {
				if retry, ok := flow.AsBool(cfg["requestRetryOnFail"]); ok && retry {
					reason := fmt.Sprintf("evaluation failed: score %.2f below threshold %.2f", score, threshold)
					out["metadata"] = retryDirective(reason, 0)
				}
			}
			return out, nil
		},
	}
}

func runCheck(checkType string, actual, expected interface{}) (bool, error) {
	switch checkType {
	case "not-empty":
		return !isEmptyValue(actual), nil
	case "contains":
		return containsValue(actual, expected), nil
	case "not-contains":
		return !containsValue(actual, expected), nil
	case "equals":
		return looseEquals(actual, expected), nil
	case "min-length":
		n, ok := flow.AsInt(expected)
		if !ok {
			return false, fmt.Errorf("min-length requires a numeric value")
		}
		return valueLength(actual) >= n, nil
	case "max-length":
		n, ok := flow.AsInt(expected)
		if !ok {
			return false, fmt.Errorf("max-length requires a numeric value")
		}
		return valueLength(actual) <= n, nil
	case "min":
		return compareNumbers(actual, expected, func(a, b float64) bool { return a >= b }), nil
	case "max":
		return compareNumbers(actual, expected, func(a, b float64) bool { return a <= b }), nil
	default:
		return false, fmt.Errorf("unknown check type %q", checkType)
	}
}

func isEmptyValue(v interface{}) bool {
	switch value := v.(type) {
	case nil:
		return true
	case string:
		return value == ""
	case []interface{}:
		return len(value) == 0
	case map[string]interface{}:
		return len(value) == 0
	default:
		return false
	}
}

// valueLength measures strings in runes and composites in elements.
func valueLength(v interface{}) int {
	switch value := v.(type) {
	case string:
		return len([]rune(value))
	case []interface{}:
		return len(value)
	case map[string]interface{}:
		return len(value)
	default:
		return 0
	}
}
