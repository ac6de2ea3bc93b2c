package flow

import "strings"

// ConditionKind tags the variants of an edge condition.
type ConditionKind int

const (
	// CondAlways takes the edge unconditionally.
	CondAlways ConditionKind = iota
	// CondBool matches the parent's boolean outcome against Bool.
	CondBool
	// CondPass matches a passing evaluation or true condition outcome.
	CondPass
	// CondFail matches a failing evaluation or false condition outcome.
	CondFail
	// CondRoute matches the parent's declared route, case-insensitively.
	CondRoute
)

// EdgeCondition is the parsed form of an edge's condition string.
//
// The raw domain: absent, "always", or "any" take the edge always;
// "true"/"false" match the parent's boolean outcome; "pass"/"fail" match
// the parent's evaluation outcome; any other string matches the parent's
// route. Parsing is case-insensitive throughout.
type EdgeCondition struct {
	Kind  ConditionKind
	Bool  bool
	Route string
}

// ParseEdgeCondition converts a raw condition string into its variant.
func ParseEdgeCondition(raw string) EdgeCondition {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "always", "any":
		return EdgeCondition{Kind: CondAlways}
	case "true":
		return EdgeCondition{Kind: CondBool, Bool: true}
	case "false":
		return EdgeCondition{Kind: CondBool, Bool: false}
	case "pass":
		return EdgeCondition{Kind: CondPass}
	case "fail":
		return EdgeCondition{Kind: CondFail}
	default:
		return EdgeCondition{Kind: CondRoute, Route: strings.TrimSpace(raw)}
	}
}

// Matches reports whether the condition is satisfied by the parent node's
// recorded output.
//
// Boolean conditions consult `_condition.result` first, then
// `_evaluation.passed`; pass/fail conditions consult `_evaluation.passed`
// first, then `_condition.result`. Route conditions consult `_route`, then
// `_branch.route`, then `route`. A condition whose source keys are all
// absent does not match.
func (c EdgeCondition) Matches(parentOutput map[string]interface{}) bool {
	switch c.Kind {
	case CondAlways:
		return true
	case CondBool:
		if b, ok := conditionResult(parentOutput); ok {
			return b == c.Bool
		}
		if b, ok := evaluationPassed(parentOutput); ok {
			return b == c.Bool
		}
		return false
	case CondPass, CondFail:
		want := c.Kind == CondPass
		if b, ok := evaluationPassed(parentOutput); ok {
			return b == want
		}
		if b, ok := conditionResult(parentOutput); ok {
			return b == want
		}
		return false
	case CondRoute:
		route, ok := routeOf(parentOutput)
		if !ok {
			return false
		}
		return strings.EqualFold(route, c.Route)
	default:
		return false
	}
}

func conditionResult(output map[string]interface{}) (bool, bool) {
	cond, ok := AsMap(output["_condition"])
	if !ok {
		return false, false
	}
	return AsBool(cond["result"])
}

func evaluationPassed(output map[string]interface{}) (bool, bool) {
	eval, ok := AsMap(output["_evaluation"])
	if !ok {
		return false, false
	}
	return AsBool(eval["passed"])
}

func routeOf(output map[string]interface{}) (string, bool) {
	if s, ok := AsString(output["_route"]); ok && s != "" {
		return s, true
	}
	if branch, ok := AsMap(output["_branch"]); ok {
		if s, ok := AsString(branch["route"]); ok && s != "" {
			return s, true
		}
	}
	if s, ok := AsString(output["route"]); ok && s != "" {
		return s, true
	}
	return "", false
}
