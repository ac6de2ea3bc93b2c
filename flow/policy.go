package flow

import "fmt"

// Retry policy bounds. MaxAttempts clamps to [1, 10] and DelayMs to
// [0, 10000]; values outside the range are pulled to the nearest bound
// rather than rejected, since workflow configs arrive from an editor.
const (
	minRetryAttempts = 1
	maxRetryAttempts = 10
	defaultAttempts  = 3
	maxRetryDelayMs  = 10_000
)

// RetryPolicy controls how the runner re-executes a node.
//
// A disabled policy runs exactly one attempt. An enabled policy allows up
// to MaxAttempts attempts with DelayMs between them. RetryOnError retries
// thrown errors; RetryOnDirective honors a node's metadata retry request.
// When attempts run out on a directive and FailOnMaxAttempts is false the
// step completes with the last output instead of failing.
type RetryPolicy struct {
	Enabled              bool
	MaxAttempts          int
	DelayMs              int
	RetryOnError         bool
	RetryOnDirective     bool
	FailOnMaxAttempts    bool
	IncrementLoopOnRetry bool
}

// DefaultRetryPolicy is the single-attempt policy used when a node config
// carries no retry settings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Enabled:           false,
		MaxAttempts:       1,
		FailOnMaxAttempts: true,
	}
}

// Validate reports whether the policy fields are inside the allowed
// ranges. ResolveRetryPolicy clamps, so validation failures only occur on
// hand-built policies.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < minRetryAttempts || p.MaxAttempts > maxRetryAttempts {
		return fmt.Errorf("%w: maxAttempts %d outside [%d, %d]",
			ErrInvalidRetryPolicy, p.MaxAttempts, minRetryAttempts, maxRetryAttempts)
	}
	if p.DelayMs < 0 || p.DelayMs > maxRetryDelayMs {
		return fmt.Errorf("%w: delayMs %d outside [0, %d]",
			ErrInvalidRetryPolicy, p.DelayMs, maxRetryDelayMs)
	}
	return nil
}

// ResolveRetryPolicy reads a node config into a RetryPolicy. The nested
// "retryPolicy" object is authoritative; the legacy flat keys
// (retryEnabled, maxAttempts, retryDelayMs, retryOnError, retryOnDirective)
// fill in fields the nested object does not set. Out-of-range values clamp.
func ResolveRetryPolicy(config map[string]interface{}) RetryPolicy {
	policy := DefaultRetryPolicy()

	enabledSet := false
	attemptsSet := false
	directiveSet := false
	failSet := false

	read := func(m map[string]interface{}) {
		if m == nil {
			return
		}
		if b, ok := AsBool(m["enabled"]); ok {
			policy.Enabled = b
			enabledSet = true
		}
		if n, ok := AsInt(m["maxAttempts"]); ok {
			policy.MaxAttempts = n
			attemptsSet = true
		}
		if n, ok := AsInt(m["delayMs"]); ok {
			policy.DelayMs = n
		}
		if b, ok := AsBool(m["retryOnError"]); ok {
			policy.RetryOnError = b
		}
		if b, ok := AsBool(m["retryOnDirective"]); ok {
			policy.RetryOnDirective = b
			directiveSet = true
		}
		if b, ok := AsBool(m["failOnMaxAttempts"]); ok {
			policy.FailOnMaxAttempts = b
			failSet = true
		}
		if b, ok := AsBool(m["incrementLoopOnRetry"]); ok {
			policy.IncrementLoopOnRetry = b
		}
	}

	// Legacy flat keys first, nested object second so it wins.
	legacy := map[string]interface{}{}
	if b, ok := AsBool(config["retryEnabled"]); ok {
		legacy["enabled"] = b
	}
	if n, ok := AsInt(config["maxAttempts"]); ok {
		legacy["maxAttempts"] = n
	}
	if n, ok := AsInt(config["retryDelayMs"]); ok {
		legacy["delayMs"] = n
	}
	if b, ok := AsBool(config["retryOnError"]); ok {
		legacy["retryOnError"] = b
	}
	if b, ok := AsBool(config["retryOnDirective"]); ok {
		legacy["retryOnDirective"] = b
	}
	read(legacy)
	if nested, ok := AsMap(config["retryPolicy"]); ok {
		read(nested)
	}

	// A config that sets retry knobs without an explicit enabled flag means
	// to retry; a config with no retry keys at all stays disabled.
	if !enabledSet && (attemptsSet || policy.RetryOnError) {
		policy.Enabled = true
	}

	if !policy.Enabled {
		return RetryPolicy{Enabled: false, MaxAttempts: 1, FailOnMaxAttempts: true}
	}

	if !attemptsSet {
		policy.MaxAttempts = defaultAttempts
	}
	if policy.MaxAttempts < minRetryAttempts {
		policy.MaxAttempts = minRetryAttempts
	}
	if policy.MaxAttempts > maxRetryAttempts {
		policy.MaxAttempts = maxRetryAttempts
	}
	if policy.DelayMs < 0 {
		policy.DelayMs = 0
	}
	if policy.DelayMs > maxRetryDelayMs {
		policy.DelayMs = maxRetryDelayMs
	}
	if !directiveSet {
		policy.RetryOnDirective = true
	}
	if !failSet {
		policy.FailOnMaxAttempts = true
	}
	return policy
}
