package flow

import (
	"fmt"
	"sync"
	"time"
)

// Default control limits and retrieval budgets applied when the engine is
// not configured otherwise. A value of zero in any limit or cap disables
// that check.
const (
	DefaultMaxLoops      = 25
	DefaultMaxRetries    = 25
	DefaultMaxRequests   = 50
	DefaultMaxFailures   = 25
	DefaultMaxDurationMs = 120_000
)

// ControlState governs loop/retry limits and cooperative termination.
type ControlState struct {
	LoopCount  int  `json:"loopCount"`
	RetryCount int  `json:"retryCount"`
	MaxLoops   int  `json:"maxLoops"`
	MaxRetries int  `json:"maxRetries"`
	Terminate  bool `json:"terminate"`
}

// RetrievalState aggregates retrieval counters and their caps for one
// execution. Counters only ever grow.
type RetrievalState struct {
	TotalRequests   int   `json:"totalRequests"`
	TotalSuccesses  int   `json:"totalSuccesses"`
	TotalEmpties    int   `json:"totalEmpties"`
	TotalFailures   int   `json:"totalFailures"`
	TotalDurationMs int64 `json:"totalDurationMs"`
	MaxRequests     int   `json:"maxRequests"`
	MaxFailures     int   `json:"maxFailures"`
	MaxDurationMs   int64 `json:"maxDurationMs"`
}

// RuntimeState tracks where the execution currently is.
type RuntimeState struct {
	StartedAt           time.Time `json:"startedAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
	ActiveNodeID        string    `json:"activeNodeId"`
	LastCompletedNodeID string    `json:"lastCompletedNodeId"`
}

// Snapshot is a deep copy of the context at a point in time, suitable for
// emission to the persistence port. It shares no substructure with the
// live context.
type Snapshot struct {
	Version   int64                  `json:"version"`
	UpdatedAt time.Time              `json:"updatedAt"`
	Memory    map[string]interface{} `json:"memory"`
	Knowledge map[string]interface{} `json:"knowledge"`
	Control   ControlState           `json:"control"`
	Retrieval RetrievalState         `json:"retrieval"`
	Runtime   RuntimeState           `json:"runtime"`
}

// Patch is a partial context update. Nil subtrees are skipped; non-nil
// subtrees shallow-merge key by key. Control, retrieval, and runtime
// patches address the typed fields by their JSON names ("terminate",
// "maxRetries", "activeNodeId", ...).
type Patch struct {
	Memory    map[string]interface{}
	Knowledge map[string]interface{}
	Control   map[string]interface{}
	Retrieval map[string]interface{}
	Runtime   map[string]interface{}
}

// ParsePatch converts a node's metadata.contextPatch value into a Patch.
func ParsePatch(raw map[string]interface{}) Patch {
	var p Patch
	if m, ok := AsMap(raw["memory"]); ok {
		p.Memory = m
	}
	if m, ok := AsMap(raw["knowledge"]); ok {
		p.Knowledge = m
	}
	if m, ok := AsMap(raw["control"]); ok {
		p.Control = m
	}
	if m, ok := AsMap(raw["retrieval"]); ok {
		p.Retrieval = m
	}
	if m, ok := AsMap(raw["runtime"]); ok {
		p.Runtime = m
	}
	return p
}

func (p Patch) isEmpty() bool {
	return p.Memory == nil && p.Knowledge == nil && p.Control == nil &&
		p.Retrieval == nil && p.Runtime == nil
}

// ExecutionContext is the versioned shared state of one execution: five
// disjoint subtrees guarded by a single mutex. Nodes access it through the
// patch operations only; the engine owns the instance and there is no
// sharing between executions.
type ExecutionContext struct {
	mu        sync.Mutex
	version   int64
	updatedAt time.Time
	memory    map[string]interface{}
	knowledge map[string]interface{}
	control   ControlState
	retrieval RetrievalState
	runtime   RuntimeState
	clock     func() time.Time
}

// ContextOption configures a new ExecutionContext.
type ContextOption func(*ExecutionContext)

// WithContextClock substitutes the time source (tests).
func WithContextClock(clock func() time.Time) ContextOption {
	return func(c *ExecutionContext) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithContextBudgets sets the retrieval caps. Zero or negative values
// disable the corresponding check.
func WithContextBudgets(maxRequests, maxFailures int, maxDurationMs int64) ContextOption {
	return func(c *ExecutionContext) {
		c.retrieval.MaxRequests = maxRequests
		c.retrieval.MaxFailures = maxFailures
		c.retrieval.MaxDurationMs = maxDurationMs
	}
}

// WithContextLimits sets the control limits. Zero or negative values
// disable the corresponding check.
func WithContextLimits(maxLoops, maxRetries int) ContextOption {
	return func(c *ExecutionContext) {
		c.control.MaxLoops = maxLoops
		c.control.MaxRetries = maxRetries
	}
}

// NewExecutionContext creates a context with default limits and budgets,
// version 0, and runtime.StartedAt set from the clock.
func NewExecutionContext(opts ...ContextOption) *ExecutionContext {
	c := &ExecutionContext{
		memory:    make(map[string]interface{}),
		knowledge: make(map[string]interface{}),
		control: ControlState{
			MaxLoops:   DefaultMaxLoops,
			MaxRetries: DefaultMaxRetries,
		},
		retrieval: RetrievalState{
			MaxRequests:   DefaultMaxRequests,
			MaxFailures:   DefaultMaxFailures,
			MaxDurationMs: DefaultMaxDurationMs,
		},
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	now := c.clock()
	c.updatedAt = now
	c.runtime.StartedAt = now
	c.runtime.UpdatedAt = now
	return c
}

// Version returns the current context version. It strictly increases with
// every applied patch.
func (c *ExecutionContext) Version() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// ApplyPatch shallow-merges each non-nil subtree of p and bumps the
// version. An empty patch still bumps the version and refreshes updatedAt;
// it alters no subtree.
func (c *ExecutionContext) ApplyPatch(p Patch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyLocked(p)
}

func (c *ExecutionContext) applyLocked(p Patch) {
	c.version++
	now := c.clock()
	c.updatedAt = now
	c.runtime.UpdatedAt = now

	for k, v := range p.Memory {
		c.memory[k] = v
	}
	for k, v := range p.Knowledge {
		c.knowledge[k] = v
	}
	c.applyControlLocked(p.Control)
	c.applyRetrievalLocked(p.Retrieval)
	c.applyRuntimeLocked(p.Runtime)
}

func (c *ExecutionContext) applyControlLocked(patch map[string]interface{}) {
	for k, v := range patch {
		switch k {
		case "loopCount":
			if n, ok := AsInt(v); ok {
				c.control.LoopCount = n
			}
		case "retryCount":
			if n, ok := AsInt(v); ok {
				c.control.RetryCount = n
			}
		case "maxLoops":
			if n, ok := AsInt(v); ok {
				c.control.MaxLoops = n
			}
		case "maxRetries":
			if n, ok := AsInt(v); ok {
				c.control.MaxRetries = n
			}
		case "terminate":
			if b, ok := AsBool(v); ok {
				c.control.Terminate = b
			}
		}
	}
}

func (c *ExecutionContext) applyRetrievalLocked(patch map[string]interface{}) {
	for k, v := range patch {
		switch k {
		case "totalRequests":
			if n, ok := AsInt(v); ok && n > c.retrieval.TotalRequests {
				c.retrieval.TotalRequests = n
			}
		case "totalSuccesses":
			if n, ok := AsInt(v); ok && n > c.retrieval.TotalSuccesses {
				c.retrieval.TotalSuccesses = n
			}
		case "totalEmpties":
			if n, ok := AsInt(v); ok && n > c.retrieval.TotalEmpties {
				c.retrieval.TotalEmpties = n
			}
		case "totalFailures":
			if n, ok := AsInt(v); ok && n > c.retrieval.TotalFailures {
				c.retrieval.TotalFailures = n
			}
		case "totalDurationMs":
			if n, ok := AsFloat(v); ok && int64(n) > c.retrieval.TotalDurationMs {
				c.retrieval.TotalDurationMs = int64(n)
			}
		case "maxRequests":
			if n, ok := AsInt(v); ok {
				c.retrieval.MaxRequests = n
			}
		case "maxFailures":
			if n, ok := AsInt(v); ok {
				c.retrieval.MaxFailures = n
			}
		case "maxDurationMs":
			if n, ok := AsFloat(v); ok {
				c.retrieval.MaxDurationMs = int64(n)
			}
		}
	}
}

func (c *ExecutionContext) applyRuntimeLocked(patch map[string]interface{}) {
	for k, v := range patch {
		switch k {
		case "activeNodeId":
			if s, ok := AsString(v); ok {
				c.runtime.ActiveNodeID = s
			} else if v == nil {
				c.runtime.ActiveNodeID = ""
			}
		case "lastCompletedNodeId":
			if s, ok := AsString(v); ok {
				c.runtime.LastCompletedNodeID = s
			}
		}
	}
}

// Snapshot returns a deep copy of the full context state. Every call
// allocates fresh maps; mutating a snapshot never touches the live state.
func (c *ExecutionContext) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Snapshot{
		Version:   c.version,
		UpdatedAt: c.updatedAt,
		Memory:    deepCopyMap(c.memory),
		Knowledge: deepCopyMap(c.knowledge),
		Control:   c.control,
		Retrieval: c.retrieval,
		Runtime:   c.runtime,
	}
}

// GetMemory reads one memory key.
func (c *ExecutionContext) GetMemory(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.memory[key]
	return v, ok
}

// SetMemory writes one memory key. Sugar over ApplyPatch, so it bumps the
// version like any other patch.
func (c *ExecutionContext) SetMemory(key string, value interface{}) {
	c.ApplyPatch(Patch{Memory: map[string]interface{}{key: value}})
}

// DeleteMemory removes a memory key. Deletion is not expressible as a
// shallow merge, so it is its own operation; it bumps the version.
func (c *ExecutionContext) DeleteMemory(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	now := c.clock()
	c.updatedAt = now
	c.runtime.UpdatedAt = now
	delete(c.memory, key)
}

// Control returns a copy of the control subtree.
func (c *ExecutionContext) Control() ControlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.control
}

// Retrieval returns a copy of the retrieval subtree.
func (c *ExecutionContext) Retrieval() RetrievalState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retrieval
}

// Runtime returns a copy of the runtime subtree.
func (c *ExecutionContext) Runtime() RuntimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runtime
}

// Terminated reports whether cooperative termination has been requested.
func (c *ExecutionContext) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.control.Terminate
}

// RegisterRetry counts one node retry toward the control limits:
// RetryCount always increments, LoopCount when incrementLoop is set. The
// returned error is non-nil when a limit is crossed; the caller halts the
// execution and records the violation.
func (c *ExecutionContext) RegisterRetry(incrementLoop bool) *FlowError {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.version++
	now := c.clock()
	c.updatedAt = now
	c.runtime.UpdatedAt = now

	c.control.RetryCount++
	if incrementLoop {
		c.control.LoopCount++
	}

	if c.control.MaxRetries > 0 && c.control.RetryCount > c.control.MaxRetries {
		return &FlowError{
			Code:    CodeControlViolation,
			Message: fmt.Sprintf("retry count %d exceeded maxRetries %d", c.control.RetryCount, c.control.MaxRetries),
		}
	}
	if c.control.MaxLoops > 0 && c.control.LoopCount > c.control.MaxLoops {
		return &FlowError{
			Code:    CodeControlViolation,
			Message: fmt.Sprintf("loop count %d exceeded maxLoops %d", c.control.LoopCount, c.control.MaxLoops),
		}
	}
	return nil
}

// BeginRetrieval gates one retrieval call against the aggregate budget.
// On success TotalRequests increments atomically with the check, so the
// counter can never pass MaxRequests. On denial the counters are untouched
// and the returned budget error carries the exhausted cap.
func (c *ExecutionContext) BeginRetrieval() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.retrieval
	var detail string
	switch {
	case r.MaxRequests > 0 && r.TotalRequests >= r.MaxRequests:
		detail = fmt.Sprintf("maxRequests reached (%d)", r.MaxRequests)
	case r.MaxFailures > 0 && r.TotalFailures >= r.MaxFailures:
		detail = fmt.Sprintf("maxFailures reached (%d)", r.MaxFailures)
	case r.MaxDurationMs > 0 && r.TotalDurationMs >= r.MaxDurationMs:
		detail = fmt.Sprintf("maxDurationMs reached (%d)", r.MaxDurationMs)
	}
	if detail != "" {
		return &FlowError{
			Code:    CodeRetrievalBudget,
			Message: "retrieval budget exceeded: " + detail,
		}
	}

	c.version++
	now := c.clock()
	c.updatedAt = now
	c.runtime.UpdatedAt = now
	c.retrieval.TotalRequests++
	return nil
}

// FinishRetrieval records the outcome of one issued retrieval call.
func (c *ExecutionContext) FinishRetrieval(status string, durationMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.version++
	now := c.clock()
	c.updatedAt = now
	c.runtime.UpdatedAt = now

	switch status {
	case RetrievalStatusSuccess:
		c.retrieval.TotalSuccesses++
	case RetrievalStatusEmpty:
		c.retrieval.TotalEmpties++
	case RetrievalStatusFailed:
		c.retrieval.TotalFailures++
	}
	if durationMs > 0 {
		c.retrieval.TotalDurationMs += durationMs
	}
}
