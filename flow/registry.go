package flow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// FieldKind classifies the value a config field accepts.
type FieldKind int

const (
	// KindAny accepts any value.
	KindAny FieldKind = iota
	// KindString accepts string values.
	KindString
	// KindNumber accepts any numeric value (decoded JSON numbers included).
	KindNumber
	// KindBool accepts booleans and the strings "true"/"false".
	KindBool
	// KindMap accepts JSON objects.
	KindMap
	// KindList accepts JSON arrays.
	KindList
)

// String returns the kind name used in validation messages.
func (k FieldKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindMap:
		return "object"
	case KindList:
		return "list"
	default:
		return "any"
	}
}

// ConfigField describes one declared node-config field.
type ConfigField struct {
	Name     string
	Kind     FieldKind
	Required bool
	Default  interface{}
	Enum     []string // optional closed value set for string fields
}

// ConfigSchema is the closed set of fields a node type declares.
// Validation is schema-driven; keys outside the schema are permitted and
// passed through untouched (retry policy and retrieval blocks live there).
type ConfigSchema struct {
	Fields []ConfigField
}

// ValidationResult reports the outcome of validating a node config.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Validate checks config against the schema: required fields present,
// kinds compatible, enum values allowed.
func (s ConfigSchema) Validate(config map[string]interface{}) ValidationResult {
	var errs []string
	for _, field := range s.Fields {
		value, present := config[field.Name]
		if !present || value == nil {
			if field.Required {
				errs = append(errs, fmt.Sprintf("missing required field %q", field.Name))
			}
			continue
		}
		if !kindMatches(field.Kind, value) {
			errs = append(errs, fmt.Sprintf("field %q must be a %s", field.Name, field.Kind))
			continue
		}
		if len(field.Enum) > 0 {
			str, _ := AsString(value)
			if !enumContains(field.Enum, str) {
				errs = append(errs, fmt.Sprintf("field %q must be one of %v", field.Name, field.Enum))
			}
		}
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// Apply returns a copy of config with schema defaults filled in for absent
// fields. The input map is never mutated.
func (s ConfigSchema) Apply(config map[string]interface{}) map[string]interface{} {
	applied := make(map[string]interface{}, len(config)+len(s.Fields))
	for k, v := range config {
		applied[k] = v
	}
	for _, field := range s.Fields {
		if _, present := applied[field.Name]; !present && field.Default != nil {
			applied[field.Name] = field.Default
		}
	}
	return applied
}

func kindMatches(kind FieldKind, value interface{}) bool {
	switch kind {
	case KindString:
		_, ok := AsString(value)
		return ok
	case KindNumber:
		_, ok := AsFloat(value)
		return ok
	case KindBool:
		_, ok := AsBool(value)
		return ok
	case KindMap:
		_, ok := AsMap(value)
		return ok
	case KindList:
		_, ok := AsSlice(value)
		return ok
	default:
		return true
	}
}

func enumContains(enum []string, value string) bool {
	for _, e := range enum {
		if e == value {
			return true
		}
	}
	return false
}

// Input is what a node's Execute receives: the merged upstream data and the
// identifying metadata for this step.
type Input struct {
	// Data merges the trigger payload with the outputs of all matched
	// parents (later edges overwrite earlier on key collision).
	Data map[string]interface{}

	// Trigger is the raw trigger payload before the parent merge.
	Trigger map[string]interface{}

	// Metadata identifies the step and carries the node's config with
	// schema defaults applied.
	Metadata InputMetadata
}

// InputMetadata identifies the executing step.
type InputMetadata struct {
	NodeID      string
	NodeType    string
	ExecutionID string
	WorkflowID  string
	UserID      string
	NodeConfig  map[string]interface{}
}

// ExecuteFunc is the signature of a node's execute operation. The returned
// map is the node's output; reserved keys "metadata", "retry", and
// "shouldRetry" carry control signals interpreted by the runner.
type ExecuteFunc func(ctx context.Context, in *Input, ec *ExecutionContext) (map[string]interface{}, error)

// Definition binds a node-type tag to its config schema and execute
// implementation. Implementations must be safe for concurrent use: one
// definition instance serves every workflow in the process.
type Definition interface {
	Type() string
	Schema() ConfigSchema
	Execute(ctx context.Context, in *Input, ec *ExecutionContext) (map[string]interface{}, error)
}

// FuncDefinition adapts an ExecuteFunc into a Definition.
//
// Example:
//
//	def := flow.FuncDefinition{
//	    NodeType: "uppercase",
//	    Fn: func(ctx context.Context, in *flow.Input, ec *flow.ExecutionContext) (map[string]interface{}, error) {
//	        s, _ := flow.AsString(in.Data["text"])
//	        return map[string]interface{}{"text": strings.ToUpper(s)}, nil
//	    },
//	}
//	_ = registry.Register(def)
type FuncDefinition struct {
	NodeType     string
	ConfigSchema ConfigSchema
	Fn           ExecuteFunc
}

// Type returns the node-type tag.
func (d FuncDefinition) Type() string { return d.NodeType }

// Schema returns the declared config schema.
func (d FuncDefinition) Schema() ConfigSchema { return d.ConfigSchema }

// Execute invokes the wrapped function.
func (d FuncDefinition) Execute(ctx context.Context, in *Input, ec *ExecutionContext) (map[string]interface{}, error) {
	return d.Fn(ctx, in, ec)
}

// Registry maps node-type tags to definitions. Registrations happen once at
// startup; resolution is read-heavy and safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition. A duplicate tag is rejected with
// ErrDuplicateNodeType; an empty tag is rejected outright.
func (r *Registry) Register(def Definition) error {
	tag := def.Type()
	if tag == "" {
		return fmt.Errorf("register node definition: empty type tag")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[tag]; exists {
		return fmt.Errorf("register %q: %w", tag, ErrDuplicateNodeType)
	}
	r.defs[tag] = def
	return nil
}

// Resolve returns the definition for a tag. Unknown tags fail with an
// UNKNOWN_NODE_TYPE FlowError; repeated calls return the same definition.
func (r *Registry) Resolve(nodeType string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, exists := r.defs[nodeType]
	if !exists {
		return nil, &FlowError{
			Message: fmt.Sprintf("unknown node type %q", nodeType),
			Code:    CodeUnknownNodeType,
		}
	}
	return def, nil
}

// Types returns the registered tags in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.defs))
	for tag := range r.defs {
		types = append(types, tag)
	}
	sort.Strings(types)
	return types
}
