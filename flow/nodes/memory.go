package nodes

import (
	"context"
	"fmt"

	"github.com/dshills/flowrun-go/flow"
)

// memoryReadDefinition builds the memory-read node: look up one context
// memory key and surface it in the output under outputKey. A missing key
// yields nil rather than an error so branches can test for absence.
func memoryReadDefinition() flow.FuncDefinition {
	return flow.FuncDefinition{
		NodeType: TypeMemoryRead,
		ConfigSchema: flow.ConfigSchema{
			Fields: []flow.ConfigField{
				{Name: "key", Kind: flow.KindString, Required: true},
				{Name: "outputKey", Kind: flow.KindString, Default: "value"},
			},
		},
		Fn: func(_ context.Context, in *flow.Input, ec *flow.ExecutionContext) (map[string]interface{}, error) {
			cfg := in.Metadata.NodeConfig
			key, _ := flow.AsString(cfg["key"])
			outputKey, _ := flow.AsString(cfg["outputKey"])
			if outputKey == "" {
				outputKey = "value"
			}

			value, _ := ec.GetMemory(key)
			out := passthrough(in)
			out[outputKey] = value
			return out, nil
		},
	}
}

// memoryWriteDefinition builds the memory-write node. The value comes from
// the config (`value`) or from the merged input (`valuePath`); the
// operation decides how it lands in context memory:
//
//	set:    overwrite the key
//	merge:  shallow-merge a map value into the existing map
//	append: grow a list under the key
//	clear:  delete the key
func memoryWriteDefinition() flow.FuncDefinition {
	return flow.FuncDefinition{
		NodeType: TypeMemoryWrite,
		ConfigSchema: flow.ConfigSchema{
			Fields: []flow.ConfigField{
				{Name: "key", Kind: flow.KindString, Required: true},
				{Name: "value", Kind: flow.KindAny},
				{Name: "valuePath", Kind: flow.KindString},
				{Name: "operation", Kind: flow.KindString, Default: "set",
					Enum: []string{"set", "merge", "append", "clear"}},
			},
		},
		Fn: func(_ context.Context, in *flow.Input, ec *flow.ExecutionContext) (map[string]interface{}, error) {
			cfg := in.Metadata.NodeConfig
			key, _ := flow.AsString(cfg["key"])
			operation, _ := flow.AsString(cfg["operation"])

			if operation == "clear" {
				ec.DeleteMemory(key)
				return passthrough(in), nil
			}

			value, err := resolveWriteValue(cfg, in)
			if err != nil {
				return nil, configErr(in, err.Error())
			}

			switch operation {
			case "set":
				ec.SetMemory(key, value)
			case "merge":
				merged, err := mergeMemoryValue(ec, key, value)
				if err != nil {
					return nil, nodeErr(in, err.Error())
				}
				ec.SetMemory(key, merged)
			case "append":
				ec.SetMemory(key, appendMemoryValue(ec, key, value))
			}
			return passthrough(in), nil
		},
	}
}

func resolveWriteValue(cfg map[string]interface{}, in *flow.Input) (interface{}, error) {
	if path, ok := flow.AsString(cfg["valuePath"]); ok && path != "" {
		value, found := flow.LookupPath(in.Data, path)
		if !found {
			return nil, fmt.Errorf("valuePath %q did not resolve", path)
		}
		return value, nil
	}
	if value, present := cfg["value"]; present {
		return value, nil
	}
	return nil, fmt.Errorf("memory-write requires value or valuePath")
}

func mergeMemoryValue(ec *flow.ExecutionContext, key string, value interface{}) (interface{}, error) {
	incoming, ok := flow.AsMap(value)
	if !ok {
		return nil, fmt.Errorf("merge requires a map value for key %q", key)
	}
	current, exists := ec.GetMemory(key)
	if !exists || current == nil {
		return incoming, nil
	}
	existing, ok := flow.AsMap(current)
	if !ok {
		return nil, fmt.Errorf("merge target %q is not a map", key)
	}
	merged := make(map[string]interface{}, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged, nil
}

// appendMemoryValue grows a list under key: absent keys start a new list
// and non-list values are promoted to one before the append.
func appendMemoryValue(ec *flow.ExecutionContext, key string, value interface{}) []interface{} {
	current, exists := ec.GetMemory(key)
	if !exists || current == nil {
		return []interface{}{value}
	}
	if list, ok := flow.AsSlice(current); ok {
		return append(list, value)
	}
	return []interface{}{current, value}
}
