package nodes

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/flowrun-go/flow"
)

// jsonValidatorDefinition builds the json-validator node: required dotted
// paths must resolve, optional per-path type expectations must hold. The
// result lands under `_validation{valid, errors[]}` alongside the
// passthrough; strict mode turns an invalid result into a step failure.
func jsonValidatorDefinition() flow.FuncDefinition {
	return flow.FuncDefinition{
		NodeType: TypeJSONValidator,
		ConfigSchema: flow.ConfigSchema{
			Fields: []flow.ConfigField{
				{Name: "requiredFields", Kind: flow.KindList},
				{Name: "fieldTypes", Kind: flow.KindMap},
				{Name: "strict", Kind: flow.KindBool, Default: false},
			},
		},
		Fn: func(_ context.Context, in *flow.Input, _ *flow.ExecutionContext) (map[string]interface{}, error) {
			cfg := in.Metadata.NodeConfig
			var errs []interface{}

			if required, ok := flow.AsSlice(cfg["requiredFields"]); ok {
				for _, item := range required {
					path, ok := flow.AsString(item)
					if !ok || path == "" {
						continue
					}
					if _, found := flow.LookupPath(in.Data, path); !found {
						errs = append(errs, fmt.Sprintf("missing required field %q", path))
					}
				}
			}

			if fieldTypes, ok := flow.AsMap(cfg["fieldTypes"]); ok {
				paths := make([]string, 0, len(fieldTypes))
				for path := range fieldTypes {
					paths = append(paths, path)
				}
				sort.Strings(paths)
				for _, path := range paths {
					wantType, _ := flow.AsString(fieldTypes[path])
					value, found := flow.LookupPath(in.Data, path)
					if !found {
						continue
					}
					if !valueHasType(value, wantType) {
						errs = append(errs, fmt.Sprintf("field %q must be of type %s", path, wantType))
					}
				}
			}

			out := passthrough(in)
			out["_validation"] = map[string]interface{}{
				"valid":  len(errs) == 0,
				"errors": errs,
			}

			strict, _ := flow.AsBool(cfg["strict"])
			if strict && len(errs) > 0 {
				messages := make([]string, len(errs))
				for i, e := range errs {
					messages[i], _ = e.(string)
				}
				return nil, nodeErr(in, "validation failed: "+strings.Join(messages, "; "))
			}
			return out, nil
		},
	}
}

func valueHasType(value interface{}, wantType string) bool {
	switch strings.ToLower(wantType) {
	case "string":
		_, ok := flow.AsString(value)
		return ok
	case "number":
		_, ok := flow.AsFloat(value)
		return ok
	case "boolean", "bool":
		_, ok := value.(bool)
		return ok
	case "object", "map":
		_, ok := flow.AsMap(value)
		return ok
	case "array", "list":
		_, ok := flow.AsSlice(value)
		return ok
	case "null":
		return value == nil
	default:
		return true
	}
}
