package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/dshills/flowrun-go/flow"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().-]{6,}\d`)
)

// dataCleanerDefinition builds the data-cleaner node: an ordered list of
// cleaning operations applied to targetField, or to every top-level string
// field when no target is named. The output carries the cleaned data plus
// a `_cleaner{applied[]}` record of the operations run.
func dataCleanerDefinition() flow.FuncDefinition {
	return flow.FuncDefinition{
		NodeType: TypeDataCleaner,
		ConfigSchema: flow.ConfigSchema{
			Fields: []flow.ConfigField{
				{Name: "operations", Kind: flow.KindList, Required: true},
				{Name: "targetField", Kind: flow.KindString},
			},
		},
		Fn: func(_ context.Context, in *flow.Input, _ *flow.ExecutionContext) (map[string]interface{}, error) {
			cfg := in.Metadata.NodeConfig
			rawOps, _ := flow.AsSlice(cfg["operations"])
			ops, err := parseCleanOperations(rawOps)
			if err != nil {
				return nil, configErr(in, err.Error())
			}
			targetField, _ := flow.AsString(cfg["targetField"])

			out := passthrough(in)
			applied := make([]interface{}, 0, len(ops))
			for _, op := range ops {
				if err := applyCleanOperation(out, op, targetField); err != nil {
					return nil, nodeErr(in, err.Error())
				}
				applied = append(applied, op.name)
			}
			out["_cleaner"] = map[string]interface{}{"applied": applied}
			return out, nil
		},
	}
}

type cleanOperation struct {
	name string
	mode string
}

// parseCleanOperations accepts bare operation names and {type, mode} maps.
func parseCleanOperations(raw []interface{}) ([]cleanOperation, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("operations list is empty")
	}
	ops := make([]cleanOperation, 0, len(raw))
	for i, item := range raw {
		var op cleanOperation
		switch v := item.(type) {
		case string:
			op.name = v
		case map[string]interface{}:
			if s, ok := flow.AsString(v["type"]); ok {
				op.name = s
			} else if s, ok := flow.AsString(v["operation"]); ok {
				op.name = s
			}
			op.mode, _ = flow.AsString(v["mode"])
		}
		switch op.name {
		case "trim", "normalize-case", "remove-special-chars",
			"remove-duplicates", "mask-pii", "validate-json":
		default:
			return nil, fmt.Errorf("operation %d: unknown operation %q", i, op.name)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func applyCleanOperation(data map[string]interface{}, op cleanOperation, targetField string) error {
	if op.name == "validate-json" {
		// Validation needs a single addressable value; "all string fields"
		// has no sensible meaning for it.
		if targetField == "" {
			return fmt.Errorf("validate-json requires targetField")
		}
		s, ok := flow.AsString(data[targetField])
		if !ok {
			return fmt.Errorf("validate-json: field %q is not a string", targetField)
		}
		if !json.Valid([]byte(s)) {
			return fmt.Errorf("validate-json: field %q is not valid JSON", targetField)
		}
		return nil
	}

	if op.name == "remove-duplicates" {
		return applyRemoveDuplicates(data, targetField)
	}

	transform := stringTransform(op)
	if targetField != "" {
		if s, ok := flow.AsString(data[targetField]); ok {
			data[targetField] = transform(s)
		}
		return nil
	}
	for key, value := range data {
		if s, ok := flow.AsString(value); ok {
			data[key] = transform(s)
		}
	}
	return nil
}

// applyRemoveDuplicates de-duplicates list values in place, preserving
// first-seen order. Entries compare by their stringified form.
func applyRemoveDuplicates(data map[string]interface{}, targetField string) error {
	dedupe := func(list []interface{}) []interface{} {
		seen := make(map[string]bool, len(list))
		result := make([]interface{}, 0, len(list))
		for _, item := range list {
			key := flow.Stringify(item)
			if seen[key] {
				continue
			}
			seen[key] = true
			result = append(result, item)
		}
		return result
	}

	if targetField != "" {
		list, ok := flow.AsSlice(data[targetField])
		if !ok {
			return fmt.Errorf("remove-duplicates: field %q is not a list", targetField)
		}
		data[targetField] = dedupe(list)
		return nil
	}
	for key, value := range data {
		if list, ok := flow.AsSlice(value); ok {
			data[key] = dedupe(list)
		}
	}
	return nil
}

func stringTransform(op cleanOperation) func(string) string {
	switch op.name {
	case "trim":
		return strings.TrimSpace
	case "normalize-case":
		if strings.EqualFold(op.mode, "upper") {
			return strings.ToUpper
		}
		return strings.ToLower
	case "remove-special-chars":
		return removeSpecialChars
	case "mask-pii":
		return maskPII
	default:
		return func(s string) string { return s }
	}
}

// removeSpecialChars keeps letters, digits, whitespace, and basic sentence
// punctuation; everything else is dropped.
func removeSpecialChars(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		switch r {
		case '.', ',', '!', '?', '-':
			return r
		}
		return -1
	}, s)
}

func maskPII(s string) string {
	s = emailPattern.ReplaceAllString(s, "***")
	return phonePattern.ReplaceAllString(s, "***")
}
