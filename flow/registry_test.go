package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func echoDefinition(tag string) FuncDefinition {
	return FuncDefinition{
		NodeType: tag,
		Fn: func(ctx context.Context, in *Input, ec *ExecutionContext) (map[string]interface{}, error) {
			return map[string]interface{}{"echo": tag}, nil
		},
	}
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(echoDefinition("echo")); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	def, err := registry.Resolve("echo")
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if def.Type() != "echo" {
		t.Errorf("expected type 'echo', got %q", def.Type())
	}

	// Resolution is stable.
	again, err := registry.Resolve("echo")
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if again.Type() != def.Type() {
		t.Error("expected repeated resolution to return the same definition")
	}
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(echoDefinition("echo")); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	err := registry.Register(echoDefinition("echo"))
	if err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if !errors.Is(err, ErrDuplicateNodeType) {
		t.Errorf("expected ErrDuplicateNodeType, got %v", err)
	}
}

func TestRegistry_EmptyTagRejected(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(echoDefinition("")); err == nil {
		t.Fatal("expected empty tag to be rejected")
	}
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Resolve("nonexistent")
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
	if ErrorCode(err) != CodeUnknownNodeType {
		t.Errorf("expected code %s, got %s", CodeUnknownNodeType, ErrorCode(err))
	}
	if !strings.Contains(err.Error(), `unknown node type "nonexistent"`) {
		t.Errorf("expected message to name the type, got %q", err.Error())
	}
}

func TestRegistry_TypesSorted(t *testing.T) {
	registry := NewRegistry()
	for _, tag := range []string{"zeta", "alpha", "mid"} {
		if err := registry.Register(echoDefinition(tag)); err != nil {
			t.Fatalf("unexpected register error: %v", err)
		}
	}

	types := registry.Types()
	want := []string{"alpha", "mid", "zeta"}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected sorted types %v, got %v", want, types)
		}
	}
}

func TestConfigSchema_Validate(t *testing.T) {
	schema := ConfigSchema{Fields: []ConfigField{
		{Name: "url", Kind: KindString, Required: true},
		{Name: "timeout", Kind: KindNumber},
		{Name: "method", Kind: KindString, Enum: []string{"GET", "POST"}},
		{Name: "headers", Kind: KindMap},
		{Name: "follow", Kind: KindBool},
	}}

	t.Run("valid config", func(t *testing.T) {
		result := schema.Validate(map[string]interface{}{
			"url":     "https://example.com",
			"timeout": float64(30),
			"method":  "GET",
			"headers": map[string]interface{}{"X-Token": "abc"},
			"follow":  true,
		})
		if !result.Valid {
			t.Errorf("expected valid, got errors: %v", result.Errors)
		}
	})

	t.Run("missing required", func(t *testing.T) {
		result := schema.Validate(map[string]interface{}{})
		if result.Valid {
			t.Fatal("expected invalid config")
		}
		if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], `missing required field "url"`) {
			t.Errorf("expected missing field error, got %v", result.Errors)
		}
	})

	t.Run("nil counts as absent", func(t *testing.T) {
		result := schema.Validate(map[string]interface{}{"url": nil})
		if result.Valid {
			t.Fatal("expected nil required field to be invalid")
		}
	})

	t.Run("kind mismatch", func(t *testing.T) {
		result := schema.Validate(map[string]interface{}{
			"url":     "https://example.com",
			"timeout": "soon",
		})
		if result.Valid {
			t.Fatal("expected invalid config")
		}
		if !strings.Contains(result.Errors[0], `field "timeout" must be a number`) {
			t.Errorf("expected kind error, got %v", result.Errors)
		}
	})

	t.Run("enum violation", func(t *testing.T) {
		result := schema.Validate(map[string]interface{}{
			"url":    "https://example.com",
			"method": "DELETE",
		})
		if result.Valid {
			t.Fatal("expected invalid config")
		}
		if !strings.Contains(result.Errors[0], `field "method" must be one of`) {
			t.Errorf("expected enum error, got %v", result.Errors)
		}
	})

	t.Run("unknown keys pass through", func(t *testing.T) {
		result := schema.Validate(map[string]interface{}{
			"url":         "https://example.com",
			"retryPolicy": map[string]interface{}{"enabled": true},
		})
		if !result.Valid {
			t.Errorf("expected unknown keys to be permitted, got %v", result.Errors)
		}
	})

	t.Run("stringly typed bool accepted", func(t *testing.T) {
		result := schema.Validate(map[string]interface{}{
			"url":    "https://example.com",
			"follow": "true",
		})
		if !result.Valid {
			t.Errorf("expected 'true' to satisfy a bool field, got %v", result.Errors)
		}
	})
}

func TestConfigSchema_Apply(t *testing.T) {
	schema := ConfigSchema{Fields: []ConfigField{
		{Name: "method", Kind: KindString, Default: "GET"},
		{Name: "timeout", Kind: KindNumber, Default: float64(30)},
		{Name: "url", Kind: KindString, Required: true},
	}}

	config := map[string]interface{}{"url": "https://example.com", "method": "POST"}
	applied := schema.Apply(config)

	if applied["method"] != "POST" {
		t.Errorf("expected explicit value to win, got %v", applied["method"])
	}
	if applied["timeout"] != float64(30) {
		t.Errorf("expected default timeout, got %v", applied["timeout"])
	}
	if applied["url"] != "https://example.com" {
		t.Errorf("expected url preserved, got %v", applied["url"])
	}

	// Input map untouched.
	if _, present := config["timeout"]; present {
		t.Error("expected Apply to leave the input map unmodified")
	}
}

func TestFieldKindString(t *testing.T) {
	cases := map[FieldKind]string{
		KindAny:    "any",
		KindString: "string",
		KindNumber: "number",
		KindBool:   "boolean",
		KindMap:    "object",
		KindList:   "list",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
}
