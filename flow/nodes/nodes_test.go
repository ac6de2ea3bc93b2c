package nodes

import (
	"context"
	"testing"
	"time"

	"github.com/dshills/flowrun-go/flow"
)

// execDef runs one definition the way the engine would: schema defaults
// applied over config, merged data and trigger in the input, a live
// execution context alongside.
func execDef(t *testing.T, def flow.FuncDefinition, config, data map[string]interface{},
	ec *flow.ExecutionContext) (map[string]interface{}, error) {
	t.Helper()
	if config == nil {
		config = map[string]interface{}{}
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	if ec == nil {
		ec = flow.NewExecutionContext()
	}
	in := &flow.Input{
		Data:    data,
		Trigger: map[string]interface{}{},
		Metadata: flow.InputMetadata{
			NodeID:      "n1",
			NodeType:    def.Type(),
			ExecutionID: "exec-1",
			WorkflowID:  "wf-1",
			UserID:      "user-1",
			NodeConfig:  def.Schema().Apply(config),
		},
	}
	return def.Execute(context.Background(), in, ec)
}

// mustExec fails the test on any execute error.
func mustExec(t *testing.T, def flow.FuncDefinition, config, data map[string]interface{},
	ec *flow.ExecutionContext) map[string]interface{} {
	t.Helper()
	out, err := execDef(t, def, config, data, ec)
	if err != nil {
		t.Fatalf("%s execute failed: %v", def.Type(), err)
	}
	return out
}

func nodeErrorCode(t *testing.T, err error) string {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	return flow.ErrorCode(err)
}

func TestRegisterBuiltins_AllTypes(t *testing.T) {
	reg := flow.NewRegistry()
	if err := RegisterBuiltins(reg, Deps{}); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}

	want := []string{
		TypeManualTrigger, TypeWebhookTrigger, TypeScheduleTrigger,
		TypeLLM, TypeHTTPRequest, TypeTransformer, TypeCode,
		TypeDataCleaner, TypeJSONValidator, TypeCondition,
		TypeMemoryRead, TypeMemoryWrite, TypeEvaluation,
		TypeExecutionControl, TypeKnowledgeIngest, TypeKnowledgeRetrieve,
		TypeOutput, TypeLog,
	}
	for _, tag := range want {
		if _, err := reg.Resolve(tag); err != nil {
			t.Errorf("Resolve(%q) failed: %v", tag, err)
		}
	}
	if got := len(reg.Types()); got != len(want) {
		t.Errorf("registered %d types, want %d", got, len(want))
	}
}

func TestRegisterBuiltins_SecondRegistrationFails(t *testing.T) {
	reg := flow.NewRegistry()
	if err := RegisterBuiltins(reg, Deps{}); err != nil {
		t.Fatalf("first RegisterBuiltins failed: %v", err)
	}
	if err := RegisterBuiltins(reg, Deps{}); err == nil {
		t.Fatal("second RegisterBuiltins should fail on duplicate types")
	}
}

func TestTrigger_PassesTriggerPayloadVerbatim(t *testing.T) {
	for _, tag := range []string{TypeManualTrigger, TypeWebhookTrigger, TypeScheduleTrigger} {
		t.Run(tag, func(t *testing.T) {
			def := triggerDefinition(tag)
			in := &flow.Input{
				Data:    map[string]interface{}{"merged": true},
				Trigger: map[string]interface{}{"orderId": "o-42", "amount": 19.5},
				Metadata: flow.InputMetadata{
					NodeID:     "start",
					NodeType:   tag,
					NodeConfig: map[string]interface{}{},
				},
			}
			out, err := def.Execute(context.Background(), in, flow.NewExecutionContext())
			if err != nil {
				t.Fatalf("trigger execute failed: %v", err)
			}
			if out["orderId"] != "o-42" {
				t.Errorf("orderId = %v, want %q", out["orderId"], "o-42")
			}
			if out["amount"] != 19.5 {
				t.Errorf("amount = %v, want 19.5", out["amount"])
			}
			if _, present := out["merged"]; present {
				t.Error("trigger output should not include merged parent data")
			}
		})
	}
}

func TestOutput_Passthrough(t *testing.T) {
	out := mustExec(t, outputDefinition(), nil,
		map[string]interface{}{"answer": 42, "nested": map[string]interface{}{"k": "v"}}, nil)
	if out["answer"] != 42 {
		t.Errorf("answer = %v, want 42", out["answer"])
	}
	nested, ok := flow.AsMap(out["nested"])
	if !ok || nested["k"] != "v" {
		t.Errorf("nested = %v, want map with k=v", out["nested"])
	}
}

func TestLog_MarkerAndLabel(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	def := logDefinition(Deps{Clock: func() time.Time { return fixed }})

	t.Run("explicit label", func(t *testing.T) {
		out := mustExec(t, def, map[string]interface{}{"label": "checkpoint"},
			map[string]interface{}{"x": 1}, nil)
		logged, ok := flow.AsMap(out["_logged"])
		if !ok {
			t.Fatalf("_logged is %T, want map", out["_logged"])
		}
		if logged["label"] != "checkpoint" {
			t.Errorf("label = %v, want %q", logged["label"], "checkpoint")
		}
		if logged["at"] != "2025-03-01T12:00:00Z" {
			t.Errorf("at = %v, want fixed clock timestamp", logged["at"])
		}
		if out["x"] != 1 {
			t.Error("log node should pass input data through")
		}
	})

	t.Run("label defaults to node ID", func(t *testing.T) {
		out := mustExec(t, def, nil, nil, nil)
		logged, _ := flow.AsMap(out["_logged"])
		if logged["label"] != "n1" {
			t.Errorf("label = %v, want node ID %q", logged["label"], "n1")
		}
	})
}

func TestKnowledgeRetrieve_Passthrough(t *testing.T) {
	// Retrieval itself runs in the engine; the node only surfaces the
	// injected input.
	injected := map[string]interface{}{
		"_knowledge": map[string]interface{}{"query": "q", "matches": []interface{}{}},
		"question":   "why",
	}
	out := mustExec(t, knowledgeRetrieveDefinition(),
		map[string]interface{}{"queryTemplate": "{{question}}"}, injected, nil)
	if _, ok := flow.AsMap(out["_knowledge"]); !ok {
		t.Error("expected injected _knowledge to pass through")
	}
	if out["question"] != "why" {
		t.Errorf("question = %v, want %q", out["question"], "why")
	}
}
