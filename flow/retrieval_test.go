package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dshills/flowrun-go/flow/knowledge"
)

// scriptedKnowledge answers Retrieve from a per-query script of canned
// steps. The last step repeats once the script runs out.
type scriptedKnowledge struct {
	mu      sync.Mutex
	scripts map[string][]scriptStep
	calls   []knowledge.RetrieveRequest
}

type scriptStep struct {
	matches []knowledge.Match
	err     error
}

func newScriptedKnowledge() *scriptedKnowledge {
	return &scriptedKnowledge{scripts: make(map[string][]scriptStep)}
}

func (s *scriptedKnowledge) script(query string, steps ...scriptStep) {
	s.scripts[query] = steps
}

func (s *scriptedKnowledge) Retrieve(ctx context.Context, req knowledge.RetrieveRequest) (*knowledge.RetrieveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)

	steps := s.scripts[req.Query]
	if len(steps) == 0 {
		return &knowledge.RetrieveResult{Query: req.Query, TopK: req.TopK}, nil
	}
	step := steps[0]
	if len(steps) > 1 {
		s.scripts[req.Query] = steps[1:]
	}
	if step.err != nil {
		return nil, step.err
	}
	return &knowledge.RetrieveResult{Query: req.Query, TopK: req.TopK, Matches: step.matches}, nil
}

func (s *scriptedKnowledge) Ingest(ctx context.Context, req knowledge.IngestRequest) (*knowledge.IngestResult, error) {
	return &knowledge.IngestResult{Status: "indexed"}, nil
}

func (s *scriptedKnowledge) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func match(chunkID string, score float64) knowledge.Match {
	return knowledge.Match{
		ChunkID:    chunkID,
		CorpusID:   "corpus-1",
		DocumentID: "doc-1",
		Score:      score,
		Content:    "content of " + chunkID,
	}
}

func newTestOrchestrator(svc knowledge.Service, ec *ExecutionContext, onEvent func(RetrievalEvent)) *orchestrator {
	return &orchestrator{
		svc:         svc,
		ec:          ec,
		onEvent:     onEvent,
		sleep:       func(context.Context, time.Duration) {},
		clock:       time.Now,
		executionID: "exec-1",
		workflowID:  "wf-1",
		userID:      "user-1",
		nodeID:      "n1",
		nodeType:    "knowledge-retrieve",
	}
}

func TestParseRetrievalConfig(t *testing.T) {
	t.Run("nil input", func(t *testing.T) {
		if cfg := ParseRetrievalConfig(nil); cfg != nil {
			t.Errorf("expected nil config, got %+v", cfg)
		}
	})

	t.Run("no query and no retrievers", func(t *testing.T) {
		if cfg := ParseRetrievalConfig(map[string]interface{}{"topK": float64(3)}); cfg != nil {
			t.Errorf("expected nil config, got %+v", cfg)
		}
	})

	t.Run("single retriever shorthand", func(t *testing.T) {
		cfg := ParseRetrievalConfig(map[string]interface{}{
			"queryTemplate": "find {{topic}}",
			"topK":          float64(7),
			"minScore":      0.4,
		})
		if cfg == nil {
			t.Fatal("expected config")
		}
		if len(cfg.Retrievers) != 1 {
			t.Fatalf("expected 1 retriever, got %d", len(cfg.Retrievers))
		}
		plan := cfg.Retrievers[0]
		if plan.QueryTemplate != "find {{topic}}" {
			t.Errorf("expected query template, got %q", plan.QueryTemplate)
		}
		if plan.TopK != 7 {
			t.Errorf("expected topK 7, got %d", plan.TopK)
		}
		if plan.MinScore != 0.4 {
			t.Errorf("expected minScore 0.4, got %v", plan.MinScore)
		}
		if plan.Key != "retriever-0" {
			t.Errorf("expected synthesized key, got %q", plan.Key)
		}
		if cfg.Strategy != StrategySingle {
			t.Errorf("expected single strategy, got %q", cfg.Strategy)
		}
		if cfg.InjectAs != DefaultInjectKey {
			t.Errorf("expected default inject key, got %q", cfg.InjectAs)
		}
	})

	t.Run("retrievers list", func(t *testing.T) {
		cfg := ParseRetrievalConfig(map[string]interface{}{
			"strategy":    "First-Non-Empty",
			"speculative": true,
			"injectAs":    "docs",
			"retrievers": []interface{}{
				map[string]interface{}{"key": "primary", "queryTemplate": "q1", "maxRetries": float64(2)},
				map[string]interface{}{"queryTemplate": "q2", "fallbackQueryTemplate": "q2-fallback"},
			},
		})
		if cfg == nil {
			t.Fatal("expected config")
		}
		if cfg.Strategy != StrategyFirstNonEmpty {
			t.Errorf("expected normalized strategy, got %q", cfg.Strategy)
		}
		if !cfg.Speculative {
			t.Error("expected speculative")
		}
		if cfg.InjectAs != "docs" {
			t.Errorf("expected injectAs docs, got %q", cfg.InjectAs)
		}
		if len(cfg.Retrievers) != 2 {
			t.Fatalf("expected 2 retrievers, got %d", len(cfg.Retrievers))
		}
		if cfg.Retrievers[0].Key != "primary" || cfg.Retrievers[0].MaxRetries != 2 {
			t.Errorf("expected first plan parsed, got %+v", cfg.Retrievers[0])
		}
		if cfg.Retrievers[1].Key != "retriever-1" {
			t.Errorf("expected positional key for unnamed plan, got %q", cfg.Retrievers[1].Key)
		}
		if cfg.Retrievers[1].FallbackQueryTemplate != "q2-fallback" {
			t.Errorf("expected fallback template, got %q", cfg.Retrievers[1].FallbackQueryTemplate)
		}
	})

	t.Run("unknown strategy falls back to single", func(t *testing.T) {
		cfg := ParseRetrievalConfig(map[string]interface{}{
			"strategy":      "sideways",
			"queryTemplate": "q",
		})
		if cfg.Strategy != StrategySingle {
			t.Errorf("expected single, got %q", cfg.Strategy)
		}
	})

	t.Run("outputKey alias", func(t *testing.T) {
		cfg := ParseRetrievalConfig(map[string]interface{}{
			"queryTemplate": "q",
			"outputKey":     "context",
		})
		if cfg.InjectAs != "context" {
			t.Errorf("expected outputKey honored, got %q", cfg.InjectAs)
		}
	})

	t.Run("plan attempt arithmetic", func(t *testing.T) {
		plan := RetrieverPlan{MaxRetries: 2}
		if got := plan.maxAttempts(); got != 3 {
			t.Errorf("expected 3 attempts, got %d", got)
		}
		plan.FallbackQueryTemplate = "fallback"
		if got := plan.maxAttempts(); got != 4 {
			t.Errorf("expected 4 attempts with fallback, got %d", got)
		}
	})
}

func TestOrchestrator_SingleSuccess(t *testing.T) {
	svc := newScriptedKnowledge()
	svc.script("find docs", scriptStep{matches: []knowledge.Match{match("c1", 0.9), match("c2", 0.8)}})

	ec := NewExecutionContext()
	var events []RetrievalEvent
	orch := newTestOrchestrator(svc, ec, func(ev RetrievalEvent) { events = append(events, ev) })

	cfg := ParseRetrievalConfig(map[string]interface{}{"queryTemplate": "find docs"})
	res, err := orch.Run(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(res.Matches))
	}
	if res.Query != "find docs" {
		t.Errorf("expected query recorded, got %q", res.Query)
	}
	if res.Orchestration.SelectedRetrieverKey != "retriever-0" {
		t.Errorf("expected selected key, got %q", res.Orchestration.SelectedRetrieverKey)
	}

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Status != RetrievalStatusSuccess {
		t.Errorf("expected success status, got %q", ev.Status)
	}
	if !ev.Selected {
		t.Error("expected the winning attempt marked selected")
	}
	if ev.Attempt != 1 || ev.MaxAttempts != 1 {
		t.Errorf("expected attempt 1/1, got %d/%d", ev.Attempt, ev.MaxAttempts)
	}
	if ev.MatchesCount != 2 {
		t.Errorf("expected 2 matches counted, got %d", ev.MatchesCount)
	}

	r := ec.Retrieval()
	if r.TotalRequests != 1 || r.TotalSuccesses != 1 {
		t.Errorf("expected counters 1/1, got %+v", r)
	}
}

func TestOrchestrator_QueryInterpolation(t *testing.T) {
	svc := newScriptedKnowledge()
	svc.script("find golang patterns", scriptStep{matches: []knowledge.Match{match("c1", 0.9)}})

	ec := NewExecutionContext()
	orch := newTestOrchestrator(svc, ec, nil)

	cfg := ParseRetrievalConfig(map[string]interface{}{"queryTemplate": "find {{topic}} patterns"})
	res, err := orch.Run(context.Background(), cfg, map[string]interface{}{"topic": "golang"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Query != "find golang patterns" {
		t.Errorf("expected interpolated query, got %q", res.Query)
	}
	if len(res.Matches) != 1 {
		t.Errorf("expected scripted response for interpolated query, got %d matches", len(res.Matches))
	}
}

func TestOrchestrator_RetryThenSuccess(t *testing.T) {
	svc := newScriptedKnowledge()
	svc.script("q",
		scriptStep{}, // empty
		scriptStep{matches: []knowledge.Match{match("c1", 0.7)}},
	)

	ec := NewExecutionContext()
	var events []RetrievalEvent
	orch := newTestOrchestrator(svc, ec, func(ev RetrievalEvent) { events = append(events, ev) })

	cfg := ParseRetrievalConfig(map[string]interface{}{
		"queryTemplate": "q",
		"maxRetries":    float64(2),
	})
	res, err := orch.Run(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Matches) != 1 {
		t.Fatalf("expected success on retry, got %d matches", len(res.Matches))
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Status != RetrievalStatusEmpty || events[0].Attempt != 1 {
		t.Errorf("expected first attempt empty, got %+v", events[0])
	}
	if events[1].Status != RetrievalStatusSuccess || events[1].Attempt != 2 {
		t.Errorf("expected second attempt success, got %+v", events[1])
	}
	if events[0].Selected {
		t.Error("expected only the final success marked selected")
	}
	if !events[1].Selected {
		t.Error("expected winning attempt marked selected")
	}

	r := ec.Retrieval()
	if r.TotalRequests != 2 || r.TotalSuccesses != 1 || r.TotalEmpties != 1 {
		t.Errorf("expected counters 2 requests / 1 success / 1 empty, got %+v", r)
	}
}

func TestOrchestrator_FallbackQuery(t *testing.T) {
	svc := newScriptedKnowledge()
	svc.script("primary") // always empty
	svc.script("fallback", scriptStep{matches: []knowledge.Match{match("c9", 0.5)}})

	ec := NewExecutionContext()
	var events []RetrievalEvent
	orch := newTestOrchestrator(svc, ec, func(ev RetrievalEvent) { events = append(events, ev) })

	cfg := ParseRetrievalConfig(map[string]interface{}{
		"queryTemplate":         "primary",
		"fallbackQueryTemplate": "fallback",
	})
	res, err := orch.Run(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Matches) != 1 || res.Matches[0].ChunkID != "c9" {
		t.Fatalf("expected fallback match, got %+v", res.Matches)
	}
	if res.Query != "fallback" {
		t.Errorf("expected result to carry the fallback query, got %q", res.Query)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].Query != "fallback" || events[1].Attempt != 2 {
		t.Errorf("expected fallback attempt recorded, got %+v", events[1])
	}
	// maxAttempts covers the primary plus the fallback.
	if events[0].MaxAttempts != 2 {
		t.Errorf("expected maxAttempts 2, got %d", events[0].MaxAttempts)
	}
}

func TestOrchestrator_FallbackSkippedAfterFailure(t *testing.T) {
	svc := newScriptedKnowledge()
	svc.script("primary", scriptStep{err: errors.New("index offline")})

	ec := NewExecutionContext()
	orch := newTestOrchestrator(svc, ec, nil)

	cfg := ParseRetrievalConfig(map[string]interface{}{
		"queryTemplate":         "primary",
		"fallbackQueryTemplate": "fallback",
	})
	res, err := orch.Run(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("expected soft failure, got %v", err)
	}
	if len(res.Matches) != 0 {
		t.Errorf("expected no matches, got %d", len(res.Matches))
	}
	// The fallback only fires after an empty outcome, not after an error.
	if svc.callCount() != 1 {
		t.Errorf("expected 1 call, got %d", svc.callCount())
	}
}

func TestOrchestrator_FirstNonEmpty(t *testing.T) {
	svc := newScriptedKnowledge()
	svc.script("q1") // empty
	svc.script("q2", scriptStep{matches: []knowledge.Match{match("c2", 0.6)}})
	svc.script("q3", scriptStep{matches: []knowledge.Match{match("c3", 0.99)}})

	ec := NewExecutionContext()
	var events []RetrievalEvent
	orch := newTestOrchestrator(svc, ec, func(ev RetrievalEvent) { events = append(events, ev) })

	cfg := ParseRetrievalConfig(map[string]interface{}{
		"strategy": "first-non-empty",
		"retrievers": []interface{}{
			map[string]interface{}{"key": "a", "queryTemplate": "q1"},
			map[string]interface{}{"key": "b", "queryTemplate": "q2"},
			map[string]interface{}{"key": "c", "queryTemplate": "q3"},
		},
	})
	res, err := orch.Run(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Orchestration.SelectedRetrieverKey != "b" {
		t.Errorf("expected retriever b selected, got %q", res.Orchestration.SelectedRetrieverKey)
	}
	if len(res.Matches) != 1 || res.Matches[0].ChunkID != "c2" {
		t.Errorf("expected b's match, got %+v", res.Matches)
	}
	// Plan c never ran.
	if svc.callCount() != 2 {
		t.Errorf("expected 2 calls, got %d", svc.callCount())
	}
	if got := res.Orchestration.RetrieversTried; len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected tried [a b], got %v", got)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 events, got %d", len(events))
	}
}

func TestOrchestrator_FirstNonEmptyAllEmpty(t *testing.T) {
	svc := newScriptedKnowledge()
	svc.script("q1")
	svc.script("q2")

	ec := NewExecutionContext()
	orch := newTestOrchestrator(svc, ec, nil)

	cfg := ParseRetrievalConfig(map[string]interface{}{
		"strategy": "first-non-empty",
		"retrievers": []interface{}{
			map[string]interface{}{"key": "a", "queryTemplate": "q1"},
			map[string]interface{}{"key": "b", "queryTemplate": "q2"},
		},
	})
	res, err := orch.Run(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Matches) != 0 {
		t.Errorf("expected empty result, got %+v", res.Matches)
	}
	if res.Orchestration.SelectedRetrieverKey != "" {
		t.Errorf("expected no selection, got %q", res.Orchestration.SelectedRetrieverKey)
	}
}

func TestOrchestrator_Merge(t *testing.T) {
	svc := newScriptedKnowledge()
	svc.script("q1", scriptStep{matches: []knowledge.Match{match("shared", 0.5), match("only1", 0.9)}})
	svc.script("q2", scriptStep{matches: []knowledge.Match{match("shared", 0.8), match("only2", 0.7)}})

	ec := NewExecutionContext()
	orch := newTestOrchestrator(svc, ec, nil)

	cfg := ParseRetrievalConfig(map[string]interface{}{
		"strategy": "merge",
		"retrievers": []interface{}{
			map[string]interface{}{"key": "a", "queryTemplate": "q1", "topK": float64(10)},
			map[string]interface{}{"key": "b", "queryTemplate": "q2"},
		},
	})
	res, err := orch.Run(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(res.Matches) != 3 {
		t.Fatalf("expected 3 deduplicated matches, got %d", len(res.Matches))
	}
	// Sorted by score descending; duplicate keeps the higher score.
	if res.Matches[0].ChunkID != "only1" {
		t.Errorf("expected only1 first (0.9), got %q", res.Matches[0].ChunkID)
	}
	if res.Matches[1].ChunkID != "shared" || res.Matches[1].Score != 0.8 {
		t.Errorf("expected shared second with score 0.8, got %+v", res.Matches[1])
	}
	if res.Matches[2].ChunkID != "only2" {
		t.Errorf("expected only2 third, got %q", res.Matches[2].ChunkID)
	}
	if res.TopK != 10 {
		t.Errorf("expected largest topK carried, got %d", res.TopK)
	}
}

func TestOrchestrator_MergeTruncatesToTopK(t *testing.T) {
	svc := newScriptedKnowledge()
	svc.script("q1", scriptStep{matches: []knowledge.Match{match("a", 0.9), match("b", 0.8)}})
	svc.script("q2", scriptStep{matches: []knowledge.Match{match("c", 0.7), match("d", 0.6)}})

	ec := NewExecutionContext()
	orch := newTestOrchestrator(svc, ec, nil)

	cfg := ParseRetrievalConfig(map[string]interface{}{
		"strategy": "merge",
		"retrievers": []interface{}{
			map[string]interface{}{"key": "a", "queryTemplate": "q1", "topK": float64(3)},
			map[string]interface{}{"key": "b", "queryTemplate": "q2", "topK": float64(2)},
		},
	})
	res, err := orch.Run(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Matches) != 3 {
		t.Errorf("expected truncation to topK 3, got %d", len(res.Matches))
	}
}

func TestOrchestrator_BestScore(t *testing.T) {
	svc := newScriptedKnowledge()
	svc.script("q1", scriptStep{matches: []knowledge.Match{match("low", 0.4)}})
	svc.script("q2", scriptStep{matches: []knowledge.Match{match("high", 0.95)}})

	ec := NewExecutionContext()
	orch := newTestOrchestrator(svc, ec, nil)

	cfg := ParseRetrievalConfig(map[string]interface{}{
		"strategy": "best-score",
		"retrievers": []interface{}{
			map[string]interface{}{"key": "a", "queryTemplate": "q1"},
			map[string]interface{}{"key": "b", "queryTemplate": "q2"},
		},
	})
	res, err := orch.Run(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Orchestration.SelectedRetrieverKey != "b" {
		t.Errorf("expected b selected, got %q", res.Orchestration.SelectedRetrieverKey)
	}
	if len(res.Matches) != 1 || res.Matches[0].ChunkID != "high" {
		t.Errorf("expected high-score match, got %+v", res.Matches)
	}
}

func TestBestScoreOutcome_TieBreaks(t *testing.T) {
	tie := func(key string, matches ...knowledge.Match) *planOutcome {
		return &planOutcome{plan: RetrieverPlan{Key: key}, matches: matches}
	}

	t.Run("more matches wins the tie", func(t *testing.T) {
		a := tie("a", match("x", 0.8))
		b := tie("b", match("y", 0.8), match("z", 0.3))
		best := bestScoreOutcome([]*planOutcome{a, b})
		if best != b {
			t.Errorf("expected b (more matches), got %q", best.plan.Key)
		}
	})

	t.Run("smaller key wins the full tie", func(t *testing.T) {
		b := tie("b", match("y", 0.8))
		a := tie("a", match("x", 0.8))
		best := bestScoreOutcome([]*planOutcome{b, a})
		if best.plan.Key != "a" {
			t.Errorf("expected key a, got %q", best.plan.Key)
		}
	})

	t.Run("empty outcomes skipped", func(t *testing.T) {
		empty := tie("empty")
		scored := tie("scored", match("x", 0.1))
		if best := bestScoreOutcome([]*planOutcome{empty, scored}); best != scored {
			t.Error("expected plan with matches to win over empty")
		}
	})

	t.Run("all empty", func(t *testing.T) {
		if best := bestScoreOutcome([]*planOutcome{tie("a"), tie("b")}); best != nil {
			t.Errorf("expected nil, got %q", best.plan.Key)
		}
	})
}

func TestOrchestrator_AdaptivePreference(t *testing.T) {
	svc := newScriptedKnowledge()
	svc.script("q1", scriptStep{matches: []knowledge.Match{match("c1", 0.5)}})
	svc.script("q2", scriptStep{matches: []knowledge.Match{match("c2", 0.5)}})

	ec := NewExecutionContext()
	ec.SetMemory("retrieval.preferred", "b")

	orch := newTestOrchestrator(svc, ec, nil)

	cfg := ParseRetrievalConfig(map[string]interface{}{
		"strategy":                    "adaptive",
		"preferredRetrieverMemoryKey": "retrieval.preferred",
		"retrievers": []interface{}{
			map[string]interface{}{"key": "a", "queryTemplate": "q1"},
			map[string]interface{}{"key": "b", "queryTemplate": "q2"},
		},
	})
	res, err := orch.Run(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The preferred plan ran first and satisfied, so a never ran.
	if res.Orchestration.SelectedRetrieverKey != "b" {
		t.Errorf("expected preferred retriever b selected, got %q", res.Orchestration.SelectedRetrieverKey)
	}
	if svc.callCount() != 1 {
		t.Errorf("expected 1 call, got %d", svc.callCount())
	}
}

func TestOrchestrator_SingleIgnoresExtraPlans(t *testing.T) {
	svc := newScriptedKnowledge()
	svc.script("q1", scriptStep{matches: []knowledge.Match{match("c1", 0.5)}})

	ec := NewExecutionContext()
	orch := newTestOrchestrator(svc, ec, nil)

	cfg := ParseRetrievalConfig(map[string]interface{}{
		"strategy": "single",
		"retrievers": []interface{}{
			map[string]interface{}{"key": "a", "queryTemplate": "q1"},
			map[string]interface{}{"key": "b", "queryTemplate": "q2"},
		},
	})
	_, err := orch.Run(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.callCount() != 1 {
		t.Errorf("expected only the first plan to run, got %d calls", svc.callCount())
	}
}

func TestOrchestrator_BudgetDenialTerminal(t *testing.T) {
	svc := newScriptedKnowledge()
	svc.script("q") // would be empty, but budget blocks it

	ec := NewExecutionContext(WithContextBudgets(1, 0, 0))
	if err := ec.BeginRetrieval(); err != nil {
		t.Fatalf("setup: %v", err)
	}

	var events []RetrievalEvent
	orch := newTestOrchestrator(svc, ec, func(ev RetrievalEvent) { events = append(events, ev) })

	cfg := ParseRetrievalConfig(map[string]interface{}{
		"queryTemplate": "q",
		"maxRetries":    float64(3),
	})
	res, err := orch.Run(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("expected soft handling without failOnError, got %v", err)
	}
	if len(res.Matches) != 0 {
		t.Errorf("expected no matches, got %d", len(res.Matches))
	}

	// Budget denial is terminal: no retries, no service calls.
	if svc.callCount() != 0 {
		t.Errorf("expected no service calls, got %d", svc.callCount())
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 denial event, got %d", len(events))
	}
	if events[0].Status != RetrievalStatusFailed {
		t.Errorf("expected failed status, got %q", events[0].Status)
	}
	if !strings.Contains(events[0].ErrorMessage, "maxRequests reached (1)") {
		t.Errorf("expected budget message, got %q", events[0].ErrorMessage)
	}
}

func TestOrchestrator_BudgetDenialFatalWithFailOnError(t *testing.T) {
	svc := newScriptedKnowledge()
	ec := NewExecutionContext(WithContextBudgets(1, 0, 0))
	if err := ec.BeginRetrieval(); err != nil {
		t.Fatalf("setup: %v", err)
	}

	orch := newTestOrchestrator(svc, ec, nil)
	cfg := ParseRetrievalConfig(map[string]interface{}{
		"queryTemplate": "q",
		"failOnError":   true,
	})
	_, err := orch.Run(context.Background(), cfg, nil)
	if err == nil {
		t.Fatal("expected fatal budget error")
	}
	if ErrorCode(err) != CodeRetrievalBudget {
		t.Errorf("expected RETRIEVAL_BUDGET, got %s", ErrorCode(err))
	}
}

func TestOrchestrator_FailOnErrorPropagatesServiceError(t *testing.T) {
	svc := newScriptedKnowledge()
	svc.script("q", scriptStep{err: errors.New("vector index corrupt")})

	ec := NewExecutionContext()
	orch := newTestOrchestrator(svc, ec, nil)

	cfg := ParseRetrievalConfig(map[string]interface{}{
		"queryTemplate": "q",
		"failOnError":   true,
	})
	_, err := orch.Run(context.Background(), cfg, nil)
	if err == nil {
		t.Fatal("expected error propagation with failOnError")
	}
	if !strings.Contains(err.Error(), "vector index corrupt") {
		t.Errorf("expected cause preserved, got %v", err)
	}

	if got := ec.Retrieval().TotalFailures; got != 1 {
		t.Errorf("expected 1 failure counted, got %d", got)
	}
}

func TestOrchestrator_SoftFailureWithoutFailOnError(t *testing.T) {
	svc := newScriptedKnowledge()
	svc.script("q", scriptStep{err: errors.New("transient")})

	ec := NewExecutionContext()
	orch := newTestOrchestrator(svc, ec, nil)

	cfg := ParseRetrievalConfig(map[string]interface{}{"queryTemplate": "q"})
	res, err := orch.Run(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("expected soft failure, got %v", err)
	}
	if len(res.Matches) != 0 {
		t.Errorf("expected empty matches, got %d", len(res.Matches))
	}
}

func TestOrchestrator_MinScoreFilters(t *testing.T) {
	svc := newScriptedKnowledge()
	svc.script("q", scriptStep{matches: []knowledge.Match{
		match("keep", 0.9),
		match("drop", 0.2),
	}})

	ec := NewExecutionContext()
	orch := newTestOrchestrator(svc, ec, nil)

	cfg := ParseRetrievalConfig(map[string]interface{}{
		"queryTemplate": "q",
		"minScore":      0.5,
	})
	res, err := orch.Run(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Matches) != 1 || res.Matches[0].ChunkID != "keep" {
		t.Errorf("expected only the high-score match, got %+v", res.Matches)
	}
}

func TestOrchestrator_MinMatchesClassifiesEmpty(t *testing.T) {
	svc := newScriptedKnowledge()
	svc.script("q", scriptStep{matches: []knowledge.Match{match("only", 0.9)}})

	ec := NewExecutionContext()
	var events []RetrievalEvent
	orch := newTestOrchestrator(svc, ec, func(ev RetrievalEvent) { events = append(events, ev) })

	cfg := ParseRetrievalConfig(map[string]interface{}{
		"queryTemplate": "q",
		"minMatches":    float64(3),
	})
	if _, err := orch.Run(context.Background(), cfg, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Status != RetrievalStatusEmpty {
		t.Errorf("expected attempt classified empty below minMatches, got %+v", events)
	}
}

func TestOrchestrator_SpeculativeEventOrdering(t *testing.T) {
	svc := newScriptedKnowledge()
	svc.script("q1", scriptStep{}, scriptStep{matches: []knowledge.Match{match("c1", 0.5)}})
	svc.script("q2", scriptStep{matches: []knowledge.Match{match("c2", 0.9)}})

	ec := NewExecutionContext()
	var events []RetrievalEvent
	orch := newTestOrchestrator(svc, ec, func(ev RetrievalEvent) { events = append(events, ev) })

	cfg := ParseRetrievalConfig(map[string]interface{}{
		"strategy":    "best-score",
		"speculative": true,
		"retrievers": []interface{}{
			map[string]interface{}{"key": "a", "queryTemplate": "q1", "maxRetries": float64(1)},
			map[string]interface{}{"key": "b", "queryTemplate": "q2"},
		},
	})
	res, err := orch.Run(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Orchestration.Speculative {
		t.Error("expected speculative orchestration recorded")
	}
	if res.Orchestration.SelectedRetrieverKey != "b" {
		t.Errorf("expected b selected, got %q", res.Orchestration.SelectedRetrieverKey)
	}

	// Events emit in plan order then attempt order even though the plans
	// ran concurrently.
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].RetrieverKey != "a" || events[0].Attempt != 1 {
		t.Errorf("expected a/1 first, got %s/%d", events[0].RetrieverKey, events[0].Attempt)
	}
	if events[1].RetrieverKey != "a" || events[1].Attempt != 2 {
		t.Errorf("expected a/2 second, got %s/%d", events[1].RetrieverKey, events[1].Attempt)
	}
	if events[2].RetrieverKey != "b" || events[2].Attempt != 1 {
		t.Errorf("expected b/1 third, got %s/%d", events[2].RetrieverKey, events[2].Attempt)
	}
	if !events[2].Selected {
		t.Error("expected b's success marked selected")
	}
}

func TestMoveKeyFirst(t *testing.T) {
	plans := []RetrieverPlan{{Key: "a"}, {Key: "b"}, {Key: "c"}}

	reordered := moveKeyFirst(plans, "c")
	if reordered[0].Key != "c" || reordered[1].Key != "a" || reordered[2].Key != "b" {
		t.Errorf("expected [c a b], got %v", []string{reordered[0].Key, reordered[1].Key, reordered[2].Key})
	}

	// Already first: unchanged.
	same := moveKeyFirst(plans, "a")
	if same[0].Key != "a" {
		t.Errorf("expected unchanged order, got %q first", same[0].Key)
	}

	// Unknown key: unchanged.
	unknown := moveKeyFirst(plans, "zz")
	if unknown[0].Key != "a" {
		t.Errorf("expected unchanged order, got %q first", unknown[0].Key)
	}
}

func TestRetrievalResultMap(t *testing.T) {
	res := &RetrievalResult{
		Query: "q",
		TopK:  5,
		Matches: []knowledge.Match{
			{ChunkID: "c1", CorpusID: "k", DocumentID: "d", ChunkIndex: 2, Score: 0.8, Content: "text", Title: "T"},
		},
		Orchestration: OrchestrationMeta{
			Strategy:             StrategyMerge,
			RetrieversTried:      []string{"a", "b"},
			SelectedRetrieverKey: "a",
			BranchCount:          2,
		},
	}

	m := retrievalResultMap(res)
	if m["query"] != "q" || m["topK"] != 5 {
		t.Errorf("expected query/topK carried, got %v", m)
	}
	matches, ok := AsSlice(m["matches"])
	if !ok || len(matches) != 1 {
		t.Fatalf("expected 1 match map, got %v", m["matches"])
	}
	mm, _ := AsMap(matches[0])
	if mm["chunkId"] != "c1" || mm["score"] != 0.8 || mm["title"] != "T" {
		t.Errorf("expected match fields, got %v", mm)
	}
	orch, _ := AsMap(m["orchestration"])
	if orch["strategy"] != StrategyMerge || orch["branchCount"] != 2 {
		t.Errorf("expected orchestration meta, got %v", orch)
	}
	tried, _ := AsSlice(orch["retrieversTried"])
	if len(tried) != 2 || tried[0] != "a" {
		t.Errorf("expected tried list, got %v", tried)
	}
}
