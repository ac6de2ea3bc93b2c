package flow

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dshills/flowrun-go/flow/knowledge"
)

// Retrieval attempt outcomes. FinishRetrieval maps them onto the context
// counters; RetrievalEvent carries them to observers.
const (
	RetrievalStatusSuccess = "success"
	RetrievalStatusEmpty   = "empty"
	RetrievalStatusFailed  = "failed"
)

// Retrieval strategies over multiple retriever plans.
const (
	StrategySingle        = "single"
	StrategyMerge         = "merge"
	StrategyFirstNonEmpty = "first-non-empty"
	StrategyBestScore     = "best-score"
	StrategyAdaptive      = "adaptive"
)

// Retriever plan defaults.
const (
	DefaultRetrievalTopK       = 5
	DefaultRetrievalMinMatches = 1

	// DefaultInjectKey is where the runner places the retrieval result in
	// the node's input data unless the config names another key.
	DefaultInjectKey = "_knowledge"
)

// RetrieverPlan is one resolved retrieval branch: a query template, its
// fallback, and the knobs governing attempts, filtering, and scope.
type RetrieverPlan struct {
	Key                   string
	QueryTemplate         string
	FallbackQueryTemplate string
	TopK                  int
	MaxRetries            int // extra attempts after the first
	RetryDelayMs          int
	MinMatches            int
	MinScore              float64
	FailOnError           bool
	ScopeType             string // user|workflow|execution
	WorkflowIDScope       string
	ExecutionIDScope      string
	CorpusID              string
}

// maxAttempts is the largest number of attempts the plan can issue: the
// primary query 1+MaxRetries times plus one fallback attempt when a
// fallback template exists.
func (p RetrieverPlan) maxAttempts() int {
	n := 1 + p.MaxRetries
	if p.FallbackQueryTemplate != "" {
		n++
	}
	return n
}

// RetrievalConfig is a node's parsed retrieval opt-in: the retriever plans
// and the strategy that selects among their results.
type RetrievalConfig struct {
	Retrievers                  []RetrieverPlan
	Strategy                    string
	Speculative                 bool
	PreferredRetrieverMemoryKey string
	InjectAs                    string
}

// RetrievalEvent records one retriever attempt, including attempts denied
// by the budget gate. Exactly one event exists per attempt.
type RetrievalEvent struct {
	NodeID           string  `json:"nodeId"`
	NodeType         string  `json:"nodeType"`
	Query            string  `json:"query"`
	TopK             int     `json:"topK"`
	Attempt          int     `json:"attempt"`
	MaxAttempts      int     `json:"maxAttempts"`
	Status           string  `json:"status"`
	MatchesCount     int     `json:"matchesCount"`
	DurationMs       int64   `json:"durationMs"`
	ErrorMessage     string  `json:"errorMessage,omitempty"`
	ScopeType        string  `json:"scopeType,omitempty"`
	CorpusID         string  `json:"corpusId,omitempty"`
	WorkflowIDScope  string  `json:"workflowIdScope,omitempty"`
	ExecutionIDScope string  `json:"executionIdScope,omitempty"`
	Strategy         string  `json:"strategy"`
	RetrieverKey     string  `json:"retrieverKey"`
	BranchIndex      int     `json:"branchIndex"`
	Selected         bool    `json:"selected"`
}

// RetrievalResult is what the runner injects into the node's input.
type RetrievalResult struct {
	Query         string
	TopK          int
	Matches       []knowledge.Match
	Orchestration OrchestrationMeta
}

// OrchestrationMeta describes how the result was produced.
type OrchestrationMeta struct {
	Strategy             string
	Speculative          bool
	RetrieversTried      []string
	SelectedRetrieverKey string
	BranchCount          int
}

// ParseRetrievalConfig reads a retrieval opt-in from a node config map. The
// map is either the value of config["retrieval"] or, for the dedicated
// retrieve node, the whole config. A config with neither a retrievers list
// nor a top-level query template parses to nil.
func ParseRetrievalConfig(raw map[string]interface{}) *RetrievalConfig {
	if raw == nil {
		return nil
	}

	cfg := &RetrievalConfig{
		Strategy: StrategySingle,
		InjectAs: DefaultInjectKey,
	}
	if s, ok := AsString(raw["strategy"]); ok && s != "" {
		cfg.Strategy = strings.ToLower(strings.TrimSpace(s))
	}
	if b, ok := AsBool(raw["speculative"]); ok {
		cfg.Speculative = b
	}
	if s, ok := AsString(raw["preferredRetrieverMemoryKey"]); ok {
		cfg.PreferredRetrieverMemoryKey = s
	}
	if s, ok := AsString(raw["injectAs"]); ok && s != "" {
		cfg.InjectAs = s
	} else if s, ok := AsString(raw["outputKey"]); ok && s != "" {
		cfg.InjectAs = s
	}

	if list, ok := AsSlice(raw["retrievers"]); ok {
		for i, item := range list {
			m, ok := AsMap(item)
			if !ok {
				continue
			}
			cfg.Retrievers = append(cfg.Retrievers, parseRetrieverPlan(m, i))
		}
	}
	if len(cfg.Retrievers) == 0 {
		// Single-retriever shorthand: the plan fields live at the top level.
		plan := parseRetrieverPlan(raw, 0)
		if plan.QueryTemplate == "" {
			return nil
		}
		cfg.Retrievers = []RetrieverPlan{plan}
	}

	switch cfg.Strategy {
	case StrategySingle, StrategyMerge, StrategyFirstNonEmpty, StrategyBestScore, StrategyAdaptive:
	default:
		cfg.Strategy = StrategySingle
	}
	return cfg
}

func parseRetrieverPlan(raw map[string]interface{}, index int) RetrieverPlan {
	plan := RetrieverPlan{
		TopK:       DefaultRetrievalTopK,
		MinMatches: DefaultRetrievalMinMatches,
	}
	if s, ok := AsString(raw["key"]); ok && s != "" {
		plan.Key = s
	} else {
		plan.Key = "retriever-" + strconv.Itoa(index)
	}
	if s, ok := AsString(raw["queryTemplate"]); ok && s != "" {
		plan.QueryTemplate = s
	} else if s, ok := AsString(raw["query"]); ok {
		plan.QueryTemplate = s
	}
	if s, ok := AsString(raw["fallbackQueryTemplate"]); ok {
		plan.FallbackQueryTemplate = s
	}
	if n, ok := AsInt(raw["topK"]); ok && n > 0 {
		plan.TopK = n
	}
	if n, ok := AsInt(raw["maxRetries"]); ok && n >= 0 {
		plan.MaxRetries = n
	}
	if n, ok := AsInt(raw["retryDelayMs"]); ok && n > 0 {
		plan.RetryDelayMs = n
	}
	if n, ok := AsInt(raw["minMatches"]); ok && n > 0 {
		plan.MinMatches = n
	}
	if f, ok := AsFloat(raw["minScore"]); ok && f > 0 {
		plan.MinScore = f
	}
	if b, ok := AsBool(raw["failOnError"]); ok {
		plan.FailOnError = b
	}
	if s, ok := AsString(raw["scopeType"]); ok {
		plan.ScopeType = strings.ToLower(strings.TrimSpace(s))
	}
	if s, ok := AsString(raw["workflowIdScope"]); ok {
		plan.WorkflowIDScope = s
	}
	if s, ok := AsString(raw["executionIdScope"]); ok {
		plan.ExecutionIDScope = s
	}
	if s, ok := AsString(raw["corpusId"]); ok {
		plan.CorpusID = s
	}
	return plan
}

// orchestrator runs the retriever plans of one node against the knowledge
// service, gating every call through the execution context's budget.
type orchestrator struct {
	svc     knowledge.Service
	ec      *ExecutionContext
	onEvent func(RetrievalEvent)
	sleep   func(context.Context, time.Duration)
	clock   func() time.Time

	executionID string
	workflowID  string
	userID      string
	nodeID      string
	nodeType    string
}

// planOutcome is the terminal state of one retriever plan.
type planOutcome struct {
	plan      RetrieverPlan
	branch    int
	query     string // query of the final attempt
	matches   []knowledge.Match
	satisfied bool // final attempt was a success
	tried     bool // at least one retrieve call was issued
	err       error
	events    []RetrievalEvent
	selected  int // index into events of the final success, -1 otherwise
}

// Run executes the configured plans and selects a result per the strategy.
// The returned error is non-nil only for fatal plan or budget errors
// (FailOnError); soft failures surface as empty matches.
func (o *orchestrator) Run(ctx context.Context, cfg *RetrievalConfig, data map[string]interface{}) (*RetrievalResult, error) {
	plans := cfg.Retrievers
	if cfg.Strategy == StrategySingle && len(plans) > 1 {
		plans = plans[:1]
	}
	if cfg.Strategy == StrategyAdaptive && cfg.PreferredRetrieverMemoryKey != "" {
		if preferred, ok := o.ec.GetMemory(cfg.PreferredRetrieverMemoryKey); ok {
			if key, ok := AsString(preferred); ok {
				plans = moveKeyFirst(plans, key)
			}
		}
	}

	sequential := !cfg.Speculative || cfg.Strategy == StrategySingle
	var outcomes []*planOutcome
	if sequential {
		outcomes = o.runSequential(ctx, cfg, plans, data)
	} else {
		outcomes = o.runSpeculative(ctx, cfg, plans, data)
	}

	result, winner, err := o.selectResult(cfg, plans, outcomes)
	if winner != nil && winner.selected >= 0 {
		winner.events[winner.selected].Selected = true
	}
	o.emitAll(outcomes)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// runSequential executes plans in order. first-non-empty and adaptive stop
// at the first satisfied plan; a fatal plan error stops the walk.
func (o *orchestrator) runSequential(ctx context.Context, cfg *RetrievalConfig, plans []RetrieverPlan, data map[string]interface{}) []*planOutcome {
	stopOnFirst := cfg.Strategy == StrategyFirstNonEmpty || cfg.Strategy == StrategyAdaptive
	outcomes := make([]*planOutcome, 0, len(plans))
	for i, plan := range plans {
		out := o.runPlan(ctx, cfg, plan, i, data)
		outcomes = append(outcomes, out)
		if out.err != nil && plan.FailOnError {
			break
		}
		if stopOnFirst && out.satisfied {
			break
		}
	}
	return outcomes
}

// runSpeculative executes every plan concurrently. Budget checks serialize
// through the context mutex; event buffers stay per plan, so ordering is
// restored at emission time.
func (o *orchestrator) runSpeculative(ctx context.Context, cfg *RetrievalConfig, plans []RetrieverPlan, data map[string]interface{}) []*planOutcome {
	outcomes := make([]*planOutcome, len(plans))
	var wg sync.WaitGroup
	for i, plan := range plans {
		wg.Add(1)
		go func(i int, plan RetrieverPlan) {
			defer wg.Done()
			outcomes[i] = o.runPlan(ctx, cfg, plan, i, data)
		}(i, plan)
	}
	wg.Wait()
	return outcomes
}

// runPlan drives one plan to its terminal state: up to 1+MaxRetries primary
// attempts, then one fallback attempt when the last outcome was empty.
func (o *orchestrator) runPlan(ctx context.Context, cfg *RetrievalConfig, plan RetrieverPlan, branch int, data map[string]interface{}) *planOutcome {
	out := &planOutcome{plan: plan, branch: branch, selected: -1}
	out.query = Interpolate(plan.QueryTemplate, data)

	maxAttempts := plan.maxAttempts()
	attempt := 0
	primaryAttempts := 1 + plan.MaxRetries

	record := func(ev RetrievalEvent) {
		out.events = append(out.events, ev)
	}

	lastEmpty := false
	for attempt < primaryAttempts {
		attempt++
		status, matches, err := o.attempt(ctx, cfg, plan, branch, attempt, maxAttempts, out.query, record)
		switch status {
		case RetrievalStatusSuccess:
			out.matches = matches
			out.satisfied = true
			out.tried = true
			out.selected = len(out.events) - 1
			return out
		case RetrievalStatusEmpty:
			out.tried = true
			out.matches = matches
			lastEmpty = true
		case RetrievalStatusFailed:
			if err != nil && ErrorCode(err) == CodeRetrievalBudget {
				// Budget denial is terminal: the counters only grow, so
				// retrying the same plan cannot succeed.
				out.err = err
				return out
			}
			out.tried = true
			out.err = err
			lastEmpty = false
		}
		if attempt < primaryAttempts {
			o.delay(ctx, plan.RetryDelayMs)
		}
	}

	if lastEmpty && plan.FallbackQueryTemplate != "" {
		attempt++
		fallbackQuery := Interpolate(plan.FallbackQueryTemplate, data)
		out.query = fallbackQuery
		status, matches, err := o.attempt(ctx, cfg, plan, branch, attempt, maxAttempts, fallbackQuery, record)
		switch status {
		case RetrievalStatusSuccess:
			out.matches = matches
			out.satisfied = true
			out.tried = true
			out.err = nil
			out.selected = len(out.events) - 1
		case RetrievalStatusEmpty:
			out.tried = true
			out.matches = matches
			out.err = nil
		case RetrievalStatusFailed:
			if err != nil && ErrorCode(err) == CodeRetrievalBudget {
				out.err = err
				return out
			}
			out.tried = true
			out.err = err
		}
	}
	return out
}

// attempt issues one gated retrieve call and records its event. The
// returned status is the attempt's classification; err is set for failed
// attempts (including budget denials).
func (o *orchestrator) attempt(ctx context.Context, cfg *RetrievalConfig, plan RetrieverPlan, branch, attempt, maxAttempts int, query string, record func(RetrievalEvent)) (string, []knowledge.Match, error) {
	ev := RetrievalEvent{
		NodeID:           o.nodeID,
		NodeType:         o.nodeType,
		Query:            query,
		TopK:             plan.TopK,
		Attempt:          attempt,
		MaxAttempts:      maxAttempts,
		ScopeType:        plan.ScopeType,
		CorpusID:         plan.CorpusID,
		WorkflowIDScope:  plan.WorkflowIDScope,
		ExecutionIDScope: plan.ExecutionIDScope,
		Strategy:         cfg.Strategy,
		RetrieverKey:     plan.Key,
		BranchIndex:      branch,
	}

	if err := o.ec.BeginRetrieval(); err != nil {
		ev.Status = RetrievalStatusFailed
		ev.ErrorMessage = err.Error()
		record(ev)
		return RetrievalStatusFailed, nil, err
	}

	start := o.clock()
	res, err := o.svc.Retrieve(ctx, knowledge.RetrieveRequest{
		ExecutionID:      o.executionID,
		WorkflowID:       o.workflowID,
		UserID:           o.userID,
		NodeID:           o.nodeID,
		Query:            query,
		TopK:             plan.TopK,
		CorpusID:         plan.CorpusID,
		ScopeType:        plan.ScopeType,
		WorkflowIDScope:  plan.WorkflowIDScope,
		ExecutionIDScope: plan.ExecutionIDScope,
	})
	durationMs := o.clock().Sub(start).Milliseconds()
	ev.DurationMs = durationMs

	if err != nil {
		ev.Status = RetrievalStatusFailed
		ev.ErrorMessage = sanitizeErrorMessage(err)
		record(ev)
		o.ec.FinishRetrieval(RetrievalStatusFailed, durationMs)
		return RetrievalStatusFailed, nil, err
	}

	matches := filterByScore(res.Matches, plan.MinScore)
	ev.MatchesCount = len(matches)
	if len(matches) >= plan.MinMatches {
		ev.Status = RetrievalStatusSuccess
		record(ev)
		o.ec.FinishRetrieval(RetrievalStatusSuccess, durationMs)
		return RetrievalStatusSuccess, matches, nil
	}
	ev.Status = RetrievalStatusEmpty
	record(ev)
	o.ec.FinishRetrieval(RetrievalStatusEmpty, durationMs)
	return RetrievalStatusEmpty, matches, nil
}

func (o *orchestrator) delay(ctx context.Context, delayMs int) {
	if delayMs <= 0 {
		return
	}
	o.sleep(ctx, time.Duration(delayMs)*time.Millisecond)
}

// selectResult applies the strategy over the per-plan outcomes. It returns
// the winning outcome (nil for merge or when nothing satisfied) so its
// final success event can be marked Selected.
func (o *orchestrator) selectResult(cfg *RetrievalConfig, plans []RetrieverPlan, outcomes []*planOutcome) (*RetrievalResult, *planOutcome, error) {
	// A fatal plan error outranks any selection.
	for _, out := range outcomes {
		if out.err != nil && out.plan.FailOnError {
			return nil, nil, out.err
		}
	}

	meta := OrchestrationMeta{
		Strategy:    cfg.Strategy,
		Speculative: cfg.Speculative && cfg.Strategy != StrategySingle,
		BranchCount: len(plans),
	}
	for _, out := range outcomes {
		if out.tried {
			meta.RetrieversTried = append(meta.RetrieversTried, out.plan.Key)
		}
	}

	var winner *planOutcome
	switch cfg.Strategy {
	case StrategyMerge:
		return mergeOutcomes(outcomes, meta), nil, nil
	case StrategyBestScore:
		winner = bestScoreOutcome(outcomes)
	default: // single, first-non-empty, adaptive
		for _, out := range outcomes {
			if out.satisfied {
				winner = out
				break
			}
		}
		if winner == nil && len(outcomes) > 0 && cfg.Strategy != StrategySingle {
			last := outcomes[len(outcomes)-1]
			res := &RetrievalResult{
				Query:         last.query,
				TopK:          last.plan.TopK,
				Matches:       last.matches,
				Orchestration: meta,
			}
			return res, nil, nil
		}
		if winner == nil && len(outcomes) > 0 {
			// single with no success: surface the plan's (possibly empty)
			// matches without marking a selection.
			only := outcomes[0]
			res := &RetrievalResult{
				Query:         only.query,
				TopK:          only.plan.TopK,
				Matches:       only.matches,
				Orchestration: meta,
			}
			return res, nil, nil
		}
	}

	if winner == nil {
		var query string
		var topK int
		if len(outcomes) > 0 {
			query = outcomes[0].query
			topK = outcomes[0].plan.TopK
		}
		return &RetrievalResult{Query: query, TopK: topK, Orchestration: meta}, nil, nil
	}

	meta.SelectedRetrieverKey = winner.plan.Key
	res := &RetrievalResult{
		Query:         winner.query,
		TopK:          winner.plan.TopK,
		Matches:       winner.matches,
		Orchestration: meta,
	}
	return res, winner, nil
}

// mergeOutcomes unions every plan's matches, deduplicates by chunk keeping
// the higher score, sorts by score descending (stable, earlier plan wins
// ties), and truncates to the largest TopK across plans.
func mergeOutcomes(outcomes []*planOutcome, meta OrchestrationMeta) *RetrievalResult {
	type ranked struct {
		match knowledge.Match
		order int
	}
	seen := make(map[string]int) // chunk ID -> index into merged
	var merged []ranked
	order := 0
	maxTopK := 0
	query := ""
	for _, out := range outcomes {
		if query == "" {
			query = out.query
		}
		if out.plan.TopK > maxTopK {
			maxTopK = out.plan.TopK
		}
		for _, m := range out.matches {
			if idx, dup := seen[m.ChunkID]; dup {
				if m.Score > merged[idx].match.Score {
					merged[idx].match = m
				}
				continue
			}
			seen[m.ChunkID] = len(merged)
			merged = append(merged, ranked{match: m, order: order})
			order++
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].match.Score != merged[j].match.Score {
			return merged[i].match.Score > merged[j].match.Score
		}
		return merged[i].order < merged[j].order
	})
	if maxTopK > 0 && len(merged) > maxTopK {
		merged = merged[:maxTopK]
	}
	matches := make([]knowledge.Match, len(merged))
	for i, r := range merged {
		matches[i] = r.match
	}
	return &RetrievalResult{
		Query:         query,
		TopK:          maxTopK,
		Matches:       matches,
		Orchestration: meta,
	}
}

// bestScoreOutcome picks the plan whose top-1 match scores highest; ties
// break by larger match count, then by lexicographically smaller key.
func bestScoreOutcome(outcomes []*planOutcome) *planOutcome {
	var best *planOutcome
	for _, out := range outcomes {
		if len(out.matches) == 0 {
			continue
		}
		if best == nil {
			best = out
			continue
		}
		switch {
		case out.matches[0].Score > best.matches[0].Score:
			best = out
		case out.matches[0].Score == best.matches[0].Score && len(out.matches) > len(best.matches):
			best = out
		case out.matches[0].Score == best.matches[0].Score && len(out.matches) == len(best.matches) &&
			out.plan.Key < best.plan.Key:
			best = out
		}
	}
	return best
}

// emitAll flushes the buffered events in plan order then attempt order.
func (o *orchestrator) emitAll(outcomes []*planOutcome) {
	if o.onEvent == nil {
		return
	}
	for _, out := range outcomes {
		for _, ev := range out.events {
			o.onEvent(ev)
		}
	}
}

func filterByScore(matches []knowledge.Match, minScore float64) []knowledge.Match {
	if minScore <= 0 {
		return matches
	}
	filtered := make([]knowledge.Match, 0, len(matches))
	for _, m := range matches {
		if m.Score >= minScore {
			filtered = append(filtered, m)
		}
	}
	return filtered
}

func moveKeyFirst(plans []RetrieverPlan, key string) []RetrieverPlan {
	for i, p := range plans {
		if p.Key == key && i > 0 {
			reordered := make([]RetrieverPlan, 0, len(plans))
			reordered = append(reordered, p)
			reordered = append(reordered, plans[:i]...)
			reordered = append(reordered, plans[i+1:]...)
			return reordered
		}
	}
	return plans
}

// retrievalResultMap renders a result as the loosely typed map nodes see
// under the inject key.
func retrievalResultMap(res *RetrievalResult) map[string]interface{} {
	matches := make([]interface{}, len(res.Matches))
	for i, m := range res.Matches {
		matches[i] = matchMap(m)
	}
	tried := make([]interface{}, len(res.Orchestration.RetrieversTried))
	for i, k := range res.Orchestration.RetrieversTried {
		tried[i] = k
	}
	return map[string]interface{}{
		"query":   res.Query,
		"topK":    res.TopK,
		"matches": matches,
		"orchestration": map[string]interface{}{
			"strategy":             res.Orchestration.Strategy,
			"speculative":          res.Orchestration.Speculative,
			"retrieversTried":      tried,
			"selectedRetrieverKey": res.Orchestration.SelectedRetrieverKey,
			"branchCount":          res.Orchestration.BranchCount,
		},
	}
}

func matchMap(m knowledge.Match) map[string]interface{} {
	out := map[string]interface{}{
		"chunkId":    m.ChunkID,
		"corpusId":   m.CorpusID,
		"documentId": m.DocumentID,
		"chunkIndex": m.ChunkIndex,
		"score":      m.Score,
		"content":    m.Content,
	}
	if m.Title != "" {
		out["title"] = m.Title
	}
	if m.SourceType != "" {
		out["sourceType"] = m.SourceType
	}
	if len(m.Metadata) > 0 {
		out["metadata"] = deepCopyMap(m.Metadata)
	}
	return out
}
