package flow

import "sync"

// ModelPricing defines input and output token costs in USD per 1M tokens.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Static pricing for the major providers. Models missing from the table
// cost zero; tokens are still counted. Update as providers adjust pricing.
var defaultModelPricing = map[string]ModelPricing{
	// OpenAI
	"gpt-4o":            {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-2024-08-06": {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":       {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":       {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo":     {InputPer1M: 0.50, OutputPer1M: 1.50},

	// Anthropic
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3.5-sonnet":          {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-opus":              {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"claude-3-haiku":             {InputPer1M: 0.25, OutputPer1M: 1.25},

	// Google
	"gemini-1.5-pro":   {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash": {InputPer1M: 0.075, OutputPer1M: 0.30},
	"gemini-1.0-pro":   {InputPer1M: 0.50, OutputPer1M: 1.50},
}

// EstimateCost prices one call against the static table. Unknown models
// cost zero.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	pricing, ok := defaultModelPricing[model]
	if !ok {
		return 0
	}
	inputCost := (float64(promptTokens) / 1_000_000.0) * pricing.InputPer1M
	outputCost := (float64(completionTokens) / 1_000_000.0) * pricing.OutputPer1M
	return inputCost + outputCost
}

// UsageTracker aggregates LLM token usage and estimated spend for one
// execution. The engine feeds it from completed step outputs and patches
// the running summary into knowledge["llm.usage"].
type UsageTracker struct {
	mu               sync.Mutex
	pricing          map[string]ModelPricing
	pricingOwned     bool
	calls            int
	promptTokens     int
	completionTokens int
	totalTokens      int
	costUSD          float64
	byProvider       map[string]*providerUsage
}

type providerUsage struct {
	calls            int
	promptTokens     int
	completionTokens int
	totalTokens      int
	costUSD          float64
}

// NewUsageTracker creates a tracker with the default pricing table.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		pricing:    defaultModelPricing,
		byProvider: make(map[string]*providerUsage),
	}
}

// SetPricing overrides the cost of one model for this tracker, for custom
// deployments or enterprise rates. The shared default table is copied on
// first write, never mutated.
func (t *UsageTracker) SetPricing(model string, inputPer1M, outputPer1M float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.pricingOwned {
		copied := make(map[string]ModelPricing, len(t.pricing)+1)
		for k, v := range t.pricing {
			copied[k] = v
		}
		t.pricing = copied
		t.pricingOwned = true
	}
	t.pricing[model] = ModelPricing{InputPer1M: inputPer1M, OutputPer1M: outputPer1M}
}

// Record adds one call's token usage and estimated cost.
func (t *UsageTracker) Record(provider, model string, promptTokens, completionTokens, totalTokens int) {
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var cost float64
	if pricing, ok := t.pricing[model]; ok {
		cost = (float64(promptTokens)/1_000_000.0)*pricing.InputPer1M +
			(float64(completionTokens)/1_000_000.0)*pricing.OutputPer1M
	}

	t.calls++
	t.promptTokens += promptTokens
	t.completionTokens += completionTokens
	t.totalTokens += totalTokens
	t.costUSD += cost

	pu := t.byProvider[provider]
	if pu == nil {
		pu = &providerUsage{}
		t.byProvider[provider] = pu
	}
	pu.calls++
	pu.promptTokens += promptTokens
	pu.completionTokens += completionTokens
	pu.totalTokens += totalTokens
	pu.costUSD += cost
}

// TotalTokens returns the aggregate token count.
func (t *UsageTracker) TotalTokens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalTokens
}

// CostUSD returns the aggregate estimated cost.
func (t *UsageTracker) CostUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.costUSD
}

// Summary renders the aggregate as the map stored under
// knowledge["llm.usage"].
func (t *UsageTracker) Summary() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	providers := make(map[string]interface{}, len(t.byProvider))
	for name, pu := range t.byProvider {
		providers[name] = map[string]interface{}{
			"calls":            pu.calls,
			"promptTokens":     pu.promptTokens,
			"completionTokens": pu.completionTokens,
			"totalTokens":      pu.totalTokens,
			"estimatedCostUsd": pu.costUSD,
		}
	}
	return map[string]interface{}{
		"calls":            t.calls,
		"promptTokens":     t.promptTokens,
		"completionTokens": t.completionTokens,
		"totalTokens":      t.totalTokens,
		"estimatedCostUsd": t.costUSD,
		"byProvider":       providers,
	}
}
