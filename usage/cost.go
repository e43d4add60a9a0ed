// Package usage tracks LLM token usage and cost attribution across a run,
// from the node id, model and token counts passed to Tracker.Record. It is
// an optional add-on: the scheduler never requires a Tracker to function.
package usage

import (
	"fmt"
	"sync"
	"time"

	"github.com/dipeo/dipeo-engine/diagram"
)

// ModelPricing is the per-1M-token USD cost for a model's input and output
// tokens.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// defaultPricing mirrors the major providers wired into handlers/personjob:
// Anthropic, OpenAI, and Google Gemini. Prices are illustrative static
// figures, not a live feed; callers needing current pricing should call
// SetCustomPricing.
var defaultPricing = map[string]ModelPricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":                {InputPer1M: 10.00, OutputPer1M: 30.00},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// Call is one recorded PERSON_JOB invocation's token usage and cost.
type Call struct {
	NodeID       diagram.NodeID
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	At           time.Time
}

// Tracker accumulates token usage and cost across a run's PERSON_JOB
// activations. Thread-safe: multiple worker goroutines may record
// concurrently.
type Tracker struct {
	mu sync.RWMutex

	runID    string
	currency string
	pricing  map[string]ModelPricing
	calls    []Call

	totalCost    float64
	costByModel  map[string]float64
	inputTokens  int64
	outputTokens int64
	enabled      bool
}

// NewTracker constructs a Tracker seeded with the default pricing table.
func NewTracker(runID, currency string) *Tracker {
	pricing := make(map[string]ModelPricing, len(defaultPricing))
	for k, v := range defaultPricing {
		pricing[k] = v
	}
	return &Tracker{
		runID:       runID,
		currency:    currency,
		pricing:     pricing,
		costByModel: make(map[string]float64),
		enabled:     true,
	}
}

// Record accounts for one PERSON_JOB call's token usage, computing cost
// from the tracker's pricing table (zero cost for unknown models, recorded
// nonetheless so token totals stay accurate).
func (t *Tracker) Record(nodeID diagram.NodeID, model string, inputTokens, outputTokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}

	pricing := t.pricing[model]
	cost := (float64(inputTokens)/1_000_000.0)*pricing.InputPer1M + (float64(outputTokens)/1_000_000.0)*pricing.OutputPer1M

	t.calls = append(t.calls, Call{
		NodeID:       nodeID,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
		At:           time.Now(),
	})
	t.totalCost += cost
	t.costByModel[model] += cost
	t.inputTokens += int64(inputTokens)
	t.outputTokens += int64(outputTokens)
}

// TotalCost returns the cumulative cost recorded so far.
func (t *Tracker) TotalCost() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalCost
}

// CostByModel returns a copy of the per-model cost breakdown.
func (t *Tracker) CostByModel() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]float64, len(t.costByModel))
	for k, v := range t.costByModel {
		out[k] = v
	}
	return out
}

// CallHistory returns a copy of every recorded call, in chronological order.
func (t *Tracker) CallHistory() []Call {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Call, len(t.calls))
	copy(out, t.calls)
	return out
}

// TokenUsage returns total input and output tokens recorded so far.
func (t *Tracker) TokenUsage() (input, output int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inputTokens, t.outputTokens
}

// SetCustomPricing overrides (or adds) pricing for a model.
func (t *Tracker) SetCustomPricing(model string, inputPer1M, outputPer1M float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing[model] = ModelPricing{InputPer1M: inputPer1M, OutputPer1M: outputPer1M}
}

// Disable stops recording new calls without discarding history.
func (t *Tracker) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = false
}

// Enable resumes recording after Disable.
func (t *Tracker) Enable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = true
}

// String summarizes the tracker for logging.
func (t *Tracker) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return fmt.Sprintf("usage.Tracker{runID: %s, calls: %d, totalCost: $%.4f %s, inputTokens: %d, outputTokens: %d}",
		t.runID, len(t.calls), t.totalCost, t.currency, t.inputTokens, t.outputTokens)
}
