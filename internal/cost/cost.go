// Package cost aggregates token usage across the model calls of one run and
// prices it against a per-model table.
package cost

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/clue/log"
)

// Price is the USD cost of one input and one output token.
type Price struct {
	Input  float64 `yaml:"input" json:"input"`
	Output float64 `yaml:"output" json:"output"`
}

// Pricer looks up the price of a model.
type Pricer interface {
	Price(modelID string) (Price, bool)
}

// Record is one model call.
type Record struct {
	AgentName    string
	ModelID      string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// Summary is the priced total of a run.
type Summary struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Calls        int
	Uncosted     []string
}

// Accumulator collects call records for one run. It is safe for concurrent
// use.
type Accumulator struct {
	mu      sync.Mutex
	records []Record
}

// Add appends a call record.
func (a *Accumulator) Add(r Record) {
	a.mu.Lock()
	a.records = append(a.records, r)
	a.mu.Unlock()
}

// Records returns a copy of the records so far.
func (a *Accumulator) Records() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Record, len(a.records))
	copy(out, a.records)
	return out
}

// Summarize totals the records. Tokens of models the pricer does not know
// are counted but not priced; those models are logged and listed in
// Summary.Uncosted.
func (a *Accumulator) Summarize(ctx context.Context, p Pricer) Summary {
	var s Summary
	uncosted := map[string]bool{}
	for _, r := range a.Records() {
		s.Calls++
		s.InputTokens += r.InputTokens
		s.OutputTokens += r.OutputTokens
		price, ok := Price{}, false
		if p != nil {
			price, ok = p.Price(r.ModelID)
		}
		if !ok {
			log.Warn(ctx, log.KV{K: "msg", V: "model not costed"},
				log.KV{K: "model_id", V: r.ModelID}, log.KV{K: "agent", V: r.AgentName})
			uncosted[r.ModelID] = true
			continue
		}
		call := float64(r.InputTokens)*price.Input + float64(r.OutputTokens)*price.Output
		s.CostUSD += call
		log.Debug(ctx, log.KV{K: "agent", V: r.AgentName}, log.KV{K: "model_id", V: r.ModelID},
			log.KV{K: "input", V: r.InputTokens}, log.KV{K: "output", V: r.OutputTokens},
			log.KV{K: "seconds", V: r.Duration.Seconds()}, log.KV{K: "cost_usd", V: call})
	}
	for m := range uncosted {
		s.Uncosted = append(s.Uncosted, m)
	}
	sort.Strings(s.Uncosted)
	log.Info(ctx, log.KV{K: "msg", V: "run cost"}, log.KV{K: "input_tokens", V: s.InputTokens},
		log.KV{K: "output_tokens", V: s.OutputTokens}, log.KV{K: "cost_usd", V: s.CostUSD})
	return s
}
