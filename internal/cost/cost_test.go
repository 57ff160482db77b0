package cost

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizeUncostedModel(t *testing.T) {
	var acc Accumulator
	acc.Add(Record{AgentName: "research", ModelID: "A", InputTokens: 100, OutputTokens: 50})
	acc.Add(Record{AgentName: "compose", ModelID: "B"})

	table := NewTable(map[string]Price{"A": {Input: 0.001, Output: 0.002}})
	s := acc.Summarize(context.Background(), table)

	assert.InDelta(t, 0.2, s.CostUSD, 1e-12)
	assert.Equal(t, 100, s.InputTokens)
	assert.Equal(t, 50, s.OutputTokens)
	assert.Equal(t, 2, s.Calls)
	assert.Equal(t, []string{"B"}, s.Uncosted)
}

func TestSummarizeEmpty(t *testing.T) {
	var acc Accumulator
	s := acc.Summarize(context.Background(), nil)
	assert.Zero(t, s.CostUSD)
	assert.Zero(t, s.Calls)
	assert.Empty(t, s.Uncosted)
}

func TestSummarizeNilPricerCountsTokens(t *testing.T) {
	var acc Accumulator
	acc.Add(Record{ModelID: "x", InputTokens: 3, OutputTokens: 4})
	s := acc.Summarize(context.Background(), nil)
	assert.Equal(t, 3, s.InputTokens)
	assert.Equal(t, 4, s.OutputTokens)
	assert.Equal(t, []string{"x"}, s.Uncosted)
}

func TestSummarizeIsLinearProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)
	table := NewTable(map[string]Price{"m": {Input: 0.5, Output: 0.25}})

	properties.Property("cost is the sum of per-call costs", prop.ForAll(
		func(ins []int, outs []int) bool {
			var acc Accumulator
			want := 0.0
			tokIn := 0
			for i := range ins {
				out := 0
				if i < len(outs) {
					out = outs[i]
				}
				acc.Add(Record{ModelID: "m", InputTokens: ins[i], OutputTokens: out})
				want += float64(ins[i])*0.5 + float64(out)*0.25
				tokIn += ins[i]
			}
			s := acc.Summarize(context.Background(), table)
			return math.Abs(s.CostUSD-want) < 1e-6 && s.InputTokens == tokIn && s.Calls == len(ins)
		},
		gen.SliceOf(gen.IntRange(0, 100000)),
		gen.SliceOf(gen.IntRange(0, 100000)),
	))
	properties.TestingRun(t)
}

func TestDefaultPrices(t *testing.T) {
	table := NewTable(DefaultPrices)
	p, ok := table.Price("gpt-4o")
	require.True(t, ok)
	assert.InDelta(t, 0.005/1000, p.Input, 1e-15)
	_, ok = table.Price("llama3")
	assert.False(t, ok)
}

func TestParsePricesUnits(t *testing.T) {
	prices, err := ParsePrices([]byte("unit: per_1k\nmodels:\n  m: {input: 2, output: 4}\n"))
	require.NoError(t, err)
	assert.InDelta(t, 0.002, prices["m"].Input, 1e-12)
	assert.InDelta(t, 0.004, prices["m"].Output, 1e-12)

	prices, err = ParsePrices([]byte("models:\n  m: {input: 0.1, output: 0.2}\n"))
	require.NoError(t, err)
	assert.InDelta(t, 0.1, prices["m"].Input, 1e-12)

	_, err = ParsePrices([]byte("unit: per_week\n"))
	assert.Error(t, err)
	_, err = ParsePrices([]byte("models:\n  m: {input: -1, output: 0}\n"))
	assert.Error(t, err)
}

func TestLoadMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models:\n  llama3: {input: 0, output: 0}\n"), 0o644))

	table := NewTable(nil)
	require.NoError(t, table.Load(path))
	_, ok := table.Price("llama3")
	assert.True(t, ok)
	_, ok = table.Price("gpt-4o")
	assert.True(t, ok)
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models:\n  a: {input: 1, output: 1}\n"), 0o644))

	table := NewTable(nil)
	require.NoError(t, table.Load(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, table.Watch(ctx, path))

	require.NoError(t, os.WriteFile(path, []byte("models:\n  b: {input: 1, output: 1}\n"), 0o644))
	assert.Eventually(t, func() bool {
		_, ok := table.Price("b")
		return ok
	}, 5*time.Second, 50*time.Millisecond)
}
