package cost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"goa.design/clue/log"
	"gopkg.in/yaml.v3"
)

// DefaultPrices are per-token USD prices used when no pricing file is set.
var DefaultPrices = map[string]Price{
	"gpt-4o":                         {Input: 0.005 / 1000, Output: 0.015 / 1000},
	"gpt-4-turbo-preview":            {Input: 0.01 / 1000, Output: 0.03 / 1000},
	"gpt-3.5-turbo-0125":             {Input: 0.0005 / 1000, Output: 0.0015 / 1000},
	"gemini-2.0-flash-001":           {Input: 0.000125 / 1000, Output: 0.000125 / 1000},
	"gpt-4.1-mini":                   {Input: 0.00015 / 1000, Output: 0.0016 / 1000},
	"gemini-2.5-flash-preview-05-20": {Input: 0.0004 / 1000, Output: 0.0006 / 1000},
}

// Table is a concurrency-safe price table that can be reloaded from disk.
type Table struct {
	mu     sync.RWMutex
	prices map[string]Price
}

// NewTable returns a table holding a copy of prices.
func NewTable(prices map[string]Price) *Table {
	t := &Table{}
	t.set(prices)
	return t
}

// Price implements Pricer.
func (t *Table) Price(modelID string) (Price, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.prices[modelID]
	return p, ok
}

// Len returns the number of priced models.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.prices)
}

func (t *Table) set(prices map[string]Price) {
	m := make(map[string]Price, len(prices))
	for k, v := range prices {
		m[k] = v
	}
	t.mu.Lock()
	t.prices = m
	t.mu.Unlock()
}

// pricingFile is the on-disk layout:
//
//	unit: per_1k        # or per_token (default)
//	models:
//	  gpt-4o: {input: 0.005, output: 0.015}
type pricingFile struct {
	Unit   string           `yaml:"unit"`
	Models map[string]Price `yaml:"models"`
}

// ParsePrices decodes a pricing document into per-token prices.
func ParsePrices(data []byte) (map[string]Price, error) {
	var f pricingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode pricing: %w", err)
	}
	div := 1.0
	switch strings.ToLower(strings.TrimSpace(f.Unit)) {
	case "", "per_token":
	case "per_1k", "per_1000":
		div = 1000
	case "per_1m", "per_million":
		div = 1_000_000
	default:
		return nil, fmt.Errorf("unknown pricing unit %q", f.Unit)
	}
	out := make(map[string]Price, len(f.Models))
	for id, p := range f.Models {
		if p.Input < 0 || p.Output < 0 {
			return nil, fmt.Errorf("negative price for %s", id)
		}
		out[id] = Price{Input: p.Input / div, Output: p.Output / div}
	}
	return out, nil
}

// Load replaces the table with the contents of path. The defaults are kept
// for models the file does not mention.
func (t *Table) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pricing: %w", err)
	}
	prices, err := ParsePrices(data)
	if err != nil {
		return err
	}
	merged := make(map[string]Price, len(DefaultPrices)+len(prices))
	for k, v := range DefaultPrices {
		merged[k] = v
	}
	for k, v := range prices {
		merged[k] = v
	}
	t.set(merged)
	return nil
}

const watchDebounce = 250 * time.Millisecond

// Watch reloads the table whenever path changes until ctx is done. The
// parent directory is watched so that editors replacing the file are seen.
// A reload that fails keeps the previous prices.
func (t *Table) Watch(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return err
	}
	go func() {
		defer w.Close()
		var timer *time.Timer
		reload := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			case <-reload:
				if err := t.Load(abs); err != nil {
					log.Error(ctx, err, log.KV{K: "msg", V: "pricing reload failed"}, log.KV{K: "path", V: abs})
					continue
				}
				log.Printf(ctx, "pricing reloaded from %s (%d models)", abs, t.Len())
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Error(ctx, err, log.KV{K: "msg", V: "pricing watcher"})
			}
		}
	}()
	return nil
}
