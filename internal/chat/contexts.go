package chat

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// ContextPool hands out conversation-start bundles to new conversations in
// round-robin order. Safe for concurrent use.
type ContextPool struct {
	mu      sync.Mutex
	entries []ContextInfo
	next    int
}

// NewContextPool builds a pool from the given entries. Every entry must name
// a recognized context dataset.
func NewContextPool(entries []ContextInfo) (*ContextPool, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("context pool needs at least one entry")
	}
	for i, e := range entries {
		if !validDataset(e.ContextDataset) {
			return nil, fmt.Errorf("entry %d: %w: %q", i, ErrUnknownContextDataset, e.ContextDataset)
		}
	}
	return &ContextPool{entries: entries}, nil
}

// LoadContexts reads a JSON array of context bundles from path.
func LoadContexts(path string) (*ContextPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading contexts file: %w", err)
	}
	var entries []ContextInfo
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing contexts file %s: %w", path, err)
	}
	return NewContextPool(entries)
}

// Filter returns a pool holding only the entries from the named dataset.
func (p *ContextPool) Filter(dataset string) (*ContextPool, error) {
	if !validDataset(dataset) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContextDataset, dataset)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var kept []ContextInfo
	for _, e := range p.entries {
		if e.ContextDataset == dataset {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("no context bundles from dataset %q", dataset)
	}
	return &ContextPool{entries: kept}, nil
}

// Next returns the next context bundle. The returned value is a copy.
func (p *ContextPool) Next() ContextInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry := p.entries[p.next%len(p.entries)]
	p.next++
	return entry
}

// Len returns the number of distinct bundles in the pool.
func (p *ContextPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// DefaultContexts returns a small built-in pool used when no contexts file is
// configured, mainly for sandbox runs.
func DefaultContexts() *ContextPool {
	pool, err := NewContextPool([]ContextInfo{
		{
			Persona1Strings: []string{
				"i work at a bakery.",
				"my favorite season is autumn.",
				"i have two dogs.",
			},
			Persona2Strings: []string{
				"i teach high school math.",
				"i run marathons on weekends.",
				"i grew up on a farm.",
			},
			ContextDataset:       DatasetConvAI2,
			Person1SeedUtterance: "hi! i just got home from work, how was your day?",
			Person2SeedUtterance: "pretty good! i spent the morning grading papers.",
		},
		{
			Persona1Strings: []string{
				"i collect vintage postcards.",
				"i am learning to play the violin.",
			},
			Persona2Strings: []string{
				"i am a nurse.",
				"i love cooking thai food.",
			},
			ContextDataset:       DatasetConvAI2,
			Person1SeedUtterance: "hello there, any exciting plans this week?",
			Person2SeedUtterance: "not much, just picking up extra shifts at the hospital.",
		},
	})
	if err != nil {
		panic(err)
	}
	return pool
}
