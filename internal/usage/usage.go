// Package usage tracks token consumption across the LLM calls of an
// agent run.
package usage

import (
	"sync"

	"github.com/kousw/codelia/pkg/models"
)

// Accountant accumulates per-call usage and keeps the last snapshot for
// context-ratio queries. It is owned by a single agent but safe for
// concurrent reads from event consumers.
type Accountant struct {
	mu    sync.RWMutex
	calls int
	total models.Usage
	last  *models.Usage
}

// NewAccountant creates an empty accountant.
func NewAccountant() *Accountant {
	return &Accountant{}
}

// Record adds the usage of one completed LLM call. Nil usage (providers
// that omit it) only bumps the call count.
func (a *Accountant) Record(u *models.Usage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if u == nil {
		return
	}
	cp := *u
	a.total.Add(&cp)
	a.last = &cp
}

// Calls returns the number of LLM calls recorded.
func (a *Accountant) Calls() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.calls
}

// Total returns a copy of the aggregate usage.
func (a *Accountant) Total() models.Usage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.total
}

// Last returns a copy of the most recent call's usage, or nil if no call
// carried usage yet. Compaction thresholds key off this snapshot, not the
// aggregate.
func (a *Accountant) Last() *models.Usage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return nil
	}
	cp := *a.last
	return &cp
}

// Reset clears all recorded usage.
func (a *Accountant) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = 0
	a.total = models.Usage{}
	a.last = nil
}
