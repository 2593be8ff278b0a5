package discovery

import "sync"

// ProcessedSet records token addresses already analyzed or acted upon in the
// current session. It only grows until Reset, which the engine calls on restart.
type ProcessedSet struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

// NewProcessedSet creates an empty set.
func NewProcessedSet() *ProcessedSet {
	return &ProcessedSet{seen: make(map[string]struct{})}
}

// Mark adds address and reports whether it was newly added.
func (p *ProcessedSet) Mark(address string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[address]; ok {
		return false
	}
	p.seen[address] = struct{}{}
	return true
}

// Has reports whether address was processed.
func (p *ProcessedSet) Has(address string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.seen[address]
	return ok
}

// Len returns the number of processed addresses.
func (p *ProcessedSet) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.seen)
}

// Reset clears the set.
func (p *ProcessedSet) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = make(map[string]struct{})
}
