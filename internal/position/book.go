package position

import (
	"fmt"
	"sort"
	"sync"
)

type bookKey struct {
	wallet string
	token  string
}

// Book tracks live (pending or open) positions, at most one per
// (wallet, token). Closed positions leave the book; their records live on in
// the trade store.
type Book struct {
	mu        sync.RWMutex
	positions map[bookKey]*Position
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{positions: make(map[bookKey]*Position)}
}

// Reserve creates a pending position for the pair, or returns ErrAlreadyOpen
// if one is live.
func (b *Book) Reserve(wallet, token, symbol string, dryRun bool) (*Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := bookKey{wallet, token}
	if _, ok := b.positions[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, token)
	}
	p := New(wallet, token, symbol, dryRun)
	b.positions[key] = p
	return p, nil
}

// Restore adds an open position loaded from storage.
func (b *Book) Restore(rec Record) error {
	if rec.Status != StatusOpen {
		return fmt.Errorf("position: restore %s: status %s is not open", rec.ID, rec.Status)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := bookKey{rec.Wallet, rec.Token}
	if _, ok := b.positions[key]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, rec.Token)
	}
	b.positions[key] = FromRecord(rec)
	return nil
}

// Fill moves a reserved position to open.
func (b *Book) Fill(p *Position, f *Fill) error {
	return p.Transition(EventFill, f)
}

// Abort closes a pending position whose buy failed and frees the slot.
func (b *Book) Abort(p *Position, cause error) error {
	if err := p.Transition(EventAbort, cause); err != nil {
		return err
	}
	b.remove(p)
	return nil
}

// Close closes an open position and frees the slot. It fails with
// ErrInvalidTransition if the position is not open, so a position closes
// exactly once.
func (b *Book) Close(p *Position, x *Exit) error {
	if err := p.Transition(EventClose, x); err != nil {
		return err
	}
	b.remove(p)
	return nil
}

func (b *Book) remove(p *Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := bookKey{p.Wallet(), p.Token()}
	if cur, ok := b.positions[key]; ok && cur == p {
		delete(b.positions, key)
	}
}

// Get returns the live position for the pair.
func (b *Book) Get(wallet, token string) (*Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[bookKey{wallet, token}]
	return p, ok
}

// HasToken reports whether any wallet holds a live position in the token.
func (b *Book) HasToken(token string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for k := range b.positions {
		if k.token == token {
			return true
		}
	}
	return false
}

// Open returns open positions (pending ones excluded), oldest first.
func (b *Book) Open() []*Position {
	b.mu.RLock()
	out := make([]*Position, 0, len(b.positions))
	for _, p := range b.positions {
		if p.Status() == StatusOpen {
			out = append(out, p)
		}
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Record().CreatedAt.Before(out[j].Record().CreatedAt)
	})
	return out
}

// Snapshot returns records of every live position.
func (b *Book) Snapshot() []Record {
	b.mu.RLock()
	out := make([]Record, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p.Record())
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of live positions.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}
