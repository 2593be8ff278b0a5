package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nexus-trading/autotrader/internal/position"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned by Update for an unknown position ID.
var ErrNotFound = errors.New("store: position not found")

// TradeStore persists position records.
type TradeStore interface {
	// Save inserts a new record.
	Save(ctx context.Context, rec position.Record) error
	// Update overwrites an existing record by ID.
	Update(ctx context.Context, rec position.Record) error
	// LoadOpen returns the open positions of a wallet, oldest first.
	LoadOpen(ctx context.Context, wallet string) ([]position.Record, error)
}

// History receives closed trades for analytics.
type History interface {
	Append(ctx context.Context, rec position.Record) error
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

// Memory is an in-process TradeStore. Safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	records map[string]position.Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]position.Record)}
}

func (m *Memory) Save(_ context.Context, rec position.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	return nil
}

func (m *Memory) Update(_ context.Context, rec position.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; !ok {
		return ErrNotFound
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *Memory) LoadOpen(_ context.Context, wallet string) ([]position.Record, error) {
	m.mu.RLock()
	var out []position.Record
	for _, r := range m.records {
		if r.Wallet == wallet && r.Status == position.StatusOpen {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Get returns a record by ID.
func (m *Memory) Get(id string) (position.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	return r, ok
}

// All returns every record, oldest first.
func (m *Memory) All() []position.Record {
	m.mu.RLock()
	out := make([]position.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Append makes Memory usable as a History sink.
func (m *Memory) Append(ctx context.Context, rec position.Record) error {
	return m.Save(ctx, rec)
}

// ---------------------------------------------------------------------------
// Resilient: degrade to memory when the backend is unavailable
// ---------------------------------------------------------------------------

// Resilient writes through to a backend and mirrors every record in memory.
// Backend failures are logged and swallowed so trading continues; reads fall
// back to the memory mirror when the backend cannot answer.
type Resilient struct {
	backend TradeStore
	mirror  *Memory

	backendErrors atomic.Int64
	degraded      atomic.Bool
}

// NewResilient wraps backend. A nil backend yields a memory-only store.
func NewResilient(backend TradeStore) *Resilient {
	return &Resilient{backend: backend, mirror: NewMemory()}
}

func (r *Resilient) Save(ctx context.Context, rec position.Record) error {
	_ = r.mirror.Save(ctx, rec)
	if r.backend == nil {
		return nil
	}
	r.observe(r.backend.Save(ctx, rec), "save", rec)
	return nil
}

func (r *Resilient) Update(ctx context.Context, rec position.Record) error {
	_ = r.mirror.Save(ctx, rec)
	if r.backend == nil {
		return nil
	}
	r.observe(r.backend.Update(ctx, rec), "update", rec)
	return nil
}

func (r *Resilient) LoadOpen(ctx context.Context, wallet string) ([]position.Record, error) {
	if r.backend != nil {
		recs, err := r.backend.LoadOpen(ctx, wallet)
		r.observe(err, "load_open", position.Record{Wallet: wallet})
		if err == nil {
			for _, rec := range recs {
				_ = r.mirror.Save(ctx, rec)
			}
			return recs, nil
		}
	}
	return r.mirror.LoadOpen(ctx, wallet)
}

func (r *Resilient) observe(err error, op string, rec position.Record) {
	if err == nil {
		if r.degraded.CompareAndSwap(true, false) {
			log.Info().Str("op", op).Msg("store: backend recovered")
		}
		return
	}
	r.backendErrors.Add(1)
	r.degraded.Store(true)
	log.Warn().Err(err).
		Str("op", op).
		Str("position_id", rec.ID).
		Str("token", rec.Token).
		Msg("store: backend unavailable, keeping record in memory")
}

// Mirror returns the in-memory copy.
func (r *Resilient) Mirror() *Memory {
	return r.mirror
}

// ResilientStats reports backend health.
type ResilientStats struct {
	BackendErrors int64 `json:"backend_errors"`
	Degraded      bool  `json:"degraded"`
	Records       int   `json:"records"`
}

func (r *Resilient) Stats() ResilientStats {
	r.mirror.mu.RLock()
	n := len(r.mirror.records)
	r.mirror.mu.RUnlock()
	return ResilientStats{
		BackendErrors: r.backendErrors.Load(),
		Degraded:      r.degraded.Load(),
		Records:       n,
	}
}
