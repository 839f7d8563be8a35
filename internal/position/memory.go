package position

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store with the same conditional-update
// semantics as the PostgreSQL repository. Used in tests and when running
// without a database.
type MemoryStore struct {
	mu        sync.Mutex
	positions map[string]*Position
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[string]*Position)}
}

// Create persists a new position, enforcing one active per instrument
func (s *MemoryStore) Create(ctx context.Context, p *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Status == StatusActive {
		for _, existing := range s.positions {
			if existing.Instrument == p.Instrument && existing.Status == StatusActive {
				return ErrConflict
			}
		}
	}

	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

// UpsertByEntryOrderRef re-applies a position record keyed by entry order ref
func (s *MemoryStore) UpsertByEntryOrderRef(ctx context.Context, p *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.positions {
		if existing.EntryOrderRef == p.EntryOrderRef {
			existing.UpdatedAt = p.UpdatedAt
			return nil
		}
	}

	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

// GetByID returns a position by id
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// GetActive returns the active position for an instrument
func (s *MemoryStore) GetActive(ctx context.Context, instrument string) (*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.positions {
		if p.Instrument == instrument && p.Status == StatusActive {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListActive returns all active positions
func (s *MemoryStore) ListActive(ctx context.Context) ([]Position, error) {
	return s.listWhere(func(p *Position) bool { return p.Status == StatusActive }), nil
}

// ListClosed returns all non-active positions
func (s *MemoryStore) ListClosed(ctx context.Context) ([]Position, error) {
	return s.listWhere(func(p *Position) bool { return p.Status != StatusActive }), nil
}

// ListAll returns every position
func (s *MemoryStore) ListAll(ctx context.Context) ([]Position, error) {
	return s.listWhere(func(p *Position) bool { return true }), nil
}

// RaiseHighWaterMark raises the high-water mark of an active position
func (s *MemoryStore) RaiseHighWaterMark(ctx context.Context, id string, hwm float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok || p.Status != StatusActive || p.HighWaterMark >= hwm {
		return nil
	}

	p.HighWaterMark = hwm
	p.UpdatedAt = time.Now()
	return nil
}

// CloseIfActive flips the position to a terminal status with exit fields set
func (s *MemoryStore) CloseIfActive(ctx context.Context, id string, status Status, exitPrice, exitProfitPercent float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok || p.Status != StatusActive {
		return false, nil
	}

	p.Status = status
	p.ExitPrice = &exitPrice
	p.ExitProfitPercent = &exitProfitPercent
	p.UpdatedAt = time.Now()
	return true, nil
}

// MarkErroredIfActive flips an active position to errored
func (s *MemoryStore) MarkErroredIfActive(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok || p.Status != StatusActive {
		return false, nil
	}

	p.Status = StatusErrored
	p.UpdatedAt = time.Now()
	return true, nil
}

// Summary aggregates completed and manual positions
func (s *MemoryStore) Summary(ctx context.Context) (*Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum Summary
	for _, p := range s.positions {
		if p.Status != StatusCompleted && p.Status != StatusManual {
			continue
		}
		sum.TotalClosed++
		if p.ExitProfitPercent != nil {
			sum.TotalProfitPercent += *p.ExitProfitPercent
			if *p.ExitProfitPercent > 0 {
				sum.Winners++
			} else {
				sum.Losers++
			}
		}
	}

	if sum.TotalClosed > 0 {
		sum.AverageProfitPercent = sum.TotalProfitPercent / float64(sum.TotalClosed)
	}

	return &sum, nil
}

// Delete removes a position by id
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[id]; !ok {
		return ErrNotFound
	}
	delete(s.positions, id)
	return nil
}

func (s *MemoryStore) listWhere(match func(*Position) bool) []Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Position, 0)
	for _, p := range s.positions {
		if match(p) {
			result = append(result, *p)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].OpenedAt.Before(result[j].OpenedAt)
	})

	return result
}
