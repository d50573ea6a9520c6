package budget

import (
	"context"
	"sync"
)

// MemoryStore keeps per-day totals in process. Only the most recent day is
// retained, so the total resets exactly once when the day key changes.
type MemoryStore struct {
	mu    sync.Mutex
	day   string
	spent int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Spent(ctx context.Context, day string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if day != s.day {
		return 0, nil
	}
	return s.spent, nil
}

func (s *MemoryStore) Reserve(ctx context.Context, day string, amount, limit int64) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if day > s.day {
		s.day = day
		s.spent = 0
	} else if day < s.day {
		// A stale day key can only come from a clock that moved backwards.
		return false, s.spent, nil
	}
	if amount < 0 || amount > limit-s.spent {
		return false, s.spent, nil
	}
	s.spent += amount
	return true, s.spent, nil
}
