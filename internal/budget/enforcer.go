package budget

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// CheckResult is the outcome of a spend check.
type CheckResult struct {
	Exceeded bool   `json:"exceeded"`
	Current  int64  `json:"current_cents"`
	Amount   int64  `json:"amount_cents"`
	Limit    int64  `json:"limit_cents"`
	Reason   string `json:"reason"`
}

// Check compares a prospective amount plus current usage against the cap.
func Check(usage Usage, amount int64) CheckResult {
	res := CheckResult{Current: usage.Spent, Amount: amount, Limit: usage.Cap}
	if amount < 0 {
		res.Exceeded = true
		res.Reason = fmt.Sprintf("negative spend %d cents", amount)
		return res
	}
	// Compared as headroom so a huge amount cannot wrap past the cap.
	if amount > usage.Cap-usage.Spent {
		res.Exceeded = true
		res.Reason = fmt.Sprintf("daily cap exceeded: %d + %d > %d cents", usage.Spent, amount, usage.Cap)
		return res
	}
	res.Reason = fmt.Sprintf("within daily cap: %d + %d <= %d cents", usage.Spent, amount, usage.Cap)
	return res
}

// Accumulator is the daily spend accumulator. It is the only shared mutable
// state in the consensus path; all writes go through Store.Reserve.
type Accumulator struct {
	store Store
	cap   atomic.Int64
	now   func() time.Time
}

// NewAccumulator wraps store with a daily cap.
func NewAccumulator(store Store, capCents int64) *Accumulator {
	a := &Accumulator{store: store, now: time.Now}
	a.cap.Store(capCents)
	return a
}

// WithClock overrides the time source used for day keys.
func (a *Accumulator) WithClock(now func() time.Time) *Accumulator {
	a.now = now
	return a
}

// Cap returns the configured daily cap.
func (a *Accumulator) Cap() int64 { return a.cap.Load() }

// SetCap changes the cap for subsequent checks. Spend already reserved today
// is kept.
func (a *Accumulator) SetCap(capCents int64) { a.cap.Store(capCents) }

// Snapshot reads today's usage.
func (a *Accumulator) Snapshot(ctx context.Context) (Usage, error) {
	now := a.now()
	day := DayKey(now)
	spent, err := a.store.Spent(ctx, day)
	if err != nil {
		return Usage{}, fmt.Errorf("read spend for %s: %w", day, err)
	}
	return Usage{Day: day, Spent: spent, Cap: a.cap.Load(), TakenAt: now.UTC()}, nil
}

// Reserve atomically adds amount to today's total if it fits under the cap.
// A refused reservation is not an error; check CheckResult.Exceeded.
func (a *Accumulator) Reserve(ctx context.Context, amount int64) (CheckResult, error) {
	day := DayKey(a.now())
	limit := a.cap.Load()
	if amount < 0 {
		return Check(Usage{Day: day, Cap: limit}, amount), nil
	}
	ok, total, err := a.store.Reserve(ctx, day, amount, limit)
	if err != nil {
		return CheckResult{}, fmt.Errorf("reserve spend for %s: %w", day, err)
	}
	if !ok {
		return Check(Usage{Day: day, Spent: total, Cap: limit}, amount), nil
	}
	return CheckResult{
		Current: total,
		Amount:  amount,
		Limit:   limit,
		Reason:  fmt.Sprintf("reserved %d cents, %d of %d used", amount, total, limit),
	}, nil
}
