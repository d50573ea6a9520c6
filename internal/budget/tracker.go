package budget

import (
	"context"
	"time"
)

// DayLayout is the calendar-day key format. Days roll over at UTC midnight.
const DayLayout = "2006-01-02"

// DayKey returns the accumulator key for t.
func DayKey(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// Store persists per-day spend totals. Reserve must be atomic with respect
// to other Reserve calls on the same day.
type Store interface {
	Spent(ctx context.Context, day string) (int64, error)
	// Reserve adds amount to day's total iff the result stays within limit.
	// It returns whether the reservation was made and the resulting total
	// (the unchanged total when refused).
	Reserve(ctx context.Context, day string, amount, limit int64) (bool, int64, error)
}

// Usage captures the day's consumption snapshot.
type Usage struct {
	Day     string    `json:"day"`
	Spent   int64     `json:"spent_cents"`
	Cap     int64     `json:"cap_cents"`
	TakenAt time.Time `json:"taken_at"`
}

// Remaining returns the headroom left under the cap, never negative.
func (u Usage) Remaining() int64 {
	if r := u.Cap - u.Spent; r > 0 {
		return r
	}
	return 0
}
