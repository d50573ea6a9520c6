package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// PolicyKeepLast is the only retention policy: keep the most recent N entries.
const PolicyKeepLast = "keep_last"

// Trail is the audit trail service. It wraps a Store with write-time
// retention and remembers the oldest entry it has handed to a caller so
// compaction never removes anything already surfaced in this process.
type Trail struct {
	store    Store
	keepLast int
	logger   *slog.Logger

	mu sync.Mutex
	// minSurfaced is the lowest seq returned by Query; 0 means none yet.
	minSurfaced int64
}

// TrailOption configures a Trail.
type TrailOption func(*Trail)

// WithKeepLast bounds the trail to roughly n entries. Zero disables retention.
func WithKeepLast(n int) TrailOption {
	return func(t *Trail) {
		if n > 0 {
			t.keepLast = n
		}
	}
}

// WithTrailLogger sets the logger.
func WithTrailLogger(l *slog.Logger) TrailOption {
	return func(t *Trail) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTrail wraps store.
func NewTrail(store Store, opts ...TrailOption) *Trail {
	t := &Trail{
		store:  store,
		logger: slog.Default().With("component", "audit"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Store returns the underlying store.
func (t *Trail) Store() Store { return t.store }

// Append persists e and applies retention once the trail has grown past
// its bound by more than the slack.
func (t *Trail) Append(ctx context.Context, e Entry) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stored, created, err := t.store.Append(ctx, e)
	if err != nil {
		return Entry{}, err
	}
	if !created {
		t.logger.Debug("duplicate audit entry ignored", "id", stored.ID, "seq", stored.Seq)
		return stored, nil
	}
	if t.keepLast == 0 {
		return stored, nil
	}

	st, err := t.store.Stats(ctx)
	if err != nil {
		return stored, nil
	}
	if st.Count > t.keepLast+slack(t.keepLast) {
		if _, _, err := t.compact(ctx); err != nil {
			// The entry is durable; a failed compaction is retried on the next append.
			t.logger.Warn("audit compaction failed", "error", err)
		}
	}
	return stored, nil
}

// Query returns matching entries and marks them as surfaced.
func (t *Trail) Query(ctx context.Context, f Filter) ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, err := t.store.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		first := entries[0].Seq
		if t.minSurfaced == 0 || first < t.minSurfaced {
			t.minSurfaced = first
		}
	}
	return entries, nil
}

// Compact applies the keep_last policy now. It reports the recorded
// retention and whether anything was pruned.
func (t *Trail) Compact(ctx context.Context) (Retention, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compact(ctx)
}

func (t *Trail) compact(ctx context.Context) (Retention, bool, error) {
	if t.keepLast == 0 {
		return Retention{}, false, nil
	}
	st, err := t.store.Stats(ctx)
	if err != nil {
		return Retention{}, false, err
	}
	if st.Count <= t.keepLast {
		return Retention{}, false, nil
	}

	// The retention record itself counts toward keepLast.
	recordSeq := st.LastSeq + 1
	before := recordSeq - int64(t.keepLast) + 1
	if t.minSurfaced > 0 && t.minSurfaced < before {
		before = t.minSurfaced
	}
	if before <= st.FirstSeq {
		return Retention{}, false, nil
	}

	anchor := st.LastHash
	if before <= st.LastSeq {
		first, ok, err := t.store.At(ctx, before)
		if err != nil {
			return Retention{}, false, err
		}
		if !ok {
			return Retention{}, false, fmt.Errorf("audit: retention anchor seq %d missing", before)
		}
		anchor = first.PrevHash
	}

	r := Retention{
		Policy:     PolicyKeepLast,
		KeepLast:   t.keepLast,
		Pruned:     int(before - st.FirstSeq),
		BeforeSeq:  before,
		AnchorHash: anchor,
	}
	e, err := newEntry(KindRetentionApplied, fmt.Sprintf("pruned %d entries before seq %d", r.Pruned, before), r)
	if err != nil {
		return Retention{}, false, err
	}
	if _, _, err := t.store.Append(ctx, e); err != nil {
		return Retention{}, false, fmt.Errorf("audit: record retention: %w", err)
	}

	n, err := t.store.Prune(ctx, before)
	if err != nil {
		return r, false, fmt.Errorf("audit: prune: %w", err)
	}
	if n != r.Pruned {
		t.logger.Warn("audit prune count differs from recorded retention", "recorded", r.Pruned, "pruned", n)
	}
	t.logger.Info("audit retention applied", "keep_last", t.keepLast, "pruned", n, "before_seq", before)
	return r, n > 0, nil
}

// Verify validates the stored chain.
func (t *Trail) Verify(ctx context.Context) VerifyResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return VerifyStore(ctx, t.store)
}

// Stats returns the stored range.
func (t *Trail) Stats(ctx context.Context) (Stats, error) {
	return t.store.Stats(ctx)
}

// Close closes the store.
func (t *Trail) Close() error {
	return t.store.Close()
}

func slack(keepLast int) int {
	if s := keepLast / 10; s > 10 {
		return s
	}
	return 10
}
