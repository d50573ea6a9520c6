package protocol

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/govgate/internal/fault"
	"github.com/ppiankov/govgate/internal/telemetry"
)

// ErrorClass splits failures into retryable and terminal.
type ErrorClass string

const (
	ClassTransient ErrorClass = "TRANSIENT"
	ClassPermanent ErrorClass = "PERMANENT"
)

// transientMarkers are matched case-insensitively against the error text.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"rate limit",
	"too many requests",
	"connection reset",
	"connection refused",
	"service unavailable",
	"429",
	"503",
}

// Classify reports whether err is worth retrying. Errors already classified
// by the taxonomy keep their kind; unknown errors are transient only when
// their text carries a known marker.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case fault.KindTransient:
			return ClassTransient
		case fault.KindInternal:
			// unclassified cause, fall through to markers
		default:
			return ClassPermanent
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return ClassTransient
		}
	}
	return ClassPermanent
}

// RetryConfig bounds retries of transient failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"   json:"base_delay"`
}

// DefaultRetryConfig is 3 attempts with 200ms, 400ms backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond}
}

// Validate rejects a policy that would never attempt anything.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BaseDelay < 0 {
		return fmt.Errorf("base_delay must not be negative")
	}
	return nil
}

// RetryRecord is the retry state of one operation. It lives in the
// Retrier's ledger, never on the values handed to callers.
type RetryRecord struct {
	OperationID string    `json:"operation_id"`
	Attempts    int       `json:"attempts"`
	Transient   int       `json:"transient_failures"`
	Succeeded   bool      `json:"succeeded"`
	Exhausted   bool      `json:"exhausted"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Retrier runs operations with linear backoff on transient failures.
type Retrier struct {
	cfg     RetryConfig
	sleep   func(context.Context, time.Duration) error
	now     func() time.Time
	metrics *telemetry.Provider

	mu     sync.Mutex
	ledger map[string]*RetryRecord
}

// NewRetrier builds a retrier. An invalid config falls back to the default.
func NewRetrier(cfg RetryConfig) *Retrier {
	if cfg.Validate() != nil {
		cfg = DefaultRetryConfig()
	}
	return &Retrier{
		cfg:    cfg,
		sleep:  sleepCtx,
		now:    time.Now,
		ledger: make(map[string]*RetryRecord),
	}
}

// WithMetrics counts retries.
func (r *Retrier) WithMetrics(p *telemetry.Provider) *Retrier {
	r.metrics = p
	return r
}

// Config returns the retry bounds.
func (r *Retrier) Config() RetryConfig { return r.cfg }

// Do runs fn until it succeeds, fails permanently, or exhausts MaxAttempts.
// onTransient is called for every transient failure with its 1-based
// attempt number. Exhaustion returns a KindTransient error that is terminal
// for the caller.
func (r *Retrier) Do(ctx context.Context, opID string, fn func(context.Context) error, onTransient func(attempt int, err error)) error {
	step := opID
	if i := strings.LastIndexByte(opID, '/'); i >= 0 {
		step = opID[i+1:]
	}

	var last error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		r.record(opID, err)
		if err == nil {
			return nil
		}
		last = err
		if Classify(err) == ClassPermanent {
			return err
		}
		if onTransient != nil {
			onTransient(attempt, err)
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		r.metrics.RecordRetry(ctx, step)
		if serr := r.sleep(ctx, r.cfg.BaseDelay*time.Duration(attempt)); serr != nil {
			return fmt.Errorf("%s: retry abandoned: %w", opID, serr)
		}
	}

	r.mu.Lock()
	if rec, ok := r.ledger[opID]; ok {
		rec.Exhausted = true
	}
	r.mu.Unlock()
	return fault.Wrap(fmt.Errorf("%s after %d attempts: %w", opID, r.cfg.MaxAttempts, last),
		fault.KindTransient, "retries exhausted")
}

func (r *Retrier) record(opID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.ledger[opID]
	if !ok {
		rec = &RetryRecord{OperationID: opID}
		r.ledger[opID] = rec
	}
	rec.Attempts++
	rec.UpdatedAt = r.now().UTC()
	if err == nil {
		rec.Succeeded = true
		rec.LastError = ""
		return
	}
	rec.LastError = err.Error()
	if Classify(err) == ClassTransient {
		rec.Transient++
	}
}

// Record returns the ledger entry for opID.
func (r *Retrier) Record(opID string) (RetryRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.ledger[opID]
	if !ok {
		return RetryRecord{}, false
	}
	return *rec, true
}

// Records returns every ledger entry whose operation id starts with prefix.
func (r *Retrier) Records(prefix string) []RetryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RetryRecord
	for id, rec := range r.ledger {
		if strings.HasPrefix(id, prefix) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OperationID < out[j].OperationID })
	return out
}

// Forget drops every ledger entry whose operation id starts with prefix.
func (r *Retrier) Forget(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.ledger {
		if strings.HasPrefix(id, prefix) {
			delete(r.ledger, id)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
