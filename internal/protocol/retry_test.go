package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/govgate/internal/fault"
)

func instantRetrier(cfg RetryConfig) (*Retrier, *[]time.Duration) {
	r := NewRetrier(cfg)
	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return r, &slept
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{errors.New("read tcp: i/o timeout"), ClassTransient},
		{errors.New("request timed out"), ClassTransient},
		{errors.New("Rate limit reached"), ClassTransient},
		{errors.New("HTTP 429 Too Many Requests"), ClassTransient},
		{errors.New("write: connection reset by peer"), ClassTransient},
		{errors.New("dial tcp 10.0.0.1:6379: connection refused"), ClassTransient},
		{errors.New("503 Service Unavailable"), ClassTransient},
		{fmt.Errorf("query: %w", context.DeadlineExceeded), ClassTransient},
		{fault.Transient(errors.New("anything")), ClassTransient},
		{fault.Wrap(errors.New("connection reset"), fault.KindInternal, "store failed"), ClassTransient},
		{errors.New("disk full"), ClassPermanent},
		{context.Canceled, ClassPermanent},
		{fault.Governance("lock breached after timeout"), ClassPermanent},
		{fault.Validation("confidence timeout"), ClassPermanent},
		{&fault.Error{Kind: fault.KindEvaluation, Message: "x", Err: errors.New("timeout")}, ClassPermanent},
		{nil, ClassPermanent},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRetrySucceedsAfterTransient(t *testing.T) {
	r, slept := instantRetrier(DefaultRetryConfig())
	calls := 0
	var attempts []int
	err := r.Do(context.Background(), "tx-1/audit", func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("connection reset")
		}
		return nil
	}, func(attempt int, err error) { attempts = append(attempts, attempt) })

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []int{1}, attempts)
	assert.Equal(t, []time.Duration{200 * time.Millisecond}, *slept)

	rec, ok := r.Record("tx-1/audit")
	require.True(t, ok)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, 1, rec.Transient)
	assert.True(t, rec.Succeeded)
	assert.False(t, rec.Exhausted)
	assert.Empty(t, rec.LastError)
}

func TestRetryPermanentStopsImmediately(t *testing.T) {
	r, slept := instantRetrier(DefaultRetryConfig())
	calls := 0
	boom := errors.New("disk full")
	err := r.Do(context.Background(), "tx-1/audit", func(context.Context) error {
		calls++
		return boom
	}, nil)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestRetryExhaustionIsTerminal(t *testing.T) {
	r, slept := instantRetrier(DefaultRetryConfig())
	calls := 0
	err := r.Do(context.Background(), "tx-1/evaluate", func(context.Context) error {
		calls++
		return errors.New("upstream timeout")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, fault.KindTransient, fault.KindOf(err))
	assert.Equal(t, "retries exhausted", fault.Message(err))
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, *slept, "linear backoff")

	rec, _ := r.Record("tx-1/evaluate")
	assert.True(t, rec.Exhausted)
	assert.False(t, rec.Succeeded)
}

func TestRetryStopsWhenContextCancelled(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxAttempts: 5, BaseDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := r.Do(ctx, "tx-1/audit", func(context.Context) error {
		calls++
		cancel()
		return errors.New("timeout")
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestInvalidRetryConfigFallsBack(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxAttempts: 0})
	assert.Equal(t, DefaultRetryConfig(), r.Config())
}

func TestRecordsAndForget(t *testing.T) {
	r, _ := instantRetrier(DefaultRetryConfig())
	ok := func(context.Context) error { return nil }
	require.NoError(t, r.Do(context.Background(), "tx-a/evaluate", ok, nil))
	require.NoError(t, r.Do(context.Background(), "tx-a/audit", ok, nil))
	require.NoError(t, r.Do(context.Background(), "tx-b/audit", ok, nil))

	recs := r.Records("tx-a/")
	require.Len(t, recs, 2)
	assert.Equal(t, "tx-a/audit", recs[0].OperationID)
	assert.Equal(t, "tx-a/evaluate", recs[1].OperationID)

	r.Forget("tx-a/")
	assert.Empty(t, r.Records("tx-a/"))
	assert.Len(t, r.Records("tx-b/"), 1)
}

func TestRetryIdempotenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("side effect runs at most once and exhaustion never succeeds", prop.ForAll(
		func(maxAttempts, transientFailures int) bool {
			r, _ := instantRetrier(RetryConfig{MaxAttempts: maxAttempts, BaseDelay: time.Millisecond})
			calls, effects, reported := 0, 0, 0
			err := r.Do(context.Background(), "tx-p/audit", func(context.Context) error {
				calls++
				if calls <= transientFailures {
					return errors.New("service unavailable")
				}
				effects++
				return nil
			}, func(int, error) { reported++ })

			if transientFailures < maxAttempts {
				return err == nil && effects == 1 && calls == transientFailures+1 && reported == transientFailures
			}
			return err != nil && fault.Is(err, fault.KindTransient) &&
				effects == 0 && calls == maxAttempts && reported == maxAttempts
		},
		gen.IntRange(1, 6),
		gen.IntRange(0, 8),
	))

	properties.TestingRun(t)
}
