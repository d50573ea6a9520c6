package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/govgate/internal/alert"
	"github.com/ppiankov/govgate/internal/audit"
	"github.com/ppiankov/govgate/internal/enforce"
	"github.com/ppiankov/govgate/internal/fault"
	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/policy"
)

var fixedNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

// flakyStore fails the next `failures` appends with err.
type flakyStore struct {
	audit.Store
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *flakyStore) Append(ctx context.Context, e audit.Entry) (audit.Entry, bool, error) {
	f.mu.Lock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return audit.Entry{}, false, f.err
	}
	f.mu.Unlock()
	return f.Store.Append(ctx, e)
}

func (f *flakyStore) appendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	m     *Manager
	trail *audit.Trail
	store *flakyStore
	slept *[]time.Duration
}

func newHarness(t *testing.T, evalOpts []policy.Option, opts ...Option) *harness {
	t.Helper()
	l, err := audit.Open(filepath.Join(t.TempDir(), "audit.jsonl"))
	require.NoError(t, err)
	store := &flakyStore{Store: l}
	tr := audit.NewTrail(store)
	t.Cleanup(func() { _ = tr.Close() })

	e, err := policy.NewEvaluator(nil, "sha256:rules", evalOpts...)
	require.NoError(t, err)

	r, slept := instantRetrier(DefaultRetryConfig())
	opts = append([]Option{WithRetrier(r), WithClock(func() time.Time { return fixedNow })}, opts...)
	m, err := NewManager(e, tr, opts...)
	require.NoError(t, err)
	return &harness{m: m, trail: tr, store: store, slept: slept}
}

func dataIntegrityProposal() model.Proposal {
	return model.Proposal{
		Source:         "proposer",
		RootCauseClass: model.ClassDataIntegrity,
		ProposedAction: "Fix duplicate rows in the nightly load",
		ProjectedImpact: model.ProjectedImpact{
			Deltas:    map[string]float64{"volatility": 0.02, "accuracy": 0.05},
			RiskNotes: "limited blast radius",
		},
		Locks: []string{"pricing_freeze"},
	}
}

func response(action string) Response {
	return Response{
		Responder:         "strategist",
		RecommendedAction: action,
		Confidence:        0.8,
		RootCauseClass:    model.ClassDataIntegrity,
		RiskLevel:         RiskLow,
		Rationale:         "duplicates inflate the weekly totals",
	}
}

const cleanAction = "Add normalization step to the ingestion pipeline and dedupe source rows"

func terminalEntries(t *testing.T, tr *audit.Trail, txID string) []audit.Entry {
	t.Helper()
	entries, err := tr.Query(context.Background(), audit.Filter{TransactionID: txID})
	require.NoError(t, err)
	return entries
}

func TestRunApprovedReachesEnforced(t *testing.T) {
	h := newHarness(t, nil)

	tx, err := h.m.Run(context.Background(), dataIntegrityProposal(), response(cleanAction))
	require.NoError(t, err)

	assert.Equal(t, StatusEnforced, tx.Status)
	require.NotNil(t, tx.Decision)
	assert.Equal(t, model.VerdictApprove, tx.Decision.Verdict)
	assert.Equal(t, tx.Proposal.ID, tx.Decision.ProposalID)
	require.NotNil(t, tx.Enforcement)
	assert.Equal(t, enforce.ActionExecute, tx.Enforcement.Action)
	assert.True(t, tx.Enforcement.Execute)
	assert.Empty(t, tx.Errors)
	assert.Zero(t, tx.RetryCount())

	entries := terminalEntries(t, h.trail, tx.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, string(StatusEnforced), entries[0].Summary)
	assert.Equal(t, tx.Decision.ID, entries[0].DecisionID)
	assert.Equal(t, "sha256:rules", entries[0].RulesVersion)

	var recorded Transaction
	require.NoError(t, entries[0].Decode(&recorded))
	assert.Equal(t, StatusEnforced, recorded.Status)
	assert.Equal(t, enforce.ActionExecute, recorded.Enforcement.Action)
}

func TestRejectIsEnforcedAsDoNotExecute(t *testing.T) {
	h := newHarness(t, nil)

	tx, err := h.m.Run(context.Background(), dataIntegrityProposal(),
		response("Override the pipeline checks and bypass the dedupe stage"))
	require.NoError(t, err)

	assert.Equal(t, StatusEnforced, tx.Status)
	assert.Equal(t, model.VerdictReject, tx.Decision.Verdict)
	assert.Equal(t, enforce.ActionDoNotExecute, tx.Enforcement.Action)
	assert.Error(t, enforce.Permit(*tx.Enforcement))
}

func TestStepByStepTransitions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tx, err := h.m.Create(ctx, dataIntegrityProposal())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tx.Status)
	assert.NotEmpty(t, tx.Proposal.ID)

	_, err = h.m.Evaluate(ctx, tx.ID)
	assert.Equal(t, fault.KindConflict, fault.KindOf(err), "cannot evaluate before a response")
	got, _ := h.m.Get(tx.ID)
	assert.Equal(t, StatusPending, got.Status)

	tx, err = h.m.RecordResponse(ctx, tx.ID, response(cleanAction))
	require.NoError(t, err)
	assert.Equal(t, StatusResponded, tx.Status)

	_, err = h.m.Enforce(ctx, tx.ID)
	assert.Equal(t, fault.KindConflict, fault.KindOf(err), "cannot enforce before a decision")

	tx, err = h.m.Evaluate(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDecided, tx.Status)

	tx, err = h.m.Enforce(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnforced, tx.Status)

	_, err = h.m.RecordResponse(ctx, tx.ID, response(cleanAction))
	assert.Equal(t, fault.KindConflict, fault.KindOf(err), "terminal transactions never move")
	_, err = h.m.Enforce(ctx, tx.ID)
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))
}

func TestUnauthorizedSourceCreatesNothing(t *testing.T) {
	h := newHarness(t, nil)
	p := dataIntegrityProposal()
	p.Source = "intern"

	_, err := h.m.Create(context.Background(), p)
	assert.Equal(t, fault.KindAuthority, fault.KindOf(err))
	assert.Equal(t, http.StatusForbidden, fault.Status(err))
	assert.Empty(t, h.m.List(0))
}

func TestUnknownLockIsValidationError(t *testing.T) {
	h := newHarness(t, nil)
	p := dataIntegrityProposal()
	p.Locks = []string{"no_such_lock"}

	_, err := h.m.Create(context.Background(), p)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	assert.Empty(t, h.m.List(0))
}

func TestInvalidResponseFailsPermanently(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Response)
		kind   fault.Kind
	}{
		{"empty action", func(r *Response) { r.RecommendedAction = " " }, fault.KindValidation},
		{"confidence above one", func(r *Response) { r.Confidence = 1.5 }, fault.KindValidation},
		{"negative confidence", func(r *Response) { r.Confidence = -0.1 }, fault.KindValidation},
		{"unknown class", func(r *Response) { r.RootCauseClass = "vibes" }, fault.KindClassification},
		{"unknown risk level", func(r *Response) { r.RiskLevel = "extreme" }, fault.KindValidation},
		{"missing responder", func(r *Response) { r.Responder = "" }, fault.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			ctx := context.Background()
			tx, err := h.m.Create(ctx, dataIntegrityProposal())
			require.NoError(t, err)

			r := response(cleanAction)
			tt.mutate(&r)
			tx, err = h.m.RecordResponse(ctx, tx.ID, r)
			require.Error(t, err)
			assert.Equal(t, tt.kind, fault.KindOf(err))
			assert.Equal(t, StatusFailed, tx.Status)
			require.Len(t, tx.Errors, 1)
			assert.Equal(t, ClassPermanent, tx.Errors[0].Class)
			assert.Equal(t, StepRespond, tx.Errors[0].Step)
			assert.Empty(t, *h.slept, "validation errors are never retried")

			entries := terminalEntries(t, h.trail, tx.ID)
			require.Len(t, entries, 1)
			assert.Equal(t, string(StatusFailed), entries[0].Summary)
		})
	}
}

func TestGovernanceViolationFailsAndEscalates(t *testing.T) {
	events := make(chan alert.AlertEvent, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev alert.AlertEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		events <- ev
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	d := alert.NewDispatcher([]alert.AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{alert.TypeGovernanceViolation}},
	})

	tests := []struct {
		name   string
		mutate func(*Response)
		detail string
	}{
		{"lock breach", func(r *Response) { r.RecommendedAction = cleanAction + " and adjust pricing tiers" }, "pricing_freeze"},
		{"reclassification", func(r *Response) { r.RootCauseClass = model.ClassRevenueStability }, "reclassifies"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, WithAlerts(d))
			ctx := context.Background()
			tx, err := h.m.Create(ctx, dataIntegrityProposal())
			require.NoError(t, err)

			r := response(cleanAction)
			tt.mutate(&r)
			tx, err = h.m.RecordResponse(ctx, tx.ID, r)
			require.Error(t, err)
			assert.Equal(t, fault.KindGovernance, fault.KindOf(err))
			assert.Contains(t, fault.Message(err), tt.detail)
			assert.Equal(t, StatusFailed, tx.Status)
			assert.Nil(t, tx.Decision, "violations never reach the evaluator")
			assert.Empty(t, *h.slept)

			d.Wait()
			select {
			case ev := <-events:
				assert.Equal(t, alert.TypeGovernanceViolation, ev.Type)
				assert.Equal(t, tx.ID, ev.Subject)
				assert.Equal(t, string(model.EscalationCritical), ev.Escalation)
			default:
				t.Fatal("governance violation was not escalated")
			}
		})
	}
}

// A transient error on the first attempt, success on the second.
func TestTransientAuditFailureRetriedOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tx, err := h.m.Create(ctx, dataIntegrityProposal())
	require.NoError(t, err)
	_, err = h.m.RecordResponse(ctx, tx.ID, response(cleanAction))
	require.NoError(t, err)
	_, err = h.m.Evaluate(ctx, tx.ID)
	require.NoError(t, err)

	h.store.mu.Lock()
	h.store.failures = 1
	h.store.err = errors.New("write tcp: connection reset by peer")
	h.store.mu.Unlock()

	tx, err = h.m.Enforce(ctx, tx.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusEnforced, tx.Status)
	assert.Equal(t, 1, tx.RetryCount())
	require.Len(t, tx.Errors, 1)
	assert.Equal(t, ClassTransient, tx.Errors[0].Class)
	assert.Equal(t, StepAudit, tx.Errors[0].Step)
	assert.Equal(t, 1, tx.Errors[0].Attempt)
	assert.Equal(t, []time.Duration{200 * time.Millisecond}, *h.slept)
	assert.Equal(t, 2, h.store.appendCalls())

	entries := terminalEntries(t, h.trail, tx.ID)
	require.Len(t, entries, 1, "exactly one ENFORCED record")
	assert.Equal(t, string(StatusEnforced), entries[0].Summary)

	recs := h.m.Retries(tx.ID)
	var auditRec RetryRecord
	for _, r := range recs {
		if r.OperationID == tx.ID+"/"+StepAudit {
			auditRec = r
		}
	}
	assert.Equal(t, 2, auditRec.Attempts)
	assert.Equal(t, 1, auditRec.Transient)
	assert.True(t, auditRec.Succeeded)
}

func TestRetriesExhaustedFailsTransaction(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tx, err := h.m.Create(ctx, dataIntegrityProposal())
	require.NoError(t, err)
	_, err = h.m.RecordResponse(ctx, tx.ID, response(cleanAction))
	require.NoError(t, err)
	_, err = h.m.Evaluate(ctx, tx.ID)
	require.NoError(t, err)

	h.store.mu.Lock()
	h.store.failures = 100
	h.store.err = errors.New("503 service unavailable")
	h.store.mu.Unlock()

	tx, err = h.m.Enforce(ctx, tx.ID)
	require.Error(t, err)
	assert.Equal(t, fault.KindTransient, fault.KindOf(err))
	assert.Equal(t, StatusFailed, tx.Status)
	assert.Nil(t, tx.Enforcement)
	// three attempts for ENFORCED, three more trying to record FAILED
	assert.Equal(t, 6, h.store.appendCalls())
	assert.Equal(t, 6, tx.RetryCount())

	last := tx.Errors[len(tx.Errors)-4]
	assert.Equal(t, ClassPermanent, last.Class)
	assert.Equal(t, fault.KindTransient, last.Kind)
	assert.Equal(t, StepAudit, last.Step)
}

func TestPermanentAuditErrorNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tx, err := h.m.Create(ctx, dataIntegrityProposal())
	require.NoError(t, err)
	_, err = h.m.RecordResponse(ctx, tx.ID, response(cleanAction))
	require.NoError(t, err)
	_, err = h.m.Evaluate(ctx, tx.ID)
	require.NoError(t, err)

	h.store.mu.Lock()
	h.store.failures = 100
	h.store.err = errors.New("disk full")
	h.store.mu.Unlock()

	tx, err = h.m.Enforce(ctx, tx.ID)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, tx.Status)
	assert.Equal(t, 2, h.store.appendCalls(), "one ENFORCED attempt, one FAILED attempt")
	assert.Zero(t, tx.RetryCount())
	assert.Empty(t, *h.slept)
}

type explodingClassifier struct{}

func (explodingClassifier) Match(string, []string) []string { panic("classifier exploded") }

func TestEvaluationFaultIsGenericAndPermanent(t *testing.T) {
	h := newHarness(t, []policy.Option{policy.WithClassifier(explodingClassifier{})})

	tx, err := h.m.Run(context.Background(), dataIntegrityProposal(), response(cleanAction))
	require.Error(t, err)
	assert.Equal(t, fault.KindEvaluation, fault.KindOf(err))
	assert.Equal(t, StatusFailed, tx.Status)
	assert.Nil(t, tx.Decision, "no verdict on failure")
	require.Len(t, tx.Errors, 1)
	assert.Equal(t, "internal evaluation failure", tx.Errors[0].Message)
	assert.Equal(t, StepEvaluate, tx.Errors[0].Step)
	assert.Empty(t, *h.slept)
}

func TestGetUnknownTransaction(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.m.Get("tx-missing")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
	_, err = h.m.RecordResponse(context.Background(), "tx-missing", response(cleanAction))
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestConcurrentTransactionsAreIndependent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := h.m.Run(ctx, dataIntegrityProposal(), response(cleanAction))
			if err != nil {
				errs <- err
				return
			}
			if tx.Status != StatusEnforced {
				errs <- errors.New("transaction " + tx.ID + " ended " + string(tx.Status))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	assert.Len(t, h.m.List(0), 20)
	assert.Len(t, h.m.List(5), 5)
	assert.True(t, h.trail.Verify(ctx).Valid)
}

func TestTerminalTransactionsEvicted(t *testing.T) {
	h := newHarness(t, nil, WithTransactionLimit(2))
	ctx := context.Background()

	first, err := h.m.Run(ctx, dataIntegrityProposal(), response(cleanAction))
	require.NoError(t, err)
	pending, err := h.m.Create(ctx, dataIntegrityProposal())
	require.NoError(t, err)
	_, err = h.m.Run(ctx, dataIntegrityProposal(), response(cleanAction))
	require.NoError(t, err)

	_, err = h.m.Get(first.ID)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
	assert.Empty(t, h.m.Retries(first.ID))
	_, err = h.m.Get(pending.ID)
	assert.NoError(t, err, "in-flight transactions are never evicted")
}
