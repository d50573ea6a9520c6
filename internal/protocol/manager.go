// Package protocol is the Protocol Transaction Manager. It owns the
// proposal lifecycle (PENDING, RESPONDED, DECIDED, ENFORCED or FAILED),
// classifies failures and retries the transient ones with linear backoff.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/govgate/internal/alert"
	"github.com/ppiankov/govgate/internal/audit"
	"github.com/ppiankov/govgate/internal/authority"
	"github.com/ppiankov/govgate/internal/classify"
	"github.com/ppiankov/govgate/internal/enforce"
	"github.com/ppiankov/govgate/internal/fault"
	"github.com/ppiankov/govgate/internal/ids"
	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/policy"
	"github.com/ppiankov/govgate/internal/telemetry"
)

// DefaultTransactionLimit bounds the in-memory index. Only terminal
// transactions are evicted.
const DefaultTransactionLimit = 10000

type slot struct {
	mu sync.Mutex
	tx Transaction
}

// Manager sequences proposals through evaluation and enforcement. Steps on
// one transaction are totally ordered by its slot lock; distinct
// transactions proceed independently.
type Manager struct {
	evaluator *policy.Evaluator
	trail     *audit.Trail
	retrier   *Retrier
	text      classify.TextClassifier
	alerts    *alert.Dispatcher
	metrics   *telemetry.Provider
	now       func() time.Time
	logger    *slog.Logger
	limit     int

	mu    sync.RWMutex
	txs   map[string]*slot
	order []string
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetrier replaces the default retrier.
func WithRetrier(r *Retrier) Option {
	return func(m *Manager) { m.retrier = r }
}

// WithClassifier replaces the keyword classifier used for lock checks.
func WithClassifier(c classify.TextClassifier) Option {
	return func(m *Manager) { m.text = c }
}

// WithAlerts escalates governance violations and blocking verdicts.
func WithAlerts(d *alert.Dispatcher) Option {
	return func(m *Manager) { m.alerts = d }
}

// WithMetrics records verdicts, terminal states and retries.
func WithMetrics(p *telemetry.Provider) Option {
	return func(m *Manager) { m.metrics = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithTransactionLimit bounds the in-memory index.
func WithTransactionLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.limit = n
		}
	}
}

// NewManager wires the evaluator and the audit trail.
func NewManager(evaluator *policy.Evaluator, trail *audit.Trail, opts ...Option) (*Manager, error) {
	if evaluator == nil {
		return nil, errors.New("protocol: evaluator is required")
	}
	if trail == nil {
		return nil, errors.New("protocol: audit trail is required")
	}
	m := &Manager{
		evaluator: evaluator,
		trail:     trail,
		text:      classify.NewKeyword(),
		now:       time.Now,
		limit:     DefaultTransactionLimit,
		txs:       make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default().With("component", "protocol")
	}
	if m.retrier == nil {
		m.retrier = NewRetrier(DefaultRetryConfig())
	}
	if m.retrier.metrics == nil {
		m.retrier.metrics = m.metrics
	}
	return m, nil
}

func opID(txID, step string) string { return txID + "/" + step }

// Create admits a proposal and opens a PENDING transaction. Authority,
// classification and validation errors create nothing.
func (m *Manager) Create(ctx context.Context, p model.Proposal) (Transaction, error) {
	rules, _ := m.evaluator.Rules()
	if err := authority.CheckProposal(p, rules.AuthorizedSources); err != nil {
		m.metrics.RecordFailure(ctx, "protocol", string(fault.KindOf(err)))
		return Transaction{}, err
	}
	for _, name := range p.Locks {
		if _, ok := rules.Locks[name]; !ok {
			return Transaction{}, fault.Validation("unknown lock %q, configured locks: %s", name, strings.Join(rules.LockNames(), ", "))
		}
	}

	now := m.now().UTC()
	p = p.Clone()
	if p.ID == "" {
		p.ID = ids.New(ids.Proposal)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	tx := Transaction{
		ID:        ids.New(ids.Transaction),
		Proposal:  p,
		Errors:    []ProtocolError{},
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.txs[tx.ID] = &slot{tx: tx}
	m.order = append(m.order, tx.ID)
	m.evict()
	m.mu.Unlock()

	m.logger.Info("transaction opened", "tx_id", tx.ID, "proposal_id", p.ID, "class", p.RootCauseClass, "source", p.Source)
	return tx.Clone(), nil
}

// RecordResponse validates the response and checks it against the
// proposal's declared locks. Validation and governance failures are
// permanent and move the transaction to FAILED.
func (m *Manager) RecordResponse(ctx context.Context, txID string, r Response) (Transaction, error) {
	s, err := m.slot(txID)
	if err != nil {
		return Transaction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := expect(s.tx, StatusPending); err != nil {
		return s.tx.Clone(), err
	}
	if err := r.Validate(); err != nil {
		return m.fail(ctx, s, StepRespond, err)
	}
	if err := m.compliance(s.tx.Proposal, r); err != nil {
		m.alerts.Dispatch(alert.GovernanceViolation(txID, fault.Message(err), m.evaluator.Version()))
		return m.fail(ctx, s, StepRespond, err)
	}

	resp := r
	s.tx.Response = &resp
	m.advance(&s.tx, StatusResponded)
	return s.tx.Clone(), nil
}

// compliance reports a governance violation when the response reclassifies
// the root cause or touches the terms of a lock the proposal declared.
func (m *Manager) compliance(p model.Proposal, r Response) error {
	if r.RootCauseClass != p.RootCauseClass {
		return fault.Governance("response reclassifies root cause %s as %s", p.RootCauseClass, r.RootCauseClass)
	}
	for _, name := range p.Locks {
		terms, ok := m.evaluator.Lock(name)
		if !ok {
			return fault.Governance("declared lock %s is no longer configured", name)
		}
		if hits := m.text.Match(r.RecommendedAction, terms); len(hits) > 0 {
			return fault.Governance("response breaches lock %s: %s", name, strings.Join(hits, ", "))
		}
	}
	return nil
}

// Evaluate runs the Constraint Evaluator on the recorded response.
func (m *Manager) Evaluate(ctx context.Context, txID string) (Transaction, error) {
	s, err := m.slot(txID)
	if err != nil {
		return Transaction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := expect(s.tx, StatusResponded); err != nil {
		return s.tx.Clone(), err
	}

	p := s.tx.evaluationProposal()
	var d model.GovernanceDecision
	err = m.retrier.Do(ctx, opID(txID, StepEvaluate), func(context.Context) error {
		var err error
		d, err = m.evaluator.Evaluate(p)
		return err
	}, m.onTransient(&s.tx, StepEvaluate))
	if err != nil {
		return m.fail(ctx, s, StepEvaluate, err)
	}

	s.tx.Decision = &d
	m.advance(&s.tx, StatusDecided)
	m.metrics.RecordVerdict(ctx, string(d.Verdict))
	m.logger.Info("transaction decided", "tx_id", txID, "decision_id", d.ID, "verdict", d.Verdict)
	return s.tx.Clone(), nil
}

// Enforce derives enforcement instructions from the verdict, records the
// transaction on the audit trail and moves it to ENFORCED.
func (m *Manager) Enforce(ctx context.Context, txID string) (Transaction, error) {
	s, err := m.slot(txID)
	if err != nil {
		return Transaction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := expect(s.tx, StatusDecided); err != nil {
		return s.tx.Clone(), err
	}

	in, err := enforce.Derive(*s.tx.Decision)
	if err != nil {
		return m.fail(ctx, s, StepEnforce, err)
	}
	s.tx.Enforcement = &in

	if err := m.persist(ctx, s, StatusEnforced); err != nil {
		s.tx.Enforcement = nil
		return m.fail(ctx, s, StepAudit, err)
	}

	m.advance(&s.tx, StatusEnforced)
	m.metrics.RecordTransaction(ctx, string(StatusEnforced))
	if s.tx.Decision.Verdict != model.VerdictApprove {
		m.alerts.Dispatch(alert.FromDecision(*s.tx.Decision, txID))
	}
	m.logger.Info("transaction enforced",
		"tx_id", txID,
		"verdict", s.tx.Decision.Verdict,
		"action", in.Action,
		"retries", s.tx.RetryCount(),
	)
	return s.tx.Clone(), nil
}

// Run drives a proposal and its response through the whole lifecycle.
func (m *Manager) Run(ctx context.Context, p model.Proposal, r Response) (Transaction, error) {
	tx, err := m.Create(ctx, p)
	if err != nil {
		return tx, err
	}
	for _, step := range []func(context.Context, string) (Transaction, error){
		func(ctx context.Context, id string) (Transaction, error) { return m.RecordResponse(ctx, id, r) },
		m.Evaluate,
		m.Enforce,
	} {
		if tx, err = step(ctx, tx.ID); err != nil {
			return tx, err
		}
	}
	return tx, nil
}

// Get returns a snapshot of the transaction.
func (m *Manager) Get(txID string) (Transaction, error) {
	s, err := m.slot(txID)
	if err != nil {
		return Transaction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx.Clone(), nil
}

// List returns up to limit transactions, most recent first. Zero means all.
func (m *Manager) List(limit int) []Transaction {
	m.mu.RLock()
	order := append([]string(nil), m.order...)
	m.mu.RUnlock()

	var out []Transaction
	for i := len(order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		tx, err := m.Get(order[i])
		if err != nil {
			continue
		}
		out = append(out, tx)
	}
	return out
}

// Retries returns the retry ledger entries of a transaction.
func (m *Manager) Retries(txID string) []RetryRecord {
	return m.retrier.Records(txID + "/")
}

func (m *Manager) slot(txID string) (*slot, error) {
	m.mu.RLock()
	s, ok := m.txs[txID]
	m.mu.RUnlock()
	if !ok {
		return nil, fault.NotFound("transaction %q not found", txID)
	}
	return s, nil
}

// evict drops the oldest terminal transactions beyond the limit. Caller
// holds m.mu. Busy slots are skipped.
func (m *Manager) evict() {
	for i := 0; len(m.order) > m.limit && i < len(m.order); {
		id := m.order[i]
		s := m.txs[id]
		if !s.mu.TryLock() {
			i++
			continue
		}
		terminal := s.tx.Status.Terminal()
		s.mu.Unlock()
		if !terminal {
			i++
			continue
		}
		delete(m.txs, id)
		m.order = append(m.order[:i], m.order[i+1:]...)
		m.retrier.Forget(id + "/")
	}
}

func expect(tx Transaction, want Status) error {
	if tx.Status != want {
		return fault.Conflict("transaction %s is %s, expected %s", tx.ID, tx.Status, want)
	}
	return nil
}

// advance moves tx forward. Backward transitions are a programming error.
func (m *Manager) advance(tx *Transaction, to Status) {
	if to.rank() <= tx.Status.rank() {
		panic(fmt.Sprintf("protocol: transaction %s cannot move from %s to %s", tx.ID, tx.Status, to))
	}
	tx.Status = to
	tx.UpdatedAt = m.now().UTC()
}

func (m *Manager) onTransient(tx *Transaction, step string) func(int, error) {
	return func(attempt int, err error) {
		tx.Errors = append(tx.Errors, ProtocolError{
			Step:    step,
			Class:   ClassTransient,
			Kind:    fault.KindTransient,
			Message: err.Error(),
			Attempt: attempt,
			At:      m.now().UTC(),
		})
		m.logger.Warn("transient failure", "tx_id", tx.ID, "step", step, "attempt", attempt, "error", err)
	}
}

// persist appends the transaction snapshot at status through the retrier.
// The entry id is derived from the transaction and status, so an attempt
// that landed before reporting an error is not written twice.
func (m *Manager) persist(ctx context.Context, s *slot, status Status) error {
	return m.retrier.Do(ctx, opID(s.tx.ID, StepAudit), func(ctx context.Context) error {
		snap := s.tx.Clone()
		snap.Status = status
		snap.UpdatedAt = m.now().UTC()
		decisionID, version := "", m.evaluator.Version()
		if snap.Decision != nil {
			decisionID = snap.Decision.ID
			version = snap.Decision.RulesVersion
		}
		e, err := audit.TransactionEntry(snap.ID, decisionID, string(status), version, snap)
		if err != nil {
			return err
		}
		_, err = m.trail.Append(ctx, e)
		return err
	}, m.onTransient(&s.tx, StepAudit))
}

// fail records a terminal error, moves the transaction to FAILED and
// returns cause to the caller.
func (m *Manager) fail(ctx context.Context, s *slot, step string, cause error) (Transaction, error) {
	kind := fault.KindOf(cause)
	s.tx.Errors = append(s.tx.Errors, ProtocolError{
		Step:    step,
		Class:   ClassPermanent,
		Kind:    kind,
		Message: fault.Message(cause),
		At:      m.now().UTC(),
	})
	m.advance(&s.tx, StatusFailed)

	if err := m.persist(ctx, s, StatusFailed); err != nil {
		m.logger.Error("failed transaction not recorded", "tx_id", s.tx.ID, "error", err)
	}
	m.metrics.RecordTransaction(ctx, string(StatusFailed))
	m.metrics.RecordFailure(ctx, "protocol", string(kind))
	m.logger.Warn("transaction failed", "tx_id", s.tx.ID, "step", step, "kind", kind, "error", cause)
	return s.tx.Clone(), cause
}
