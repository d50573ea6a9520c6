package policy

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/govgate/internal/classify"
	"github.com/ppiankov/govgate/internal/fault"
	"github.com/ppiankov/govgate/internal/ids"
	"github.com/ppiankov/govgate/internal/model"
)

// DefaultHistoryLimit bounds the in-process decision history.
const DefaultHistoryLimit = 1000

type snapshot struct {
	rules   *RuleTables
	version string
}

// Evaluator is the Constraint Evaluator. Rule tables are swapped atomically
// between evaluations; an evaluation always runs against the snapshot it
// loaded at entry.
type Evaluator struct {
	tables atomic.Pointer[snapshot]
	text   classify.TextClassifier
	engine *classify.ExprEngine
	now    func() time.Time
	logger *slog.Logger

	mu      sync.RWMutex
	history []model.GovernanceDecision
	byID    map[string]int
	limit   int
	dropped int
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClassifier replaces the keyword classifier.
func WithClassifier(c classify.TextClassifier) Option {
	return func(e *Evaluator) { e.text = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// WithHistoryLimit bounds the decision history.
func WithHistoryLimit(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.limit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// NewEvaluator builds an evaluator over rules. A nil rules uses DefaultRules.
func NewEvaluator(rules *RuleTables, version string, opts ...Option) (*Evaluator, error) {
	e := &Evaluator{
		text:  classify.NewKeyword(),
		now:   time.Now,
		limit: DefaultHistoryLimit,
		byID:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default().With("component", "evaluator")
	}
	engine, err := classify.NewExprEngine()
	if err != nil {
		return nil, err
	}
	e.engine = engine
	if rules == nil {
		rules = DefaultRules()
	}
	if err := e.SetRules(rules, version); err != nil {
		return nil, err
	}
	return e, nil
}

// SetRules validates and installs new tables. In-flight evaluations keep
// the snapshot they started with.
func (e *Evaluator) SetRules(rules *RuleTables, version string) error {
	if err := rules.Validate(e.engine); err != nil {
		return fmt.Errorf("invalid rule tables: %w", err)
	}
	e.tables.Store(&snapshot{rules: rules.Clone(), version: version})
	return nil
}

// Rules returns a copy of the current tables and their version.
func (e *Evaluator) Rules() (*RuleTables, string) {
	s := e.tables.Load()
	return s.rules.Clone(), s.version
}

// Version returns the version of the installed tables.
func (e *Evaluator) Version() string {
	return e.tables.Load().version
}

// Lock returns the deny terms of the named lock in the installed tables.
func (e *Evaluator) Lock(name string) ([]string, bool) {
	terms, ok := e.tables.Load().rules.Locks[name]
	if !ok {
		return nil, false
	}
	return append([]string(nil), terms...), true
}

// Evaluate classifies a proposal and records the decision in history.
func (e *Evaluator) Evaluate(p model.Proposal) (model.GovernanceDecision, error) {
	d, err := e.Decide(p)
	if err != nil {
		return model.GovernanceDecision{}, err
	}
	e.Record(d)
	return d, nil
}

// Decide classifies a proposal against the hard, gate and soft tiers
// without recording it. Callers that persist decisions elsewhere call
// Record once the decision is durable.
//
// Evaluation order (must not be changed):
//  1. Hard filters, all run, any failure forces REJECT
//  2. Gate constraints for the proposal's root-cause class
//  3. Soft filters, counted as violations
//  4. Verdict selection, first match wins
//
// Internal faults never produce a verdict: they return a KindEvaluation error.
func (e *Evaluator) Decide(p model.Proposal) (decision model.GovernanceDecision, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("evaluation panic",
				"proposal_id", p.ID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			decision = model.GovernanceDecision{}
			err = &fault.Error{Kind: fault.KindEvaluation, Message: "internal evaluation failure", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if !p.RootCauseClass.Valid() {
		return model.GovernanceDecision{}, fault.New(fault.KindClassification, "unknown root_cause_class %q", p.RootCauseClass)
	}

	snap := e.tables.Load()
	c := checker{text: e.text, engine: e.engine}

	d := model.GovernanceDecision{
		ID:             ids.New(ids.Decision),
		ProposalID:     p.ID,
		RootCauseClass: p.RootCauseClass,
		RulesVersion:   snap.version,
		DecidedAt:      e.now().UTC(),
	}

	// Step 1: Hard filters
	for _, f := range snap.rules.HardFilters {
		res, ferr := c.runFilter(f, p)
		if ferr != nil {
			return model.GovernanceDecision{}, e.evalFailure(p.ID, ferr)
		}
		d.HardFilters = append(d.HardFilters, res)
	}

	// Step 2: Gate constraints
	d.Gates = c.runGates(snap.rules.Gates, p)

	// Step 3: Soft filters
	for _, f := range snap.rules.SoftFilters {
		res, ferr := c.runFilter(f, p)
		if ferr != nil {
			return model.GovernanceDecision{}, e.evalFailure(p.ID, ferr)
		}
		d.SoftFilters = append(d.SoftFilters, res)
	}

	// Step 4: Verdict
	selectVerdict(&d)

	e.logger.Debug("proposal evaluated",
		"proposal_id", p.ID,
		"decision_id", d.ID,
		"verdict", d.Verdict,
		"soft_violations", d.SoftViolations,
	)
	return d.Clone(), nil
}

func (e *Evaluator) evalFailure(proposalID string, err error) error {
	e.logger.Error("filter evaluation failed",
		"proposal_id", proposalID,
		"error", err,
		"stack", string(debug.Stack()),
	)
	return &fault.Error{Kind: fault.KindEvaluation, Message: "internal evaluation failure", Err: err}
}

// Record adds d to the in-memory decision history.
func (e *Evaluator) Record(d model.GovernanceDecision) {
	d = d.Clone()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, d)
	e.byID[d.ID] = e.dropped + len(e.history) - 1
	if len(e.history) > e.limit {
		evicted := e.history[0]
		delete(e.byID, evicted.ID)
		e.history = e.history[1:]
		e.dropped++
	}
}

// Get returns the decision with the given id.
func (e *Evaluator) Get(id string) (model.GovernanceDecision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	abs, ok := e.byID[id]
	if !ok {
		return model.GovernanceDecision{}, fault.NotFound("decision %s not found", id)
	}
	return e.history[abs-e.dropped].Clone(), nil
}

// Latest returns the most recent decision.
func (e *Evaluator) Latest() (model.GovernanceDecision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.history) == 0 {
		return model.GovernanceDecision{}, fault.NotFound("no decisions recorded")
	}
	return e.history[len(e.history)-1].Clone(), nil
}

// History returns up to limit most recent decisions, oldest first.
// A limit <= 0 returns everything retained.
func (e *Evaluator) History(limit int) []model.GovernanceDecision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	start := 0
	if limit > 0 && limit < len(e.history) {
		start = len(e.history) - limit
	}
	out := make([]model.GovernanceDecision, 0, len(e.history)-start)
	for _, d := range e.history[start:] {
		out = append(out, d.Clone())
	}
	return out
}

// Count returns the number of decisions made since construction.
func (e *Evaluator) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dropped + len(e.history)
}
