// Package council is the Consensus Voting Engine. Three independent voters
// judge every ExecuteCommand concurrently; only a unanimous PASS authorizes
// execution, anything else holds the command for manual review.
package council

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/govgate/internal/alert"
	"github.com/ppiankov/govgate/internal/approval"
	"github.com/ppiankov/govgate/internal/audit"
	"github.com/ppiankov/govgate/internal/authority"
	"github.com/ppiankov/govgate/internal/budget"
	"github.com/ppiankov/govgate/internal/classify"
	"github.com/ppiankov/govgate/internal/fault"
	"github.com/ppiankov/govgate/internal/ids"
	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/telemetry"
)

// DefaultHistoryLimit bounds the in-process decision index.
const DefaultHistoryLimit = 1000

// Executor dispatches an authorized command to whatever performs it.
type Executor interface {
	Execute(ctx context.Context, cmd model.ExecuteCommand) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, cmd model.ExecuteCommand) error

func (f ExecutorFunc) Execute(ctx context.Context, cmd model.ExecuteCommand) error {
	return f(ctx, cmd)
}

// LogExecutor only logs dispatched commands.
type LogExecutor struct {
	Logger *slog.Logger
}

func (e LogExecutor) Execute(_ context.Context, cmd model.ExecuteCommand) error {
	l := e.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("command dispatched", "command_id", cmd.ID, "type", cmd.Type, "agent_id", cmd.AgentID, "priority", cmd.Priority)
	return nil
}

type tables struct {
	cfg     Config
	version string
}

type record struct {
	decision model.CouncilDecision
	executed bool
}

// Council is the consensus engine. It owns the decision index; the spend
// accumulator is the only state it shares with other councils.
type Council struct {
	tables  atomic.Pointer[tables]
	spend   *budget.Accumulator
	trail   *audit.Trail
	reviews *approval.Store
	alerts  *alert.Dispatcher
	exec    Executor
	text    classify.TextClassifier
	voters  []voter
	now     func() time.Time
	logger  *slog.Logger
	metrics *telemetry.Provider

	mu       sync.Mutex
	records  map[string]*record
	order    []string
	limit    int
	inflight map[string]bool
}

// Option configures a Council.
type Option func(*Council)

// WithClassifier replaces the keyword classifier used by the text checks.
func WithClassifier(c classify.TextClassifier) Option {
	return func(co *Council) { co.text = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(co *Council) { co.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(co *Council) { co.logger = l }
}

// WithExecutor sets the executor for authorized commands.
func WithExecutor(e Executor) Option {
	return func(co *Council) { co.exec = e }
}

// WithReviews opens a manual review for every held command.
func WithReviews(s *approval.Store) Option {
	return func(co *Council) { co.reviews = s }
}

// WithAlerts routes Chairman alerts to webhooks.
func WithAlerts(d *alert.Dispatcher) Option {
	return func(co *Council) { co.alerts = d }
}

// WithMetrics records council outcomes.
func WithMetrics(p *telemetry.Provider) Option {
	return func(co *Council) { co.metrics = p }
}

// WithHistoryLimit bounds the in-process decision index.
func WithHistoryLimit(n int) Option {
	return func(co *Council) {
		if n > 0 {
			co.limit = n
		}
	}
}

func withVoters(v ...voter) Option {
	return func(co *Council) { co.voters = v }
}

// New builds a council. A nil spend uses an in-memory accumulator capped at
// cfg.DailyCapCents. The audit trail is required: no decision is returned
// before it is recorded.
func New(cfg Config, version string, spend *budget.Accumulator, trail *audit.Trail, opts ...Option) (*Council, error) {
	if trail == nil {
		return nil, errors.New("council: audit trail is required")
	}
	c := &Council{
		spend:    spend,
		trail:    trail,
		text:     classify.NewKeyword(),
		voters:   defaultVoters(),
		now:      time.Now,
		records:  make(map[string]*record),
		limit:    DefaultHistoryLimit,
		inflight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "council")
	}
	if c.exec == nil {
		c.exec = LogExecutor{Logger: c.logger}
	}
	if c.spend == nil {
		c.spend = budget.NewAccumulator(budget.NewMemoryStore(), cfg.DailyCapCents).WithClock(c.now)
	}
	if err := c.SetConfig(cfg, version); err != nil {
		return nil, err
	}
	return c, nil
}

// SetConfig validates and installs new council tables and moves the daily
// cap. Deliberations in flight keep the tables they started with.
func (c *Council) SetConfig(cfg Config, version string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid council config: %w", err)
	}
	c.tables.Store(&tables{cfg: cfg.Clone(), version: version})
	c.spend.SetCap(cfg.DailyCapCents)
	return nil
}

// Config returns a copy of the current tables and their version.
func (c *Council) Config() (Config, string) {
	t := c.tables.Load()
	return t.cfg.Clone(), t.version
}

// Spend returns today's usage of the daily cap.
func (c *Council) Spend(ctx context.Context) (budget.Usage, error) {
	return c.spend.Snapshot(ctx)
}

// Deliberate runs the three voters over cmd and records the aggregate.
//
// Order (must not be changed):
//  1. Admission, a malformed command never reaches the voters
//  2. Spend snapshot, then concurrent fan-out over immutable copies
//  3. On unanimity, atomic reservation of the estimated cost
//  4. Audit append, the decision is not returned unless it is recorded
//  5. Review request and alert for HOLD
func (c *Council) Deliberate(ctx context.Context, cmd model.ExecuteCommand) (model.CouncilDecision, error) {
	if err := authority.CheckCommand(cmd); err != nil {
		return model.CouncilDecision{}, err
	}
	now := c.now().UTC()
	if cmd.ID == "" {
		cmd.ID = ids.New(ids.Command)
	}
	if cmd.SubmittedAt.IsZero() {
		cmd.SubmittedAt = now
	}
	t := c.tables.Load()

	usage, err := c.spend.Snapshot(ctx)
	if err != nil {
		c.metrics.RecordFailure(ctx, "council", string(fault.KindTransient))
		return model.CouncilDecision{}, fault.Transient(err)
	}
	cost := t.cfg.EstimateCost(cmd)

	votes, err := c.collect(ctx, ballot{cmd: cmd, cfg: &t.cfg, text: c.text, usage: usage, cost: cost})
	if err != nil {
		c.metrics.RecordFailure(ctx, "council", string(fault.KindOf(err)))
		return model.CouncilDecision{}, err
	}

	unanimous := allPassed(votes)
	if unanimous {
		res, err := c.spend.Reserve(ctx, cost)
		if err != nil {
			c.metrics.RecordFailure(ctx, "council", string(fault.KindTransient))
			return model.CouncilDecision{}, fault.Transient(err)
		}
		if res.Exceeded {
			votes = refuseSpend(votes, res)
			unanimous = false
		}
	}

	cd := model.CouncilDecision{
		ID:            ids.New(ids.Council),
		Command:       cmd.Clone(),
		Votes:         votes,
		Unanimous:     unanimous,
		EstimatedCost: cost,
		RulesVersion:  t.version,
		DeliberatedAt: now,
		AuditLogged:   true,
	}
	if unanimous {
		cd.FinalDecision = model.DecisionAutoExecute
		at := c.now().UTC()
		cd.AuthorizedAt = &at
	} else {
		cd.FinalDecision = model.DecisionHold
		cd.Alert = raiseAlert(cmd.ID, votes, now)
	}

	entry, err := audit.CouncilEntry(cd)
	if err == nil {
		_, err = c.trail.Append(ctx, entry)
	}
	if err != nil {
		if unanimous {
			c.logger.Error("authorized command not recorded, reserved spend stays consumed",
				"command_id", cmd.ID, "cost_cents", cost, "error", err)
		}
		c.metrics.RecordFailure(ctx, "council", string(fault.KindInternal))
		return model.CouncilDecision{}, fault.Wrap(err, fault.KindInternal, "council decision could not be recorded")
	}

	c.remember(cd)

	escalation := ""
	if cd.Alert != nil {
		escalation = string(cd.Alert.Escalation)
		if c.reviews != nil {
			if err := c.reviews.Request(cd); err != nil {
				c.logger.Warn("review request failed", "decision_id", cd.ID, "error", err)
			}
		}
		c.alerts.Dispatch(alert.FromChairmanAlert(*cd.Alert, t.version))
	}
	c.metrics.RecordCouncil(ctx, string(cd.FinalDecision), escalation)
	c.logger.Info("council decision",
		"decision_id", cd.ID,
		"command_id", cmd.ID,
		"type", cmd.Type,
		"final", cd.FinalDecision,
		"escalation", escalation,
		"cost_cents", cost,
	)
	return cd.Clone(), nil
}

// collect fans the ballot out to every voter and joins the votes in voter
// order. Each voter gets its own copy of the command.
func (c *Council) collect(ctx context.Context, b ballot) ([]model.Vote, error) {
	votes := make([]model.Vote, len(c.voters))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range c.voters {
		vb := b
		vb.cmd = b.cmd.Clone()
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("voter panic",
						"voter", v.Role(),
						"command_id", vb.cmd.ID,
						"panic", fmt.Sprint(r),
						"stack", string(debug.Stack()),
					)
					err = &fault.Error{Kind: fault.KindEvaluation, Message: "internal evaluation failure", Err: fmt.Errorf("%s voter panic: %v", v.Role(), r)}
				}
			}()
			votes[i] = v.Vote(gctx, vb)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, v := range c.voters {
		if votes[i].Voter != v.Role() {
			return nil, &fault.Error{Kind: fault.KindEvaluation, Message: "internal evaluation failure",
				Err: fmt.Errorf("voter %s returned vote for %q", v.Role(), votes[i].Voter)}
		}
	}
	return votes, nil
}

// Get returns a decision from the in-process index, falling back to the
// audit trail.
func (c *Council) Get(ctx context.Context, id string) (model.CouncilDecision, error) {
	r, err := c.lookup(ctx, id)
	if err != nil {
		return model.CouncilDecision{}, err
	}
	return r.decision.Clone(), nil
}

// Execute dispatches an AUTO_EXECUTE decision exactly once and records the
// outcome as a follow-up audit entry keyed to the decision id. A failed
// dispatch is reported in the outcome, not as an error.
func (c *Council) Execute(ctx context.Context, decisionID string) (model.ExecutionOutcome, error) {
	r, err := c.lookup(ctx, decisionID)
	if err != nil {
		return model.ExecutionOutcome{}, err
	}

	c.mu.Lock()
	switch {
	case r.decision.FinalDecision != model.DecisionAutoExecute:
		c.mu.Unlock()
		return model.ExecutionOutcome{}, fault.Conflict("decision %s is %s, only unanimous decisions execute", decisionID, r.decision.FinalDecision)
	case r.executed:
		c.mu.Unlock()
		return model.ExecutionOutcome{}, fault.Conflict("decision %s already executed", decisionID)
	}
	r.executed = true
	c.mu.Unlock()

	return c.dispatch(ctx, decisionID, r.decision.Command)
}

// ExecuteReviewed dispatches a held command after a reviewer approved it.
func (c *Council) ExecuteReviewed(ctx context.Context, key string) (model.ExecutionOutcome, error) {
	if c.reviews == nil {
		return model.ExecutionOutcome{}, fault.Conflict("manual review is not configured")
	}
	// Serialized per key so a losing caller never reserves spend.
	c.mu.Lock()
	if c.inflight[key] {
		c.mu.Unlock()
		return model.ExecutionOutcome{}, fault.Conflict("review %q is already executing", key)
	}
	c.inflight[key] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
	}()

	a, err := c.reviews.Get(key)
	if err != nil {
		return model.ExecutionOutcome{}, err
	}
	if a.Status != approval.StatusApproved {
		return model.ExecutionOutcome{}, fault.Conflict("review %q is %s, not approved", key, a.Status)
	}

	// Approval overrides the voters, not the daily cap. Reserve before
	// consuming so a refused reservation leaves the approval usable.
	cfg, _ := c.Config()
	res, err := c.spend.Reserve(ctx, cfg.EstimateCost(a.Command))
	if err != nil {
		return model.ExecutionOutcome{}, fault.Transient(err)
	}
	if res.Exceeded {
		return model.ExecutionOutcome{}, fault.Conflict("review %q cannot execute: %s", key, res.Reason)
	}

	cmd, err := c.reviews.Consume(key)
	if err != nil {
		c.logger.Warn("review consume failed after spend reservation", "key", key, "cents", res.Amount, "error", err)
		return model.ExecutionOutcome{}, err
	}
	c.mu.Lock()
	if r, ok := c.records[key]; ok {
		r.executed = true
	}
	c.mu.Unlock()
	return c.dispatch(ctx, key, cmd)
}

func (c *Council) dispatch(ctx context.Context, decisionID string, cmd model.ExecuteCommand) (model.ExecutionOutcome, error) {
	execErr := c.exec.Execute(ctx, cmd.Clone())
	out := model.ExecutionOutcome{
		DecisionID: decisionID,
		CommandID:  cmd.ID,
		Success:    execErr == nil,
		ExecutedAt: c.now().UTC(),
	}
	if execErr != nil {
		out.Error = execErr.Error()
		c.logger.Warn("command execution failed", "decision_id", decisionID, "command_id", cmd.ID, "error", execErr)
	}

	entry, err := audit.ExecutionEntry(out)
	if err == nil {
		_, err = c.trail.Append(ctx, entry)
	}
	if err != nil {
		return out, fault.Wrap(err, fault.KindInternal, "execution outcome could not be recorded")
	}
	return out, nil
}

func (c *Council) lookup(ctx context.Context, id string) (*record, error) {
	c.mu.Lock()
	r, ok := c.records[id]
	c.mu.Unlock()
	if ok {
		return r, nil
	}

	entries, err := c.trail.Query(ctx, audit.Filter{DecisionID: id})
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "audit lookup failed")
	}
	var found *record
	for _, e := range entries {
		switch e.Kind {
		case audit.KindCouncilDecision:
			var cd model.CouncilDecision
			if err := e.Decode(&cd); err != nil {
				return nil, fault.Wrap(err, fault.KindInternal, "audit lookup failed")
			}
			found = &record{decision: cd}
		case audit.KindExecutionOutcome:
			if found != nil {
				found.executed = true
			}
		}
	}
	if found == nil {
		return nil, fault.NotFound("council decision %q not found", id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.records[id]; ok {
		return r, nil
	}
	c.insert(found)
	return found, nil
}

func (c *Council) remember(cd model.CouncilDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insert(&record{decision: cd})
}

func (c *Council) insert(r *record) {
	c.records[r.decision.ID] = r
	c.order = append(c.order, r.decision.ID)
	for len(c.order) > c.limit {
		delete(c.records, c.order[0])
		c.order = c.order[1:]
	}
}

func allPassed(votes []model.Vote) bool {
	for _, v := range votes {
		if !v.Passed() {
			return false
		}
	}
	return len(votes) > 0
}

// refuseSpend turns the viability vote into a FAIL when the reservation lost
// a race for the remaining cap.
func refuseSpend(votes []model.Vote, res budget.CheckResult) []model.Vote {
	out := make([]model.Vote, len(votes))
	copy(out, votes)
	for i, v := range out {
		if v.Voter != model.VoterViability {
			continue
		}
		checks := make([]model.Check, len(v.Checks))
		copy(checks, v.Checks)
		for j := range checks {
			if checks[j].Name == CheckDailySpendCap {
				checks[j].Passed = false
				checks[j].Detail = "reservation refused: " + res.Reason
			}
		}
		out[i] = tally(v.Voter, checks)
	}
	return out
}

var recommendations = map[string]string{
	CheckClaims:           "remove or substantiate the flagged claims",
	CheckDisclaimers:      "add the required disclaimers",
	CheckSafetyLocks:      "route the command through an authorized agent",
	CheckDailySpendCap:    "defer until tomorrow or raise the daily cap",
	CheckPredictedReturn:  "lower the cost or raise the priority with justification",
	CheckMonetizationPath: "add a cta, funnel step or target",
	CheckTone:             "tone down exclamations and all-caps",
	CheckAntiPatterns:     "rewrite without pressure phrases",
	CheckDrift:            "realign the copy with the reference positioning",
	CheckBrandLock:        "re-enable the brand lock before executing anything",
}

// raiseAlert builds the Chairman alert for a non-unanimous vote.
// Escalation is critical if any failed check is critical, urgent if any is a
// warning, otherwise review.
func raiseAlert(commandID string, votes []model.Vote, at time.Time) *model.ChairmanAlert {
	a := &model.ChairmanAlert{CommandID: commandID, Escalation: model.EscalationReview, RaisedAt: at}
	var actions []string
	seen := map[string]bool{}
	for _, v := range votes {
		failed := v.FailedChecks()
		if len(failed) == 0 {
			continue
		}
		f := model.VoterFailure{Voter: v.Voter, Reasoning: v.Reasoning}
		for _, ch := range failed {
			f.FailedChecks = append(f.FailedChecks, ch.Name)
			switch ch.Severity {
			case model.SeverityCritical:
				a.Escalation = model.EscalationCritical
			case model.SeverityWarning:
				if a.Escalation != model.EscalationCritical {
					a.Escalation = model.EscalationUrgent
				}
			}
			if rec, ok := recommendations[ch.Name]; ok && !seen[rec] {
				seen[rec] = true
				actions = append(actions, rec)
			}
		}
		a.Failures = append(a.Failures, f)
	}
	if len(actions) == 0 {
		actions = append(actions, "manual review")
	}
	a.RecommendedAction = strings.Join(actions, "; ")
	return a
}
