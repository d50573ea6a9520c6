package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ppiankov/govgate/internal/alert"
	"github.com/ppiankov/govgate/internal/approval"
	"github.com/ppiankov/govgate/internal/audit"
	"github.com/ppiankov/govgate/internal/authority"
	"github.com/ppiankov/govgate/internal/budget"
	"github.com/ppiankov/govgate/internal/council"
	"github.com/ppiankov/govgate/internal/fault"
	"github.com/ppiankov/govgate/internal/ids"
	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/policy"
	"github.com/ppiankov/govgate/internal/protocol"
	"github.com/ppiankov/govgate/internal/telemetry"
)

// Runtime is the assembled pipeline for one governance file.
type Runtime struct {
	Evaluator *policy.Evaluator
	Council   *council.Council
	Manager   *protocol.Manager
	Queue     *council.LaunchQueue
	Trail     *audit.Trail
	Reviews   *approval.Store
	Alerts    *alert.Dispatcher
	Metrics   *telemetry.Provider

	closers []func() error
}

// Open builds every component from cfg. version is the hash returned by
// LoadWithHash. The caller owns the Runtime and must Close it.
func Open(ctx context.Context, cfg *Config, version string, logger *slog.Logger) (_ *Runtime, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	rt.Metrics, err = telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	rt.closers = append(rt.closers, func() error { return rt.Metrics.Shutdown(context.Background()) })

	store, err := OpenAuditStore(cfg.Audit)
	if err != nil {
		return nil, err
	}
	rt.Trail = audit.NewTrail(store,
		audit.WithKeepLast(cfg.Audit.KeepLast),
		audit.WithTrailLogger(logger.With("component", "audit")),
	)
	rt.closers = append(rt.closers, rt.Trail.Close)

	spendStore, closeSpend, err := budget.OpenStore(ctx, cfg.Budget)
	if err != nil {
		return nil, fmt.Errorf("budget: %w", err)
	}
	rt.closers = append(rt.closers, closeSpend)
	spend := budget.NewAccumulator(spendStore, cfg.Council.DailyCapCents)

	rt.Reviews, err = approval.NewStore(cfg.ReviewDir)
	if err != nil {
		return nil, err
	}
	rt.Alerts = alert.NewDispatcher(cfg.Alerts)
	rt.closers = append(rt.closers, func() error { rt.Alerts.Wait(); return nil })

	rt.Evaluator, err = policy.NewEvaluator(cfg.Rules, version,
		policy.WithLogger(logger.With("component", "policy")),
	)
	if err != nil {
		return nil, err
	}

	rt.Council, err = council.New(cfg.Council, version, spend, rt.Trail,
		council.WithLogger(logger.With("component", "council")),
		council.WithReviews(rt.Reviews),
		council.WithAlerts(rt.Alerts),
		council.WithMetrics(rt.Metrics),
	)
	if err != nil {
		return nil, err
	}

	rt.Manager, err = protocol.NewManager(rt.Evaluator, rt.Trail,
		protocol.WithRetrier(protocol.NewRetrier(cfg.Retry)),
		protocol.WithAlerts(rt.Alerts),
		protocol.WithMetrics(rt.Metrics),
		protocol.WithLogger(logger.With("component", "protocol")),
	)
	if err != nil {
		return nil, err
	}

	rt.Queue, err = council.NewLaunchQueue(rt.Council, cfg.QueuePath)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// Evaluate admits p, runs the Constraint Evaluator and records the decision
// on the audit trail before returning it.
func (rt *Runtime) Evaluate(ctx context.Context, p model.Proposal) (model.GovernanceDecision, error) {
	rules, _ := rt.Evaluator.Rules()
	if err := authority.CheckProposal(p, rules.AuthorizedSources); err != nil {
		rt.Metrics.RecordFailure(ctx, "policy", string(fault.KindOf(err)))
		return model.GovernanceDecision{}, err
	}
	p = p.Clone()
	if p.ID == "" {
		p.ID = ids.New(ids.Proposal)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	d, err := rt.Evaluator.Decide(p)
	if err != nil {
		rt.Metrics.RecordFailure(ctx, "policy", string(fault.KindOf(err)))
		return model.GovernanceDecision{}, err
	}
	e, err := audit.GovernanceEntry(d, "")
	if err != nil {
		return model.GovernanceDecision{}, fault.Wrap(err, fault.KindInternal, "decision not recorded")
	}
	if _, err := rt.Trail.Append(ctx, e); err != nil {
		return model.GovernanceDecision{}, fault.Wrap(err, fault.KindInternal, "decision not recorded")
	}
	// Only audited decisions are visible through Get and Latest.
	rt.Evaluator.Record(d)
	rt.Metrics.RecordVerdict(ctx, string(d.Verdict))
	return d, nil
}

// Reload swaps in the rule and council tables of cfg. Both are validated
// before either is installed.
func (rt *Runtime) Reload(cfg *Config, version string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := rt.Evaluator.SetRules(cfg.Rules, version); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	if err := rt.Council.SetConfig(cfg.Council, version); err != nil {
		return fmt.Errorf("council: %w", err)
	}
	return nil
}

// Close releases stores and flushes pending alerts and metrics, in reverse
// order of acquisition.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// OpenAuditStore opens the configured audit backend, creating its directory.
func OpenAuditStore(cfg AuditConfig) (audit.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	switch cfg.Driver {
	case DriverSQLite:
		s, err := audit.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite audit store: %w", err)
		}
		return s, nil
	default:
		l, err := audit.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		return l, nil
	}
}
