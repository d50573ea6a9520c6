package policy

import (
	"fmt"
	"sort"

	"github.com/ppiankov/govgate/internal/classify"
	"github.com/ppiankov/govgate/internal/model"
)

// FilterRule is one named hard or soft check. It passes iff every configured
// condition passes:
//   - deny_terms: no term matched in the action, unless an unless_terms
//     term appears in the action or risk notes
//   - require_terms: at least one term matched in the action
//   - metric/min/max: the named projected-impact delta lies in [min, max];
//     an undeclared metric passes
//   - expr: the CEL expression evaluates true
type FilterRule struct {
	Name         string   `yaml:"name" json:"name"`
	Description  string   `yaml:"description" json:"description"`
	DenyTerms    []string `yaml:"deny_terms,omitempty" json:"deny_terms,omitempty"`
	UnlessTerms  []string `yaml:"unless_terms,omitempty" json:"unless_terms,omitempty"`
	RequireTerms []string `yaml:"require_terms,omitempty" json:"require_terms,omitempty"`
	Metric       string   `yaml:"metric,omitempty" json:"metric,omitempty"`
	Min          *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max          *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Expr         string   `yaml:"expr,omitempty" json:"expr,omitempty"`
}

// Gate is the allow/deny topic pair for one root-cause class.
type Gate struct {
	Allow []string `yaml:"allow" json:"allow"`
	Deny  []string `yaml:"deny" json:"deny"`
}

// RuleTables is the complete, versioned rule configuration read by the evaluator.
type RuleTables struct {
	AuthorizedSources []string                      `yaml:"authorized_sources" json:"authorized_sources"`
	HardFilters       []FilterRule                  `yaml:"hard_filters" json:"hard_filters"`
	Gates             map[model.RootCauseClass]Gate `yaml:"gates" json:"gates"`
	SoftFilters       []FilterRule                  `yaml:"soft_filters" json:"soft_filters"`
	// Locks maps an immutable lock name to the terms a response must not touch
	// when a proposal declares that lock.
	Locks map[string][]string `yaml:"locks" json:"locks"`
}

func ptr(f float64) *float64 { return &f }

// DefaultRules returns the built-in rule tables.
func DefaultRules() *RuleTables {
	return &RuleTables{
		AuthorizedSources: []string{"proposer", "strategist"},
		HardFilters: []FilterRule{
			{
				Name:        "METHODOLOGY_PROTECTION",
				Description: "action must not alter protected methodology or claimed ranges",
				DenyTerms: []string{
					"change methodology", "alter methodology", "modify methodology",
					"redefine", "claimed range", "widen range", "restate",
				},
			},
			{
				Name:        "VOLATILITY_BOUND",
				Description: "projected volatility increase must stay within bound",
				Metric:      "volatility",
				Max:         ptr(0.15),
			},
			{
				Name:        "AUDIT_DEFENSIBILITY",
				Description: "action must be conservative and reproducible under audit",
				DenyTerms: []string{
					"override", "bypass", "skip validation", "force push", "manual adjustment",
				},
				UnlessTerms: []string{"stakeholder packet"},
			},
		},
		Gates: map[model.RootCauseClass]Gate{
			model.ClassDataIntegrity: {
				Allow: []string{"pipeline", "normalization", "normalize", "dedupe", "schema", "etl", "ingestion", "validation"},
				Deny:  []string{"pricing", "price", "messaging", "campaign", "discount"},
			},
			model.ClassRevenueStability: {
				Allow: []string{"retention", "churn", "renewal", "billing", "collections", "forecast"},
				Deny:  []string{"methodology", "schema", "rebrand"},
			},
			model.ClassPredictionConfidence: {
				Allow: []string{"model", "calibration", "backtest", "confidence", "feature", "training"},
				Deny:  []string{"pricing", "campaign", "messaging"},
			},
			model.ClassMessagingDrift: {
				Allow: []string{"messaging", "copy", "tone", "positioning", "content", "brand"},
				Deny:  []string{"pricing", "price", "billing", "schema"},
			},
			model.ClassPricingSequence: {
				Allow: []string{"pricing", "price", "tier", "sequence", "offer"},
				Deny:  []string{"methodology", "schema", "messaging overhaul"},
			},
		},
		SoftFilters: []FilterRule{
			{
				Name:        "TIER_SEQUENCING",
				Description: "action preserves the fixed tier sequencing",
				DenyTerms:   []string{"skip tier", "reorder tiers", "collapse tiers", "merge tiers"},
			},
			{
				Name:        "EXPERIMENT_BREADTH",
				Description: "action avoids introducing unapproved experimental breadth",
				DenyTerms:   []string{"new experiment", "a/b test", "multivariate", "all segments", "launch experiment"},
			},
			{
				Name:        "RECOVERY_WINDOW",
				Description: "action is plausible to resolve within the recovery window",
				Metric:      "recovery_days",
				Max:         ptr(14),
			},
		},
		Locks: map[string][]string{
			"methodology":    {"methodology", "scoring formula", "claimed range"},
			"pricing_freeze": {"pricing", "price", "discount"},
			"brand":          {"rebrand", "logo", "tagline"},
		},
	}
}

// Validate checks the tables for structural errors. Fail-closed: an invalid
// table is refused rather than partially applied.
func (rt *RuleTables) Validate(engine *classify.ExprEngine) error {
	if len(rt.AuthorizedSources) == 0 {
		return fmt.Errorf("authorized_sources must not be empty")
	}
	if len(rt.HardFilters) == 0 {
		return fmt.Errorf("hard_filters must not be empty")
	}
	for class := range rt.Gates {
		if !class.Valid() {
			return fmt.Errorf("gates: unknown root_cause_class %q", class)
		}
	}
	for _, class := range model.RootCauseClasses {
		if _, ok := rt.Gates[class]; !ok {
			return fmt.Errorf("gates: missing root_cause_class %q", class)
		}
	}
	seen := make(map[string]bool)
	for _, group := range [][]FilterRule{rt.HardFilters, rt.SoftFilters} {
		for _, f := range group {
			if f.Name == "" {
				return fmt.Errorf("filter without name")
			}
			if seen[f.Name] {
				return fmt.Errorf("duplicate filter name %q", f.Name)
			}
			seen[f.Name] = true
			if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
				return fmt.Errorf("filter %s: min > max", f.Name)
			}
			if (f.Min != nil || f.Max != nil) && f.Metric == "" {
				return fmt.Errorf("filter %s: min/max without metric", f.Name)
			}
			if f.Expr != "" && engine != nil {
				if err := engine.Check(f.Expr); err != nil {
					return fmt.Errorf("filter %s: %w", f.Name, err)
				}
			}
		}
	}
	return nil
}

// LockNames returns the configured lock names in sorted order.
func (rt *RuleTables) LockNames() []string {
	names := make([]string, 0, len(rt.Locks))
	for k := range rt.Locks {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// IsAuthorizedSource reports whether source is in the authorized role list.
// Exact match; role names are case-sensitive.
func (rt *RuleTables) IsAuthorizedSource(source string) bool {
	for _, s := range rt.AuthorizedSources {
		if s == source {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (rt *RuleTables) Clone() *RuleTables {
	out := &RuleTables{
		AuthorizedSources: append([]string(nil), rt.AuthorizedSources...),
		HardFilters:       cloneFilters(rt.HardFilters),
		SoftFilters:       cloneFilters(rt.SoftFilters),
		Gates:             make(map[model.RootCauseClass]Gate, len(rt.Gates)),
		Locks:             make(map[string][]string, len(rt.Locks)),
	}
	for k, g := range rt.Gates {
		out.Gates[k] = Gate{
			Allow: append([]string(nil), g.Allow...),
			Deny:  append([]string(nil), g.Deny...),
		}
	}
	for k, v := range rt.Locks {
		out.Locks[k] = append([]string(nil), v...)
	}
	return out
}

func cloneFilters(in []FilterRule) []FilterRule {
	out := make([]FilterRule, len(in))
	for i, f := range in {
		out[i] = f
		out[i].DenyTerms = append([]string(nil), f.DenyTerms...)
		out[i].UnlessTerms = append([]string(nil), f.UnlessTerms...)
		out[i].RequireTerms = append([]string(nil), f.RequireTerms...)
		if f.Min != nil {
			out[i].Min = ptr(*f.Min)
		}
		if f.Max != nil {
			out[i].Max = ptr(*f.Max)
		}
	}
	return out
}
