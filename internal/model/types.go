package model

import (
	"sort"
	"time"
)

// RootCauseClass tags the category of problem a proposal addresses.
// It selects which gate constraints apply.
type RootCauseClass string

const (
	ClassDataIntegrity        RootCauseClass = "data-integrity"
	ClassRevenueStability     RootCauseClass = "revenue-stability"
	ClassPredictionConfidence RootCauseClass = "prediction-confidence"
	ClassMessagingDrift       RootCauseClass = "messaging-drift"
	ClassPricingSequence      RootCauseClass = "pricing-sequence"
)

// RootCauseClasses lists the closed enumeration in canonical order.
var RootCauseClasses = []RootCauseClass{
	ClassDataIntegrity,
	ClassRevenueStability,
	ClassPredictionConfidence,
	ClassMessagingDrift,
	ClassPricingSequence,
}

// Valid reports whether c is a member of the closed enumeration.
func (c RootCauseClass) Valid() bool {
	for _, known := range RootCauseClasses {
		if c == known {
			return true
		}
	}
	return false
}

// ProjectedImpact carries the numeric deltas a proposer expects plus free-text risk notes.
type ProjectedImpact struct {
	Deltas    map[string]float64 `json:"deltas" yaml:"deltas"`
	RiskNotes string             `json:"risk_notes" yaml:"risk_notes"`
}

// Delta returns the named delta and whether it was declared.
func (pi ProjectedImpact) Delta(name string) (float64, bool) {
	v, ok := pi.Deltas[name]
	return v, ok
}

// DeltaNames returns the declared delta names in sorted order.
func (pi ProjectedImpact) DeltaNames() []string {
	names := make([]string, 0, len(pi.Deltas))
	for k := range pi.Deltas {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (pi ProjectedImpact) clone() ProjectedImpact {
	out := ProjectedImpact{RiskNotes: pi.RiskNotes}
	if pi.Deltas != nil {
		out.Deltas = make(map[string]float64, len(pi.Deltas))
		for k, v := range pi.Deltas {
			out.Deltas[k] = v
		}
	}
	return out
}

// Proposal is a single corrective-action request submitted for governance review.
// Treat as immutable once created; use Clone before handing a copy to another owner.
type Proposal struct {
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	RootCauseClass  RootCauseClass  `json:"root_cause_class"`
	ProposedAction  string          `json:"proposed_action"`
	ProjectedImpact ProjectedImpact `json:"projected_impact"`
	// Locks names immutable constraints the proposer declares must hold
	// for any response to this proposal (see rule table "locks").
	Locks     []string  `json:"locks,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy.
func (p Proposal) Clone() Proposal {
	out := p
	out.ProjectedImpact = p.ProjectedImpact.clone()
	if p.Locks != nil {
		out.Locks = append([]string(nil), p.Locks...)
	}
	return out
}

// FilterResult is the outcome of one named check. Never mutated after creation.
type FilterResult struct {
	Name    string   `json:"name"`
	Passed  bool     `json:"passed"`
	Reason  string   `json:"reason"`
	Matched []string `json:"matched,omitempty"`
}

// Verdict is the Constraint Evaluator's classification.
type Verdict string

const (
	VerdictApprove Verdict = "APPROVE"
	VerdictModify  Verdict = "MODIFY"
	VerdictReject  Verdict = "REJECT"
)

// Instruction tells the proposer what to do next.
type Instruction string

const (
	InstructExecute          Instruction = "execute"
	InstructResubmitNarrower Instruction = "resubmit_narrower"
	InstructRerunDiagnostics Instruction = "rerun_diagnostics"
)

// Monitoring levels attached to approved decisions.
const (
	MonitorStandard = "standard"
	Monitor24h      = "24h"
)

// GovernanceDecision is the Constraint Evaluator's output. Created once per
// evaluation call and never modified afterwards.
type GovernanceDecision struct {
	ID             string         `json:"id"`
	ProposalID     string         `json:"proposal_id"`
	RootCauseClass RootCauseClass `json:"root_cause_class"`
	HardFilters    []FilterResult `json:"hard_filters"`
	Gates          []FilterResult `json:"gate_constraints"`
	SoftFilters    []FilterResult `json:"soft_filters"`
	HardPassed     bool           `json:"hard_passed"`
	GatesPassed    bool           `json:"gates_passed"`
	SoftViolations int            `json:"soft_violations"`
	Verdict        Verdict        `json:"verdict"`
	Reason         string         `json:"reason"`
	Instruction    Instruction    `json:"instruction"`
	Guidance       string         `json:"guidance,omitempty"`
	Advisory       string         `json:"advisory,omitempty"`
	Monitoring     string         `json:"monitoring,omitempty"`
	RulesVersion   string         `json:"rules_version"`
	DecidedAt      time.Time      `json:"decided_at"`
}

// Clone returns a deep copy so callers cannot alias the evaluator's history.
func (d GovernanceDecision) Clone() GovernanceDecision {
	out := d
	out.HardFilters = cloneResults(d.HardFilters)
	out.Gates = cloneResults(d.Gates)
	out.SoftFilters = cloneResults(d.SoftFilters)
	return out
}

func cloneResults(in []FilterResult) []FilterResult {
	if in == nil {
		return nil
	}
	out := make([]FilterResult, len(in))
	for i, r := range in {
		out[i] = r
		if r.Matched != nil {
			out[i].Matched = append([]string(nil), r.Matched...)
		}
	}
	return out
}
