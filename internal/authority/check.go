package authority

import (
	"math"
	"strings"

	"github.com/ppiankov/govgate/internal/fault"
	"github.com/ppiankov/govgate/internal/model"
)

// MinDeltas is the minimum number of numeric projected-impact deltas.
const MinDeltas = 2

// CheckProposal admits a proposal submission. It runs BEFORE any
// transaction exists; a rejected submission creates nothing.
//
// Check order (must not be changed):
//  1. Source role: authority error (403)
//  2. Root-cause class: classification error (400)
//  3. Payload shape: validation error (400)
func CheckProposal(p model.Proposal, authorizedSources []string) error {
	if !contains(authorizedSources, p.Source) {
		return fault.Authority("source %q is not an authorized role", p.Source)
	}

	if !p.RootCauseClass.Valid() {
		return fault.New(fault.KindClassification, "root_cause_class %q is not one of %s",
			p.RootCauseClass, classList())
	}

	if strings.TrimSpace(p.ProposedAction) == "" {
		return fault.Validation("proposed_action is required")
	}
	if len(p.ProjectedImpact.Deltas) < MinDeltas {
		return fault.Validation("projected_impact requires at least %d numeric deltas, got %d",
			MinDeltas, len(p.ProjectedImpact.Deltas))
	}
	for _, name := range p.ProjectedImpact.DeltaNames() {
		v := p.ProjectedImpact.Deltas[name]
		if strings.TrimSpace(name) == "" {
			return fault.Validation("projected_impact delta with empty name")
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fault.Validation("projected_impact delta %q is not a finite number", name)
		}
	}
	if strings.TrimSpace(p.ProjectedImpact.RiskNotes) == "" {
		return fault.Validation("projected_impact.risk_notes is required")
	}
	return nil
}

// MaxPayloadAmount bounds a command's payload amount in dollars, far below
// the point where its value in cents stops fitting an int64.
const MaxPayloadAmount = 1e9

// CheckCommand admits a command submission for consensus voting.
func CheckCommand(c model.ExecuteCommand) error {
	if !c.Type.Valid() {
		return fault.Validation("command type %q is not a known type", c.Type)
	}
	if strings.TrimSpace(c.AgentID) == "" {
		return fault.Validation("agent_id is required")
	}
	if !c.Priority.Valid() {
		return fault.Validation("priority %q must be LOW, MEDIUM, HIGH or CRITICAL", c.Priority)
	}
	if c.Payload.Amount < 0 || math.IsNaN(c.Payload.Amount) || math.IsInf(c.Payload.Amount, 0) {
		return fault.Validation("payload.amount must be a finite non-negative number")
	}
	if c.Payload.Amount > MaxPayloadAmount {
		return fault.Validation("payload.amount %.2f exceeds the maximum of %.0f", c.Payload.Amount, MaxPayloadAmount)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func classList() string {
	names := make([]string, len(model.RootCauseClasses))
	for i, c := range model.RootCauseClasses {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}
