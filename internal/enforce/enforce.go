package enforce

import (
	"fmt"
	"time"

	"github.com/ppiankov/govgate/internal/fault"
	"github.com/ppiankov/govgate/internal/model"
)

// Action is what the executing side must do with a decided proposal.
type Action string

const (
	ActionExecute              Action = "execute_and_monitor"
	ActionRequestClarification Action = "request_clarification"
	ActionDoNotExecute         Action = "do_not_execute"
)

const monitorWindow24h = 24 * time.Hour

// Instructions are the enforcement orders derived from a verdict.
type Instructions struct {
	DecisionID    string        `json:"decision_id"`
	Verdict       model.Verdict `json:"verdict"`
	Action        Action        `json:"action"`
	Execute       bool          `json:"execute"`
	Monitoring    string        `json:"monitoring,omitempty"`
	MonitorWindow time.Duration `json:"monitor_window_ns,omitempty"`
	Steps         []string      `json:"steps"`
	Advisory      string        `json:"advisory,omitempty"`
	RulesVersion  string        `json:"rules_version"`
}

// EnforcementError is raised when a decision blocks execution.
type EnforcementError struct {
	Verdict model.Verdict
	Action  Action
	Reason  string
}

func (e *EnforcementError) Error() string {
	return fmt.Sprintf("enforcement blocked (%s, %s): %s", e.Verdict, e.Action, e.Reason)
}

// Derive maps a decision onto enforcement instructions.
// An unknown verdict is an evaluation fault, never an execute order.
func Derive(d model.GovernanceDecision) (Instructions, error) {
	in := Instructions{
		DecisionID:   d.ID,
		Verdict:      d.Verdict,
		RulesVersion: d.RulesVersion,
	}

	switch d.Verdict {
	case model.VerdictApprove:
		in.Action = ActionExecute
		in.Execute = true
		in.Monitoring = d.Monitoring
		if in.Monitoring == "" {
			in.Monitoring = model.MonitorStandard
		}
		in.Steps = []string{"execute the proposed action as submitted"}
		if in.Monitoring == model.Monitor24h {
			in.MonitorWindow = monitorWindow24h
			in.Advisory = d.Advisory
			in.Steps = append(in.Steps, "monitor affected metrics for 24 hours", "report the advisory outcome: "+d.Advisory)
		} else {
			in.Steps = append(in.Steps, "monitor affected metrics on the standard schedule")
		}

	case model.VerdictModify:
		in.Action = ActionRequestClarification
		in.Steps = []string{
			"do not execute the proposed action",
			"request a narrower proposal from the source",
		}
		if d.Guidance != "" {
			in.Steps = append(in.Steps, d.Guidance)
		}

	case model.VerdictReject:
		in.Action = ActionDoNotExecute
		in.Steps = []string{
			"do not execute the proposed action",
			"rerun diagnostics before proposing again",
		}
		if d.Reason != "" {
			in.Steps = append(in.Steps, "blocking filter: "+d.Reason)
		}

	default:
		return Instructions{}, fault.New(fault.KindEvaluation, "decision %s has unknown verdict %q", d.ID, d.Verdict)
	}

	return in, nil
}

// Permit returns nil when the instructions allow execution and an
// *EnforcementError otherwise.
func Permit(in Instructions) error {
	if in.Execute {
		return nil
	}
	reason := "no execute order"
	if len(in.Steps) > 0 {
		reason = in.Steps[len(in.Steps)-1]
	}
	return &EnforcementError{Verdict: in.Verdict, Action: in.Action, Reason: reason}
}
