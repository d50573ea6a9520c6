package alert

import (
	"strings"
	"time"

	"github.com/ppiankov/govgate/internal/ids"
	"github.com/ppiankov/govgate/internal/model"
)

// Event types.
const (
	TypeChairmanAlert       = "chairman_alert"
	TypeGovernanceViolation = "governance_violation"
	TypeVerdict             = "verdict"
)

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // event types or escalation levels: ["chairman_alert", "critical"]
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	Timestamp         string   `json:"timestamp"`
	Type              string   `json:"type"`
	Subject           string   `json:"subject"`
	Escalation        string   `json:"escalation"`
	Summary           string   `json:"summary"`
	Reasons           []string `json:"reasons,omitempty"`
	RecommendedAction string   `json:"recommended_action,omitempty"`
	RulesVersion      string   `json:"rules_version,omitempty"`
}

// FromChairmanAlert converts a council escalation into a webhook event.
func FromChairmanAlert(a model.ChairmanAlert, rulesVersion string) AlertEvent {
	var reasons []string
	voters := make([]string, 0, len(a.Failures))
	for _, f := range a.Failures {
		voters = append(voters, string(f.Voter))
		for _, c := range f.FailedChecks {
			reasons = append(reasons, string(f.Voter)+": "+c)
		}
	}
	ts := a.RaisedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return AlertEvent{
		Timestamp:         ts.UTC().Format(ids.TimeFormat),
		Type:              TypeChairmanAlert,
		Subject:           a.CommandID,
		Escalation:        string(a.Escalation),
		Summary:           "council held command: " + strings.Join(voters, ", ") + " voted FAIL",
		Reasons:           reasons,
		RecommendedAction: a.RecommendedAction,
		RulesVersion:      rulesVersion,
	}
}

// GovernanceViolation builds the event for a response that breached an
// immutable lock or reclassified its root cause. Violations always escalate
// as critical.
func GovernanceViolation(txID, message, rulesVersion string) AlertEvent {
	return AlertEvent{
		Timestamp:         ids.UTCNowISO(),
		Type:              TypeGovernanceViolation,
		Subject:           txID,
		Escalation:        string(model.EscalationCritical),
		Summary:           message,
		RecommendedAction: "review the proposal and the responder before resubmitting",
		RulesVersion:      rulesVersion,
	}
}

// FromDecision builds the event for a REJECT or MODIFY verdict.
func FromDecision(d model.GovernanceDecision, txID string) AlertEvent {
	escalation := model.EscalationReview
	if d.Verdict == model.VerdictReject {
		escalation = model.EscalationUrgent
	}
	summary := d.Reason
	if summary == "" {
		summary = d.Guidance
	}
	return AlertEvent{
		Timestamp:         d.DecidedAt.UTC().Format(ids.TimeFormat),
		Type:              TypeVerdict,
		Subject:           txID,
		Escalation:        string(escalation),
		Summary:           string(d.Verdict) + ": " + summary,
		RecommendedAction: string(d.Instruction),
		RulesVersion:      d.RulesVersion,
	}
}
