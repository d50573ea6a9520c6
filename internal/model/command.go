package model

import (
	"strings"
	"time"
)

// CommandType is the kind of side effect an ExecuteCommand performs.
type CommandType string

const (
	CommandPost     CommandType = "post"
	CommandEmail    CommandType = "email"
	CommandBilling  CommandType = "billing"
	CommandCampaign CommandType = "campaign"
	CommandContent  CommandType = "content"
	CommandOffer    CommandType = "offer"
)

// CommandTypes lists the closed enumeration.
var CommandTypes = []CommandType{
	CommandPost, CommandEmail, CommandBilling, CommandCampaign, CommandContent, CommandOffer,
}

// Valid reports whether t is a known command type.
func (t CommandType) Valid() bool {
	for _, known := range CommandTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Priority of an ExecuteCommand.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// CommandPayload holds the free-form fields of a command. The named fields are
// the ones voters inspect; Extra carries anything else verbatim.
type CommandPayload struct {
	Title      string            `json:"title,omitempty"`
	Content    string            `json:"content,omitempty"`
	Target     string            `json:"target,omitempty"`
	Amount     float64           `json:"amount,omitempty"`
	CTA        string            `json:"cta,omitempty"`
	FunnelStep string            `json:"funnel_step,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Text returns title and content joined for text checks.
func (p CommandPayload) Text() string {
	return strings.TrimSpace(p.Title + "\n" + p.Content)
}

// ExecuteCommand is a side-effecting action awaiting consensus. Immutable once submitted.
type ExecuteCommand struct {
	ID          string         `json:"id"`
	Type        CommandType    `json:"type"`
	Payload     CommandPayload `json:"payload"`
	AgentID     string         `json:"agent_id"`
	Priority    Priority       `json:"priority"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// Clone returns a deep copy.
func (c ExecuteCommand) Clone() ExecuteCommand {
	out := c
	if c.Payload.Extra != nil {
		out.Payload.Extra = make(map[string]string, len(c.Payload.Extra))
		for k, v := range c.Payload.Extra {
			out.Payload.Extra[k] = v
		}
	}
	return out
}

// VoterRole identifies one of the three independent council voters.
type VoterRole string

const (
	VoterPolicy    VoterRole = "policy"
	VoterViability VoterRole = "viability"
	VoterCoherence VoterRole = "coherence"
)

// VoteOutcome is a single voter's judgment.
type VoteOutcome string

const (
	VotePass VoteOutcome = "PASS"
	VoteFail VoteOutcome = "FAIL"
)

// Severity grades a failed check; it drives Chairman alert escalation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Check is one check a voter performed.
type Check struct {
	Name     string   `json:"name"`
	Passed   bool     `json:"passed"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// Vote is one voter's output for a command.
type Vote struct {
	Voter     VoterRole   `json:"voter"`
	Outcome   VoteOutcome `json:"outcome"`
	Checks    []Check     `json:"checks"`
	Reasoning string      `json:"reasoning"`
}

// Passed reports whether the vote is PASS.
func (v Vote) Passed() bool { return v.Outcome == VotePass }

// FailedChecks returns the checks that did not pass.
func (v Vote) FailedChecks() []Check {
	var out []Check
	for _, c := range v.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// FinalDecision is the council's aggregate outcome.
type FinalDecision string

const (
	DecisionAutoExecute FinalDecision = "AUTO_EXECUTE"
	DecisionHold        FinalDecision = "HOLD"
)

// Escalation levels for Chairman alerts.
type Escalation string

const (
	EscalationReview   Escalation = "review"
	EscalationUrgent   Escalation = "urgent"
	EscalationCritical Escalation = "critical"
)

// VoterFailure names a failed voter and why.
type VoterFailure struct {
	Voter        VoterRole `json:"voter"`
	FailedChecks []string  `json:"failed_checks"`
	Reasoning    string    `json:"reasoning"`
}

// ChairmanAlert is raised only when at least one vote fails.
type ChairmanAlert struct {
	CommandID         string         `json:"command_id"`
	Failures          []VoterFailure `json:"failures"`
	RecommendedAction string         `json:"recommended_action"`
	Escalation        Escalation     `json:"escalation"`
	RaisedAt          time.Time      `json:"raised_at"`
}

// CouncilDecision aggregates the three votes for one command.
type CouncilDecision struct {
	ID            string         `json:"id"`
	Command       ExecuteCommand `json:"command"`
	Votes         []Vote         `json:"votes"`
	Unanimous     bool           `json:"unanimous"`
	FinalDecision FinalDecision  `json:"final_decision"`
	Alert         *ChairmanAlert `json:"chairman_alert,omitempty"`
	EstimatedCost int64          `json:"estimated_cost_cents"`
	AuthorizedAt  *time.Time     `json:"authorized_at,omitempty"`
	AuditLogged   bool           `json:"audit_logged"`
	RulesVersion  string         `json:"rules_version,omitempty"`
	DeliberatedAt time.Time      `json:"deliberated_at"`
}

// Clone returns a deep copy.
func (d CouncilDecision) Clone() CouncilDecision {
	out := d
	out.Command = d.Command.Clone()
	out.Votes = make([]Vote, len(d.Votes))
	for i, v := range d.Votes {
		v.Checks = append([]Check(nil), v.Checks...)
		out.Votes[i] = v
	}
	if d.Alert != nil {
		a := *d.Alert
		a.Failures = make([]VoterFailure, len(d.Alert.Failures))
		for i, f := range d.Alert.Failures {
			f.FailedChecks = append([]string(nil), f.FailedChecks...)
			a.Failures[i] = f
		}
		out.Alert = &a
	}
	if d.AuthorizedAt != nil {
		at := *d.AuthorizedAt
		out.AuthorizedAt = &at
	}
	return out
}

// ExecutionOutcome records what happened when an authorized command was dispatched.
type ExecutionOutcome struct {
	DecisionID string    `json:"decision_id"`
	CommandID  string    `json:"command_id"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}
