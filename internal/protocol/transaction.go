package protocol

import (
	"math"
	"strings"
	"time"

	"github.com/ppiankov/govgate/internal/enforce"
	"github.com/ppiankov/govgate/internal/fault"
	"github.com/ppiankov/govgate/internal/model"
)

// Status is a transaction's lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusResponded Status = "RESPONDED"
	StatusDecided   Status = "DECIDED"
	StatusEnforced  Status = "ENFORCED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusEnforced || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusResponded:
		return 1
	case StatusDecided:
		return 2
	case StatusEnforced, StatusFailed:
		return 3
	}
	return -1
}

// Steps, also the suffix of retry operation ids.
const (
	StepCreate   = "create"
	StepRespond  = "respond"
	StepEvaluate = "evaluate"
	StepEnforce  = "enforce"
	StepAudit    = "audit"
)

// Risk levels a response may declare.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Response is the strategist's answer to a proposal.
type Response struct {
	Responder         string               `json:"responder"`
	RecommendedAction string               `json:"recommended_action"`
	Confidence        float64              `json:"confidence"`
	RootCauseClass    model.RootCauseClass `json:"root_cause_class"`
	RiskLevel         string               `json:"risk_level"`
	Rationale         string               `json:"rationale,omitempty"`
}

// Validate checks required fields and enumerations.
func (r Response) Validate() error {
	if strings.TrimSpace(r.Responder) == "" {
		return fault.Validation("responder is required")
	}
	if strings.TrimSpace(r.RecommendedAction) == "" {
		return fault.Validation("recommended_action is required")
	}
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return fault.Validation("confidence must be in [0,1], got %v", r.Confidence)
	}
	if !r.RootCauseClass.Valid() {
		return fault.New(fault.KindClassification, "response root_cause_class %q is not a known class", r.RootCauseClass)
	}
	switch r.RiskLevel {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		return fault.Validation("risk_level %q must be low, medium or high", r.RiskLevel)
	}
	return nil
}

// ProtocolError is one failure attached to a transaction.
type ProtocolError struct {
	Step    string     `json:"step"`
	Class   ErrorClass `json:"class"`
	Kind    fault.Kind `json:"kind"`
	Message string     `json:"message"`
	Attempt int        `json:"attempt,omitempty"`
	At      time.Time  `json:"at"`
}

// Transaction is the unit of work the Manager tracks. Values returned to
// callers are snapshots.
type Transaction struct {
	ID          string                    `json:"id"`
	Proposal    model.Proposal            `json:"proposal"`
	Response    *Response                 `json:"response,omitempty"`
	Decision    *model.GovernanceDecision `json:"decision,omitempty"`
	Enforcement *enforce.Instructions     `json:"enforcement,omitempty"`
	Errors      []ProtocolError           `json:"errors"`
	Status      Status                    `json:"status"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// Clone returns a deep copy.
func (t Transaction) Clone() Transaction {
	out := t
	out.Proposal = t.Proposal.Clone()
	if t.Response != nil {
		r := *t.Response
		out.Response = &r
	}
	if t.Decision != nil {
		d := t.Decision.Clone()
		out.Decision = &d
	}
	if t.Enforcement != nil {
		in := *t.Enforcement
		in.Steps = append([]string(nil), t.Enforcement.Steps...)
		out.Enforcement = &in
	}
	out.Errors = append([]ProtocolError(nil), t.Errors...)
	return out
}

// RetryCount is the number of transient failures recorded on the transaction.
func (t Transaction) RetryCount() int {
	n := 0
	for _, e := range t.Errors {
		if e.Class == ClassTransient {
			n++
		}
	}
	return n
}

// evaluationProposal is what the Constraint Evaluator sees: the original
// proposal with the response's recommended action.
func (t Transaction) evaluationProposal() model.Proposal {
	p := t.Proposal.Clone()
	if t.Response != nil {
		p.ProposedAction = t.Response.RecommendedAction
	}
	return p
}
