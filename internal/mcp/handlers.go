package mcp

import (
	"context"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/govgate/internal/fault"
	"github.com/ppiankov/govgate/internal/ids"
	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/policy"
)

// --- Input/Output types ---

// EvaluateInput defines parameters for the govgate_evaluate tool.
type EvaluateInput struct {
	Source         string             `json:"source" jsonschema:"submitting role, must be an authorized source"`
	RootCauseClass string             `json:"root_cause_class" jsonschema:"root-cause class (data-integrity/revenue-stability/prediction-confidence/messaging-drift/pricing-sequence)"`
	ProposedAction string             `json:"proposed_action" jsonschema:"free-text corrective action"`
	Deltas         map[string]float64 `json:"deltas,omitempty" jsonschema:"projected metric deltas, e.g. volatility: 0.02"`
	RiskNotes      string             `json:"risk_notes,omitempty" jsonschema:"free-text risk notes"`
	Locks          []string           `json:"locks,omitempty" jsonschema:"immutable locks a response must not touch"`
}

// EvaluateOutput summarizes the governance decision.
type EvaluateOutput struct {
	DecisionID     string   `json:"decision_id,omitempty"`
	Verdict        string   `json:"verdict,omitempty"`
	Instruction    string   `json:"instruction,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Guidance       string   `json:"guidance,omitempty"`
	Advisory       string   `json:"advisory,omitempty"`
	FailedFilters  []string `json:"failed_filters,omitempty"`
	SoftViolations int      `json:"soft_violations"`
	RulesVersion   string   `json:"rules_version,omitempty"`
	Refused        bool     `json:"refused,omitempty"`
	ErrorKind      string   `json:"error_kind,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// DeliberateInput defines parameters for the govgate_deliberate tool.
type DeliberateInput struct {
	Type       string  `json:"type" jsonschema:"command type (post/email/billing/campaign/content/offer)"`
	AgentID    string  `json:"agent_id" jsonschema:"agent submitting the command"`
	Priority   string  `json:"priority,omitempty" jsonschema:"LOW/MEDIUM/HIGH/CRITICAL, defaults to MEDIUM"`
	Title      string  `json:"title,omitempty"`
	Content    string  `json:"content,omitempty"`
	Target     string  `json:"target,omitempty"`
	Amount     float64 `json:"amount,omitempty" jsonschema:"spend amount in currency units"`
	CTA        string  `json:"cta,omitempty" jsonschema:"call to action"`
	FunnelStep string  `json:"funnel_step,omitempty"`
}

// DeliberateOutput summarizes the council decision.
type DeliberateOutput struct {
	DecisionID        string               `json:"decision_id,omitempty"`
	FinalDecision     string               `json:"final_decision,omitempty"`
	Unanimous         bool                 `json:"unanimous"`
	EstimatedCost     int64                `json:"estimated_cost_cents"`
	Escalation        string               `json:"escalation,omitempty"`
	Failures          []model.VoterFailure `json:"failures,omitempty"`
	RecommendedAction string               `json:"recommended_action,omitempty"`
	Refused           bool                 `json:"refused,omitempty"`
	ErrorKind         string               `json:"error_kind,omitempty"`
	Error             string               `json:"error,omitempty"`
}

// DecisionInput defines parameters for the govgate_decision tool.
type DecisionInput struct {
	ID string `json:"id" jsonschema:"decision id (gd-... or cd-...)"`
}

// DecisionOutput carries exactly one of the two decision kinds.
type DecisionOutput struct {
	Governance *model.GovernanceDecision `json:"governance,omitempty"`
	Council    *model.CouncilDecision    `json:"council,omitempty"`
}

// RulesInput is empty, no parameters needed.
type RulesInput struct{}

// RulesOutput describes the active tables.
type RulesOutput struct {
	Version           string   `json:"version"`
	AuthorizedSources []string `json:"authorized_sources"`
	HardFilters       []string `json:"hard_filters"`
	SoftFilters       []string `json:"soft_filters"`
	Locks             []string `json:"locks"`
	DailyCapCents     int64    `json:"daily_cap_cents"`
	SpentTodayCents   int64    `json:"spent_today_cents"`
}

// PendingInput is empty, no parameters needed.
type PendingInput struct{}

// PendingOutput lists reviews awaiting a decision.
type PendingOutput struct {
	Reviews []PendingItem `json:"reviews"`
}

// PendingItem describes a single review request.
type PendingItem struct {
	Key        string `json:"key"`
	CommandID  string `json:"command_id"`
	Type       string `json:"type"`
	Escalation string `json:"escalation"`
	Reason     string `json:"reason"`
	CreatedAt  string `json:"created_at"`
}

// ApproveInput defines parameters for the govgate_approve tool.
type ApproveInput struct {
	Key      string `json:"key" jsonschema:"held council decision id"`
	Duration string `json:"duration,omitempty" jsonschema:"approval duration (e.g. 1h), omit for one-time approval"`
}

// ApproveOutput confirms the approval.
type ApproveOutput struct {
	Key      string `json:"key"`
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
}

// --- Handlers ---

// refused reports whether err is a governance refusal the agent should see
// as a tool result rather than a protocol error.
func refused(err error) bool {
	switch fault.KindOf(err) {
	case fault.KindAuthority, fault.KindValidation, fault.KindClassification, fault.KindGovernance, fault.KindNotFound, fault.KindConflict:
		return true
	}
	return false
}

func (s *Server) handleEvaluate(ctx context.Context, req *mcpsdk.CallToolRequest, input EvaluateInput) (*mcpsdk.CallToolResult, EvaluateOutput, error) {
	p := model.Proposal{
		Source:         input.Source,
		RootCauseClass: model.RootCauseClass(input.RootCauseClass),
		ProposedAction: input.ProposedAction,
		ProjectedImpact: model.ProjectedImpact{
			Deltas:    input.Deltas,
			RiskNotes: input.RiskNotes,
		},
		Locks: input.Locks,
	}
	d, err := s.rt.Evaluate(ctx, p)
	if err != nil {
		if refused(err) {
			return &mcpsdk.CallToolResult{IsError: true}, EvaluateOutput{
				Refused:   true,
				ErrorKind: string(fault.KindOf(err)),
				Error:     fault.Message(err),
			}, nil
		}
		return nil, EvaluateOutput{}, err
	}

	out := EvaluateOutput{
		DecisionID:     d.ID,
		Verdict:        string(d.Verdict),
		Instruction:    string(d.Instruction),
		Reason:         d.Reason,
		Guidance:       d.Guidance,
		Advisory:       d.Advisory,
		SoftViolations: d.SoftViolations,
		RulesVersion:   d.RulesVersion,
	}
	for _, tier := range [][]model.FilterResult{d.HardFilters, d.Gates, d.SoftFilters} {
		for _, r := range tier {
			if !r.Passed {
				out.FailedFilters = append(out.FailedFilters, r.Name)
			}
		}
	}
	return nil, out, nil
}

func (s *Server) handleDeliberate(ctx context.Context, req *mcpsdk.CallToolRequest, input DeliberateInput) (*mcpsdk.CallToolResult, DeliberateOutput, error) {
	priority := model.Priority(input.Priority)
	if priority == "" {
		priority = model.PriorityMedium
	}
	cmd := model.ExecuteCommand{
		Type:     model.CommandType(input.Type),
		AgentID:  input.AgentID,
		Priority: priority,
		Payload: model.CommandPayload{
			Title:      input.Title,
			Content:    input.Content,
			Target:     input.Target,
			Amount:     input.Amount,
			CTA:        input.CTA,
			FunnelStep: input.FunnelStep,
		},
	}
	cd, err := s.rt.Council.Deliberate(ctx, cmd)
	if err != nil {
		if refused(err) {
			return &mcpsdk.CallToolResult{IsError: true}, DeliberateOutput{
				Refused:   true,
				ErrorKind: string(fault.KindOf(err)),
				Error:     fault.Message(err),
			}, nil
		}
		return nil, DeliberateOutput{}, err
	}

	out := DeliberateOutput{
		DecisionID:    cd.ID,
		FinalDecision: string(cd.FinalDecision),
		Unanimous:     cd.Unanimous,
		EstimatedCost: cd.EstimatedCost,
	}
	if cd.Alert != nil {
		out.Escalation = string(cd.Alert.Escalation)
		out.Failures = cd.Alert.Failures
		out.RecommendedAction = cd.Alert.RecommendedAction
	}
	return nil, out, nil
}

func (s *Server) handleDecision(ctx context.Context, req *mcpsdk.CallToolRequest, input DecisionInput) (*mcpsdk.CallToolResult, DecisionOutput, error) {
	if ids.HasKind(input.ID, ids.Council) {
		cd, err := s.rt.Council.Get(ctx, input.ID)
		if err != nil {
			return nil, DecisionOutput{}, err
		}
		return nil, DecisionOutput{Council: &cd}, nil
	}
	d, err := s.rt.Evaluator.Get(input.ID)
	if err != nil {
		return nil, DecisionOutput{}, err
	}
	return nil, DecisionOutput{Governance: &d}, nil
}

func (s *Server) handleRules(ctx context.Context, req *mcpsdk.CallToolRequest, input RulesInput) (*mcpsdk.CallToolResult, RulesOutput, error) {
	rules, version := s.rt.Evaluator.Rules()
	out := RulesOutput{
		Version:           version,
		AuthorizedSources: rules.AuthorizedSources,
		HardFilters:       filterNames(rules.HardFilters),
		SoftFilters:       filterNames(rules.SoftFilters),
		Locks:             rules.LockNames(),
	}
	usage, err := s.rt.Council.Spend(ctx)
	if err != nil {
		return nil, RulesOutput{}, fmt.Errorf("failed to read spend: %w", err)
	}
	out.DailyCapCents = usage.Cap
	out.SpentTodayCents = usage.Spent
	return nil, out, nil
}

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	list, err := s.rt.Reviews.Pending()
	if err != nil {
		return nil, PendingOutput{}, err
	}
	items := make([]PendingItem, len(list))
	for i, a := range list {
		items[i] = PendingItem{
			Key:        a.Key,
			CommandID:  a.Command.ID,
			Type:       string(a.Command.Type),
			Escalation: string(a.Escalation),
			Reason:     a.Reason,
			CreatedAt:  a.CreatedAt.Format(time.RFC3339),
		}
	}
	return nil, PendingOutput{Reviews: items}, nil
}

func (s *Server) handleApprove(ctx context.Context, req *mcpsdk.CallToolRequest, input ApproveInput) (*mcpsdk.CallToolResult, ApproveOutput, error) {
	var duration time.Duration
	if input.Duration != "" {
		var err error
		duration, err = time.ParseDuration(input.Duration)
		if err != nil {
			return nil, ApproveOutput{}, fmt.Errorf("invalid duration %q: %w", input.Duration, err)
		}
	}
	if err := s.rt.Reviews.Approve(input.Key, s.reviewer, duration); err != nil {
		return nil, ApproveOutput{}, err
	}
	out := ApproveOutput{
		Key:    input.Key,
		Status: "approved",
	}
	if duration > 0 {
		out.Duration = duration.String()
	}
	return nil, out, nil
}

func filterNames(in []policy.FilterRule) []string {
	names := make([]string, len(in))
	for i, f := range in {
		names[i] = f.Name
	}
	return names
}
