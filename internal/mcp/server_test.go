package mcp

import (
	"context"
	"path/filepath"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/govgate/internal/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Audit.Path = filepath.Join(dir, "audit.jsonl")
	cfg.ReviewDir = filepath.Join(dir, "review")
	cfg.QueuePath = filepath.Join(dir, "queue.json")

	rt, err := config.Open(context.Background(), cfg, "sha256:test", nil)
	if err != nil {
		t.Fatalf("failed to open runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return New(rt, "test")
}

func cleanProposal() EvaluateInput {
	return EvaluateInput{
		Source:         "proposer",
		RootCauseClass: "data-integrity",
		ProposedAction: "Add normalization step to the ingestion pipeline and dedupe source rows",
		Deltas:         map[string]float64{"volatility": 0.02, "accuracy": 0.05},
		RiskNotes:      "limited blast radius",
	}
}

func TestEvaluateApproves(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	result, out, err := s.handleEvaluate(ctx, &mcpsdk.CallToolRequest{}, cleanProposal())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil && result.IsError {
		t.Fatal("expected success, got error result")
	}
	if out.Verdict != "APPROVE" {
		t.Fatalf("expected APPROVE, got %q (%s)", out.Verdict, out.Reason)
	}
	if out.Instruction != "execute" {
		t.Fatalf("expected execute instruction, got %q", out.Instruction)
	}
	if out.RulesVersion != "sha256:test" {
		t.Fatalf("expected rules version sha256:test, got %q", out.RulesVersion)
	}
	if len(out.FailedFilters) != 0 {
		t.Fatalf("expected no failed filters, got %v", out.FailedFilters)
	}
}

func TestEvaluateRejectsMethodologyChange(t *testing.T) {
	s := newTestServer(t)
	in := cleanProposal()
	in.ProposedAction = "Change methodology to smooth the weekly totals"

	_, out, err := s.handleEvaluate(context.Background(), &mcpsdk.CallToolRequest{}, in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Verdict != "REJECT" {
		t.Fatalf("expected REJECT, got %q", out.Verdict)
	}
	found := false
	for _, name := range out.FailedFilters {
		if name == "METHODOLOGY_PROTECTION" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected METHODOLOGY_PROTECTION in failed filters, got %v", out.FailedFilters)
	}
}

func TestEvaluateUnauthorizedSourceIsRefused(t *testing.T) {
	s := newTestServer(t)
	in := cleanProposal()
	in.Source = "intern"

	result, out, err := s.handleEvaluate(context.Background(), &mcpsdk.CallToolRequest{}, in)
	if err != nil {
		t.Fatalf("refusals are tool results, got error: %v", err)
	}
	if result == nil || !result.IsError {
		t.Fatal("expected IsError result for unauthorized source")
	}
	if !out.Refused || out.ErrorKind != "authority" {
		t.Fatalf("expected authority refusal, got %+v", out)
	}
}

func TestDeliberateAndLookup(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, out, err := s.handleDeliberate(ctx, &mcpsdk.CallToolRequest{}, DeliberateInput{
		Type:    "post",
		AgentID: "content-agent",
		Title:   "Spring product update",
		Content: "See what shipped in the new release.",
		CTA:     "Read the changelog",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.FinalDecision != "AUTO_EXECUTE" || !out.Unanimous {
		t.Fatalf("expected unanimous AUTO_EXECUTE, got %+v", out)
	}

	_, dec, err := s.handleDecision(ctx, &mcpsdk.CallToolRequest{}, DecisionInput{ID: out.DecisionID})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if dec.Council == nil || dec.Council.ID != out.DecisionID {
		t.Fatalf("expected council decision %s, got %+v", out.DecisionID, dec)
	}
	if dec.Governance != nil {
		t.Fatal("council id must not resolve to a governance decision")
	}
}

func TestHeldCommandAppearsPendingAndApproves(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, out, err := s.handleDeliberate(ctx, &mcpsdk.CallToolRequest{}, DeliberateInput{
		Type:    "email",
		AgentID: "email-agent",
		Title:   "Monthly newsletter",
		Content: "Here is what we shipped this month.",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.FinalDecision != "HOLD" {
		t.Fatalf("expected HOLD, got %q", out.FinalDecision)
	}
	if out.Escalation == "" || len(out.Failures) == 0 {
		t.Fatalf("expected chairman alert details, got %+v", out)
	}

	_, pending, err := s.handlePending(ctx, &mcpsdk.CallToolRequest{}, PendingInput{})
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(pending.Reviews) != 1 || pending.Reviews[0].Key != out.DecisionID {
		t.Fatalf("expected one pending review for %s, got %+v", out.DecisionID, pending.Reviews)
	}

	_, approved, err := s.handleApprove(ctx, &mcpsdk.CallToolRequest{}, ApproveInput{Key: out.DecisionID, Duration: "1h"})
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if approved.Status != "approved" || approved.Duration != "1h0m0s" {
		t.Fatalf("unexpected approval output: %+v", approved)
	}

	_, pending, _ = s.handlePending(ctx, &mcpsdk.CallToolRequest{}, PendingInput{})
	if len(pending.Reviews) != 0 {
		t.Fatalf("expected no pending reviews after approval, got %d", len(pending.Reviews))
	}
}

func TestApproveInvalidDuration(t *testing.T) {
	s := newTestServer(t)
	_, _, err := s.handleApprove(context.Background(), &mcpsdk.CallToolRequest{}, ApproveInput{Key: "cd-x", Duration: "soon"})
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestRulesReportsTablesAndSpend(t *testing.T) {
	s := newTestServer(t)
	_, out, err := s.handleRules(context.Background(), &mcpsdk.CallToolRequest{}, RulesInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Version != "sha256:test" {
		t.Fatalf("expected version sha256:test, got %q", out.Version)
	}
	if len(out.HardFilters) != 3 {
		t.Fatalf("expected 3 hard filters, got %v", out.HardFilters)
	}
	if out.DailyCapCents != config.DefaultConfig().Council.DailyCapCents {
		t.Fatalf("expected default cap, got %d", out.DailyCapCents)
	}
	if out.SpentTodayCents != 0 {
		t.Fatalf("expected nothing spent, got %d", out.SpentTodayCents)
	}
}
