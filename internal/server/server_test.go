package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/govgate/internal/audit"
	"github.com/ppiankov/govgate/internal/config"
	"github.com/ppiankov/govgate/internal/council"
	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/protocol"
)

const cleanAction = "Add normalization step to the ingestion pipeline and dedupe source rows"

type fixture struct {
	srv  *Server
	rt   *config.Runtime
	path string
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "governance.yaml")
	require.NoError(t, os.WriteFile(path, []byte(config.DefaultYAML()), 0o600))

	cfg, version, err := config.LoadWithHash(path)
	require.NoError(t, err)
	cfg.Audit.Path = filepath.Join(dir, "audit.jsonl")
	cfg.ReviewDir = filepath.Join(dir, "review")
	cfg.QueuePath = filepath.Join(dir, "queue.json")
	if mutate != nil {
		mutate(cfg)
	}

	rt, err := config.Open(context.Background(), cfg, version, nil)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })

	return &fixture{srv: New(rt, cfg, version, path, nil), rt: rt, path: path}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func proposal() model.Proposal {
	return model.Proposal{
		Source:         "proposer",
		RootCauseClass: model.ClassDataIntegrity,
		ProposedAction: cleanAction,
		ProjectedImpact: model.ProjectedImpact{
			Deltas:    map[string]float64{"volatility": 0.02, "accuracy": 0.05},
			RiskNotes: "limited blast radius",
		},
	}
}

func postCommand() model.ExecuteCommand {
	return model.ExecuteCommand{
		AgentID:  "content-agent",
		Type:     model.CommandPost,
		Priority: model.PriorityMedium,
		Payload: model.CommandPayload{
			Title:   "Spring product update",
			Content: "See what shipped in the new release.",
			CTA:     "Read the changelog",
		},
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, f.srv.Version(), body["rules_version"])
}

func TestEvaluateApprove(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/v1/decisions/latest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no decision yet")

	rec = f.do(t, http.MethodPost, "/v1/evaluate", proposal())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	d := decodeBody[model.GovernanceDecision](t, rec)
	assert.Equal(t, model.VerdictApprove, d.Verdict)
	assert.Equal(t, f.srv.Version(), d.RulesVersion)

	rec = f.do(t, http.MethodGet, "/v1/decisions/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, d.ID, decodeBody[model.GovernanceDecision](t, rec).ID)

	rec = f.do(t, http.MethodGet, "/v1/decisions/"+d.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/decisions?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[struct {
		Decisions []model.GovernanceDecision `json:"decisions"`
		Total     int                        `json:"total"`
	}](t, rec)
	assert.Len(t, list.Decisions, 1)
	assert.Equal(t, 1, list.Total)
}

func TestUnauthorizedSourceIsForbiddenProblem(t *testing.T) {
	f := newFixture(t, nil)
	p := proposal()
	p.Source = "intern"

	rec := f.do(t, http.MethodPost, "/v1/evaluate", p)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	prob := decodeBody[Problem](t, rec)
	assert.Equal(t, "authority", prob.Kind)
	assert.Equal(t, http.StatusForbidden, prob.Status)
	assert.Equal(t, "/v1/evaluate", prob.Instance)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		method string
		target string
		body   any
		status int
	}{
		{"unknown field", http.MethodPost, "/v1/evaluate", `{"source":"proposer","verdict":"APPROVE"}`, http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/v1/evaluate", `{"source":`, http.StatusBadRequest},
		{"negative limit", http.MethodGet, "/v1/decisions?limit=-1", nil, http.StatusBadRequest},
		{"bad queue status", http.MethodGet, "/v1/queue?status=LOST", nil, http.StatusBadRequest},
		{"unknown decision", http.MethodGet, "/v1/decisions/gd-missing", nil, http.StatusNotFound},
		{"unknown transaction", http.MethodGet, "/v1/transactions/tx-missing", nil, http.StatusNotFound},
		{"wrong method", http.MethodDelete, "/v1/evaluate", nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestRulesEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/v1/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]json.RawMessage](t, rec)
	assert.Contains(t, body, "rules")
	assert.Contains(t, body, "council")
	var version string
	require.NoError(t, json.Unmarshal(body["version"], &version))
	assert.Equal(t, f.srv.Version(), version)
}

func TestCommandDeliberateAndExecuteOnce(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/commands", postCommand())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cd := decodeBody[model.CouncilDecision](t, rec)
	require.Equal(t, model.DecisionAutoExecute, cd.FinalDecision)

	rec = f.do(t, http.MethodGet, "/v1/commands/"+cd.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/v1/decisions/"+cd.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, "council ids resolve on the decision route")

	rec = f.do(t, http.MethodPost, "/v1/commands/"+cd.ID+"/execute", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeBody[model.ExecutionOutcome](t, rec)
	assert.True(t, out.Success)

	rec = f.do(t, http.MethodPost, "/v1/commands/"+cd.ID+"/execute", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decodeBody[Problem](t, rec).Kind)
}

func TestHeldCommandDoesNotExecute(t *testing.T) {
	f := newFixture(t, nil)
	cmd := model.ExecuteCommand{
		AgentID:  "email-agent",
		Type:     model.CommandEmail,
		Priority: model.PriorityMedium,
		Payload:  model.CommandPayload{Title: "Monthly newsletter", Content: "Here is what we shipped this month."},
	}

	rec := f.do(t, http.MethodPost, "/v1/commands", cmd)
	require.Equal(t, http.StatusOK, rec.Code)
	cd := decodeBody[model.CouncilDecision](t, rec)
	require.Equal(t, model.DecisionHold, cd.FinalDecision)
	require.NotNil(t, cd.Alert)

	rec = f.do(t, http.MethodPost, "/v1/commands/"+cd.ID+"/execute", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestQueueLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/queue", map[string]any{"command": postCommand()})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	it := decodeBody[council.Item](t, rec)
	assert.Equal(t, council.ItemPending, it.Status)

	rec = f.do(t, http.MethodPost, "/v1/queue/process", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	processed := decodeBody[struct {
		Processed []council.Item `json:"processed"`
	}](t, rec)
	require.Len(t, processed.Processed, 1)
	assert.Equal(t, council.ItemApproved, processed.Processed[0].Status)

	rec = f.do(t, http.MethodPost, "/v1/queue/execute", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	executed := decodeBody[struct {
		Executed []council.Item `json:"executed"`
	}](t, rec)
	require.Len(t, executed.Executed, 1)
	assert.True(t, executed.Executed[0].Success)

	rec = f.do(t, http.MethodGet, "/v1/queue?status=EXECUTED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeBody[struct {
		Items []council.Item `json:"items"`
	}](t, rec)
	assert.Len(t, items.Items, 1)
}

func TestTransactionFlow(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/transactions", proposal())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tx := decodeBody[protocol.Transaction](t, rec)
	assert.Equal(t, protocol.StatusPending, tx.Status)

	rec = f.do(t, http.MethodPost, "/v1/transactions/"+tx.ID+"/evaluate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "evaluate before a response is out of order")

	resp := protocol.Response{
		Responder:         "strategist",
		RecommendedAction: cleanAction,
		Confidence:        0.8,
		RootCauseClass:    model.ClassDataIntegrity,
		RiskLevel:         protocol.RiskLow,
	}
	rec = f.do(t, http.MethodPost, "/v1/transactions/"+tx.ID+"/response", resp)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, protocol.StatusResponded, decodeBody[protocol.Transaction](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/v1/transactions/"+tx.ID+"/evaluate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decided := decodeBody[protocol.Transaction](t, rec)
	assert.Equal(t, protocol.StatusDecided, decided.Status)
	require.NotNil(t, decided.Decision)
	assert.Equal(t, model.VerdictApprove, decided.Decision.Verdict)

	rec = f.do(t, http.MethodPost, "/v1/transactions/"+tx.ID+"/enforce", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, protocol.StatusEnforced, decodeBody[protocol.Transaction](t, rec).Status)

	rec = f.do(t, http.MethodGet, "/v1/transactions/"+tx.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[struct {
		Transaction protocol.Transaction `json:"transaction"`
	}](t, rec)
	assert.Equal(t, protocol.StatusEnforced, got.Transaction.Status)

	rec = f.do(t, http.MethodGet, "/v1/audit?transaction_id="+tx.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[struct {
		Entries []audit.Entry `json:"entries"`
	}](t, rec)
	require.Len(t, entries.Entries, 1)
	assert.Equal(t, "ENFORCED", entries.Entries[0].Summary)
}

func TestAuditQueryFilters(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/evaluate", proposal()).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/commands", postCommand()).Code)

	rec := f.do(t, http.MethodGet, "/v1/audit?kind=council_decision", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[struct {
		Entries []audit.Entry `json:"entries"`
	}](t, rec)
	require.Len(t, entries.Entries, 1)
	assert.Equal(t, audit.KindCouncilDecision, entries.Entries[0].Kind)

	rec = f.do(t, http.MethodGet, "/v1/audit?limit=10", nil)
	entries = decodeBody[struct {
		Entries []audit.Entry `json:"entries"`
	}](t, rec)
	assert.Len(t, entries.Entries, 2)
}

func TestRateLimited(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Server.RateLimit.RequestsPerSecond = 0.001
		cfg.Server.RateLimit.Burst = 2
	})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil).Code)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeBody[Problem](t, rec).Kind)
}
