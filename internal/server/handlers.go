package server

import (
	"context"
	"net/http"
	"time"

	"github.com/ppiankov/govgate/internal/audit"
	"github.com/ppiankov/govgate/internal/council"
	"github.com/ppiankov/govgate/internal/fault"
	"github.com/ppiankov/govgate/internal/ids"
	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/protocol"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/evaluate", s.handleEvaluate)
	mux.HandleFunc("GET /v1/decisions", s.handleDecisions)
	mux.HandleFunc("GET /v1/decisions/latest", s.handleLatestDecision)
	mux.HandleFunc("GET /v1/decisions/{id}", s.handleDecision)
	mux.HandleFunc("GET /v1/rules", s.handleRules)

	mux.HandleFunc("POST /v1/transactions", s.handleCreateTransaction)
	mux.HandleFunc("GET /v1/transactions", s.handleTransactions)
	mux.HandleFunc("GET /v1/transactions/{id}", s.handleTransaction)
	mux.HandleFunc("POST /v1/transactions/{id}/response", s.handleResponse)
	mux.HandleFunc("POST /v1/transactions/{id}/evaluate", s.transactionStep(s.rt.Manager.Evaluate))
	mux.HandleFunc("POST /v1/transactions/{id}/enforce", s.transactionStep(s.rt.Manager.Enforce))

	mux.HandleFunc("POST /v1/commands", s.handleDeliberate)
	mux.HandleFunc("GET /v1/commands/{id}", s.handleCouncilDecision)
	mux.HandleFunc("POST /v1/commands/{id}/execute", s.handleExecute)

	mux.HandleFunc("POST /v1/queue", s.handleEnqueue)
	mux.HandleFunc("GET /v1/queue", s.handleQueue)
	mux.HandleFunc("POST /v1/queue/process", s.handleQueueProcess)
	mux.HandleFunc("POST /v1/queue/execute", s.handleQueueExecute)

	mux.HandleFunc("GET /v1/audit", s.handleAudit)

	return s.rateLimit(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":        "ok",
		"rules_version": s.Version(),
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var p model.Proposal
	if err := decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.rt.Evaluate(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"decisions": s.rt.Evaluator.History(limit),
		"total":     s.rt.Evaluator.Count(),
	})
}

func (s *Server) handleLatestDecision(w http.ResponseWriter, r *http.Request) {
	d, err := s.rt.Evaluator.Latest()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleDecision serves evaluator decisions by id and council decisions by
// their cd- prefix.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if ids.HasKind(id, ids.Council) {
		s.handleCouncilDecision(w, r)
		return
	}
	d, err := s.rt.Evaluator.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules, version := s.rt.Evaluator.Rules()
	cfg, _ := s.rt.Council.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"version": version,
		"rules":   rules,
		"council": cfg,
	})
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var p model.Proposal
	if err := decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	tx, err := s.rt.Manager.Create(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": s.rt.Manager.List(limit)})
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tx, err := s.rt.Manager.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction": tx,
		"retries":     s.rt.Manager.Retries(id),
	})
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	var resp protocol.Response
	if err := decode(r, &resp); err != nil {
		s.writeError(w, r, err)
		return
	}
	tx, err := s.rt.Manager.RecordResponse(r.Context(), r.PathValue("id"), resp)
	s.writeTransaction(w, r, tx, err)
}

func (s *Server) transactionStep(step func(ctx context.Context, id string) (protocol.Transaction, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tx, err := step(r.Context(), r.PathValue("id"))
		s.writeTransaction(w, r, tx, err)
	}
}

// writeTransaction reports a step failure as a problem document; the
// transaction itself stays queryable.
func (s *Server) writeTransaction(w http.ResponseWriter, r *http.Request, tx protocol.Transaction, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleDeliberate(w http.ResponseWriter, r *http.Request) {
	var cmd model.ExecuteCommand
	if err := decode(r, &cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	cd, err := s.rt.Council.Deliberate(r.Context(), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cd)
}

func (s *Server) handleCouncilDecision(w http.ResponseWriter, r *http.Request) {
	cd, err := s.rt.Council.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cd)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	out, err := s.rt.Council.Execute(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type enqueueRequest struct {
	Command      model.ExecuteCommand `json:"command"`
	ScheduledFor time.Time            `json:"scheduled_for"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	it, err := s.rt.Queue.Enqueue(req.Command, req.ScheduledFor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, it)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	status := council.ItemStatus(r.URL.Query().Get("status"))
	switch status {
	case "", council.ItemPending, council.ItemApproved, council.ItemHeld, council.ItemExecuted:
	default:
		s.writeError(w, r, fault.Validation("unknown queue status %q", status))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.rt.Queue.List(status)})
}

func (s *Server) handleQueueProcess(w http.ResponseWriter, r *http.Request) {
	items, err := s.rt.Queue.Process(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processed": items})
}

func (s *Server) handleQueueExecute(w http.ResponseWriter, r *http.Request) {
	items, err := s.rt.Queue.ExecuteApproved(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executed": items})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		Kind:          audit.Kind(q.Get("kind")),
		DecisionID:    q.Get("decision_id"),
		TransactionID: q.Get("transaction_id"),
		Limit:         limit,
	}
	entries, err := s.rt.Trail.Query(r.Context(), f)
	if err != nil {
		s.writeError(w, r, fault.Wrap(err, fault.KindInternal, "audit query failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
