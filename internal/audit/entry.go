package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ppiankov/govgate/internal/ids"
	"github.com/ppiankov/govgate/internal/model"
)

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = ids.TimeFormat

// GenesisHash is the prev_hash for the first entry in a new audit trail.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Kind is the type of record an entry wraps.
type Kind string

const (
	KindGovernanceDecision Kind = "governance_decision"
	KindCouncilDecision    Kind = "council_decision"
	KindExecutionOutcome   Kind = "execution_outcome"
	KindRetentionApplied   Kind = "retention_applied"
)

// Entry is one record in the hash-chained audit trail.
// Field order is fixed (no maps) so json.Marshal output is reproducible
// and the chain hash is stable across processes.
type Entry struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	Timestamp     string          `json:"ts"`
	Kind          Kind            `json:"kind"`
	DecisionID    string          `json:"decision_id,omitempty"`
	TransactionID string          `json:"tx_id,omitempty"`
	Summary       string          `json:"summary"`
	RulesVersion  string          `json:"rules_version,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	PrevHash      string          `json:"prev_hash"`
}

// Retention is the payload of a retention_applied entry.
type Retention struct {
	Policy     string `json:"policy"`
	KeepLast   int    `json:"keep_last"`
	Pruned     int    `json:"pruned"`
	BeforeSeq  int64  `json:"before_seq"`
	AnchorHash string `json:"anchor_hash"`
}

// Filter selects entries. Zero fields do not filter.
type Filter struct {
	Kind          Kind
	DecisionID    string
	TransactionID string
	Since         time.Time
	Until         time.Time
	AfterSeq      int64
	// Limit keeps the most recent N matches, still in append order.
	Limit int
}

func (f Filter) match(e Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.DecisionID != "" && e.DecisionID != f.DecisionID {
		return false
	}
	if f.TransactionID != "" && e.TransactionID != f.TransactionID {
		return false
	}
	if e.Seq <= f.AfterSeq {
		return false
	}
	if !f.Since.IsZero() || !f.Until.IsZero() {
		ts, err := time.Parse(TimestampFormat, e.Timestamp)
		if err != nil {
			return false
		}
		if !f.Since.IsZero() && ts.Before(f.Since) {
			return false
		}
		if !f.Until.IsZero() && ts.After(f.Until) {
			return false
		}
	}
	return true
}

func applyLimit(entries []Entry, limit int) []Entry {
	if limit > 0 && len(entries) > limit {
		return entries[len(entries)-limit:]
	}
	return entries
}

// Stats describes the stored range.
type Stats struct {
	Count    int    `json:"count"`
	FirstSeq int64  `json:"first_seq"`
	LastSeq  int64  `json:"last_seq"`
	LastHash string `json:"last_hash"`
}

// Store is a durable, append-only entry log. Append is the only operation
// that adds records; Prune is reserved for Trail's recorded retention.
type Store interface {
	// Append assigns seq, timestamp (if empty) and prev_hash and persists e.
	// Appending an id that already exists returns the stored entry and false.
	Append(ctx context.Context, e Entry) (Entry, bool, error)
	Query(ctx context.Context, f Filter) ([]Entry, error)
	// At returns the entry with the given seq.
	At(ctx context.Context, seq int64) (Entry, bool, error)
	Stats(ctx context.Context) (Stats, error)
	// Prune removes entries with seq < beforeSeq and returns how many were removed.
	Prune(ctx context.Context, beforeSeq int64) (int, error)
	// Lines returns the raw chained lines in seq order, for verification.
	Lines(ctx context.Context) ([][]byte, error)
	Close() error
}

func newEntry(kind Kind, summary string, payload any) (Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal %s payload: %w", kind, err)
	}
	return Entry{
		ID:      ids.New(ids.AuditEntry),
		Kind:    kind,
		Summary: summary,
		Payload: raw,
	}, nil
}

// GovernanceEntry wraps an evaluator decision. The entry id is derived from
// the decision id so retried persistence is idempotent.
func GovernanceEntry(d model.GovernanceDecision, txID string) (Entry, error) {
	e, err := newEntry(KindGovernanceDecision, string(d.Verdict), d)
	if err != nil {
		return Entry{}, err
	}
	e.ID = "ae-" + d.ID
	if txID != "" {
		e.ID = "ae-" + txID + "-" + d.ID
	}
	e.DecisionID = d.ID
	e.TransactionID = txID
	e.RulesVersion = d.RulesVersion
	return e, nil
}

// CouncilEntry wraps a council decision.
func CouncilEntry(cd model.CouncilDecision) (Entry, error) {
	e, err := newEntry(KindCouncilDecision, string(cd.FinalDecision), cd)
	if err != nil {
		return Entry{}, err
	}
	e.ID = "ae-" + cd.ID
	e.DecisionID = cd.ID
	e.RulesVersion = cd.RulesVersion
	return e, nil
}

// ExecutionEntry records the outcome of dispatching an authorized command.
func ExecutionEntry(out model.ExecutionOutcome) (Entry, error) {
	summary := "success"
	if !out.Success {
		summary = "failure"
	}
	e, err := newEntry(KindExecutionOutcome, summary, out)
	if err != nil {
		return Entry{}, err
	}
	e.ID = "ae-exec-" + out.DecisionID
	e.DecisionID = out.DecisionID
	return e, nil
}

// TransactionEntry records a protocol transaction reaching a terminal state.
// payload is the transaction snapshot; summary is its final status.
func TransactionEntry(txID, decisionID, status, rulesVersion string, payload any) (Entry, error) {
	e, err := newEntry(KindGovernanceDecision, status, payload)
	if err != nil {
		return Entry{}, err
	}
	e.ID = "ae-" + txID + "-" + status
	e.TransactionID = txID
	e.DecisionID = decisionID
	e.RulesVersion = rulesVersion
	return e, nil
}

// Decode unmarshals the payload into v.
func (e Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("audit: decode %s payload: %w", e.Kind, err)
	}
	return nil
}

func (e Entry) stamp(seq int64, prevHash string) Entry {
	e.Seq = seq
	e.PrevHash = prevHash
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}
	if e.ID == "" {
		e.ID = ids.New(ids.AuditEntry)
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("null")
	}
	return e
}
