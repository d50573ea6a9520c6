package audit

import (
	"context"
	"strings"
)

// ReplaySummary holds outcome counts for a replayed range.
type ReplaySummary struct {
	Total          int    `json:"total"`
	ApproveCount   int    `json:"approve_count"`
	ModifyCount    int    `json:"modify_count"`
	RejectCount    int    `json:"reject_count"`
	ExecuteCount   int    `json:"auto_execute_count"`
	HoldCount      int    `json:"hold_count"`
	EnforcedCount  int    `json:"enforced_count"`
	FailedCount    int    `json:"failed_count"`
	ExecutionOK    int    `json:"execution_ok"`
	ExecutionError int    `json:"execution_error"`
	RetentionCount int    `json:"retention_count"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
}

// ReplayResult holds filtered entries and their summary.
type ReplayResult struct {
	Scope   string        `json:"scope"`
	Entries []Entry       `json:"entries"`
	Summary ReplaySummary `json:"summary"`
}

// Replay returns the entries matching f from s with a summary.
func Replay(ctx context.Context, s Store, f Filter) (*ReplayResult, error) {
	entries, err := s.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	result := &ReplayResult{Scope: scopeOf(f)}
	for _, e := range entries {
		result.Entries = append(result.Entries, e)
		updateSummary(&result.Summary, e)
	}
	return result, nil
}

func scopeOf(f Filter) string {
	switch {
	case f.TransactionID != "":
		return f.TransactionID
	case f.DecisionID != "":
		return f.DecisionID
	case f.Kind != "":
		return string(f.Kind)
	default:
		return "all"
	}
}

func updateSummary(s *ReplaySummary, e Entry) {
	s.Total++

	switch e.Kind {
	case KindRetentionApplied:
		s.RetentionCount++
	case KindExecutionOutcome:
		if e.Summary == "success" {
			s.ExecutionOK++
		} else {
			s.ExecutionError++
		}
	default:
		switch strings.ToUpper(e.Summary) {
		case "APPROVE":
			s.ApproveCount++
		case "MODIFY":
			s.ModifyCount++
		case "REJECT":
			s.RejectCount++
		case "AUTO_EXECUTE":
			s.ExecuteCount++
		case "HOLD":
			s.HoldCount++
		case "ENFORCED":
			s.EnforcedCount++
		case "FAILED":
			s.FailedCount++
		}
	}

	if s.FirstTimestamp == "" {
		s.FirstTimestamp = e.Timestamp
	}
	s.LastTimestamp = e.Timestamp
}
