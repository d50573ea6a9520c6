package audit

import (
	"context"
	"encoding/json"
	"fmt"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Anchored  bool   `json:"anchored,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify reads a JSONL audit log and validates the hash chain.
func Verify(path string) VerifyResult {
	var lines [][]byte
	if err := scanLines(path, func(line []byte) error {
		lines = append(lines, line)
		return nil
	}); err != nil {
		return VerifyResult{Error: err.Error()}
	}
	return VerifyLines(lines)
}

// VerifyStore validates the chain held by any Store.
func VerifyStore(ctx context.Context, s Store) VerifyResult {
	lines, err := s.Lines(ctx)
	if err != nil {
		return VerifyResult{Error: err.Error()}
	}
	return VerifyLines(lines)
}

// VerifyLines validates a chain given its raw lines in order.
// The first line must reference the genesis hash, or an anchor hash
// declared by a retention_applied record in the same chain.
// Returns Valid=true if the chain is intact, or details about the first
// broken link.
func VerifyLines(lines [][]byte) VerifyResult {
	entries := make([]Entry, len(lines))
	anchors := make(map[string]bool)
	for i, line := range lines {
		if err := json.Unmarshal(line, &entries[i]); err != nil {
			return VerifyResult{
				Error:     fmt.Sprintf("parse error: %v", err),
				ErrorLine: i + 1,
			}
		}
		if entries[i].Kind == KindRetentionApplied {
			var r Retention
			if err := json.Unmarshal(entries[i].Payload, &r); err == nil && r.AnchorHash != "" {
				anchors[r.AnchorHash] = true
			}
		}
	}

	res := VerifyResult{Lines: len(lines)}
	for i, e := range entries {
		if i == 0 {
			switch {
			case e.PrevHash == GenesisHash:
			case anchors[e.PrevHash]:
				res.Anchored = true
			default:
				return VerifyResult{
					Error:     fmt.Sprintf("first entry prev_hash is %q, expected genesis hash or a recorded retention anchor", e.PrevHash),
					ErrorLine: 1,
				}
			}
			continue
		}

		expectedHash := HashLine(lines[i-1])
		if e.PrevHash != expectedHash {
			return VerifyResult{
				Error:     fmt.Sprintf("hash mismatch: expected %s, got %s", expectedHash, e.PrevHash),
				ErrorLine: i + 1,
			}
		}
		if e.Seq <= entries[i-1].Seq {
			return VerifyResult{
				Error:     fmt.Sprintf("sequence regression: %d after %d", e.Seq, entries[i-1].Seq),
				ErrorLine: i + 1,
			}
		}
	}

	res.Valid = true
	return res
}
