package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/govgate/internal/audit"
	"github.com/ppiankov/govgate/internal/config"
)

var (
	tailLines    int
	replayKind   string
	replayTx     string
	replayDec    string
	replayFrom   string
	replayTo     string
	replayFormat string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditReplayCmd)
	auditCmd.AddCommand(auditCompactCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	auditReplayCmd.Flags().StringVar(&replayKind, "kind", "", "Entry kind (governance_decision|council_decision|execution_outcome|retention_applied)")
	auditReplayCmd.Flags().StringVar(&replayTx, "tx", "", "Transaction id")
	auditReplayCmd.Flags().StringVar(&replayDec, "decision", "", "Decision id")
	auditReplayCmd.Flags().StringVar(&replayFrom, "from", "", "Start time filter (RFC3339)")
	auditReplayCmd.Flags().StringVar(&replayTo, "to", "", "End time filter (RFC3339)")
	auditReplayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit trail operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit trail configured in the governance file.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path.jsonl]",
	Short: "Verify hash chain integrity of the audit trail",
	Long:  "Walks the audit trail and validates that every entry's prev_hash matches the SHA-256 of\nthe previous entry. With a path, verifies that JSONL file directly. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit entries",
	Args:  cobra.NoArgs,
	RunE:  runAuditTail,
}

var auditReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay decisions from the audit trail",
	Long:  "Filters the audit trail by transaction, decision, kind and time range,\nand renders a decision timeline with outcome counts.",
	Args:  cobra.NoArgs,
	RunE:  runAuditReplay,
}

var auditCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Apply the keep_last retention policy",
	Long:  "Records a retention_applied entry and prunes entries beyond audit.keep_last.\nThe chain stays verifiable from the recorded anchor.",
	Args:  cobra.NoArgs,
	RunE:  runAuditCompact,
}

func openAudit() (audit.Store, config.AuditConfig, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, config.AuditConfig{}, err
	}
	s, err := config.OpenAuditStore(cfg.Audit)
	if err != nil {
		return nil, config.AuditConfig{}, err
	}
	return s, cfg.Audit, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	var result audit.VerifyResult
	if len(args) == 1 {
		result = audit.Verify(args[0])
	} else {
		s, _, err := openAudit()
		if err != nil {
			return err
		}
		defer s.Close()
		result = audit.VerifyStore(cmd.Context(), s)
	}

	if result.Valid {
		suffix := ""
		if result.Anchored {
			suffix = " (anchored by retention record)"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries verified%s\n", result.Lines, suffix)
		return nil
	}
	return withExit(exitFailure, fmt.Errorf("FAILED at line %d: %s", result.ErrorLine, result.Error))
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	s, _, err := openAudit()
	if err != nil {
		return err
	}
	defer s.Close()

	entries, err := s.Query(cmd.Context(), audit.Filter{Limit: tailLines})
	if err != nil {
		return fmt.Errorf("read audit trail: %w", err)
	}
	for _, e := range entries {
		if err := printJSON(cmd.OutOrStdout(), e); err != nil {
			return err
		}
	}
	return nil
}

func runAuditReplay(cmd *cobra.Command, args []string) error {
	f := audit.Filter{
		Kind:          audit.Kind(replayKind),
		TransactionID: replayTx,
		DecisionID:    replayDec,
	}
	if replayFrom != "" {
		from, err := time.Parse(time.RFC3339, replayFrom)
		if err != nil {
			return fmt.Errorf("invalid --from time %q: %w", replayFrom, err)
		}
		f.Since = from
	}
	if replayTo != "" {
		to, err := time.Parse(time.RFC3339, replayTo)
		if err != nil {
			return fmt.Errorf("invalid --to time %q: %w", replayTo, err)
		}
		f.Until = to
	}

	s, _, err := openAudit()
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := audit.Replay(cmd.Context(), s, f)
	if err != nil {
		return err
	}

	switch replayFormat {
	case "json":
		out, err := audit.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
	default:
		fmt.Fprint(cmd.OutOrStdout(), audit.FormatTimeline(result))
	}
	return nil
}

func runAuditCompact(cmd *cobra.Command, args []string) error {
	s, cfg, err := openAudit()
	if err != nil {
		return err
	}
	if cfg.KeepLast <= 0 {
		s.Close()
		fmt.Fprintln(cmd.OutOrStdout(), "Retention disabled (audit.keep_last is 0); nothing to do.")
		return nil
	}
	trail := audit.NewTrail(s, audit.WithKeepLast(cfg.KeepLast))
	defer trail.Close()

	r, applied, err := trail.Compact(cmd.Context())
	if err != nil {
		return fmt.Errorf("compact audit trail: %w", err)
	}
	if !applied {
		fmt.Fprintf(cmd.OutOrStdout(), "Nothing to prune (keep_last %d).\n", cfg.KeepLast)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d entries before seq %d (anchor %s)\n", r.Pruned, r.BeforeSeq, r.AnchorHash)
	return nil
}
