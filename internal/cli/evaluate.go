package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/govgate/internal/model"
	"github.com/ppiankov/govgate/internal/protocol"
)

var (
	evalFormat   string
	evalResponse string
)

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().StringVarP(&evalFormat, "format", "f", "text", "Output format (text|json)")
	evaluateCmd.Flags().StringVar(&evalResponse, "response", "", "Strategist response JSON; runs the full transaction lifecycle")
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <proposal.json|->",
	Short: "Evaluate a proposal against the rule tables",
	Long: "Runs a proposal through hard filters, gates and soft filters and prints the verdict.\n" +
		"With --response, the proposal and response go through the transaction lifecycle\n" +
		"(respond, evaluate, enforce) instead. Exits 2 on REJECT.",
	Args: cobra.ExactArgs(1),
	RunE: runEvaluate,
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	data, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}
	var p model.Proposal
	if err := decodeStrict(data, &p); err != nil {
		return fmt.Errorf("parse proposal: %w", err)
	}

	ctx := cmd.Context()
	rt, _, _, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	out := cmd.OutOrStdout()

	if evalResponse != "" {
		raw, err := readInput(cmd, evalResponse)
		if err != nil {
			return err
		}
		var r protocol.Response
		if err := decodeStrict(raw, &r); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
		tx, runErr := rt.Manager.Run(ctx, p, r)
		if tx.ID != "" {
			if err := printTransaction(out, tx); err != nil {
				return err
			}
		}
		if runErr != nil {
			return runErr
		}
		return verdictExit(tx.Decision.Verdict)
	}

	d, err := rt.Evaluate(ctx, p)
	if err != nil {
		return err
	}
	if err := printDecision(out, d); err != nil {
		return err
	}
	return verdictExit(d.Verdict)
}

func verdictExit(v model.Verdict) error {
	if v == model.VerdictReject {
		return withExit(exitBlocked, nil)
	}
	return nil
}

func printDecision(w io.Writer, d model.GovernanceDecision) error {
	if evalFormat == "json" {
		return printJSON(w, d)
	}
	fmt.Fprintf(w, "Verdict:     %s\n", d.Verdict)
	fmt.Fprintf(w, "Instruction: %s\n", d.Instruction)
	fmt.Fprintf(w, "Reason:      %s\n", d.Reason)
	if d.Guidance != "" {
		fmt.Fprintf(w, "Guidance:    %s\n", d.Guidance)
	}
	if d.Advisory != "" {
		fmt.Fprintf(w, "Advisory:    %s\n", d.Advisory)
	}
	fmt.Fprintf(w, "Decision:    %s (rules %s)\n", d.ID, shortVersion(d.RulesVersion))
	fmt.Fprintln(w)
	printTier(w, "hard", d.HardFilters)
	printTier(w, "gate", d.Gates)
	printTier(w, "soft", d.SoftFilters)
	return nil
}

func printTier(w io.Writer, tier string, results []model.FilterResult) {
	for _, r := range results {
		mark := "PASS"
		if !r.Passed {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "  %-5s %-4s %-32s %s\n", tier, mark, r.Name, r.Reason)
	}
}

func printTransaction(w io.Writer, tx protocol.Transaction) error {
	if evalFormat == "json" {
		return printJSON(w, tx)
	}
	fmt.Fprintf(w, "Transaction: %s\n", tx.ID)
	fmt.Fprintf(w, "Status:      %s\n", tx.Status)
	if tx.Decision != nil {
		fmt.Fprintf(w, "Verdict:     %s\n", tx.Decision.Verdict)
		fmt.Fprintf(w, "Reason:      %s\n", tx.Decision.Reason)
	}
	if tx.Enforcement != nil {
		fmt.Fprintf(w, "Action:      %s\n", tx.Enforcement.Action)
	}
	for _, e := range tx.Errors {
		fmt.Fprintf(w, "  error %s/%s at %s: %s\n", e.Class, e.Kind, e.Step, e.Message)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(out))
	return nil
}

func shortVersion(v string) string {
	const prefix = "sha256:"
	if strings.HasPrefix(v, prefix) && len(v) > len(prefix)+12 {
		return v[:len(prefix)+12]
	}
	return v
}
