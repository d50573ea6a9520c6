package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ppiankov/govgate/internal/model"
)

var (
	delibFormat  string
	delibExecute bool
)

func init() {
	rootCmd.AddCommand(deliberateCmd)
	deliberateCmd.Flags().StringVarP(&delibFormat, "format", "f", "text", "Output format (text|json)")
	deliberateCmd.Flags().BoolVar(&delibExecute, "execute", false, "Dispatch the command immediately when authorized")
}

var deliberateCmd = &cobra.Command{
	Use:   "deliberate <command.json|->",
	Short: "Run an agent command past the council",
	Long: "Submits an ExecuteCommand to the strategic, resource and viability voters.\n" +
		"Unanimous approval authorizes execution; anything else is held with a Chairman alert\n" +
		"and a manual review request. Exits 2 on HOLD.",
	Args: cobra.ExactArgs(1),
	RunE: runDeliberate,
}

func runDeliberate(cmd *cobra.Command, args []string) error {
	data, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}
	var c model.ExecuteCommand
	if err := decodeStrict(data, &c); err != nil {
		return fmt.Errorf("parse command: %w", err)
	}

	ctx := cmd.Context()
	rt, _, _, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	cd, err := rt.Council.Deliberate(ctx, c)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if err := printCouncilDecision(out, cd); err != nil {
		return err
	}
	if cd.FinalDecision != model.DecisionAutoExecute {
		return withExit(exitBlocked, nil)
	}

	if delibExecute {
		res, err := rt.Council.Execute(ctx, cd.ID)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("execution failed: %s", res.Error)
		}
		fmt.Fprintf(out, "Executed %s\n", res.CommandID)
	}
	return nil
}

func printCouncilDecision(w io.Writer, cd model.CouncilDecision) error {
	if delibFormat == "json" {
		return printJSON(w, cd)
	}
	fmt.Fprintf(w, "Decision:  %s\n", cd.FinalDecision)
	fmt.Fprintf(w, "ID:        %s (command %s)\n", cd.ID, cd.Command.ID)
	fmt.Fprintf(w, "Cost:      %s\n", formatCents(cd.EstimatedCost))
	for _, v := range cd.Votes {
		fmt.Fprintf(w, "  %-10s %-5s %s\n", v.Voter, v.Outcome, v.Reasoning)
		for _, c := range v.FailedChecks() {
			fmt.Fprintf(w, "             - %s (%s): %s\n", c.Name, c.Severity, c.Detail)
		}
	}
	if cd.Alert != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Chairman alert [%s]: %s\n", cd.Alert.Escalation, cd.Alert.RecommendedAction)
	}
	return nil
}

func formatCents(c int64) string {
	return fmt.Sprintf("$%d.%02d", c/100, c%100)
}
