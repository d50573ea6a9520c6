package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/govgate/internal/council"
	"github.com/ppiankov/govgate/internal/model"
)

var (
	queueAt     string
	queueStatus string
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueAddCmd, queueListCmd, queueProcessCmd, queueExecuteCmd)
	queueAddCmd.Flags().StringVar(&queueAt, "at", "", "Scheduled time (RFC3339, default now + 24h)")
	queueListCmd.Flags().StringVar(&queueStatus, "status", "", "Filter by status (PENDING|APPROVED|HELD|EXECUTED)")
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Launch queue operations",
	Long:  "Batches agent commands for deliberation. Process runs every PENDING item past the council;\nexecute dispatches the APPROVED ones. Held items stay in the queue for review.",
}

var queueAddCmd = &cobra.Command{
	Use:   "add <command.json|->",
	Short: "Enqueue a command",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueAdd,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued commands",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Deliberate every pending item",
	Args:  cobra.NoArgs,
	RunE:  runQueueProcess,
}

var queueExecuteCmd = &cobra.Command{
	Use:   "execute",
	Short: "Dispatch every approved item",
	Args:  cobra.NoArgs,
	RunE:  runQueueExecute,
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	data, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}
	var c model.ExecuteCommand
	if err := decodeStrict(data, &c); err != nil {
		return fmt.Errorf("parse command: %w", err)
	}
	var at time.Time
	if queueAt != "" {
		if at, err = time.Parse(time.RFC3339, queueAt); err != nil {
			return fmt.Errorf("invalid --at time %q: %w", queueAt, err)
		}
	}

	rt, _, _, err := openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	it, err := rt.Queue.Enqueue(c, at)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued %s (command %s) for %s\n", it.ID, it.Command.ID, it.ScheduledFor.Format(time.RFC3339))
	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	status := council.ItemStatus(queueStatus)
	switch status {
	case "", council.ItemPending, council.ItemApproved, council.ItemHeld, council.ItemExecuted:
	default:
		return fmt.Errorf("unknown queue status %q", queueStatus)
	}

	rt, _, _, err := openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	items := rt.Queue.List(status)
	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
		return nil
	}
	printItems(cmd.OutOrStdout(), items)
	return nil
}

func runQueueProcess(cmd *cobra.Command, args []string) error {
	rt, _, _, err := openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	items, err := rt.Queue.Process(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Processed %d item(s)\n", len(items))
	printItems(cmd.OutOrStdout(), items)
	return nil
}

func runQueueExecute(cmd *cobra.Command, args []string) error {
	rt, _, _, err := openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	items, err := rt.Queue.ExecuteApproved(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Executed %d item(s)\n", len(items))
	printItems(cmd.OutOrStdout(), items)
	return nil
}

func printItems(w io.Writer, items []council.Item) {
	fmt.Fprintf(w, "%-40s %-9s %-9s %-20s %s\n", "ID", "TYPE", "STATUS", "SCHEDULED", "NOTE")
	for _, it := range items {
		note := string(it.Escalation)
		if it.Error != "" {
			note = truncate(it.Error, 60)
		}
		fmt.Fprintf(w, "%-40s %-9s %-9s %-20s %s\n",
			it.ID,
			it.Command.Type,
			it.Status,
			it.ScheduledFor.Format("2006-01-02 15:04"),
			note,
		)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
