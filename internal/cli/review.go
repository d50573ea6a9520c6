package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/govgate/internal/approval"
)

var (
	reviewer        string
	approveDuration time.Duration
	denyNote        string
	reviewAll       bool
	purgeOlderThan  time.Duration
)

func init() {
	rootCmd.AddCommand(reviewCmd)
	reviewCmd.AddCommand(reviewPendingCmd, reviewShowCmd, reviewApproveCmd, reviewDenyCmd, reviewExecuteCmd, reviewPurgeCmd)
	reviewCmd.PersistentFlags().StringVar(&reviewer, "reviewer", os.Getenv("USER"), "Reviewer name recorded on the decision")
	reviewPendingCmd.Flags().BoolVar(&reviewAll, "all", false, "Include resolved reviews")
	reviewApproveCmd.Flags().DurationVar(&approveDuration, "duration", 0, "Validity period (e.g., 1h). Default: one-time use")
	reviewDenyCmd.Flags().StringVar(&denyNote, "note", "", "Reason for denial")
	reviewPurgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 7*24*time.Hour, "Remove reviews resolved before this age")
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Manual review of held council decisions",
	Long:  "Every HOLD decision opens a review keyed by its council decision id (cd-...).\nAn approved review can be executed once.",
}

var reviewPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List reviews awaiting a decision",
	Args:  cobra.NoArgs,
	RunE:  runReviewPending,
}

var reviewShowCmd = &cobra.Command{
	Use:   "show <decision-id>",
	Short: "Show a review with its held command",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewShow,
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve <decision-id>",
	Short: "Approve a held command",
	Long:  "Approves a pending review. Without --duration, approval is one-time (consumed on execute).\nWith --duration, approval expires after the given period.",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewApprove,
}

var reviewDenyCmd = &cobra.Command{
	Use:   "deny <decision-id>",
	Short: "Deny a held command",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewDeny,
}

var reviewExecuteCmd = &cobra.Command{
	Use:   "execute <decision-id>",
	Short: "Dispatch an approved held command",
	Args:  cobra.ExactArgs(1),
	RunE:  runReviewExecute,
}

var reviewPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete resolved reviews",
	Long:  "Removes denied, consumed and expired reviews resolved longer ago than --older-than.\nPending reviews are never purged.",
	Args:  cobra.NoArgs,
	RunE:  runReviewPurge,
}

func reviewStore() (*approval.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := approval.NewStore(cfg.ReviewDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open review store: %w", err)
	}
	return store, nil
}

func runReviewPending(cmd *cobra.Command, args []string) error {
	store, err := reviewStore()
	if err != nil {
		return err
	}

	list, err := store.Pending()
	if reviewAll {
		list, err = store.List()
	}
	if err != nil {
		return fmt.Errorf("failed to list reviews: %w", err)
	}

	w := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(w, "No pending reviews.")
		return nil
	}

	fmt.Fprintf(w, "%-40s %-9s %-9s %-9s %-45s %s\n", "KEY", "STATUS", "TYPE", "LEVEL", "REASON", "CREATED")
	for _, a := range list {
		fmt.Fprintf(w, "%-40s %-9s %-9s %-9s %-45s %s\n",
			a.Key,
			a.Status,
			a.Command.Type,
			a.Escalation,
			truncate(a.Reason, 45),
			a.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return nil
}

func runReviewShow(cmd *cobra.Command, args []string) error {
	store, err := reviewStore()
	if err != nil {
		return err
	}
	a, err := store.Get(args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), a)
}

func runReviewApprove(cmd *cobra.Command, args []string) error {
	key := args[0]
	store, err := reviewStore()
	if err != nil {
		return err
	}
	if err := store.Approve(key, reviewer, approveDuration); err != nil {
		return err
	}

	if approveDuration > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Approved %q for %s\n", key, approveDuration)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Approved %q (one-time use)\n", key)
	}
	return nil
}

func runReviewDeny(cmd *cobra.Command, args []string) error {
	key := args[0]
	store, err := reviewStore()
	if err != nil {
		return err
	}
	if err := store.Deny(key, reviewer, denyNote); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Denied %q\n", key)
	return nil
}

func runReviewExecute(cmd *cobra.Command, args []string) error {
	rt, _, _, err := openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	out, err := rt.Council.ExecuteReviewed(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("execution failed: %s", out.Error)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Executed %s (decision %s)\n", out.CommandID, out.DecisionID)
	return nil
}

func runReviewPurge(cmd *cobra.Command, args []string) error {
	store, err := reviewStore()
	if err != nil {
		return err
	}
	n, err := store.Purge(purgeOlderThan)
	if err != nil {
		return fmt.Errorf("purge reviews: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged %d review(s)\n", n)
	return nil
}
