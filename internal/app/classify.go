package app

import (
	"fmt"

	"messageagent/internal/classify"

	"github.com/spf13/cobra"
)

func newClassifyCmd(a *app) *cobra.Command {
	var (
		once  bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify unclassified messages into projects",
		Long: `Classify every unclassified message with the LLM. Results at or above the
confidence threshold are stored as automatic classifications.

Ctrl-C stops after the batch in flight; the job is recorded as cancelled.

Examples:
  messageagent classify
  messageagent classify --once --limit 40`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.classifier(true)
			if err != nil {
				return err
			}
			var res classify.RunResult
			if once {
				res, err = c.ClassifyOnce(cmd.Context(), limit)
			} else {
				res, err = c.Run(cmd.Context())
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatRunResult(res))
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single round over at most --limit messages")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "max messages for --once (default classify_page_size)")
	return cmd
}

func newAssignCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "assign <message-id> <project-id>",
		Short: "Manually assign a message to a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _ := a.classifier(false)
			if err := c.Assign(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Assigned %s to %s.\n", args[0], args[1])
			return nil
		},
	}
}

func newUnassignCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unassign <message-id>",
		Short: "Clear a message's project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _ := a.classifier(false)
			if err := c.Unassign(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unassigned %s.\n", args[0])
			return nil
		},
	}
}

func formatRunResult(r classify.RunResult) string {
	msg := fmt.Sprintf("Classification %s: %d processed, %d classified", r.Status, r.Processed, r.Classified)
	if r.FailedBatches > 0 {
		msg += fmt.Sprintf(", %d failed batches", r.FailedBatches)
	}
	if r.Rounds > 1 {
		msg += fmt.Sprintf(" over %d rounds", r.Rounds)
	}
	msg += "."
	if r.JobID != "" {
		msg += fmt.Sprintf(" (job %s)", r.JobID)
	}
	return msg
}
