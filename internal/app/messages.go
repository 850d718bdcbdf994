package app

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"messageagent/internal/domain"
	"messageagent/internal/storage/sqlite"

	"github.com/spf13/cobra"
)

const bodyPreviewRunes = 80

func newMessagesCmd(a *app) *cobra.Command {
	var f domain.MessageFilter
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List stored messages, newest first",
		Long: `List stored messages, newest first.

Examples:
  messageagent messages --unclassified --limit 20
  messageagent messages --project <id> --query release`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := a.store.ListMessages(cmd.Context(), f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintln(out, "No messages found.")
				return nil
			}
			for _, m := range msgs {
				fmt.Fprintln(out, a.formatMessage(m))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "filter by project id")
	cmd.Flags().StringVar(&f.SourceID, "source", "", "filter by source id")
	cmd.Flags().BoolVar(&f.Unclassified, "unclassified", false, "only messages without a project")
	cmd.Flags().StringVarP(&f.Query, "query", "q", "", "substring match on the plain body")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 50, "max messages")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "messages to skip")
	return cmd
}

func (a *app) formatMessage(m domain.Message) string {
	tag := "unclassified"
	if m.ProjectID != "" {
		tag = fmt.Sprintf("%s:%s", m.Classification, m.ProjectID)
		if m.Confidence != nil {
			tag += fmt.Sprintf(" %.2f", *m.Confidence)
		}
	}
	body := strings.Join(strings.Fields(m.BodyPlain), " ")
	if r := []rune(body); len(r) > bodyPreviewRunes {
		body = string(r[:bodyPreviewRunes]) + "..."
	}
	return fmt.Sprintf("%s %s [%s] %s: %s",
		m.SentAt.In(a.cfg.Location).Format("2006-01-02 15:04"), m.ID, tag, m.SenderName, body)
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show message counts, sync states and the latest classification job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			total, err := a.store.CountMessages(ctx)
			if err != nil {
				return err
			}
			unclassified, err := a.store.CountUnclassifiedMessages(ctx)
			if err != nil {
				return err
			}
			byProject, err := a.store.CountMessagesByProject(ctx)
			if err != nil {
				return err
			}
			projectList, err := a.store.ListProjects(ctx, true)
			if err != nil {
				return err
			}
			states, err := a.store.ListSyncStates(ctx)
			if err != nil {
				return err
			}
			job, err := a.store.LatestJob(ctx)
			if err != nil && !errors.Is(err, sqlite.ErrNotFound) {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Messages: %d total, %d unclassified\n", total, unclassified)

			if len(byProject) > 0 {
				names := make(map[string]string, len(projectList))
				for _, p := range projectList {
					names[p.ID] = p.Name
				}
				ids := make([]string, 0, len(byProject))
				for id := range byProject {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				fmt.Fprintln(out, "By project:")
				for _, id := range ids {
					name := names[id]
					if name == "" {
						name = id
					}
					fmt.Fprintf(out, "  %s: %d\n", name, byProject[id])
				}
			}

			counts := map[domain.SyncStatus]int{}
			for _, st := range states {
				counts[statusOrIdle(st.Status)]++
			}
			fmt.Fprintf(out, "Sources: %d (idle=%d syncing=%d error=%d)\n",
				len(states), counts[domain.SyncIdle], counts[domain.SyncSyncing], counts[domain.SyncError])

			if job.ID == "" {
				fmt.Fprintln(out, "Last classification: none")
				return nil
			}
			fmt.Fprintf(out, "Last classification: %s %d/%d", job.Status, job.ProcessedMessages, job.TotalMessages)
			if job.ErrorMessage != "" {
				fmt.Fprintf(out, " (%s)", job.ErrorMessage)
			}
			fmt.Fprintln(out)
			return nil
		},
	}
}
