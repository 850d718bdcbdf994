package app

import (
	"fmt"
	"strings"

	"messageagent/internal/domain"
	"messageagent/internal/syncer"

	"github.com/spf13/cobra"
)

func newDiscoverCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Register every Chatwork room and Slack channel visible to the tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.engine().Discover(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), syncer.FormatDiscovery(res))
			return nil
		},
	}
}

func newSyncCmd(a *app) *cobra.Command {
	var sourceID string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch new messages from all active sources",
		Long: `Fetch messages newer than each source's cursor.

Examples:
  messageagent sync
  messageagent sync --source 0b6c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine := a.engine()
			defer engine.Stop()

			if sourceID != "" {
				src, err := a.store.GetSource(ctx, sourceID)
				if err != nil {
					return err
				}
				n, err := engine.SyncSource(ctx, src)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Synced %s: %d new messages.\n", src.Name, n)
				return nil
			}

			summary, err := engine.RunSync(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), syncer.FormatSummary(summary))
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceID, "source", "", "sync a single source by id")
	return cmd
}

func newSourcesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List or toggle sources",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sources with their sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sources, err := a.store.ListSources(ctx)
			if err != nil {
				return err
			}
			states, err := a.store.ListSyncStates(ctx)
			if err != nil {
				return err
			}
			byID := make(map[string]domain.SyncState, len(states))
			for _, st := range states {
				byID[st.SourceID] = st
			}

			out := cmd.OutOrStdout()
			if len(sources) == 0 {
				fmt.Fprintln(out, "No sources found. Run `messageagent discover` first.")
				return nil
			}
			fmt.Fprintf(out, "Sources (%d):\n\n", len(sources))
			for _, s := range sources {
				active := "on"
				if !s.IsActive {
					active = "off"
				}
				st := byID[s.ID]
				last := "never"
				if st.LastSyncedAt != nil {
					last = st.LastSyncedAt.In(a.cfg.Location).Format("2006-01-02 15:04")
				}
				fmt.Fprintf(out, "- %s [%s] %s (%s) status=%s last=%s\n", s.ID, s.Type, s.Name, active, statusOrIdle(st.Status), last)
				if st.ErrorMessage != "" {
					fmt.Fprintf(out, "  error: %s\n", st.ErrorMessage)
				}
			}
			return nil
		},
	}

	toggle := &cobra.Command{
		Use:   "toggle <source-id> <on|off>",
		Short: "Enable or disable syncing for a source",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var active bool
			switch strings.ToLower(args[1]) {
			case "on", "true", "yes":
				active = true
			case "off", "false", "no":
				active = false
			default:
				return fmt.Errorf("expected on or off, got %q", args[1])
			}
			if err := a.store.SetSourceActive(cmd.Context(), args[0], active); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Source %s is now %s.\n", args[0], strings.ToLower(args[1]))
			return nil
		},
	}

	cmd.AddCommand(list, toggle)
	return cmd
}

func statusOrIdle(s domain.SyncStatus) domain.SyncStatus {
	if s == "" {
		return domain.SyncIdle
	}
	return s
}
