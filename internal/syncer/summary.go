package syncer

import (
	"fmt"
	"strings"
)

// Summary is the outcome of one SyncAll run.
type Summary struct {
	Sources     int
	Synced      int
	NewMessages int
	Errors      []string
}

// DiscoveryResult counts the sources registered by Discover.
type DiscoveryResult struct {
	Chatwork int
	Slack    int
	Errors   []string
}

// FormatSummary returns a human-readable summary of a sync run.
func FormatSummary(s Summary) string {
	if s.Sources == 0 {
		return "No active sources to sync."
	}
	if len(s.Errors) > 0 && s.Synced == 0 {
		return fmt.Sprintf("Sync failed for all %d sources:\n%s", s.Sources, strings.Join(s.Errors, "\n"))
	}

	msg := fmt.Sprintf("Synced %d/%d sources, %d new messages.", s.Synced, s.Sources, s.NewMessages)
	if s.NewMessages == 1 {
		msg = fmt.Sprintf("Synced %d/%d sources, 1 new message.", s.Synced, s.Sources)
	}
	if len(s.Errors) > 0 {
		msg += fmt.Sprintf("\nErrors:\n%s", strings.Join(s.Errors, "\n"))
	}
	return msg
}

func FormatDiscovery(r DiscoveryResult) string {
	msg := fmt.Sprintf("Discovered %d Chatwork rooms and %d Slack channels.", r.Chatwork, r.Slack)
	if len(r.Errors) > 0 {
		msg += fmt.Sprintf("\nErrors:\n%s", strings.Join(r.Errors, "\n"))
	}
	return msg
}
