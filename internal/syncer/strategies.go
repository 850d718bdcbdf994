package syncer

import (
	"context"
	"fmt"
	"log"

	"messageagent/internal/domain"
	"messageagent/internal/integrations/chatwork"
	slackapi "messageagent/internal/integrations/slack"
	"messageagent/internal/normalize"
	"messageagent/internal/ratequeue"
)

// syncChatwork makes a single request: Chatwork returns the whole unread
// backlog per call. The first sync forces a full fetch.
func (e *Engine) syncChatwork(ctx context.Context, src domain.Source, state domain.SyncState) (int, error) {
	force := state.LastMessageID == ""
	msgs, err := ratequeue.Do(ctx, e.queues.Chatwork, ratequeue.DefaultPriority,
		func(ctx context.Context) ([]chatwork.Message, error) {
			return e.chatwork.GetMessages(ctx, src.ExternalID, force)
		})
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	normalized := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		normalized = append(normalized, normalize.Chatwork(m, src))
	}
	inserted, err := e.store.UpsertMessages(ctx, normalized)
	if err != nil {
		return 0, err
	}
	if err := e.store.UpdateLastMessageID(ctx, src.ID, msgs[len(msgs)-1].MessageID); err != nil {
		return inserted, err
	}
	e.emit(domain.SyncProgress{SourceID: src.ID, SourceName: src.Name, Status: domain.SyncSyncing, Fetched: len(msgs)})
	return inserted, nil
}

// syncSlack pages through history newer than the stored cursor. Slack returns
// newest first, so the first message of the first page becomes the next
// resume point; it is written only after every page succeeded.
func (e *Engine) syncSlack(ctx context.Context, src domain.Source, state domain.SyncState) (int, error) {
	var names map[string]string
	if e.resolveSlackNames {
		var err error
		names, err = ratequeue.Do(ctx, e.queues.Slack, ratequeue.DefaultPriority-5, e.slack.UserNames)
		if err != nil {
			log.Printf("sync slack user names unavailable source=%s: %v", src.ID, err)
			names = nil
		}
	}

	oldest := state.LastMessageID
	cursor := ""
	newest := ""
	fetched, inserted := 0, 0
	for {
		page, err := ratequeue.Do(ctx, e.queues.Slack, ratequeue.DefaultPriority,
			func(ctx context.Context) (slackapi.HistoryPage, error) {
				return e.slack.GetHistory(ctx, src.ExternalID, oldest, cursor)
			})
		if err != nil {
			if slackapi.IsInaccessible(err) {
				log.Printf("sync slack source=%s channel=%s inaccessible, skipping: %v", src.ID, src.ExternalID, err)
				return inserted, nil
			}
			return inserted, err
		}

		if newest == "" && len(page.Messages) > 0 {
			newest = page.Messages[0].Timestamp
		}
		if len(page.Messages) > 0 {
			normalized := make([]domain.Message, 0, len(page.Messages))
			for _, m := range page.Messages {
				normalized = append(normalized, normalize.Slack(m, src, names))
			}
			n, err := e.store.UpsertMessages(ctx, normalized)
			if err != nil {
				return inserted, err
			}
			inserted += n
			fetched += len(page.Messages)
		}

		cursor = page.NextCursor
		if err := e.store.UpdateCursor(ctx, src.ID, cursor); err != nil {
			return inserted, err
		}
		e.emit(domain.SyncProgress{SourceID: src.ID, SourceName: src.Name, Status: domain.SyncSyncing, Fetched: fetched, HasMore: cursor != ""})
		if cursor == "" {
			break
		}
		if err := ctx.Err(); err != nil {
			return inserted, fmt.Errorf("sync interrupted: %w", err)
		}
	}

	if newest != "" {
		if err := e.store.UpdateLastMessageID(ctx, src.ID, newest); err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}
