package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"

	"messageagent/internal/domain"
	"messageagent/internal/integrations/chatwork"
	slackapi "messageagent/internal/integrations/slack"
	"messageagent/internal/ratequeue"
)

var ErrNoPlatforms = errors.New("neither Chatwork nor Slack is configured")

type chatworkRoomMeta struct {
	Type     string `json:"type"`
	IconPath string `json:"icon_path"`
}

type slackChannelMeta struct {
	IsPrivate  bool `json:"is_private"`
	NumMembers int  `json:"num_members"`
}

// Discover lists every room and channel visible to the configured tokens and
// registers them as sources. Existing sources keep their active flag. A
// platform failure is reported in the result without stopping the other one.
func (e *Engine) Discover(ctx context.Context) (DiscoveryResult, error) {
	if e.chatwork == nil && e.slack == nil {
		return DiscoveryResult{}, ErrNoPlatforms
	}

	var res DiscoveryResult
	if e.chatwork != nil {
		n, err := e.discoverChatwork(ctx)
		res.Chatwork = n
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("[chatwork] discovery: %v", err))
		}
	}
	if e.slack != nil {
		n, err := e.discoverSlack(ctx)
		res.Slack = n
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("[slack] discovery: %v", err))
		}
	}
	log.Printf("discover chatwork=%d slack=%d errors=%d", res.Chatwork, res.Slack, len(res.Errors))
	return res, nil
}

func (e *Engine) discoverChatwork(ctx context.Context) (int, error) {
	rooms, err := ratequeue.Do(ctx, e.queues.Chatwork, ratequeue.DefaultPriority, e.chatwork.GetRooms)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, room := range rooms {
		meta, _ := json.Marshal(chatworkRoomMeta{Type: room.Type, IconPath: room.IconPath})
		if err := e.register(ctx, domain.Source{
			Type:       domain.SourceChatwork,
			ExternalID: strconv.FormatInt(room.RoomID, 10),
			Name:       room.Name,
			Metadata:   string(meta),
		}); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (e *Engine) discoverSlack(ctx context.Context) (int, error) {
	count := 0
	cursor := ""
	for {
		page, err := ratequeue.Do(ctx, e.queues.Slack, ratequeue.DefaultPriority,
			func(ctx context.Context) (slackapi.ChannelPage, error) {
				return e.slack.GetChannels(ctx, cursor)
			})
		if err != nil {
			return count, err
		}
		for _, ch := range page.Channels {
			name := ch.Name
			if name == "" {
				name = fmt.Sprintf("DM (%s)", ch.ID)
			}
			meta, _ := json.Marshal(slackChannelMeta{IsPrivate: ch.IsPrivate, NumMembers: ch.NumMembers})
			if err := e.register(ctx, domain.Source{
				Type:       domain.SourceSlack,
				ExternalID: ch.ID,
				Name:       name,
				Metadata:   string(meta),
			}); err != nil {
				return count, err
			}
			count++
		}
		cursor = page.NextCursor
		if cursor == "" {
			return count, nil
		}
	}
}

func (e *Engine) register(ctx context.Context, src domain.Source) error {
	saved, err := e.store.UpsertSource(ctx, src)
	if err != nil {
		return fmt.Errorf("register %s source %s: %w", src.Type, src.ExternalID, err)
	}
	return e.store.EnsureSyncState(ctx, saved.ID)
}

var _ ChatworkAPI = (*chatwork.Client)(nil)
var _ SlackAPI = (*slackapi.Client)(nil)
