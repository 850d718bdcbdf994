package slack

import (
	"context"
	"errors"
	"fmt"
	"log"

	"messageagent/internal/httpx"

	"github.com/slack-go/slack"
)

// PageLimit keeps each history and channel call small enough for the
// per-app budget of conversations.* methods.
const PageLimit = 15

// ErrInaccessible marks channels the bot cannot read: deleted channels and
// channels it is not a member of.
var ErrInaccessible = errors.New("slack channel inaccessible")

var conversationTypes = []string{"public_channel", "private_channel", "im", "mpim"}

type HistoryPage struct {
	Messages   []slack.Message
	NextCursor string
}

type ChannelPage struct {
	Channels   []slack.Channel
	NextCursor string
}

type Client struct {
	api   *slack.Client
	users *userDirectory
}

func NewClient(token string, opts ...slack.Option) *Client {
	opts = append([]slack.Option{slack.OptionHTTPClient(httpx.ExternalHTTPClient())}, opts...)
	return NewFromAPI(slack.New(token, opts...))
}

func NewFromAPI(api *slack.Client) *Client {
	return &Client{api: api, users: newUserDirectory(api)}
}

// GetHistory fetches one page of channel history newer than oldest (a message
// ts, exclusive). cursor continues a previous page.
func (c *Client) GetHistory(ctx context.Context, channelID, oldest, cursor string) (HistoryPage, error) {
	resp, err := c.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Oldest:    oldest,
		Cursor:    cursor,
		Limit:     PageLimit,
	})
	if err != nil {
		return HistoryPage{}, classifyError(err)
	}
	page := HistoryPage{Messages: resp.Messages}
	if resp.HasMore || resp.ResponseMetaData.NextCursor != "" {
		page.NextCursor = resp.ResponseMetaData.NextCursor
	}
	log.Printf("slack history channel=%s oldest=%s fetched=%d has_more=%t", channelID, oldest, len(resp.Messages), page.NextCursor != "")
	return page, nil
}

func (c *Client) GetChannels(ctx context.Context, cursor string) (ChannelPage, error) {
	channels, next, err := c.api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
		Cursor: cursor,
		Limit:  PageLimit,
		Types:  conversationTypes,
	})
	if err != nil {
		return ChannelPage{}, classifyError(err)
	}
	return ChannelPage{Channels: channels, NextCursor: next}, nil
}

// UserNames maps user ids to display names, cached for userCacheTTL.
func (c *Client) UserNames(ctx context.Context) (map[string]string, error) {
	return c.users.names(ctx)
}

func IsInaccessible(err error) bool {
	return errors.Is(err, ErrInaccessible)
}

func classifyError(err error) error {
	var slackErr slack.SlackErrorResponse
	if errors.As(err, &slackErr) {
		switch slackErr.Err {
		case "channel_not_found", "not_in_channel":
			return fmt.Errorf("%w: %s", ErrInaccessible, slackErr.Err)
		}
		return fmt.Errorf("Slack API error: %s", slackErr.Err)
	}
	var rateErr *slack.RateLimitedError
	if errors.As(err, &rateErr) {
		return fmt.Errorf("Slack API error: rate limited, retry after %s: %w", rateErr.RetryAfter, err)
	}
	return fmt.Errorf("Slack API error: %w", err)
}
