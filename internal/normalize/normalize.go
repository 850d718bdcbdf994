// Package normalize maps platform messages into domain.Message. It performs
// no I/O and never sets project, classification or confidence.
package normalize

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"messageagent/internal/domain"
	"messageagent/internal/integrations/chatwork"

	"github.com/slack-go/slack"
)

type rule struct {
	re   *regexp.Regexp
	repl string
}

var chatworkRules = []rule{
	{regexp.MustCompile(`\[info\][\s\S]*?\[/info\]`), ""},
	{regexp.MustCompile(`\[To:\d+\][^\]]*\]`), ""},
	{regexp.MustCompile(`\[piconname:\d+\][^\]]*?\]`), ""},
	{regexp.MustCompile(`\[/?(code|hr|qt)\]`), ""},
}

var slackRules = []rule{
	{regexp.MustCompile(`<@[A-Z0-9]+>`), ""},
	{regexp.MustCompile(`<#[A-Z0-9]+\|([^>]+)>`), "#$1"},
	{regexp.MustCompile(`<(https?://[^|>]+)\|([^>]+)>`), "$2"},
	{regexp.MustCompile(`<(https?://[^>]+)>`), "$1"},
	{regexp.MustCompile(`:[a-z_]+:`), ""},
}

// apply runs the rules until nothing matches, so markup that only forms
// once an inner token is removed is stripped too. Every rewrite shortens the
// body, which bounds the loop.
func apply(rules []rule, body string) string {
	for {
		prev := body
		for _, r := range rules {
			body = r.re.ReplaceAllString(body, r.repl)
		}
		if body == prev {
			return strings.TrimSpace(body)
		}
	}
}

// StripChatwork removes Chatwork markup: info blocks, To/picon mentions and
// code/hr/qt tags.
func StripChatwork(body string) string {
	return apply(chatworkRules, body)
}

// StripSlack removes Slack mrkdwn tokens: user mentions and emoji shortcodes
// disappear, channel mentions become #name, links become label or URL.
func StripSlack(body string) string {
	return apply(slackRules, body)
}

func Chatwork(msg chatwork.Message, source domain.Source) domain.Message {
	return domain.Message{
		SourceID:     source.ID,
		ExternalID:   msg.MessageID,
		SenderName:   msg.Account.Name,
		SenderID:     strconv.FormatInt(msg.Account.AccountID, 10),
		SenderAvatar: msg.Account.AvatarImageURL,
		Body:         msg.Body,
		BodyPlain:    StripChatwork(msg.Body),
		SentAt:       time.Unix(msg.SendTime, 0).UTC(),
	}
}

type slackThreadMeta struct {
	ThreadTS   string `json:"thread_ts"`
	ReplyCount int    `json:"reply_count"`
}

// Slack normalizes one history message. names maps user ids to display
// names and may be nil, in which case the user id doubles as the name.
func Slack(msg slack.Message, source domain.Source, names map[string]string) domain.Message {
	sender := msg.User
	if sender == "" {
		sender = msg.BotID
	}
	name := sender
	if n, ok := names[sender]; ok && n != "" {
		name = n
	} else if msg.Username != "" {
		name = msg.Username
	}

	out := domain.Message{
		SourceID:   source.ID,
		ExternalID: msg.Timestamp,
		SenderName: name,
		SenderID:   sender,
		Body:       msg.Text,
		BodyPlain:  StripSlack(msg.Text),
		SentAt:     ParseSlackTS(msg.Timestamp),
	}
	if msg.ThreadTimestamp != "" {
		out.ThreadID = msg.ThreadTimestamp
		meta, _ := json.Marshal(slackThreadMeta{ThreadTS: msg.ThreadTimestamp, ReplyCount: msg.ReplyCount})
		out.Metadata = string(meta)
	}
	return out
}

// ParseSlackTS converts a Slack "seconds.micros" timestamp to UTC time.
// Unparseable input yields the zero time.
func ParseSlackTS(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC()
}
