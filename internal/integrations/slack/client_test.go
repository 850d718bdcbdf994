package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/slack-go/slack"
)

func newMockSlack(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewFromAPI(slack.New("xoxb-test", slack.OptionAPIURL(server.URL+"/api/")))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestGetHistoryPassesOldestAndCursor(t *testing.T) {
	var form map[string]string
	client := newMockSlack(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/conversations.history") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = r.ParseForm()
		form = map[string]string{
			"channel": r.Form.Get("channel"),
			"oldest":  r.Form.Get("oldest"),
			"cursor":  r.Form.Get("cursor"),
			"limit":   r.Form.Get("limit"),
		}
		writeJSON(w, map[string]any{
			"ok":       true,
			"has_more": true,
			"messages": []map[string]any{
				{"type": "message", "user": "U1", "text": "hello", "ts": "1700000002.000200"},
				{"type": "message", "user": "U2", "text": "reply", "ts": "1700000001.000100", "thread_ts": "1700000000.000100", "reply_count": 2},
			},
			"response_metadata": map[string]any{"next_cursor": "bmV4dA=="},
		})
	})

	page, err := client.GetHistory(context.Background(), "C1", "1699999999.000000", "prev")
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if form["channel"] != "C1" || form["oldest"] != "1699999999.000000" || form["cursor"] != "prev" || form["limit"] != "15" {
		t.Fatalf("unexpected request form: %v", form)
	}
	if len(page.Messages) != 2 || page.NextCursor != "bmV4dA==" {
		t.Fatalf("unexpected page: %+v", page)
	}
	if page.Messages[1].ThreadTimestamp != "1700000000.000100" || page.Messages[1].ReplyCount != 2 {
		t.Fatalf("thread fields not decoded: %+v", page.Messages[1].Msg)
	}
}

func TestGetHistoryInaccessibleChannel(t *testing.T) {
	for _, code := range []string{"channel_not_found", "not_in_channel"} {
		t.Run(code, func(t *testing.T) {
			client := newMockSlack(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, map[string]any{"ok": false, "error": code})
			})
			_, err := client.GetHistory(context.Background(), "C404", "", "")
			if !IsInaccessible(err) {
				t.Fatalf("expected inaccessible error, got %v", err)
			}
		})
	}
}

func TestGetHistoryOtherErrors(t *testing.T) {
	client := newMockSlack(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": false, "error": "invalid_auth"})
	})
	_, err := client.GetHistory(context.Background(), "C1", "", "")
	if err == nil || IsInaccessible(err) {
		t.Fatalf("expected a hard error, got %v", err)
	}
	if err.Error() != "Slack API error: invalid_auth" {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestGetChannelsRequestsAllConversationTypes(t *testing.T) {
	var types string
	client := newMockSlack(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		types = r.Form.Get("types")
		writeJSON(w, map[string]any{
			"ok": true,
			"channels": []map[string]any{
				{"id": "C1", "name": "general", "is_private": false, "num_members": 12},
				{"id": "D1", "is_im": true, "user": "U9"},
			},
			"response_metadata": map[string]any{"next_cursor": ""},
		})
	})

	page, err := client.GetChannels(context.Background(), "")
	if err != nil {
		t.Fatalf("GetChannels failed: %v", err)
	}
	if types != "public_channel,private_channel,im,mpim" {
		t.Fatalf("unexpected types %q", types)
	}
	if len(page.Channels) != 2 || page.Channels[0].Name != "general" || page.Channels[0].NumMembers != 12 || page.NextCursor != "" {
		t.Fatalf("unexpected channels: %+v", page)
	}
}

func TestUserNamesAreCached(t *testing.T) {
	var calls int32
	client := newMockSlack(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, map[string]any{
			"ok": true,
			"members": []map[string]any{
				{"id": "U1", "name": "aki", "real_name": "Aki Tanaka", "profile": map[string]any{"display_name": "aki-t"}},
				{"id": "U2", "name": "bo", "real_name": "Bo Lee", "profile": map[string]any{"display_name": ""}},
			},
			"response_metadata": map[string]any{"next_cursor": ""},
		})
	})

	for i := 0; i < 2; i++ {
		names, err := client.UserNames(context.Background())
		if err != nil {
			t.Fatalf("UserNames failed: %v", err)
		}
		if names["U1"] != "aki-t" || names["U2"] != "Bo Lee" {
			t.Fatalf("unexpected names: %v", names)
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one users.list call, got %d", calls)
	}
}
