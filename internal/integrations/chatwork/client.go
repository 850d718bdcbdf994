package chatwork

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"messageagent/internal/httpx"
)

const DefaultBaseURL = "https://api.chatwork.com/v2"

type Account struct {
	AccountID      int64  `json:"account_id"`
	Name           string `json:"name"`
	AvatarImageURL string `json:"avatar_image_url"`
}

type Message struct {
	MessageID  string  `json:"message_id"`
	Account    Account `json:"account"`
	Body       string  `json:"body"`
	SendTime   int64   `json:"send_time"`
	UpdateTime int64   `json:"update_time"`
}

type Room struct {
	RoomID         int64  `json:"room_id"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	Role           string `json:"role"`
	UnreadNum      int    `json:"unread_num"`
	MessageNum     int    `json:"message_num"`
	IconPath       string `json:"icon_path"`
	LastUpdateTime int64  `json:"last_update_time"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func NewClient(token string, opts ...Option) *Client {
	c := &Client{baseURL: DefaultBaseURL, token: token, http: httpx.ExternalHTTPClient()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) GetRooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	if err := c.get(ctx, "/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	log.Printf("chatwork rooms fetched=%d", len(rooms))
	return rooms, nil
}

// GetMessages returns messages of a room. With force the full recent backlog
// is returned, otherwise only messages not yet read through the API. An empty
// backlog is not an error.
func (c *Client) GetMessages(ctx context.Context, roomID string, force bool) ([]Message, error) {
	q := url.Values{}
	if force {
		q.Set("force", "1")
	} else {
		q.Set("force", "0")
	}
	var msgs []Message
	if err := c.get(ctx, "/rooms/"+url.PathEscape(roomID)+"/messages", q, &msgs); err != nil {
		return nil, err
	}
	log.Printf("chatwork messages room=%s force=%t fetched=%d", roomID, force, len(msgs))
	return msgs, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	apiURL := c.baseURL + path
	if len(query) > 0 {
		apiURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-ChatworkToken", c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chatwork request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode), Body: strings.TrimSpace(string(body))}
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Chatwork API error: %d %s", e.StatusCode, e.Status)
}
