package slack

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
)

const userCacheTTL = 30 * time.Minute

type userDirectory struct {
	api *slack.Client

	mu        sync.Mutex
	byID      map[string]string
	fetchedAt time.Time
}

func newUserDirectory(api *slack.Client) *userDirectory {
	return &userDirectory{api: api}
}

func (d *userDirectory) names(ctx context.Context) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.byID != nil && time.Since(d.fetchedAt) < userCacheTTL {
		return d.byID, nil
	}

	users, err := d.api.GetUsersContext(ctx)
	if err != nil {
		log.Printf("slack users: get users error: %v", err)
		return nil, classifyError(err)
	}
	byID := make(map[string]string, len(users))
	for _, u := range users {
		if name := displayName(u); name != "" {
			byID[u.ID] = name
		}
	}
	d.byID = byID
	d.fetchedAt = time.Now()
	log.Printf("slack users: cached=%d", len(byID))
	return byID, nil
}

// displayName prefers the profile display name, then the real name, then
// the handle.
func displayName(u slack.User) string {
	for _, n := range []string{u.Profile.DisplayName, u.RealName, u.Name} {
		if n = strings.TrimSpace(n); n != "" {
			return n
		}
	}
	return ""
}
