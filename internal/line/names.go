package line

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/chat"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/models"
	"github.com/patrickmn/go-cache"
)

const nameCacheTTL = 30 * time.Minute

// Names resolves display names through the API and caches them per organization.
// It satisfies chat.NameLookup.
type Names struct {
	client *Client
	cache  *cache.Cache
}

func NewNames(client *Client) *Names {
	return &Names{client: client, cache: cache.New(nameCacheTTL, time.Hour)}
}

// DisplayName returns the profile name of a user or the name of a group. Multi-person
// rooms have no name in the API and resolve to "".
func (n *Names) DisplayName(ctx context.Context, org *models.Organization, externalRoomID string, kind chat.RoomKind) (string, error) {
	if org == nil || org.LineChannelAccessToken == "" {
		return "", nil
	}
	key := fmt.Sprintf("%d:%s", org.ID, externalRoomID)
	if v, ok := n.cache.Get(key); ok {
		return v.(string), nil
	}

	var name string
	switch {
	case kind == chat.RoomIndividual:
		p, err := n.client.Profile(ctx, org.LineChannelAccessToken, externalRoomID)
		if err != nil {
			return "", err
		}
		name = p.DisplayName
	case strings.HasPrefix(externalRoomID, "C"):
		g, err := n.client.GroupSummary(ctx, org.LineChannelAccessToken, externalRoomID)
		if err != nil {
			return "", err
		}
		name = g.GroupName
	default:
		return "", nil
	}

	n.cache.Set(key, name, cache.DefaultExpiration)
	return name, nil
}

// SenderName returns the display name of the user who sent a message in src.
func (n *Names) SenderName(ctx context.Context, org *models.Organization, src Source) (string, error) {
	if org == nil || org.LineChannelAccessToken == "" || src.UserID == "" {
		return "", nil
	}
	key := fmt.Sprintf("%d:%s:%s", org.ID, src.GroupID, src.UserID)
	if v, ok := n.cache.Get(key); ok {
		return v.(string), nil
	}

	var (
		p   *Profile
		err error
	)
	if src.Type == SourceGroup && src.GroupID != "" {
		p, err = n.client.GroupMemberProfile(ctx, org.LineChannelAccessToken, src.GroupID, src.UserID)
	} else {
		p, err = n.client.Profile(ctx, org.LineChannelAccessToken, src.UserID)
	}
	if err != nil {
		return "", err
	}
	n.cache.Set(key, p.DisplayName, cache.DefaultExpiration)
	return p.DisplayName, nil
}
