package line

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultAPIBaseURL     = "https://api.line.me"
	DefaultContentBaseURL = "https://api-data.line.me"

	maxContentBytes = 10 << 20
)

// Client calls the parts of the Messaging API the backend needs. Every call takes the
// organization's channel access token.
type Client struct {
	APIBaseURL     string
	ContentBaseURL string
	HTTP           *http.Client
}

func NewClient(apiBaseURL, contentBaseURL string) *Client {
	if apiBaseURL == "" {
		apiBaseURL = DefaultAPIBaseURL
	}
	if contentBaseURL == "" {
		contentBaseURL = DefaultContentBaseURL
	}
	return &Client{
		APIBaseURL:     strings.TrimRight(apiBaseURL, "/"),
		ContentBaseURL: strings.TrimRight(contentBaseURL, "/"),
		HTTP:           &http.Client{Timeout: 10 * time.Second},
	}
}

type Profile struct {
	UserID        string `json:"userId"`
	DisplayName   string `json:"displayName"`
	PictureURL    string `json:"pictureUrl,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

type GroupSummary struct {
	GroupID    string `json:"groupId"`
	GroupName  string `json:"groupName"`
	PictureURL string `json:"pictureUrl,omitempty"`
}

func (c *Client) Profile(ctx context.Context, token, userID string) (*Profile, error) {
	var p Profile
	if err := c.getJSON(ctx, token, "/v2/bot/profile/"+url.PathEscape(userID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) GroupSummary(ctx context.Context, token, groupID string) (*GroupSummary, error) {
	var g GroupSummary
	if err := c.getJSON(ctx, token, "/v2/bot/group/"+url.PathEscape(groupID)+"/summary", &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// GroupMemberProfile returns the profile of a user as seen inside a group.
func (c *Client) GroupMemberProfile(ctx context.Context, token, groupID, userID string) (*Profile, error) {
	var p Profile
	path := "/v2/bot/group/" + url.PathEscape(groupID) + "/member/" + url.PathEscape(userID)
	if err := c.getJSON(ctx, token, path, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Content downloads a message's binary. The caller closes the body.
func (c *Client) Content(ctx context.Context, token, messageID string) (io.ReadCloser, string, error) {
	u := c.ContentBaseURL + "/v2/bot/message/" + url.PathEscape(messageID) + "/content"
	resp, err := c.do(ctx, token, u)
	if err != nil {
		return nil, "", err
	}
	body := struct {
		io.Reader
		io.Closer
	}{io.LimitReader(resp.Body, maxContentBytes), resp.Body}
	return body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) getJSON(ctx context.Context, token, path string, out any) error {
	resp, err := c.do(ctx, token, c.APIBaseURL+path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("line: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, token, u string) (*http.Response, error) {
	if token == "" {
		return nil, fmt.Errorf("line: channel access token is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("line: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("line: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return resp, nil
}
