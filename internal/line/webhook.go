// Package line holds the LINE Messaging API wire format and a small API client.
package line

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrSignatureInvalid = errors.New("line: signature mismatch")
	ErrInvalidPayload   = errors.New("line: invalid webhook payload")
)

const SignatureHeader = "X-Line-Signature"

// Event types handled by the gateway.
const (
	EventMessage  = "message"
	EventFollow   = "follow"
	EventUnfollow = "unfollow"
	EventJoin     = "join"
	EventLeave    = "leave"
)

// Source types.
const (
	SourceUser  = "user"
	SourceGroup = "group"
	SourceRoom  = "room"
)

type Webhook struct {
	Destination string  `json:"destination"`
	Events      []Event `json:"events"`
}

type Event struct {
	Type            string          `json:"type"`
	Mode            string          `json:"mode"`
	Timestamp       int64           `json:"timestamp"`
	WebhookEventID  string          `json:"webhookEventId"`
	ReplyToken      string          `json:"replyToken,omitempty"`
	Source          Source          `json:"source"`
	Message         *Message        `json:"message,omitempty"`
	DeliveryContext DeliveryContext `json:"deliveryContext"`
}

// Time converts the millisecond event timestamp.
func (e Event) Time() time.Time {
	if e.Timestamp <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.Timestamp)
}

type DeliveryContext struct {
	IsRedelivery bool `json:"isRedelivery"`
}

type Source struct {
	Type    string `json:"type"`
	UserID  string `json:"userId,omitempty"`
	GroupID string `json:"groupId,omitempty"`
	RoomID  string `json:"roomId,omitempty"`
}

// ConversationID is the id of the chat the event happened in.
func (s Source) ConversationID() string {
	switch s.Type {
	case SourceGroup:
		return s.GroupID
	case SourceRoom:
		return s.RoomID
	default:
		return s.UserID
	}
}

// IsMultiPerson reports whether the conversation is a group or multi-person room.
func (s Source) IsMultiPerson() bool {
	return s.Type == SourceGroup || s.Type == SourceRoom
}

type Message struct {
	ID              string           `json:"id"`
	Type            string           `json:"type"`
	Text            string           `json:"text,omitempty"`
	FileName        string           `json:"fileName,omitempty"`
	Title           string           `json:"title,omitempty"`
	Address         string           `json:"address,omitempty"`
	ContentProvider *ContentProvider `json:"contentProvider,omitempty"`
}

type ContentProvider struct {
	Type               string `json:"type"`
	OriginalContentURL string `json:"originalContentUrl,omitempty"`
}

// HostedByLine reports whether the message binary can be fetched from the content API.
func (m Message) HostedByLine() bool {
	return m.ContentProvider == nil || m.ContentProvider.Type == "" || m.ContentProvider.Type == "line"
}

// VerifySignature checks the X-Line-Signature header: base64(HMAC-SHA256(channelSecret, body)).
func VerifySignature(channelSecret string, body []byte, signature string) error {
	if channelSecret == "" || strings.TrimSpace(signature) == "" {
		return ErrSignatureInvalid
	}
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return ErrSignatureInvalid
	}
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign returns the signature LINE would send for body. Used by tests and tooling.
func Sign(channelSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ParseWebhook decodes a webhook body. An empty events array is valid (LINE sends one
// when verifying the endpoint); a missing one is not.
func ParseWebhook(body []byte) (*Webhook, error) {
	var raw struct {
		Destination string           `json:"destination"`
		Events      *json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if raw.Events == nil {
		return nil, fmt.Errorf("%w: events is missing", ErrInvalidPayload)
	}
	var events []Event
	if err := json.Unmarshal(*raw.Events, &events); err != nil {
		return nil, fmt.Errorf("%w: events: %w", ErrInvalidPayload, err)
	}
	return &Webhook{Destination: raw.Destination, Events: events}, nil
}
