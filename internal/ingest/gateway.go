// Package ingest turns LINE webhook deliveries into chat messages and room changes.
package ingest

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/chat"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/line"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/logger"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/ingest")

type OrgLookup interface {
	GetBySlug(ctx context.Context, slug string) (*models.Organization, error)
}

type RoomResolver interface {
	Resolve(ctx context.Context, orgID uint64, externalRoomID, nameHint string, kind chat.RoomKind) (*chat.Room, error)
}

type SessionManager interface {
	HandleIncomingMessage(ctx context.Context, room *chat.Room, in chat.IncomingMessage) (*chat.ChatSession, *chat.Message, error)
	ArchiveRoom(ctx context.Context, room *chat.Room) error
}

// Deduper tracks webhook event ids. Forget lets a failed event be retried on redelivery.
type Deduper interface {
	FirstSeen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

type ContentFetcher interface {
	Content(ctx context.Context, token, messageID string) (io.ReadCloser, string, error)
}

type ImageStore interface {
	StoreImage(ctx context.Context, orgID uint64, messageID string, r io.Reader, contentType string) (string, error)
}

type SenderNames interface {
	SenderName(ctx context.Context, org *models.Organization, src line.Source) (string, error)
}

type Forwarder interface {
	Forward(orgSlug string, body []byte, signature string)
}

// Result counts what happened to the events of one delivery.
type Result struct {
	Received   int `json:"received"`
	Processed  int `json:"processed"`
	Duplicates int `json:"duplicates"`
	Ignored    int `json:"ignored"`
	Failed     int `json:"failed"`
}

type Gateway struct {
	orgs     OrgLookup
	rooms    RoomResolver
	sessions SessionManager

	dedupe  Deduper
	content ContentFetcher
	images  ImageStore
	senders SenderNames
	forward Forwarder

	log *zap.Logger
}

type Option func(*Gateway)

func WithDeduper(d Deduper) Option { return func(g *Gateway) { g.dedupe = d } }

// WithImageStorage enables downloading image content into object storage.
func WithImageStorage(f ContentFetcher, s ImageStore) Option {
	return func(g *Gateway) {
		g.content = f
		g.images = s
	}
}

func WithSenderNames(n SenderNames) Option { return func(g *Gateway) { g.senders = n } }

func WithForwarder(f Forwarder) Option { return func(g *Gateway) { g.forward = f } }

func NewGateway(orgs OrgLookup, rooms RoomResolver, sessions SessionManager, log *zap.Logger, opts ...Option) *Gateway {
	g := &Gateway{orgs: orgs, rooms: rooms, sessions: sessions, log: logger.OrNop(log)}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handle verifies and processes one webhook delivery for the organization behind slug.
// Signature and payload errors reject the whole delivery; after that every event is
// handled on its own and failures are only counted.
func (g *Gateway) Handle(ctx context.Context, slug string, body []byte, signature string) (*Result, error) {
	org, err := g.orgs.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if err := line.VerifySignature(org.LineChannelSecret, body, signature); err != nil {
		g.log.Warn("webhook signature rejected", zap.Uint64("organization_id", org.ID))
		return nil, err
	}
	wh, err := line.ParseWebhook(body)
	if err != nil {
		return nil, err
	}

	if g.forward != nil {
		g.forward.Forward(org.Slug, body, signature)
	}

	res := &Result{Received: len(wh.Events)}
	for i := range wh.Events {
		ev := wh.Events[i]
		switch outcome, err := g.handleEvent(ctx, org, ev); {
		case err != nil:
			res.Failed++
			g.log.Error("webhook event failed",
				zap.Uint64("organization_id", org.ID),
				zap.String("event_type", ev.Type),
				zap.String("webhook_event_id", ev.WebhookEventID),
				zap.Error(err),
			)
		case outcome == outcomeDuplicate:
			res.Duplicates++
		case outcome == outcomeIgnored:
			res.Ignored++
		default:
			res.Processed++
		}
	}
	return res, nil
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeDuplicate
	outcomeIgnored
)

func (g *Gateway) handleEvent(ctx context.Context, org *models.Organization, ev line.Event) (out outcome, err error) {
	ctx, span := tracer.Start(ctx, "ingest.Event", trace.WithAttributes(
		attribute.Int64("organization.id", int64(org.ID)),
		attribute.String("line.event_type", ev.Type),
	))
	defer span.End()

	if !handled(ev.Type) {
		return outcomeIgnored, nil
	}

	key := ""
	if g.dedupe != nil && ev.WebhookEventID != "" {
		key = fmt.Sprintf("%d:%s", org.ID, ev.WebhookEventID)
		first, derr := g.dedupe.FirstSeen(ctx, key)
		switch {
		case derr != nil:
			// without the dedupe store, idempotent message insert still protects us
			g.log.Warn("event dedupe unavailable", zap.Error(derr))
			key = ""
		case !first:
			return outcomeDuplicate, nil
		}
	}
	defer func() {
		if err != nil && key != "" {
			if ferr := g.dedupe.Forget(context.WithoutCancel(ctx), key); ferr != nil {
				g.log.Warn("event dedupe release failed", zap.String("key", key), zap.Error(ferr))
			}
		}
		if err != nil {
			span.RecordError(err)
		}
	}()

	switch ev.Type {
	case line.EventMessage:
		err = g.handleMessage(ctx, org, ev)
	case line.EventFollow, line.EventJoin:
		_, err = g.resolveRoom(ctx, org, ev.Source)
	case line.EventUnfollow, line.EventLeave:
		err = g.archiveRoom(ctx, org, ev.Source)
	}
	return outcomeProcessed, err
}

func handled(eventType string) bool {
	switch eventType {
	case line.EventMessage, line.EventFollow, line.EventJoin, line.EventUnfollow, line.EventLeave:
		return true
	}
	return false
}

func (g *Gateway) resolveRoom(ctx context.Context, org *models.Organization, src line.Source) (*chat.Room, error) {
	id := src.ConversationID()
	if id == "" {
		return nil, fmt.Errorf("%w: event source has no id", line.ErrInvalidPayload)
	}
	kind := chat.RoomIndividual
	if src.IsMultiPerson() {
		kind = chat.RoomGroup
	}
	return g.rooms.Resolve(ctx, org.ID, id, "", kind)
}

func (g *Gateway) archiveRoom(ctx context.Context, org *models.Organization, src line.Source) error {
	room, err := g.resolveRoom(ctx, org, src)
	if err != nil {
		return err
	}
	return g.sessions.ArchiveRoom(ctx, room)
}

func (g *Gateway) handleMessage(ctx context.Context, org *models.Organization, ev line.Event) error {
	if ev.Message == nil {
		return fmt.Errorf("%w: message event without message", line.ErrInvalidPayload)
	}
	room, err := g.resolveRoom(ctx, org, ev.Source)
	if err != nil {
		return err
	}

	in := chat.IncomingMessage{
		ExternalMessageID: ev.Message.ID,
		SenderID:          ev.Source.UserID,
		Direction:         chat.DirectionUser,
		ContentType:       ev.Message.Type,
		Timestamp:         ev.Time(),
	}
	in.Content, in.ObjectKey = g.extractContent(ctx, org, ev.Message)
	in.SenderName = g.senderName(ctx, org, room, ev.Source)

	sess, msg, err := g.sessions.HandleIncomingMessage(ctx, room, in)
	if err != nil {
		return err
	}
	g.log.Debug("message filed",
		zap.Uint64("organization_id", org.ID),
		zap.Uint64("room_id", room.ID),
		zap.String("session_id", sess.SessionID),
		zap.Uint64("message_id", msg.ID),
	)
	return nil
}

// extractContent returns the stored text of a message and, for stored images, the object key.
func (g *Gateway) extractContent(ctx context.Context, org *models.Organization, m *line.Message) (string, string) {
	switch m.Type {
	case "text":
		return m.Text, ""
	case "image":
		if key, err := g.storeImage(ctx, org, m); err != nil {
			g.log.Warn("image not stored", zap.Uint64("organization_id", org.ID), zap.String("message_id", m.ID), zap.Error(err))
		} else if key != "" {
			return "[image]", key
		}
		return "[image]", ""
	case "file":
		if m.FileName != "" {
			return "[file] " + m.FileName, ""
		}
	case "location":
		if s := strings.TrimSpace(m.Title + " " + m.Address); s != "" {
			return "[location] " + s, ""
		}
	}
	return "[" + m.Type + "]", ""
}

func (g *Gateway) storeImage(ctx context.Context, org *models.Organization, m *line.Message) (string, error) {
	if g.images == nil || g.content == nil || !m.HostedByLine() {
		return "", nil
	}
	body, contentType, err := g.content.Content(ctx, org.LineChannelAccessToken, m.ID)
	if err != nil {
		return "", err
	}
	defer body.Close()
	return g.images.StoreImage(ctx, org.ID, m.ID, body, contentType)
}

func (g *Gateway) senderName(ctx context.Context, org *models.Organization, room *chat.Room, src line.Source) string {
	if !src.IsMultiPerson() && room.Name != "" && room.Name != room.ExternalRoomID {
		return room.Name
	}
	if g.senders == nil {
		return ""
	}
	name, err := g.senders.SenderName(ctx, org, src)
	if err != nil {
		g.log.Debug("sender name lookup failed", zap.String("user_id", src.UserID), zap.Error(err))
		return ""
	}
	return name
}
