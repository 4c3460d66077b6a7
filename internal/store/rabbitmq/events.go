package rabbitmq

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Envelope is the body of every domain event on the exchange.
type Envelope struct {
	Type           string    `json:"type"`
	OrganizationID uint64    `json:"organization_id"`
	OccurredAt     time.Time `json:"occurred_at"`
	Payload        any       `json:"payload"`
}

// EventPublisher publishes domain events to a topic exchange, routed by event type.
// It satisfies chat.EventSink and audit.Publisher.
type EventPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	now      func() time.Time
}

func NewEventPublisher(url, exchange string) (*EventPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &EventPublisher{conn: conn, ch: ch, exchange: exchange, now: time.Now}, nil
}

func (p *EventPublisher) Publish(ctx context.Context, orgID uint64, routingKey string, payload any) error {
	body, err := encodeEvent(orgID, routingKey, payload, p.now())
	if err != nil {
		return err
	}
	return publish(ctx, p.ch, p.exchange, routingKey, body, func(m *amqp.Publishing) {
		m.Type = routingKey
		m.Headers = amqp.Table{"organization_id": strconv.FormatUint(orgID, 10)}
	})
}

func (p *EventPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func encodeEvent(orgID uint64, routingKey string, payload any, at time.Time) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:           routingKey,
		OrganizationID: orgID,
		OccurredAt:     at.UTC(),
		Payload:        payload,
	})
}

func formatMillis(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return strconv.FormatInt(d.Milliseconds(), 10)
}
