package rabbitmq

import (
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("ICT", 7*3600))
	body, err := encodeEvent(9, "session.closed", map[string]any{"session_id": "S1"}, at)
	require.NoError(t, err)

	var got struct {
		Type           string         `json:"type"`
		OrganizationID uint64         `json:"organization_id"`
		OccurredAt     time.Time      `json:"occurred_at"`
		Payload        map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "session.closed", got.Type)
	assert.Equal(t, uint64(9), got.OrganizationID)
	assert.True(t, got.OccurredAt.Equal(at))
	assert.Equal(t, time.UTC, got.OccurredAt.Location())
	assert.Equal(t, "S1", got.Payload["session_id"])
}

func TestFormatMillis(t *testing.T) {
	assert.Equal(t, "1500", formatMillis(1500*time.Millisecond))
	assert.Equal(t, "0", formatMillis(-time.Second))
}

func TestAttempt(t *testing.T) {
	assert.Equal(t, 1, Attempt(amqp.Delivery{}))
	assert.Equal(t, 3, Attempt(amqp.Delivery{Headers: amqp.Table{AttemptHeader: int32(2)}}))
	assert.Equal(t, 2, Attempt(amqp.Delivery{Headers: amqp.Table{AttemptHeader: int64(1)}}))
}
