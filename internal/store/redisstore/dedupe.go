package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultDedupeTTL = 24 * time.Hour
	dedupePrefix     = "linesum:event:"
)

// EventDeduper remembers webhook event ids for a while so redeliveries are skipped.
type EventDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewEventDeduper(s *Store, ttl time.Duration) *EventDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &EventDeduper{rdb: s.rdb, ttl: ttl}
}

// FirstSeen records key and reports whether this is its first sighting.
func (d *EventDeduper) FirstSeen(ctx context.Context, key string) (bool, error) {
	return d.rdb.SetNX(ctx, dedupePrefix+key, "1", d.ttl).Result()
}

// Forget drops key so a later redelivery is processed again.
func (d *EventDeduper) Forget(ctx context.Context, key string) error {
	err := d.rdb.Del(ctx, dedupePrefix+key).Err()
	if err == redis.Nil {
		return nil
	}
	return err
}
