package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultLockTTL   = 30 * time.Second
	lockPollInterval = 25 * time.Millisecond
	lockPrefix       = "linesum:lock:"
)

// release only deletes the key if it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RoomLocker is a chat.RoomLocker shared by every process talking to the same Redis.
// The TTL bounds how long a crashed holder can block a room.
type RoomLocker struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

func NewRoomLocker(s *Store, ttl time.Duration, log *zap.Logger) *RoomLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RoomLocker{rdb: s.rdb, ttl: ttl, log: log}
}

func (l *RoomLocker) Lock(ctx context.Context, key string) (func(), error) {
	k := lockPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		ok, err := l.rdb.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		// release even when the caller's context is already done
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.rdb, []string{k}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.log.Warn("redis unlock failed", zap.String("key", key), zap.Error(err))
		}
	}, nil
}
