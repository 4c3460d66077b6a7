package chat

import (
	"context"
	"fmt"
	"sync"
)

// RoomLocker serializes message handling per room. The returned func releases the lock.
type RoomLocker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// RoomLockKey is the lock key for one room.
func RoomLockKey(roomID uint64) string {
	return fmt.Sprintf("room:%d", roomID)
}

// LocalLocker is an in-process RoomLocker. Entries are dropped once no goroutine holds
// or waits for them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	sem  chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &localLock{sem: make(chan struct{}, 1)}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, lk)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.sem
			l.release(key, lk)
		})
	}, nil
}

func (l *LocalLocker) release(key string, lk *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, key)
	}
}
