package lock

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// KeyedLocker 进程内按用户加锁，单实例部署或未启用 Redis 时使用
// 每个 key 一个带引用计数的互斥量，无人等待时回收
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{} // 容量为 1 的信号量，可以配合 ctx 取消
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[uuid.UUID]*keyedEntry)}
}

func (k *KeyedLocker) LockUser(ctx context.Context, userID uuid.UUID) (func(), error) {
	k.mu.Lock()
	entry, ok := k.locks[userID]
	if !ok {
		entry = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[userID] = entry
	}
	entry.refs++
	k.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(userID, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			k.release(userID, entry)
		})
	}, nil
}

func (k *KeyedLocker) release(userID uuid.UUID, entry *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, userID)
	}
}

// Len 当前持有或等待中的 key 数量
func (k *KeyedLocker) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
