// Package cache は集計値の短期キャッシュを提供する。
package cache

import (
	"context"
	"sync"
	"time"
)

// CounterCache は整数値をTTL付きで保持するキャッシュ。
type CounterCache interface {
	// GetInt はキーの値を返す。存在しない場合はokがfalse。
	GetInt(ctx context.Context, key string) (value int, ok bool, err error)
	// SetInt はキーに値をTTL付きで保存する。
	SetInt(ctx context.Context, key string, value int, ttl time.Duration) error
}

type memoryEntry struct {
	value     int
	expiresAt time.Time
}

// MemoryCache はプロセス内のCounterCache。REDIS_URL未設定時に使用する。
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache はMemoryCacheを生成する。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// GetInt はキーの値を返す。期限切れのエントリは削除して未存在として扱う。
func (c *MemoryCache) GetInt(_ context.Context, key string) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return 0, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return 0, false, nil
	}
	return e.value, true, nil
}

// SetInt はキーに値をTTL付きで保存する。
func (c *MemoryCache) SetInt(_ context.Context, key string, value int, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = memoryEntry{value: value, expiresAt: c.now().Add(ttl)}
	return nil
}

var _ CounterCache = (*MemoryCache)(nil)
