package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Backend persists entries. Get returns ErrCacheMiss for absent keys.
type Backend interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, entry *Entry, retention time.Duration) error
	Close() error
}

// RedisBackend stores JSON encoded entries with a key expiry
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps a shared client
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

// Get loads an entry
func (b *RedisBackend) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return &entry, nil
}

// Set stores an entry for retention
func (b *RedisBackend) Set(ctx context.Context, entry *Entry, retention time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, entry.Key, data, retention).Err()
}

// Close is a no-op, the client is shared with the event store
func (b *RedisBackend) Close() error {
	return nil
}

type memoryItem struct {
	entry    *Entry
	expireAt time.Time
}

// MemoryBackend keeps entries in a bounded LRU
type MemoryBackend struct {
	mu    sync.Mutex
	items *lru.Cache[string, memoryItem]
	now   func() time.Time
}

// NewMemoryBackend creates an LRU backend holding at most size entries
func NewMemoryBackend(size int) (*MemoryBackend, error) {
	items, err := lru.New[string, memoryItem](size)
	if err != nil {
		return nil, err
	}
	return &MemoryBackend{items: items, now: time.Now}, nil
}

// Get loads an entry
func (b *MemoryBackend) Get(ctx context.Context, key string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	item, ok := b.items.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	if !item.expireAt.IsZero() && !b.now().Before(item.expireAt) {
		b.items.Remove(key)
		return nil, ErrCacheMiss
	}
	return item.entry.clone(), nil
}

// Set stores an entry for retention
func (b *MemoryBackend) Set(ctx context.Context, entry *Entry, retention time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	item := memoryItem{entry: entry.clone()}
	if retention > 0 {
		item.expireAt = b.now().Add(retention)
	}
	b.items.Add(entry.Key, item)
	return nil
}

// Close drops every entry
func (b *MemoryBackend) Close() error {
	b.items.Purge()
	return nil
}
