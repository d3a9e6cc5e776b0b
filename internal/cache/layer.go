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
	"golang.org/x/sync/singleflight"

	"github.com/marctheshark3/mining-wave/internal/config"
	"github.com/marctheshark3/mining-wave/internal/metrics"
	"github.com/marctheshark3/mining-wave/internal/util"
)

// ComputeFunc produces a fresh aggregate and its completeness
type ComputeFunc func(ctx context.Context) (interface{}, APIStatus, error)

type flight struct {
	entry *Entry
	hit   bool
}

type warmer struct {
	key Key
	ttl time.Duration
	fn  ComputeFunc
}

// Layer serves aggregates from a backend and recomputes them on expiry
type Layer struct {
	backend        Backend
	group          singleflight.Group
	computeTimeout time.Duration
	staleRetention time.Duration
	refreshAhead   float64
	warmKinds      map[string]bool
	warmers        *lru.Cache[string, warmer]
	metrics        metrics.Cache
	now            func() time.Time

	mu   sync.Mutex
	last map[string]*Entry
}

// New creates a layer over backend
func New(backend Backend, cfg config.CacheConfig) *Layer {
	size := cfg.MemorySize
	if size <= 0 {
		size = 1024
	}
	warmers, _ := lru.New[string, warmer](size)
	var warmKinds map[string]bool
	if len(cfg.WarmKinds) > 0 {
		warmKinds = make(map[string]bool, len(cfg.WarmKinds))
		for _, kind := range cfg.WarmKinds {
			warmKinds[kind] = true
		}
	}
	return &Layer{
		backend:        backend,
		computeTimeout: cfg.ComputeTimeout,
		staleRetention: cfg.StaleRetention,
		refreshAhead:   cfg.RefreshAhead,
		warmKinds:      warmKinds,
		warmers:        warmers,
		now:            time.Now,
		last:           make(map[string]*Entry),
	}
}

// NewFromConfig selects the backend named by cfg.Backend
func NewFromConfig(cfg config.CacheConfig, client *redis.Client) (*Layer, error) {
	switch cfg.Backend {
	case "redis":
		if client == nil {
			return nil, errors.New("cache: redis backend requires a redis client")
		}
		return New(NewRedisBackend(client), cfg), nil
	case "memory":
		backend, err := NewMemoryBackend(cfg.MemorySize)
		if err != nil {
			return nil, err
		}
		return New(backend, cfg), nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}

// GetOrCompute returns the cached entry for key while it is fresh. Otherwise
// one computation runs for all concurrent callers, detached from ctx and
// bounded by the compute timeout. When it fails the previous entry is
// returned marked stale, or ErrUnavailable when there is none.
func (l *Layer) GetOrCompute(ctx context.Context, key Key, ttl time.Duration, fn ComputeFunc) (*Entry, error) {
	l.warmers.Add(key.String(), warmer{key: key, ttl: ttl, fn: fn})

	prev := l.lookup(ctx, key)
	if prev != nil && prev.Fresh(l.now()) {
		l.metrics.ObserveLookup(key.Kind, "hit")
		return prev, nil
	}

	ch := l.group.DoChan(key.String(), func() (interface{}, error) {
		detached := context.WithoutCancel(ctx)
		// a flight that finished after our lookup may have filled the key
		if entry := l.fresh(detached, key); entry != nil {
			return flight{entry: entry, hit: true}, nil
		}
		entry, err := l.compute(detached, key, ttl, fn)
		if err != nil {
			return nil, err
		}
		return flight{entry: entry}, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err == nil {
			f := res.Val.(flight)
			if f.hit {
				l.metrics.ObserveLookup(key.Kind, "hit")
			} else {
				l.metrics.ObserveLookup(key.Kind, "computed")
			}
			return f.entry.clone(), nil
		}
		if prev == nil {
			prev = l.lastKnown(key)
		}
		if prev == nil {
			l.metrics.ObserveLookup(key.Kind, "unavailable")
			return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, key.Kind, res.Err)
		}
		l.metrics.ObserveLookup(key.Kind, "stale")
		stale := prev.clone()
		stale.Stale = true
		stale.APIStatus = stale.APIStatus.Degraded()
		return stale, nil
	}
}

func (l *Layer) lookup(ctx context.Context, key Key) *Entry {
	entry, err := l.backend.Get(ctx, key.String())
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			util.Warnf("Cache read %s failed: %v", key, err)
			return l.lastKnown(key)
		}
		return nil
	}
	return entry
}

// fresh returns a still fresh entry for key from the backend or, when the
// backend write was lost, from the last computed value
func (l *Layer) fresh(ctx context.Context, key Key) *Entry {
	now := l.now()
	if entry := l.lookup(ctx, key); entry != nil && entry.Fresh(now) {
		return entry
	}
	if entry := l.lastKnown(key); entry != nil && entry.Fresh(now) {
		return entry
	}
	return nil
}

func (l *Layer) lastKnown(key Key) *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.last[key.String()]; ok {
		return e.clone()
	}
	return nil
}

func (l *Layer) compute(ctx context.Context, key Key, ttl time.Duration, fn ComputeFunc) (*Entry, error) {
	if l.computeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.computeTimeout)
		defer cancel()
	}

	started := time.Now()
	value, status, err := fn(ctx)
	l.metrics.ObserveCompute(key.Kind, err, started)
	if err != nil {
		util.Warnf("Compute %s failed: %v", key, err)
		return nil, err
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key.Kind, err)
	}

	entry := &Entry{
		Key:        key.String(),
		Kind:       key.Kind,
		Payload:    payload,
		ComputedAt: l.now(),
		TTL:        ttl,
		APIStatus:  status,
	}

	if err := l.backend.Set(ctx, entry, ttl+l.staleRetention); err != nil {
		util.Warnf("Cache write %s failed: %v", key, err)
	}

	l.mu.Lock()
	l.last[key.String()] = entry.clone()
	if len(l.last) > l.warmers.Len()*2+64 {
		l.pruneLastLocked()
	}
	l.mu.Unlock()

	return entry, nil
}

// pruneLastLocked keeps last-known entries only for keys still registered
func (l *Layer) pruneLastLocked() {
	for k := range l.last {
		if !l.warmers.Contains(k) {
			delete(l.last, k)
		}
	}
}

// Warm recomputes registered entries of the warm kinds older than
// refresh_ahead of their TTL. Other kinds, such as per-miner keys, are only
// recomputed on request. It returns the number of entries refreshed.
func (l *Layer) Warm(ctx context.Context) int {
	refreshed := 0
	for _, k := range l.warmers.Keys() {
		if ctx.Err() != nil {
			break
		}
		w, ok := l.warmers.Peek(k)
		if !ok {
			continue
		}
		if l.warmKinds != nil && !l.warmKinds[w.key.Kind] {
			continue
		}

		entry := l.lookup(ctx, w.key)
		if entry != nil && entry.Age(l.now()) < time.Duration(float64(w.ttl)*l.refreshAhead) {
			continue
		}

		_, err, _ := l.group.Do(k, func() (interface{}, error) {
			entry, err := l.compute(context.WithoutCancel(ctx), w.key, w.ttl, w.fn)
			if err != nil {
				return nil, err
			}
			return flight{entry: entry}, nil
		})
		if err != nil {
			continue
		}
		refreshed++
	}
	return refreshed
}

// Close closes the backend
func (l *Layer) Close() error {
	return l.backend.Close()
}
