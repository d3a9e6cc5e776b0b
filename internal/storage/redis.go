package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"github.com/marctheshark3/mining-wave/internal/config"
	"github.com/marctheshark3/mining-wave/internal/demurrage"
	"github.com/marctheshark3/mining-wave/internal/util"
)

const (
	keyPrefix = "mw:"

	// Key patterns
	keyEvents       = keyPrefix + "events"
	keyEventsHeight = keyPrefix + "events:height"
	keyEventsTime   = keyPrefix + "events:time"
	keyBlocks       = keyPrefix + "blocks"
	keyBlocksHeight = keyPrefix + "blocks:height"
	keyBlocksTime   = keyPrefix + "blocks:time"
	keyCheckpoint   = keyPrefix + "checkpoint"
)

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Info("Connected to Redis at ", cfg.URL)
	return client, nil
}

// RedisStore keeps events in a hash keyed by txId with sorted-set indexes by height and time
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps a connected client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// SaveBlock stores the block record and upserts its events in one transaction
func (r *RedisStore) SaveBlock(ctx context.Context, rec *BlockRecord, events []*demurrage.Event) error {
	blockJSON, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	height := strconv.FormatUint(rec.Height, 10)

	pipe := r.client.TxPipeline()
	for _, ev := range events {
		evJSON, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, keyEvents, ev.TxID, evJSON)
		pipe.ZAdd(ctx, keyEventsHeight, &redis.Z{Score: float64(ev.BlockHeight), Member: ev.TxID})
		pipe.ZAdd(ctx, keyEventsTime, &redis.Z{Score: float64(ev.BlockTimestamp), Member: ev.TxID})
	}
	pipe.HSet(ctx, keyBlocks, height, blockJSON)
	pipe.ZAdd(ctx, keyBlocksHeight, &redis.Z{Score: float64(rec.Height), Member: height})
	pipe.ZAdd(ctx, keyBlocksTime, &redis.Z{Score: float64(rec.Timestamp), Member: height})

	_, err = pipe.Exec(ctx)
	return err
}

// Event returns a single event by transaction id
func (r *RedisStore) Event(ctx context.Context, txID string) (*demurrage.Event, error) {
	data, err := r.client.HGet(ctx, keyEvents, txID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var ev demurrage.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func scoreRange(from, to int64) *redis.ZRangeBy {
	max := "+inf"
	if to != MaxTimestamp {
		max = "(" + strconv.FormatInt(to, 10)
	}
	return &redis.ZRangeBy{Min: strconv.FormatInt(from, 10), Max: max}
}

func heightRange(from, to uint64) *redis.ZRangeBy {
	return &redis.ZRangeBy{Min: strconv.FormatUint(from, 10), Max: strconv.FormatUint(to, 10)}
}

// EventsByTime returns events whose block timestamp lies in [from, to), oldest first
func (r *RedisStore) EventsByTime(ctx context.Context, from, to int64) ([]*demurrage.Event, error) {
	ids, err := r.client.ZRangeByScore(ctx, keyEventsTime, scoreRange(from, to)).Result()
	if err != nil {
		return nil, err
	}
	return r.loadEvents(ctx, ids)
}

// EventsByHeight returns events in blocks [from, to], lowest first
func (r *RedisStore) EventsByHeight(ctx context.Context, from, to uint64) ([]*demurrage.Event, error) {
	ids, err := r.client.ZRangeByScore(ctx, keyEventsHeight, heightRange(from, to)).Result()
	if err != nil {
		return nil, err
	}
	return r.loadEvents(ctx, ids)
}

// RecentEvents returns up to limit events, highest block first
func (r *RedisStore) RecentEvents(ctx context.Context, limit int) ([]*demurrage.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := r.client.ZRevRange(ctx, keyEventsHeight, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	return r.loadEvents(ctx, ids)
}

func (r *RedisStore) loadEvents(ctx context.Context, ids []string) ([]*demurrage.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	values, err := r.client.HMGet(ctx, keyEvents, ids...).Result()
	if err != nil {
		return nil, err
	}

	events := make([]*demurrage.Event, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			util.Warnf("event index references missing tx %s", ids[i])
			continue
		}
		var ev demurrage.Event
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			return nil, fmt.Errorf("corrupt event %s: %w", ids[i], err)
		}
		events = append(events, &ev)
	}
	return events, nil
}

// Block returns the record for a scanned height
func (r *RedisStore) Block(ctx context.Context, height uint64) (*BlockRecord, error) {
	data, err := r.client.HGet(ctx, keyBlocks, strconv.FormatUint(height, 10)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec BlockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// BlocksByTime returns block records with timestamps in [from, to)
func (r *RedisStore) BlocksByTime(ctx context.Context, from, to int64) ([]*BlockRecord, error) {
	heights, err := r.client.ZRangeByScore(ctx, keyBlocksTime, scoreRange(from, to)).Result()
	if err != nil {
		return nil, err
	}
	return r.loadBlocks(ctx, heights)
}

// BlocksByHeight returns block records in [from, to]
func (r *RedisStore) BlocksByHeight(ctx context.Context, from, to uint64) ([]*BlockRecord, error) {
	heights, err := r.client.ZRangeByScore(ctx, keyBlocksHeight, heightRange(from, to)).Result()
	if err != nil {
		return nil, err
	}
	return r.loadBlocks(ctx, heights)
}

func (r *RedisStore) loadBlocks(ctx context.Context, heights []string) ([]*BlockRecord, error) {
	if len(heights) == 0 {
		return nil, nil
	}
	values, err := r.client.HMGet(ctx, keyBlocks, heights...).Result()
	if err != nil {
		return nil, err
	}

	blocks := make([]*BlockRecord, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec BlockRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("corrupt block record %s: %w", heights[i], err)
		}
		blocks = append(blocks, &rec)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Height < blocks[j].Height })
	return blocks, nil
}

// MissingHeights returns heights in [from, to] without a block record
func (r *RedisStore) MissingHeights(ctx context.Context, from, to uint64) ([]uint64, error) {
	if to < from {
		return nil, nil
	}
	scanned, err := r.client.ZRangeByScore(ctx, keyBlocksHeight, heightRange(from, to)).Result()
	if err != nil {
		return nil, err
	}

	have := make(map[uint64]struct{}, len(scanned))
	for _, s := range scanned {
		h, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			continue
		}
		have[h] = struct{}{}
	}
	return missing(from, to, have), nil
}

// LastScanned returns the highest scanned height, 0 when none
func (r *RedisStore) LastScanned(ctx context.Context) (uint64, error) {
	top, err := r.client.ZRevRangeWithScores(ctx, keyBlocksHeight, 0, 0).Result()
	if err != nil || len(top) == 0 {
		return 0, err
	}
	return uint64(top[0].Score), nil
}

// Checkpoint returns the contiguous scan checkpoint, 0 when unset
func (r *RedisStore) Checkpoint(ctx context.Context) (uint64, error) {
	v, err := r.client.Get(ctx, keyCheckpoint).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// SetCheckpoint stores the contiguous scan checkpoint
func (r *RedisStore) SetCheckpoint(ctx context.Context, height uint64) error {
	return r.client.Set(ctx, keyCheckpoint, height, 0).Err()
}
