package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/marctheshark3/mining-wave/internal/demurrage"
)

// Key prefixes. Heights and timestamps are big-endian so iteration order is numeric.
const (
	prefixEvent        = "e/"
	prefixEventHeight  = "eh/"
	prefixEventTime    = "et/"
	prefixBlock        = "b/"
	prefixBlockTime    = "bt/"
	keyLevelCheckpoint = "checkpoint"
)

// LevelStore is an embedded EventStore for single-node deployments
type LevelStore struct {
	db *leveldb.DB
}

// OpenLevelStore opens or creates a LevelDB store at path
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelStore{db: db}, nil
}

// Close closes the database
func (l *LevelStore) Close() error {
	return l.db.Close()
}

func be64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func key(prefix string, parts ...[]byte) []byte {
	k := []byte(prefix)
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

func eventKey(txID string) []byte { return key(prefixEvent, []byte(txID)) }

func eventHeightKey(ev *demurrage.Event) []byte {
	return key(prefixEventHeight, be64(ev.BlockHeight), []byte(ev.TxID))
}

func eventTimeKey(ev *demurrage.Event) []byte {
	return key(prefixEventTime, be64(uint64(ev.BlockTimestamp)), []byte(ev.TxID))
}

func blockKey(height uint64) []byte { return key(prefixBlock, be64(height)) }

func blockTimeKey(rec *BlockRecord) []byte {
	return key(prefixBlockTime, be64(uint64(rec.Timestamp)), be64(rec.Height))
}

// SaveBlock writes the block record and upserts its events in one batch
func (l *LevelStore) SaveBlock(ctx context.Context, rec *BlockRecord, events []*demurrage.Event) error {
	batch := new(leveldb.Batch)

	for _, ev := range events {
		// drop index entries of a previous version of this event
		if old, err := l.Event(ctx, ev.TxID); err == nil {
			batch.Delete(eventHeightKey(old))
			batch.Delete(eventTimeKey(old))
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		batch.Put(eventKey(ev.TxID), data)
		batch.Put(eventHeightKey(ev), []byte(ev.TxID))
		batch.Put(eventTimeKey(ev), []byte(ev.TxID))
	}

	if old, err := l.Block(ctx, rec.Height); err == nil {
		batch.Delete(blockTimeKey(old))
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	batch.Put(blockKey(rec.Height), data)
	batch.Put(blockTimeKey(rec), be64(rec.Height))

	return l.db.Write(batch, nil)
}

// Event returns a single event by transaction id
func (l *LevelStore) Event(ctx context.Context, txID string) (*demurrage.Event, error) {
	data, err := l.db.Get(eventKey(txID), nil)
	if err == leveldb.ErrNotFound {
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

// scanIndex walks an index range and returns the stored values
func (l *LevelStore) scanIndex(r *util.Range, reverse bool, limit int) ([][]byte, error) {
	it := l.db.NewIterator(r, nil)
	defer it.Release()

	var out [][]byte
	next := it.Next
	ok := it.First()
	if reverse {
		next = it.Prev
		ok = it.Last()
	}
	for ; ok; ok = next() {
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())
		out = append(out, v)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, it.Error()
}

func (l *LevelStore) loadEvents(ctx context.Context, ids [][]byte) ([]*demurrage.Event, error) {
	events := make([]*demurrage.Event, 0, len(ids))
	for _, id := range ids {
		ev, err := l.Event(ctx, string(id))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func timeRange(prefix string, from, to int64) *util.Range {
	if from < 0 {
		from = 0
	}
	r := &util.Range{Start: key(prefix, be64(uint64(from)))}
	if to == MaxTimestamp {
		r.Limit = util.BytesPrefix([]byte(prefix)).Limit
	} else {
		r.Limit = key(prefix, be64(uint64(to)))
	}
	return r
}

func heightRangeKeys(prefix string, from, to uint64) *util.Range {
	r := &util.Range{Start: key(prefix, be64(from))}
	if to == ^uint64(0) {
		r.Limit = util.BytesPrefix([]byte(prefix)).Limit
	} else {
		r.Limit = key(prefix, be64(to+1))
	}
	return r
}

// EventsByTime returns events whose block timestamp lies in [from, to), oldest first
func (l *LevelStore) EventsByTime(ctx context.Context, from, to int64) ([]*demurrage.Event, error) {
	ids, err := l.scanIndex(timeRange(prefixEventTime, from, to), false, 0)
	if err != nil {
		return nil, err
	}
	return l.loadEvents(ctx, ids)
}

// EventsByHeight returns events in blocks [from, to], lowest first
func (l *LevelStore) EventsByHeight(ctx context.Context, from, to uint64) ([]*demurrage.Event, error) {
	ids, err := l.scanIndex(heightRangeKeys(prefixEventHeight, from, to), false, 0)
	if err != nil {
		return nil, err
	}
	return l.loadEvents(ctx, ids)
}

// RecentEvents returns up to limit events, highest block first
func (l *LevelStore) RecentEvents(ctx context.Context, limit int) ([]*demurrage.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := l.scanIndex(util.BytesPrefix([]byte(prefixEventHeight)), true, limit)
	if err != nil {
		return nil, err
	}
	return l.loadEvents(ctx, ids)
}

// Block returns the record for a scanned height
func (l *LevelStore) Block(ctx context.Context, height uint64) (*BlockRecord, error) {
	data, err := l.db.Get(blockKey(height), nil)
	if err == leveldb.ErrNotFound {
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
func (l *LevelStore) BlocksByTime(ctx context.Context, from, to int64) ([]*BlockRecord, error) {
	heights, err := l.scanIndex(timeRange(prefixBlockTime, from, to), false, 0)
	if err != nil {
		return nil, err
	}

	blocks := make([]*BlockRecord, 0, len(heights))
	for _, h := range heights {
		rec, err := l.Block(ctx, binary.BigEndian.Uint64(h))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, rec)
	}
	return blocks, nil
}

// BlocksByHeight returns block records in [from, to]
func (l *LevelStore) BlocksByHeight(ctx context.Context, from, to uint64) ([]*BlockRecord, error) {
	values, err := l.scanIndex(heightRangeKeys(prefixBlock, from, to), false, 0)
	if err != nil {
		return nil, err
	}

	blocks := make([]*BlockRecord, 0, len(values))
	for _, v := range values {
		var rec BlockRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, err
		}
		blocks = append(blocks, &rec)
	}
	return blocks, nil
}

// MissingHeights returns heights in [from, to] without a block record
func (l *LevelStore) MissingHeights(ctx context.Context, from, to uint64) ([]uint64, error) {
	if to < from {
		return nil, nil
	}

	it := l.db.NewIterator(heightRangeKeys(prefixBlock, from, to), nil)
	defer it.Release()

	have := make(map[uint64]struct{})
	for it.Next() {
		k := it.Key()
		have[binary.BigEndian.Uint64(k[len(prefixBlock):])] = struct{}{}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return missing(from, to, have), nil
}

// LastScanned returns the highest scanned height, 0 when none
func (l *LevelStore) LastScanned(ctx context.Context) (uint64, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(prefixBlock)), nil)
	defer it.Release()

	if !it.Last() {
		return 0, it.Error()
	}
	return binary.BigEndian.Uint64(it.Key()[len(prefixBlock):]), nil
}

// Checkpoint returns the contiguous scan checkpoint, 0 when unset
func (l *LevelStore) Checkpoint(ctx context.Context) (uint64, error) {
	data, err := l.db.Get([]byte(keyLevelCheckpoint), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(data), nil
}

// SetCheckpoint stores the contiguous scan checkpoint
func (l *LevelStore) SetCheckpoint(ctx context.Context, height uint64) error {
	return l.db.Put([]byte(keyLevelCheckpoint), be64(height), nil)
}
