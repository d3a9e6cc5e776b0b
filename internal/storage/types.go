// Package storage persists classified demurrage events and scanned block records.
package storage

import (
	"context"
	"errors"
	"math"

	"github.com/marctheshark3/mining-wave/internal/demurrage"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("storage: not found")

// MaxTimestamp is an open upper bound for time range queries
const MaxTimestamp = int64(math.MaxInt64)

// BlockRecord marks a height the scanner has completed
type BlockRecord struct {
	Height    uint64 `json:"height"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	TxCount   int    `json:"txCount"`
	PoolBlock bool   `json:"poolBlock"`
	ScannedAt int64  `json:"scannedAt"`
}

// EventStore is the persistent home of events and block records.
// Time ranges are half-open [from, to) over block timestamps in milliseconds;
// height ranges are inclusive.
type EventStore interface {
	// SaveBlock records a scanned block together with its events. Events are upserted by TxID.
	SaveBlock(ctx context.Context, rec *BlockRecord, events []*demurrage.Event) error
	Event(ctx context.Context, txID string) (*demurrage.Event, error)
	EventsByTime(ctx context.Context, from, to int64) ([]*demurrage.Event, error)
	EventsByHeight(ctx context.Context, from, to uint64) ([]*demurrage.Event, error)
	// RecentEvents returns up to limit events, highest block first
	RecentEvents(ctx context.Context, limit int) ([]*demurrage.Event, error)
	Block(ctx context.Context, height uint64) (*BlockRecord, error)
	BlocksByTime(ctx context.Context, from, to int64) ([]*BlockRecord, error)
	BlocksByHeight(ctx context.Context, from, to uint64) ([]*BlockRecord, error)
	// MissingHeights returns the heights in [from, to] without a block record, ascending
	MissingHeights(ctx context.Context, from, to uint64) ([]uint64, error)
	// LastScanned returns the highest height with a block record, 0 when none
	LastScanned(ctx context.Context) (uint64, error)
	Checkpoint(ctx context.Context) (uint64, error)
	SetCheckpoint(ctx context.Context, height uint64) error
	Close() error
}

func missing(from, to uint64, have map[uint64]struct{}) []uint64 {
	var out []uint64
	for h := from; h <= to; h++ {
		if _, ok := have[h]; !ok {
			out = append(out, h)
		}
		if h == math.MaxUint64 {
			break
		}
	}
	return out
}
