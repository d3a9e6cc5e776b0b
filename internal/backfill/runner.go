// Package backfill scans block ranges, classifies wallet activity and
// persists events so statistics never re-scan the chain per request.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/ratelimit"

	"github.com/marctheshark3/mining-wave/internal/chain"
	"github.com/marctheshark3/mining-wave/internal/config"
	"github.com/marctheshark3/mining-wave/internal/demurrage"
	"github.com/marctheshark3/mining-wave/internal/metrics"
	"github.com/marctheshark3/mining-wave/internal/storage"
	"github.com/marctheshark3/mining-wave/internal/util"
	"github.com/marctheshark3/mining-wave/internal/workerpool"
)

// BlockSource is the part of chain.Source the runner reads
type BlockSource interface {
	BlockAtHeight(ctx context.Context, height uint64) (*chain.Block, error)
	BlockTransactions(ctx context.Context, block *chain.Block) ([]chain.Transaction, error)
}

// PoolBlocks reports which heights the pool found
type PoolBlocks interface {
	IsPoolBlock(ctx context.Context, height uint64) (bool, error)
}

// Result summarizes one backfill run
type Result struct {
	Start, End           uint64
	Scanned              int
	Skipped              int
	Failed               []uint64
	ClassificationErrors int
	Events               []*demurrage.Event
	Checkpoint           uint64
}

// merge folds a run over earlier heights into r, keeping r's range
func (r *Result) merge(o *Result) {
	r.Scanned += o.Scanned
	r.Skipped += o.Skipped
	r.ClassificationErrors += o.ClassificationErrors
	r.Failed = append(r.Failed, o.Failed...)
	sort.Slice(r.Failed, func(i, j int) bool { return r.Failed[i] < r.Failed[j] })
	r.Events = append(o.Events, r.Events...)
	if o.Checkpoint > r.Checkpoint {
		r.Checkpoint = o.Checkpoint
	}
}

// Runner scans heights on a bounded, rate-limited worker pool
type Runner struct {
	source     BlockSource
	store      storage.EventStore
	pool       PoolBlocks
	classifier *demurrage.Classifier
	workers    int
	floor      uint64
	limiter    ratelimit.Limiter
	metrics    metrics.Backfill
	now        func() time.Time

	// serializes checkpoint advancement between overlapping runs
	cpMu sync.Mutex
}

// NewRunner creates a runner
func NewRunner(cfg config.BackfillConfig, source BlockSource, store storage.EventStore, pool PoolBlocks, classifier *demurrage.Classifier) *Runner {
	limiter := ratelimit.NewUnlimited()
	if cfg.RPS > 0 {
		limiter = ratelimit.New(cfg.RPS)
	}
	return &Runner{
		source:     source,
		store:      store,
		pool:       pool,
		classifier: classifier,
		workers:    cfg.Workers,
		floor:      cfg.StartHeight,
		limiter:    limiter,
		now:        time.Now,
	}
}

type heightResult struct {
	events    []*demurrage.Event
	txErrors  int
	blockErr  error
	storeFail error
}

// Backfill scans [start, end], skipping heights already recorded. Upstream
// failures leave a height unscanned for the next run; a store failure
// aborts. Completed heights survive cancellation.
func (r *Runner) Backfill(ctx context.Context, start, end uint64) (*Result, error) {
	if start > end {
		return nil, fmt.Errorf("invalid range %d-%d", start, end)
	}

	started := time.Now()
	res := &Result{Start: start, End: end}

	missing, err := r.store.MissingHeights(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("missing heights: %w", err)
	}
	res.Skipped = int(end-start+1) - len(missing)

	var mu sync.Mutex
	err = workerpool.Process(ctx, r.workers, missing, func(ctx context.Context, height uint64) error {
		r.limiter.Take()
		hr := r.scanHeight(ctx, height)

		mu.Lock()
		defer mu.Unlock()
		res.ClassificationErrors += hr.txErrors
		if hr.storeFail != nil {
			return hr.storeFail
		}
		if hr.blockErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res.Failed = append(res.Failed, height)
			return nil
		}
		res.Scanned++
		res.Events = append(res.Events, hr.events...)
		return nil
	}, func() {
		util.Warnf("Backfill %d-%d interrupted", start, end)
	})

	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i] < res.Failed[j] })
	sort.SliceStable(res.Events, func(i, j int) bool { return res.Events[i].BlockHeight < res.Events[j].BlockHeight })

	// progress made before a cancel still moves the checkpoint
	cp, cpErr := r.advanceCheckpoint(context.WithoutCancel(ctx), start, end)
	res.Checkpoint = cp
	r.metrics.ObserveCycle(err, res.Scanned, started)

	if err != nil {
		return res, err
	}
	if cpErr != nil {
		return res, fmt.Errorf("advance checkpoint: %w", cpErr)
	}

	util.Infof("Backfill %d-%d: scanned=%d skipped=%d failed=%d events=%d checkpoint=%d (%v)",
		start, end, res.Scanned, res.Skipped, len(res.Failed), len(res.Events), res.Checkpoint, time.Since(started).Round(time.Millisecond))
	return res, nil
}

func (r *Runner) scanHeight(ctx context.Context, height uint64) heightResult {
	started := time.Now()

	block, err := r.source.BlockAtHeight(ctx, height)
	if err != nil {
		r.metrics.ObserveHeight(err, started)
		if !errors.Is(err, chain.ErrNotFound) {
			util.Warnf("Backfill height %d: %v", height, err)
		}
		return heightResult{blockErr: err}
	}

	txs, err := r.source.BlockTransactions(ctx, block)
	if err != nil {
		r.metrics.ObserveHeight(err, started)
		util.Warnf("Backfill block %d transactions: %v", height, err)
		return heightResult{blockErr: err}
	}

	var hr heightResult
	for i := range txs {
		ev, err := r.classifier.Classify(&txs[i], block)
		if err != nil {
			r.metrics.ClassificationError()
			util.Warnf("Skipping transaction at height %d: %v", height, err)
			hr.txErrors++
			continue
		}
		if ev != nil {
			hr.events = append(hr.events, ev)
		}
	}

	poolBlock, err := r.pool.IsPoolBlock(ctx, height)
	if err != nil {
		util.Warnf("Pool block lookup for %d failed: %v", height, err)
	}

	rec := &storage.BlockRecord{
		Height:    block.Height,
		ID:        block.ID,
		Timestamp: block.Timestamp,
		TxCount:   len(txs),
		PoolBlock: poolBlock,
		ScannedAt: r.now().UnixMilli(),
	}
	if err := r.store.SaveBlock(ctx, rec, hr.events); err != nil {
		r.metrics.ObserveHeight(err, started)
		hr.storeFail = fmt.Errorf("save block %d: %w", height, err)
		return hr
	}

	for _, ev := range hr.events {
		r.metrics.Event(string(ev.Direction), string(ev.Confidence))
	}
	r.metrics.ObserveHeight(nil, started)
	return hr
}

// advanceCheckpoint moves the checkpoint to the last height of the contiguous
// scanned run that follows it. An unset checkpoint starts below start, or
// below the start height when the range begins above it.
func (r *Runner) advanceCheckpoint(ctx context.Context, start, end uint64) (uint64, error) {
	r.cpMu.Lock()
	defer r.cpMu.Unlock()

	cp, err := r.store.Checkpoint(ctx)
	if err != nil {
		return 0, err
	}

	base := cp
	if base == 0 && start > 0 {
		base = start - 1
		if r.floor > 0 && r.floor < start {
			base = r.floor - 1
		}
	}
	if base >= end {
		return cp, nil
	}

	missing, err := r.store.MissingHeights(ctx, base+1, end)
	if err != nil {
		return cp, err
	}
	next := end
	if len(missing) > 0 {
		next = missing[0] - 1
	}
	if next <= cp {
		return cp, nil
	}

	if err := r.store.SetCheckpoint(ctx, next); err != nil {
		return cp, err
	}
	r.metrics.SetCheckpoint(next)
	return next, nil
}
