// Package stats aggregates stored demurrage events into period and epoch
// statistics and estimates per-miner shares.
package stats

import (
	"context"
	"time"

	"github.com/marctheshark3/mining-wave/internal/demurrage"
	"github.com/marctheshark3/mining-wave/internal/storage"
	"github.com/marctheshark3/mining-wave/internal/util"
)

// Period is a rolling window ending now. A zero Window means all time.
type Period struct {
	Name   string
	Window time.Duration
}

var allTimeStart = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Periods reported by the stats endpoints, shortest first
var Periods = []Period{
	{Name: "24h", Window: 24 * time.Hour},
	{Name: "7d", Window: 7 * 24 * time.Hour},
	{Name: "30d", Window: 30 * 24 * time.Hour},
	{Name: "allTime"},
}

// Since returns the start of the window ending at now
func (p Period) Since(now time.Time) time.Time {
	if p.Window == 0 {
		return allTimeStart
	}
	return now.Add(-p.Window)
}

// PeriodStat summarizes one window. Amounts are in coins.
type PeriodStat struct {
	TotalDemurrage      float64 `json:"totalDemurrage"`
	TotalDistributed    float64 `json:"totalDistributed"`
	AvgPerBlock         float64 `json:"avgPerBlock"`
	BlocksWithDemurrage int     `json:"blocksWithDemurrage"`
	TotalBlocks         int     `json:"totalBlocks"`
	DemurragePercentage float64 `json:"demurragePercentage"`
	PatternCollected    float64 `json:"patternCollected"`
	UnknownEvents       int     `json:"unknownEvents"`

	withHeights    []uint64
	withoutHeights []uint64
}

// PeriodReport holds the stats of every period
type PeriodReport struct {
	Periods         map[string]PeriodStat
	ProcessedBlocks int
	ComputedAt      time.Time
}

// Aggregator reads the event store and never the chain
type Aggregator struct {
	store  storage.EventStore
	epochs demurrage.Epochs
}

// NewAggregator creates an aggregator over store
func NewAggregator(store storage.EventStore, epochs demurrage.Epochs) *Aggregator {
	return &Aggregator{store: store, epochs: epochs}
}

// ComputePeriodStats summarizes each period's window [now-window, now),
// selected by block timestamp. Only Verified events enter the totals.
func (a *Aggregator) ComputePeriodStats(ctx context.Context, now time.Time) (*PeriodReport, error) {
	to := now.UnixMilli()

	blocks, err := a.store.BlocksByTime(ctx, 0, to)
	if err != nil {
		return nil, err
	}
	events, err := a.store.EventsByTime(ctx, 0, to)
	if err != nil {
		return nil, err
	}

	report := &PeriodReport{
		Periods:         make(map[string]PeriodStat, len(Periods)),
		ProcessedBlocks: len(blocks),
		ComputedAt:      now,
	}
	for _, p := range Periods {
		report.Periods[p.Name] = summarize(blocks, events, p.Since(now).UnixMilli(), to)
	}
	return report, nil
}

func summarize(blocks []*storage.BlockRecord, events []*demurrage.Event, from, to int64) PeriodStat {
	poolBlocks := make(map[uint64]struct{})
	var ordered []uint64
	for _, b := range blocks {
		if b.Timestamp < from || b.Timestamp >= to || !b.PoolBlock {
			continue
		}
		if _, ok := poolBlocks[b.Height]; !ok {
			poolBlocks[b.Height] = struct{}{}
			ordered = append(ordered, b.Height)
		}
	}

	var collected, distributed, pattern int64
	var stat PeriodStat
	withDemurrage := make(map[uint64]struct{})
	for _, e := range events {
		if e.BlockTimestamp < from || e.BlockTimestamp >= to {
			continue
		}
		switch {
		case e.IsVerifiedCollection():
			collected += e.Amount
			if _, ok := poolBlocks[e.BlockHeight]; ok {
				withDemurrage[e.BlockHeight] = struct{}{}
			}
		case e.IsVerifiedDistribution():
			distributed += e.Amount
		case e.Direction == demurrage.Collection && e.Confidence == demurrage.Pattern:
			pattern += e.Amount
		case e.Confidence == demurrage.Unknown:
			stat.UnknownEvents++
		}
	}

	for _, h := range ordered {
		if _, ok := withDemurrage[h]; ok {
			stat.withHeights = append(stat.withHeights, h)
		} else {
			stat.withoutHeights = append(stat.withoutHeights, h)
		}
	}

	stat.TotalDemurrage = util.Round(util.ToCoins(collected), 4)
	stat.TotalDistributed = util.Round(util.ToCoins(distributed), 4)
	stat.PatternCollected = util.Round(util.ToCoins(pattern), 4)
	stat.TotalBlocks = len(poolBlocks)
	stat.BlocksWithDemurrage = len(withDemurrage)
	if stat.TotalBlocks > 0 {
		stat.AvgPerBlock = util.Round(util.ToCoins(collected)/float64(stat.TotalBlocks), 4)
	}
	stat.DemurragePercentage = util.Round(util.Percent(float64(stat.BlocksWithDemurrage), float64(stat.TotalBlocks)), 2)
	return stat
}
