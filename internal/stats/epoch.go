package stats

import (
	"context"
	"sort"

	"github.com/marctheshark3/mining-wave/internal/cache"
	"github.com/marctheshark3/mining-wave/internal/util"
)

// EpochStat summarizes verified collections inside one epoch
type EpochStat struct {
	Epoch               int64   `json:"epoch"`
	StartBlock          uint64  `json:"startBlock"`
	EndBlock            uint64  `json:"endBlock"`
	DemurrageAmount     float64 `json:"demurrageAmount"`
	BlocksWithDemurrage int     `json:"blocksWithDemurrage"`
	BlockCount          int     `json:"blockCount"`
	IsCurrentEpoch      bool    `json:"isCurrentEpoch"`
}

// EpochReport is the response of the epochs endpoint
type EpochReport struct {
	CurrentEpoch                      int64           `json:"currentEpoch"`
	CurrentHeight                     uint64          `json:"currentHeight"`
	BlocksInCurrentEpoch              int             `json:"blocksInCurrentEpoch"`
	BlocksLeftInEpoch                 int             `json:"blocksLeftInEpoch"`
	CurrentEpochStartBlock            uint64          `json:"currentEpochStartBlock"`
	TotalEpochs                       int             `json:"totalEpochs"`
	TotalDemurrage                    float64         `json:"totalDemurrage"`
	AverageDemurragePerEpoch          float64         `json:"averageDemurragePerEpoch"`
	ProjectedDemurrageForCurrentEpoch float64         `json:"projectedDemurrageForCurrentEpoch"`
	Epochs                            []EpochStat     `json:"epochs"`
	APIStatus                         cache.APIStatus `json:"apiStatus"`
}

// ComputeEpochStats summarizes the count most recent epochs, including the
// one in progress at currentHeight, oldest first. BlockCount is the number of
// chain blocks the epoch has had so far.
func (a *Aggregator) ComputeEpochStats(ctx context.Context, currentHeight uint64, count int) (*EpochReport, error) {
	current := a.epochs.Number(currentHeight)
	report := &EpochReport{
		CurrentEpoch:           current,
		CurrentHeight:          currentHeight,
		CurrentEpochStartBlock: a.epochs.StartBlock(current),
		Epochs:                 []EpochStat{},
		APIStatus:              cache.Complete(0),
	}

	numbers := a.epochs.Recent(currentHeight, count)
	if len(numbers) == 0 {
		return report, nil
	}
	from := a.epochs.StartBlock(numbers[len(numbers)-1])

	events, err := a.store.EventsByHeight(ctx, from, currentHeight)
	if err != nil {
		return nil, err
	}
	blocks, err := a.store.BlocksByHeight(ctx, from, currentHeight)
	if err != nil {
		return nil, err
	}

	byEpoch := make(map[int64]*EpochStat, len(numbers))
	collected := make(map[int64]int64, len(numbers))
	heights := make(map[int64]map[uint64]struct{}, len(numbers))
	for _, n := range numbers {
		start, end := a.epochs.StartBlock(n), a.epochs.EndBlock(n)
		last := end
		if n == current {
			last = currentHeight
		}
		byEpoch[n] = &EpochStat{
			Epoch:          n,
			StartBlock:     start,
			EndBlock:       end,
			BlockCount:     int(last - start + 1),
			IsCurrentEpoch: n == current,
		}
		heights[n] = make(map[uint64]struct{})
	}

	for _, e := range events {
		if !e.IsVerifiedCollection() {
			continue
		}
		n := a.epochs.Number(e.BlockHeight)
		if _, ok := byEpoch[n]; !ok {
			continue
		}
		collected[n] += e.Amount
		heights[n][e.BlockHeight] = struct{}{}
	}

	var total int64
	for n, st := range byEpoch {
		st.DemurrageAmount = util.Round(util.ToCoins(collected[n]), 4)
		st.BlocksWithDemurrage = len(heights[n])
		total += collected[n]
		report.Epochs = append(report.Epochs, *st)
	}
	sort.Slice(report.Epochs, func(i, j int) bool { return report.Epochs[i].Epoch < report.Epochs[j].Epoch })

	cur := byEpoch[current]
	report.BlocksInCurrentEpoch = cur.BlockCount
	report.BlocksLeftInEpoch = int(a.epochs.BlocksPerEpoch) - cur.BlockCount
	if cur.BlockCount > 0 {
		perBlock := util.ToCoins(collected[current]) / float64(cur.BlockCount)
		report.ProjectedDemurrageForCurrentEpoch = util.Round(perBlock*float64(a.epochs.BlocksPerEpoch), 4)
	}
	report.TotalEpochs = len(report.Epochs)
	report.TotalDemurrage = util.Round(util.ToCoins(total), 4)
	report.AverageDemurragePerEpoch = util.Round(util.ToCoins(total)/float64(len(report.Epochs)), 4)

	expected := int(currentHeight - from + 1)
	report.APIStatus = cache.APIStatus{
		ProcessedBlocks:      len(blocks),
		CompletionPercentage: util.Round(util.Percent(float64(len(blocks)), float64(expected)), 1),
	}
	return report, nil
}
