package stats

import (
	"context"
	"sort"
	"time"

	"github.com/marctheshark3/mining-wave/internal/config"
	"github.com/marctheshark3/mining-wave/internal/pool"
	"github.com/marctheshark3/mining-wave/internal/util"
)

// MinerShare is a miner's estimated fraction of pool hashrate over a window
type MinerShare struct {
	Address   string        `json:"address"`
	Window    time.Duration `json:"window"`
	Fraction  float64       `json:"fraction"`
	SampledAt time.Time     `json:"sampledAt"`
	Samples   int           `json:"samples"`
}

// Earning is a miner's projected portion of a period total
type Earning struct {
	Amount       float64 `json:"amount"`
	ShareOfTotal float64 `json:"shareOfTotal"`
	IsProjection bool    `json:"isProjection"`
}

// TierEarnings maps a period name to a projected amount for one hashrate tier
type TierEarnings map[string]float64

// Estimator projects period totals onto miners by historical hashrate share
type Estimator struct {
	repo  pool.Repository
	tiers []config.HashrateTierConfig
	now   func() time.Time
}

// NewEstimator creates an estimator reading hashrate history from repo
func NewEstimator(repo pool.Repository, tiers []config.HashrateTierConfig) *Estimator {
	return &Estimator{repo: repo, tiers: tiers, now: time.Now}
}

// CurrentShare returns the miner's latest hashrate and its fraction of the latest pool hashrate
func (e *Estimator) CurrentShare(ctx context.Context, address string) (float64, float64, error) {
	minerHR, err := e.repo.MinerHashrate(ctx, address)
	if err != nil {
		return 0, 0, err
	}
	poolHR, err := e.repo.PoolHashrate(ctx)
	if err != nil {
		return 0, 0, err
	}
	return minerHR, clampShare(minerHR, poolHR), nil
}

// AverageHashrateShare returns the time-weighted mean of miner/pool hashrate
// over window, pairing each miner sample with the nearest pool sample. The
// mean is taken over the part of the window covered by pool history; time
// without a miner sample counts as zero. Without miner history the current
// share is used.
func (e *Estimator) AverageHashrateShare(ctx context.Context, address string, window time.Duration) (*MinerShare, error) {
	now := e.now()
	since := Period{Window: window}.Since(now)

	share := &MinerShare{Address: address, Window: window, SampledAt: now}

	minerSamples, err := e.repo.MinerHistory(ctx, address, since)
	if err != nil {
		return nil, err
	}
	poolSamples, err := e.repo.PoolHistory(ctx, since)
	if err != nil {
		return nil, err
	}

	if frac, n, ok := weightedShare(minerSamples, poolSamples, since, now); ok {
		share.Fraction = frac
		share.Samples = n
		return share, nil
	}

	_, current, err := e.CurrentShare(ctx, address)
	if err != nil {
		return nil, err
	}
	share.Fraction = current
	return share, nil
}

// weightedShare integrates the miner's share over [start, now), where start is
// since or the first pool sample if later. A miner sample holds until the next
// one, now, or holdLimit after it, whichever comes first.
func weightedShare(miner, poolSamples []pool.HashrateSample, since, now time.Time) (float64, int, bool) {
	if len(miner) == 0 || len(poolSamples) == 0 {
		return 0, 0, false
	}

	miner = sortedSamples(miner)
	poolSamples = sortedSamples(poolSamples)

	start := since
	if poolSamples[0].At.After(start) {
		start = poolSamples[0].At
	}
	span := now.Sub(start)
	if span <= 0 {
		return 0, 0, false
	}
	hold := holdLimit(poolSamples)

	var weighted float64
	used := 0
	for i, s := range miner {
		end := now
		if i+1 < len(miner) && miner[i+1].At.Before(end) {
			end = miner[i+1].At
		}
		if hold > 0 && s.At.Add(hold).Before(end) {
			end = s.At.Add(hold)
		}
		from := s.At
		if from.Before(start) {
			from = start
		}
		if !end.After(from) {
			continue
		}
		p := nearest(poolSamples, s.At)
		if p.Hashrate <= 0 {
			continue
		}
		weighted += clampShare(s.Hashrate, p.Hashrate) * end.Sub(from).Seconds()
		used++
	}
	if used == 0 {
		return 0, 0, false
	}
	return clamp(weighted / span.Seconds()), used, true
}

// holdLimit is twice the mean pool sampling interval, or 0 with a single sample
func holdLimit(samples []pool.HashrateSample) time.Duration {
	if len(samples) < 2 {
		return 0
	}
	mean := samples[len(samples)-1].At.Sub(samples[0].At) / time.Duration(len(samples)-1)
	return 2 * mean
}

func sortedSamples(in []pool.HashrateSample) []pool.HashrateSample {
	if sort.SliceIsSorted(in, func(i, j int) bool { return in[i].At.Before(in[j].At) }) {
		return in
	}
	out := append([]pool.HashrateSample(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// nearest returns the sample closest in time to t; samples must be sorted
func nearest(samples []pool.HashrateSample, t time.Time) pool.HashrateSample {
	i := sort.Search(len(samples), func(i int) bool { return !samples[i].At.Before(t) })
	if i == 0 {
		return samples[0]
	}
	if i == len(samples) {
		return samples[len(samples)-1]
	}
	before, after := samples[i-1], samples[i]
	if t.Sub(before.At) <= after.At.Sub(t) {
		return before
	}
	return after
}

func clampShare(miner, poolHR float64) float64 {
	if poolHR <= 0 {
		return 0
	}
	return clamp(miner / poolHR)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// EstimateMinerEarnings projects periodTotal (coins) onto the miner's average share over window
func (e *Estimator) EstimateMinerEarnings(ctx context.Context, address string, window time.Duration, periodTotal float64) (*Earning, error) {
	share, err := e.AverageHashrateShare(ctx, address, window)
	if err != nil {
		return nil, err
	}
	return &Earning{
		Amount:       util.Round(periodTotal*share.Fraction, 8),
		ShareOfTotal: util.Round(share.Fraction*100, 4),
		IsProjection: true,
	}, nil
}

// TierEstimates projects period totals onto each configured hashrate tier
// as tier / poolHashrate
func (e *Estimator) TierEstimates(poolHashrate float64, periods map[string]PeriodStat) map[string]TierEarnings {
	out := make(map[string]TierEarnings, len(e.tiers))
	for _, tier := range e.tiers {
		proportion := 0.0
		if poolHashrate > 0 {
			proportion = tier.Hashrate / poolHashrate
		}
		earnings := make(TierEarnings)
		for _, p := range Periods {
			if p.Window == 0 {
				continue
			}
			earnings[p.Name] = util.Round(periods[p.Name].TotalDemurrage*proportion, 4)
		}
		out[tier.Name] = earnings
	}
	return out
}
