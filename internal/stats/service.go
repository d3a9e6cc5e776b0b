package stats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/marctheshark3/mining-wave/internal/cache"
	"github.com/marctheshark3/mining-wave/internal/chain"
	"github.com/marctheshark3/mining-wave/internal/config"
	"github.com/marctheshark3/mining-wave/internal/demurrage"
	"github.com/marctheshark3/mining-wave/internal/pool"
	"github.com/marctheshark3/mining-wave/internal/storage"
	"github.com/marctheshark3/mining-wave/internal/util"
)

const (
	statusOK    = "ok"
	statusError = "error"

	maxRecentPayments = 10
	debugSamples      = 3
	liveWalletTxs     = 50
)

// ChainReader is the part of chain.Source the service reads
type ChainReader interface {
	Height(ctx context.Context) (uint64, error)
	BlockAtHeight(ctx context.Context, height uint64) (*chain.Block, error)
	AddressTransactions(ctx context.Context, address string, offset, limit int) (*chain.TransactionPage, error)
	AddressBalance(ctx context.Context, address string) (*chain.Balance, error)
	Health(ctx context.Context) (map[string]chain.ProviderHealth, error)
}

// Service builds the API responses from the event store, the pool database
// and, for live data only, the chain
type Service struct {
	cfg        config.DemurrageConfig
	chain      ChainReader
	store      storage.EventStore
	repo       pool.Repository
	classifier *demurrage.Classifier
	aggregator *Aggregator
	estimator  *Estimator
	epochs     demurrage.Epochs
	now        func() time.Time
}

// NewService wires a service
func NewService(cfg config.DemurrageConfig, src ChainReader, store storage.EventStore, repo pool.Repository) *Service {
	epochs := demurrage.NewEpochs(cfg)
	return &Service{
		cfg:        cfg,
		chain:      src,
		store:      store,
		repo:       repo,
		classifier: demurrage.NewClassifier(cfg),
		aggregator: NewAggregator(store, epochs),
		estimator:  NewEstimator(repo, cfg.HashrateTiers),
		epochs:     epochs,
		now:        time.Now,
	}
}

// Aggregator returns the period and epoch aggregator
func (s *Service) Aggregator() *Aggregator {
	return s.aggregator
}

func (s *Service) allEvents(ctx context.Context, now time.Time) ([]*demurrage.Event, error) {
	return s.store.EventsByTime(ctx, 0, now.UnixMilli())
}

// Wallet summarizes the wallet. The comprehensive method reads every stored
// event; otherwise the latest wallet transactions are classified live.
func (s *Service) Wallet(ctx context.Context, limit int, comprehensive bool) (*WalletSummary, error) {
	now := s.now()
	status := cache.Complete(0)

	summary := &WalletSummary{
		RecentIncoming: []IncomingTx{},
		RecentOutgoing: []OutgoingTx{},
	}

	balance, err := s.chain.AddressBalance(ctx, s.cfg.WalletAddress)
	if err != nil {
		util.Warnf("Wallet balance unavailable: %v", err)
		status.ErrorCount++
	} else {
		summary.Balance = util.Round(util.ToCoins(balance.NanoErgs), 4)
	}

	var events []*demurrage.Event
	if comprehensive {
		summary.Method = "comprehensive"
		events, err = s.allEvents(ctx, now)
		if err != nil {
			return nil, err
		}
		blocks, err := s.store.BlocksByTime(ctx, 0, now.UnixMilli())
		if err != nil {
			return nil, err
		}
		status.ProcessedBlocks = len(blocks)
	} else {
		summary.Method = "recent"
		var processed, failed int
		events, processed, failed, err = s.classifyRecent(ctx)
		if err != nil {
			return nil, err
		}
		status.ProcessedBlocks = processed
		status.ErrorCount += failed
	}

	fillWallet(summary, events, now, limit)

	if status.ErrorCount > 0 {
		total := status.ProcessedBlocks + status.ErrorCount
		status.CompletionPercentage = util.Round(util.Percent(float64(status.ProcessedBlocks), float64(total)), 1)
	}
	summary.APIStatus = status
	return summary, nil
}

// classifyRecent classifies the latest wallet transactions straight from the chain
func (s *Service) classifyRecent(ctx context.Context) ([]*demurrage.Event, int, int, error) {
	page, err := s.chain.AddressTransactions(ctx, s.cfg.WalletAddress, 0, liveWalletTxs)
	if errors.Is(err, chain.ErrNotFound) {
		return nil, 0, 0, nil
	}
	if err != nil {
		return nil, 0, 0, err
	}

	var events []*demurrage.Event
	failed := 0
	for i := range page.Items {
		tx := &page.Items[i]
		block := &chain.Block{ID: tx.BlockID, Height: tx.Height, Timestamp: tx.Timestamp}
		ev, err := s.classifier.Classify(tx, block)
		if err != nil {
			failed++
			continue
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	return events, len(page.Items) - failed, failed, nil
}

func fillWallet(summary *WalletSummary, events []*demurrage.Event, now time.Time, limit int) {
	sorted := append([]*demurrage.Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].BlockTimestamp > sorted[j].BlockTimestamp })

	nowMs := now.UnixMilli()
	day := (24 * time.Hour).Milliseconds()
	var collected, distributed, pattern, c24, c7, c30, d7, d30 int64
	for _, e := range sorted {
		age := nowMs - e.BlockTimestamp
		switch e.Direction {
		case demurrage.Collection:
			if e.Confidence != demurrage.Unknown && len(summary.RecentIncoming) < limit {
				summary.RecentIncoming = append(summary.RecentIncoming, IncomingTx{
					TxID:                e.TxID,
					Timestamp:           util.FormatTimestamp(e.BlockTimestamp),
					Amount:              util.Round(util.ToCoins(e.Amount), 4),
					BlockHeight:         e.BlockHeight,
					IsVerifiedDemurrage: e.Confidence == demurrage.Verified,
					Confidence:          string(e.Confidence),
				})
			}
			if e.Confidence == demurrage.Pattern {
				pattern += e.Amount
			}
			if !e.IsVerifiedCollection() {
				continue
			}
			collected += e.Amount
			if age < day {
				c24 += e.Amount
			}
			if age < 7*day {
				c7 += e.Amount
			}
			if age < 30*day {
				c30 += e.Amount
			}
		case demurrage.Distribution:
			if len(summary.RecentOutgoing) < limit {
				summary.RecentOutgoing = append(summary.RecentOutgoing, OutgoingTx{
					TxID:           e.TxID,
					Timestamp:      util.FormatTimestamp(e.BlockTimestamp),
					TotalAmount:    util.Round(util.ToCoins(e.Amount), 4),
					RecipientCount: e.RecipientCount,
					BlockHeight:    e.BlockHeight,
					IsVerified:     e.Confidence == demurrage.Verified,
				})
			}
			if !e.IsVerifiedDistribution() {
				continue
			}
			if summary.LastDistribution == nil {
				summary.LastDistribution = &LastDistribution{
					Timestamp:      util.FormatTimestamp(e.BlockTimestamp),
					Amount:         util.Round(util.ToCoins(e.Amount), 4),
					RecipientCount: e.RecipientCount,
				}
			}
			distributed += e.Amount
			if age < 7*day {
				d7 += e.Amount
			}
			if age < 30*day {
				d30 += e.Amount
			}
		}
	}

	summary.TotalCollected = util.Round(util.ToCoins(collected), 4)
	summary.TotalDistributed = util.Round(util.ToCoins(distributed), 4)
	summary.PatternCollected = util.Round(util.ToCoins(pattern), 4)
	summary.Collected24h = util.Round(util.ToCoins(c24), 4)
	summary.Collected7d = util.Round(util.ToCoins(c7), 4)
	summary.Collected30d = util.Round(util.ToCoins(c30), 4)
	summary.Distributed7d = util.Round(util.ToCoins(d7), 4)
	summary.Distributed30d = util.Round(util.ToCoins(d30), 4)
	summary.NextEstimatedDistribution = nextDistribution(sorted, util.ToCoins(c24), util.ToCoins(c7))
}

// nextDistribution adds the mean interval between verified distributions to
// the latest one. The amount is the last 24h of collections, or a seventh of
// the last week when the day is empty.
func nextDistribution(newestFirst []*demurrage.Event, collected24h, collected7d float64) *NextDistribution {
	var times []int64
	for _, e := range newestFirst {
		if e.IsVerifiedDistribution() {
			times = append(times, e.BlockTimestamp)
		}
	}
	if len(times) < 2 {
		return nil
	}

	interval := (times[0] - times[len(times)-1]) / int64(len(times)-1)
	if interval <= 0 {
		return nil
	}

	amount := collected24h
	if amount <= 0 {
		amount = collected7d / 7
	}
	return &NextDistribution{
		EstimatedTimestamp: util.FormatTimestamp(times[0] + interval),
		EstimatedAmount:    util.Round(amount, 4),
	}
}

// Stats returns period breakdowns with tier earnings estimates
func (s *Service) Stats(ctx context.Context) (*StatsResponse, error) {
	now := s.now()
	report, err := s.aggregator.ComputePeriodStats(ctx, now)
	if err != nil {
		return nil, err
	}

	poolHR, err := s.repo.PoolHashrate(ctx)
	if err != nil {
		util.Warnf("Pool hashrate unavailable, using default: %v", err)
		poolHR = s.cfg.DefaultPoolHashrate
	}

	return &StatsResponse{
		Periods:             report.Periods,
		EstimatedEarnings:   s.estimator.TierEstimates(poolHR, report.Periods),
		CurrentPoolHashrate: util.Round(poolHR/1e9, 2),
		LastUpdated:         now.UTC().Format(time.RFC3339),
		APIStatus:           cache.Complete(report.ProcessedBlocks),
	}, nil
}

// Miner estimates a miner's demurrage earnings. It returns pool.ErrMinerNotFound
// for addresses the pool has never seen.
func (s *Service) Miner(ctx context.Context, address string) (*MinerResponse, error) {
	now := s.now()

	hashrate, share, err := s.estimator.CurrentShare(ctx, address)
	if err != nil {
		return nil, err
	}

	report, err := s.aggregator.ComputePeriodStats(ctx, now)
	if err != nil {
		return nil, err
	}

	resp := &MinerResponse{
		MinerAddress:     address,
		CurrentHashrate:  hashrate,
		CurrentPoolShare: util.Round(share*100, 4),
		Earnings:         make(map[string]Earning, len(Periods)),
		RecentPayments:   []Payment{},
	}

	status := cache.Complete(report.ProcessedBlocks)
	for _, p := range Periods {
		earning, err := s.estimator.EstimateMinerEarnings(ctx, address, p.Window, report.Periods[p.Name].TotalDemurrage)
		if err != nil {
			util.Warnf("Share estimate for %s over %s failed: %v", address, p.Name, err)
			status.ErrorCount++
			resp.Earnings[p.Name] = Earning{IsProjection: true}
			continue
		}
		resp.Earnings[p.Name] = *earning
	}
	if status.ErrorCount > 0 {
		status.CompletionPercentage = util.Round(util.Percent(float64(len(Periods)-status.ErrorCount), float64(len(Periods))), 1)
	}
	resp.APIStatus = status

	events, err := s.allEvents(ctx, now)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].BlockTimestamp > events[j].BlockTimestamp })

	for _, e := range events {
		if len(resp.RecentPayments) >= maxRecentPayments {
			break
		}
		if !e.IsVerifiedDistribution() {
			continue
		}
		if paid := e.PaidTo(address); paid > 0 {
			resp.RecentPayments = append(resp.RecentPayments, Payment{
				Timestamp:   util.FormatTimestamp(e.BlockTimestamp),
				Amount:      util.Round(util.ToCoins(paid), 8),
				TxID:        e.TxID,
				BlockHeight: e.BlockHeight,
			})
		}
	}

	next := nextDistribution(events, report.Periods["24h"].TotalDemurrage, report.Periods["7d"].TotalDemurrage)
	if next != nil {
		resp.ProjectedNextPayment = &ProjectedPayment{
			EstimatedTimestamp: next.EstimatedTimestamp,
			EstimatedAmount:    util.Round(next.EstimatedAmount*share, 8),
		}
	}
	return resp, nil
}

// Epochs summarizes recent epochs. When the chain tip is unreachable the
// backfill checkpoint stands in for it.
func (s *Service) Epochs(ctx context.Context) (*EpochReport, error) {
	degraded := false
	height, err := s.chain.Height(ctx)
	if err != nil {
		util.Warnf("Chain height unavailable, using checkpoint: %v", err)
		degraded = true
		height, err = s.store.Checkpoint(ctx)
		if err != nil {
			return nil, err
		}
		if height == 0 {
			return nil, fmt.Errorf("no chain height: %w", chain.ErrUpstreamUnavailable)
		}
	}

	report, err := s.aggregator.ComputeEpochStats(ctx, height, s.cfg.EpochHistory)
	if err != nil {
		return nil, err
	}
	if degraded {
		report.APIStatus = report.APIStatus.Degraded()
	}
	return report, nil
}

// Blocks lists the most recent blocks with verified collections
func (s *Service) Blocks(ctx context.Context, limit int) (*BlocksResponse, error) {
	events, err := s.allEvents(ctx, s.now())
	if err != nil {
		return nil, err
	}

	byHeight := make(map[uint64]*BlockDemurrage)
	amounts := make(map[uint64]int64)
	for _, e := range events {
		if !e.IsVerifiedCollection() {
			continue
		}
		b, ok := byHeight[e.BlockHeight]
		if !ok {
			b = &BlockDemurrage{
				Height:    e.BlockHeight,
				BlockID:   e.BlockID,
				Timestamp: util.FormatTimestamp(e.BlockTimestamp),
				TxIDs:     []string{},
			}
			byHeight[e.BlockHeight] = b
		}
		amounts[e.BlockHeight] += e.Amount
		b.TxIDs = append(b.TxIDs, e.TxID)
		for token, amount := range e.TokenAmounts {
			if b.Tokens == nil {
				b.Tokens = make(map[string]int64)
			}
			b.Tokens[token] += amount
		}
	}

	heights := make([]uint64, 0, len(byHeight))
	for h := range byHeight {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] > heights[j] })

	resp := &BlocksResponse{Blocks: []BlockDemurrage{}, Total: len(heights)}
	if limit > 0 && len(heights) > limit {
		heights = heights[:limit]
	}
	for _, h := range heights {
		b := byHeight[h]
		b.Amount = util.Round(util.ToCoins(amounts[h]), 4)
		rec, err := s.store.Block(ctx, h)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if rec != nil {
			b.PoolBlock = rec.PoolBlock
		}
		resp.Blocks = append(resp.Blocks, *b)
	}
	resp.APIStatus = cache.Complete(len(resp.Blocks))
	return resp, nil
}

// Debug splits each period's pool blocks into blocks with and without
// verified demurrage, alongside pattern and unknown counts
func (s *Service) Debug(ctx context.Context) (*DebugResponse, error) {
	report, err := s.aggregator.ComputePeriodStats(ctx, s.now())
	if err != nil {
		return nil, err
	}
	checkpoint, err := s.store.Checkpoint(ctx)
	if err != nil {
		return nil, err
	}

	resp := &DebugResponse{
		Periods:          make(map[string]DebugPeriod, len(report.Periods)),
		TotalBlocksInAPI: report.ProcessedBlocks,
		Checkpoint:       checkpoint,
		Rules:            s.classifier.Rules(),
		APIStatus:        cache.Complete(report.ProcessedBlocks),
	}
	for name, st := range report.Periods {
		resp.Periods[name] = DebugPeriod{
			TotalBlocks:                  st.TotalBlocks,
			BlocksWithDemurrage:          st.BlocksWithDemurrage,
			BlocksWithoutDemurrage:       st.TotalBlocks - st.BlocksWithDemurrage,
			DemurragePercentage:          st.DemurragePercentage,
			VerifiedCollected:            st.TotalDemurrage,
			PatternCollected:             st.PatternCollected,
			UnknownEvents:                st.UnknownEvents,
			SampleBlocksWithDemurrage:    sample(st.withHeights),
			SampleBlocksWithoutDemurrage: sample(st.withoutHeights),
		}
	}
	return resp, nil
}

func sample(heights []uint64) []uint64 {
	out := []uint64{}
	for i := len(heights) - 1; i >= 0 && len(out) < debugSamples; i-- {
		out = append(out, heights[i])
	}
	return out
}

// Health probes the chain providers, block retrieval and the event store
func (s *Service) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{}

	providers, err := s.chain.Health(ctx)
	if err != nil {
		util.Warnf("Provider health probe interrupted: %v", err)
	}

	var best uint64
	for name, h := range providers {
		ch := &ComponentHealth{Status: statusOK, Height: h.Height}
		if !h.OK {
			ch = &ComponentHealth{Status: statusError, Message: h.Error}
		}
		if h.Height > best {
			best = h.Height
		}
		switch name {
		case "explorer":
			report.ExplorerAPI = ch
		case "node":
			connected := h.OK
			ch.IsConnected = &connected
			ch.HeadersHeight = h.HeadersHeight
			report.NodeAPI = ch
		}
	}

	report.BlockRetrieval = ComponentHealth{Status: statusError, Message: "no provider height to test"}
	if best > 0 {
		test := uint64(1)
		if best > 100 {
			test = best - 100
		}
		block, err := s.chain.BlockAtHeight(ctx, test)
		if err != nil {
			report.BlockRetrieval = ComponentHealth{
				Status:  statusError,
				Message: fmt.Sprintf("Failed to retrieve block at height %d: %v", test, err),
			}
		} else {
			report.BlockRetrieval = ComponentHealth{
				Status:  statusOK,
				BlockID: block.ID,
				Height:  block.Height,
				Note:    fmt.Sprintf("Used height %d", test),
			}
		}
	}

	if checkpoint, err := s.store.Checkpoint(ctx); err != nil {
		report.Store = ComponentHealth{Status: statusError, Message: err.Error()}
	} else {
		report.Store = ComponentHealth{Status: statusOK, Height: checkpoint}
	}

	report.Overall = statusOK
	for _, c := range []*ComponentHealth{report.ExplorerAPI, report.NodeAPI, &report.BlockRetrieval, &report.Store} {
		if c != nil && c.Status != statusOK {
			report.Overall = "degraded"
		}
	}
	return report
}
