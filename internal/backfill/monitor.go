package backfill

import (
	"context"
	"sync"
	"time"

	"github.com/marctheshark3/mining-wave/internal/config"
	"github.com/marctheshark3/mining-wave/internal/demurrage"
	"github.com/marctheshark3/mining-wave/internal/storage"
	"github.com/marctheshark3/mining-wave/internal/util"
)

// TipSource reports the chain height
type TipSource interface {
	Height(ctx context.Context) (uint64, error)
}

// Warmer refreshes cached aggregates ahead of expiry
type Warmer interface {
	Warm(ctx context.Context) int
}

// Publisher receives verified events stored by a monitor cycle
type Publisher interface {
	Publish(ctx context.Context, events []*demurrage.Event)
}

// Monitor periodically scans new confirmed blocks
type Monitor struct {
	cfg        config.BackfillConfig
	runner     *Runner
	tip        TipSource
	store      storage.EventStore
	warmer     Warmer
	publishers []Publisher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. warmer may be nil.
func NewMonitor(cfg config.BackfillConfig, runner *Runner, tip TipSource, store storage.EventStore, warmer Warmer, publishers ...Publisher) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:        cfg,
		runner:     runner,
		tip:        tip,
		store:      store,
		warmer:     warmer,
		publishers: publishers,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start runs a cycle immediately and then on every interval
func (m *Monitor) Start() {
	util.Infof("Starting demurrage monitor (interval=%v, max_blocks=%d, confirmations=%d)",
		m.cfg.Interval, m.cfg.MaxBlocksPerCycle, m.cfg.Confirmations)

	m.wg.Add(1)
	go m.monitorLoop()
}

// Stop cancels the running cycle and waits for the loop to exit
func (m *Monitor) Stop() {
	util.Info("Stopping demurrage monitor...")
	m.cancel()
	m.wg.Wait()
	util.Info("Demurrage monitor stopped")
}

func (m *Monitor) monitorLoop() {
	defer m.wg.Done()

	interval := m.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.cycle()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cycle()
		}
	}
}

func (m *Monitor) cycle() {
	if _, err := m.RunOnce(m.ctx); err != nil && m.ctx.Err() == nil {
		util.Warnf("Monitor cycle failed: %v", err)
	}
}

// NextRange returns the heights the next cycle should scan: from the block
// after the highest scanned height (or the start height) up to the confirmed
// tip, capped at max_blocks_per_cycle. ok is false when there is nothing to
// scan. Failed heights behind the frontier are left to RetryRange.
func (m *Monitor) NextRange(ctx context.Context) (start, end uint64, ok bool, err error) {
	tip, err := m.tip.Height(ctx)
	if err != nil {
		return 0, 0, false, err
	}
	if tip <= m.cfg.Confirmations {
		return 0, 0, false, nil
	}
	confirmed := tip - m.cfg.Confirmations

	cp, err := m.store.Checkpoint(ctx)
	if err != nil {
		return 0, 0, false, err
	}
	last, err := m.store.LastScanned(ctx)
	if err != nil {
		return 0, 0, false, err
	}
	start = max(cp, last) + 1
	if start < m.cfg.StartHeight {
		start = m.cfg.StartHeight
	}
	if start > confirmed {
		return 0, 0, false, nil
	}

	end = confirmed
	if m.cfg.MaxBlocksPerCycle > 0 && end-start+1 > m.cfg.MaxBlocksPerCycle {
		end = start + m.cfg.MaxBlocksPerCycle - 1
	}
	return start, end, true, nil
}

// RetryRange returns the span holding the first max_blocks_per_cycle
// unscanned heights between the checkpoint and the highest scanned height.
// Backfill skips the recorded heights inside it.
func (m *Monitor) RetryRange(ctx context.Context) (start, end uint64, ok bool, err error) {
	cp, err := m.store.Checkpoint(ctx)
	if err != nil {
		return 0, 0, false, err
	}
	last, err := m.store.LastScanned(ctx)
	if err != nil {
		return 0, 0, false, err
	}
	from := max(cp+1, m.cfg.StartHeight)
	if last <= from {
		return 0, 0, false, nil
	}

	missing, err := m.store.MissingHeights(ctx, from, last-1)
	if err != nil || len(missing) == 0 {
		return 0, 0, false, err
	}
	if m.cfg.MaxBlocksPerCycle > 0 && uint64(len(missing)) > m.cfg.MaxBlocksPerCycle {
		missing = missing[:m.cfg.MaxBlocksPerCycle]
	}
	return missing[0], missing[len(missing)-1], true, nil
}

// RunOnce retries failed heights behind the frontier, scans the next range,
// warms caches and publishes new verified events
func (m *Monitor) RunOnce(ctx context.Context) (*Result, error) {
	var retried *Result
	rs, re, ok, err := m.RetryRange(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		util.Debugf("Monitor retrying unscanned heights in %d-%d", rs, re)
		retried, err = m.runner.Backfill(ctx, rs, re)
		if err != nil {
			return retried, err
		}
	}

	start, end, ok, err := m.NextRange(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	if ok {
		res, err = m.runner.Backfill(ctx, start, end)
		if err != nil {
			return res, err
		}
	} else {
		util.Debugf("Monitor: no new confirmed blocks")
	}
	if retried != nil {
		res.merge(retried)
	} else if !ok {
		return res, nil
	}

	if m.warmer != nil {
		if n := m.warmer.Warm(ctx); n > 0 {
			util.Debugf("Monitor warmed %d cache entries", n)
		}
	}

	var verified []*demurrage.Event
	for _, ev := range res.Events {
		if ev.Confidence == demurrage.Verified {
			verified = append(verified, ev)
		}
	}
	if len(verified) > 0 {
		util.Infof("Monitor found %d verified demurrage events (checkpoint %d)", len(verified), res.Checkpoint)
		for _, p := range m.publishers {
			p.Publish(ctx, verified)
		}
	}
	return res, nil
}
