package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marctheshark3/mining-wave/internal/clock"
	"github.com/marctheshark3/mining-wave/internal/config"
	"github.com/marctheshark3/mining-wave/internal/metrics"
	"github.com/marctheshark3/mining-wave/internal/util"
)

// ProviderState is a snapshot of a provider's health for monitoring
type ProviderState struct {
	Name          string
	Healthy       bool
	LastCheck     time.Time
	SuccessCount  int32
	FailCount     int32
	ResponseTime  time.Duration
	Height        uint64
	HeadersHeight uint64
	LastError     string
}

// ProviderHealth is the result of a single health probe
type ProviderHealth struct {
	OK            bool
	Height        uint64
	HeadersHeight uint64
	Error         string
}

// provider wraps a Provider with health tracking
type provider struct {
	Provider

	mu            sync.RWMutex
	healthy       bool
	failCount     int32
	successCount  int32
	lastCheck     time.Time
	responseTime  time.Duration
	height        uint64
	headersHeight uint64
	lastErr       error
}

func (p *provider) isHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy
}

// Source fans chain reads out over providers with retry, backoff and failover
type Source struct {
	providers []*provider
	cfg       config.ChainConfig
	metrics   metrics.Chain

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSource creates a source over providers, tried in the given order
func NewSource(ctx context.Context, cfg config.ChainConfig, providers ...Provider) *Source {
	srcCtx, cancel := context.WithCancel(ctx)

	s := &Source{
		cfg:    cfg,
		ctx:    srcCtx,
		cancel: cancel,
	}
	for _, p := range providers {
		s.providers = append(s.providers, &provider{Provider: p, healthy: true})
	}
	return s
}

// NewSourceFromConfig builds the explorer and node clients, primary first
func NewSourceFromConfig(ctx context.Context, cfg config.ChainConfig) *Source {
	var explorer, node Provider
	if cfg.ExplorerURL != "" {
		explorer = NewExplorerClient(cfg.ExplorerURL, cfg.Timeout)
	}
	if cfg.NodeURL != "" {
		node = NewNodeClient(cfg.NodeURL, cfg.Timeout, cfg.AddressCacheSize)
	}

	ordered := []Provider{node, explorer}
	if cfg.Primary == "explorer" {
		ordered = []Provider{explorer, node}
	}

	var providers []Provider
	for _, p := range ordered {
		if p != nil {
			providers = append(providers, p)
		}
	}
	return NewSource(ctx, cfg, providers...)
}

// Start runs an initial health check and begins the health check loop
func (s *Source) Start() {
	if len(s.providers) == 0 {
		util.Warnf("No chain providers configured")
		return
	}

	for i, p := range s.providers {
		util.Infof("Chain provider [%d] %s", i, p.Name())
	}

	s.checkAll()

	s.wg.Add(1)
	go s.healthCheckLoop()
}

// Stop shuts down the health check loop
func (s *Source) Stop() {
	s.cancel()
	s.wg.Wait()
	util.Info("Chain source stopped")
}

func (s *Source) healthCheckLoop() {
	defer s.wg.Done()

	interval := s.cfg.HealthCheckInterval
	if interval == 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkAll()
		}
	}
}

func (s *Source) checkAll() {
	_, _ = s.Health(s.ctx)
}

// Health probes every provider concurrently and updates their health state
func (s *Source) Health(ctx context.Context) (map[string]ProviderHealth, error) {
	results := make([]ProviderHealth, len(s.providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range s.providers {
		i, p := i, p
		g.Go(func() error {
			results[i] = s.checkProvider(gctx, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := make(map[string]ProviderHealth, len(s.providers))
	for i, p := range s.providers {
		report[p.Name()] = results[i]
	}
	return report, ctx.Err()
}

// checkProvider probes Info and applies the failure and recovery thresholds
func (s *Source) checkProvider(ctx context.Context, p *provider) ProviderHealth {
	timeout := s.cfg.HealthCheckTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	info, err := p.Info(ctx)
	s.metrics.ObserveCall(p.Name(), "health", err, start)

	p.mu.Lock()
	p.lastCheck = time.Now()
	p.responseTime = time.Since(start)

	if err != nil {
		p.failCount++
		p.successCount = 0
		p.lastErr = err

		if p.failCount >= s.maxFailures() && p.healthy {
			p.healthy = false
			util.Warnf("Chain provider %s marked UNHEALTHY after %d failures: %v", p.Name(), p.failCount, err)
		}
	} else {
		p.successCount++
		p.height = info.Height
		p.headersHeight = info.HeadersHeight
		p.lastErr = nil

		if !p.healthy && p.successCount >= s.recoveryThreshold() {
			p.healthy = true
			p.failCount = 0
			util.Infof("Chain provider %s recovered (height=%d, response=%v)", p.Name(), p.height, p.responseTime)
		} else if p.healthy {
			p.failCount = 0
		}
	}
	healthy, height := p.healthy, p.height
	p.mu.Unlock()

	s.metrics.SetHealth(p.Name(), healthy, height)

	if err != nil {
		return ProviderHealth{Error: err.Error()}
	}
	return ProviderHealth{OK: true, Height: info.Height, HeadersHeight: info.HeadersHeight}
}

func (s *Source) maxFailures() int32 {
	if s.cfg.MaxFailures <= 0 {
		return 3
	}
	return int32(s.cfg.MaxFailures)
}

func (s *Source) recoveryThreshold() int32 {
	if s.cfg.RecoveryThreshold <= 0 {
		return 2
	}
	return int32(s.cfg.RecoveryThreshold)
}

func (s *Source) recordSuccess(p *provider) {
	p.mu.Lock()
	p.successCount++
	p.failCount = 0
	recovered := !p.healthy
	p.healthy = true
	p.mu.Unlock()

	if recovered {
		util.Infof("Chain provider %s answered, marked healthy", p.Name())
		s.metrics.SetHealth(p.Name(), true, 0)
	}
}

func (s *Source) recordFailure(p *provider, err error) {
	p.mu.Lock()
	p.failCount++
	p.successCount = 0
	p.lastErr = err
	failed := p.failCount >= s.maxFailures() && p.healthy
	if failed {
		p.healthy = false
	}
	p.mu.Unlock()

	if failed {
		util.Warnf("Chain provider %s marked unhealthy due to call failures: %v", p.Name(), err)
		s.metrics.SetHealth(p.Name(), false, 0)
	}
}

// ordered returns healthy providers first, keeping configured order within each group
func (s *Source) ordered() []*provider {
	out := make([]*provider, 0, len(s.providers))
	var unhealthy []*provider
	for _, p := range s.providers {
		if p.isHealthy() {
			out = append(out, p)
		} else {
			unhealthy = append(unhealthy, p)
		}
	}
	return append(out, unhealthy...)
}

// call runs fn against each provider in turn, retrying retryable errors with backoff
func call[T any](ctx context.Context, s *Source, op string, fn func(context.Context, Provider) (T, error)) (T, error) {
	var zero T
	if len(s.providers) == 0 {
		return zero, fmt.Errorf("%w: %s: no providers configured", ErrUpstreamUnavailable, op)
	}

	attempts := s.cfg.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	notFound := 0
	for _, p := range s.ordered() {
		var err error
		for attempt := 0; attempt < attempts; attempt++ {
			actx, cancel := s.attemptContext(ctx)
			started := time.Now()
			var v T
			v, err = fn(actx, p.Provider)
			cancel()
			s.metrics.ObserveCall(p.Name(), op, err, started)

			if err == nil {
				s.recordSuccess(p)
				return v, nil
			}
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			if errors.Is(err, ErrNotFound) || !retryable(err) || attempt == attempts-1 {
				break
			}

			util.Debugf("chain %s on %s failed (attempt %d/%d): %v", op, p.Name(), attempt+1, attempts, err)
			if serr := clock.SleepWithContext(ctx, clock.Backoff(s.cfg.BackoffBase, s.cfg.BackoffMax, attempt)); serr != nil {
				return zero, serr
			}
		}

		lastErr = err
		if errors.Is(err, ErrNotFound) {
			notFound++
			continue
		}
		s.recordFailure(p, err)
		if len(s.providers) > 1 {
			util.Warnf("chain %s failed on %s, trying next provider: %v", op, p.Name(), err)
		}
	}

	if notFound == len(s.providers) {
		return zero, lastErr
	}
	return zero, fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, op, lastErr)
}

func (s *Source) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, s.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// Info returns the tip as seen by the first provider that answers
func (s *Source) Info(ctx context.Context) (*Info, error) {
	return call(ctx, s, "info", func(ctx context.Context, p Provider) (*Info, error) {
		return p.Info(ctx)
	})
}

// Height returns the current chain height
func (s *Source) Height(ctx context.Context) (uint64, error) {
	info, err := s.Info(ctx)
	if err != nil {
		return 0, err
	}
	return info.Height, nil
}

// BlockAtHeight returns the main-chain block at height
func (s *Source) BlockAtHeight(ctx context.Context, height uint64) (*Block, error) {
	return call(ctx, s, "block_at_height", func(ctx context.Context, p Provider) (*Block, error) {
		return p.BlockAtHeight(ctx, height)
	})
}

// BlockTransactions returns every transaction in block
func (s *Source) BlockTransactions(ctx context.Context, block *Block) ([]Transaction, error) {
	return call(ctx, s, "block_transactions", func(ctx context.Context, p Provider) ([]Transaction, error) {
		return p.BlockTransactions(ctx, block)
	})
}

// AddressTransactions returns a page of an address's history, newest first
func (s *Source) AddressTransactions(ctx context.Context, address string, offset, limit int) (*TransactionPage, error) {
	return call(ctx, s, "address_transactions", func(ctx context.Context, p Provider) (*TransactionPage, error) {
		return p.AddressTransactions(ctx, address, offset, limit)
	})
}

// AddressBalance returns the confirmed balance of address
func (s *Source) AddressBalance(ctx context.Context, address string) (*Balance, error) {
	return call(ctx, s, "address_balance", func(ctx context.Context, p Provider) (*Balance, error) {
		return p.AddressBalance(ctx, address)
	})
}

// ProviderStates returns the state of all providers for monitoring
func (s *Source) ProviderStates() []ProviderState {
	states := make([]ProviderState, len(s.providers))
	for i, p := range s.providers {
		p.mu.RLock()
		states[i] = ProviderState{
			Name:          p.Name(),
			Healthy:       p.healthy,
			LastCheck:     p.lastCheck,
			SuccessCount:  p.successCount,
			FailCount:     p.failCount,
			ResponseTime:  p.responseTime,
			Height:        p.height,
			HeadersHeight: p.headersHeight,
		}
		if p.lastErr != nil {
			states[i].LastError = p.lastErr.Error()
		}
		p.mu.RUnlock()
	}
	return states
}

// HealthyCount returns the number of healthy providers
func (s *Source) HealthyCount() int {
	count := 0
	for _, p := range s.providers {
		if p.isHealthy() {
			count++
		}
	}
	return count
}
