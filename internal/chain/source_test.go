package chain

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marctheshark3/mining-wave/internal/config"
)

// fakeProvider answers BlockAtHeight with a scripted error sequence
type fakeProvider struct {
	name   string
	errs   []error
	calls  int32
	height uint64
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) next() error {
	n := atomic.AddInt32(&f.calls, 1)
	if int(n) <= len(f.errs) {
		return f.errs[n-1]
	}
	if len(f.errs) > 0 && f.errs[len(f.errs)-1] != nil {
		return f.errs[len(f.errs)-1]
	}
	return nil
}

func (f *fakeProvider) Info(ctx context.Context) (*Info, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return &Info{Height: f.height, HeadersHeight: f.height}, nil
}

func (f *fakeProvider) BlockAtHeight(ctx context.Context, height uint64) (*Block, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return &Block{ID: f.name, Height: height}, nil
}

func (f *fakeProvider) BlockTransactions(ctx context.Context, block *Block) ([]Transaction, error) {
	return nil, f.next()
}

func (f *fakeProvider) AddressTransactions(ctx context.Context, address string, offset, limit int) (*TransactionPage, error) {
	return &TransactionPage{}, f.next()
}

func (f *fakeProvider) AddressBalance(ctx context.Context, address string) (*Balance, error) {
	return &Balance{}, f.next()
}

func testChainConfig() config.ChainConfig {
	return config.ChainConfig{
		Timeout:           time.Second,
		MaxRetries:        3,
		BackoffBase:       time.Millisecond,
		BackoffMax:        4 * time.Millisecond,
		MaxFailures:       1,
		RecoveryThreshold: 2,
	}
}

var errFlaky = &StatusError{Code: 503, URL: "x"}

func TestSourceRetriesThenSucceeds(t *testing.T) {
	primary := &fakeProvider{name: "node", errs: []error{errFlaky, errFlaky, nil}}
	backup := &fakeProvider{name: "explorer"}

	s := NewSource(context.Background(), testChainConfig(), primary, backup)
	block, err := s.BlockAtHeight(context.Background(), 10)
	if err != nil {
		t.Fatalf("BlockAtHeight() error = %v", err)
	}
	if block.ID != "node" {
		t.Errorf("served by %s, want node", block.ID)
	}
	if primary.calls != 3 {
		t.Errorf("primary calls = %d, want 3", primary.calls)
	}
	if backup.calls != 0 {
		t.Errorf("backup calls = %d, want 0", backup.calls)
	}
}

func TestSourceFailsOver(t *testing.T) {
	primary := &fakeProvider{name: "node", errs: []error{errFlaky}}
	backup := &fakeProvider{name: "explorer"}

	s := NewSource(context.Background(), testChainConfig(), primary, backup)
	block, err := s.BlockAtHeight(context.Background(), 10)
	if err != nil {
		t.Fatalf("BlockAtHeight() error = %v", err)
	}
	if block.ID != "explorer" {
		t.Errorf("served by %s, want explorer", block.ID)
	}
	if primary.calls != 3 {
		t.Errorf("primary calls = %d, want 3 attempts", primary.calls)
	}

	// MaxFailures is 1, so the node is now unhealthy and ordered last
	if s.HealthyCount() != 1 {
		t.Errorf("HealthyCount() = %d, want 1", s.HealthyCount())
	}
	if got := s.ordered()[0].Name(); got != "explorer" {
		t.Errorf("ordered()[0] = %s, want explorer", got)
	}
}

func TestSourceNotFoundEverywhere(t *testing.T) {
	a := &fakeProvider{name: "node", errs: []error{ErrNotFound}}
	b := &fakeProvider{name: "explorer", errs: []error{ErrNotFound}}

	s := NewSource(context.Background(), testChainConfig(), a, b)
	_, err := s.BlockAtHeight(context.Background(), 10)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if errors.Is(err, ErrUpstreamUnavailable) {
		t.Error("not-found must not be reported as unavailable")
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("not-found must not be retried: calls %d/%d", a.calls, b.calls)
	}
	if s.HealthyCount() != 2 {
		t.Error("not-found must not count as a provider failure")
	}
}

func TestSourceAllUnavailable(t *testing.T) {
	a := &fakeProvider{name: "node", errs: []error{errFlaky}}
	b := &fakeProvider{name: "explorer", errs: []error{ErrNotFound}}

	s := NewSource(context.Background(), testChainConfig(), a, b)
	_, err := s.BlockAtHeight(context.Background(), 10)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestSourceNoProviders(t *testing.T) {
	s := NewSource(context.Background(), testChainConfig())
	_, err := s.Height(context.Background())
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestSourceCanceledContext(t *testing.T) {
	a := &fakeProvider{name: "node", errs: []error{errFlaky}}
	s := NewSource(context.Background(), testChainConfig(), a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.BlockAtHeight(ctx, 10)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestSourceHealthRecovery(t *testing.T) {
	flaky := &fakeProvider{name: "node", height: 1496100, errs: []error{errFlaky, nil, nil}}
	cfg := testChainConfig()
	s := NewSource(context.Background(), cfg, flaky)

	report, err := s.Health(context.Background())
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if report["node"].OK {
		t.Error("first probe should fail")
	}
	if s.HealthyCount() != 0 {
		t.Fatal("node should be unhealthy after MaxFailures=1")
	}

	s.Health(context.Background())
	if s.HealthyCount() != 0 {
		t.Fatal("one success is below the recovery threshold")
	}

	report, _ = s.Health(context.Background())
	if !report["node"].OK || report["node"].Height != 1496100 {
		t.Errorf("report = %+v", report["node"])
	}
	if s.HealthyCount() != 1 {
		t.Error("node should recover after two successful probes")
	}

	states := s.ProviderStates()
	if len(states) != 1 || states[0].Height != 1496100 || !states[0].Healthy {
		t.Errorf("states = %+v", states)
	}
}

func TestNewSourceFromConfigOrder(t *testing.T) {
	cfg := testChainConfig()
	cfg.ExplorerURL = "http://explorer"
	cfg.NodeURL = "http://node"

	cfg.Primary = "node"
	s := NewSourceFromConfig(context.Background(), cfg)
	if s.providers[0].Name() != "node" || s.providers[1].Name() != "explorer" {
		t.Errorf("node primary order = %s,%s", s.providers[0].Name(), s.providers[1].Name())
	}

	cfg.Primary = "explorer"
	s = NewSourceFromConfig(context.Background(), cfg)
	if s.providers[0].Name() != "explorer" {
		t.Errorf("explorer primary order = %s", s.providers[0].Name())
	}

	cfg.NodeURL = ""
	s = NewSourceFromConfig(context.Background(), cfg)
	if len(s.providers) != 1 {
		t.Errorf("providers = %d, want 1", len(s.providers))
	}
}
