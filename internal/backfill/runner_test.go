package backfill

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/marctheshark3/mining-wave/internal/chain"
	"github.com/marctheshark3/mining-wave/internal/config"
	"github.com/marctheshark3/mining-wave/internal/demurrage"
	"github.com/marctheshark3/mining-wave/internal/storage"
)

const wallet = "9wallet"

type fakeSource struct {
	mu      sync.Mutex
	txs     map[uint64][]chain.Transaction
	fail    map[uint64]error
	calls   map[uint64]int
	onBlock func(height uint64)
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		txs:   make(map[uint64][]chain.Transaction),
		fail:  make(map[uint64]error),
		calls: make(map[uint64]int),
	}
}

func (f *fakeSource) BlockAtHeight(ctx context.Context, height uint64) (*chain.Block, error) {
	f.mu.Lock()
	f.calls[height]++
	err := f.fail[height]
	hook := f.onBlock
	f.mu.Unlock()

	if hook != nil {
		hook(height)
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &chain.Block{ID: fmt.Sprintf("blk-%d", height), Height: height, Timestamp: int64(height) * 1000}, nil
}

func (f *fakeSource) BlockTransactions(ctx context.Context, block *chain.Block) ([]chain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txs[block.Height], nil
}

func (f *fakeSource) callCount(height uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[height]
}

type fakePool map[uint64]bool

func (p fakePool) IsPoolBlock(ctx context.Context, height uint64) (bool, error) {
	return p[height], nil
}

func collection(id string, nano int64) chain.Transaction {
	return chain.Transaction{
		ID:      id,
		Inputs:  []chain.Input{{Address: "9pool", Value: nano + 1}},
		Outputs: []chain.Output{{Address: wallet, Value: nano}, {Address: "9pool", Value: 1}},
	}
}

func newTestRunner(t *testing.T, src *fakeSource, pool fakePool) (*Runner, storage.EventStore) {
	t.Helper()
	return newTestRunnerWithConfig(t, config.BackfillConfig{Workers: 4}, src, pool)
}

func newTestRunnerWithConfig(t *testing.T, cfg config.BackfillConfig, src *fakeSource, pool fakePool) (*Runner, storage.EventStore) {
	t.Helper()
	store, err := storage.OpenLevelStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenLevelStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	dcfg := config.Default().Demurrage
	dcfg.WalletAddress = wallet
	return NewRunner(cfg, src, store, pool, demurrage.NewClassifier(dcfg)), store
}

func TestBackfill(t *testing.T) {
	src := newFakeSource()
	src.txs[1003] = []chain.Transaction{collection("c1", 625_000_000)}
	src.txs[1007] = []chain.Transaction{
		collection("c2", 100_000_000),
		{ID: "bad", Outputs: []chain.Output{{Address: wallet, Value: -5}}},
		{ID: "garbled", DecodeErr: errors.New("cannot unmarshal string into int64")},
	}
	runner, store := newTestRunner(t, src, fakePool{1003: true})
	ctx := context.Background()

	res, err := runner.Backfill(ctx, 1000, 1010)
	if err != nil {
		t.Fatalf("Backfill() error = %v", err)
	}

	if res.Scanned != 11 || res.Skipped != 0 || len(res.Failed) != 0 {
		t.Errorf("Result = %+v", res)
	}
	if res.ClassificationErrors != 2 {
		t.Errorf("ClassificationErrors = %d, want 2", res.ClassificationErrors)
	}
	if len(res.Events) != 2 || res.Events[0].TxID != "c1" {
		t.Errorf("Events = %+v", res.Events)
	}
	if res.Checkpoint != 1010 {
		t.Errorf("Checkpoint = %d, want 1010", res.Checkpoint)
	}

	ev, err := store.Event(ctx, "c1")
	if err != nil {
		t.Fatalf("Event(c1) error = %v", err)
	}
	if ev.Amount != 625_000_000 || !ev.IsVerifiedCollection() || ev.BlockHeight != 1003 {
		t.Errorf("Event(c1) = %+v", ev)
	}
	rec, err := store.Block(ctx, 1003)
	if err != nil {
		t.Fatalf("Block(1003) error = %v", err)
	}
	if !rec.PoolBlock || rec.ID != "blk-1003" {
		t.Errorf("Block(1003) = %+v", rec)
	}
	if rec, _ := store.Block(ctx, 1004); rec == nil || rec.PoolBlock {
		t.Errorf("Block(1004) = %+v, want non-pool record", rec)
	}
	if rec, _ := store.Block(ctx, 1007); rec == nil || rec.TxCount != 3 {
		t.Errorf("Block(1007) = %+v, want record with 3 transactions", rec)
	}
}

func TestBackfillInvalidRange(t *testing.T) {
	runner, _ := newTestRunner(t, newFakeSource(), nil)
	if _, err := runner.Backfill(context.Background(), 10, 9); err == nil {
		t.Error("Backfill(10, 9) should fail")
	}
}

func snapshot(t *testing.T, store storage.EventStore) ([]string, []uint64, uint64) {
	t.Helper()
	ctx := context.Background()
	events, err := store.EventsByHeight(ctx, 0, 1<<40)
	if err != nil {
		t.Fatalf("EventsByHeight: %v", err)
	}
	blocks, err := store.BlocksByHeight(ctx, 0, 1<<40)
	if err != nil {
		t.Fatalf("BlocksByHeight: %v", err)
	}
	cp, err := store.Checkpoint(ctx)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	var ids []string
	for _, e := range events {
		ids = append(ids, e.TxID)
	}
	var heights []uint64
	for _, b := range blocks {
		heights = append(heights, b.Height)
	}
	return ids, heights, cp
}

func TestBackfillOverlappingRunsMatchSingleRun(t *testing.T) {
	seed := func(src *fakeSource) {
		src.txs[1002] = []chain.Transaction{collection("a", 1_000_000)}
		src.txs[1008] = []chain.Transaction{collection("b", 2_000_000)}
		src.txs[1015] = []chain.Transaction{collection("c", 3_000_000)}
	}
	ctx := context.Background()

	splitSrc := newFakeSource()
	seed(splitSrc)
	split, splitStore := newTestRunner(t, splitSrc, nil)
	if _, err := split.Backfill(ctx, 1000, 1010); err != nil {
		t.Fatalf("Backfill(1000, 1010) error = %v", err)
	}
	res, err := split.Backfill(ctx, 1005, 1020)
	if err != nil {
		t.Fatalf("Backfill(1005, 1020) error = %v", err)
	}
	if res.Skipped != 6 || res.Scanned != 10 {
		t.Errorf("second run scanned=%d skipped=%d, want 10 and 6", res.Scanned, res.Skipped)
	}
	if n := splitSrc.callCount(1007); n != 1 {
		t.Errorf("height 1007 fetched %d times, want 1", n)
	}

	wholeSrc := newFakeSource()
	seed(wholeSrc)
	whole, wholeStore := newTestRunner(t, wholeSrc, nil)
	if _, err := whole.Backfill(ctx, 1000, 1020); err != nil {
		t.Fatalf("Backfill(1000, 1020) error = %v", err)
	}

	gotIDs, gotHeights, gotCP := snapshot(t, splitStore)
	wantIDs, wantHeights, wantCP := snapshot(t, wholeStore)
	if !reflect.DeepEqual(gotIDs, wantIDs) {
		t.Errorf("events = %v, want %v", gotIDs, wantIDs)
	}
	if !reflect.DeepEqual(gotHeights, wantHeights) {
		t.Errorf("blocks = %v, want %v", gotHeights, wantHeights)
	}
	if gotCP != wantCP || gotCP != 1020 {
		t.Errorf("checkpoint = %d, want %d", gotCP, wantCP)
	}
}

func TestBackfillFailedHeightHoldsCheckpoint(t *testing.T) {
	src := newFakeSource()
	src.fail[1005] = chain.ErrUpstreamUnavailable
	src.fail[1009] = fmt.Errorf("wrapped: %w", chain.ErrNotFound)
	runner, store := newTestRunner(t, src, nil)
	ctx := context.Background()

	res, err := runner.Backfill(ctx, 1000, 1010)
	if err != nil {
		t.Fatalf("Backfill() error = %v", err)
	}
	if !reflect.DeepEqual(res.Failed, []uint64{1005, 1009}) {
		t.Errorf("Failed = %v, want [1005 1009]", res.Failed)
	}
	if res.Checkpoint != 1004 {
		t.Errorf("Checkpoint = %d, want 1004", res.Checkpoint)
	}

	src.mu.Lock()
	src.fail = map[uint64]error{}
	src.mu.Unlock()

	res, err = runner.Backfill(ctx, 1000, 1010)
	if err != nil {
		t.Fatalf("Backfill() error = %v", err)
	}
	if res.Scanned != 2 || res.Checkpoint != 1010 {
		t.Errorf("rerun = %+v, want 2 scanned and checkpoint 1010", res)
	}
	if missing, _ := store.MissingHeights(ctx, 1000, 1010); len(missing) != 0 {
		t.Errorf("MissingHeights = %v, want none", missing)
	}
}

func TestUnsetCheckpointStaysBelowStartHeight(t *testing.T) {
	src := newFakeSource()
	src.fail[1000] = chain.ErrUpstreamUnavailable
	cfg := config.BackfillConfig{Workers: 4, StartHeight: 1000}
	runner, _ := newTestRunnerWithConfig(t, cfg, src, nil)
	ctx := context.Background()

	tests := []struct {
		name       string
		start, end uint64
		heal       bool
		want       uint64
	}{
		{"range above unscanned start height", 1005, 1009, false, 999},
		{"start height still failing", 1000, 1009, false, 999},
		{"start height recovered", 1000, 1009, true, 1009},
	}
	for _, tt := range tests {
		if tt.heal {
			src.mu.Lock()
			delete(src.fail, 1000)
			src.mu.Unlock()
		}
		res, err := runner.Backfill(ctx, tt.start, tt.end)
		if err != nil {
			t.Fatalf("%s: Backfill() error = %v", tt.name, err)
		}
		if res.Checkpoint != tt.want {
			t.Errorf("%s: Checkpoint = %v, want %v", tt.name, res.Checkpoint, tt.want)
		}
	}
}

func TestBackfillCancelKeepsProgress(t *testing.T) {
	src := newFakeSource()
	runner, store := newTestRunner(t, src, nil)
	runner.workers = 1

	ctx, cancel := context.WithCancel(context.Background())
	src.onBlock = func(height uint64) {
		if height == 1005 {
			cancel()
		}
	}

	_, err := runner.Backfill(ctx, 1000, 1010)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Backfill() error = %v, want context.Canceled", err)
	}

	cp, _ := store.Checkpoint(context.Background())
	if cp != 1004 {
		t.Errorf("Checkpoint after cancel = %d, want 1004", cp)
	}

	src.onBlock = nil
	res, err := runner.Backfill(context.Background(), 1000, 1010)
	if err != nil {
		t.Fatalf("resume error = %v", err)
	}
	if res.Skipped != 5 || res.Checkpoint != 1010 {
		t.Errorf("resume = %+v, want 5 skipped and checkpoint 1010", res)
	}
	for h := uint64(1000); h < 1005; h++ {
		if n := src.callCount(h); n != 1 {
			t.Errorf("height %d fetched %d times, want 1", h, n)
		}
	}
}
