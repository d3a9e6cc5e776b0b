package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestProcessAllItems(t *testing.T) {
	var sum int64
	err := Process(context.Background(), 3, []int64{1, 2, 3, 4}, func(_ context.Context, v int64) error {
		atomic.AddInt64(&sum, v)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if sum != 10 {
		t.Fatalf("sum = %d, want 10", sum)
	}
}

func TestProcessErrorCallsOnCancelOnce(t *testing.T) {
	var canceled int32
	boom := errors.New("boom")

	err := Process(context.Background(), 2, []int{1, 2, 3, 4, 5, 6}, func(_ context.Context, v int) error {
		if v%2 == 0 {
			return boom
		}
		return nil
	}, func() {
		atomic.AddInt32(&canceled, 1)
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Process() error = %v, want boom", err)
	}
	if canceled != 1 {
		t.Fatalf("onCancel called %d times, want 1", canceled)
	}
}

func TestProcessCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var processed int32
	err := Process(ctx, 2, []int{1, 2}, func(context.Context, int) error {
		atomic.AddInt32(&processed, 1)
		return nil
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Process() error = %v, want context.Canceled", err)
	}
	if processed != 0 {
		t.Fatalf("processed = %d, want 0", processed)
	}
}

func TestProcessZeroWorkers(t *testing.T) {
	var n int32
	err := Process(context.Background(), 0, []string{"a", "b"}, func(context.Context, string) error {
		atomic.AddInt32(&n, 1)
		return nil
	}, nil)
	if err != nil || n != 2 {
		t.Fatalf("Process() = %v, processed %d", err, n)
	}
}
