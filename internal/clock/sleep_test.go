package clock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSleepWithContext(t *testing.T) {
	start := time.Now()
	if err := SleepWithContext(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("SleepWithContext() error = %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("SleepWithContext returned early")
	}
}

func TestSleepWithContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SleepWithContext(ctx, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("SleepWithContext() error = %v, want context.Canceled", err)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 8 * time.Second},
		{40, 8 * time.Second},
	}

	for _, tt := range tests {
		if got := Backoff(time.Second, 8*time.Second, tt.attempt); got != tt.want {
			t.Errorf("Backoff(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if got := Backoff(time.Second, 0, 5); got != 32*time.Second {
		t.Errorf("uncapped Backoff = %v, want 32s", got)
	}
}
