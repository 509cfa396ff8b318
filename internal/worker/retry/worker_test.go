package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSleepUntilPastDeadlineReturnsImmediately(t *testing.T) {
	if err := sleepUntil(context.Background(), time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("sleepUntil: %v", err)
	}
}

func TestSleepUntilHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sleepUntil(ctx, time.Now().Add(time.Hour))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSleepUntilWaits(t *testing.T) {
	start := time.Now()
	if err := sleepUntil(context.Background(), start.Add(20*time.Millisecond)); err != nil {
		t.Fatalf("sleepUntil: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("returned after %s", elapsed)
	}
}
