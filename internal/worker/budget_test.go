package worker

import (
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestBudgetAdmitsBurstImmediately(t *testing.T) {
	b := NewBudget(600, 10000)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	for i := 0; i < 50; i++ {
		if err := b.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("50 requests under the burst took %s", elapsed)
	}
}

func TestBudgetDelaysPastCap(t *testing.T) {
	// Tight limiters so the test does not sleep for real minutes.
	b := &Budget{
		minute: rate.NewLimiter(rate.Every(30*time.Millisecond), 1),
		hour:   rate.NewLimiter(rate.Inf, 1),
	}
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := b.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("3 requests against a 30ms cadence took only %s", elapsed)
	}
}

func TestBudgetWaitHonorsContext(t *testing.T) {
	b := &Budget{
		minute: rate.NewLimiter(rate.Every(time.Hour), 1),
		hour:   rate.NewLimiter(rate.Inf, 1),
	}
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := b.Wait(ctx); err == nil {
		t.Error("second wait should fail once the context expires")
	}
}

func TestBudgetDefaults(t *testing.T) {
	b := NewBudget(0, -5)
	if b.minute.Burst() != 600 {
		t.Errorf("minute burst = %d, want 600", b.minute.Burst())
	}
	if b.hour.Burst() != 10000 {
		t.Errorf("hour burst = %d, want 10000", b.hour.Burst())
	}
}
