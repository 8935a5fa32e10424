package security

import (
	"errors"
	"testing"
	"time"
)

func TestRateLimiterBlocksAfterMaxFailures(t *testing.T) {
	rl := NewRateLimiter(5, 15*time.Minute)

	for i := 0; i < 5; i++ {
		if err := rl.Check("client-a"); err != nil {
			t.Fatalf("attempt %d blocked early: %v", i+1, err)
		}
		rl.RecordFailure("client-a")
	}

	err := rl.Check("client-a")
	var limited *ErrRateLimited
	if !errors.As(err, &limited) {
		t.Fatalf("6th attempt err = %v, want ErrRateLimited", err)
	}
	if limited.RetryAfter <= 0 || limited.RetryAfter > 15*time.Minute {
		t.Errorf("RetryAfter = %v, want within the window", limited.RetryAfter)
	}

	// Other clients are unaffected.
	if err := rl.Check("client-b"); err != nil {
		t.Errorf("unrelated client limited: %v", err)
	}
}

func TestRateLimiterWindowExpiryReadmits(t *testing.T) {
	rl := NewRateLimiter(3, 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		rl.RecordFailure("client-a")
	}
	if err := rl.Check("client-a"); err == nil {
		t.Fatal("expected rate limit")
	}

	time.Sleep(60 * time.Millisecond)

	// Lazy reset: the first attempt after expiry starts a fresh window.
	if err := rl.Check("client-a"); err != nil {
		t.Errorf("post-expiry attempt blocked: %v", err)
	}
}

func TestRateLimiterSuccessClearsFailures(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	rl.RecordFailure("client-a")
	rl.RecordFailure("client-a")
	rl.RecordSuccess("client-a")

	// Fresh slate after success.
	for i := 0; i < 3; i++ {
		if err := rl.Check("client-a"); err != nil {
			t.Fatalf("attempt %d after success blocked: %v", i+1, err)
		}
		if i < 2 {
			rl.RecordFailure("client-a")
		}
	}
}

func TestRateLimiterReset(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)

	rl.RecordFailure("client-a")
	if err := rl.Check("client-a"); err == nil {
		t.Fatal("expected rate limit")
	}

	rl.Reset()
	if err := rl.Check("client-a"); err != nil {
		t.Errorf("Check after Reset: %v", err)
	}
}
