package ratelimit_test

import (
	"testing"
	"time"

	"github.com/tutormesh/control-plane/internal/config"
	"github.com/tutormesh/control-plane/internal/ratelimit"
)

func TestLimiter_AllowsWithinBurst(t *testing.T) {
	l := ratelimit.New(config.RateLimitConfig{RequestsPerMinute: 60, Burst: 3})

	for i := 0; i < 3; i++ {
		if !l.Allow("stu-1") {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
}

func TestLimiter_RejectsOverBurst(t *testing.T) {
	l := ratelimit.New(config.RateLimitConfig{RequestsPerMinute: 60, Burst: 2})

	l.Allow("stu-2")
	l.Allow("stu-2")
	if l.Allow("stu-2") {
		t.Error("expected third immediate request to be rejected")
	}
}

func TestLimiter_IndependentPerStudent(t *testing.T) {
	l := ratelimit.New(config.RateLimitConfig{RequestsPerMinute: 60, Burst: 1})

	if !l.Allow("stu-a") {
		t.Fatal("stu-a first request should be allowed")
	}
	if !l.Allow("stu-b") {
		t.Error("stu-b should have its own independent bucket")
	}
}

func TestLimiter_Evict(t *testing.T) {
	l := ratelimit.New(config.RateLimitConfig{RequestsPerMinute: 60, Burst: 1})
	l.Allow("stu-old")

	if l.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", l.Size())
	}
	removed := l.Evict(time.Now().Add(24 * time.Hour))
	if removed != 1 {
		t.Errorf("Evict removed = %d, want 1", removed)
	}
	if l.Size() != 0 {
		t.Errorf("Size() after evict = %d, want 0", l.Size())
	}
}
