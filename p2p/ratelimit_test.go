package p2p

import (
	"testing"
	"time"
)

func TestAcceptLimiterPerAddress(t *testing.T) {
	limiter := newAcceptLimiter(1, 1)
	now := time.Unix(1_700_000_000, 0)
	if !limiter.allow("127.0.0.1", now) {
		t.Fatalf("first attempt should be allowed")
	}
	if limiter.allow("127.0.0.1", now) {
		t.Fatalf("burst should be limited")
	}
	if !limiter.allow("192.168.0.7", now) {
		t.Fatalf("different address should be independent")
	}
	if !limiter.allow("127.0.0.1", now.Add(time.Second)) {
		t.Fatalf("token should refill after rate interval")
	}
}

func TestAcceptLimiterDisabled(t *testing.T) {
	limiter := newAcceptLimiter(0, 10)
	if limiter != nil {
		t.Fatalf("expected nil limiter when rate is zero")
	}
	for i := 0; i < 100; i++ {
		if !limiter.allow("127.0.0.1", time.Now()) {
			t.Fatalf("nil limiter must allow everything")
		}
	}
}

func TestAcceptLimiterForgetsIdleAddresses(t *testing.T) {
	limiter := newAcceptLimiter(1, 1)
	now := time.Unix(1_700_000_000, 0)
	limiter.allow("127.0.0.1", now)
	limiter.allow("192.168.0.2", now.Add(acceptLimiterIdleTTL+2*time.Second))
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if _, ok := limiter.visitors["127.0.0.1"]; ok {
		t.Fatalf("idle address should have been collected")
	}
	if len(limiter.visitors) != 1 {
		t.Fatalf("expected one tracked address, got %d", len(limiter.visitors))
	}
}
