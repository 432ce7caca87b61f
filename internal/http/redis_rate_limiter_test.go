package httpx

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisLimiter(t *testing.T) (*miniredis.Miniredis, RateLimiter) {
	t.Helper()
	srv := miniredis.RunT(t)
	limiter, err := NewRedisRateLimiter(srv.Addr(), "", 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewRedisRateLimiter: %v", err)
	}
	t.Cleanup(limiter.Close)
	return srv, limiter
}

func TestRedisLimiterEnforcesLimit(t *testing.T) {
	_, limiter := newTestRedisLimiter(t)

	for i := 1; i <= 3; i++ {
		decision := limiter.Allow("ip:10.0.0.1", 3, time.Minute)
		if !decision.allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if decision.count != i {
			t.Errorf("request %d count = %d, want %d", i, decision.count, i)
		}
	}
	if decision := limiter.Allow("ip:10.0.0.1", 3, time.Minute); decision.allowed {
		t.Error("fourth request should be rejected")
	}
	// Other keys are unaffected.
	if decision := limiter.Allow("ip:10.0.0.2", 3, time.Minute); !decision.allowed {
		t.Error("different key should be allowed")
	}
}

func TestRedisLimiterWindowExpiry(t *testing.T) {
	srv, limiter := newTestRedisLimiter(t)

	for i := 0; i < 2; i++ {
		limiter.Allow("subject:op", 2, time.Minute)
	}
	if decision := limiter.Allow("subject:op", 2, time.Minute); decision.allowed {
		t.Fatal("limit should be hit")
	}

	srv.FastForward(2 * time.Minute)
	if decision := limiter.Allow("subject:op", 2, time.Minute); !decision.allowed {
		t.Error("new window should admit requests again")
	}
}

func TestRedisLimiterUnavailableBackendFailsConstruction(t *testing.T) {
	if _, err := NewRedisRateLimiter("127.0.0.1:1", "", 0, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Error("expected connection error for unreachable redis")
	}
}

func TestMemoryLimiterEnforcesLimit(t *testing.T) {
	limiter := NewMemoryRateLimiter()
	t.Cleanup(limiter.Close)

	for i := 1; i <= 2; i++ {
		if decision := limiter.Allow("ip:1.2.3.4", 2, time.Minute); !decision.allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if decision := limiter.Allow("ip:1.2.3.4", 2, time.Minute); decision.allowed {
		t.Error("third request should be rejected")
	}
}
