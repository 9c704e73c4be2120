package realtime

import (
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	t.Parallel()
	base := time.Now()
	r := NewRateLimiter(3, time.Second)

	for i := 0; i < 3; i++ {
		if !r.Allow(base) {
			t.Fatalf("event %d denied inside limit", i)
		}
	}
	if r.Allow(base) {
		t.Fatal("event over limit allowed")
	}

	// Still inside the window: denied.
	if r.Allow(base.Add(500 * time.Millisecond)) {
		t.Fatal("event allowed before the window slid")
	}

	// Once the first events age out, capacity returns.
	if !r.Allow(base.Add(1100 * time.Millisecond)) {
		t.Fatal("event denied after the window slid")
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	t.Parallel()
	r := NewRateLimiter(0, 0)
	now := time.Now()
	for i := 0; i < rateLimitEvents; i++ {
		if !r.Allow(now) {
			t.Fatalf("default limiter denied event %d of %d", i, rateLimitEvents)
		}
	}
	if r.Allow(now) {
		t.Fatal("default limiter allowed an event past the cap")
	}
}
