package ratelimit

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = clock.now
	return l, clock
}

func TestAllow_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for range 100 {
		if _, err := l.Allow("ops"); err != nil {
			t.Fatalf("unlimited limiter refused: %v", err)
		}
	}
	if l.Clients() != 0 {
		t.Errorf("unlimited limiter tracked clients")
	}
}

func TestAllow_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 6, BurstSize: 2})

	for i := range 2 {
		if _, err := l.Allow("ops"); err != nil {
			t.Fatalf("request %d refused: %v", i, err)
		}
	}
	wait, err := l.Allow("ops")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third request = %v, want ErrRateLimited", err)
	}
	if wait != 10*time.Second {
		t.Errorf("wait = %v, want 10s", wait)
	}

	clock.advance(10 * time.Second)
	if _, err := l.Allow("ops"); err != nil {
		t.Errorf("after refill: %v", err)
	}
}

func TestAllow_IndependentClients(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 1})
	if _, err := l.Allow("alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("alice second = %v", err)
	}
	if _, err := l.Allow("bob"); err != nil {
		t.Errorf("bob limited by alice: %v", err)
	}
}

func TestPrune(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 5})
	_, _ = l.Allow("alice")
	_, _ = l.Allow("bob")
	if l.Clients() != 2 {
		t.Fatalf("clients = %d", l.Clients())
	}

	if n := l.Prune(); n != 0 {
		t.Errorf("pruned %d partially drained buckets", n)
	}
	clock.advance(2 * time.Second)
	if n := l.Prune(); n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	if l.Clients() != 0 {
		t.Errorf("clients after prune = %d", l.Clients())
	}
}
