package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryStore_AllowsWithinBurst(t *testing.T) {
	s := NewInMemoryStore()
	policy := Policy{RPM: 60, Burst: 3}

	for i := 0; i < 3; i++ {
		allowed, err := s.Allow(context.Background(), "actor-1", policy, 1)
		if err != nil {
			t.Fatal(err)
		}
		if !allowed {
			t.Fatalf("expected request %d to be allowed within burst", i)
		}
	}

	allowed, err := s.Allow(context.Background(), "actor-1", policy, 1)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatal("expected request beyond burst capacity to be denied")
	}
}

func TestInMemoryStore_RefillsOverTime(t *testing.T) {
	clock := time.Now()
	s := NewInMemoryStore().WithClock(func() time.Time { return clock })
	policy := Policy{RPM: 60, Burst: 1} // 1 token/sec refill, capacity 1

	allowed, _ := s.Allow(context.Background(), "actor-1", policy, 1)
	if !allowed {
		t.Fatal("expected first request to be allowed")
	}
	allowed, _ = s.Allow(context.Background(), "actor-1", policy, 1)
	if allowed {
		t.Fatal("expected immediate second request to be denied")
	}

	clock = clock.Add(1100 * time.Millisecond)
	allowed, _ = s.Allow(context.Background(), "actor-1", policy, 1)
	if !allowed {
		t.Fatal("expected request to be allowed after refill window")
	}
}

func TestInMemoryStore_SeparateActorsIndependent(t *testing.T) {
	s := NewInMemoryStore()
	policy := Policy{RPM: 60, Burst: 1}

	allowed1, _ := s.Allow(context.Background(), "actor-a", policy, 1)
	allowed2, _ := s.Allow(context.Background(), "actor-b", policy, 1)
	if !allowed1 || !allowed2 {
		t.Fatal("expected independent actors to each get their own bucket")
	}
}
