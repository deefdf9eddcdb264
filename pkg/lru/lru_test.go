package lru

import "testing"

func TestCache_PutGet(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Fatalf("expected (1, true), got (%d, %v)", v, ok)
	}
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	// touch "a" so "b" becomes the LRU entry
	c.Get("a")
	c.Put("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a to survive (recently used)")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("expected c to be present")
	}
}

func TestCache_GetOrCreate(t *testing.T) {
	c := New[string, int](10)
	calls := 0
	create := func() int { calls++; return 42 }

	v1 := c.GetOrCreate("k", create)
	v2 := c.GetOrCreate("k", create)

	if v1 != 42 || v2 != 42 {
		t.Fatalf("expected both calls to return 42, got %d, %d", v1, v2)
	}
	if calls != 1 {
		t.Fatalf("expected create to run once, ran %d times", calls)
	}
}

func TestCache_UnboundedWhenZeroCapacity(t *testing.T) {
	c := New[int, int](0)
	for i := 0; i < 100; i++ {
		c.Put(i, i)
	}
	if c.Len() != 100 {
		t.Fatalf("expected unbounded cache to hold all 100 entries, got %d", c.Len())
	}
}

func TestCache_Delete(t *testing.T) {
	c := New[string, int](10)
	c.Put("a", 1)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a to be deleted")
	}
}

func TestCache_NewWithEvict_CallsCallbackOnCapacityEviction(t *testing.T) {
	var evicted []string
	c := NewWithEvict[string, int](1, func(k string, v int) {
		evicted = append(evicted, k)
	})
	c.Put("a", 1)
	c.Put("b", 2)

	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("expected a to be evicted via callback, got %v", evicted)
	}
}
