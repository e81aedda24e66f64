package ttlcache

import (
	"sync"
	"testing"
	"time"
)

func TestSetGet(t *testing.T) {
	c := New()
	c.Set("k", "v", time.Minute)
	v, ok := c.Get("k")
	if !ok || v.(string) != "v" {
		t.Fatalf("get = %v ok=%v", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("missing key must not hit")
	}
}

func TestExpiry(t *testing.T) {
	c := New()
	c.Set("k", "v", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expired entry must not hit")
	}
}

func TestTakeIsSingleUse(t *testing.T) {
	c := New()
	c.Set("k", 42, time.Minute)
	v, ok := c.Take("k")
	if !ok || v.(int) != 42 {
		t.Fatalf("take = %v ok=%v", v, ok)
	}
	if _, ok := c.Take("k"); ok {
		t.Fatal("second take must miss")
	}
}

func TestTakeRace(t *testing.T) {
	c := New()
	c.Set("k", struct{}{}, time.Minute)

	const racers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	hits := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := c.Take("k"); ok {
				mu.Lock()
				hits++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if hits != 1 {
		t.Fatalf("%d racers took the entry, want exactly 1", hits)
	}
}

func TestDelete(t *testing.T) {
	c := New()
	c.Set("k", "v", time.Minute)
	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Fatal("deleted entry must not hit")
	}
}

func TestOverwriteResetsTTL(t *testing.T) {
	c := New()
	c.Set("k", "v1", 10*time.Millisecond)
	c.Set("k", "v2", time.Minute)
	time.Sleep(20 * time.Millisecond)
	v, ok := c.Get("k")
	if !ok || v.(string) != "v2" {
		t.Fatalf("get = %v ok=%v, want v2 alive", v, ok)
	}
}
