package workflow

import (
	"fmt"
	"testing"
	"time"
)

func TestResultCachePutGet(t *testing.T) {
	rc := NewResultCache(10, time.Minute)

	if _, found := rc.Get("missing"); found {
		t.Fatal("expected miss for unknown key")
	}

	rc.Put("k", map[string]any{"v": 1})
	got, found := rc.Get("k")
	if !found {
		t.Fatal("expected hit after Put")
	}
	if got["v"] != 1 {
		t.Fatalf("unexpected cached value: %v", got)
	}
}

func TestResultCacheExpiry(t *testing.T) {
	rc := NewResultCache(10, 10*time.Millisecond)
	rc.Put("k", map[string]any{"v": 1})

	time.Sleep(20 * time.Millisecond)
	if _, found := rc.Get("k"); found {
		t.Fatal("expected entry to expire")
	}
}

func TestResultCacheEvictsOldest(t *testing.T) {
	rc := NewResultCache(2, time.Minute)
	rc.Put("a", map[string]any{"v": "a"})
	time.Sleep(time.Millisecond)
	rc.Put("b", map[string]any{"v": "b"})

	// touch a so b becomes the least-recently-used entry
	time.Sleep(time.Millisecond)
	rc.Get("a")

	rc.Put("c", map[string]any{"v": "c"})
	if _, found := rc.Get("b"); found {
		t.Fatal("expected b evicted as least recently used")
	}
	if _, found := rc.Get("a"); !found {
		t.Fatal("expected a retained")
	}
	if _, found := rc.Get("c"); !found {
		t.Fatal("expected c present")
	}
}

func TestCacheKeyDeterministic(t *testing.T) {
	spec := TaskSpec{ID: "a", Type: TaskHTTP, URL: "http://example.com"}
	if CacheKey(spec) != CacheKey(spec) {
		t.Fatal("expected identical specs to share a cache key")
	}

	other := spec
	other.URL = "http://example.com/other"
	if CacheKey(spec) == CacheKey(other) {
		t.Fatal("expected differing specs to produce distinct keys")
	}
}

func TestCacheKeyDistinctPerTask(t *testing.T) {
	keys := make(map[string]bool)
	for i := 0; i < 10; i++ {
		spec := TaskSpec{ID: fmt.Sprintf("task-%d", i), Type: TaskShell, Script: "echo hi"}
		keys[CacheKey(spec)] = true
	}
	if len(keys) != 10 {
		t.Fatalf("expected 10 distinct keys, got %d", len(keys))
	}
}
