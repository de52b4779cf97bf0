package build

import (
	"context"
	"testing"
	"time"

	"github.com/keelhost/keel/pkg/apierr"
	"github.com/keelhost/keel/pkg/contentstore"
	"github.com/keelhost/keel/pkg/types"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	cs, err := contentstore.New(dir)
	if err != nil {
		t.Fatalf("contentstore.New: %v", err)
	}
	cache, err := OpenCache(dir, cs)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestComputeKeySortsInputDigests(t *testing.T) {
	k1 := ComputeKey("op", "parent", []string{"b", "a"}, "linux/amd64")
	k2 := ComputeKey("op", "parent", []string{"a", "b"}, "linux/amd64")
	if hashKey(k1) != hashKey(k2) {
		t.Fatal("CacheKey hash should be independent of input digest order")
	}
}

func TestComputeKeyDiffersByPlatform(t *testing.T) {
	k1 := ComputeKey("op", "parent", nil, "linux/amd64")
	k2 := ComputeKey("op", "parent", nil, "linux/arm64")
	if hashKey(k1) == hashKey(k2) {
		t.Fatal("CacheKey hash should differ by platform")
	}
}

func TestCacheStoreThenLookupRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := ComputeKey("op1", "parent1", []string{"dep1"}, "linux/amd64")

	result := types.CachedResult{
		Snapshot:  types.Snapshot{Digest: "sha256:deadbeef"},
		EnvDelta:  map[string]string{"X": "1"},
		CreatedAt: time.Now(),
	}
	if err := c.Store(ctx, key, result); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, hit, err := c.Lookup(ctx, key)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !hit {
		t.Fatal("expected cache hit after Store")
	}
	if got.Snapshot.Digest != "sha256:deadbeef" {
		t.Fatalf("got snapshot digest %q, want sha256:deadbeef", got.Snapshot.Digest)
	}
	if got.EnvDelta["X"] != "1" {
		t.Fatalf("got env delta %v, want X=1", got.EnvDelta)
	}
}

func TestCacheLookupMissReturnsFalseNotError(t *testing.T) {
	c := newTestCache(t)
	key := ComputeKey("never-stored", "p", nil, "linux/amd64")
	_, hit, err := c.Lookup(context.Background(), key)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if hit {
		t.Fatal("expected miss for key never stored")
	}
}

func TestCacheRejectsForeignSchemaVersion(t *testing.T) {
	c := newTestCache(t)
	key := types.CacheKey{OperationDigest: "op", Platform: "linux/amd64", SchemaVersion: "cache:v1"}

	_, _, err := c.Lookup(context.Background(), key)
	if apierr.Of(err) != apierr.Unsupported {
		t.Fatalf("Lookup err = %v, want Unsupported", err)
	}

	err = c.Store(context.Background(), key, types.CachedResult{})
	if apierr.Of(err) != apierr.Unsupported {
		t.Fatalf("Store err = %v, want Unsupported", err)
	}
}

func TestPruneEvictsLRUOverByteBudget(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	// Three entries; sizes are dominated by the embedded snapshot sizes.
	for i, op := range []string{"op1", "op2", "op3"} {
		key := ComputeKey(op, "parent", nil, "linux/amd64")
		result := types.CachedResult{
			Snapshot:  types.Snapshot{Digest: "sha256:feed" + op, Size: 1000},
			CreatedAt: time.Now(),
		}
		if err := c.Store(ctx, key, result); err != nil {
			t.Fatalf("Store %d: %v", i, err)
		}
		time.Sleep(5 * time.Millisecond) // distinct LastUsed stamps
	}

	// Touch op1 so op2 becomes the least recently used.
	if _, hit, err := c.Lookup(ctx, ComputeKey("op1", "parent", nil, "linux/amd64")); err != nil || !hit {
		t.Fatalf("Lookup op1: hit=%v err=%v", hit, err)
	}

	// Budget for roughly two entries: op2 (LRU) must go.
	evicted, err := c.Prune(ctx, 2500, 0)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("evicted %d entries, want 1", evicted)
	}
	if _, hit, _ := c.Lookup(ctx, ComputeKey("op2", "parent", nil, "linux/amd64")); hit {
		t.Fatal("op2 should have been evicted as least recently used")
	}
	if _, hit, _ := c.Lookup(ctx, ComputeKey("op1", "parent", nil, "linux/amd64")); !hit {
		t.Fatal("op1 should have survived the prune")
	}
}

func TestPruneEvictsEntriesPastTTL(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := ComputeKey("op1", "parent", nil, "linux/amd64")

	if err := c.Store(ctx, key, types.CachedResult{Snapshot: types.Snapshot{Digest: "sha256:aaaa"}}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	evicted, err := c.Prune(ctx, 0, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("evicted %d entries, want 1", evicted)
	}
	if _, hit, _ := c.Lookup(ctx, key); hit {
		t.Fatal("entry past TTL should have been evicted")
	}
}
