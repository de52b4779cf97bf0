package build

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"path/filepath"
	"sort"
	"time"

	digest "github.com/opencontainers/go-digest"
	bolt "go.etcd.io/bbolt"

	"github.com/keelhost/keel/pkg/apierr"
	"github.com/keelhost/keel/pkg/contentstore"
	"github.com/keelhost/keel/pkg/types"
)

// cacheSchemaVersion is the fourth CacheKey component, literally
// "cache:v5". Lookup and Store reject a key carrying any other schema
// string with apierr.Unsupported rather than partially trusting it.
const cacheSchemaVersion = "cache:v5"

var cacheIndexBucket = []byte("cache-index")

// indexEntry is one cache-index record: the manifest's content digest plus
// the bookkeeping Prune's LRU/TTL eviction runs on. Bytes counts the
// manifest plus its embedded snapshot's size.
type indexEntry struct {
	ManifestDigest string    `json:"manifest_digest"`
	LastUsed       time.Time `json:"last_used"`
	Bytes          int64     `json:"bytes"`
}

// Cache resolves CacheKeys to CachedResult manifests. Manifest bytes live
// in the shared contentstore.Store (content-addressed by their own sha256,
// same as layer blobs); a small bbolt index maps each CacheKey's hash to
// the manifest's content digest, since a CacheKey's hash has no relation
// to the hash of the manifest bytes it resolves to.
type Cache struct {
	cs  *contentstore.Store
	db  *bolt.DB
}

// OpenCache opens (creating if necessary) the cache index at
// <dataDir>/build-cache.db, backed by cs for manifest storage.
func OpenCache(dataDir string, cs *contentstore.Store) (*Cache, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "build-cache.db"), 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, "open build cache index")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheIndexBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, apierr.Wrap(apierr.Internal, err, "init build cache index bucket")
	}
	return &Cache{cs: cs, db: db}, nil
}

// Close releases the cache index's file lock.
func (c *Cache) Close() error {
	return c.db.Close()
}

// ComputeKey builds the CacheKey for one node: operation digest, the
// sorted union of the parent digest and dependency digests, the platform
// tag, and the fixed schema version, each fed into sha256.
func ComputeKey(operationDigest, parentDigest string, depDigests []string, platform string) types.CacheKey {
	inputs := make([]string, 0, len(depDigests)+1)
	if parentDigest != "" {
		inputs = append(inputs, parentDigest)
	}
	inputs = append(inputs, depDigests...)
	sort.Strings(inputs)
	return types.CacheKey{
		OperationDigest: operationDigest,
		InputDigests:    inputs,
		Platform:        platform,
		SchemaVersion:   cacheSchemaVersion,
	}
}

// hashKey returns the sha256 hex digest of key's canonical form.
func hashKey(key types.CacheKey) string {
	h := sha256.New()
	io.WriteString(h, key.OperationDigest)
	for _, d := range key.InputDigests {
		io.WriteString(h, d)
	}
	io.WriteString(h, key.Platform)
	io.WriteString(h, key.SchemaVersion)
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the cached manifest for key, if present and written under
// the current schema version.
func (c *Cache) Lookup(ctx context.Context, key types.CacheKey) (types.CachedResult, bool, error) {
	if key.SchemaVersion != cacheSchemaVersion {
		return types.CachedResult{}, false, apierr.New(apierr.Unsupported, "cache schema %q is not supported, want %q", key.SchemaVersion, cacheSchemaVersion)
	}

	keyHash := []byte(hashKey(key))
	var entry indexEntry
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cacheIndexBucket).Get(keyHash)
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &entry)
	})
	if err != nil {
		return types.CachedResult{}, false, apierr.Wrap(apierr.Internal, err, "read cache index")
	}
	if !found {
		return types.CachedResult{}, false, nil
	}

	dgst, err := digest.Parse(entry.ManifestDigest)
	if err != nil {
		return types.CachedResult{}, false, apierr.Wrap(apierr.Corruption, err, "parse cached manifest digest")
	}
	rc, err := c.cs.Open(dgst)
	if err != nil {
		return types.CachedResult{}, false, nil // index entry outlived its blob; treat as a miss
	}
	defer rc.Close()

	var result types.CachedResult
	if err := json.NewDecoder(rc).Decode(&result); err != nil {
		return types.CachedResult{}, false, apierr.Wrap(apierr.Corruption, err, "decode cached manifest")
	}

	// Touch the entry so Prune's LRU ordering reflects actual use.
	entry.LastUsed = time.Now().UTC()
	touched, err := json.Marshal(entry)
	if err == nil {
		err = c.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(cacheIndexBucket).Put(keyHash, touched)
		})
	}
	if err != nil {
		return types.CachedResult{}, false, apierr.Wrap(apierr.Internal, err, "touch cache entry")
	}
	return result, true, nil
}

// Store writes result's manifest to the content store and indexes it under
// key.
func (c *Cache) Store(ctx context.Context, key types.CacheKey, result types.CachedResult) error {
	if key.SchemaVersion != cacheSchemaVersion {
		return apierr.New(apierr.Unsupported, "cache schema %q is not supported, want %q", key.SchemaVersion, cacheSchemaVersion)
	}
	result.CreatedAt = result.CreatedAt.UTC()

	buf, err := json.Marshal(result)
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "marshal cache manifest")
	}

	dgst, _, err := c.cs.Put(ctx, bytes.NewReader(buf))
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "store cache manifest")
	}

	entry, err := json.Marshal(indexEntry{
		ManifestDigest: dgst.String(),
		LastUsed:       time.Now().UTC(),
		Bytes:          int64(len(buf)) + result.Snapshot.Size,
	})
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "marshal cache index entry")
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheIndexBucket).Put([]byte(hashKey(key)), entry)
	})
}

// Prune evicts cache entries: everything idle longer than ttl (when ttl is
// nonzero) goes first, then least-recently-used entries until the tracked
// bytes fit under maxBytes (when maxBytes is nonzero). Each evicted entry's
// manifest blob is deleted from the content store along with its index
// record. Returns the number of entries evicted.
func (c *Cache) Prune(ctx context.Context, maxBytes int64, ttl time.Duration) (int, error) {
	type keyedEntry struct {
		key   []byte
		entry indexEntry
	}
	var entries []keyedEntry
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheIndexBucket).ForEach(func(k, v []byte) error {
			var e indexEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, keyedEntry{key: append([]byte(nil), k...), entry: e})
			return nil
		})
	})
	if err != nil {
		return 0, apierr.Wrap(apierr.Internal, err, "scan cache index")
	}

	now := time.Now().UTC()
	var total int64
	var keep []keyedEntry
	var evict []keyedEntry
	for _, ke := range entries {
		if ttl > 0 && now.Sub(ke.entry.LastUsed) > ttl {
			evict = append(evict, ke)
			continue
		}
		total += ke.entry.Bytes
		keep = append(keep, ke)
	}

	if maxBytes > 0 && total > maxBytes {
		sort.Slice(keep, func(i, j int) bool { return keep[i].entry.LastUsed.Before(keep[j].entry.LastUsed) })
		for _, ke := range keep {
			if total <= maxBytes {
				break
			}
			evict = append(evict, ke)
			total -= ke.entry.Bytes
		}
	}

	for _, ke := range evict {
		if dgst, err := digest.Parse(ke.entry.ManifestDigest); err == nil {
			if err := c.cs.Delete(dgst); err != nil {
				return 0, apierr.Wrap(apierr.Internal, err, "delete evicted manifest %s", dgst)
			}
		}
		err := c.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(cacheIndexBucket).Delete(ke.key)
		})
		if err != nil {
			return 0, apierr.Wrap(apierr.Internal, err, "delete cache index entry")
		}
	}
	return len(evict), nil
}
