// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package materialize implements the compilation guard and the materialization cache:
// the map from specialization keys to compiled variants.
//
// Lookups of already materialized variants are lock-free. On a miss, concurrent callers
// of the same key are collapsed into one build, and builds of any key are serialized by
// the compilation Guard, since frontends keep process-global state while lowering.
package materialize

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/kernelspec/backends"
	"github.com/gomlx/kernelspec/pkg/core/kernel"
	"github.com/gomlx/kernelspec/pkg/core/store"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// ErrCacheFull is returned when materializing a new variant would exceed the maximum cache size.
var ErrCacheFull = errors.New("maximum materialization cache size reached")

// Variant is one materialized specialization of a kernel.
type Variant struct {
	Key        kernel.Key
	Executable backends.Executable

	// Used is the ordered set of leaf parameters the executable takes.
	Used *kernel.UsedSet

	// FromStore is true if the variant was loaded from the durable store, instead of
	// being built in this process.
	FromStore bool

	// BuildTime is how long it took to build (or load) the variant.
	BuildTime time.Duration
}

// UsedParameters returns the ordered set of leaves the variant takes.
func (v *Variant) UsedParameters() *kernel.UsedSet { return v.Used }

// BuildFn builds a new variant for a key. It is called inside the compilation guard, with
// the context returned by Guard.Acquire.
type BuildFn func(ctx context.Context) (*Variant, error)

// Stats of a Cache.
type Stats struct {
	Hits, Misses                       int64
	Builds, BuildFailures              int64
	StoreHits, StoreWrites, StoreFails int64
	Entries                            int
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("entries=%d hits=%s misses=%s builds=%d (failed %d) store: hits=%d writes=%d failures=%d",
		s.Entries, humanize.Comma(s.Hits), humanize.Comma(s.Misses), s.Builds, s.BuildFailures,
		s.StoreHits, s.StoreWrites, s.StoreFails)
}

// Cache maps specialization keys to variants.
//
// There is at most one Variant per key: once inserted it is only dropped by Reset.
type Cache struct {
	guard   *Guard
	entries sync.Map // Key.ID() -> *Variant
	group   singleflight.Group

	muConfig     sync.Mutex
	maxCacheSize int
	numEntries   atomic.Int64

	store   store.Store
	backend string
	loader  backends.Loader

	hits, misses, builds, buildFailures    atomic.Int64
	storeHits, storeWrites, storeFailures atomic.Int64
}

// DefaultMaxCacheSize is unlimited.
const DefaultMaxCacheSize = -1

// NewCache creates a memory-only Cache whose builds are serialized by guard.
// If guard is nil, DefaultGuard is used.
func NewCache(guard *Guard) *Cache {
	if guard == nil {
		guard = DefaultGuard()
	}
	return &Cache{guard: guard, maxCacheSize: DefaultMaxCacheSize}
}

// WithStore makes the cache use a durable store: misses are looked up in the store before
// building, and new builds are written to it. Artifacts are restored with loader, and the
// backend name is part of the store digest.
//
// It returns itself, so calls can be cascaded.
func (c *Cache) WithStore(s store.Store, backendName string, loader backends.Loader) *Cache {
	c.store = s
	c.backend = backendName
	c.loader = loader
	return c
}

// SetMaxCache sets the maximum number of variants. Set it to -1 to have unlimited cache size.
// It returns a reference to itself so calls can be cascaded.
func (c *Cache) SetMaxCache(maxCacheSize int) *Cache {
	c.muConfig.Lock()
	defer c.muConfig.Unlock()
	c.maxCacheSize = maxCacheSize
	return c
}

// Guard used by the cache.
func (c *Cache) Guard() *Guard { return c.guard }

// Lookup returns the variant for the key, if already materialized. It never blocks.
func (c *Cache) Lookup(key kernel.Key) (*Variant, bool) {
	v, found := c.entries.Load(key.ID())
	if !found {
		return nil, false
	}
	return v.(*Variant), true
}

// Len returns the number of variants in the cache.
func (c *Cache) Len() int { return int(c.numEntries.Load()) }

// Reset drops all variants and finalizes their executables. It must not be called while
// variants may still be launched.
func (c *Cache) Reset() {
	c.entries.Range(func(k, v any) bool {
		if _, loaded := c.entries.LoadAndDelete(k); loaded {
			c.numEntries.Add(-1)
			if exec := v.(*Variant).Executable; exec != nil {
				exec.Finalize()
			}
		}
		return true
	})
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Builds:        c.builds.Load(),
		BuildFailures: c.buildFailures.Load(),
		StoreHits:     c.storeHits.Load(),
		StoreWrites:   c.storeWrites.Load(),
		StoreFails:    c.storeFailures.Load(),
		Entries:       c.Len(),
	}
}

// StoreDigest returns the durable store digest for a key built by the given backend.
func StoreDigest(key kernel.Key, backendName string) string {
	return store.Digest(key.ID(), key.Site.Fingerprint, backendName, store.FormatVersion)
}

// GetOrBuild returns the variant for key, building it with build if needed.
//
// Concurrent calls with the same key wait for a single build. A failed build inserts
// nothing and its error is returned unchanged (panics in build are converted to errors);
// later calls retry.
//
// If ctx is already part of a build under the same guard, it returns
// ErrReentrantCompilation instead of deadlocking.
func (c *Cache) GetOrBuild(ctx context.Context, key kernel.Key, build BuildFn) (*Variant, error) {
	if v, found := c.Lookup(key); found {
		c.hits.Add(1)
		return v, nil
	}
	if compilingUnder(ctx) == c.guard {
		return nil, errors.Wrapf(ErrReentrantCompilation, "materializing %s while compiling %s", key, c.guard.Compiling())
	}
	c.misses.Add(1)
	result, err, _ := c.group.Do(key.ID(), func() (any, error) {
		return c.materialize(ctx, key, build)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Variant), nil
}

// materialize is run by the single caller elected for the key.
func (c *Cache) materialize(ctx context.Context, key kernel.Key, build BuildFn) (*Variant, error) {
	buildCtx, release, err := c.guard.Acquire(ctx, key.Site)
	if err != nil {
		return nil, err
	}
	defer release()

	// Another leader may have finished the same key between our lookup and now.
	if v, found := c.Lookup(key); found {
		return v, nil
	}
	c.muConfig.Lock()
	maxCacheSize := c.maxCacheSize
	c.muConfig.Unlock()
	if maxCacheSize >= 0 && c.Len() >= maxCacheSize {
		return nil, errors.Wrapf(ErrCacheFull,
			"cannot materialize %s, a new variant is created for each distinct specialization key: "+
				"consider fewer distinct template values or shapes, or change the limit with SetMaxCache (currently %d)",
			key, maxCacheSize)
	}

	start := time.Now()
	var digest string
	if c.store != nil {
		digest = StoreDigest(key, c.backend)
		if v := c.loadFromStore(key, digest); v != nil {
			v.BuildTime = time.Since(start)
			c.insert(key, v)
			return v, nil
		}
	}

	var v *Variant
	exception := exceptions.Try(func() {
		v, err = build(buildCtx)
	})
	if exception != nil {
		if e, ok := exception.(error); ok {
			err = errors.WithMessagef(e, "panic while building %s", key)
		} else {
			err = errors.Errorf("panic while building %s: %v", key, exception)
		}
	}
	if err == nil && v == nil {
		err = errors.Errorf("building %s returned no variant", key)
	}
	if err != nil {
		c.buildFailures.Add(1)
		klog.V(1).Infof("materialize: building %s failed: %v", key, err)
		return nil, err
	}
	c.builds.Add(1)
	v.Key = key
	v.BuildTime = time.Since(start)
	c.insert(key, v)
	if klog.V(1).Enabled() {
		klog.Infof("materialize: built %s in %s, %d used parameters %s", key, v.BuildTime, v.Used.Len(), v.Used.Counts())
	}
	if c.store != nil {
		c.saveToStore(key, digest, v)
	}
	return v, nil
}

func (c *Cache) insert(key kernel.Key, v *Variant) {
	if _, loaded := c.entries.LoadOrStore(key.ID(), v); !loaded {
		c.numEntries.Add(1)
	}
}

// loadFromStore returns nil if the key is not in the store or can't be loaded.
func (c *Cache) loadFromStore(key kernel.Key, digest string) *Variant {
	entry, err := c.store.Get(digest)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			klog.Warningf("materialize: failed to read %s from kernel store, it will be rebuilt: %+v", key, err)
		}
		return nil
	}
	used, err := entry.UsedSet()
	if err != nil {
		klog.Warningf("materialize: invalid store entry for %s, it will be rebuilt: %+v", key, err)
		return nil
	}
	var exec backends.Executable
	exception := exceptions.Try(func() {
		exec, err = c.loader.Load(entry.Artifact)
	})
	if exception != nil || err != nil {
		klog.Warningf("materialize: failed to load artifact of %s from kernel store, it will be rebuilt: %v %v", key, exception, err)
		return nil
	}
	c.storeHits.Add(1)
	if klog.V(1).Enabled() {
		klog.Infof("materialize: loaded %s from kernel store (%s)", key, humanize.Bytes(uint64(len(entry.Artifact))))
	}
	return &Variant{Key: key, Executable: exec, Used: used, FromStore: true}
}

// saveToStore failures are logged, they don't fail the materialization.
func (c *Cache) saveToStore(key kernel.Key, digest string, v *Variant) {
	blob, err := v.Executable.Serialize()
	if err != nil {
		c.storeFailures.Add(1)
		klog.Warningf("materialize: failed to serialize %s for the kernel store: %+v", key, err)
		return
	}
	err = c.store.Put(&store.Entry{
		Digest:    digest,
		Key:       key.String(),
		Site:      key.Site.String(),
		Backend:   c.backend,
		Used:      store.FromUsedSet(v.Used),
		Artifact:  blob,
		CreatedAt: time.Now(),
	})
	if errors.Is(err, store.ErrExists) {
		// Written concurrently by another process.
		return
	}
	if err != nil {
		c.storeFailures.Add(1)
		klog.Warningf("materialize: failed to write %s to the kernel store: %+v", key, err)
		return
	}
	c.storeWrites.Add(1)
}
