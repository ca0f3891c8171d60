// Copyright 2018-2024 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package cache keeps initialized driver instances keyed by
// "{type}:{storage_config_id}". Entries have no TTL; they are evicted by
// admin mutations, by LRU pressure or when revalidation fails.
package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/unistor/unistor/pkg/appctx"
	"github.com/unistor/unistor/pkg/storage"
)

// DefaultCapacity is the target number of live driver instances.
const DefaultCapacity = 12

var (
	hitsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "unistor_driver_cache_hits_total",
		Help: "Driver cache hits.",
	})
	missesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "unistor_driver_cache_misses_total",
		Help: "Driver cache misses.",
	})
	errorsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "unistor_driver_cache_errors_total",
		Help: "Driver creation failures.",
	})
	cleanupsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "unistor_driver_cache_cleanups_total",
		Help: "Driver instances cleaned up by eviction or invalidation.",
	})
)

// CreateFunc builds a fresh driver for the key being populated.
type CreateFunc func(ctx context.Context) (storage.Driver, error)

type entry struct {
	driver       storage.Driver
	createdAt    time.Time
	lastAccessed time.Time
	mountHint    string
}

// Stats is a snapshot of the cache counters for the admin surface.
type Stats struct {
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Errors   int64 `json:"errors"`
	Cleanups int64 `json:"cleanups"`
	Entries  int   `json:"entries"`
}

// Cache is a process wide, bounded driver instance cache.
// Invalidation may race with a concurrent Get; the loser returns a stale
// driver whose next revalidation fails and triggers recreation.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	capacity int

	group singleflight.Group

	hits, misses, errors, cleanups int64
}

// New returns a cache bounded to capacity entries; zero means the default.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		entries:  map[string]*entry{},
		capacity: capacity,
	}
}

// Key builds the cache key for a config.
func Key(t storage.Type, configID string) string {
	return fmt.Sprintf("%s:%s", t, configID)
}

// Get returns the cached driver for (t, configID), creating it through
// create on a miss. Concurrent misses for the same key coalesce into one
// creation. mountHint tags the entry for mount scoped invalidation.
func (c *Cache) Get(ctx context.Context, t storage.Type, configID, mountHint string, create CreateFunc) (storage.Driver, error) {
	key := Key(t, configID)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.lastAccessed = time.Now()
		if mountHint != "" {
			e.mountHint = mountHint
		}
		d := e.driver
		c.hits++
		c.mu.Unlock()
		hitsCounter.Inc()
		if d.IsInitialized() {
			return d, nil
		}
		// stale instance, drop it and recreate
		c.evict(key)
	} else {
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	missesCounter.Inc()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		var d storage.Driver
		op := func() error {
			var cerr error
			d, cerr = create(ctx)
			return cerr
		}
		if err := backoff.Retry(op, newCreationBackoff()); err != nil {
			return nil, err
		}
		return d, nil
	})
	if err != nil {
		c.mu.Lock()
		c.errors++
		c.mu.Unlock()
		errorsCounter.Inc()
		return nil, err
	}
	d := v.(storage.Driver)

	c.mu.Lock()
	now := time.Now()
	c.entries[key] = &entry{
		driver:       d,
		createdAt:    now,
		lastAccessed: now,
		mountHint:    mountHint,
	}
	c.trimLocked(ctx)
	c.mu.Unlock()
	return d, nil
}

// InvalidateConfig evicts the entry for (t, configID).
func (c *Cache) InvalidateConfig(t storage.Type, configID string) {
	c.evict(Key(t, configID))
}

// InvalidateMount evicts every entry whose mount hint matches.
func (c *Cache) InvalidateMount(mountID string) {
	if mountID == "" {
		return
	}
	c.mu.Lock()
	keys := make([]string, 0, 1)
	for k, e := range c.entries {
		if e.mountHint == mountID {
			keys = append(keys, k)
		}
	}
	c.mu.Unlock()
	for _, k := range keys {
		c.evict(k)
	}
}

// Clear evicts every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	for _, k := range keys {
		c.evict(k)
	}
}

// Stats returns a counter snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:     c.hits,
		Misses:   c.misses,
		Errors:   c.errors,
		Cleanups: c.cleanups,
		Entries:  len(c.entries),
	}
}

func (c *Cache) evict(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
		c.cleanups++
	}
	c.mu.Unlock()
	if ok {
		cleanupsCounter.Inc()
		c.cleanup(e.driver)
	}
}

// trimLocked evicts the least recently used entries down to 80% of the
// capacity once the cap is reached. Callers hold c.mu.
func (c *Cache) trimLocked(ctx context.Context) {
	if len(c.entries) <= c.capacity {
		return
	}
	type kv struct {
		key string
		at  time.Time
	}
	all := make([]kv, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, kv{k, e.lastAccessed})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	target := c.capacity * 8 / 10
	log := appctx.GetLogger(ctx)
	for _, item := range all {
		if len(c.entries) <= target {
			break
		}
		e := c.entries[item.key]
		delete(c.entries, item.key)
		c.cleanups++
		cleanupsCounter.Inc()
		log.Debug().Str("key", item.key).Msg("driver cache: lru eviction")
		go c.cleanup(e.driver)
	}
}

func (c *Cache) cleanup(d storage.Driver) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = d.Cleanup(ctx)
}

// creationBackoff waits 1s, 2s and 3s between the three creation attempts.
type creationBackoff struct {
	attempt int
}

func newCreationBackoff() backoff.BackOff { return &creationBackoff{} }

func (b *creationBackoff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= 3 {
		return backoff.Stop
	}
	return time.Duration(b.attempt) * time.Second
}

func (b *creationBackoff) Reset() { b.attempt = 0 }
