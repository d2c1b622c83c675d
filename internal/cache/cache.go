// Package cache remembers which thread mirrors which issue so the
// thread locator can skip a forum-wide search.
//
// Entries live in memory and are persisted through a Store. Mutations
// arm a single debounced flush; further mutations before it fires only
// touch the map. Close cancels the pending flush and writes once more
// so the last debounce window is not lost on shutdown.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wesm/threadsync/internal/clock"
	"github.com/wesm/threadsync/internal/models"
)

// DefaultFlushDelay batches updates arriving within this window into
// one write.
const DefaultFlushDelay = 2 * time.Second

// LoadRetryInterval is how long a failed load is remembered before
// reads and writes try the store again.
const LoadRetryInterval = time.Minute

// Store persists the whole cache map.
type Store interface {
	Load(ctx context.Context) (map[string]models.ThreadCacheEntry, error)
	Save(ctx context.Context, entries map[string]models.ThreadCacheEntry) error
}

// Cache is the thread identity cache. It is safe for concurrent use.
type Cache struct {
	store      Store
	clock      clock.Clock
	flushDelay time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[string]models.ThreadCacheEntry
	loaded  bool
	retryAt time.Time
	dirty   bool
	armed   bool
	pending clock.Timer

	// writeMu serializes Store.Save calls.
	writeMu sync.Mutex
}

// New creates a cache backed by store. A zero flushDelay uses
// DefaultFlushDelay.
func New(store Store, clk clock.Clock, flushDelay time.Duration, logger *slog.Logger) *Cache {
	if flushDelay <= 0 {
		flushDelay = DefaultFlushDelay
	}
	return &Cache{
		store:      store,
		clock:      clk,
		flushDelay: flushDelay,
		logger:     logger,
		entries:    make(map[string]models.ThreadCacheEntry),
	}
}

// Key builds the cache key for an issue: lower(owner)/lower(repo)#number.
func Key(repo models.RepoRef, number int) string {
	return fmt.Sprintf("%s/%s#%d", strings.ToLower(repo.Owner), strings.ToLower(repo.Name), number)
}

// Get returns the entry for an issue.
func (c *Cache) Get(ctx context.Context, repo models.RepoRef, number int) (models.ThreadCacheEntry, bool) {
	c.ensureLoaded(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[Key(repo, number)]
	return entry, ok
}

// Put records the thread mirroring an issue and schedules a flush.
func (c *Cache) Put(ctx context.Context, repo models.RepoRef, number int, threadID, title string) {
	c.ensureLoaded(ctx)

	c.mu.Lock()
	c.entries[Key(repo, number)] = models.ThreadCacheEntry{
		ThreadID:  threadID,
		Title:     title,
		UpdatedAt: c.clock.Now().UTC(),
	}
	c.dirty = true
	c.mu.Unlock()

	c.schedule()
}

// Delete drops the entry for an issue and schedules a flush.
func (c *Cache) Delete(ctx context.Context, repo models.RepoRef, number int) {
	c.ensureLoaded(ctx)

	c.mu.Lock()
	key := Key(repo, number)
	_, existed := c.entries[key]
	delete(c.entries, key)
	if existed {
		c.dirty = true
	}
	c.mu.Unlock()

	if existed {
		c.schedule()
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len(ctx context.Context) int {
	c.ensureLoaded(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Flush writes the current map to the store. An unloaded store is read
// first; if that still fails the store is overwritten with the entries
// held in memory.
func (c *Cache) Flush(ctx context.Context) error {
	c.load(ctx, true)

	c.mu.Lock()
	snapshot := make(map[string]models.ThreadCacheEntry, len(c.entries))
	for key, entry := range c.entries {
		snapshot[key] = entry
	}
	c.dirty = false
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.store.Save(ctx, snapshot); err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return fmt.Errorf("failed to save thread cache: %w", err)
	}
	return nil
}

// Close cancels any pending flush and writes synchronously.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	c.armed = false
	dirty := c.dirty
	c.mu.Unlock()

	if !dirty {
		return nil
	}
	return c.Flush(ctx)
}

// ensureLoaded reads the store on first use. Entries written before a
// successful load win over persisted ones. After a failure the store is
// not read again until LoadRetryInterval has passed.
func (c *Cache) ensureLoaded(ctx context.Context) {
	c.load(ctx, false)
}

func (c *Cache) load(ctx context.Context, force bool) {
	c.mu.Lock()
	if c.loaded || (!force && c.clock.Now().Before(c.retryAt)) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	persisted, err := c.store.Load(ctx)
	if err != nil {
		c.mu.Lock()
		c.retryAt = c.clock.Now().Add(LoadRetryInterval)
		c.mu.Unlock()
		c.logger.Warn("thread cache: load failed, continuing with memory only",
			"error", err, "retry_in", LoadRetryInterval)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return
	}
	for key, entry := range persisted {
		if _, exists := c.entries[key]; !exists {
			c.entries[key] = entry
		}
	}
	c.loaded = true
}

func (c *Cache) schedule() {
	c.mu.Lock()
	if c.armed {
		c.mu.Unlock()
		return
	}
	c.armed = true
	c.mu.Unlock()

	timer := c.clock.AfterFunc(c.flushDelay, c.scheduledFlush)

	c.mu.Lock()
	if c.armed {
		c.pending = timer
	}
	c.mu.Unlock()
}

func (c *Cache) scheduledFlush() {
	c.mu.Lock()
	c.armed = false
	c.pending = nil
	c.mu.Unlock()

	if err := c.Flush(context.Background()); err != nil {
		c.logger.Error("thread cache: scheduled flush failed", "error", err)
	}
}
