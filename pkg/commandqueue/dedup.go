package commandqueue

import (
	"context"
	"sync"
	"time"
)

const defaultDedupTTL = 5 * time.Minute

// dedupEntry stores the state of one request id
type dedupEntry struct {
	result    taskResult
	completed bool
	timestamp time.Time
}

// dedupCache remembers request ids for a bounded time so a redelivered
// update runs at most once.
type dedupCache struct {
	entries map[string]*dedupEntry
	ttl     time.Duration
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// newDedupCache creates a new deduplication cache
func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	ctx, cancel := context.WithCancel(ctx)
	cache := &dedupCache{
		entries: make(map[string]*dedupEntry),
		ttl:     ttl,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go cache.cleanup()

	return cache
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (dc *dedupCache) Stop() {
	dc.cancel()
}

// Claim reserves requestID. When the id is already known ok is false, and
// done reports whether the earlier task finished with result.
func (dc *dedupCache) Claim(requestID string) (result taskResult, done bool, ok bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if entry, exists := dc.entries[requestID]; exists && time.Since(entry.timestamp) <= dc.ttl {
		return entry.result, entry.completed, false
	}

	dc.entries[requestID] = &dedupEntry{timestamp: time.Now()}
	return taskResult{}, false, true
}

// Complete stores the result of a claimed request id.
func (dc *dedupCache) Complete(requestID string, result taskResult) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	dc.entries[requestID] = &dedupEntry{
		result:    result,
		completed: true,
		timestamp: time.Now(),
	}
}

// cleanup periodically removes expired entries
func (dc *dedupCache) cleanup() {
	defer close(dc.done)

	interval := time.Minute
	if dc.ttl < interval {
		interval = dc.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-dc.ctx.Done():
			return
		case <-ticker.C:
			dc.purge(time.Now())
		}
	}
}

func (dc *dedupCache) purge(now time.Time) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	for requestID, entry := range dc.entries {
		if now.Sub(entry.timestamp) > dc.ttl {
			delete(dc.entries, requestID)
		}
	}
}

// Size returns the number of entries in the cache
func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}
