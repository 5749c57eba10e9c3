package policy

import (
	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/storage"
)

// HandlingCache memoizes category verdicts for the current snapshot.
// It is not safe for concurrent use.
type HandlingCache struct {
	user     *storage.UserRelatedData
	snapshot Snapshot
	nextID   uint64
	cached   map[string]*CategoryHandling
}

// NewHandlingCache returns an empty cache.
func NewHandlingCache() *HandlingCache {
	return &HandlingCache{cached: make(map[string]*CategoryHandling)}
}

// ReportStatus starts a new snapshot and drops all cached verdicts. The
// snapshot id is assigned by the cache.
func (c *HandlingCache) ReportStatus(user *storage.UserRelatedData, snapshot Snapshot) Snapshot {
	c.nextID++
	snapshot.ID = c.nextID
	c.user = user
	c.snapshot = snapshot
	clear(c.cached)
	return snapshot
}

// Snapshot returns the current snapshot.
func (c *HandlingCache) Snapshot() Snapshot {
	return c.snapshot
}

// Get returns the verdict of a category, computing it on first use within
// the snapshot.
func (c *HandlingCache) Get(categoryID string) (*CategoryHandling, error) {
	if h, ok := c.cached[categoryID]; ok {
		metrics.HandlingCacheHits.Inc()
		return h, nil
	}
	metrics.HandlingCacheMisses.Inc()

	if c.user == nil {
		return nil, &storage.CategoryNotFoundError{CategoryID: categoryID}
	}
	data, ok := c.user.Categories[categoryID]
	if !ok {
		return nil, &storage.CategoryNotFoundError{CategoryID: categoryID}
	}

	h, err := CalculateHandling(data, c.user, c.snapshot)
	if err != nil {
		return nil, err
	}
	c.cached[categoryID] = h
	return h, nil
}

// Cached returns the verdicts computed so far in this snapshot.
func (c *HandlingCache) Cached() []*CategoryHandling {
	out := make([]*CategoryHandling, 0, len(c.cached))
	for _, h := range c.cached {
		out = append(out, h)
	}
	return out
}
