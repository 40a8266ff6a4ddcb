package tracker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/conveyordev/conveyor/internal/types"
)

// cacheTTL bounds how long a fetched item may serve reads. Short on
// purpose: callback handlers re-check live status before mutating anyway,
// so the cache only needs to absorb burst reads.
const cacheTTL = 30 * time.Second

type cachedItem struct {
	item      *types.WorkItem
	fetchedAt time.Time
}

// Cached wraps a Tracker with a read-through item cache. Reads are
// deduplicated so concurrent callbacks for one item cost a single fetch;
// every mutation delegates to the underlying tracker and invalidates the
// cached entry, never writes through.
type Cached struct {
	Tracker

	mu    sync.Mutex
	items map[string]cachedItem
	group singleflight.Group
}

// NewCached wraps t with the read-through cache.
func NewCached(t Tracker) *Cached {
	return &Cached{
		Tracker: t,
		items:   make(map[string]cachedItem),
	}
}

// FetchItem returns the cached item when fresh, otherwise fetches through
// the singleflight group.
func (c *Cached) FetchItem(ctx context.Context, id string) (*types.WorkItem, error) {
	c.mu.Lock()
	if entry, ok := c.items[id]; ok && time.Since(entry.fetchedAt) < cacheTTL {
		item := *entry.item
		c.mu.Unlock()
		return &item, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(id, func() (interface{}, error) {
		item, err := c.Tracker.FetchItem(ctx, id)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.items[id] = cachedItem{item: item, fetchedAt: time.Now()}
		c.mu.Unlock()
		return item, nil
	})
	if err != nil {
		return nil, err
	}
	item := *(v.(*types.WorkItem))
	return &item, nil
}

// Invalidate drops the cached entry for id.
func (c *Cached) Invalidate(id string) {
	c.mu.Lock()
	delete(c.items, id)
	c.mu.Unlock()
}

// UpdateStatus delegates and invalidates.
func (c *Cached) UpdateStatus(ctx context.Context, id string, s types.Status) error {
	defer c.Invalidate(id)
	return c.Tracker.UpdateStatus(ctx, id, s)
}

// UpdateReviewStatus delegates and invalidates.
func (c *Cached) UpdateReviewStatus(ctx context.Context, id string, r types.ReviewStatus) error {
	defer c.Invalidate(id)
	return c.Tracker.UpdateReviewStatus(ctx, id, r)
}

// SetPhaseField delegates and invalidates.
func (c *Cached) SetPhaseField(ctx context.Context, id, field string) error {
	defer c.Invalidate(id)
	return c.Tracker.SetPhaseField(ctx, id, field)
}
