package chat

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultProfileCapacity    = 300
	DefaultProfileTTL         = 10 * time.Minute
	DefaultProfileNegativeTTL = time.Minute
)

// ProfileCache is a bounded LRU cache of sender profiles. Positive entries are
// kept fresh by a live subscription on the profile record; the TTL is a safety
// net. Misses (unknown users) are cached for a shorter TTL and not watched.
type ProfileCache struct {
	store       ProfileStore
	logger      *slog.Logger
	capacity    int
	ttl         time.Duration
	negativeTTL time.Duration
	now         func() time.Time

	mu    sync.Mutex
	ll    *list.List // front is most recently used
	items map[string]*list.Element
}

type cacheEntry struct {
	uid     string
	profile *Profile // nil for a cached miss
	expires time.Time
	unsub   Unsubscribe
}

// A CacheOption configures a ProfileCache.
type CacheOption func(*ProfileCache)

// WithCapacity bounds the number of resident entries.
func WithCapacity(n int) CacheOption {
	return func(c *ProfileCache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithTTL sets the lifetime of positive and negative entries.
func WithTTL(positive, negative time.Duration) CacheOption {
	return func(c *ProfileCache) {
		if positive > 0 {
			c.ttl = positive
		}
		if negative > 0 {
			c.negativeTTL = negative
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) CacheOption {
	return func(c *ProfileCache) { c.now = now }
}

// WithCacheLogger sets the logger used for swallowed lookup errors.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *ProfileCache) { c.logger = l }
}

// NewProfileCache returns an empty cache backed by store.
func NewProfileCache(store ProfileStore, opts ...CacheOption) *ProfileCache {
	c := &ProfileCache{
		store:       store,
		logger:      slog.Default(),
		capacity:    DefaultProfileCapacity,
		ttl:         DefaultProfileTTL,
		negativeTTL: DefaultProfileNegativeTTL,
		now:         time.Now,
		ll:          list.New(),
		items:       make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "profile_cache")
	return c
}

// Get returns the profile for uid, or nil if the user does not exist or the
// lookup failed.
func (c *ProfileCache) Get(ctx context.Context, uid string) *Profile {
	if uid == "" {
		return nil
	}

	c.mu.Lock()
	if el, ok := c.items[uid]; ok {
		e := el.Value.(*cacheEntry)
		if c.now().Before(e.expires) {
			c.ll.MoveToFront(el)
			c.mu.Unlock()
			return e.profile
		}
	}
	c.mu.Unlock()

	p, err := c.store.GetProfile(ctx, uid)
	if errors.Is(err, ErrNotFound) {
		return c.insert(&cacheEntry{uid: uid, expires: c.now().Add(c.negativeTTL)})
	}
	if err != nil {
		c.logger.Error("Could not look up profile", "uid", uid, "error", err)
		return nil
	}

	profile := &p
	unsub, err := c.store.WatchProfile(ctx, uid, func(updated Profile) {
		c.refresh(uid, updated)
	})
	if err != nil {
		c.logger.Warn("Could not watch profile", "uid", uid, "error", err)
		unsub = nil
	}
	return c.insert(&cacheEntry{uid: uid, profile: profile, expires: c.now().Add(c.ttl), unsub: unsub})
}

// GetMany looks up all uids concurrently.
func (c *ProfileCache) GetMany(ctx context.Context, uids []string) map[string]*Profile {
	results := make([]*Profile, len(uids))
	var wg sync.WaitGroup
	for i, uid := range uids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.Get(ctx, uid)
		}()
	}
	wg.Wait()

	out := make(map[string]*Profile, len(uids))
	for i, uid := range uids {
		out[uid] = results[i]
	}
	return out
}

// Invalidate drops uid from the cache.
func (c *ProfileCache) Invalidate(uid string) {
	c.mu.Lock()
	var unsub Unsubscribe
	if el, ok := c.items[uid]; ok {
		unsub = c.remove(el)
	}
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Clear drops every entry.
func (c *ProfileCache) Clear() {
	c.mu.Lock()
	var unsubs []Unsubscribe
	for _, el := range c.items {
		if u := el.Value.(*cacheEntry).unsub; u != nil {
			unsubs = append(unsubs, u)
		}
	}
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// Len returns the number of resident entries.
func (c *ProfileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// insert stores e as the most recently used entry and evicts from the back
// until the cache fits. A live positive entry for the same uid wins over e:
// concurrent misses may finish out of order, and the resident entry is kept
// current by its own subscription. insert returns the resident profile.
func (c *ProfileCache) insert(e *cacheEntry) *Profile {
	var stale []Unsubscribe

	c.mu.Lock()
	if el, ok := c.items[e.uid]; ok {
		cur := el.Value.(*cacheEntry)
		if cur.profile != nil && c.now().Before(cur.expires) {
			c.ll.MoveToFront(el)
			resident := cur.profile
			c.mu.Unlock()
			if e.unsub != nil {
				e.unsub()
			}
			return resident
		}
		if u := c.remove(el); u != nil {
			stale = append(stale, u)
		}
	}
	c.items[e.uid] = c.ll.PushFront(e)
	for c.ll.Len() > c.capacity {
		if u := c.remove(c.ll.Back()); u != nil {
			stale = append(stale, u)
		}
	}
	c.mu.Unlock()

	for _, u := range stale {
		u()
	}
	return e.profile
}

func (c *ProfileCache) refresh(uid string, p Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[uid]
	if !ok {
		return
	}
	e := el.Value.(*cacheEntry)
	if e.profile == nil {
		return
	}
	e.profile = &p
	e.expires = c.now().Add(c.ttl)
	c.ll.MoveToFront(el)
}

// remove unlinks el and returns its unsubscribe func. Callers hold c.mu and
// must call the returned func after releasing it.
func (c *ProfileCache) remove(el *list.Element) Unsubscribe {
	e := c.ll.Remove(el).(*cacheEntry)
	delete(c.items, e.uid)
	return e.unsub
}
