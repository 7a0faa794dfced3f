package chat_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GetStream/event-chat/chat"
	"github.com/GetStream/event-chat/memstore"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newCache(t *testing.T, store *memstore.Store, opts ...chat.CacheOption) (*chat.ProfileCache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]chat.CacheOption{chat.WithClock(clock.Now), chat.WithCacheLogger(slogt.New(t))}, opts...)
	return chat.NewProfileCache(store, opts...), clock
}

func seedProfiles(store *memstore.Store, uids ...string) {
	for _, uid := range uids {
		store.PutProfile(chat.Profile{UID: uid, DisplayName: "User " + uid})
	}
}

func TestProfileCache_HitReturnsSameObject(t *testing.T) {
	store := memstore.New()
	seedProfiles(store, "a")
	cache, clock := newCache(t, store)
	ctx := context.Background()

	first := cache.Get(ctx, "a")
	require.NotNil(t, first)
	clock.Advance(time.Minute)
	second := cache.Get(ctx, "a")

	assert.Same(t, first, second)
	assert.Equal(t, 1, store.Calls("GetProfile"))
	assert.Equal(t, 1, store.ProfileWatchers())
}

func TestProfileCache_EvictsLeastRecentlyUsed(t *testing.T) {
	store := memstore.New()
	seedProfiles(store, "a", "b", "c")
	cache, _ := newCache(t, store, chat.WithCapacity(2))
	ctx := context.Background()

	cache.Get(ctx, "a")
	cache.Get(ctx, "b")
	cache.Get(ctx, "c")

	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, 2, store.ProfileWatchers(), "evicted entry must drop its subscription")

	cache.Get(ctx, "a")
	assert.Equal(t, 4, store.Calls("GetProfile"), "a was evicted, so this is a miss")
}

func TestProfileCache_TouchResetsRecency(t *testing.T) {
	store := memstore.New()
	seedProfiles(store, "a", "b", "c")
	cache, _ := newCache(t, store, chat.WithCapacity(2))
	ctx := context.Background()

	cache.Get(ctx, "a")
	cache.Get(ctx, "b")
	cache.Get(ctx, "a") // a is now most recently used
	cache.Get(ctx, "c") // evicts b

	calls := store.Calls("GetProfile")
	cache.Get(ctx, "a")
	assert.Equal(t, calls, store.Calls("GetProfile"), "a should still be cached")
	cache.Get(ctx, "b")
	assert.Equal(t, calls+1, store.Calls("GetProfile"), "b should have been evicted")
}

func TestProfileCache_Expiry(t *testing.T) {
	store := memstore.New()
	seedProfiles(store, "a")
	cache, clock := newCache(t, store, chat.WithTTL(10*time.Minute, time.Minute))
	ctx := context.Background()

	assert.Nil(t, cache.Get(ctx, "ghost"))
	assert.Nil(t, cache.Get(ctx, "ghost"))
	assert.Equal(t, 1, store.Calls("GetProfile"), "negative result is cached")

	cache.Get(ctx, "a")
	clock.Advance(2 * time.Minute)
	assert.Nil(t, cache.Get(ctx, "ghost"))
	cache.Get(ctx, "a")
	assert.Equal(t, 3, store.Calls("GetProfile"), "only the negative entry expired")

	clock.Advance(10 * time.Minute)
	require.NotNil(t, cache.Get(ctx, "a"))
	assert.Equal(t, 4, store.Calls("GetProfile"))
	assert.Equal(t, 1, store.ProfileWatchers(), "refetch replaces the old subscription")
}

func TestProfileCache_LiveRefresh(t *testing.T) {
	store := memstore.New()
	seedProfiles(store, "a")
	cache, _ := newCache(t, store)
	ctx := context.Background()

	cache.Get(ctx, "a")
	store.PutProfile(chat.Profile{UID: "a", DisplayName: "Renamed", ProfilePicture: "https://img/a.png"})

	p := cache.Get(ctx, "a")
	require.NotNil(t, p)
	assert.Equal(t, "Renamed", p.DisplayName)
	assert.Equal(t, 1, store.Calls("GetProfile"))
}

// slowProfiles holds the first GetProfile result back until release is
// closed, after reading it.
type slowProfiles struct {
	*memstore.Store
	read    chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowProfiles) GetProfile(ctx context.Context, uid string) (chat.Profile, error) {
	p, err := s.Store.GetProfile(ctx, uid)
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.read)
		<-s.release
	}
	return p, err
}

func TestProfileCache_LateMissKeepsNewerEntry(t *testing.T) {
	store := memstore.New()
	seedProfiles(store, "a")
	slow := &slowProfiles{Store: store, read: make(chan struct{}), release: make(chan struct{})}
	cache := chat.NewProfileCache(slow, chat.WithCacheLogger(slogt.New(t)))
	ctx := context.Background()

	late := make(chan *chat.Profile)
	go func() { late <- cache.Get(ctx, "a") }()
	<-slow.read

	store.PutProfile(chat.Profile{UID: "a", DisplayName: "Renamed"})
	fresh := cache.Get(ctx, "a")
	require.NotNil(t, fresh)
	assert.Equal(t, "Renamed", fresh.DisplayName)

	close(slow.release)
	got := <-late
	require.NotNil(t, got)
	assert.Equal(t, "Renamed", got.DisplayName, "the stale lookup does not replace the newer entry")

	p := cache.Get(ctx, "a")
	require.NotNil(t, p)
	assert.Equal(t, "Renamed", p.DisplayName)
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, 1, store.ProfileWatchers(), "the stale lookup's watch is released")
}

func TestProfileCache_ErrorsAreNotCached(t *testing.T) {
	store := memstore.New()
	seedProfiles(store, "a")
	cache, _ := newCache(t, store)
	ctx := context.Background()

	store.Fail("GetProfile", errors.New("unavailable"))
	assert.Nil(t, cache.Get(ctx, "a"))
	assert.Equal(t, 0, cache.Len())

	store.Fail("GetProfile", nil)
	assert.NotNil(t, cache.Get(ctx, "a"))
}

func TestProfileCache_GetMany(t *testing.T) {
	store := memstore.New()
	seedProfiles(store, "a", "b", "c")
	cache, _ := newCache(t, store)

	got := cache.GetMany(context.Background(), []string{"c", "missing", "a", "b"})
	require.Len(t, got, 4)
	for _, uid := range []string{"a", "b", "c"} {
		require.NotNil(t, got[uid], uid)
		assert.Equal(t, uid, got[uid].UID)
	}
	assert.Nil(t, got["missing"])
}

func TestProfileCache_InvalidateAndClear(t *testing.T) {
	store := memstore.New()
	seedProfiles(store, "a", "b")
	cache, _ := newCache(t, store)
	ctx := context.Background()

	cache.Get(ctx, "a")
	cache.Get(ctx, "b")
	cache.Invalidate("a")
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, 1, store.ProfileWatchers())

	cache.Clear()
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, 0, store.ProfileWatchers())
	assert.Nil(t, cache.Get(ctx, ""))
}
