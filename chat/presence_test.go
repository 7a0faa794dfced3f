package chat_test

import (
	"context"
	"testing"

	"github.com/GetStream/event-chat/chat"
	"github.com/GetStream/event-chat/memstore"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceTracker_Online(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	zed := chat.User{UID: "zed", DisplayName: "Alice", Email: "zed@example.com"}

	var changes int
	ta := chat.NewPresenceTracker(store, slogt.New(t), func([]chat.PresenceEntry) { changes++ })
	tb := chat.NewPresenceTracker(store, slogt.New(t), nil)
	tz := chat.NewPresenceTracker(store, slogt.New(t), nil)
	t.Cleanup(func() {
		for _, tr := range []*chat.PresenceTracker{ta, tb, tz} {
			tr.Deactivate(ctx)
		}
	})

	assert.Empty(t, ta.Online())

	require.NoError(t, ta.Activate(ctx, "r1", alice))
	require.NoError(t, tb.Activate(ctx, "r1", bob))
	require.NoError(t, tz.Activate(ctx, "r1", zed))

	// Equal display names fall back to UID order.
	got := ta.Online()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"alice", "zed", "bob"}, []string{got[0].UID, got[1].UID, got[2].UID})
	assert.Equal(t, got, tb.Online())
	assert.NotZero(t, changes)

	// Entries that are present but not online are left out.
	require.NoError(t, store.SetPresence(ctx, "r1", chat.PresenceEntry{UID: "carol", DisplayName: "Carol"}))
	assert.Len(t, ta.Online(), 3)

	tb.Deactivate(ctx)
	assert.Empty(t, tb.Online())
	assert.Len(t, ta.Online(), 2)
}
