package chat

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// PresenceTracker maintains the current user's presence in one room and the
// set of users online there.
type PresenceTracker struct {
	store    PresenceStore
	logger   *slog.Logger
	onChange func([]PresenceEntry)
	now      func() time.Time

	mu         sync.Mutex
	gen        uint64
	roomID     string
	uid        string
	online     []PresenceEntry
	connUnsub  Unsubscribe
	roomUnsub  Unsubscribe
	disconnect Unsubscribe
}

// NewPresenceTracker returns an inactive tracker. onChange, if not nil, is
// called with the online set after every change.
func NewPresenceTracker(store PresenceStore, logger *slog.Logger, onChange func([]PresenceEntry)) *PresenceTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PresenceTracker{
		store:    store,
		logger:   logger.With("component", "presence"),
		onChange: onChange,
		now:      time.Now,
	}
}

// Activate marks user as present in roomID and starts following the room's
// presence set. Any previous activation is torn down first. ctx bounds the
// lifetime of the activation, not just this call.
func (t *PresenceTracker) Activate(ctx context.Context, roomID string, user User) error {
	t.Deactivate(ctx)

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.roomID = roomID
	t.uid = user.UID
	t.mu.Unlock()

	entry := PresenceEntry{UID: user.UID, DisplayName: user.Name(), Online: true}

	roomUnsub, err := t.store.WatchPresence(ctx, roomID, func(entries []PresenceEntry) {
		t.setOnline(gen, entries)
	})
	if err != nil {
		return err
	}
	if !t.adopt(gen, func() { t.roomUnsub = roomUnsub }) {
		roomUnsub()
		return nil
	}

	// Every (re)connect registers the disconnect hook before writing the
	// entry, so the entry never outlives a connection.
	connUnsub, err := t.store.WatchConnection(ctx, func(connected bool) {
		if connected {
			t.announce(ctx, gen, roomID, entry)
		}
	})
	if err != nil {
		t.logger.Warn("Could not watch connection state", "room_id", roomID, "error", err)
		t.announce(ctx, gen, roomID, entry)
		return nil
	}
	if !t.adopt(gen, func() { t.connUnsub = connUnsub }) {
		connUnsub()
	}
	return nil
}

// Deactivate removes the user's entry and detaches all listeners.
func (t *PresenceTracker) Deactivate(ctx context.Context) {
	t.mu.Lock()
	t.gen++
	roomID, uid := t.roomID, t.uid
	unsubs := []Unsubscribe{t.connUnsub, t.roomUnsub, t.disconnect}
	t.roomID, t.uid = "", ""
	t.connUnsub, t.roomUnsub, t.disconnect = nil, nil, nil
	changed := len(t.online) > 0
	t.online = nil
	t.mu.Unlock()

	for _, u := range unsubs {
		if u != nil {
			u()
		}
	}
	if roomID != "" && uid != "" {
		if err := t.store.RemovePresence(ctx, roomID, uid); err != nil {
			t.logger.Warn("Could not remove presence", "room_id", roomID, "uid", uid, "error", err)
		}
	}
	if changed && t.onChange != nil {
		t.onChange(nil)
	}
}

// Online returns the entries marked online in the room's latest presence
// set, ordered by display name and then UID. It is empty while inactive.
func (t *PresenceTracker) Online() []PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.online)
}

func (t *PresenceTracker) announce(ctx context.Context, gen uint64, roomID string, entry PresenceEntry) {
	hook, err := t.store.OnDisconnectRemove(ctx, roomID, entry.UID)
	if err != nil {
		t.logger.Warn("Could not register disconnect hook", "room_id", roomID, "error", err)
	} else {
		var old Unsubscribe
		if !t.adopt(gen, func() { old, t.disconnect = t.disconnect, hook }) {
			hook()
			return
		}
		if old != nil {
			old()
		}
	}

	entry.LastSeen = t.now()
	if err := t.store.SetPresence(ctx, roomID, entry); err != nil {
		t.logger.Warn("Could not set presence", "room_id", roomID, "error", err)
	}
}

// adopt runs fn under the lock if gen is still current.
func (t *PresenceTracker) adopt(gen uint64, fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return false
	}
	fn()
	return true
}

func (t *PresenceTracker) setOnline(gen uint64, entries []PresenceEntry) {
	online := make([]PresenceEntry, 0, len(entries))
	for _, e := range entries {
		if e.Online {
			online = append(online, e)
		}
	}
	slices.SortFunc(online, func(a, b PresenceEntry) int {
		if c := strings.Compare(a.DisplayName, b.DisplayName); c != 0 {
			return c
		}
		return strings.Compare(a.UID, b.UID)
	})

	if !t.adopt(gen, func() { t.online = online }) {
		return
	}
	if t.onChange != nil {
		t.onChange(slices.Clone(online))
	}
}
