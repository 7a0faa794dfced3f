package memstore

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/GetStream/event-chat/chat"
)

func hookKey(roomID, uid string) string { return roomID + "/" + uid }

// SetPresence implements chat.PresenceStore.
func (s *Store) SetPresence(_ context.Context, roomID string, e chat.PresenceEntry) error {
	s.mu.Lock()
	if err := s.enter("SetPresence"); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.presence[roomID] == nil {
		s.presence[roomID] = make(map[string]chat.PresenceEntry)
	}
	s.presence[roomID][e.UID] = e
	s.mu.Unlock()

	s.notifyPresence(roomID)
	return nil
}

// RemovePresence implements chat.PresenceStore.
func (s *Store) RemovePresence(_ context.Context, roomID, uid string) error {
	s.mu.Lock()
	if err := s.enter("RemovePresence"); err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.presence[roomID], uid)
	s.mu.Unlock()

	s.notifyPresence(roomID)
	return nil
}

// OnDisconnectRemove implements chat.PresenceStore. The entry is dropped
// when SetConnected(false) is called while the hook is registered.
func (s *Store) OnDisconnectRemove(_ context.Context, roomID, uid string) (chat.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("OnDisconnectRemove"); err != nil {
		return nil, err
	}
	key := hookKey(roomID, uid)
	s.hooks[key]++
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.hooks[key]--; s.hooks[key] <= 0 {
				delete(s.hooks, key)
			}
			s.mu.Unlock()
		})
	}, nil
}

// WatchPresence implements chat.PresenceStore.
func (s *Store) WatchPresence(_ context.Context, roomID string, fn func([]chat.PresenceEntry)) (chat.Unsubscribe, error) {
	s.mu.Lock()
	if err := s.enter("WatchPresence"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	id := s.subscribe()
	s.presWatchers[id] = &presWatcher{roomID: roomID, fn: fn}
	initial := s.presenceLocked(roomID)
	s.mu.Unlock()

	fn(initial)
	return s.unsubscriber(func() { delete(s.presWatchers, id) }), nil
}

// WatchConnection implements chat.PresenceStore.
func (s *Store) WatchConnection(_ context.Context, fn func(bool)) (chat.Unsubscribe, error) {
	s.mu.Lock()
	if err := s.enter("WatchConnection"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	id := s.subscribe()
	s.connWatchers[id] = fn
	connected := s.connected
	s.mu.Unlock()

	fn(connected)
	return s.unsubscriber(func() { delete(s.connWatchers, id) }), nil
}

// SetConnected simulates the client losing or regaining its connection. On
// loss every entry with a registered disconnect hook is removed, the way the
// server would.
func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	rooms := make(map[string]struct{})
	if !connected {
		for key := range s.hooks {
			for roomID, entries := range s.presence {
				for uid := range entries {
					if hookKey(roomID, uid) == key {
						delete(entries, uid)
						rooms[roomID] = struct{}{}
					}
				}
			}
		}
		clear(s.hooks)
	}
	fns := make([]func(bool), 0, len(s.connWatchers))
	for _, id := range slices.Sorted(maps.Keys(s.connWatchers)) {
		fns = append(fns, s.connWatchers[id])
	}
	s.mu.Unlock()

	for roomID := range rooms {
		s.notifyPresence(roomID)
	}
	for _, fn := range fns {
		fn(connected)
	}
}

// Presence returns the entries stored for roomID.
func (s *Store) Presence(roomID string) []chat.PresenceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presenceLocked(roomID)
}

// DisconnectHooks returns the number of registered disconnect hooks.
func (s *Store) DisconnectHooks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.hooks {
		n += c
	}
	return n
}

func (s *Store) presenceLocked(roomID string) []chat.PresenceEntry {
	entries := s.presence[roomID]
	out := make([]chat.PresenceEntry, 0, len(entries))
	for _, uid := range slices.Sorted(maps.Keys(entries)) {
		out = append(out, entries[uid])
	}
	return out
}

func (s *Store) notifyPresence(roomID string) {
	s.mu.Lock()
	var fns []func([]chat.PresenceEntry)
	for _, id := range slices.Sorted(maps.Keys(s.presWatchers)) {
		if w := s.presWatchers[id]; w.roomID == roomID {
			fns = append(fns, w.fn)
		}
	}
	entries := s.presenceLocked(roomID)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(slices.Clone(entries))
	}
}
