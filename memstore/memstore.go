// Package memstore implements the chat store interfaces in memory. It backs
// the tests and the --memory mode of the server; it behaves like the real
// stores, including live subscriptions and server-assigned timestamps.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/GetStream/event-chat/chat"
	"github.com/google/uuid"
)

// Store holds messages, profiles, presence and moderation records.
type Store struct {
	mu         sync.Mutex
	now        func() time.Time
	last       time.Time
	messages   map[string]map[string]chat.Message // room ID -> message ID
	profiles   map[string]chat.Profile
	users      map[string]chat.User
	events     map[string]chat.Event
	presence   map[string]map[string]chat.PresenceEntry // room ID -> uid
	hooks      map[string]int                           // room ID/uid -> disconnect hooks
	moderation []chat.ModerationAction
	connected  bool
	failures   map[string]error
	calls      map[string]int

	next         int
	msgWatchers  map[int]*msgWatcher
	profWatchers map[int]*profWatcher
	presWatchers map[int]*presWatcher
	connWatchers map[int]func(bool)
}

type msgWatcher struct {
	q  chat.MessageQuery
	fn func([]chat.Message)
}

type profWatcher struct {
	uid string
	fn  func(chat.Profile)
}

type presWatcher struct {
	roomID string
	fn     func([]chat.PresenceEntry)
}

// New returns an empty, connected store.
func New() *Store {
	return &Store{
		now:          time.Now,
		messages:     make(map[string]map[string]chat.Message),
		profiles:     make(map[string]chat.Profile),
		users:        make(map[string]chat.User),
		events:       make(map[string]chat.Event),
		presence:     make(map[string]map[string]chat.PresenceEntry),
		hooks:        make(map[string]int),
		connected:    true,
		failures:     make(map[string]error),
		calls:        make(map[string]int),
		msgWatchers:  make(map[int]*msgWatcher),
		profWatchers: make(map[int]*profWatcher),
		presWatchers: make(map[int]*presWatcher),
		connWatchers: make(map[int]func(bool)),
	}
}

// Fail makes every later call of op return err, until cleared with a nil
// err. op is the method name, such as "InsertMessage".
func (s *Store) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Calls returns how many times op has been called.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// MessageWatchers returns the number of active message subscriptions.
func (s *Store) MessageWatchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgWatchers)
}

// ProfileWatchers returns the number of active profile subscriptions.
func (s *Store) ProfileWatchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.profWatchers)
}

// enter records a call of op and returns its injected failure. Callers hold
// s.mu.
func (s *Store) enter(op string) error {
	s.calls[op]++
	if err := s.failures[op]; err != nil {
		return fmt.Errorf("memstore %s: %w", op, err)
	}
	return nil
}

// tick returns a strictly increasing server timestamp with the microsecond
// resolution of the real store.
func (s *Store) tick() time.Time {
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *Store) subscribe() int {
	id := s.next
	s.next++
	return id
}

func copyMessage(m chat.Message) chat.Message {
	out := m
	out.Reactions = make(map[string][]string, len(m.Reactions))
	for k, v := range m.Reactions {
		out.Reactions[k] = slices.Clone(v)
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	return out
}

// queryLocked evaluates q against the current messages. Callers hold s.mu.
func (s *Store) queryLocked(q chat.MessageQuery) []chat.Message {
	var out []chat.Message
	for _, m := range s.messages[q.RoomID] {
		if !q.Since.IsZero() && m.CreatedAt.Before(q.Since) {
			continue
		}
		if !q.Before.IsZero() && !m.CreatedAt.Before(q.Before) {
			continue
		}
		out = append(out, copyMessage(m))
	}
	slices.SortFunc(out, func(a, b chat.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if q.Descending {
		slices.Reverse(out)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// QueryMessages implements chat.MessageStore.
func (s *Store) QueryMessages(_ context.Context, q chat.MessageQuery) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("QueryMessages"); err != nil {
		return nil, err
	}
	return s.queryLocked(q), nil
}

// WatchMessages implements chat.MessageStore. The first result is delivered
// before WatchMessages returns.
func (s *Store) WatchMessages(_ context.Context, q chat.MessageQuery, fn func([]chat.Message)) (chat.Unsubscribe, error) {
	s.mu.Lock()
	if err := s.enter("WatchMessages"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	id := s.subscribe()
	s.msgWatchers[id] = &msgWatcher{q: q, fn: fn}
	initial := s.queryLocked(q)
	s.mu.Unlock()

	fn(initial)
	return s.unsubscriber(func() { delete(s.msgWatchers, id) }), nil
}

// GetMessage implements chat.MessageStore.
func (s *Store) GetMessage(_ context.Context, roomID, id string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetMessage"); err != nil {
		return chat.Message{}, err
	}
	m, ok := s.messages[roomID][id]
	if !ok {
		return chat.Message{}, chat.ErrNotFound
	}
	return copyMessage(m), nil
}

// InsertMessage implements chat.MessageStore.
func (s *Store) InsertMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	s.mu.Lock()
	if err := s.enter("InsertMessage"); err != nil {
		s.mu.Unlock()
		return chat.Message{}, err
	}
	m := copyMessage(msg)
	m.ID = uuid.NewString()
	m.CreatedAt = s.tick()
	m.UpdatedAt = m.CreatedAt
	if s.messages[m.RoomID] == nil {
		s.messages[m.RoomID] = make(map[string]chat.Message)
	}
	s.messages[m.RoomID][m.ID] = m
	s.mu.Unlock()

	s.notifyMessages(m.RoomID)
	return copyMessage(m), nil
}

// Seed stores messages as-is, keeping their IDs and timestamps.
func (s *Store) Seed(msgs ...chat.Message) {
	rooms := make(map[string]struct{})
	s.mu.Lock()
	for _, m := range msgs {
		if s.messages[m.RoomID] == nil {
			s.messages[m.RoomID] = make(map[string]chat.Message)
		}
		if m.UpdatedAt.IsZero() {
			m.UpdatedAt = m.CreatedAt
		}
		s.messages[m.RoomID][m.ID] = copyMessage(m)
		if m.CreatedAt.After(s.last) {
			s.last = m.CreatedAt
		}
		rooms[m.RoomID] = struct{}{}
	}
	s.mu.Unlock()
	for roomID := range rooms {
		s.notifyMessages(roomID)
	}
}

// UpdateMessageText implements chat.MessageStore.
func (s *Store) UpdateMessageText(_ context.Context, roomID, id, text string) error {
	return s.update("UpdateMessageText", roomID, id, func(m *chat.Message, now time.Time) {
		m.Text = text
		m.Edited = true
		m.EditedAt = &now
	})
}

// AddReaction implements chat.MessageStore.
func (s *Store) AddReaction(_ context.Context, roomID, id, emoji, uid string) error {
	return s.update("AddReaction", roomID, id, func(m *chat.Message, _ time.Time) {
		if !slices.Contains(m.Reactions[emoji], uid) {
			m.Reactions[emoji] = append(m.Reactions[emoji], uid)
		}
	})
}

// RemoveReaction implements chat.MessageStore.
func (s *Store) RemoveReaction(_ context.Context, roomID, id, emoji, uid string) error {
	return s.update("RemoveReaction", roomID, id, func(m *chat.Message, _ time.Time) {
		m.Reactions[emoji] = slices.DeleteFunc(m.Reactions[emoji], func(u string) bool { return u == uid })
		if len(m.Reactions[emoji]) == 0 {
			delete(m.Reactions, emoji)
		}
	})
}

func (s *Store) update(op, roomID, id string, fn func(m *chat.Message, now time.Time)) error {
	s.mu.Lock()
	if err := s.enter(op); err != nil {
		s.mu.Unlock()
		return err
	}
	m, ok := s.messages[roomID][id]
	if !ok {
		s.mu.Unlock()
		return chat.ErrNotFound
	}
	m = copyMessage(m)
	now := s.tick()
	fn(&m, now)
	m.UpdatedAt = now
	s.messages[roomID][id] = m
	s.mu.Unlock()

	s.notifyMessages(roomID)
	return nil
}

// DeleteMessage implements chat.MessageStore.
func (s *Store) DeleteMessage(_ context.Context, roomID, id string) error {
	s.mu.Lock()
	if err := s.enter("DeleteMessage"); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, ok := s.messages[roomID][id]; !ok {
		s.mu.Unlock()
		return chat.ErrNotFound
	}
	delete(s.messages[roomID], id)
	s.mu.Unlock()

	s.notifyMessages(roomID)
	return nil
}

func (s *Store) notifyMessages(roomID string) {
	type delivery struct {
		fn   func([]chat.Message)
		msgs []chat.Message
	}
	s.mu.Lock()
	var out []delivery
	for _, id := range slices.Sorted(maps.Keys(s.msgWatchers)) {
		w := s.msgWatchers[id]
		if w.q.RoomID == roomID {
			out = append(out, delivery{fn: w.fn, msgs: s.queryLocked(w.q)})
		}
	}
	s.mu.Unlock()
	for _, d := range out {
		d.fn(d.msgs)
	}
}

// PutProfile creates or replaces a profile and notifies its watchers.
func (s *Store) PutProfile(p chat.Profile) {
	s.mu.Lock()
	p = s.putProfileLocked(p)
	fns := s.profileWatchersLocked(p.UID)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (s *Store) putProfileLocked(p chat.Profile) chat.Profile {
	p.UpdatedAt = s.tick()
	s.profiles[p.UID] = p
	return p
}

func (s *Store) profileWatchersLocked(uid string) []func(chat.Profile) {
	var fns []func(chat.Profile)
	for _, w := range s.profWatchers {
		if w.uid == uid {
			fns = append(fns, w.fn)
		}
	}
	return fns
}

// GetProfile implements chat.ProfileStore.
func (s *Store) GetProfile(_ context.Context, uid string) (chat.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetProfile"); err != nil {
		return chat.Profile{}, err
	}
	p, ok := s.profiles[uid]
	if !ok {
		return chat.Profile{}, chat.ErrNotFound
	}
	return p, nil
}

// WatchProfile implements chat.ProfileStore. Only changes after the call
// are delivered.
func (s *Store) WatchProfile(_ context.Context, uid string, fn func(chat.Profile)) (chat.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("WatchProfile"); err != nil {
		return nil, err
	}
	id := s.subscribe()
	s.profWatchers[id] = &profWatcher{uid: uid, fn: fn}
	return s.unsubscriber(func() { delete(s.profWatchers, id) }), nil
}

// PutModeration implements chat.ModerationStore.
func (s *Store) PutModeration(_ context.Context, a chat.ModerationAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("PutModeration"); err != nil {
		return err
	}
	a.At = s.tick()
	s.moderation = append(s.moderation, a)
	return nil
}

// Moderation returns the recorded moderation actions.
func (s *Store) Moderation() []chat.ModerationAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.moderation)
}

// unsubscriber wraps remove so that it runs under the lock at most once.
func (s *Store) unsubscriber(remove func()) chat.Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			remove()
			s.mu.Unlock()
		})
	}
}
