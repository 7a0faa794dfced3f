package memstore

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"github.com/GetStream/event-chat/chat"
	"github.com/google/uuid"
)

// PutUser creates or replaces a user and their profile.
func (s *Store) PutUser(u chat.User) {
	s.mu.Lock()
	s.users[u.UID] = u
	s.mu.Unlock()
	s.PutProfile(chat.Profile{UID: u.UID, DisplayName: u.Name(), ProfilePicture: u.PhotoURL})
}

// GetUser returns the user with the given uid.
func (s *Store) GetUser(_ context.Context, uid string) (chat.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetUser"); err != nil {
		return chat.User{}, err
	}
	u, ok := s.users[uid]
	if !ok {
		return chat.User{}, chat.ErrNotFound
	}
	return u, nil
}

// UpdateProfile applies upd to uid's profile and notifies its watchers.
func (s *Store) UpdateProfile(_ context.Context, uid string, upd chat.ProfileUpdate) (chat.Profile, error) {
	s.mu.Lock()
	if err := s.enter("UpdateProfile"); err != nil {
		s.mu.Unlock()
		return chat.Profile{}, err
	}
	p, ok := s.profiles[uid]
	if !ok {
		s.mu.Unlock()
		return chat.Profile{}, chat.ErrNotFound
	}
	upd.Apply(&p)
	p = s.putProfileLocked(p)
	if u, ok := s.users[uid]; ok {
		u.DisplayName, u.PhotoURL = p.DisplayName, p.ProfilePicture
		s.users[uid] = u
	}
	fns := s.profileWatchersLocked(uid)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(p)
	}
	return p, nil
}

func cloneEvent(e chat.Event) chat.Event {
	e.Participants = slices.Clone(e.Participants)
	if e.Participants == nil {
		e.Participants = []string{}
	}
	return e
}

// listEvents returns the events accepted by keep, newest first.
func (s *Store) listEvents(op string, keep func(chat.Event) bool) ([]chat.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(op); err != nil {
		return nil, err
	}
	out := []chat.Event{}
	for _, e := range s.events {
		if keep(e) {
			out = append(out, cloneEvent(e))
		}
	}
	slices.SortFunc(out, func(a, b chat.Event) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// ListEvents returns the events matching search.
func (s *Store) ListEvents(_ context.Context, search string) ([]chat.Event, error) {
	search = strings.TrimSpace(search)
	return s.listEvents("ListEvents", func(e chat.Event) bool { return e.Matches(search) })
}

// ListEventsByCreator returns the events created by uid.
func (s *Store) ListEventsByCreator(_ context.Context, uid string) ([]chat.Event, error) {
	return s.listEvents("ListEventsByCreator", func(e chat.Event) bool { return e.CreatorUID == uid })
}

// ListEventsByParticipant returns the events uid has joined, leaving out the
// ones they created if excludeCreated is set.
func (s *Store) ListEventsByParticipant(_ context.Context, uid string, excludeCreated bool) ([]chat.Event, error) {
	return s.listEvents("ListEventsByParticipant", func(e chat.Event) bool {
		return e.IsParticipant(uid) && !(excludeCreated && e.CreatorUID == uid)
	})
}

// GetEvent returns the event with the given id.
func (s *Store) GetEvent(_ context.Context, id string) (chat.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetEvent"); err != nil {
		return chat.Event{}, err
	}
	e, ok := s.events[id]
	if !ok {
		return chat.Event{}, chat.ErrNotFound
	}
	return cloneEvent(e), nil
}

// InsertEvent stores e with a new ID; the creator becomes the first
// participant.
func (s *Store) InsertEvent(_ context.Context, e chat.Event) (chat.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("InsertEvent"); err != nil {
		return chat.Event{}, err
	}
	e.ID = uuid.NewString()
	e.CreatedAt = s.tick()
	e.UpdatedAt = e.CreatedAt
	e.Participants = []string{e.CreatorUID}
	s.events[e.ID] = e
	return cloneEvent(e), nil
}

// UpdateEvent applies upd to the event with the given id.
func (s *Store) UpdateEvent(_ context.Context, id string, upd chat.EventUpdate) (chat.Event, error) {
	return s.updateEvent("UpdateEvent", id, func(e *chat.Event) error {
		upd.Apply(e)
		return nil
	})
}

// DeleteEvent removes the event with the given id.
func (s *Store) DeleteEvent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DeleteEvent"); err != nil {
		return err
	}
	if _, ok := s.events[id]; !ok {
		return chat.ErrNotFound
	}
	delete(s.events, id)
	return nil
}

// JoinEvent adds uid to the event's participants. Joining twice is a no-op;
// joining a full event fails with chat.ErrEventFull.
func (s *Store) JoinEvent(_ context.Context, id, uid string) (chat.Event, error) {
	return s.updateEvent("JoinEvent", id, func(e *chat.Event) error {
		if e.IsParticipant(uid) {
			return nil
		}
		if e.Full() {
			return chat.ErrEventFull
		}
		e.Participants = append(slices.Clone(e.Participants), uid)
		return nil
	})
}

// LeaveEvent removes uid from the event's participants.
func (s *Store) LeaveEvent(_ context.Context, id, uid string) (chat.Event, error) {
	return s.updateEvent("LeaveEvent", id, func(e *chat.Event) error {
		e.Participants = slices.DeleteFunc(slices.Clone(e.Participants), func(p string) bool { return p == uid })
		return nil
	})
}

func (s *Store) updateEvent(op, id string, fn func(e *chat.Event) error) (chat.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(op); err != nil {
		return chat.Event{}, err
	}
	e, ok := s.events[id]
	if !ok {
		return chat.Event{}, chat.ErrNotFound
	}
	if err := fn(&e); err != nil {
		return chat.Event{}, err
	}
	e.UpdatedAt = s.tick()
	s.events[id] = e
	return cloneEvent(e), nil
}
