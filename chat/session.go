package chat

import "sync"

// A User is the signed-in identity behind a session.
type User struct {
	UID           string `json:"uid"`
	Email         string `json:"email"`
	DisplayName   string `json:"display_name"`
	PhotoURL      string `json:"photo_url,omitempty"`
	EmailVerified bool   `json:"email_verified"`
}

// Name returns the name shown for u in messages and presence lists.
func (u User) Name() string {
	switch {
	case u.DisplayName != "":
		return u.DisplayName
	case u.Email != "":
		return u.Email
	default:
		return "Unknown"
	}
}

// Session holds the current user and notifies subscribers when it changes.
// The zero value is a signed-out session.
type Session struct {
	mu   sync.Mutex
	user *User
	subs map[int]func(User, bool)
	next int
}

// NewSession returns a session signed in as u.
func NewSession(u User) *Session {
	return &Session{user: &u}
}

// Current returns the signed-in user, if any.
func (s *Session) Current() (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return User{}, false
	}
	return *s.user, true
}

// Set signs the session in as u.
func (s *Session) Set(u User) {
	s.mu.Lock()
	s.user = &u
	fns := s.subscribers()
	s.mu.Unlock()
	for _, fn := range fns {
		fn(u, true)
	}
}

// Clear signs the session out.
func (s *Session) Clear() {
	s.mu.Lock()
	s.user = nil
	fns := s.subscribers()
	s.mu.Unlock()
	for _, fn := range fns {
		fn(User{}, false)
	}
}

// Subscribe registers fn to be called after every Set or Clear.
func (s *Session) Subscribe(fn func(u User, signedIn bool)) Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]func(User, bool))
	}
	id := s.next
	s.next++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Session) subscribers() []func(User, bool) {
	out := make([]func(User, bool), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}
