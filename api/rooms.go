package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GetStream/event-chat/chat"
)

// MaxAttachmentSize bounds the body of an attachment upload.
const MaxAttachmentSize = 25 << 20

type roomKey struct {
	uid    string
	roomID string
}

type roomSession struct {
	key     roomKey
	session *chat.Session
	room    *chat.Room

	ready chan struct{} // closed once activation finished
	err   error         // activation error, set before ready is closed

	// Guarded by rooms.mu.
	streams  int
	lastUsed time.Time
	idle     *time.Timer
}

// rooms holds the open room sessions, one per user and room. A session with
// no stream attached is closed after ttl without requests; the last stream
// to detach closes it at once.
type rooms struct {
	logger *slog.Logger
	ttl    time.Duration

	mu   sync.Mutex
	open map[roomKey]*roomSession
}

func newRooms(logger *slog.Logger, ttl time.Duration) *rooms {
	return &rooms{logger: logger, ttl: ttl, open: make(map[roomKey]*roomSession)}
}

// get returns the activated session of uid in roomID and marks it used.
func (rs *rooms) get(ctx context.Context, uid, roomID string) (*roomSession, bool) {
	rs.mu.Lock()
	s, ok := rs.open[roomKey{uid, roomID}]
	rs.mu.Unlock()
	if !ok || rs.wait(ctx, s) != nil {
		return nil, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.open[s.key] != s {
		return nil, false
	}
	rs.touchLocked(s)
	return s, true
}

// getOrCreate returns the session of uid in roomID, creating it with create
// when there is none. created reports whether create was called; the caller
// then activates the session and reports the outcome with activated. Other
// callers wait for that outcome.
func (rs *rooms) getOrCreate(uid, roomID string, create func() *roomSession) (s *roomSession, created bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	k := roomKey{uid, roomID}
	if s, ok := rs.open[k]; ok {
		return s, false
	}
	s = create()
	s.key = k
	s.ready = make(chan struct{})
	rs.open[k] = s
	return s, true
}

// activated records the activation outcome of a created session. A failed
// session is dropped.
func (rs *rooms) activated(s *roomSession, err error) {
	rs.mu.Lock()
	s.err = err
	if err != nil {
		if rs.open[s.key] == s {
			delete(rs.open, s.key)
		}
	} else if rs.open[s.key] == s {
		rs.touchLocked(s)
	}
	rs.mu.Unlock()
	close(s.ready)
}

// wait blocks until s is activated and returns the activation error.
func (rs *rooms) wait(ctx context.Context, s *roomSession) error {
	select {
	case <-s.ready:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// touchLocked restarts the idle timer of a session with no stream.
func (rs *rooms) touchLocked(s *roomSession) {
	s.lastUsed = time.Now()
	if rs.ttl <= 0 || s.streams > 0 {
		return
	}
	if s.idle == nil {
		s.idle = time.AfterFunc(rs.ttl, func() { rs.expire(s) })
		return
	}
	s.idle.Reset(rs.ttl)
}

func (rs *rooms) expire(s *roomSession) {
	rs.mu.Lock()
	if rs.open[s.key] != s || s.streams > 0 {
		rs.mu.Unlock()
		return
	}
	// A request may have touched the session while the timer fired.
	if left := rs.ttl - time.Since(s.lastUsed); left > 0 {
		s.idle.Reset(left)
		rs.mu.Unlock()
		return
	}
	delete(rs.open, s.key)
	rs.mu.Unlock()

	rs.logger.Info("Room session expired", "room_id", s.key.roomID, "uid", s.key.uid)
	s.room.Deactivate(context.Background())
}

// attach counts a stream on s, keeping it open while the stream lasts.
func (rs *rooms) attach(s *roomSession) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.open[s.key] != s {
		return false
	}
	s.streams++
	if s.idle != nil {
		s.idle.Stop()
	}
	return true
}

// detach undoes attach and closes s when no stream is left.
func (rs *rooms) detach(ctx context.Context, s *roomSession) {
	rs.mu.Lock()
	s.streams--
	last := s.streams == 0 && rs.open[s.key] == s
	if last {
		delete(rs.open, s.key)
	}
	rs.mu.Unlock()
	if last {
		rs.logger.Info("Room session closed by disconnect", "room_id", s.key.roomID, "uid", s.key.uid)
		s.room.Deactivate(ctx)
	}
}

// close deactivates the session of uid in roomID, if any.
func (rs *rooms) close(ctx context.Context, uid, roomID string) bool {
	k := roomKey{uid, roomID}
	return rs.closeWhere(ctx, func(o roomKey) bool { return o == k }) > 0
}

// closeRoom deactivates every session of roomID.
func (rs *rooms) closeRoom(ctx context.Context, roomID string) {
	rs.closeWhere(ctx, func(k roomKey) bool { return k.roomID == roomID })
}

func (rs *rooms) closeAll(ctx context.Context) {
	rs.closeWhere(ctx, func(roomKey) bool { return true })
}

// closeWhere removes the matching sessions and deactivates them once their
// activation has finished. It returns how many were removed.
func (rs *rooms) closeWhere(ctx context.Context, match func(roomKey) bool) int {
	rs.mu.Lock()
	var closing []*roomSession
	for k, s := range rs.open {
		if match(k) {
			closing = append(closing, s)
			delete(rs.open, k)
			if s.idle != nil {
				s.idle.Stop()
			}
		}
	}
	rs.mu.Unlock()
	for _, s := range closing {
		<-s.ready
		s.room.Deactivate(ctx)
	}
	return len(closing)
}

// openRoom activates the caller's session in the event's room and returns
// its snapshot. Only participants may open a room.
func (a *API) openRoom(w http.ResponseWriter, r *http.Request) {
	u, ok := a.user(w, r)
	if !ok {
		return
	}
	roomID := r.PathValue("roomID")
	e, err := a.DB.GetEvent(r.Context(), roomID)
	if err != nil {
		a.respondStoreError(w, err, "Could not get event")
		return
	}
	if !e.IsParticipant(u.UID) && e.CreatorUID != u.UID {
		a.respondError(w, http.StatusForbidden, chat.ErrForbidden, "Join the event to chat")
		return
	}

	s, created := a.rooms.getOrCreate(u.UID, roomID, func() *roomSession {
		session := chat.NewSession(u)
		return &roomSession{
			session: session,
			room:    chat.NewRoom(session, a.Chat, a.Room),
		}
	})
	if created {
		err = s.room.Activate(r.Context(), roomID, e.CreatorUID)
		a.rooms.activated(s, err)
		if err == nil {
			a.Logger.Info("Room session opened", "room_id", roomID, "uid", u.UID)
		}
	} else {
		err = a.rooms.wait(r.Context(), s)
	}
	if err != nil {
		a.respondError(w, http.StatusInternalServerError, err, "Could not open room")
		return
	}
	if cur, ok := s.session.Current(); !ok || cur != u {
		s.session.Set(u)
	}
	a.respond(w, http.StatusOK, s.room.Snapshot())
}

func (a *API) closeRoom(w http.ResponseWriter, r *http.Request) {
	u, ok := a.user(w, r)
	if !ok {
		return
	}
	if !a.rooms.close(r.Context(), u.UID, r.PathValue("roomID")) {
		a.respondError(w, http.StatusNotFound, chat.ErrNoRoom, "Room session is not open")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// room returns the caller's open room in the room of the path.
func (a *API) room(w http.ResponseWriter, r *http.Request) (*chat.Room, bool) {
	s, ok := a.roomSession(w, r)
	if !ok {
		return nil, false
	}
	return s.room, true
}

func (a *API) roomSession(w http.ResponseWriter, r *http.Request) (*roomSession, bool) {
	u, ok := a.user(w, r)
	if !ok {
		return nil, false
	}
	s, ok := a.rooms.get(r.Context(), u.UID, r.PathValue("roomID"))
	if !ok {
		a.respondError(w, http.StatusConflict, chat.ErrNoRoom, "Room session is not open")
		return nil, false
	}
	if cur, ok := s.session.Current(); !ok || cur != u {
		s.session.Set(u)
	}
	return s, true
}

func (a *API) getRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := a.room(w, r)
	if !ok {
		return
	}
	a.respond(w, http.StatusOK, room.Snapshot())
}

func (a *API) setDraft(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Text string `json:"text" validate:"max=4000"`
	}
	room, ok := a.room(w, r)
	if !ok {
		return
	}
	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}
	room.SetDraft(body.Text)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Text string `json:"text" validate:"required,max=4000"`
	}
	room, ok := a.room(w, r)
	if !ok {
		return
	}
	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}
	p, err := room.SendMessage(r.Context(), body.Text)
	if err != nil {
		a.respondStoreError(w, err, "Could not send message")
		return
	}
	a.respond(w, http.StatusAccepted, p)
}

func (a *API) editMessage(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Text string `json:"text" validate:"required,max=4000"`
	}
	room, ok := a.room(w, r)
	if !ok {
		return
	}
	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}
	if err := room.EditMessage(r.Context(), r.PathValue("messageID"), body.Text); err != nil {
		a.respondStoreError(w, err, "Could not edit message")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteMessage(w http.ResponseWriter, r *http.Request) {
	room, ok := a.room(w, r)
	if !ok {
		return
	}
	if err := room.DeleteMessage(r.Context(), r.PathValue("messageID")); err != nil {
		a.respondStoreError(w, err, "Could not delete message")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) toggleReaction(w http.ResponseWriter, r *http.Request) {
	type request struct {
		Emoji string `json:"emoji" validate:"required,emoji"`
	}
	room, ok := a.room(w, r)
	if !ok {
		return
	}
	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}
	if err := room.ToggleReaction(r.Context(), r.PathValue("messageID"), body.Emoji); err != nil {
		a.respondStoreError(w, err, "Could not toggle reaction")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) uploadAttachment(w http.ResponseWriter, r *http.Request) {
	room, ok := a.room(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxAttachmentSize)
	f, hdr, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.respondError(w, http.StatusRequestEntityTooLarge, err, "Attachment is too large")
			return
		}
		a.respondError(w, http.StatusBadRequest, err, "Could not read file")
		return
	}
	defer f.Close()

	if err := room.UploadAttachment(r.Context(), hdr.Filename, f, hdr.Size); err != nil {
		a.respondStoreError(w, err, "Could not upload attachment")
		return
	}
	a.respond(w, http.StatusCreated, room.Upload())
}

func (a *API) loadMore(w http.ResponseWriter, r *http.Request) {
	room, ok := a.room(w, r)
	if !ok {
		return
	}
	if err := room.LoadMore(r.Context()); err != nil {
		a.respondStoreError(w, err, "Could not load more messages")
		return
	}
	a.respond(w, http.StatusOK, room.Snapshot())
}

func (a *API) loadOlder(w http.ResponseWriter, r *http.Request) {
	room, ok := a.room(w, r)
	if !ok {
		return
	}
	if err := room.LoadOlderMessages(r.Context()); err != nil {
		a.respondStoreError(w, err, "Could not load older messages")
		return
	}
	a.respond(w, http.StatusOK, room.Snapshot())
}

func (a *API) retryPending(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Draft string `json:"draft"`
	}
	room, ok := a.room(w, r)
	if !ok {
		return
	}
	draft, ok := room.RetryPending(r.PathValue("clientID"))
	if !ok {
		a.respondError(w, http.StatusNotFound, chat.ErrNotFound, "No failed message with this ID")
		return
	}
	a.respond(w, http.StatusOK, response{Draft: draft})
}

func (a *API) removePending(w http.ResponseWriter, r *http.Request) {
	room, ok := a.room(w, r)
	if !ok {
		return
	}
	if !room.RemovePending(r.PathValue("clientID")) {
		a.respondError(w, http.StatusNotFound, chat.ErrNotFound, "No pending message with this ID")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) moderate(w http.ResponseWriter, r *http.Request) {
	type request struct {
		UID    string `json:"uid" validate:"required"`
		Action string `json:"action" validate:"required,oneof=ban mute"`
	}
	room, ok := a.room(w, r)
	if !ok {
		return
	}
	var body request
	if !a.decodeBody(w, r, &body) {
		return
	}
	var err error
	switch body.Action {
	case "ban":
		err = room.BanUser(r.Context(), body.UID)
	case "mute":
		err = room.MuteUser(r.Context(), body.UID)
	}
	if err != nil {
		a.respondStoreError(w, err, "Could not moderate user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
