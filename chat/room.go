package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aquilax/truncate"
)

const (
	DefaultPageSize      = 25
	DefaultPageIncrement = 25
)

// Config sizes a room's message window.
type Config struct {
	PageSize      int
	PageIncrement int
}

// Deps are the stores a Room talks to. Only Messages is required.
type Deps struct {
	Messages   MessageStore
	Presence   PresenceStore
	Blobs      BlobStore
	Moderation ModerationStore
	Profiles   *ProfileCache
	Logger     *slog.Logger
}

// Room is the chat state of one event as seen by one user: a paginated,
// live window of messages, the user's optimistic sends, and who is online.
//
// A Room is inert until Activate and may be re-activated for another room;
// all subscriptions of the previous room are torn down first.
type Room struct {
	messages   MessageStore
	blobs      BlobStore
	moderation ModerationStore
	profiles   *ProfileCache
	presence   *PresenceTracker
	session    *Session
	logger     *slog.Logger
	cfg        Config
	now        func() time.Time

	mu           sync.Mutex
	gen          uint64
	mainSeq      uint64
	ctx          context.Context
	cancel       context.CancelFunc
	roomID       string
	creatorID    string
	pageSize     int
	win          *window
	cursor       time.Time
	mainOldest   time.Time
	pending      pendingQueue
	online       []PresenceEntry
	draft        string
	errMsg       string
	upload       UploadState
	photos       map[string]string
	mainUnsub    Unsubscribe
	ranges       map[string]Unsubscribe
	sessionUnsub Unsubscribe
	watchers     map[int]func()
	nextWatcher  int
}

// NewRoom returns an inactive room for the user behind session.
func NewRoom(session *Session, deps Deps, cfg Config) *Room {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.PageIncrement <= 0 {
		cfg.PageIncrement = DefaultPageIncrement
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Room{
		messages:   deps.Messages,
		blobs:      deps.Blobs,
		moderation: deps.Moderation,
		profiles:   deps.Profiles,
		session:    session,
		logger:     logger.With("component", "room"),
		cfg:        cfg,
		now:        time.Now,
		win:        newWindow(),
		watchers:   make(map[int]func()),
	}
	if deps.Presence != nil {
		r.presence = NewPresenceTracker(deps.Presence, logger, r.setOnline)
	}
	return r
}

// Activate opens roomID. creatorID is the owner of the event, who may
// moderate and modify any message.
func (r *Room) Activate(ctx context.Context, roomID, creatorID string) error {
	r.Deactivate(ctx)

	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	lifetime := r.ctx
	r.roomID = roomID
	r.creatorID = creatorID
	r.pageSize = r.cfg.PageSize
	r.win = newWindow()
	r.cursor, r.mainOldest = time.Time{}, time.Time{}
	r.pending = pendingQueue{}
	r.online = nil
	r.draft, r.errMsg = "", ""
	r.upload = UploadState{}
	r.photos = make(map[string]string)
	r.ranges = make(map[string]Unsubscribe)
	r.mu.Unlock()

	if err := r.subscribeMain(lifetime, gen); err != nil {
		r.Deactivate(ctx)
		return fmt.Errorf("subscribe messages: %w", err)
	}

	unsub := r.session.Subscribe(func(u User, signedIn bool) {
		r.onSessionChange(gen, u, signedIn)
	})
	if !r.adopt(gen, func() { r.sessionUnsub = unsub }) {
		unsub()
		return nil
	}

	if u, ok := r.session.Current(); ok && r.presence != nil {
		if err := r.presence.Activate(lifetime, roomID, u); err != nil {
			r.logger.Warn("Could not activate presence", "room_id", roomID, "error", err)
		}
	}
	r.notify()
	return nil
}

// Deactivate tears down every subscription of the current room and removes
// the user's presence. It is a no-op on an inactive room.
func (r *Room) Deactivate(ctx context.Context) {
	r.mu.Lock()
	if r.cancel == nil {
		r.mu.Unlock()
		return
	}
	r.gen++
	unsubs := []Unsubscribe{r.mainUnsub, r.sessionUnsub}
	for _, u := range r.ranges {
		unsubs = append(unsubs, u)
	}
	cancel := r.cancel
	roomID := r.roomID
	r.cancel, r.ctx = nil, nil
	r.mainUnsub, r.sessionUnsub, r.ranges = nil, nil, nil
	r.roomID, r.creatorID = "", ""
	r.win = newWindow()
	r.cursor, r.mainOldest = time.Time{}, time.Time{}
	r.pending = pendingQueue{}
	r.upload = UploadState{}
	r.mu.Unlock()

	for _, u := range unsubs {
		if u != nil {
			u()
		}
	}
	if r.presence != nil {
		r.presence.Deactivate(ctx)
	}
	cancel()
	r.logger.Debug("Room deactivated", "room_id", roomID)
	r.notify()
}

// RoomID returns the active room, or "" if inactive.
func (r *Room) RoomID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomID
}

// Messages returns the loaded messages in creation order.
func (r *Room) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messagesLocked()
}

// Pending returns the optimistic messages in submit order.
func (r *Room) Pending() []PendingMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.list()
}

// OnlineUsers returns the users present in the room.
func (r *Room) OnlineUsers() []PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.online)
}

// Draft returns the text waiting in the input, such as a retried message.
func (r *Room) Draft() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draft
}

// SetDraft replaces the text waiting in the input.
func (r *Room) SetDraft(text string) {
	r.mu.Lock()
	r.draft = text
	r.mu.Unlock()
	r.notify()
}

// Error returns the last user-facing error, if any.
func (r *Room) Error() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errMsg
}

// Upload returns the state of the current attachment upload.
func (r *Room) Upload() UploadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upload
}

// Snapshot returns all observable state at once.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		RoomID:      r.roomID,
		Messages:    r.messagesLocked(),
		Pending:     r.pending.list(),
		OnlineUsers: slices.Clone(r.online),
		Draft:       r.draft,
		Error:       r.errMsg,
		Upload:      r.upload,
		HasOlder:    !r.cursor.IsZero(),
	}
}

// Watch registers fn to be called after every change of observable state.
func (r *Room) Watch(fn func()) Unsubscribe {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextWatcher
	r.nextWatcher++
	r.watchers[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
	}
}

// SendMessage shows text immediately as a pending message and writes it to
// the feed. A failed write leaves the entry in the failed state rather than
// returning an error; errors are returned only when nothing was sent.
func (r *Room) SendMessage(ctx context.Context, text string) (PendingMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return PendingMessage{}, ErrEmptyMessage
	}
	user, err := r.sender()
	if err != nil {
		if errors.Is(err, ErrEmailNotVerified) {
			r.setError("Verify your email address to send messages.")
		} else {
			r.setError("You must be signed in to send messages.")
		}
		return PendingMessage{}, err
	}

	r.mu.Lock()
	if r.roomID == "" {
		r.mu.Unlock()
		return PendingMessage{}, ErrNoRoom
	}
	gen, roomID := r.gen, r.roomID
	p := PendingMessage{
		ClientID:   newClientID("c", r.now()),
		Text:       text,
		SenderID:   user.UID,
		SenderName: user.Name(),
		CreatedAt:  r.now(),
		Status:     StatusPending,
	}
	r.pending.push(p)
	r.draft, r.errMsg = "", ""
	r.mu.Unlock()
	r.notify()

	_, err = r.messages.InsertMessage(ctx, Message{
		ClientID:    p.ClientID,
		RoomID:      roomID,
		Text:        text,
		SenderID:    user.UID,
		SenderName:  user.Name(),
		SenderPhoto: user.PhotoURL,
	})
	if err != nil {
		r.logger.Error("Could not send message", "room_id", roomID, "client_id", p.ClientID,
			"text", truncate.Truncate(fmt.Sprintf("%q", text), 64, "...", truncate.PositionMiddle), "error", err)
		r.mu.Lock()
		if gen == r.gen && r.pending.fail(p.ClientID) {
			p.Status = StatusFailed
			r.errMsg = "Failed to send message. You can retry or remove it."
		}
		r.mu.Unlock()
		r.notify()
	}
	return p, nil
}

// RetryPending moves a failed message's text back into the draft and drops
// the entry; the user resubmits it. It reports whether clientID was failed.
func (r *Room) RetryPending(clientID string) (string, bool) {
	r.mu.Lock()
	i := r.pending.index(clientID)
	if i < 0 || r.pending.items[i].Status != StatusFailed {
		r.mu.Unlock()
		return "", false
	}
	p, _ := r.pending.remove(clientID)
	r.draft = p.Text
	r.mu.Unlock()
	r.notify()
	return p.Text, true
}

// RemovePending discards an optimistic message.
func (r *Room) RemovePending(clientID string) bool {
	r.mu.Lock()
	_, ok := r.pending.remove(clientID)
	r.mu.Unlock()
	if ok {
		r.notify()
	}
	return ok
}

// EditMessage replaces the text of message id.
func (r *Room) EditMessage(ctx context.Context, id, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	roomID, err := r.authorize(id)
	if err != nil {
		return err
	}
	if err := r.messages.UpdateMessageText(ctx, roomID, id, text); err != nil {
		r.logger.Error("Could not edit message", "room_id", roomID, "message_id", id, "error", err)
		r.setError("Edit failed.")
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// DeleteMessage removes message id.
func (r *Room) DeleteMessage(ctx context.Context, id string) error {
	roomID, err := r.authorize(id)
	if err != nil {
		return err
	}
	if err := r.messages.DeleteMessage(ctx, roomID, id); err != nil {
		r.logger.Error("Could not delete message", "room_id", roomID, "message_id", id, "error", err)
		r.setError("Delete failed.")
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// ToggleReaction adds the user to the reaction set of emoji on message id,
// or removes them if they already reacted.
func (r *Room) ToggleReaction(ctx context.Context, id, emoji string) error {
	user, err := r.sender()
	if err != nil {
		return err
	}
	roomID := r.RoomID()
	if roomID == "" {
		return ErrNoRoom
	}

	m, err := r.messages.GetMessage(ctx, roomID, id)
	if err != nil {
		r.logger.Error("Could not toggle reaction", "room_id", roomID, "message_id", id, "error", err)
		return fmt.Errorf("get message: %w", err)
	}
	if m.HasReacted(emoji, user.UID) {
		err = r.messages.RemoveReaction(ctx, roomID, id, emoji, user.UID)
	} else {
		err = r.messages.AddReaction(ctx, roomID, id, emoji, user.UID)
	}
	if err != nil {
		r.logger.Error("Could not toggle reaction", "room_id", roomID, "message_id", id, "error", err)
		return fmt.Errorf("toggle reaction: %w", err)
	}
	return nil
}

// UploadAttachment stores the file and posts a message linking to it.
// Progress is reported through Upload.
func (r *Room) UploadAttachment(ctx context.Context, name string, content io.Reader, size int64) error {
	if r.blobs == nil {
		return errors.New("attachments are not configured")
	}
	user, err := r.sender()
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.roomID == "" {
		r.mu.Unlock()
		return ErrNoRoom
	}
	gen, roomID := r.gen, r.roomID
	r.upload = UploadState{Uploading: true}
	r.mu.Unlock()
	r.notify()

	name = path.Base(name)
	objectPath := fmt.Sprintf("events/%s/attachments/%s_%s", roomID, newClientID("att", r.now()), name)
	url, err := r.blobs.Upload(ctx, objectPath, content, size, func(written, total int64) {
		pct := 100 * written / max(total, 1)
		if r.adopt(gen, func() { r.upload.Progress = int(min(pct, 100)) }) {
			r.notify()
		}
	})
	if err == nil {
		_, err = r.messages.InsertMessage(ctx, Message{
			ClientID:       newClientID("c", r.now()),
			RoomID:         roomID,
			SenderID:       user.UID,
			SenderName:     user.Name(),
			SenderPhoto:    user.PhotoURL,
			AttachmentURL:  url,
			AttachmentName: name,
		})
	}
	if err != nil {
		r.logger.Error("Attachment upload failed", "room_id", roomID, "name", name, "error", err)
		r.adopt(gen, func() { r.upload = UploadState{Err: err.Error()} })
		r.notify()
		return fmt.Errorf("upload attachment: %w", err)
	}

	r.adopt(gen, func() { r.upload = UploadState{Progress: 100} })
	r.notify()
	return nil
}

// LoadMore grows the live window by one page and re-subscribes.
func (r *Room) LoadMore(ctx context.Context) error {
	r.mu.Lock()
	if r.roomID == "" {
		r.mu.Unlock()
		return ErrNoRoom
	}
	r.pageSize += r.cfg.PageIncrement
	gen, lifetime := r.gen, r.ctx
	r.mu.Unlock()
	return r.subscribeMain(lifetime, gen)
}

// LoadOlderMessages fetches one page before the oldest loaded message and
// keeps that page live. It is a no-op before any message has been loaded.
func (r *Room) LoadOlderMessages(ctx context.Context) error {
	r.mu.Lock()
	if r.roomID == "" {
		r.mu.Unlock()
		return ErrNoRoom
	}
	if r.cursor.IsZero() {
		r.mu.Unlock()
		return nil
	}
	gen, roomID, cursor, lifetime := r.gen, r.roomID, r.cursor, r.ctx
	r.mu.Unlock()

	older, err := r.messages.QueryMessages(ctx, MessageQuery{
		RoomID:     roomID,
		Before:     cursor,
		Limit:      r.cfg.PageIncrement,
		Descending: true,
	})
	if err != nil {
		r.logger.Error("Could not load older messages", "room_id", roomID, "error", err)
		r.setError("Could not load older messages.")
		return fmt.Errorf("load older messages: %w", err)
	}
	if len(older) == 0 {
		return nil
	}
	slices.Reverse(older)

	since := older[0].CreatedAt
	b := batch{messages: older, before: cursor}
	if len(older) >= r.cfg.PageIncrement {
		b.since = since
	}

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return nil
	}
	r.win.apply(b)
	if since.Before(r.cursor) {
		r.cursor = since
	}
	r.pending.reconcile(r.win.clientIDs())
	missing := r.missingPhotosLocked(older)
	r.mu.Unlock()

	r.subscribeRange(lifetime, gen, since, cursor)
	r.enrich(lifetime, gen, missing)
	r.notify()
	return nil
}

// BanUser records a ban of uid in the room. Only the creator may moderate.
func (r *Room) BanUser(ctx context.Context, uid string) error {
	return r.moderate(ctx, uid, ModerationBan)
}

// MuteUser records a mute of uid in the room. Only the creator may moderate.
func (r *Room) MuteUser(ctx context.Context, uid string) error {
	return r.moderate(ctx, uid, ModerationMute)
}

// CanModifyMessage reports whether the user may edit or delete m: its
// sender or the room creator. The store enforces the real rule.
func (r *Room) CanModifyMessage(m Message) bool {
	u, ok := r.session.Current()
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return canModify(m, u.UID, r.creatorID)
}

// IsCreatorMessage reports whether m was sent by the room creator.
func (r *Room) IsCreatorMessage(m Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return m.SenderID != "" && m.SenderID == r.creatorID
}

func canModify(m Message, uid, creatorID string) bool {
	return m.SenderID == uid || (creatorID != "" && creatorID == uid)
}

func (r *Room) moderate(ctx context.Context, uid string, kind ModerationKind) error {
	if r.moderation == nil {
		return errors.New("moderation is not configured")
	}
	user, err := r.sender()
	if err != nil {
		return err
	}
	r.mu.Lock()
	roomID, creatorID := r.roomID, r.creatorID
	r.mu.Unlock()
	if roomID == "" {
		return ErrNoRoom
	}
	if user.UID != creatorID {
		return ErrForbidden
	}
	err = r.moderation.PutModeration(ctx, ModerationAction{
		RoomID: roomID,
		UID:    uid,
		Kind:   kind,
		By:     user.UID,
		At:     r.now(),
	})
	if err != nil {
		r.logger.Error("Moderation failed", "room_id", roomID, "uid", uid, "kind", kind, "error", err)
		return fmt.Errorf("moderate: %w", err)
	}
	return nil
}

// sender returns the user allowed to write, or why they are not.
func (r *Room) sender() (User, error) {
	u, ok := r.session.Current()
	if !ok {
		return User{}, ErrNotSignedIn
	}
	if !u.EmailVerified {
		return User{}, ErrEmailNotVerified
	}
	return u, nil
}

// authorize checks that the user may modify message id, as far as the
// loaded window can tell, and returns the active room.
func (r *Room) authorize(id string) (string, error) {
	user, err := r.sender()
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.roomID == "" {
		return "", ErrNoRoom
	}
	if m, ok := r.win.get(id); ok && !canModify(m, user.UID, r.creatorID) {
		return "", ErrForbidden
	}
	return r.roomID, nil
}

func (r *Room) subscribeMain(ctx context.Context, gen uint64) error {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return nil
	}
	r.mainSeq++
	seq := r.mainSeq
	q := MessageQuery{RoomID: r.roomID, Limit: r.pageSize, Descending: true}
	old := r.mainUnsub
	r.mainUnsub = nil
	r.mu.Unlock()

	if old != nil {
		old()
	}
	unsub, err := r.messages.WatchMessages(ctx, q, func(docs []Message) {
		r.onMainSnapshot(gen, seq, q.Limit, docs)
	})
	if err != nil {
		return err
	}
	if !r.adopt(gen, func() {
		if seq == r.mainSeq {
			r.mainUnsub = unsub
			unsub = nil
		}
	}) || unsub != nil {
		unsub()
	}
	return nil
}

func (r *Room) onMainSnapshot(gen, seq uint64, limit int, docs []Message) {
	asc := slices.Clone(docs)
	slices.Reverse(asc)

	b := batch{messages: asc}
	if len(asc) > 0 && len(asc) >= limit {
		// Older messages sharing the oldest timestamp may sit just outside
		// the page, so only prune strictly newer ones.
		b.since = asc[0].CreatedAt.Add(time.Nanosecond)
	}

	r.mu.Lock()
	if gen != r.gen || seq != r.mainSeq {
		r.mu.Unlock()
		return
	}
	r.win.apply(b)
	// Messages pushed out of a full page by newer ones stay in the window,
	// so the span they left behind gets its own live range.
	var slid bool
	var slidSince, slidBefore time.Time
	if len(asc) > 0 {
		oldest := asc[0].CreatedAt
		if !b.since.IsZero() && !r.mainOldest.IsZero() && oldest.After(r.mainOldest) {
			slid, slidSince, slidBefore = true, r.mainOldest, b.since
		}
		r.mainOldest = oldest
		if r.cursor.IsZero() || oldest.Before(r.cursor) {
			r.cursor = oldest
		}
	}
	r.pending.reconcile(r.win.clientIDs())
	missing := r.missingPhotosLocked(asc)
	lifetime := r.ctx
	r.mu.Unlock()

	if slid {
		r.subscribeRange(lifetime, gen, slidSince, slidBefore)
	}
	r.enrich(lifetime, gen, missing)
	r.notify()
}

// subscribeRange keeps the messages in [since, before) live. Ranges are
// keyed by their bounds and subscribed at most once.
func (r *Room) subscribeRange(ctx context.Context, gen uint64, since, before time.Time) {
	key := rangeKey(since, before)

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	if _, ok := r.ranges[key]; ok {
		r.mu.Unlock()
		return
	}
	r.ranges[key] = nil
	roomID := r.roomID
	r.mu.Unlock()

	unsub, err := r.messages.WatchMessages(ctx, MessageQuery{RoomID: roomID, Since: since, Before: before}, func(docs []Message) {
		r.onRangeSnapshot(gen, since, before, docs)
	})
	if err != nil {
		r.logger.Warn("Could not watch message range", "room_id", roomID, "range", key, "error", err)
		r.adopt(gen, func() { delete(r.ranges, key) })
		return
	}
	if !r.adopt(gen, func() { r.ranges[key] = unsub }) {
		unsub()
	}
}

func (r *Room) onRangeSnapshot(gen uint64, since, before time.Time, docs []Message) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.win.apply(batch{messages: docs, since: since, before: before})
	r.pending.reconcile(r.win.clientIDs())
	r.mu.Unlock()
	r.notify()
}

func (r *Room) onSessionChange(gen uint64, u User, signedIn bool) {
	if r.presence == nil {
		return
	}
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	roomID, lifetime := r.roomID, r.ctx
	r.mu.Unlock()

	if !signedIn {
		r.presence.Deactivate(lifetime)
		return
	}
	if err := r.presence.Activate(lifetime, roomID, u); err != nil {
		r.logger.Warn("Could not activate presence", "room_id", roomID, "error", err)
	}
}

func (r *Room) setOnline(entries []PresenceEntry) {
	r.mu.Lock()
	r.online = entries
	r.mu.Unlock()
	r.notify()
}

func (r *Room) setError(msg string) {
	r.mu.Lock()
	r.errMsg = msg
	r.mu.Unlock()
	r.notify()
}

// adopt runs fn under the lock if gen is still the active generation.
func (r *Room) adopt(gen uint64, fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return false
	}
	fn()
	return true
}

func (r *Room) notify() {
	r.mu.Lock()
	fns := make([]func(), 0, len(r.watchers))
	for _, fn := range r.watchers {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (r *Room) messagesLocked() []Message {
	msgs := r.win.list()
	for i, m := range msgs {
		if m.SenderPhoto == "" {
			msgs[i].SenderPhoto = r.photos[m.SenderID]
		}
	}
	return msgs
}

// missingPhotosLocked returns the senders in msgs that have no photo and
// have not been looked up yet, marking them as looked up.
func (r *Room) missingPhotosLocked(msgs []Message) []string {
	if r.profiles == nil {
		return nil
	}
	var uids []string
	for _, m := range msgs {
		if m.SenderPhoto != "" || m.SenderID == "" {
			continue
		}
		if _, seen := r.photos[m.SenderID]; seen {
			continue
		}
		r.photos[m.SenderID] = ""
		uids = append(uids, m.SenderID)
	}
	return uids
}

// enrich fills in sender photos from the profile cache in the background.
// Lookup failures leave the placeholder.
func (r *Room) enrich(ctx context.Context, gen uint64, uids []string) {
	if r.profiles == nil || len(uids) == 0 {
		return
	}
	go func() {
		found := r.profiles.GetMany(ctx, uids)
		changed := false
		r.adopt(gen, func() {
			for uid, p := range found {
				if p != nil && p.ProfilePicture != "" {
					r.photos[uid] = p.ProfilePicture
					changed = true
				}
			}
		})
		if changed {
			r.notify()
		}
	}()
}
