package chat

import (
	"context"
	"io"
	"time"
)

// Unsubscribe cancels a live subscription. It is safe to call more than once.
type Unsubscribe func()

// A MessageQuery selects messages from a room's feed.
//
// Since is inclusive and Before is exclusive; a zero time leaves that side
// unbounded. Results are ordered by CreatedAt, newest first when Descending is
// set, and Limit (if positive) keeps the first Limit results in that order.
type MessageQuery struct {
	RoomID     string
	Since      time.Time
	Before     time.Time
	Limit      int
	Descending bool
}

// A MessageStore persists room messages and pushes changes to subscribers.
type MessageStore interface {
	QueryMessages(ctx context.Context, q MessageQuery) ([]Message, error)
	// WatchMessages calls fn with the full result of q once immediately and
	// again after every change that may affect it.
	WatchMessages(ctx context.Context, q MessageQuery, fn func([]Message)) (Unsubscribe, error)
	GetMessage(ctx context.Context, roomID, id string) (Message, error)
	// InsertMessage stores msg; the store assigns ID, CreatedAt and UpdatedAt.
	InsertMessage(ctx context.Context, msg Message) (Message, error)
	UpdateMessageText(ctx context.Context, roomID, id, text string) error
	DeleteMessage(ctx context.Context, roomID, id string) error
	// AddReaction and RemoveReaction are atomic set-union and set-removal on
	// the reaction set of emoji.
	AddReaction(ctx context.Context, roomID, id, emoji, uid string) error
	RemoveReaction(ctx context.Context, roomID, id, emoji, uid string) error
}

// A ProfileStore looks up user profiles.
type ProfileStore interface {
	// GetProfile returns ErrNotFound when uid has no profile.
	GetProfile(ctx context.Context, uid string) (Profile, error)
	WatchProfile(ctx context.Context, uid string, fn func(Profile)) (Unsubscribe, error)
}

// A PresenceStore tracks which users are connected to a room.
type PresenceStore interface {
	SetPresence(ctx context.Context, roomID string, e PresenceEntry) error
	RemovePresence(ctx context.Context, roomID, uid string) error
	// OnDisconnectRemove arranges for the store to drop uid's entry if this
	// client stops being connected, without further cooperation from it.
	OnDisconnectRemove(ctx context.Context, roomID, uid string) (Unsubscribe, error)
	WatchPresence(ctx context.Context, roomID string, fn func([]PresenceEntry)) (Unsubscribe, error)
	// WatchConnection reports the current connectivity state and every change.
	WatchConnection(ctx context.Context, fn func(connected bool)) (Unsubscribe, error)
}

// A BlobStore stores uploaded attachments.
type BlobStore interface {
	// Upload writes r to path, reporting progress as bytes are written, and
	// returns a download URL.
	Upload(ctx context.Context, path string, r io.Reader, size int64, progress func(written, total int64)) (string, error)
}

// A ModerationStore records moderation actions.
type ModerationStore interface {
	PutModeration(ctx context.Context, a ModerationAction) error
}
