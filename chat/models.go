package chat

import (
	"slices"
	"time"
)

// A Message is an authoritative chat record as stored in a room's feed.
type Message struct {
	ID             string              `json:"id"`
	ClientID       string              `json:"client_id,omitempty"`
	RoomID         string              `json:"room_id"`
	Text           string              `json:"text"`
	SenderID       string              `json:"sender_id"`
	SenderName     string              `json:"sender_name"`
	SenderPhoto    string              `json:"sender_photo,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	Edited         bool                `json:"edited"`
	EditedAt       *time.Time          `json:"edited_at,omitempty"`
	Reactions      map[string][]string `json:"reactions"`
	AttachmentURL  string              `json:"attachment_url,omitempty"`
	AttachmentName string              `json:"attachment_name,omitempty"`
}

// HasReacted reports whether uid is in the reaction set for emoji.
func (m Message) HasReacted(emoji, uid string) bool {
	return slices.Contains(m.Reactions[emoji], uid)
}

// PendingStatus is the state of an optimistic message.
type PendingStatus string

const (
	StatusPending PendingStatus = "pending"
	StatusFailed  PendingStatus = "failed"
)

// A PendingMessage is the local projection of a send that has not yet been
// observed in the feed.
type PendingMessage struct {
	ClientID   string        `json:"client_id"`
	Text       string        `json:"text"`
	SenderID   string        `json:"sender_id"`
	SenderName string        `json:"sender_name"`
	CreatedAt  time.Time     `json:"created_at"` // client clock, display only
	Status     PendingStatus `json:"status"`
}

// A Profile is the lightweight sender information shown next to messages.
type Profile struct {
	UID            string    `json:"uid"`
	DisplayName    string    `json:"display_name"`
	ProfilePicture string    `json:"profile_picture,omitempty"`
	Bio            string    `json:"bio,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// A PresenceEntry marks a user as connected to a room.
type PresenceEntry struct {
	UID         string    `json:"uid"`
	DisplayName string    `json:"display_name"`
	Online      bool      `json:"online"`
	LastSeen    time.Time `json:"last_seen"`
}

// UploadState describes the progress of the current attachment upload.
type UploadState struct {
	Uploading bool   `json:"uploading"`
	Progress  int    `json:"progress"`
	Err       string `json:"error,omitempty"`
}

// Moderation actions recorded against a room.
type ModerationKind string

const (
	ModerationBan  ModerationKind = "banned"
	ModerationMute ModerationKind = "muted"
)

// A ModerationAction records a ban or mute issued in a room.
type ModerationAction struct {
	RoomID string         `json:"room_id"`
	UID    string         `json:"uid"`
	Kind   ModerationKind `json:"kind"`
	By     string         `json:"by"`
	At     time.Time      `json:"at"`
}

// A Snapshot is a consistent copy of a room's observable state.
type Snapshot struct {
	RoomID      string           `json:"room_id"`
	Messages    []Message        `json:"messages"`
	Pending     []PendingMessage `json:"pending"`
	OnlineUsers []PresenceEntry  `json:"online_users"`
	Draft       string           `json:"draft"`
	Error       string           `json:"error,omitempty"`
	Upload      UploadState      `json:"upload"`
	HasOlder    bool             `json:"has_older"`
}
