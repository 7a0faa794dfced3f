package redis

import (
	"time"

	"github.com/GetStream/event-chat/chat"
)

// A presence represents a user's presence entry stored in a hash.
type presence struct {
	RoomID      string `redis:"room_id"`
	UID         string `redis:"uid"`
	DisplayName string `redis:"display_name"`
	Online      bool   `redis:"online"`
	LastSeen    int64  `redis:"last_seen"` // Unix milliseconds
}

func (p presence) ChatPresence() chat.PresenceEntry {
	return chat.PresenceEntry{
		UID:         p.UID,
		DisplayName: p.DisplayName,
		Online:      p.Online,
		LastSeen:    time.UnixMilli(p.LastSeen).UTC(),
	}
}
