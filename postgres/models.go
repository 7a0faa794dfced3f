package postgres

import (
	"time"

	"github.com/GetStream/event-chat/chat"
	"github.com/uptrace/bun"
)

// A message represents a chat message in the database.
type message struct {
	bun.BaseModel `bun:"table:messages"`

	ID             string              `bun:",pk,type:uuid,default:gen_random_uuid()"`
	RoomID         string              `bun:",notnull"`
	ClientID       string              `bun:",nullzero,unique"`
	MessageText    string              `bun:"message_text,notnull,default:''"`
	SenderID       string              `bun:",notnull"`
	SenderName     string              `bun:",notnull,default:''"`
	SenderPhoto    string              `bun:",notnull,default:''"`
	CreatedAt      time.Time           `bun:",nullzero,notnull,default:now()"`
	UpdatedAt      time.Time           `bun:",nullzero,notnull,default:now()"`
	Edited         bool                `bun:",notnull,default:false"`
	EditedAt       *time.Time          `bun:",nullzero"`
	Reactions      map[string][]string `bun:",type:jsonb,notnull,default:'{}'"`
	AttachmentURL  string              `bun:",notnull,default:''"`
	AttachmentName string              `bun:",notnull,default:''"`
}

func (m message) ChatMessage() chat.Message {
	reactions := m.Reactions
	if reactions == nil {
		reactions = map[string][]string{}
	}
	return chat.Message{
		ID:             m.ID,
		ClientID:       m.ClientID,
		RoomID:         m.RoomID,
		Text:           m.MessageText,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		SenderPhoto:    m.SenderPhoto,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		Edited:         m.Edited,
		EditedAt:       m.EditedAt,
		Reactions:      reactions,
		AttachmentURL:  m.AttachmentURL,
		AttachmentName: m.AttachmentName,
	}
}

// A user represents a registered user and their public profile.
type user struct {
	bun.BaseModel `bun:"table:users"`

	UID            string    `bun:",pk"`
	Email          string    `bun:",notnull"`
	DisplayName    string    `bun:",notnull,default:''"`
	ProfilePicture string    `bun:",notnull,default:''"`
	Bio            string    `bun:",notnull,default:''"`
	EmailVerified  bool      `bun:",notnull,default:false"`
	CreatedAt      time.Time `bun:",nullzero,notnull,default:now()"`
	UpdatedAt      time.Time `bun:",nullzero,notnull,default:now()"`
}

func (u user) ChatProfile() chat.Profile {
	name := u.DisplayName
	if name == "" {
		name = u.Email
	}
	return chat.Profile{
		UID:            u.UID,
		DisplayName:    name,
		ProfilePicture: u.ProfilePicture,
		Bio:            u.Bio,
		UpdatedAt:      u.UpdatedAt,
	}
}

func (u user) ChatUser() chat.User {
	return chat.User{
		UID:           u.UID,
		Email:         u.Email,
		DisplayName:   u.DisplayName,
		PhotoURL:      u.ProfilePicture,
		EmailVerified: u.EmailVerified,
	}
}

// An event represents a volunteer event; its ID doubles as the chat room ID.
type event struct {
	bun.BaseModel `bun:"table:events"`

	ID                    string    `bun:",pk,type:uuid,default:gen_random_uuid()"`
	Title                 string    `bun:",notnull"`
	Description           string    `bun:",notnull,default:''"`
	Date                  string    `bun:",notnull,default:''"`
	Time                  string    `bun:",notnull,default:''"`
	Location              string    `bun:",notnull,default:''"`
	Creator               string    `bun:",notnull,default:''"`
	CreatorUID            string    `bun:"creator_uid,notnull"`
	CreatorEmail          string    `bun:",notnull,default:''"`
	CreatorProfilePicture string    `bun:",notnull,default:''"`
	Latitude              *float64  `bun:",nullzero"`
	Longitude             *float64  `bun:",nullzero"`
	WorkType              string    `bun:",notnull,default:''"`
	MemberCap             int       `bun:",notnull,default:0"`
	Participants          []string  `bun:",array,notnull,default:'{}'"`
	CreatedAt             time.Time `bun:",nullzero,notnull,default:now()"`
	UpdatedAt             time.Time `bun:",nullzero,notnull,default:now()"`
}

func (e event) ChatEvent() chat.Event {
	participants := e.Participants
	if participants == nil {
		participants = []string{}
	}
	return chat.Event{
		ID:                    e.ID,
		Title:                 e.Title,
		Description:           e.Description,
		Date:                  e.Date,
		Time:                  e.Time,
		Location:              e.Location,
		Creator:               e.Creator,
		CreatorUID:            e.CreatorUID,
		CreatorEmail:          e.CreatorEmail,
		CreatorProfilePicture: e.CreatorProfilePicture,
		Latitude:              e.Latitude,
		Longitude:             e.Longitude,
		WorkType:              e.WorkType,
		MemberCap:             e.MemberCap,
		Participants:          participants,
		CreatedAt:             e.CreatedAt,
		UpdatedAt:             e.UpdatedAt,
	}
}

// A moderation represents a ban or mute in a room.
type moderation struct {
	bun.BaseModel `bun:"table:moderation"`

	RoomID string    `bun:",pk"`
	UID    string    `bun:",pk"`
	Kind   string    `bun:",pk"`
	By     string    `bun:"moderator,notnull"`
	At     time.Time `bun:"created_at,nullzero,notnull,default:now()"`
}
