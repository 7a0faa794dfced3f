package chat

import (
	"slices"
	"strings"
	"time"
)

// An Event is a volunteer event. Its ID doubles as the ID of its chat room.
type Event struct {
	ID                    string    `json:"id"`
	Title                 string    `json:"title"`
	Description           string    `json:"description"`
	Date                  string    `json:"date"`
	Time                  string    `json:"time"`
	Location              string    `json:"location"`
	Creator               string    `json:"creator"`
	CreatorUID            string    `json:"creator_uid"`
	CreatorEmail          string    `json:"creator_email"`
	CreatorProfilePicture string    `json:"creator_profile_picture,omitempty"`
	Latitude              *float64  `json:"latitude,omitempty"`
	Longitude             *float64  `json:"longitude,omitempty"`
	WorkType              string    `json:"work_type,omitempty"`
	MemberCap             int       `json:"member_cap"`
	Participants          []string  `json:"participants"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Full reports whether the event has reached its member cap. A zero cap means
// unlimited.
func (e Event) Full() bool {
	return e.MemberCap > 0 && len(e.Participants) >= e.MemberCap
}

// IsParticipant reports whether uid has joined the event.
func (e Event) IsParticipant(uid string) bool {
	return slices.Contains(e.Participants, uid)
}

// Matches reports whether the event's title, description or location
// contains search, ignoring case. An empty search matches everything.
func (e Event) Matches(search string) bool {
	if search == "" {
		return true
	}
	search = strings.ToLower(search)
	for _, s := range []string{e.Title, e.Description, e.Location} {
		if strings.Contains(strings.ToLower(s), search) {
			return true
		}
	}
	return false
}

// An EventUpdate holds the editable fields of an event. Nil fields are left
// unchanged.
type EventUpdate struct {
	Title       *string
	Description *string
	Date        *string
	Time        *string
	Location    *string
	Latitude    *float64
	Longitude   *float64
	WorkType    *string
	MemberCap   *int
}

// Apply copies the set fields of u onto e.
func (u EventUpdate) Apply(e *Event) {
	set(&e.Title, u.Title)
	set(&e.Description, u.Description)
	set(&e.Date, u.Date)
	set(&e.Time, u.Time)
	set(&e.Location, u.Location)
	set(&e.WorkType, u.WorkType)
	set(&e.MemberCap, u.MemberCap)
	if u.Latitude != nil {
		e.Latitude = u.Latitude
	}
	if u.Longitude != nil {
		e.Longitude = u.Longitude
	}
}

// A ProfileUpdate holds the editable fields of a profile. Nil fields are left
// unchanged.
type ProfileUpdate struct {
	DisplayName    *string
	ProfilePicture *string
	Bio            *string
}

// Apply copies the set fields of u onto p.
func (u ProfileUpdate) Apply(p *Profile) {
	set(&p.DisplayName, u.DisplayName)
	set(&p.ProfilePicture, u.ProfilePicture)
	set(&p.Bio, u.Bio)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
